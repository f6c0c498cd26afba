package releasecache

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMetaKey(t *testing.T) {
	require.Equal(t, "repo_info:octocat:Hello-World", MetaKey(KindRepoInfo, "octocat", "Hello-World"))
	require.Equal(t, "releases:owner:repo", MetaKey(KindReleases, "owner", "repo"))
	require.Equal(t, "latest_release:owner:repo", MetaKey(KindLatestRelease, "owner", "repo"))
}

func TestBlobKeyDeterministic(t *testing.T) {
	url := "https://github.com/octocat/Hello-World/releases/download/v1.0/tool.zip"

	k1 := BlobKey(url)
	k2 := BlobKey(url)
	require.Equal(t, k1, k2)

	require.True(t, strings.HasPrefix(k1, "file:"))
	// 64 lowercase hex chars after the prefix
	hex := strings.TrimPrefix(k1, "file:")
	require.Len(t, hex, 64)
	require.Equal(t, strings.ToLower(hex), hex)
}

func TestBlobKeyIncludesQuery(t *testing.T) {
	// The query string is part of the resource identity.
	require.NotEqual(t,
		BlobKey("https://x/a.zip"),
		BlobKey("https://x/a.zip?token=abc"),
	)
}

func TestOriginalFilename(t *testing.T) {
	tests := []struct {
		url  string
		want string
	}{
		{"https://x/a.zip", "a.zip"},
		{"https://x/path/to/tool.tar.gz", "tool.tar.gz"},
		{"https://x/a.zip?token=abc", "a.zip"},
		{"https://x/", "file"},
		{"", "file"},
		{"file.bin", "file.bin"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, OriginalFilename(tt.url), "url %q", tt.url)
	}
}

func TestBlobFileName(t *testing.T) {
	name := BlobFileName("https://x/a.zip")
	require.Len(t, name, 64+len(".zip"))
	require.True(t, strings.HasSuffix(name, ".zip"))

	// No extension falls back to bin.
	require.True(t, strings.HasSuffix(BlobFileName("https://x/README"), ".bin"))

	// Query strings never leak into the extension.
	require.True(t, strings.HasSuffix(BlobFileName("https://x/a.zip?sig=abc"), ".zip"))

	// The split is last-slash first, so a slash inside the query hides
	// the real filename and the extension falls back to bin.
	require.True(t, strings.HasSuffix(BlobFileName("https://x/a.zip?sig=a.b/c"), ".bin"))
}
