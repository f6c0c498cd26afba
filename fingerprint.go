// Package releasecache provides the shared value types for the release
// cache: fingerprints that identify cached resources and the helpers that
// derive blob file names from origin URLs.
package releasecache

import (
	"crypto/sha256"
	"encoding/hex"
	"path"
	"strings"
)

// MetaKind identifies one of the three metadata cache maps.
type MetaKind string

const (
	KindRepoInfo      MetaKind = "repo_info"
	KindReleases      MetaKind = "releases"
	KindLatestRelease MetaKind = "latest_release"
)

// MetaKey returns the fingerprint for a metadata cache entry.
// Format: "{kind}:{owner}:{repo}". Owner and repo are embedded verbatim;
// callers have already parsed them out of the request path.
func MetaKey(kind MetaKind, owner, repo string) string {
	return string(kind) + ":" + owner + ":" + repo
}

// BlobKey returns the fingerprint for a cached blob.
// Format: "file:" + lowercase hex SHA-256 of the full origin URL,
// including any query string. Hashing gives a filesystem-safe fixed-length
// identifier regardless of the characters in the URL.
func BlobKey(url string) string {
	sum := sha256.Sum256([]byte(url))
	return "file:" + hex.EncodeToString(sum[:])
}

// URLHash returns the lowercase hex SHA-256 of the URL, without the
// "file:" prefix. Used to name blob files on disk.
func URLHash(url string) string {
	sum := sha256.Sum256([]byte(url))
	return hex.EncodeToString(sum[:])
}

// OriginalFilename derives a presentation filename from a URL: the last
// path segment, stripped of any query string. Falls back to "file" when
// the URL has no usable segment. The result is a download hint only and
// is never used as a cache key.
func OriginalFilename(url string) string {
	name := url
	if i := strings.LastIndex(name, "/"); i >= 0 {
		name = name[i+1:]
	}
	if i := strings.Index(name, "?"); i >= 0 {
		name = name[:i]
	}
	if name == "" {
		return "file"
	}
	return name
}

// BlobFileName returns the on-disk file name for a blob:
// "{sha256hex(url)}.{ext}" where ext comes from the original filename,
// falling back to "bin".
func BlobFileName(url string) string {
	ext := strings.TrimPrefix(path.Ext(OriginalFilename(url)), ".")
	if ext == "" {
		ext = "bin"
	}
	return URLHash(url) + "." + ext
}
