// Package githubapi is the upstream client for the GitHub REST API. It
// fetches repository metadata and release lists, and opens release asset
// bodies as byte streams for the download path.
package githubapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	// DefaultBaseURL is the public GitHub REST API.
	DefaultBaseURL = "https://api.github.com"

	// DefaultTimeout bounds metadata requests. Asset downloads use a
	// separate client without a total-request timeout since bodies can
	// be large and are streamed.
	DefaultTimeout = 30 * time.Second

	userAgent = "release-cache"
)

// ErrNotFound is returned when the repository or release does not exist.
var ErrNotFound = errors.New("not found")

// Client fetches repository metadata and assets from GitHub.
type Client struct {
	baseURL        string
	token          string
	client         *http.Client
	downloadClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithBaseURL sets the API base URL (for GitHub Enterprise or tests).
func WithBaseURL(url string) Option {
	return func(c *Client) {
		c.baseURL = trimTrailingSlash(url)
	}
}

// WithToken sets the bearer token sent on upstream requests.
func WithToken(token string) Option {
	return func(c *Client) {
		c.token = token
	}
}

// WithHTTPClient sets the HTTP client used for metadata requests.
func WithHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.client = client
	}
}

// WithDownloadHTTPClient sets the HTTP client used for asset downloads.
func WithDownloadHTTPClient(client *http.Client) Option {
	return func(c *Client) {
		c.downloadClient = client
	}
}

// NewClient creates a GitHub API client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		baseURL: DefaultBaseURL,
		client:  &http.Client{Timeout: DefaultTimeout},
		// No Timeout: large asset bodies stream for longer than any
		// sensible total-request deadline. Cancellation comes from the
		// request context.
		downloadClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func trimTrailingSlash(s string) string {
	for len(s) > 0 && s[len(s)-1] == '/' {
		s = s[:len(s)-1]
	}
	return s
}

func (c *Client) newRequest(ctx context.Context, url string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "application/vnd.github.v3+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := c.newRequest(ctx, url)
	if err != nil {
		return err
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("performing request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upstream returned %d: %s", resp.StatusCode, string(body))
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}

// RepoInfo fetches the repository summary for owner/repo.
func (c *Client) RepoInfo(ctx context.Context, owner, repo string) (RepoInfo, error) {
	var gr githubRepo
	url := fmt.Sprintf("%s/repos/%s/%s", c.baseURL, owner, repo)
	if err := c.getJSON(ctx, url, &gr); err != nil {
		return RepoInfo{}, err
	}

	return RepoInfo{
		Repo:            owner + "/" + repo,
		Name:            gr.Name,
		FullName:        gr.FullName,
		HTMLURL:         gr.HTMLURL,
		Description:     gr.Description,
		StargazersCount: gr.StargazersCount,
		ForksCount:      gr.ForksCount,
		UpdatedAt:       gr.UpdatedAt,
	}, nil
}

// Releases fetches all releases for owner/repo, newest first as returned
// by the API.
func (c *Client) Releases(ctx context.Context, owner, repo string) ([]ReleaseInfo, error) {
	var releases []githubRelease
	url := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseURL, owner, repo)
	if err := c.getJSON(ctx, url, &releases); err != nil {
		return nil, err
	}

	out := make([]ReleaseInfo, 0, len(releases))
	for _, r := range releases {
		out = append(out, r.toReleaseInfo())
	}
	return out, nil
}

// LatestRelease fetches the latest stable (non-prerelease, non-draft)
// release for owner/repo.
func (c *Client) LatestRelease(ctx context.Context, owner, repo string) (LatestReleaseInfo, error) {
	var release githubRelease
	url := fmt.Sprintf("%s/repos/%s/%s/releases/latest", c.baseURL, owner, repo)
	if err := c.getJSON(ctx, url, &release); err != nil {
		return LatestReleaseInfo{}, err
	}
	return release.toLatestReleaseInfo(owner, repo), nil
}

// LatestReleaseIncludingPre fetches the most recent release including
// pre-releases: the first entry of the release list.
func (c *Client) LatestReleaseIncludingPre(ctx context.Context, owner, repo string) (LatestReleaseInfo, error) {
	var releases []githubRelease
	url := fmt.Sprintf("%s/repos/%s/%s/releases", c.baseURL, owner, repo)
	if err := c.getJSON(ctx, url, &releases); err != nil {
		return LatestReleaseInfo{}, err
	}
	if len(releases) == 0 {
		return LatestReleaseInfo{}, ErrNotFound
	}
	return releases[0].toLatestReleaseInfo(owner, repo), nil
}

// AssetStream is an open origin download: the caller must close Body.
type AssetStream struct {
	Body          io.ReadCloser
	ContentType   string
	ContentLength int64 // -1 if unknown
}

// DownloadAsset opens the asset at the given URL as a byte stream.
// The bearer token is attached; GitHub asset URLs redirect to object
// storage and the client follows the redirect.
func (c *Client) DownloadAsset(ctx context.Context, url string) (*AssetStream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "*/*")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.downloadClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("performing request: %w", err)
	}

	if resp.StatusCode == http.StatusNotFound {
		_ = resp.Body.Close()
		return nil, ErrNotFound
	}
	if resp.StatusCode != http.StatusOK {
		_ = resp.Body.Close()
		return nil, fmt.Errorf("origin returned %d", resp.StatusCode)
	}

	return &AssetStream{
		Body:          resp.Body,
		ContentType:   resp.Header.Get("Content-Type"),
		ContentLength: resp.ContentLength,
	}, nil
}
