package githubapi

import (
	"encoding/json"
	"fmt"
)

// Attachment is a release asset reference: a display name and the origin
// download URL. It serializes as a two-element JSON array ["name", "url"],
// which is the wire format clients of this service already consume.
type Attachment struct {
	Name string
	URL  string
}

// MarshalJSON encodes the attachment as ["name", "url"].
func (a Attachment) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]string{a.Name, a.URL})
}

// UnmarshalJSON decodes the ["name", "url"] pair form.
func (a *Attachment) UnmarshalJSON(data []byte) error {
	var pair [2]string
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decoding attachment pair: %w", err)
	}
	a.Name = pair[0]
	a.URL = pair[1]
	return nil
}

// RepoInfo is the repository summary served to clients.
type RepoInfo struct {
	Repo            string  `json:"repo"`
	Name            string  `json:"name"`
	FullName        string  `json:"full_name"`
	HTMLURL         string  `json:"html_url"`
	Description     *string `json:"description"`
	StargazersCount uint32  `json:"stargazers_count"`
	ForksCount      uint32  `json:"forks_count"`
	UpdatedAt       string  `json:"updated_at"`
}

// ReleaseInfo is one release in a repository's release list.
type ReleaseInfo struct {
	TagName     string       `json:"tag_name"`
	Name        *string      `json:"name"`
	Changelog   *string      `json:"changelog"`
	PublishedAt string       `json:"published_at"`
	Attachments []Attachment `json:"attachments"`
}

// LatestReleaseInfo is the latest-release summary for a repository.
type LatestReleaseInfo struct {
	Repo          string       `json:"repo"`
	LatestVersion string       `json:"latest_version"`
	Changelog     *string      `json:"changelog"`
	PublishedAt   string       `json:"published_at"`
	Attachments   []Attachment `json:"attachments"`
}

// Wire types for the upstream GitHub REST API. Only the fields this
// service consumes are declared; the rest of the payload is ignored.

type githubRepo struct {
	Name            string  `json:"name"`
	FullName        string  `json:"full_name"`
	HTMLURL         string  `json:"html_url"`
	Description     *string `json:"description"`
	StargazersCount uint32  `json:"stargazers_count"`
	ForksCount      uint32  `json:"forks_count"`
	UpdatedAt       string  `json:"updated_at"`
}

type githubAsset struct {
	Name               string `json:"name"`
	BrowserDownloadURL string `json:"browser_download_url"`
}

type githubRelease struct {
	TagName     string        `json:"tag_name"`
	Name        *string       `json:"name"`
	Body        *string       `json:"body"`
	PublishedAt string        `json:"published_at"`
	Assets      []githubAsset `json:"assets"`
}

func (r githubRelease) attachments() []Attachment {
	out := make([]Attachment, 0, len(r.Assets))
	for _, a := range r.Assets {
		out = append(out, Attachment{Name: a.Name, URL: a.BrowserDownloadURL})
	}
	return out
}

func (r githubRelease) toReleaseInfo() ReleaseInfo {
	return ReleaseInfo{
		TagName:     r.TagName,
		Name:        r.Name,
		Changelog:   r.Body,
		PublishedAt: r.PublishedAt,
		Attachments: r.attachments(),
	}
}

func (r githubRelease) toLatestReleaseInfo(owner, repo string) LatestReleaseInfo {
	return LatestReleaseInfo{
		Repo:          owner + "/" + repo,
		LatestVersion: r.TagName,
		Changelog:     r.Body,
		PublishedAt:   r.PublishedAt,
		Attachments:   r.attachments(),
	}
}
