package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"path/filepath"
	"strings"

	"golang.org/x/sync/errgroup"

	releasecache "github.com/ghrelease/release-cache"
	"github.com/ghrelease/release-cache/download"
	"github.com/ghrelease/release-cache/githubapi"
	"github.com/ghrelease/release-cache/telemetry"
)

// batchConcurrency bounds the fan-out of one batch request.
const batchConcurrency = 8

type healthResponse struct {
	Status  string `json:"status"`
	Service string `json:"service"`
	Version string `json:"version"`
}

type batchRequest struct {
	Repos []string `json:"repos"`
	// Fields selects what to fetch per repo: "repo_info", "releases",
	// "latest_release". Empty means all.
	Fields []string `json:"fields"`
}

type repoBatchResult struct {
	Repo          string                       `json:"repo"`
	Success       bool                         `json:"success"`
	Error         string                       `json:"error,omitempty"`
	RepoInfo      *githubapi.RepoInfo          `json:"repo_info,omitempty"`
	Releases      []githubapi.ReleaseInfo      `json:"releases,omitempty"`
	LatestRelease *githubapi.LatestReleaseInfo `json:"latest_release,omitempty"`
}

type batchResponse struct {
	Results []repoBatchResult `json:"results"`
}

type batchResponseMap struct {
	ResultsMap map[string]repoBatchResult `json:"results_map"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "health")
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Service: "release-cache",
		Version: s.config.Version,
	})
}

// tagCacheResult records the metadata cache outcome on the request.
func (s *Server) tagCacheResult(r *http.Request, hit bool) {
	switch {
	case !s.cache.Enabled():
		telemetry.SetCacheResult(r, telemetry.CacheBypass)
	case hit:
		telemetry.SetCacheResult(r, telemetry.CacheHit)
	default:
		telemetry.SetCacheResult(r, telemetry.CacheMiss)
	}
}

// writeFetchError maps upstream fetch failures to HTTP responses.
func (s *Server) writeFetchError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, githubapi.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusGatewayTimeout, "request timeout")
	default:
		s.logger.Error("upstream fetch failed", "error", err)
		writeError(w, http.StatusBadGateway, "upstream error")
	}
}

// fetchRepoInfo is the read-through path for repository metadata.
func (s *Server) fetchRepoInfo(ctx context.Context, owner, repo string) (githubapi.RepoInfo, bool, error) {
	if info, ok := s.cache.GetRepoInfo(owner, repo); ok {
		telemetry.RecordMetadataLookup(ctx, "repo_info", true)
		return info, true, nil
	}
	if s.cache.Enabled() {
		telemetry.RecordMetadataLookup(ctx, "repo_info", false)
	}

	info, err := s.upstream.RepoInfo(ctx, owner, repo)
	if err != nil {
		return githubapi.RepoInfo{}, false, err
	}
	s.cache.SetRepoInfo(owner, repo, info)
	return info, false, nil
}

func (s *Server) fetchReleases(ctx context.Context, owner, repo string) ([]githubapi.ReleaseInfo, bool, error) {
	if releases, ok := s.cache.GetReleases(owner, repo); ok {
		telemetry.RecordMetadataLookup(ctx, "releases", true)
		return releases, true, nil
	}
	if s.cache.Enabled() {
		telemetry.RecordMetadataLookup(ctx, "releases", false)
	}

	releases, err := s.upstream.Releases(ctx, owner, repo)
	if err != nil {
		return nil, false, err
	}
	s.cache.SetReleases(owner, repo, releases)
	return releases, false, nil
}

func (s *Server) fetchLatestRelease(ctx context.Context, owner, repo string) (githubapi.LatestReleaseInfo, bool, error) {
	if release, ok := s.cache.GetLatestRelease(owner, repo); ok {
		telemetry.RecordMetadataLookup(ctx, "latest_release", true)
		return release, true, nil
	}
	if s.cache.Enabled() {
		telemetry.RecordMetadataLookup(ctx, "latest_release", false)
	}

	release, err := s.upstream.LatestRelease(ctx, owner, repo)
	if err != nil {
		return githubapi.LatestReleaseInfo{}, false, err
	}
	s.cache.SetLatestRelease(owner, repo, release)
	return release, false, nil
}

func (s *Server) handleRepoInfo(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "repo_info")
	owner, repo := r.PathValue("owner"), r.PathValue("repo")

	info, hit, err := s.fetchRepoInfo(r.Context(), owner, repo)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	s.tagCacheResult(r, hit)
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handleReleases(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "releases")
	owner, repo := r.PathValue("owner"), r.PathValue("repo")

	releases, hit, err := s.fetchReleases(r.Context(), owner, repo)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	s.tagCacheResult(r, hit)
	writeJSON(w, http.StatusOK, releases)
}

func (s *Server) handleLatestRelease(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "latest_release")
	owner, repo := r.PathValue("owner"), r.PathValue("repo")

	release, hit, err := s.fetchLatestRelease(r.Context(), owner, repo)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	s.tagCacheResult(r, hit)
	writeJSON(w, http.StatusOK, release)
}

// handleLatestReleasePre returns the newest release including pre-releases.
// Pre-release lookups are not one of the cached metadata kinds, so this is
// always an upstream call.
func (s *Server) handleLatestReleasePre(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "latest_release_pre")
	owner, repo := r.PathValue("owner"), r.PathValue("repo")

	release, err := s.upstream.LatestReleaseIncludingPre(r.Context(), owner, repo)
	if err != nil {
		s.writeFetchError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, release)
}

func (s *Server) decodeBatchRequest(w http.ResponseWriter, r *http.Request) (batchRequest, bool) {
	var req batchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return batchRequest{}, false
	}
	if len(req.Repos) == 0 {
		writeError(w, http.StatusBadRequest, "repos list must not be empty")
		return batchRequest{}, false
	}
	return req, true
}

func (s *Server) handleBatch(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "batch")
	req, ok := s.decodeBatchRequest(w, r)
	if !ok {
		return
	}

	results := s.processBatch(r.Context(), req)

	succeeded := 0
	for _, res := range results {
		if res.Success {
			succeeded++
		}
	}
	s.logger.Info("batch request complete", "repos", len(req.Repos), "succeeded", succeeded)

	writeJSON(w, http.StatusOK, batchResponse{Results: results})
}

func (s *Server) handleBatchMap(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "batch_map")
	req, ok := s.decodeBatchRequest(w, r)
	if !ok {
		return
	}

	results := s.processBatch(r.Context(), req)

	resultsMap := make(map[string]repoBatchResult, len(results))
	for _, res := range results {
		resultsMap[res.Repo] = res
	}

	writeJSON(w, http.StatusOK, batchResponseMap{ResultsMap: resultsMap})
}

// processBatch fans out over the requested repos with bounded concurrency.
// Results keep the request order.
func (s *Server) processBatch(ctx context.Context, req batchRequest) []repoBatchResult {
	results := make([]repoBatchResult, len(req.Repos))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(batchConcurrency)
	for i, spec := range req.Repos {
		g.Go(func() error {
			results[i] = s.processRepo(ctx, spec, req.Fields)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

// processRepo resolves one "owner/repo" entry of a batch request. Fetch
// failures are reported per entry, never as a request failure.
func (s *Server) processRepo(ctx context.Context, spec string, fields []string) repoBatchResult {
	result := repoBatchResult{Repo: spec}

	owner, repo, ok := splitRepo(spec)
	if !ok {
		result.Error = `invalid repo format, expected "owner/repo"`
		return result
	}

	wantAll := len(fields) == 0
	wants := func(field string) bool {
		if wantAll {
			return true
		}
		for _, f := range fields {
			if f == field {
				return true
			}
		}
		return false
	}

	var failures []string

	if wants("repo_info") {
		if info, _, err := s.fetchRepoInfo(ctx, owner, repo); err == nil {
			result.RepoInfo = &info
		} else {
			failures = append(failures, "repo info fetch failed")
		}
	}
	if wants("releases") {
		if releases, _, err := s.fetchReleases(ctx, owner, repo); err == nil {
			result.Releases = releases
		} else {
			failures = append(failures, "releases fetch failed")
		}
	}
	if wants("latest_release") {
		if release, _, err := s.fetchLatestRelease(ctx, owner, repo); err == nil {
			result.LatestRelease = &release
		} else {
			failures = append(failures, "latest release fetch failed")
		}
	}

	result.Success = len(failures) == 0
	if !result.Success {
		result.Error = strings.Join(failures, "; ")
	}
	return result
}

// splitRepo parses "owner/repo". Extra segments or empty parts are invalid.
func splitRepo(spec string) (owner, repo string, ok bool) {
	owner, repo, found := strings.Cut(spec, "/")
	if !found || owner == "" || repo == "" || strings.Contains(repo, "/") {
		return "", "", false
	}
	return owner, repo, true
}

// handleDownload serves a release asset, from the blob cache when possible,
// otherwise tee-streamed from upstream. The concurrency permit is held for
// the whole response, cached or not.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	telemetry.SetEndpoint(r, "download")

	url := r.URL.Query().Get("url")
	if url == "" {
		writeError(w, http.StatusBadRequest, "missing url parameter")
		return
	}

	if !s.limiter.allow(clientIP(r)) {
		telemetry.RecordRateLimited(r.Context())
		writeError(w, http.StatusTooManyRequests, "download rate limit exceeded")
		return
	}

	permit, err := s.gate.Acquire(r.Context())
	if err != nil {
		download.HandleDownloadError(w, s.logger, err)
		return
	}
	defer permit.Release()

	if desc, ok := s.cache.LookupBlob(url); ok {
		telemetry.RecordBlobLookup(r.Context(), true)
		telemetry.SetCacheResult(r, telemetry.CacheHit)
		if err := download.ServeBlob(w, r, desc.FilePath, desc.OriginalFilename, desc.ContentType, s.logger); err == nil {
			return
		}
		s.logger.Warn("cached blob unreadable, fetching upstream", "url", url)
	} else if s.cache.Enabled() {
		telemetry.RecordBlobLookup(r.Context(), false)
	}
	s.tagCacheResult(r, false)

	stream, err := s.upstream.DownloadAsset(r.Context(), url)
	if err != nil {
		if errors.Is(err, githubapi.ErrNotFound) {
			writeError(w, http.StatusNotFound, "not found")
			return
		}
		download.HandleDownloadError(w, s.logger, err)
		return
	}
	defer func() { _ = stream.Body.Close() }()

	filename := releasecache.OriginalFilename(url)
	contentType := stream.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	var cachePath string
	if s.cache.Enabled() {
		cachePath = filepath.Join(s.cache.BlobDir(), releasecache.BlobFileName(url))
	}

	result, err := download.TeeStream(w, r, stream.Body, download.TeeOptions{
		CachePath:     cachePath,
		Filename:      filename,
		ContentType:   contentType,
		ContentLength: stream.ContentLength,
	}, s.logger)
	if err != nil {
		// TeeStream already wrote the error response or logged the
		// mid-stream failure.
		return
	}

	if result.Cached {
		s.cache.StoreBlob(url, cachePath, filename, stream.ContentType)
		s.logger.Info("asset downloaded and cached", "url", url, "bytes", result.BytesSent)
	}
}
