package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ghrelease/release-cache/githubapi"
	"github.com/ghrelease/release-cache/telemetry"
)

// shadow is the snapshot-bound mirror of the metadata caches. Every set
// on the facade is mirrored here synchronously; the in-memory TTL maps
// may evict autonomously but the shadow only drops entries when the
// snapshot filter sees them expired.
type shadow struct {
	mu            sync.RWMutex
	repoInfo      map[string]Entry[githubapi.RepoInfo]
	releases      map[string]Entry[[]githubapi.ReleaseInfo]
	latestRelease map[string]Entry[githubapi.LatestReleaseInfo]
}

func newShadow() *shadow {
	return &shadow{
		repoInfo:      make(map[string]Entry[githubapi.RepoInfo]),
		releases:      make(map[string]Entry[[]githubapi.ReleaseInfo]),
		latestRelease: make(map[string]Entry[githubapi.LatestReleaseInfo]),
	}
}

func (s *shadow) setRepoInfo(key string, e Entry[githubapi.RepoInfo]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.repoInfo[key] = e
}

func (s *shadow) setReleases(key string, e Entry[[]githubapi.ReleaseInfo]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.releases[key] = e
}

func (s *shadow) setLatestRelease(key string, e Entry[githubapi.LatestReleaseInfo]) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latestRelease[key] = e
}

// snapshotFile is the on-disk snapshot format. Unknown keys are ignored
// on read; missing top-level keys default to empty maps.
type snapshotFile struct {
	RepoInfo      map[string]Entry[githubapi.RepoInfo]          `json:"repo_info"`
	Releases      map[string]Entry[[]githubapi.ReleaseInfo]     `json:"releases"`
	LatestRelease map[string]Entry[githubapi.LatestReleaseInfo] `json:"latest_release"`
}

// liveCopy returns the shadow's live entries at the given time as a
// snapshot file, taken under the read lock.
func (s *shadow) liveCopy(now uint64) snapshotFile {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := snapshotFile{
		RepoInfo:      make(map[string]Entry[githubapi.RepoInfo], len(s.repoInfo)),
		Releases:      make(map[string]Entry[[]githubapi.ReleaseInfo], len(s.releases)),
		LatestRelease: make(map[string]Entry[githubapi.LatestReleaseInfo], len(s.latestRelease)),
	}
	for k, e := range s.repoInfo {
		if e.Live(now) {
			out.RepoInfo[k] = e
		}
	}
	for k, e := range s.releases {
		if e.Live(now) {
			out.Releases[k] = e
		}
	}
	for k, e := range s.latestRelease {
		if e.Live(now) {
			out.LatestRelease[k] = e
		}
	}
	return out
}

// createDirs ensures the snapshot parent directory and the blob
// directory exist. Failures are logged, never fatal.
func (m *Manager) createDirs() {
	if parent := filepath.Dir(m.cfg.SnapshotPath); parent != "." {
		if err := os.MkdirAll(parent, 0o755); err != nil {
			m.logger.Warn("failed to create snapshot directory", "dir", parent, "error", err)
		}
	}
	if err := os.MkdirAll(m.cfg.BlobDir, 0o755); err != nil {
		m.logger.Warn("failed to create blob directory", "dir", m.cfg.BlobDir, "error", err)
	}
}

// SaveSnapshot writes the live shadow entries to the snapshot file as
// pretty-printed JSON. The write is atomic (temp file + rename) so a
// crash mid-write never truncates a previously good snapshot.
func (m *Manager) SaveSnapshot() error {
	if !m.cfg.Enabled {
		return nil
	}

	snap := m.shadow.liveCopy(m.nowUnix())

	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing snapshot: %w", err)
	}

	dir := filepath.Dir(m.cfg.SnapshotPath)
	tmp, err := os.CreateTemp(dir, ".tmp-snapshot-*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	tmpPath := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return fmt.Errorf("writing snapshot: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("syncing snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	if err := os.Rename(tmpPath, m.cfg.SnapshotPath); err != nil {
		return fmt.Errorf("renaming snapshot: %w", err)
	}

	success = true
	return nil
}

// loadSnapshot reads the snapshot file and rebuilds the in-memory maps
// and the shadow from its live entries. A missing file is silent; any
// other failure logs a warning and leaves the cache empty.
func (m *Manager) loadSnapshot() {
	data, err := os.ReadFile(m.cfg.SnapshotPath)
	if err != nil {
		if !os.IsNotExist(err) {
			m.logger.Warn("failed to read snapshot file", "path", m.cfg.SnapshotPath, "error", err)
		}
		return
	}

	var snap snapshotFile
	if err := json.Unmarshal(data, &snap); err != nil {
		m.logger.Warn("failed to parse snapshot file", "path", m.cfg.SnapshotPath, "error", err)
		return
	}

	now := m.nowUnix()
	loaded := 0

	m.shadow.mu.Lock()
	for k, e := range snap.RepoInfo {
		if e.Live(now) {
			m.repoInfo.Add(k, e.Value)
			m.shadow.repoInfo[k] = e
			loaded++
		}
	}
	for k, e := range snap.Releases {
		if e.Live(now) {
			m.releases.Add(k, e.Value)
			m.shadow.releases[k] = e
			loaded++
		}
	}
	for k, e := range snap.LatestRelease {
		if e.Live(now) {
			m.latest.Add(k, e.Value)
			m.shadow.latestRelease[k] = e
			loaded++
		}
	}
	m.shadow.mu.Unlock()

	m.logger.Info("loaded cache snapshot", "path", m.cfg.SnapshotPath, "entries", loaded)
}

// Start begins the background snapshot loop. It is a no-op when caching
// is disabled or the loop is already running.
func (m *Manager) Start(ctx context.Context) {
	if !m.cfg.Enabled {
		return
	}

	m.mu.Lock()
	if m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.run(ctx)
}

// Stop halts the snapshot loop and waits for its final write attempt.
func (m *Manager) Stop() {
	m.mu.Lock()
	if !m.running || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	<-m.doneCh
}

func (m *Manager) run(ctx context.Context) {
	defer close(m.doneCh)

	ticker := time.NewTicker(m.cfg.SnapshotInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.finalSave()
			return
		case <-m.stopCh:
			m.finalSave()
			return
		case <-ticker.C:
			m.saveAndLog()
		}
	}
}

func (m *Manager) saveAndLog() {
	start := m.now()
	err := m.SaveSnapshot()
	telemetry.RecordSnapshot(context.Background(), time.Since(start), err == nil)
	if err != nil {
		m.logger.Warn("failed to save cache snapshot", "path", m.cfg.SnapshotPath, "error", err)
		return
	}
	m.logger.Debug("saved cache snapshot", "path", m.cfg.SnapshotPath, "duration", time.Since(start))
}

// finalSave is the one last write attempt on shutdown.
func (m *Manager) finalSave() {
	if err := m.SaveSnapshot(); err != nil {
		m.logger.Warn("final snapshot write failed", "path", m.cfg.SnapshotPath, "error", err)
	}
}
