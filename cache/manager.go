// Package cache implements the two-tier cache behind the release proxy:
// in-memory TTL maps for repository metadata with a periodically
// snapshotted JSON shadow, and an on-disk blob store for downloaded
// release assets with LRU cleanup.
package cache

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	releasecache "github.com/ghrelease/release-cache"
	"github.com/ghrelease/release-cache/githubapi"
)

const (
	// metaCacheCapacity caps each in-memory metadata map. The capacity
	// victim policy is the LRU's; correctness does not depend on it
	// because expired entries are also pruned at snapshot time.
	metaCacheCapacity = 10_000

	// DefaultTTL applies to metadata entries and blobs alike.
	DefaultTTL = 3600 * time.Second

	// DefaultSnapshotInterval is how often the shadow is written to disk.
	DefaultSnapshotInterval = 30 * time.Second

	// DefaultMaxBlobFiles is the blob cleanup threshold: cleanup keeps
	// this many most-recently-accessed files.
	DefaultMaxBlobFiles = 50

	// DefaultSnapshotPath is the snapshot file when none is configured.
	DefaultSnapshotPath = "cache.json"
)

// Config holds cache configuration.
type Config struct {
	// Enabled is the master switch. When false, all getters miss and all
	// setters are no-ops; the blob directory is still created.
	Enabled bool

	// TTL is the time-to-live for metadata entries and blob descriptors.
	TTL time.Duration

	// SnapshotPath is the JSON snapshot file for the metadata shadow.
	SnapshotPath string

	// BlobDir is the flat directory holding cached asset bodies. When
	// empty it is derived as a sibling cache_files/ of SnapshotPath.
	BlobDir string

	// SnapshotInterval is the period of the background snapshot loop.
	SnapshotInterval time.Duration

	// MaxBlobFiles is the number of blobs kept by cleanup.
	MaxBlobFiles int

	// Logger for cache events.
	Logger *slog.Logger
}

// DefaultConfig returns the default cache configuration.
func DefaultConfig() Config {
	return Config{
		Enabled:          true,
		TTL:              DefaultTTL,
		SnapshotPath:     DefaultSnapshotPath,
		SnapshotInterval: DefaultSnapshotInterval,
		MaxBlobFiles:     DefaultMaxBlobFiles,
	}
}

// Manager is the cache facade: typed get/set for the three metadata
// kinds, blob lookup and registration, and the background snapshot loop.
// It is safe for concurrent use.
type Manager struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	repoInfo *expirable.LRU[string, githubapi.RepoInfo]
	releases *expirable.LRU[string, []githubapi.ReleaseInfo]
	latest   *expirable.LRU[string, githubapi.LatestReleaseInfo]
	blobs    *expirable.LRU[string, BlobDescriptor]

	shadow *shadow

	// pathToKey maps a blob file path back to its fingerprint so cleanup
	// can resolve directory entries. Maintained on StoreBlob, pruned by
	// the blob LRU's eviction callback.
	pathMu    sync.RWMutex
	pathToKey map[string]string

	mu      sync.Mutex
	running bool
	stopped bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// New creates a cache manager. Directories are created eagerly; creation
// failures are logged and the manager proceeds (lookups will simply
// miss). When caching is enabled, a previous snapshot is loaded and live
// entries become visible immediately.
func New(cfg Config) *Manager {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SnapshotPath == "" {
		cfg.SnapshotPath = DefaultSnapshotPath
	}
	if cfg.BlobDir == "" {
		cfg.BlobDir = DeriveBlobDir(cfg.SnapshotPath)
	}
	if cfg.SnapshotInterval == 0 {
		cfg.SnapshotInterval = DefaultSnapshotInterval
	}
	if cfg.MaxBlobFiles == 0 {
		cfg.MaxBlobFiles = DefaultMaxBlobFiles
	}

	m := &Manager{
		cfg:       cfg,
		logger:    cfg.Logger,
		now:       time.Now,
		repoInfo:  expirable.NewLRU[string, githubapi.RepoInfo](metaCacheCapacity, nil, cfg.TTL),
		releases:  expirable.NewLRU[string, []githubapi.ReleaseInfo](metaCacheCapacity, nil, cfg.TTL),
		latest:    expirable.NewLRU[string, githubapi.LatestReleaseInfo](metaCacheCapacity, nil, cfg.TTL),
		shadow:    newShadow(),
		pathToKey: make(map[string]string),
		stopCh:    make(chan struct{}),
		doneCh:    make(chan struct{}),
	}
	m.blobs = expirable.NewLRU[string, BlobDescriptor](metaCacheCapacity, m.onBlobEvict, cfg.TTL)

	m.createDirs()

	if cfg.Enabled {
		m.loadSnapshot()
	}

	return m
}

// Enabled reports whether caching is on.
func (m *Manager) Enabled() bool {
	return m.cfg.Enabled
}

// BlobDir returns the directory holding cached asset bodies.
func (m *Manager) BlobDir() string {
	return m.cfg.BlobDir
}

// DeriveBlobDir infers the blob directory from the snapshot path: a
// sibling cache_files/ directory, with a container-friendly special case
// for /app/data.
func DeriveBlobDir(snapshotPath string) string {
	parent := filepath.Dir(snapshotPath)
	if parent == "/app/data" {
		return "/app/data/cache_files"
	}
	return filepath.Join(parent, "cache_files")
}

// ttlSeconds returns the configured TTL in whole seconds.
func (m *Manager) ttlSeconds() uint64 {
	return uint64(m.cfg.TTL / time.Second)
}

// nowUnix returns the current time in seconds since the Unix epoch.
func (m *Manager) nowUnix() uint64 {
	return uint64(m.now().Unix())
}

// GetRepoInfo returns the cached repository summary, if live.
func (m *Manager) GetRepoInfo(owner, repo string) (githubapi.RepoInfo, bool) {
	if !m.cfg.Enabled {
		return githubapi.RepoInfo{}, false
	}
	return m.repoInfo.Get(releasecache.MetaKey(releasecache.KindRepoInfo, owner, repo))
}

// SetRepoInfo caches a repository summary and mirrors it to the shadow.
func (m *Manager) SetRepoInfo(owner, repo string, info githubapi.RepoInfo) {
	if !m.cfg.Enabled {
		return
	}
	key := releasecache.MetaKey(releasecache.KindRepoInfo, owner, repo)
	m.repoInfo.Add(key, info)
	m.shadow.setRepoInfo(key, Entry[githubapi.RepoInfo]{
		Value:     info,
		ExpiresAt: m.nowUnix() + m.ttlSeconds(),
	})
}

// GetReleases returns the cached release list, if live.
func (m *Manager) GetReleases(owner, repo string) ([]githubapi.ReleaseInfo, bool) {
	if !m.cfg.Enabled {
		return nil, false
	}
	return m.releases.Get(releasecache.MetaKey(releasecache.KindReleases, owner, repo))
}

// SetReleases caches a release list and mirrors it to the shadow.
func (m *Manager) SetReleases(owner, repo string, releases []githubapi.ReleaseInfo) {
	if !m.cfg.Enabled {
		return
	}
	key := releasecache.MetaKey(releasecache.KindReleases, owner, repo)
	m.releases.Add(key, releases)
	m.shadow.setReleases(key, Entry[[]githubapi.ReleaseInfo]{
		Value:     releases,
		ExpiresAt: m.nowUnix() + m.ttlSeconds(),
	})
}

// GetLatestRelease returns the cached latest-release summary, if live.
func (m *Manager) GetLatestRelease(owner, repo string) (githubapi.LatestReleaseInfo, bool) {
	if !m.cfg.Enabled {
		return githubapi.LatestReleaseInfo{}, false
	}
	return m.latest.Get(releasecache.MetaKey(releasecache.KindLatestRelease, owner, repo))
}

// SetLatestRelease caches a latest-release summary and mirrors it to the
// shadow.
func (m *Manager) SetLatestRelease(owner, repo string, release githubapi.LatestReleaseInfo) {
	if !m.cfg.Enabled {
		return
	}
	key := releasecache.MetaKey(releasecache.KindLatestRelease, owner, repo)
	m.latest.Add(key, release)
	m.shadow.setLatestRelease(key, Entry[githubapi.LatestReleaseInfo]{
		Value:     release,
		ExpiresAt: m.nowUnix() + m.ttlSeconds(),
	})
}
