package cache

import (
	"context"
	"os"
	"path/filepath"
	"sort"

	releasecache "github.com/ghrelease/release-cache"
	"github.com/ghrelease/release-cache/telemetry"
)

// BlobDescriptor describes one cached asset body on disk.
type BlobDescriptor struct {
	// URL is the origin download URL, the blob's logical identity.
	URL string
	// FilePath is the absolute path of the body under the blob directory.
	FilePath string
	// OriginalFilename is a presentation hint for Content-Disposition;
	// it is never used as a key.
	OriginalFilename string
	// ContentType is the origin's MIME type, empty if unknown.
	ContentType string
	// ExpiresAt is seconds since the Unix epoch.
	ExpiresAt uint64
	// LastAccessedAt is refreshed on every cache hit.
	LastAccessedAt uint64
}

// onBlobEvict keeps the reverse path index in step with the descriptor
// map: whenever the LRU drops a descriptor (capacity or TTL), its path
// mapping goes too.
func (m *Manager) onBlobEvict(_ string, desc BlobDescriptor) {
	m.pathMu.Lock()
	delete(m.pathToKey, desc.FilePath)
	m.pathMu.Unlock()
}

// LookupBlob returns the descriptor for a cached blob if it is live and
// its file still exists, refreshing its last-access time. A stale
// descriptor is left in place; it will be replaced by the next store or
// dropped by eviction.
func (m *Manager) LookupBlob(url string) (BlobDescriptor, bool) {
	if !m.cfg.Enabled {
		return BlobDescriptor{}, false
	}

	key := releasecache.BlobKey(url)
	desc, ok := m.blobs.Get(key)
	if !ok {
		return BlobDescriptor{}, false
	}

	if _, err := os.Stat(desc.FilePath); err != nil {
		return BlobDescriptor{}, false
	}

	now := m.nowUnix()
	if desc.ExpiresAt <= now {
		return BlobDescriptor{}, false
	}

	desc.LastAccessedAt = now
	m.blobs.Add(key, desc)
	return desc, true
}

// StoreBlob registers a fully written blob file and triggers cleanup.
// An earlier descriptor for the same URL is overwritten unconditionally.
func (m *Manager) StoreBlob(url, filePath, originalFilename, contentType string) {
	if !m.cfg.Enabled {
		return
	}

	key := releasecache.BlobKey(url)
	now := m.nowUnix()

	desc := BlobDescriptor{
		URL:              url,
		FilePath:         filePath,
		OriginalFilename: originalFilename,
		ContentType:      contentType,
		ExpiresAt:        now + m.ttlSeconds(),
		LastAccessedAt:   now,
	}

	m.blobs.Add(key, desc)

	m.pathMu.Lock()
	m.pathToKey[filePath] = key
	m.pathMu.Unlock()

	m.logger.Debug("blob cached", "url", url, "path", filePath)

	m.Cleanup(m.cfg.MaxBlobFiles)
}

// Cleanup enforces the blob capacity: it keeps the maxFiles
// most-recently-accessed live blobs and deletes the rest, along with
// their index entries. Orphan files without a reverse-map entry are left
// alone. Deletion errors are logged and skipped; there is no
// transactional guarantee across files.
func (m *Manager) Cleanup(maxFiles int) {
	if !m.cfg.Enabled {
		return
	}

	entries, err := os.ReadDir(m.cfg.BlobDir)
	if err != nil {
		m.logger.Warn("failed to read blob directory", "dir", m.cfg.BlobDir, "error", err)
		return
	}

	// Resolve directory entries through the reverse map, then the
	// descriptor map, keeping only live pairs.
	m.pathMu.RLock()
	keysByPath := make(map[string]string, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		path := filepath.Join(m.cfg.BlobDir, entry.Name())
		if key, ok := m.pathToKey[path]; ok {
			keysByPath[path] = key
		}
	}
	m.pathMu.RUnlock()

	now := m.nowUnix()
	type blobFile struct {
		path string
		key  string
		desc BlobDescriptor
	}
	live := make([]blobFile, 0, len(keysByPath))
	for path, key := range keysByPath {
		desc, ok := m.blobs.Peek(key)
		if !ok {
			continue
		}
		if desc.ExpiresAt <= now {
			continue
		}
		if _, err := os.Stat(desc.FilePath); err != nil {
			continue
		}
		live = append(live, blobFile{path: path, key: key, desc: desc})
	}

	if len(live) <= maxFiles {
		return
	}

	// Most recently accessed first; the tail gets deleted.
	sort.Slice(live, func(i, j int) bool {
		return live[i].desc.LastAccessedAt > live[j].desc.LastAccessedAt
	})

	deleted := 0
	for _, f := range live[maxFiles:] {
		if err := os.Remove(f.path); err != nil {
			m.logger.Warn("failed to delete cached blob", "path", f.path, "error", err)
			continue
		}
		// Remove drives the eviction callback, which prunes pathToKey.
		m.blobs.Remove(f.key)
		deleted++
		m.logger.Debug("evicted cached blob", "path", f.path, "url", f.desc.URL)
	}

	if deleted > 0 {
		telemetry.RecordBlobEvictions(context.Background(), deleted)
		m.logger.Info("blob cleanup complete", "kept", maxFiles, "deleted", deleted)
	}
}
