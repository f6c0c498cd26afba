package download

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
)

const (
	// teeBufferDepth is how many chunks the cache writer may fall behind
	// before the tee gives up on caching this download.
	teeBufferDepth = 100

	// teeChunkSize is the read size for the client copy loop.
	teeChunkSize = 64 * 1024
)

// TeeOptions configures a tee-stream operation.
type TeeOptions struct {
	// CachePath is the final blob file path. The tee writes to a temp file
	// next to it and renames on clean completion. Empty disables the cache
	// side entirely; the response is still streamed.
	CachePath string

	// Filename is the presentation name for Content-Disposition.
	Filename string

	ContentType   string
	ContentLength int64 // from upstream; <= 0 if unknown

	// queueDepth overrides teeBufferDepth when positive. Test hook.
	queueDepth int

	// openCacheFile overrides temp file creation when set. Test hook.
	openCacheFile func(path string) (io.WriteCloser, error)
}

// TeeResult is returned after streaming completes.
type TeeResult struct {
	// BytesSent is the number of bytes written to the HTTP client.
	BytesSent int64

	// Cached reports whether the blob file was written completely and
	// renamed into place. Only then should the caller register the blob.
	Cached bool
}

// TeeStream copies upstream to the HTTP client while feeding the same bytes
// to a background cache writer through a bounded channel. The client copy
// never blocks on disk: if the writer falls behind by more than
// teeBufferDepth chunks, the cache side is abandoned for this download and
// the partial file is deleted. The response stream itself is unaffected.
//
// The cache writer is always drained before TeeStream returns, so the blob
// file is complete (or gone) by the time the caller sees the result.
func TeeStream(
	w http.ResponseWriter,
	r *http.Request,
	upstream io.Reader,
	opts TeeOptions,
	logger *slog.Logger,
) (*TeeResult, error) {
	w.Header().Set("Content-Type", opts.ContentType)
	if opts.ContentLength > 0 {
		w.Header().Set("Content-Length", fmt.Sprintf("%d", opts.ContentLength))
	}
	if opts.Filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", opts.Filename))
	}

	// For HEAD requests, respond with headers only.
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return &TeeResult{}, nil
	}

	caching := opts.CachePath != ""

	openFile := opts.openCacheFile
	if openFile == nil {
		openFile = func(path string) (io.WriteCloser, error) { return os.Create(path) }
	}
	depth := opts.queueDepth
	if depth <= 0 {
		depth = teeBufferDepth
	}

	var (
		tmpPath string
		tmpFile io.WriteCloser
	)
	if caching {
		tmpPath = opts.CachePath + ".tmp"
		f, err := openFile(tmpPath)
		if err != nil {
			// A download that cannot be cached is still served.
			logger.Warn("failed to create blob temp file, serving uncached",
				"path", tmpPath, "error", err)
			caching = false
		} else {
			tmpFile = f
		}
	}

	var (
		chunks   chan []byte
		writeErr chan error
	)
	if caching {
		chunks = make(chan []byte, depth)
		writeErr = make(chan error, 1)
		go func() {
			var werr error
			for chunk := range chunks {
				if werr != nil {
					continue
				}
				if _, e := tmpFile.Write(chunk); e != nil {
					werr = e
				}
			}
			writeErr <- werr
		}()
	}

	var (
		sent    int64
		copyErr error
		dropped bool
	)

	buf := make([]byte, teeChunkSize)
	for {
		n, readErr := upstream.Read(buf)
		if n > 0 {
			wn, werr := w.Write(buf[:n])
			sent += int64(wn)
			if werr != nil {
				copyErr = fmt.Errorf("writing response: %w", werr)
				break
			}

			if caching && !dropped {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				select {
				case chunks <- chunk:
				default:
					// The disk writer fell behind; a skipped chunk
					// would corrupt the blob, so stop caching.
					dropped = true
					logger.Warn("cache writer fell behind, abandoning blob write",
						"path", opts.CachePath, "bytes_sent", sent)
				}
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			copyErr = fmt.Errorf("reading upstream: %w", readErr)
			break
		}
	}

	// Drain the writer before deciding the blob's fate.
	var cacheWriteErr error
	if caching {
		close(chunks)
		cacheWriteErr = <-writeErr
		if err := tmpFile.Close(); err != nil && cacheWriteErr == nil {
			cacheWriteErr = err
		}
	}

	lengthMismatch := opts.ContentLength > 0 && copyErr == nil && sent != opts.ContentLength

	cached := caching && copyErr == nil && cacheWriteErr == nil && !dropped && !lengthMismatch
	if cached {
		if err := os.Rename(tmpPath, opts.CachePath); err != nil {
			logger.Warn("failed to move blob into place", "path", opts.CachePath, "error", err)
			cached = false
		}
	}
	if caching && !cached {
		_ = os.Remove(tmpPath)
	}

	if copyErr != nil {
		if sent == 0 {
			// Headers are not committed until the first body byte, so an
			// error status can still be sent.
			http.Error(w, "upstream error", http.StatusBadGateway)
		} else {
			logger.Error("stream interrupted after partial write",
				"bytes_sent", sent, "error", copyErr)
		}
		return &TeeResult{BytesSent: sent}, copyErr
	}

	if lengthMismatch {
		// Content already sent to the client and cannot be rolled back.
		logger.Error("content-length mismatch",
			"expected", opts.ContentLength, "actual", sent)
		return &TeeResult{BytesSent: sent},
			fmt.Errorf("content-length mismatch: expected %d, got %d", opts.ContentLength, sent)
	}

	if cacheWriteErr != nil {
		logger.Warn("blob write failed, response served uncached",
			"path", opts.CachePath, "error", cacheWriteErr)
	}

	return &TeeResult{BytesSent: sent, Cached: cached}, nil
}
