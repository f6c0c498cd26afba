package download

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"testing/iotest"

	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func teeOpts(t *testing.T) TeeOptions {
	t.Helper()
	return TeeOptions{
		CachePath:   filepath.Join(t.TempDir(), "blob.tar.gz"),
		Filename:    "tool-v1.0.0.tar.gz",
		ContentType: "application/gzip",
	}
}

func TestTeeStreamServesAndCaches(t *testing.T) {
	opts := teeOpts(t)
	body := "release asset payload"
	opts.ContentLength = int64(len(body))

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, strings.NewReader(body), opts, discardLogger())
	require.NoError(t, err)
	require.True(t, result.Cached)
	require.Equal(t, int64(len(body)), result.BytesSent)

	require.Equal(t, body, rec.Body.String())
	require.Equal(t, "application/gzip", rec.Header().Get("Content-Type"))
	require.Equal(t, `attachment; filename="tool-v1.0.0.tar.gz"`, rec.Header().Get("Content-Disposition"))

	cached, err := os.ReadFile(opts.CachePath)
	require.NoError(t, err)
	require.Equal(t, body, string(cached))
}

func TestTeeStreamLargePayloadFidelity(t *testing.T) {
	opts := teeOpts(t)

	payload := make([]byte, 1<<20)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, bytes.NewReader(payload), opts, discardLogger())
	require.NoError(t, err)
	require.True(t, result.Cached)

	require.Equal(t, payload, rec.Body.Bytes())

	cached, err := os.ReadFile(opts.CachePath)
	require.NoError(t, err)
	require.Equal(t, payload, cached)
}

func TestTeeStreamHeadSkipsBody(t *testing.T) {
	opts := teeOpts(t)
	opts.ContentLength = 42

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodHead, "/download", nil)

	result, err := TeeStream(rec, req, strings.NewReader("should not be read"), opts, discardLogger())
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Zero(t, result.BytesSent)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "42", rec.Header().Get("Content-Length"))
	require.Empty(t, rec.Body.String())

	_, statErr := os.Stat(opts.CachePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestTeeStreamUpstreamErrorBeforeFirstByte(t *testing.T) {
	opts := teeOpts(t)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	_, err := TeeStream(rec, req, iotest.ErrReader(errors.New("connection reset")), opts, discardLogger())
	require.Error(t, err)
	require.Equal(t, http.StatusBadGateway, rec.Code)

	_, statErr := os.Stat(opts.CachePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestTeeStreamUpstreamErrorMidStreamDiscardsPartialFile(t *testing.T) {
	opts := teeOpts(t)

	upstream := io.MultiReader(
		strings.NewReader("partial bytes"),
		iotest.ErrReader(errors.New("connection reset")),
	)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, upstream, opts, discardLogger())
	require.Error(t, err)
	require.Equal(t, int64(len("partial bytes")), result.BytesSent)

	// Neither the final blob nor the temp file may survive.
	_, statErr := os.Stat(opts.CachePath)
	require.True(t, os.IsNotExist(statErr))
	_, statErr = os.Stat(opts.CachePath + ".tmp")
	require.True(t, os.IsNotExist(statErr))
}

func TestTeeStreamLengthMismatchIsNotCached(t *testing.T) {
	opts := teeOpts(t)
	opts.ContentLength = 1000

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	_, err := TeeStream(rec, req, strings.NewReader("short"), opts, discardLogger())
	require.Error(t, err)

	_, statErr := os.Stat(opts.CachePath)
	require.True(t, os.IsNotExist(statErr))
}

func TestTeeStreamEmptyCachePathSkipsCaching(t *testing.T) {
	opts := teeOpts(t)
	opts.CachePath = ""
	body := "served without caching"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, strings.NewReader(body), opts, discardLogger())
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, body, rec.Body.String())
}

func TestTeeStreamServesUncachedWhenBlobDirMissing(t *testing.T) {
	opts := teeOpts(t)
	opts.CachePath = filepath.Join(t.TempDir(), "missing", "deep", "blob.bin")
	body := "still served"

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, strings.NewReader(body), opts, discardLogger())
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, body, rec.Body.String())
}

// stallingSink blocks its first Write until release is closed, so queued
// chunks pile up behind it.
type stallingSink struct {
	started chan struct{}
	release chan struct{}
	once    sync.Once
}

func (s *stallingSink) Write(p []byte) (int, error) {
	s.once.Do(func() {
		close(s.started)
		<-s.release
	})
	return len(p), nil
}

func (s *stallingSink) Close() error { return nil }

// scriptReader serves one chunk per Read call, then runs final and EOFs.
type scriptReader struct {
	chunks [][]byte
	final  func()
	next   int
}

func (r *scriptReader) Read(p []byte) (int, error) {
	if r.next >= len(r.chunks) {
		if r.final != nil {
			r.final()
			r.final = nil
		}
		return 0, io.EOF
	}
	n := copy(p, r.chunks[r.next])
	r.next++
	return n, nil
}

func TestTeeStreamFullQueueAbandonsBlob(t *testing.T) {
	opts := teeOpts(t)

	sink := &stallingSink{
		started: make(chan struct{}),
		release: make(chan struct{}),
	}
	opts.queueDepth = 1
	opts.openCacheFile = func(string) (io.WriteCloser, error) { return sink, nil }

	// Three chunks against a depth-one queue and a stalled writer: at most
	// one chunk is ever consumed, so the third send must be dropped. The
	// writer is released only once the stream has fully EOFed.
	chunks := [][]byte{
		bytes.Repeat([]byte("a"), 1024),
		bytes.Repeat([]byte("b"), 1024),
		bytes.Repeat([]byte("c"), 1024),
	}
	upstream := &scriptReader{
		chunks: chunks,
		final:  func() { close(sink.release) },
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/download", nil)

	result, err := TeeStream(rec, req, upstream, opts, discardLogger())
	require.NoError(t, err)
	require.False(t, result.Cached)
	require.Equal(t, int64(3*1024), result.BytesSent)

	// The client still received every byte.
	require.Equal(t, string(bytes.Join(chunks, nil)), rec.Body.String())

	// No blob or leftover temp file survives an abandoned cache write.
	require.NoFileExists(t, opts.CachePath)
	require.NoFileExists(t, opts.CachePath+".tmp")
}
