package download

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
)

// ServeBlob writes a cached blob file to the HTTP response with the original
// filename as Content-Disposition. Range requests are honoured via
// http.ServeContent. Returns an error if the file cannot be opened, so the
// caller can fall back to an upstream fetch.
func ServeBlob(w http.ResponseWriter, r *http.Request, path, filename, contentType string, logger *slog.Logger) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening cached blob: %w", err)
	}
	defer func() { _ = f.Close() }()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat cached blob: %w", err)
	}

	if contentType != "" {
		w.Header().Set("Content-Type", contentType)
	}
	if filename != "" {
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	}

	http.ServeContent(w, r, filename, info.ModTime(), f)
	return nil
}

// HandleDownloadError writes an appropriate HTTP error response for download
// failures. Context cancellation and deadline expiry map to 504, everything
// else to 502.
func HandleDownloadError(w http.ResponseWriter, logger *slog.Logger, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		http.Error(w, "request timeout", http.StatusGatewayTimeout)
		return
	}
	logger.Error("download failed", "error", err)
	http.Error(w, "upstream error", http.StatusBadGateway)
}
