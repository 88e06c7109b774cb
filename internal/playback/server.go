// Package playback streams clip videos and boundary frames with HTTP byte
// range support, so players can seek without downloading whole files.
package playback

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

type PlaybackService interface {
	ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error
}

type Server struct {
	logger *slog.Logger
}

func NewServer(logger *slog.Logger) *Server {
	return &Server{logger: logger}
}

// ServeFile writes filePath to w, honouring Range and HEAD requests. A
// missing file is answered with 404 and no error.
func (s *Server) ServeFile(w http.ResponseWriter, r *http.Request, filePath string) error {
	file, err := os.Open(filePath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			http.Error(w, "file not found", http.StatusNotFound)
			return nil
		}
		return fmt.Errorf("failed to open file: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat file: %w", err)
	}
	if stat.IsDir() {
		http.Error(w, "file not found", http.StatusNotFound)
		return nil
	}

	size := stat.Size()
	h := w.Header()
	h.Set("Accept-Ranges", "bytes")
	h.Set("Content-Type", contentType(filePath))
	h.Set("ETag", fmt.Sprintf(`"%x-%x"`, stat.ModTime().UnixNano(), size))
	h.Set("Last-Modified", stat.ModTime().UTC().Format(http.TimeFormat))

	rng, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		h.Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		http.Error(w, "Range Not Satisfiable", http.StatusRequestedRangeNotSatisfiable)
		return nil
	case errors.Is(err, ErrInvalidRange):
		// malformed ranges are ignored and the whole file is sent
		rng = nil
	case err != nil:
		return err
	}

	status := http.StatusOK
	length := size
	if rng != nil {
		status = http.StatusPartialContent
		length = rng.ContentLength()
		h.Set("Content-Range", rng.ContentRange(size))
		if _, err := file.Seek(rng.Start, io.SeekStart); err != nil {
			return fmt.Errorf("failed to seek: %w", err)
		}
	}
	h.Set("Content-Length", strconv.FormatInt(length, 10))
	w.WriteHeader(status)

	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.CopyN(w, file, length); err != nil && s.logger != nil {
		// clients drop connections while seeking
		s.logger.Debug("media copy interrupted", "path", filepath.Base(filePath), "error", err)
	}
	return nil
}

func contentType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	switch ext {
	case ".mp4":
		return "video/mp4"
	case ".mov":
		return "video/quicktime"
	case ".mkv":
		return "video/x-matroska"
	case ".webm":
		return "video/webm"
	case ".jpg", ".jpeg":
		return "image/jpeg"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}
