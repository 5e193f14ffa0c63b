// Package media stores downloaded attachments on local disk and hands out
// the public URLs they are served from.
package media

import (
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/message"
)

// Host owns the local media directory. In "self" upload mode the directory
// is assumed to be served at the configured base URL by an external web
// server.
type Host struct {
	dir     string
	baseURL string
	mode    string
}

// NewHost prepares the media directory described by cfg.
func NewHost(cfg config.FilesConfig) (*Host, error) {
	dir := config.ExpandHome(cfg.Path)
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
	}
	return &Host{dir: dir, baseURL: normalizeBaseURL(cfg.URL), mode: cfg.Upload}, nil
}

// Dir returns the local media directory.
func (h *Host) Dir() string { return h.dir }

// NewLocalPath reserves a fresh uuid-named path under the media directory
// for a download. The extension should include its leading dot.
func (h *Host) NewLocalPath(ext string) string {
	return filepath.Join(h.dir, uuid.NewString()+ext)
}

// Publish fills in the public URL of a downloaded file. With upload mode
// "self" the file is reachable under the base URL by its basename; other
// modes leave the URL empty.
func (h *Host) Publish(f *message.File) {
	if f.IsEmpty() {
		return
	}
	if h.mode == "self" && h.baseURL != "" {
		f.PublicURL = h.baseURL + url.PathEscape(filepath.Base(f.LocalPath))
	}
}

// PutText stores a long message body as a text file and returns its public
// URL.
func (h *Host) PutText(text string) (string, error) {
	name := uuid.NewString() + ".txt"
	if err := os.WriteFile(filepath.Join(h.dir, name), []byte(text), 0o644); err != nil {
		return "", fmt.Errorf("store text file: %w", err)
	}
	if h.baseURL == "" {
		return "", fmt.Errorf("no files base URL configured")
	}
	return h.baseURL + name, nil
}

func normalizeBaseURL(u string) string {
	if u == "" {
		return ""
	}
	if !strings.HasSuffix(u, "/") {
		u += "/"
	}
	return u
}
