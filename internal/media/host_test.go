package media

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/tribridge/tribridge/internal/config"
	"github.com/tribridge/tribridge/internal/message"
)

// TestPublish_SelfMode verifies that self-hosted files get a URL built from
// the base URL and the escaped basename.
func TestPublish_SelfMode(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHost(config.FilesConfig{Path: dir, URL: "https://files.example.org", Upload: "self"})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	f := message.File{Type: "photo", LocalPath: filepath.Join(dir, "ab cd.jpg")}
	h.Publish(&f)
	if f.PublicURL != "https://files.example.org/ab%20cd.jpg" {
		t.Errorf("PublicURL = %q, want escaped basename under base URL", f.PublicURL)
	}
}

// TestPublish_NoUploadMode verifies that files stay private without a mode.
func TestPublish_NoUploadMode(t *testing.T) {
	h, err := NewHost(config.FilesConfig{Path: t.TempDir()})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	f := message.File{Type: "photo", LocalPath: "/tmp/x.jpg"}
	h.Publish(&f)
	if f.PublicURL != "" {
		t.Errorf("PublicURL = %q, want empty", f.PublicURL)
	}
}

// TestNewLocalPath verifies unique paths inside the media directory.
func TestNewLocalPath(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHost(config.FilesConfig{Path: dir})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	a := h.NewLocalPath(".jpg")
	b := h.NewLocalPath(".jpg")
	if a == b {
		t.Error("NewLocalPath returned the same path twice")
	}
	if filepath.Dir(a) != dir || !strings.HasSuffix(a, ".jpg") {
		t.Errorf("NewLocalPath = %q, want .jpg file under %q", a, dir)
	}
}

// TestPutText verifies long-text storage and the returned URL.
func TestPutText(t *testing.T) {
	dir := t.TempDir()
	h, err := NewHost(config.FilesConfig{Path: dir, URL: "https://files.example.org/", Upload: "self"})
	if err != nil {
		t.Fatalf("NewHost() error = %v", err)
	}

	url, err := h.PutText("a long pasted message")
	if err != nil {
		t.Fatalf("PutText() error = %v", err)
	}
	if !strings.HasPrefix(url, "https://files.example.org/") || !strings.HasSuffix(url, ".txt") {
		t.Errorf("PutText URL = %q, want .txt under base URL", url)
	}

	data, err := os.ReadFile(filepath.Join(dir, filepath.Base(url)))
	if err != nil {
		t.Fatalf("stored file unreadable: %v", err)
	}
	if string(data) != "a long pasted message" {
		t.Errorf("stored text = %q", data)
	}
}
