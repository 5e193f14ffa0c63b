// Package message holds the platform-neutral data model of the bridge:
// the canonical message produced by platform listeners, the media file
// descriptor, and the persisted record that links one origin message to
// its relayed copies.
package message

import (
	"fmt"
	"time"
)

// MaxFilesPerMessage caps attachments on a single canonical message.
// Both Telegram albums and Discord messages top out at 10 files.
const MaxFilesPerMessage = 10

// Platform name constants as used in channel IDs ("irc/#chan", "telegram/-100123").
const (
	PlatformIRC      = "irc"
	PlatformTelegram = "telegram"
	PlatformDiscord  = "discord"
)

// FileMetadata carries optional attributes extracted from platform media.
type FileMetadata struct {
	Width       int     `bson:"width,omitempty" yaml:"width,omitempty"`
	Height      int     `bson:"height,omitempty" yaml:"height,omitempty"`
	Size        int64   `bson:"size,omitempty" yaml:"size,omitempty"`
	Duration    float64 `bson:"duration,omitempty" yaml:"duration,omitempty"`
	Filename    string  `bson:"filename,omitempty" yaml:"filename,omitempty"`
	Alt         string  `bson:"alt,omitempty" yaml:"alt,omitempty"`
	Description string  `bson:"description,omitempty" yaml:"description,omitempty"`
	Spoiler     bool    `bson:"is_spoiler,omitempty" yaml:"is_spoiler,omitempty"`
}

// File is a media attachment downloaded into local storage.
type File struct {
	Type      string       `bson:"type"`
	LocalPath string       `bson:"path"`
	PublicURL string       `bson:"url"`
	Extension string       `bson:"ext"`
	Metadata  FileMetadata `bson:"metadata"`
}

// IsEmpty reports whether the file has no local content, e.g. because
// the download failed.
func (f File) IsEmpty() bool { return f.LocalPath == "" }

// IsImage reports whether the file may be part of a Telegram album.
func (f File) IsImage() bool {
	switch f.Type {
	case "image", "photo", "video":
		return true
	}
	return false
}

// Describe renders the compact attachment descriptor shown in relay text,
// e.g. `cat<photo: 640x480, 81.2 KB> https://files.example/abc.jpg `.
// The URL is appended only for platforms without native attachments (IRC).
func (f File) Describe(withURL bool) string {
	sizeStr := ""
	if f.Metadata.Width > 0 && f.Metadata.Height > 0 {
		sizeStr = fmt.Sprintf("%dx%d", f.Metadata.Width, f.Metadata.Height)
	}
	if f.Metadata.Size > 0 {
		if sizeStr != "" {
			sizeStr += ", "
		}
		sizeStr += fmt.Sprintf("%.1f KB", float64(f.Metadata.Size)/1024.0)
	}
	if f.Metadata.Duration > 0 {
		minutes := int(f.Metadata.Duration) / 60
		seconds := int(f.Metadata.Duration) % 60
		if sizeStr != "" {
			sizeStr += ", "
		}
		sizeStr += fmt.Sprintf("%02d:%02d", minutes, seconds)
	}
	if sizeStr != "" {
		sizeStr = ": " + sizeStr
	}
	urlStr := ""
	if withURL {
		urlStr = " " + f.PublicURL
	}
	return fmt.Sprintf("%s<%s%s>%s ", f.Metadata.Alt, f.Type, sizeStr, urlStr)
}

// Message is the canonical, platform-neutral message passed from listeners
// to the worker. FromMessageID is empty for IRC, which has no message ids.
type Message struct {
	System         bool
	Text           string
	FromUserID     string
	FromNick       string
	FromGroup      string // channel ID, e.g. "telegram/-1001234"
	FromMessageID  string
	PlatformPrefix string
	CreatedAt      time.Time
	EditedAt       time.Time // zero when never edited
	FwdFrom        string
	ReplyTo        *Record // looked up by the listener from the store
	Files          []File
}

// ClampFiles truncates the attachment list to MaxFilesPerMessage.
func (m *Message) ClampFiles() {
	if len(m.Files) > MaxFilesPerMessage {
		m.Files = m.Files[:MaxFilesPerMessage]
	}
}
