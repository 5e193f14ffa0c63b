package telegram

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/gotd/td/telegram/downloader"
	"github.com/gotd/td/tg"

	relaymsg "github.com/tribridge/tribridge/internal/message"
)

// downloadMedia fetches a message attachment into the media host directory
// and classifies it for the relay. Unsupported media kinds (polls, geo,
// web previews) are skipped.
func (p *Platform) downloadMedia(ctx context.Context, m tg.MessageMediaClass) (relaymsg.File, bool) {
	switch v := m.(type) {
	case *tg.MessageMediaPhoto:
		photo, ok := v.Photo.(*tg.Photo)
		if !ok {
			return relaymsg.File{}, false
		}
		f, err := p.downloadPhoto(ctx, photo)
		if err != nil {
			p.logger.Warn("photo download failed", "error", err)
			return relaymsg.File{}, false
		}
		f.Metadata.Spoiler = v.Spoiler
		return f, true
	case *tg.MessageMediaDocument:
		doc, ok := v.Document.(*tg.Document)
		if !ok {
			return relaymsg.File{}, false
		}
		f, err := p.downloadDocument(ctx, doc)
		if err != nil {
			p.logger.Warn("document download failed", "error", err)
			return relaymsg.File{}, false
		}
		f.Metadata.Spoiler = v.Spoiler
		return f, true
	default:
		return relaymsg.File{}, false
	}
}

func (p *Platform) downloadPhoto(ctx context.Context, photo *tg.Photo) (relaymsg.File, error) {
	var (
		sizeType string
		width    int
		height   int
		byteSize int
	)
	for _, s := range photo.Sizes {
		if ps, ok := s.(*tg.PhotoSize); ok && ps.W >= width {
			sizeType, width, height, byteSize = ps.Type, ps.W, ps.H, ps.Size
		}
	}
	if sizeType == "" {
		// Progressive-only photos carry sizes in PhotoSizeProgressive.
		for _, s := range photo.Sizes {
			if ps, ok := s.(*tg.PhotoSizeProgressive); ok && ps.W >= width {
				sizeType, width, height = ps.Type, ps.W, ps.H
				if n := len(ps.Sizes); n > 0 {
					byteSize = ps.Sizes[n-1]
				}
			}
		}
	}

	path := p.host.NewLocalPath(".jpg")
	loc := &tg.InputPhotoFileLocation{
		ID:            photo.ID,
		AccessHash:    photo.AccessHash,
		FileReference: photo.FileReference,
		ThumbSize:     sizeType,
	}
	if _, err := downloader.NewDownloader().Download(p.api, loc).ToPath(ctx, path); err != nil {
		return relaymsg.File{}, err
	}

	f := relaymsg.File{Type: "photo", LocalPath: path, Extension: ".jpg"}
	f.Metadata.Width = width
	f.Metadata.Height = height
	f.Metadata.Size = int64(byteSize)
	p.host.Publish(&f)
	return f, nil
}

func (p *Platform) downloadDocument(ctx context.Context, doc *tg.Document) (relaymsg.File, error) {
	f := classifyDocument(doc)
	f.LocalPath = p.host.NewLocalPath(f.Extension)

	loc := &tg.InputDocumentFileLocation{
		ID:            doc.ID,
		AccessHash:    doc.AccessHash,
		FileReference: doc.FileReference,
	}
	if _, err := downloader.NewDownloader().Download(p.api, loc).ToPath(ctx, f.LocalPath); err != nil {
		return relaymsg.File{}, err
	}
	p.host.Publish(&f)
	return f, nil
}

// classifyDocument maps a Telegram document onto the relay's file model
// using its attributes. Stickers and animations win over the generic video
// kind they are encoded as.
func classifyDocument(doc *tg.Document) relaymsg.File {
	f := relaymsg.File{Type: "document", Extension: extensionByMIME(doc.MimeType)}
	f.Metadata.Size = doc.Size

	var animated bool
	for _, attr := range doc.Attributes {
		switch a := attr.(type) {
		case *tg.DocumentAttributeFilename:
			f.Metadata.Filename = a.FileName
			if ext := filepath.Ext(a.FileName); ext != "" {
				f.Extension = ext
			}
		case *tg.DocumentAttributeImageSize:
			f.Metadata.Width = a.W
			f.Metadata.Height = a.H
			if f.Type == "document" {
				f.Type = "image"
			}
		case *tg.DocumentAttributeVideo:
			f.Type = "video"
			f.Metadata.Width = a.W
			f.Metadata.Height = a.H
			f.Metadata.Duration = a.Duration
		case *tg.DocumentAttributeAudio:
			if a.Voice {
				f.Type = "voice"
			} else {
				f.Type = "audio"
			}
			f.Metadata.Duration = float64(a.Duration)
		case *tg.DocumentAttributeSticker:
			f.Type = "sticker"
			f.Metadata.Alt = a.Alt
		case *tg.DocumentAttributeAnimated:
			animated = true
		}
	}
	if animated {
		f.Type = "animation"
	}
	if f.Extension == "" {
		f.Extension = ".bin"
	}
	return f
}

// extensionByMIME and mimeByExtension cover the media kinds Telegram
// actually produces; everything else falls through to a generic blob.
func extensionByMIME(mime string) string {
	switch mime {
	case "image/jpeg":
		return ".jpg"
	case "image/png":
		return ".png"
	case "image/gif":
		return ".gif"
	case "image/webp":
		return ".webp"
	case "video/mp4":
		return ".mp4"
	case "video/webm":
		return ".webm"
	case "audio/mpeg":
		return ".mp3"
	case "audio/ogg":
		return ".ogg"
	case "application/x-tgsticker":
		return ".tgs"
	case "application/pdf":
		return ".pdf"
	default:
		if i := strings.IndexByte(mime, '/'); i > 0 && i < len(mime)-1 {
			return "." + mime[i+1:]
		}
		return ""
	}
}

func mimeByExtension(ext string) string {
	switch strings.ToLower(ext) {
	case ".jpg", ".jpeg":
		return "image/jpeg"
	case ".png":
		return "image/png"
	case ".gif":
		return "image/gif"
	case ".webp":
		return "image/webp"
	case ".mp4":
		return "video/mp4"
	case ".webm":
		return "video/webm"
	case ".mp3":
		return "audio/mpeg"
	case ".ogg":
		return "audio/ogg"
	case ".pdf":
		return "application/pdf"
	case ".txt":
		return "text/plain"
	default:
		return "application/octet-stream"
	}
}
