package archive

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// Archiver stores one attachment and returns the reference recorded in
// the spreadsheet.
type Archiver interface {
	Archive(ctx context.Context, payload []byte, mimeType, suggestedName string) (string, error)
}

// extensions maps attachment mime types to file extensions. Unknown
// types fall back to a generic binary extension.
var extensions = map[string]string{
	"image/jpeg":      "jpg",
	"image/png":       "png",
	"image/gif":       "gif",
	"image/webp":      "webp",
	"video/mp4":       "mp4",
	"video/webm":      "webm",
	"audio/mpeg":      "mp3",
	"audio/ogg":       "ogg",
	"audio/wav":       "wav",
	"application/pdf": "pdf",
	"text/plain":      "txt",
}

func FileExtension(mimeType string) string {
	if ext, ok := extensions[strings.TrimSpace(mimeType)]; ok {
		return ext
	}
	return "bin"
}

// FileName returns the suggested name when one was sent with the
// attachment, or a timestamped name that will not collide across
// uploads.
func FileName(suggested, mimeType string) string {
	if name := strings.TrimSpace(suggested); name != "" {
		return name
	}
	return fmt.Sprintf("whatsapp_%d.%s", time.Now().UnixMilli(), FileExtension(mimeType))
}
