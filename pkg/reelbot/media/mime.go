package media

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"github.com/jholhewres/reelbot/pkg/reelbot/channels"
)

// DetectMimeType sniffs the first 512 bytes and falls back to the file
// extension when the content is not recognized.
func DetectMimeType(data []byte, filename string) string {
	detected := http.DetectContentType(data)

	if detected == "application/octet-stream" {
		switch strings.ToLower(filepath.Ext(filename)) {
		case ".mp4", ".m4v":
			return "video/mp4"
		case ".webm":
			return "video/webm"
		case ".mkv":
			return "video/x-matroska"
		case ".mov":
			return "video/quicktime"
		case ".jpg", ".jpeg":
			return "image/jpeg"
		case ".png":
			return "image/png"
		case ".webp":
			return "image/webp"
		case ".m4a":
			return "audio/mp4"
		case ".mp3":
			return "audio/mpeg"
		}
	}
	return detected
}

// DetectFileMimeType reads the head of the file at path and detects its type.
func DetectFileMimeType(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(f, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return "", err
	}
	return DetectMimeType(head[:n], path), nil
}

// MessageTypeFor maps a MIME type to the outgoing message kind.
func MessageTypeFor(mimeType string) channels.MessageType {
	mimeType = strings.TrimSpace(strings.Split(mimeType, ";")[0])
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return channels.MessageImage
	case strings.HasPrefix(mimeType, "video/"):
		return channels.MessageVideo
	case strings.HasPrefix(mimeType, "audio/"):
		return channels.MessageAudio
	default:
		return channels.MessageDocument
	}
}
