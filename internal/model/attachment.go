package model

import (
	"mime"
	"path"
	"strings"
)

// ContentType is the coarse media kind of an attachment.
type ContentType int

const (
	ContentUnknown ContentType = iota
	ContentImage
	ContentVideo
	ContentText
)

// String returns the label stored in the download table.
func (c ContentType) String() string {
	switch c {
	case ContentImage:
		return "image"
	case ContentVideo:
		return "video"
	case ContentText:
		return "text"
	default:
		return "unknown"
	}
}

// Attachment is a media link carried by a message.
type Attachment struct {
	URI         string
	ContentType ContentType
}

// extTypes covers extensions missing from Go's builtin MIME table on hosts
// without /etc/mime.types.
var extTypes = map[string]string{
	".mp4":  "video/mp4",
	".m4v":  "video/mp4",
	".webm": "video/webm",
	".mov":  "video/quicktime",
	".txt":  "text/plain",
}

// NewAttachment builds an attachment, guessing the content type from the
// declared MIME type first and the URI's extension second.
func NewAttachment(uri, mimeType string) Attachment {
	return Attachment{URI: uri, ContentType: GuessContentType(mimeType, uri)}
}

// GuessContentType maps a MIME type or file name to a ContentType.
func GuessContentType(mimeType, uri string) ContentType {
	if mimeType == "" {
		if ext := path.Ext(strings.SplitN(uri, "?", 2)[0]); ext != "" {
			ext = strings.ToLower(ext)
			if mimeType = mime.TypeByExtension(ext); mimeType == "" {
				mimeType = extTypes[ext]
			}
		}
	}
	switch {
	case strings.HasPrefix(mimeType, "image/"):
		return ContentImage
	case strings.HasPrefix(mimeType, "video/"):
		return ContentVideo
	case strings.HasPrefix(mimeType, "text/"):
		return ContentText
	}
	// "photo" is what Twitter calls its media entities.
	if mimeType == "photo" {
		return ContentImage
	}
	return ContentUnknown
}
