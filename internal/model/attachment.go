package model

import "strings"

// AttachmentStatus tracks an attachment upload.
type AttachmentStatus string

const (
	AttachmentPending   AttachmentStatus = "pending"
	AttachmentUploading AttachmentStatus = "uploading"
	AttachmentUploaded  AttachmentStatus = "uploaded"
	AttachmentFailed    AttachmentStatus = "failed"
)

// Attachment is a file attached to a message. LocalURI is set until the
// upload completes, RemoteURL afterwards.
type Attachment struct {
	ID             string           `json:"id"`
	LocalURI       string           `json:"localUri,omitempty"`
	RemoteURL      string           `json:"url,omitempty"`
	ThumbURL       string           `json:"thumbUrl,omitempty"`
	Name           string           `json:"name,omitempty"`
	Kind           string           `json:"kind,omitempty"`
	MimeType       string           `json:"mimeType,omitempty"`
	SizeBytes      int64            `json:"size"`
	Status         AttachmentStatus `json:"status,omitempty"`
	UploadProgress int              `json:"uploadProgress"`
}

// RenderURL picks the URL a viewer should display.
func (a Attachment) RenderURL() string {
	switch {
	case a.ThumbURL != "":
		return a.ThumbURL
	case a.RemoteURL != "":
		return a.RemoteURL
	default:
		return a.LocalURI
	}
}

// KindForMIME maps a MIME type to the attachment kind the chat service uses.
func KindForMIME(mime string) string {
	switch {
	case strings.HasPrefix(mime, "image/"):
		return string(MessageImage)
	case strings.HasPrefix(mime, "video/"):
		return string(MessageVideo)
	default:
		return string(MessageFile)
	}
}
