package models

import "strings"

// FileReference points at an uploaded attachment
type FileReference struct {
	URL      string `bson:"url" json:"url"`
	Name     string `bson:"name" json:"name"`
	MimeType string `bson:"mimeType" json:"mime_type"`
	Size     int64  `bson:"size,omitempty" json:"size,omitempty"` // Declared by the client, advisory only
}

// LinkReference is a URL shared alongside the text
type LinkReference struct {
	URL   string `bson:"url" json:"url"`
	Title string `bson:"title,omitempty" json:"title,omitempty"`
}

// Submission is the raw content a user hands to the pipeline.
// It only lives for the duration of one distribution run.
type Submission struct {
	UserID  string          `json:"user_id"`
	Content string          `json:"content"`
	Files   []FileReference `json:"files,omitempty"`
	Links   []LinkReference `json:"links,omitempty"`
}

// Content type constants
const (
	ContentTypeText  = "text"
	ContentTypeLink  = "link"
	ContentTypeImage = "image"
	ContentTypeAudio = "audio"
	ContentTypeVideo = "video"
	ContentTypeMixed = "mixed"
)

// MediaKind returns "image", "audio" or "video" for a mime type, or "" for anything else
func MediaKind(mimeType string) string {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	switch {
	case strings.HasPrefix(mt, "image/"):
		return ContentTypeImage
	case strings.HasPrefix(mt, "audio/"):
		return ContentTypeAudio
	case strings.HasPrefix(mt, "video/"):
		return ContentTypeVideo
	}
	return ""
}

// DetectContentType derives the coarse content type of a submission
func (s *Submission) DetectContentType() string {
	kinds := make(map[string]bool)
	for _, f := range s.Files {
		if kind := MediaKind(f.MimeType); kind != "" {
			kinds[kind] = true
		}
	}
	if len(s.Links) > 0 {
		kinds[ContentTypeLink] = true
	}

	hasText := strings.TrimSpace(s.Content) != ""

	switch {
	case len(kinds) == 0:
		return ContentTypeText
	case len(kinds) > 1:
		return ContentTypeMixed
	}

	var only string
	for k := range kinds {
		only = k
	}
	// A link with commentary is still a link share; media with commentary is mixed
	if hasText && only != ContentTypeLink && len(strings.Fields(s.Content)) > 20 {
		return ContentTypeMixed
	}
	return only
}

// MediaFiles returns the attachments that are images, audio or video
func (s *Submission) MediaFiles() []FileReference {
	var out []FileReference
	for _, f := range s.Files {
		if MediaKind(f.MimeType) != "" {
			out = append(out, f)
		}
	}
	return out
}
