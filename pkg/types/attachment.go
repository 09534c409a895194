package types

// Attachment references a file attached to a message. The bytes live behind
// URL until the normalizer fetches them.
type Attachment struct {
	URL  string `json:"url"`
	Name string `json:"name,omitempty"`
	// ContentType is the declared MIME type. It may be empty, in which case
	// the normalizer sniffs the fetched bytes.
	ContentType string `json:"content_type,omitempty"`
}

// PartKind identifies how a normalized attachment is represented inline.
type PartKind string

const (
	PartInlineImage    PartKind = "inline_image"
	PartInlineDocument PartKind = "inline_document"
	PartExtractedText  PartKind = "extracted_text"
)

// NormalizedPart is an attachment converted into the inline representation a
// target provider accepts.
type NormalizedPart struct {
	Kind     PartKind `json:"kind"`
	MimeType string   `json:"mime_type,omitempty"`
	// Data holds base64-encoded bytes for inline_image and inline_document.
	Data string `json:"data,omitempty"`
	// Text holds extracted, budget-truncated text for extracted_text.
	Text string `json:"text,omitempty"`
	Name string `json:"name,omitempty"`
}

// IsImage reports whether the part is an inline image.
func (p NormalizedPart) IsImage() bool { return p.Kind == PartInlineImage }

// IsDocument reports whether the part is an inline document.
func (p NormalizedPart) IsDocument() bool { return p.Kind == PartInlineDocument }
