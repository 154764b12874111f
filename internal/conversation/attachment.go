package conversation

import (
	"errors"
	"fmt"
	"path/filepath"
	"slices"
	"strings"
)

// MaxAttachmentSize is the largest file accepted as an attachment
const MaxAttachmentSize = 100 * 1024

var (
	ErrUnsupportedFileType = errors.New("unsupported file type")
	ErrAttachmentTooLarge  = errors.New("file too large, max 100KB")
)

var allowedExtensions = []string{
	".txt", ".md", ".js", ".ts", ".tsx", ".jsx", ".css", ".html",
	".json", ".py", ".c", ".cpp", ".go", ".java",
}

// Attachment is a text file waiting to be folded into the next turn
type Attachment struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// NewAttachment validates a file and wraps it as an attachment
func NewAttachment(name string, data []byte) (*Attachment, error) {
	ext := strings.ToLower(filepath.Ext(name))
	if !slices.Contains(allowedExtensions, ext) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFileType, ext)
	}
	if len(data) > MaxAttachmentSize {
		return nil, ErrAttachmentTooLarge
	}
	return &Attachment{Name: filepath.Base(name), Content: string(data)}, nil
}

// Compose prefixes text with the attachment, separated by a delimiter
func (a *Attachment) Compose(text string) string {
	return fmt.Sprintf("[Attached File: %s]\n\n%s\n\n---\n\n%s", a.Name, a.Content, text)
}
