//go:build !fitz

package attachments

// DefaultPreviewRenderer is nil without the fitz build tag; documents are
// then stored without thumbnails.
func DefaultPreviewRenderer() PreviewRenderer { return nil }
