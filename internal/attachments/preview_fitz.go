//go:build fitz

package attachments

import (
	"bytes"
	"context"
	"errors"
	"image/png"

	"github.com/gen2brain/go-fitz"
)

const previewDPI = 50

// FitzRenderer renders PDF previews through MuPDF. It needs cgo and is only
// built with -tags fitz.
type FitzRenderer struct{}

func (FitzRenderer) Supports(contentType string) bool {
	return contentType == "application/pdf"
}

func (FitzRenderer) RenderFirstPage(ctx context.Context, data []byte) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	doc, err := fitz.NewFromMemory(data)
	if err != nil {
		return nil, err
	}
	defer doc.Close()

	if doc.NumPage() < 1 {
		return nil, errors.New("attachments: document has no pages")
	}
	img, err := doc.ImageDPI(0, previewDPI)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func DefaultPreviewRenderer() PreviewRenderer { return FitzRenderer{} }
