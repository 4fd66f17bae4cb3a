package ocr

import "context"

// DefaultLanguage is the language hint used when none is configured.
const DefaultLanguage = "en"

// Engine recognises text in an image.
type Engine interface {
	Recognize(ctx context.Context, image []byte, mimeType string) (string, error)
}
