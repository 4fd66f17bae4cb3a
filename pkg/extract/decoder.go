package extract

import (
	"errors"
	"strings"
)

// Decoder turns raw document bytes into plain text.
type Decoder func(data []byte) (string, error)

// ErrEmptyDocument indicates the document carried no bytes.
var ErrEmptyDocument = errors.New("empty document")

// ErrNoText indicates the document was readable but contained no text.
var ErrNoText = errors.New("no text found in document")

// Media types with a built-in decoder.
const (
	MediaTypePDF       = "application/pdf"
	MediaTypeDOCX      = "application/vnd.openxmlformats-officedocument.wordprocessingml.document"
	MediaTypePPTX      = "application/vnd.openxmlformats-officedocument.presentationml.presentation"
	MediaTypePlainText = "text/plain"
	MediaTypeMarkdown  = "text/markdown"
	MediaTypeHTML      = "text/html"
)

// Builtin returns the decoders shipped with the package keyed by media type.
func Builtin() map[string]Decoder {
	return map[string]Decoder{
		MediaTypePDF:       PDF,
		MediaTypeDOCX:      DOCX,
		MediaTypePPTX:      PPTX,
		MediaTypePlainText: PlainText,
		MediaTypeMarkdown:  PlainText,
		MediaTypeHTML:      HTML,
	}
}

// PlainText normalises whitespace in a UTF-8 text document.
func PlainText(data []byte) (string, error) {
	if len(data) == 0 {
		return "", ErrEmptyDocument
	}
	return collapseWhitespace(string(data)), nil
}

func collapseWhitespace(s string) string {
	s = strings.ReplaceAll(s, "\u00a0", " ")
	return strings.Join(strings.Fields(s), " ")
}
