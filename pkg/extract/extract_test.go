package extract

import (
	"archive/zip"
	"bytes"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func buildZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	writer := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := writer.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, writer.Close())
	return buf.Bytes()
}

func TestDOCXExtractsTextRuns(t *testing.T) {
	doc := buildZip(t, map[string]string{
		"word/document.xml": `<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body><w:p><w:r><w:t>Bubble sort</w:t></w:r><w:r><w:t>compares neighbours.</w:t></w:r></w:p></w:body></w:document>`,
	})

	text, err := DOCX(doc)
	require.NoError(t, err)
	require.Equal(t, "Bubble sort compares neighbours.", text)
}

func TestDOCXWithoutBodyFails(t *testing.T) {
	doc := buildZip(t, map[string]string{"word/styles.xml": "<styles/>"})

	_, err := DOCX(doc)
	require.Error(t, err)
}

func TestPPTXOrdersSlidesNumerically(t *testing.T) {
	deck := buildZip(t, map[string]string{
		"ppt/slides/slide10.xml": `<p:sld xmlns:a="a" xmlns:p="p"><a:t>ten</a:t></p:sld>`,
		"ppt/slides/slide2.xml":  `<p:sld xmlns:a="a" xmlns:p="p"><a:t>two</a:t></p:sld>`,
		"ppt/slides/slide1.xml":  `<p:sld xmlns:a="a" xmlns:p="p"><a:t>one</a:t></p:sld>`,
	})

	text, err := PPTX(deck)
	require.NoError(t, err)
	require.Equal(t, "one two ten", text)
}

func TestPDFRejectsNonPDFBytes(t *testing.T) {
	_, err := PDF([]byte("hello"))
	require.Error(t, err)

	_, err = PDF(nil)
	require.True(t, errors.Is(err, ErrEmptyDocument))
}

func TestPlainTextCollapsesWhitespace(t *testing.T) {
	text, err := PlainText([]byte("  first\n\n second\tthird fourth "))
	require.NoError(t, err)
	require.Equal(t, "first second third fourth", text)

	_, err = PlainText(nil)
	require.True(t, errors.Is(err, ErrEmptyDocument))
}

func TestHTMLStripsMarkupAndScripts(t *testing.T) {
	text, err := HTML([]byte(`<html><head><script>alert(1)</script></head><body><h1>Title</h1><p>Fish &amp; chips</p></body></html>`))
	require.NoError(t, err)
	require.Equal(t, "Title Fish & chips", text)
}

func TestBuiltinCoversOfficeFormats(t *testing.T) {
	decoders := Builtin()
	for _, mediaType := range []string{MediaTypePDF, MediaTypeDOCX, MediaTypePPTX, MediaTypePlainText, MediaTypeHTML} {
		require.Contains(t, decoders, mediaType)
	}
}
