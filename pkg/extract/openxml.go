package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"sort"
	"strings"
)

// DOCX extracts the <w:t> runs of word/document.xml.
func DOCX(data []byte) (string, error) {
	files, err := openZip(data)
	if err != nil {
		return "", err
	}

	body := findZipFile(files, "word/document.xml")
	if body == nil {
		return "", fmt.Errorf("docx: word/document.xml missing")
	}

	raw, err := readZipFile(body)
	if err != nil {
		return "", err
	}

	out := collapseWhitespace(textRuns(raw))
	if out == "" {
		return "", ErrNoText
	}
	return out, nil
}

// PPTX extracts the <a:t> runs of every slide in slide order.
func PPTX(data []byte) (string, error) {
	files, err := openZip(data)
	if err != nil {
		return "", err
	}

	slides := make([]*zip.File, 0)
	for _, f := range files {
		if strings.HasPrefix(f.Name, "ppt/slides/slide") && strings.HasSuffix(f.Name, ".xml") {
			slides = append(slides, f)
		}
	}
	sort.Slice(slides, func(i, j int) bool {
		return slideNumber(slides[i].Name) < slideNumber(slides[j].Name)
	})

	var builder strings.Builder
	for _, slide := range slides {
		raw, err := readZipFile(slide)
		if err != nil {
			return "", err
		}
		builder.WriteString(textRuns(raw))
		builder.WriteString("\n")
	}

	out := collapseWhitespace(builder.String())
	if out == "" {
		return "", ErrNoText
	}
	return out, nil
}

func openZip(data []byte) ([]*zip.File, error) {
	if len(data) == 0 {
		return nil, ErrEmptyDocument
	}
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("open office container: %w", err)
	}
	return reader.File, nil
}

func findZipFile(files []*zip.File, name string) *zip.File {
	for _, f := range files {
		if f.Name == name {
			return f
		}
	}
	return nil
}

func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", f.Name, err)
	}
	defer rc.Close()
	return io.ReadAll(rc)
}

// slideNumber orders slide10.xml after slide9.xml.
func slideNumber(name string) int {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, "ppt/slides/slide"), ".xml")
	n := 0
	for _, r := range trimmed {
		if r < '0' || r > '9' {
			return n
		}
		n = n*10 + int(r-'0')
	}
	return n
}

// textRuns concatenates the character data of every <t> element.
func textRuns(raw []byte) string {
	decoder := xml.NewDecoder(bytes.NewReader(raw))
	var builder strings.Builder
	for {
		token, err := decoder.Token()
		if err != nil {
			break
		}
		start, ok := token.(xml.StartElement)
		if !ok || start.Name.Local != "t" {
			continue
		}
		var value string
		if err := decoder.DecodeElement(&value, &start); err == nil && value != "" {
			builder.WriteString(value)
			builder.WriteString(" ")
		}
	}
	return builder.String()
}
