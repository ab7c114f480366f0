package extract

import (
	"archive/zip"
	"bytes"
	"encoding/xml"
	"errors"
	"html"
	"io"
	"regexp"
	"strings"

	"github.com/nguyenthenguyen/docx"
)

var textRunPattern = regexp.MustCompile(`<w:t(?:\s[^>]*)?>([^<]*)</w:t>`)

// extractDOCX walks paragraphs and runs through the docx reader; when that
// fails it scrapes <w:t> nodes straight out of word/document.xml.
func extractDOCX(data []byte) (string, error) {
	if len(data) == 0 {
		return "", errors.New("empty docx data")
	}
	text, err := readDocxParagraphs(data)
	if err == nil && strings.TrimSpace(text) != "" {
		return collapseWhitespace(text), nil
	}
	fallback, fbErr := scrapeDocumentXML(data)
	if fbErr != nil {
		if err != nil {
			return "", errors.Join(err, fbErr)
		}
		return "", fbErr
	}
	return collapseWhitespace(fallback), nil
}

func readDocxParagraphs(data []byte) (string, error) {
	r, err := docx.ReadDocxFromMemory(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	defer r.Close()
	return stripDocxXML(r.Editable().GetContent())
}

// stripDocxXML keeps character data and ends each paragraph or break with a newline.
func stripDocxXML(raw string) (string, error) {
	decoder := xml.NewDecoder(strings.NewReader(raw))
	var buf strings.Builder
	for {
		tok, err := decoder.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return "", err
		}
		switch t := tok.(type) {
		case xml.CharData:
			buf.Write(t)
		case xml.StartElement:
			if t.Name.Local == "tab" {
				buf.WriteString(" ")
			}
		case xml.EndElement:
			if t.Name.Local == "p" || t.Name.Local == "br" {
				buf.WriteString("\n")
			}
		}
	}
	return buf.String(), nil
}

func scrapeDocumentXML(data []byte) (string, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", err
	}
	var docFile *zip.File
	for _, f := range zr.File {
		if strings.ReplaceAll(f.Name, "\\", "/") == "word/document.xml" {
			docFile = f
			break
		}
	}
	if docFile == nil {
		return "", errors.New("document.xml file not found")
	}
	rc, err := docFile.Open()
	if err != nil {
		return "", err
	}
	defer rc.Close()
	raw, err := io.ReadAll(rc)
	if err != nil {
		return "", err
	}

	var parts []string
	for _, m := range textRunPattern.FindAllSubmatch(raw, -1) {
		parts = append(parts, html.UnescapeString(string(m[1])))
	}
	return strings.Join(parts, " "), nil
}
