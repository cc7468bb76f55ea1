package docindex

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/ledongthuc/pdf"

	"arisbot/internal/util"
	"arisbot/pkg/storage"
)

// ErrUnsupportedFormat is returned for files the loaders cannot read.
var ErrUnsupportedFormat = errors.New("unsupported document format")

// Document is one knowledge file reduced to plain text.
type Document struct {
	Source  string
	Content string
}

// DocumentSource enumerates the knowledge documents to index.
type DocumentSource interface {
	Documents(ctx context.Context) ([]Document, error)
}

// Supported reports whether name has an indexable extension.
func Supported(name string) bool {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md", ".pdf", ".odt", ".docx":
		return true
	}
	return false
}

// DirSource reads documents recursively from a local directory.
type DirSource struct {
	Root string
}

func (s DirSource) Documents(ctx context.Context) ([]Document, error) {
	if _, err := os.Stat(s.Root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var docs []Document
	err := filepath.WalkDir(s.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if d.IsDir() || !Supported(d.Name()) {
			return nil
		}
		rel, err := filepath.Rel(s.Root, path)
		if err != nil {
			return err
		}
		data, err := os.ReadFile(path)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("knowledge_read_failed", "source", rel, "err", err)
			return nil
		}
		docs = appendDocument(ctx, docs, filepath.ToSlash(rel), data)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan knowledge dir: %w", err)
	}
	return docs, nil
}

// BucketSource reads documents from object storage under Prefix.
type BucketSource struct {
	Bucket storage.DocumentBucket
	Prefix string
}

func (s BucketSource) Documents(ctx context.Context) ([]Document, error) {
	objects, err := s.Bucket.List(ctx, s.Prefix)
	if err != nil {
		return nil, err
	}
	var docs []Document
	for _, obj := range objects {
		if !Supported(obj.Key) {
			continue
		}
		data, err := s.Bucket.Get(ctx, obj.Key)
		if err != nil {
			util.LoggerFromContext(ctx).Warn("knowledge_read_failed", "source", obj.Key, "err", err)
			continue
		}
		docs = appendDocument(ctx, docs, strings.TrimPrefix(obj.Key, s.Prefix), data)
	}
	return docs, nil
}

func appendDocument(ctx context.Context, docs []Document, source string, data []byte) []Document {
	text, err := ExtractText(source, data)
	if err != nil {
		util.LoggerFromContext(ctx).Warn("knowledge_extract_failed", "source", source, "err", err)
		return docs
	}
	if strings.TrimSpace(text) == "" {
		return docs
	}
	return append(docs, Document{Source: source, Content: text})
}

// ExtractText converts a document body to plain text by file extension.
func ExtractText(name string, data []byte) (string, error) {
	switch strings.ToLower(filepath.Ext(name)) {
	case ".txt", ".md":
		return strings.ToValidUTF8(string(data), ""), nil
	case ".pdf":
		return extractPDF(data)
	case ".odt":
		return extractODT(data)
	case ".docx":
		return extractDOCX(data)
	default:
		return "", ErrUnsupportedFormat
	}
}

func extractPDF(data []byte) (string, error) {
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	var b strings.Builder
	for i := 1; i <= reader.NumPage(); i++ {
		page := reader.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		b.WriteString(text)
		b.WriteString("\n")
	}
	return strings.ReplaceAll(b.String(), "\x00", " "), nil
}

var (
	odtLineBreak = regexp.MustCompile(`<text:line-break\s*/>`)
	odtTab       = regexp.MustCompile(`<text:tab\s*/>`)
	odtSpace     = regexp.MustCompile(`<text:s\s*/>`)
	xmlTag       = regexp.MustCompile(`<[^>]+>`)
	spaceRun     = regexp.MustCompile(`\s+`)
)

func extractODT(data []byte) (string, error) {
	raw, err := readZipEntry(data, "content.xml")
	if err != nil {
		return "", err
	}
	text := odtLineBreak.ReplaceAllString(raw, "\n")
	text = odtTab.ReplaceAllString(text, "\t")
	text = odtSpace.ReplaceAllString(text, " ")
	text = xmlTag.ReplaceAllString(text, " ")
	text = spaceRun.ReplaceAllString(text, " ")
	return unescapeXML(strings.TrimSpace(text)), nil
}

var (
	docxParagraphEnd = regexp.MustCompile(`</w:p>`)
	docxBreak        = regexp.MustCompile(`<w:(?:br|cr)\s*/>`)
	docxTab          = regexp.MustCompile(`<w:tab\s*/>`)
	blankLines       = regexp.MustCompile(`[ \t]*\n[ \t]*`)
)

func extractDOCX(data []byte) (string, error) {
	raw, err := readZipEntry(data, "word/document.xml")
	if err != nil {
		return "", err
	}
	text := docxParagraphEnd.ReplaceAllString(raw, "\n\n")
	text = docxBreak.ReplaceAllString(text, "\n")
	text = docxTab.ReplaceAllString(text, "\t")
	text = xmlTag.ReplaceAllString(text, "")
	text = blankLines.ReplaceAllString(text, "\n")
	return unescapeXML(strings.TrimSpace(text)), nil
}

func readZipEntry(data []byte, name string) (string, error) {
	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("open zip: %w", err)
	}
	for _, file := range reader.File {
		if file.Name != name {
			continue
		}
		rc, err := file.Open()
		if err != nil {
			return "", fmt.Errorf("open %s: %w", name, err)
		}
		defer rc.Close()
		body, err := io.ReadAll(rc)
		if err != nil {
			return "", fmt.Errorf("read %s: %w", name, err)
		}
		return string(body), nil
	}
	return "", fmt.Errorf("%s not found in archive", name)
}

var xmlEntities = strings.NewReplacer("&lt;", "<", "&gt;", ">", "&quot;", `"`, "&apos;", "'", "&amp;", "&")

func unescapeXML(s string) string {
	return xmlEntities.Replace(s)
}
