// Package ingest turns local files and remote document drops into the text
// of source documents.
package ingest

import (
	"context"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/tender-cli/internal/config"
	"github.com/sells-group/tender-cli/internal/model"
)

// Extracted is the text of one ingested document.
type Extracted struct {
	Filename  string
	Text      string
	PageCount int
}

// Usable reports whether the text carries at least minChars non-space
// characters.
func (e Extracted) Usable(minChars int) bool {
	return model.TextChars(e.Text) >= minChars
}

// Ingester resolves a source to a local file and extracts its text.
type Ingester struct {
	http     *HTTPFetcher
	ftp      *FTPFetcher
	pdf      PDFExtractor
	minChars int
}

// New builds an Ingester from config. minChars is the usability floor used
// for logging and for the OCR fallback.
func New(cfg config.IngestConfig, minChars int) (*Ingester, error) {
	timeout := time.Duration(cfg.TimeoutSecs) * time.Second
	pdf, err := NewPDFExtractor(cfg, minChars)
	if err != nil {
		return nil, err
	}
	return &Ingester{
		http:     NewHTTPFetcher(HTTPOptions{UserAgent: cfg.UserAgent, Timeout: timeout}),
		ftp:      NewFTPFetcher(FTPOptions{Timeout: timeout}),
		pdf:      pdf,
		minChars: minChars,
	}, nil
}

// Ingest extracts the text of source, which is a local path or an http(s)
// or ftp URL.
func (i *Ingester) Ingest(ctx context.Context, source string) (*Extracted, error) {
	local, name, cleanup, err := i.resolve(ctx, source)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	ext, err := i.ExtractFile(ctx, local, name)
	if err != nil {
		return nil, err
	}
	if !ext.Usable(i.minChars) {
		zap.L().Warn("ingest: document below usable text floor",
			zap.String("source", source),
			zap.Int("chars", model.TextChars(ext.Text)),
			zap.Int("min_chars", i.minChars),
		)
	}
	return ext, nil
}

// ExtractFile extracts the text of a local file, choosing the extractor by
// the extension of name.
func (i *Ingester) ExtractFile(ctx context.Context, localPath, name string) (*Extracted, error) {
	out := &Extracted{Filename: name, PageCount: 1}

	switch strings.ToLower(filepath.Ext(name)) {
	case ".pdf":
		text, err := i.pdf.ExtractText(ctx, localPath)
		if err != nil {
			return nil, err
		}
		out.Text = text
		out.PageCount = countPages(text)
	case ".xlsx":
		text, sheets, err := XLSXText(localPath)
		if err != nil {
			return nil, err
		}
		out.Text = text
		out.PageCount = sheets
	default:
		data, err := os.ReadFile(localPath)
		if err != nil {
			return nil, eris.Wrapf(err, "ingest: read %s", localPath)
		}
		if !utf8.Valid(data) {
			return nil, eris.Errorf("ingest: %s is not utf-8 text", name)
		}
		out.Text = string(data)
	}
	return out, nil
}

// resolve downloads remote sources into a temp dir. The returned cleanup
// removes anything resolve created.
func (i *Ingester) resolve(ctx context.Context, source string) (string, string, func(), error) {
	noop := func() {}
	u, err := url.Parse(source)
	if err != nil || u.Scheme == "" || len(u.Scheme) == 1 {
		// Plain paths, including Windows drive letters.
		return source, filepath.Base(source), noop, nil
	}

	name := path.Base(u.Path)
	if name == "." || name == "/" {
		return "", "", noop, eris.Errorf("ingest: no filename in %s", source)
	}

	dir, err := os.MkdirTemp("", "tender-ingest-*")
	if err != nil {
		return "", "", noop, eris.Wrap(err, "ingest: create temp dir")
	}
	cleanup := func() { os.RemoveAll(dir) } //nolint:errcheck
	dest := filepath.Join(dir, name)

	switch u.Scheme {
	case "http", "https":
		_, err = i.http.DownloadToFile(ctx, source, dest)
	case "ftp":
		_, err = i.ftp.DownloadToFile(ctx, source, dest)
	case "file":
		cleanup()
		return u.Path, name, noop, nil
	default:
		err = eris.Errorf("ingest: unsupported scheme %q", u.Scheme)
	}
	if err != nil {
		cleanup()
		return "", "", noop, err
	}
	return dest, name, cleanup, nil
}

// countPages counts form feeds, which pdftotext emits after every page.
func countPages(text string) int {
	n := strings.Count(text, "\f")
	if strings.TrimSpace(text[strings.LastIndex(text, "\f")+1:]) != "" {
		n++
	}
	if n == 0 {
		return 1
	}
	return n
}
