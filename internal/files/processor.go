// Package files resolves uploaded files and attachments and prepares them
// for the model: images are measured, documents and code are turned into
// text.
package files

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/storage"
)

// Categories.
const (
	Image    = "image"
	Document = "document"
	Code     = "code"
)

const (
	fetchTimeout = 10 * time.Second
	maxFetchSize = 20 << 20
)

var supported = []struct {
	category string
	types    []string
}{
	{Image, []string{"jpg", "jpeg", "png", "gif", "webp"}},
	{Document, []string{"pdf", "txt", "csv", "json", "xlsx", "docx"}},
	{Code, []string{"py", "js", "html", "css", "json", "xml"}},
}

var fallbackMIME = map[string]string{
	"txt":  "text/plain",
	"csv":  "text/csv",
	"json": "application/json",
	"pdf":  "application/pdf",
	"docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
	"xlsx": "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet",
	"py":   "text/x-python",
	"js":   "text/javascript",
	"html": "text/html",
	"css":  "text/css",
	"xml":  "text/xml",
}

// Category returns the category of fileType, or "" when unsupported.
// json is a document.
func Category(fileType string) string {
	for _, s := range supported {
		if slices.Contains(s.types, fileType) {
			return s.category
		}
	}
	return ""
}

// Source identifies file content. The first non-empty of Path, URL and
// Content is used.
type Source struct {
	Path     string
	URL      string
	Content  []byte
	TypeHint string
}

type Result struct {
	FilePath    string `json:"file_path"`
	FileType    string `json:"file_type"`
	Category    string `json:"category"`
	MimeType    string `json:"mime_type"`
	TextContent string `json:"text_content,omitempty"`
	Width       int    `json:"width,omitempty"`
	Height      int    `json:"height,omitempty"`
	Size        int    `json:"size"`
}

// SettingsSource reports whether file processing is enabled.
type SettingsSource interface {
	Get(ctx context.Context) (storage.Settings, error)
}

// DocumentSource resolves document fields and attachments.
type DocumentSource interface {
	GetDocument(ctx context.Context, doctype, name string) (storage.Document, error)
	ListAttachments(ctx context.Context, doctype, docname string) ([]storage.Attachment, error)
}

// Processor turns files into model input. Temp files backing images stay
// on disk until Release or Cleanup.
type Processor struct {
	settings   SettingsSource
	docs       DocumentSource
	audit      *audit.Logger
	dataDir    string
	tempDir    string
	httpClient *http.Client
	logger     *slog.Logger

	mu   sync.Mutex
	temp map[string]struct{}
}

func NewProcessor(settings SettingsSource, docs DocumentSource, auditLog *audit.Logger, dataDir string) *Processor {
	return &Processor{
		settings:   settings,
		docs:       docs,
		audit:      auditLog,
		dataDir:    dataDir,
		httpClient: &http.Client{Timeout: fetchTimeout},
		logger:     slog.Default(),
		temp:       make(map[string]struct{}),
	}
}

func (p *Processor) enabled(ctx context.Context) error {
	st, err := p.settings.Get(ctx)
	if err != nil {
		return apperr.Wrap(apperr.FileProcessing, err, "Error loading settings")
	}
	if !st.EnableFileProcessing {
		return apperr.New(apperr.FileProcessing, "File processing is disabled")
	}
	return nil
}

// Process resolves src and prepares it for the model.
func (p *Processor) Process(ctx context.Context, src Source) (Result, error) {
	if err := p.enabled(ctx); err != nil {
		return Result{}, err
	}
	content, fileType, err := p.resolve(ctx, src)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.FileProcessing, err, "Error processing file")
	}
	if len(content) == 0 {
		return Result{}, apperr.New(apperr.FileProcessing, "Could not retrieve file content")
	}

	category := Category(fileType)
	if category == "" {
		return Result{}, apperr.Newf(apperr.FileProcessing, "Unsupported file type: %s", fileType)
	}

	tmp, err := p.writeTemp(content, fileType)
	if err != nil {
		return Result{}, apperr.Wrap(apperr.FileProcessing, err, "Error processing file")
	}

	res := Result{
		FilePath: tmp,
		FileType: fileType,
		Category: category,
		MimeType: mimeType(fileType),
		Size:     len(content),
	}
	switch category {
	case Image:
		w, h, err := imageSize(content, fileType)
		if err != nil {
			p.Release(tmp)
			return Result{}, apperr.Wrap(apperr.FileProcessing, err, "Error processing image")
		}
		res.Width, res.Height = w, h
	case Document:
		defer p.Release(tmp)
		res.TextContent = p.extractDocument(tmp, content, fileType)
	case Code:
		defer p.Release(tmp)
		res.TextContent = strings.ToValidUTF8(string(content), "")
	}

	p.audit.Success(ctx, "", audit.FunctionCall, map[string]any{
		"function":      "file_processor",
		"file_category": category,
		"file_type":     fileType,
		"file_size":     len(content),
	})
	return res, nil
}

// ProcessAttachment processes the file stored in a document field, the
// attachment named attachmentName, or the newest attachment, in that order.
func (p *Processor) ProcessAttachment(ctx context.Context, doctype, docname, field, attachmentName string) (Result, error) {
	res, err := p.processAttachment(ctx, doctype, docname, field, attachmentName)
	details := map[string]any{
		"success":   err == nil,
		"file_type": res.FileType,
		"size":      res.Size,
	}
	status := storage.AuditSuccess
	if err != nil {
		status = storage.AuditError
	}
	p.audit.Record(ctx, "", audit.FunctionCall, map[string]any{
		"function": "process_document",
		"doctype":  doctype,
		"docname":  docname,
		"details":  details,
	}, status)
	return res, err
}

func (p *Processor) processAttachment(ctx context.Context, doctype, docname, field, attachmentName string) (Result, error) {
	if err := p.enabled(ctx); err != nil {
		return Result{}, err
	}

	var fileURL string
	switch {
	case field != "":
		doc, err := p.docs.GetDocument(ctx, doctype, docname)
		if err != nil && !errors.Is(err, storage.ErrNotFound) {
			return Result{}, apperr.Wrap(apperr.FileProcessing, err, "Error processing attachment")
		}
		v, _ := doc.Fields[field].(string)
		if v == "" {
			return Result{}, apperr.Newf(apperr.FileProcessing, "No file found in field %s", field)
		}
		fileURL = v
	default:
		atts, err := p.docs.ListAttachments(ctx, doctype, docname)
		if err != nil {
			return Result{}, apperr.Wrap(apperr.FileProcessing, err, "Error processing attachment")
		}
		if attachmentName != "" {
			i := slices.IndexFunc(atts, func(a storage.Attachment) bool { return a.FileName == attachmentName })
			if i < 0 {
				return Result{}, apperr.Newf(apperr.FileProcessing, "Attachment %s not found", attachmentName)
			}
			fileURL = atts[i].FileURL
		} else {
			if len(atts) == 0 {
				return Result{}, apperr.New(apperr.FileProcessing, "No attachments found")
			}
			fileURL = atts[0].FileURL
		}
	}
	return p.Process(ctx, Source{URL: fileURL})
}

// Release removes one temp file returned in a Result.
func (p *Processor) Release(path string) {
	p.mu.Lock()
	_, tracked := p.temp[path]
	delete(p.temp, path)
	p.mu.Unlock()
	if !tracked {
		return
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		p.logger.Warn("removing temp file", "path", path, "error", err)
	}
}

// Cleanup removes every temp file still tracked.
func (p *Processor) Cleanup() {
	p.mu.Lock()
	paths := make([]string, 0, len(p.temp))
	for path := range p.temp {
		paths = append(paths, path)
	}
	p.mu.Unlock()
	for _, path := range paths {
		p.Release(path)
	}
}

func (p *Processor) writeTemp(content []byte, fileType string) (string, error) {
	f, err := os.CreateTemp(p.tempDir, "gembridge-*."+fileType)
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}
	if _, err := f.Write(content); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing temp file: %w", err)
	}
	p.mu.Lock()
	p.temp[f.Name()] = struct{}{}
	p.mu.Unlock()
	return f.Name(), nil
}

func (p *Processor) resolve(ctx context.Context, src Source) ([]byte, string, error) {
	hint := normalizeType(src.TypeHint)
	switch {
	case src.Path != "":
		data, err := os.ReadFile(src.Path)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", src.Path, err)
		}
		return data, firstNonEmpty(hint, extType(src.Path)), nil

	case strings.HasPrefix(src.URL, "/"):
		local := filepath.Join(p.dataDir, filepath.FromSlash(path.Clean(src.URL)))
		data, err := os.ReadFile(local)
		if err != nil {
			return nil, "", fmt.Errorf("reading %s: %w", src.URL, err)
		}
		return data, firstNonEmpty(hint, extType(src.URL)), nil

	case src.URL != "":
		u, err := url.Parse(src.URL)
		if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
			return nil, "", fmt.Errorf("unsupported file url %q", src.URL)
		}
		data, err := p.fetch(ctx, u.String())
		if err != nil {
			return nil, "", err
		}
		return data, firstNonEmpty(hint, extType(u.Path)), nil

	case len(src.Content) > 0:
		return src.Content, firstNonEmpty(hint, sniffType(src.Content)), nil
	}
	return nil, "", nil
}

func (p *Processor) fetch(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching %s: %w", rawURL, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching %s: status %d", rawURL, resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxFetchSize+1))
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", rawURL, err)
	}
	if len(data) > maxFetchSize {
		return nil, fmt.Errorf("file at %s exceeds %d bytes", rawURL, maxFetchSize)
	}
	return data, nil
}

func imageSize(content []byte, fileType string) (int, int, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(content))
	if err != nil {
		if fileType == "webp" {
			return 0, 0, nil
		}
		return 0, 0, err
	}
	return cfg.Width, cfg.Height, nil
}

func mimeType(fileType string) string {
	if t := mime.TypeByExtension("." + fileType); t != "" {
		return t
	}
	if t, ok := fallbackMIME[fileType]; ok {
		return t
	}
	if Category(fileType) == Image {
		return "image/" + fileType
	}
	return "application/octet-stream"
}

func sniffType(content []byte) string {
	ct := http.DetectContentType(content)
	if i := strings.IndexByte(ct, ';'); i >= 0 {
		ct = ct[:i]
	}
	switch ct {
	case "image/png":
		return "png"
	case "image/jpeg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	case "application/pdf":
		return "pdf"
	case "text/html":
		return "html"
	case "text/xml":
		return "xml"
	case "application/zip":
		return sniffOffice(content)
	case "text/plain":
		trimmed := bytes.TrimSpace(content)
		if len(trimmed) > 0 && (trimmed[0] == '{' || trimmed[0] == '[') {
			return "json"
		}
		return "txt"
	}
	return ""
}

func sniffOffice(content []byte) string {
	zr, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return ""
	}
	for _, f := range zr.File {
		switch {
		case strings.HasPrefix(f.Name, "word/"):
			return "docx"
		case strings.HasPrefix(f.Name, "xl/"):
			return "xlsx"
		}
	}
	return ""
}

func extType(name string) string {
	return normalizeType(path.Ext(name))
}

func normalizeType(t string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(t), "."))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
