package files

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"image"
	"image/color"
	"image/png"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gembridge/gembridge/internal/apperr"
	"github.com/gembridge/gembridge/internal/audit"
	"github.com/gembridge/gembridge/internal/storage"
)

var ctx = context.Background()

type staticSettings struct{ enabled bool }

func (s staticSettings) Get(context.Context) (storage.Settings, error) {
	return storage.Settings{EnableFileProcessing: s.enabled}, nil
}

func newTestProcessor(t *testing.T, enabled bool) (*Processor, *storage.Store, string) {
	t.Helper()
	store, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("storage.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	dataDir := t.TempDir()
	p := NewProcessor(staticSettings{enabled: enabled}, store, audit.New(store), dataDir)
	p.tempDir = t.TempDir()
	return p, store, dataDir
}

func pngBytes(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	img.Set(0, 0, color.RGBA{R: 255, A: 255})
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode: %v", err)
	}
	return buf.Bytes()
}

func zipBytes(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range files {
		w, err := zw.Create(name)
		if err != nil {
			t.Fatalf("zip create: %v", err)
		}
		w.Write([]byte(body))
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

func TestCategory(t *testing.T) {
	cases := map[string]string{
		"png": Image, "webp": Image, "pdf": Document, "json": Document,
		"xlsx": Document, "py": Code, "xml": Code, "exe": "",
	}
	for typ, want := range cases {
		if got := Category(typ); got != want {
			t.Errorf("Category(%q) = %q, want %q", typ, got, want)
		}
	}
}

func TestProcess_Disabled(t *testing.T) {
	p, _, _ := newTestProcessor(t, false)
	_, err := p.Process(ctx, Source{Content: []byte("hello"), TypeHint: "txt"})
	if !apperr.Is(err, apperr.FileProcessing) || err.Error() != "File processing is disabled" {
		t.Errorf("err = %v", err)
	}
}

func TestProcess_ImageKeepsTempFile(t *testing.T) {
	p, store, _ := newTestProcessor(t, true)

	res, err := p.Process(ctx, Source{Content: pngBytes(t, 12, 7)})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FileType != "png" || res.Category != Image || res.MimeType != "image/png" {
		t.Errorf("result = %+v", res)
	}
	if res.Width != 12 || res.Height != 7 {
		t.Errorf("size = %dx%d, want 12x7", res.Width, res.Height)
	}
	if _, err := os.Stat(res.FilePath); err != nil {
		t.Fatalf("image temp file should survive Process: %v", err)
	}

	p.Release(res.FilePath)
	if _, err := os.Stat(res.FilePath); !os.IsNotExist(err) {
		t.Error("Release should remove the temp file")
	}

	entries, _ := store.ListAudit(ctx, 1)
	if len(entries) != 1 || !strings.Contains(entries[0].Details, `"function":"file_processor"`) {
		t.Errorf("audit = %+v", entries)
	}
}

func TestProcess_WebPWithoutDecoder(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	res, err := p.Process(ctx, Source{Content: []byte("RIFF\x00\x00\x00\x00WEBPVP8 garbage"), TypeHint: "webp"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Width != 0 || res.Height != 0 {
		t.Errorf("webp size = %dx%d, want 0x0", res.Width, res.Height)
	}
	p.Cleanup()
}

func TestProcess_BrokenImage(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	_, err := p.Process(ctx, Source{Content: []byte("not an image"), TypeHint: "png"})
	if !apperr.Is(err, apperr.FileProcessing) {
		t.Errorf("err = %v, want file processing error", err)
	}
}

func TestProcess_DocumentRemovesTempFile(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	path := filepath.Join(t.TempDir(), "orders.csv")
	os.WriteFile(path, []byte("name,total\nAcme,\"1,200\"\n"), 0o644)

	res, err := p.Process(ctx, Source{Path: path})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FileType != "csv" || res.Category != Document {
		t.Errorf("result = %+v", res)
	}
	if res.TextContent != "name | total\nAcme | 1,200\n" {
		t.Errorf("TextContent = %q", res.TextContent)
	}
	if _, err := os.Stat(res.FilePath); !os.IsNotExist(err) {
		t.Error("document temp file should be removed after Process")
	}
}

func TestProcess_Code(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	res, err := p.Process(ctx, Source{Content: []byte("print('hi')\n"), TypeHint: ".PY"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.Category != Code || res.TextContent != "print('hi')\n" {
		t.Errorf("result = %+v", res)
	}
}

func TestProcess_Unsupported(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	_, err := p.Process(ctx, Source{Content: []byte{1, 2, 3}, TypeHint: "exe"})
	if err == nil || err.Error() != "Unsupported file type: exe" {
		t.Errorf("err = %v", err)
	}
}

func TestProcess_NoContent(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	_, err := p.Process(ctx, Source{})
	if err == nil || err.Error() != "Could not retrieve file content" {
		t.Errorf("err = %v", err)
	}
}

func TestProcess_LocalFilesURL(t *testing.T) {
	p, _, dataDir := newTestProcessor(t, true)
	os.MkdirAll(filepath.Join(dataDir, "files"), 0o755)
	os.WriteFile(filepath.Join(dataDir, "files", "notes.txt"), []byte("remember the milk"), 0o644)

	res, err := p.Process(ctx, Source{URL: "/files/notes.txt"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.TextContent != "remember the milk" {
		t.Errorf("TextContent = %q", res.TextContent)
	}

	if _, err := p.Process(ctx, Source{URL: "/files/../../etc/passwd"}); err == nil {
		t.Error("paths outside the data dir should not resolve")
	}
}

func TestProcess_HTTPURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/report.json" {
			http.NotFound(w, r)
			return
		}
		w.Write([]byte(`{"total":3}`))
	}))
	defer srv.Close()

	p, _, _ := newTestProcessor(t, true)
	res, err := p.Process(ctx, Source{URL: srv.URL + "/report.json?download=1"})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FileType != "json" || res.TextContent != "{\n  \"total\": 3\n}" {
		t.Errorf("result = %+v", res)
	}

	if _, err := p.Process(ctx, Source{URL: srv.URL + "/missing.txt"}); err == nil {
		t.Error("404 should fail")
	}
}

func TestJSONText(t *testing.T) {
	if got := jsonText([]byte("{oops")); !strings.HasPrefix(got, "Error: Invalid JSON format - ") {
		t.Errorf("invalid json = %q", got)
	}

	big := make([]string, 0, 400000)
	for i := 0; i < 400000; i++ {
		big = append(big, "abcdefghijklm")
	}
	raw, _ := json.Marshal(map[string]any{"items": big})
	got := jsonText(raw)
	if !strings.HasSuffix(got, "\n... (truncated due to size)") {
		t.Errorf("large json should be truncated, got %d bytes", len(got))
	}
	if len(got) > jsonPreview+len("\n... (truncated due to size)") {
		t.Errorf("preview too long: %d", len(got))
	}
}

func TestDocxText(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	doc := `<?xml version="1.0"?>
<w:document xmlns:w="http://schemas.openxmlformats.org/wordprocessingml/2006/main"><w:body>
<w:p><w:r><w:t>Quarterly</w:t></w:r><w:r><w:t xml:space="preserve"> report</w:t></w:r></w:p>
<w:p><w:r><w:t>Revenue</w:t><w:tab/><w:t>up</w:t></w:r></w:p>
</w:body></w:document>`
	data := zipBytes(t, map[string]string{"word/document.xml": doc, "[Content_Types].xml": "<Types/>"})

	res, err := p.Process(ctx, Source{Content: data})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FileType != "docx" {
		t.Errorf("sniffed type = %q, want docx", res.FileType)
	}
	if res.TextContent != "Quarterly report\nRevenue\tup\n" {
		t.Errorf("TextContent = %q", res.TextContent)
	}
}

func TestXlsxText(t *testing.T) {
	p, _, _ := newTestProcessor(t, true)
	shared := `<sst><si><t>Customer</t></si><si><t>Total</t></si><si><r><t>Acme</t></r><r><t> Corp</t></r></si></sst>`
	sheet := `<worksheet><sheetData>
<row r="1"><c r="A1" t="s"><v>0</v></c><c r="B1" t="s"><v>1</v></c></row>
<row r="2"><c r="A2" t="s"><v>2</v></c><c r="B2"><v>1200</v></c></row>
<row r="3"><c r="A3" t="inlineStr"><is><t>Globex</t></is></c><c r="B3"><v>860.5</v></c></row>
</sheetData></worksheet>`
	data := zipBytes(t, map[string]string{
		"xl/sharedStrings.xml":      shared,
		"xl/worksheets/sheet1.xml":  sheet,
		"xl/worksheets/sheet10.xml": `<worksheet><sheetData><row><c><v>ignored</v></c></row></sheetData></worksheet>`,
	})

	res, err := p.Process(ctx, Source{Content: data})
	if err != nil {
		t.Fatalf("Process: %v", err)
	}
	if res.FileType != "xlsx" {
		t.Errorf("sniffed type = %q, want xlsx", res.FileType)
	}
	want := "Customer\tTotal\nAcme Corp\t1200\nGlobex\t860.5\n"
	if res.TextContent != want {
		t.Errorf("TextContent = %q, want %q", res.TextContent, want)
	}
}

func TestProcessAttachment(t *testing.T) {
	p, store, dataDir := newTestProcessor(t, true)
	os.MkdirAll(filepath.Join(dataDir, "files"), 0o755)
	os.WriteFile(filepath.Join(dataDir, "files", "old.txt"), []byte("old"), 0o644)
	os.WriteFile(filepath.Join(dataDir, "files", "new.txt"), []byte("new"), 0o644)
	os.WriteFile(filepath.Join(dataDir, "files", "spec.txt"), []byte("from field"), 0o644)

	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	store.SaveAttachment(ctx, storage.Attachment{ID: "a1", Doctype: "Sales Order", Docname: "SO-1", FileName: "old.txt", FileURL: "/files/old.txt", CreatedAt: base})
	store.SaveAttachment(ctx, storage.Attachment{ID: "a2", Doctype: "Sales Order", Docname: "SO-1", FileName: "new.txt", FileURL: "/files/new.txt", CreatedAt: base.Add(time.Hour)})
	store.SaveDocument(ctx, storage.Document{Doctype: "Sales Order", Name: "SO-1", Fields: map[string]any{"spec_sheet": "/files/spec.txt"}})

	res, err := p.ProcessAttachment(ctx, "Sales Order", "SO-1", "", "")
	if err != nil || res.TextContent != "new" {
		t.Errorf("newest = %q, %v", res.TextContent, err)
	}
	res, err = p.ProcessAttachment(ctx, "Sales Order", "SO-1", "", "old.txt")
	if err != nil || res.TextContent != "old" {
		t.Errorf("by name = %q, %v", res.TextContent, err)
	}
	res, err = p.ProcessAttachment(ctx, "Sales Order", "SO-1", "spec_sheet", "")
	if err != nil || res.TextContent != "from field" {
		t.Errorf("by field = %q, %v", res.TextContent, err)
	}

	if _, err := p.ProcessAttachment(ctx, "Sales Order", "SO-1", "", "nope.txt"); err == nil || err.Error() != "Attachment nope.txt not found" {
		t.Errorf("missing name err = %v", err)
	}
	if _, err := p.ProcessAttachment(ctx, "Sales Order", "SO-1", "missing_field", ""); err == nil || err.Error() != "No file found in field missing_field" {
		t.Errorf("missing field err = %v", err)
	}
	if _, err := p.ProcessAttachment(ctx, "Sales Order", "SO-2", "", ""); err == nil || err.Error() != "No attachments found" {
		t.Errorf("no attachments err = %v", err)
	}

	entries, _ := store.ListAudit(ctx, 1)
	if len(entries) != 1 || entries[0].Status != storage.AuditError || !strings.Contains(entries[0].Details, `"function":"process_document"`) {
		t.Errorf("last audit = %+v", entries)
	}
}
