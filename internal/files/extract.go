package files

import (
	"archive/zip"
	"bytes"
	"encoding/csv"
	"encoding/json"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/ledongthuc/pdf"
)

const (
	maxJSONInput  = 10 << 20
	maxJSONOutput = 5 << 20
	jsonPreview   = 1 << 20
)

// extractDocument returns the text of a document. Extraction failures are
// logged and yield empty text, except for json which reports them inline.
func (p *Processor) extractDocument(tmpPath string, content []byte, fileType string) string {
	var (
		text string
		err  error
	)
	switch fileType {
	case "pdf":
		text, err = pdfText(tmpPath)
	case "txt":
		text = strings.ToValidUTF8(string(content), "")
	case "csv":
		text, err = csvText(content)
	case "json":
		text = jsonText(content)
	case "docx":
		text, err = docxText(tmpPath)
	case "xlsx":
		text, err = xlsxText(tmpPath)
	}
	if err != nil {
		p.logger.Error("extracting document text", "file_type", fileType, "error", err)
		return ""
	}
	return text
}

func pdfText(path string) (string, error) {
	f, r, err := pdf.Open(path)
	if err != nil {
		return "", fmt.Errorf("open pdf: %w", err)
	}
	defer f.Close()

	var sb strings.Builder
	for i := 1; i <= r.NumPage(); i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		text, err := page.GetPlainText(nil)
		if err != nil {
			continue
		}
		sb.WriteString(text)
		sb.WriteString("\n\n")
	}
	return sb.String(), nil
}

func csvText(content []byte) (string, error) {
	r := csv.NewReader(strings.NewReader(strings.ToValidUTF8(string(content), "")))
	r.FieldsPerRecord = -1
	r.LazyQuotes = true

	var sb strings.Builder
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("reading csv: %w", err)
		}
		sb.WriteString(strings.Join(row, " | "))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func jsonText(content []byte) string {
	if len(content) > maxJSONInput {
		return "Error: JSON file exceeds size limit"
	}
	var data any
	if err := json.Unmarshal(content, &data); err != nil {
		return "Error: Invalid JSON format - " + err.Error()
	}
	pretty, err := json.MarshalIndent(data, "", "  ")
	if err != nil {
		return "Error: Could not format JSON - " + err.Error()
	}
	if len(pretty) <= maxJSONOutput {
		return string(pretty)
	}
	compact, err := json.Marshal(data)
	if err != nil {
		return "Error: Could not format JSON - " + err.Error()
	}
	if len(compact) > jsonPreview {
		compact = compact[:jsonPreview]
	}
	return string(compact) + "\n... (truncated due to size)"
}

func readZipFile(zr *zip.ReadCloser, name string) ([]byte, error) {
	for _, f := range zr.File {
		if f.Name != name {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, err
		}
		defer rc.Close()
		return io.ReadAll(rc)
	}
	return nil, fmt.Errorf("%s not found in archive", name)
}

// docxText returns one line per paragraph of word/document.xml.
func docxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open docx: %w", err)
	}
	defer zr.Close()

	data, err := readZipFile(zr, "word/document.xml")
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	dec := xml.NewDecoder(bytes.NewReader(data))
	inText := false
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return "", fmt.Errorf("parsing document.xml: %w", err)
		}
		switch t := tok.(type) {
		case xml.StartElement:
			switch t.Name.Local {
			case "t":
				inText = true
			case "tab":
				sb.WriteByte('\t')
			case "br":
				sb.WriteByte('\n')
			}
		case xml.EndElement:
			switch t.Name.Local {
			case "t":
				inText = false
			case "p":
				sb.WriteByte('\n')
			}
		case xml.CharData:
			if inText {
				sb.Write(t)
			}
		}
	}
	return sb.String(), nil
}

type sharedStrings struct {
	Items []struct {
		T    string `xml:"t"`
		Runs []struct {
			T string `xml:"t"`
		} `xml:"r"`
	} `xml:"si"`
}

type worksheet struct {
	Rows []struct {
		Cells []struct {
			Ref    string `xml:"r,attr"`
			Type   string `xml:"t,attr"`
			Value  string `xml:"v"`
			Inline struct {
				T string `xml:"t"`
			} `xml:"is"`
		} `xml:"c"`
	} `xml:"sheetData>row"`
}

// xlsxText returns the first worksheet with cells tab-joined per row.
func xlsxText(path string) (string, error) {
	zr, err := zip.OpenReader(path)
	if err != nil {
		return "", fmt.Errorf("open xlsx: %w", err)
	}
	defer zr.Close()

	var shared []string
	if data, err := readZipFile(zr, "xl/sharedStrings.xml"); err == nil {
		var ss sharedStrings
		if err := xml.Unmarshal(data, &ss); err != nil {
			return "", fmt.Errorf("parsing sharedStrings.xml: %w", err)
		}
		for _, si := range ss.Items {
			s := si.T
			for _, r := range si.Runs {
				s += r.T
			}
			shared = append(shared, s)
		}
	}

	sheet := firstSheet(zr)
	if sheet == "" {
		return "", errors.New("no worksheet in workbook")
	}
	data, err := readZipFile(zr, sheet)
	if err != nil {
		return "", err
	}
	var ws worksheet
	if err := xml.Unmarshal(data, &ws); err != nil {
		return "", fmt.Errorf("parsing %s: %w", sheet, err)
	}

	var sb strings.Builder
	for _, row := range ws.Rows {
		cells := make([]string, 0, len(row.Cells))
		for _, c := range row.Cells {
			v := c.Value
			switch c.Type {
			case "s":
				if i, err := strconv.Atoi(v); err == nil && i >= 0 && i < len(shared) {
					v = shared[i]
				}
			case "inlineStr":
				v = c.Inline.T
			}
			cells = append(cells, v)
		}
		sb.WriteString(strings.Join(cells, "\t"))
		sb.WriteByte('\n')
	}
	return sb.String(), nil
}

func firstSheet(zr *zip.ReadCloser) string {
	var sheets []string
	for _, f := range zr.File {
		if strings.HasPrefix(f.Name, "xl/worksheets/") && strings.HasSuffix(f.Name, ".xml") {
			sheets = append(sheets, f.Name)
		}
	}
	if len(sheets) == 0 {
		return ""
	}
	sort.Slice(sheets, func(i, j int) bool {
		if len(sheets[i]) != len(sheets[j]) {
			return len(sheets[i]) < len(sheets[j])
		}
		return sheets[i] < sheets[j]
	})
	return sheets[0]
}
