// Package visualize picks and renders a chart or table for query results.
package visualize

import (
	"fmt"
	"log/slog"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// Visualization types.
const (
	TypeImage   = "image_uri"
	TypeTable   = "html_table"
	TypeMessage = "message"
)

// Chart kinds.
const (
	Bar   = "bar"
	Line  = "line"
	Pie   = "pie"
	Table = "table"
)

const (
	maxBarRows = 15
	maxPieRows = 10
	titleLimit = 50
)

// Data is a result set with ordered columns.
type Data struct {
	Columns []string
	Rows    [][]any
}

type Visualization struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Title   string `json:"chart_title"`
}

type colKind int

const (
	kindCategorical colKind = iota
	kindNumeric
	kindDatetime
)

// Choose renders data as the requested chart kind, or as the kind inferred
// from the data shape and the question when requested is empty.
func Choose(data Data, query, generatedSQL, requested string) Visualization {
	if len(data.Rows) == 0 {
		return Visualization{Type: TypeMessage, Content: "No data returned from the query to visualize.", Title: "Empty Result"}
	}
	requested = strings.ToLower(strings.TrimSpace(requested))
	ncols := len(data.Columns)

	if requested == Pie && (ncols < 2 || len(data.Rows) > maxPieRows) {
		return Visualization{
			Type:    TypeMessage,
			Content: "A pie chart is not suitable for this data (requires 2 columns and few categories). I can provide a table.",
			Title:   "Visualization Request",
		}
	}
	if (requested == Line || requested == Bar) && ncols < 2 {
		return Visualization{
			Type:    TypeMessage,
			Content: "A " + requested + " chart requires at least 2 columns of data. I can provide a table.",
			Title:   "Visualization Request",
		}
	}

	kind, title := Infer(data, query)
	switch requested {
	case Bar, Line, Pie, Table:
		kind = requested
		title = strings.ToUpper(requested[:1]) + requested[1:] + " Chart for: " + shorten(query)
	}

	var uri string
	var err error
	switch kind {
	case Bar:
		uri, err = renderBar(data, title)
	case Line:
		uri, err = renderLine(data, title)
	case Pie:
		if len(data.Rows) > maxPieRows {
			return Visualization{
				Type:    TypeMessage,
				Content: "Pie chart is not suitable for this data (too many categories). Try a bar chart.",
				Title:   title,
			}
		}
		uri, err = renderPie(data, title)
	}
	if err != nil {
		slog.Warn("chart rendering failed, falling back to table", "kind", kind, "sql", generatedSQL, "error", err)
	}
	if kind != Table && err == nil && uri != "" {
		return Visualization{Type: TypeImage, Content: uri, Title: title}
	}

	return Visualization{Type: TypeTable, Content: renderTable(data), Title: "Table View: " + shorten(query)}
}

// Infer returns the chart kind best suited to data and the default title.
func Infer(data Data, query string) (string, string) {
	title := "Visualization for: " + shorten(query)
	if len(data.Rows) == 0 {
		return Table, "Query Results"
	}
	if len(data.Columns) != 2 {
		return Table, title
	}

	col1 := columnKind(data.Rows, 0)
	col2 := columnKind(data.Rows, 1)
	rows := len(data.Rows)

	if (col1 == kindCategorical || col1 == kindDatetime) && col2 == kindNumeric {
		q := strings.ToLower(query)
		timeLike := strings.Contains(q, "month") || strings.Contains(q, "date") || strings.Contains(q, "time")
		if (timeLike || col1 == kindDatetime) && rows > 1 {
			return Line, title
		}
		if col1 == kindCategorical && rows <= maxPieRows {
			return Pie, title
		}
		if rows <= maxBarRows {
			return Bar, title
		}
	}
	return Table, title
}

func shorten(q string) string {
	r := []rune(q)
	if len(r) > titleLimit {
		return string(r[:titleLimit]) + "..."
	}
	return q
}

// columnKind classifies column i over all of its non-nil values.
func columnKind(rows [][]any, i int) colKind {
	numeric, datetime, seen := true, true, false
	for _, row := range rows {
		if i >= len(row) || row[i] == nil {
			continue
		}
		seen = true
		v := row[i]
		if _, ok := toFloat(v); !ok {
			numeric = false
		}
		if _, ok := toTime(v); !ok {
			datetime = false
		}
	}
	switch {
	case !seen:
		return kindCategorical
	case numeric:
		return kindNumeric
	case datetime:
		return kindDatetime
	}
	return kindCategorical
}

func toFloat(v any) (float64, bool) {
	switch x := v.(type) {
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		return f, err == nil
	case []byte:
		f, err := strconv.ParseFloat(strings.TrimSpace(string(x)), 64)
		return f, err == nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return float64(rv.Int()), true
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return float64(rv.Uint()), true
	case reflect.Float32, reflect.Float64:
		return rv.Float(), true
	}
	return 0, false
}

func toTime(v any) (time.Time, bool) {
	var s string
	switch x := v.(type) {
	case time.Time:
		return x, true
	case string:
		s = x
	case []byte:
		s = string(x)
	default:
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

func formatCell(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case []byte:
		return string(x)
	case time.Time:
		if x.Hour() == 0 && x.Minute() == 0 && x.Second() == 0 {
			return x.Format("2006-01-02")
		}
		return x.Format("2006-01-02 15:04:05")
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case float32:
		return strconv.FormatFloat(float64(x), 'f', -1, 32)
	case bool:
		return strconv.FormatBool(x)
	}
	if f, ok := toFloat(v); ok {
		return strconv.FormatFloat(f, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
