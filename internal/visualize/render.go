package visualize

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

const (
	chartWidth   = 800
	chartHeight  = 500
	marginLeft   = 80
	marginRight  = 30
	marginTop    = 60
	marginBottom = 120
	labelLimit   = 18
	svgNS        = "http://www.w3.org/2000/svg"
)

var palette = []string{
	"#1f77b4", "#ff7f0e", "#2ca02c", "#d62728", "#9467bd",
	"#8c564b", "#e377c2", "#7f7f7f", "#bcbd22", "#17becf",
}

func el(tag string, attrs ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(attrs); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: attrs[i], Val: attrs[i+1]})
	}
	return n
}

func textNode(s string) *html.Node {
	return &html.Node{Type: html.TextNode, Data: s}
}

func add(parent *html.Node, kids ...*html.Node) *html.Node {
	for _, k := range kids {
		parent.AppendChild(k)
	}
	return parent
}

func num(f float64) string {
	return fmt.Sprintf("%.2f", f)
}

func label(s string) string {
	r := []rune(s)
	if len(r) > labelLimit {
		return string(r[:labelLimit]) + "..."
	}
	return s
}

func render(n *html.Node) (string, error) {
	var buf bytes.Buffer
	if err := html.Render(&buf, n); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func svgURI(root *html.Node) (string, error) {
	s, err := render(root)
	if err != nil {
		return "", fmt.Errorf("rendering svg: %w", err)
	}
	return "data:image/svg+xml;base64," + base64.StdEncoding.EncodeToString([]byte(s)), nil
}

// series extracts labels from column 0 and numeric values from column 1.
func series(data Data) ([]string, []float64, error) {
	if len(data.Columns) < 2 {
		return nil, nil, errors.New("at least 2 columns required")
	}
	labels := make([]string, len(data.Rows))
	values := make([]float64, len(data.Rows))
	for i, row := range data.Rows {
		if len(row) < 2 {
			return nil, nil, fmt.Errorf("row %d has %d values", i, len(row))
		}
		labels[i] = formatCell(row[0])
		if row[1] == nil {
			continue
		}
		f, ok := toFloat(row[1])
		if !ok {
			return nil, nil, fmt.Errorf("column %q is not numeric", data.Columns[1])
		}
		values[i] = f
	}
	return labels, values, nil
}

func svgRoot(width, height int, title string) *html.Node {
	root := el("svg",
		"xmlns", svgNS,
		"width", fmt.Sprint(width),
		"height", fmt.Sprint(height),
		"viewBox", fmt.Sprintf("0 0 %d %d", width, height),
		"font-family", "sans-serif",
		"font-size", "12",
	)
	add(root,
		el("rect", "width", "100%", "height", "100%", "fill", "#ffffff"),
		add(el("text", "x", fmt.Sprint(width/2), "y", "30", "text-anchor", "middle", "font-size", "16", "font-weight", "bold"),
			textNode(title)),
	)
	return root
}

type axes struct {
	min, max float64
	plotW    float64
	plotH    float64
}

func newAxes(values []float64) axes {
	a := axes{
		plotW: chartWidth - marginLeft - marginRight,
		plotH: chartHeight - marginTop - marginBottom,
	}
	for _, v := range values {
		a.min = math.Min(a.min, v)
		a.max = math.Max(a.max, v)
	}
	if a.max == a.min {
		a.max = a.min + 1
	}
	return a
}

func (a axes) y(v float64) float64 {
	return marginTop + (a.max-v)/(a.max-a.min)*a.plotH
}

// draw adds the axis lines, y ticks and axis titles.
func (a axes) draw(root *html.Node, xTitle, yTitle string) {
	bottom := marginTop + a.plotH
	add(root,
		el("line", "x1", num(marginLeft), "y1", num(marginTop), "x2", num(marginLeft), "y2", num(bottom), "stroke", "#333"),
		el("line", "x1", num(marginLeft), "y1", num(a.y(0)), "x2", num(marginLeft+a.plotW), "y2", num(a.y(0)), "stroke", "#333"),
	)
	const ticks = 5
	for i := 0; i <= ticks; i++ {
		v := a.min + (a.max-a.min)*float64(i)/ticks
		y := a.y(v)
		add(root,
			el("line", "x1", num(marginLeft-5), "y1", num(y), "x2", num(marginLeft), "y2", num(y), "stroke", "#333"),
			add(el("text", "x", num(marginLeft-8), "y", num(y+4), "text-anchor", "end"), textNode(formatCell(round2(v)))),
		)
	}
	add(root,
		add(el("text", "x", num(marginLeft+a.plotW/2), "y", fmt.Sprint(chartHeight-10), "text-anchor", "middle"), textNode(xTitle)),
		add(el("text", "x", "15", "y", num(marginTop+a.plotH/2), "text-anchor", "middle",
			"transform", fmt.Sprintf("rotate(-90 15 %s)", num(marginTop+a.plotH/2))), textNode(yTitle)),
	)
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func xLabel(x float64, s string) *html.Node {
	y := marginTop + (chartHeight - marginTop - marginBottom) + 15
	return add(el("text", "x", num(x), "y", num(float64(y)), "text-anchor", "end",
		"transform", fmt.Sprintf("rotate(-45 %s %d)", num(x), y)), textNode(label(s)))
}

func renderBar(data Data, title string) (string, error) {
	labels, values, err := series(data)
	if err != nil {
		return "", err
	}
	a := newAxes(values)
	root := svgRoot(chartWidth, chartHeight, title)
	a.draw(root, data.Columns[0], data.Columns[1])

	step := a.plotW / float64(len(values))
	for i, v := range values {
		x := marginLeft + float64(i)*step + step*0.15
		top, bottom := a.y(v), a.y(0)
		if top > bottom {
			top, bottom = bottom, top
		}
		add(root,
			add(el("rect", "x", num(x), "y", num(top), "width", num(step*0.7), "height", num(bottom-top), "fill", palette[0]),
				add(el("title"), textNode(fmt.Sprintf("%s: %s", labels[i], formatCell(v))))),
			xLabel(x+step*0.35, labels[i]),
		)
	}
	return svgURI(root)
}

func renderLine(data Data, title string) (string, error) {
	labels, values, err := series(data)
	if err != nil {
		return "", err
	}
	a := newAxes(values)
	root := svgRoot(chartWidth, chartHeight, title)
	a.draw(root, data.Columns[0], data.Columns[1])

	xs := make([]float64, len(values))
	for i := range values {
		if len(values) == 1 {
			xs[i] = marginLeft + a.plotW/2
		} else {
			xs[i] = marginLeft + float64(i)*a.plotW/float64(len(values)-1)
		}
	}
	pts := make([]string, len(values))
	for i, v := range values {
		pts[i] = num(xs[i]) + "," + num(a.y(v))
	}
	add(root, el("polyline", "points", strings.Join(pts, " "), "fill", "none", "stroke", palette[0], "stroke-width", "2"))
	for i, v := range values {
		add(root,
			add(el("circle", "cx", num(xs[i]), "cy", num(a.y(v)), "r", "3", "fill", palette[0]),
				add(el("title"), textNode(fmt.Sprintf("%s: %s", labels[i], formatCell(v))))),
			xLabel(xs[i], labels[i]),
		)
	}
	return svgURI(root)
}

func renderPie(data Data, title string) (string, error) {
	labels, values, err := series(data)
	if err != nil {
		return "", err
	}
	var total float64
	for _, v := range values {
		if v < 0 {
			return "", errors.New("pie chart values must not be negative")
		}
		total += v
	}
	if total == 0 {
		return "", errors.New("pie chart values sum to zero")
	}

	const (
		width, height = 640, 500
		cx, cy, r     = 250.0, 270.0, 180.0
	)
	root := svgRoot(width, height, title)

	angle := -math.Pi / 2
	for i, v := range values {
		color := palette[i%len(palette)]
		sweep := v / total * 2 * math.Pi
		var slice *html.Node
		if v == total {
			slice = el("circle", "cx", num(cx), "cy", num(cy), "r", num(r), "fill", color)
		} else {
			x1, y1 := cx+r*math.Cos(angle), cy+r*math.Sin(angle)
			x2, y2 := cx+r*math.Cos(angle+sweep), cy+r*math.Sin(angle+sweep)
			large := "0"
			if sweep > math.Pi {
				large = "1"
			}
			d := fmt.Sprintf("M %s %s L %s %s A %s %s 0 %s 1 %s %s Z",
				num(cx), num(cy), num(x1), num(y1), num(r), num(r), large, num(x2), num(y2))
			slice = el("path", "d", d, "fill", color, "stroke", "#ffffff")
		}
		add(root, add(slice, add(el("title"), textNode(labels[i]))))

		if v > 0 {
			mid := angle + sweep/2
			add(root, add(el("text",
				"x", num(cx+r*0.65*math.Cos(mid)), "y", num(cy+r*0.65*math.Sin(mid)),
				"text-anchor", "middle", "fill", "#ffffff"),
				textNode(fmt.Sprintf("%.1f%%", v/total*100))))
		}

		ly := 80 + i*22
		add(root,
			el("rect", "x", "460", "y", fmt.Sprint(ly), "width", "14", "height", "14", "fill", color),
			add(el("text", "x", "480", "y", fmt.Sprint(ly+12)), textNode(label(labels[i]))),
		)
		angle += sweep
	}
	return svgURI(root)
}

const tableError = "<p>Error generating table view.</p>"

func renderTable(data Data) string {
	if len(data.Rows) == 0 {
		return "<p>No data to display.</p>"
	}
	table := el("table", "border", "0", "class", "table table-striped table-bordered")
	head := el("tr")
	for _, c := range data.Columns {
		add(head, add(el("th"), textNode(c)))
	}
	add(table, add(el("thead"), head))

	body := el("tbody")
	for _, row := range data.Rows {
		tr := el("tr")
		for i := range data.Columns {
			var v any
			if i < len(row) {
				v = row[i]
			}
			add(tr, add(el("td"), textNode(formatCell(v))))
		}
		add(body, tr)
	}
	add(table, body)

	s, err := render(table)
	if err != nil {
		slog.Error("rendering table", "error", err)
		return tableError
	}
	return s
}
