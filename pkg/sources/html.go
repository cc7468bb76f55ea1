package sources

import (
	"regexp"
	"strings"

	"golang.org/x/net/html"
)

// ParseHTML parses a scraped page.
func ParseHTML(raw string) (*html.Node, error) {
	return html.Parse(strings.NewReader(raw))
}

// FindAll returns every element named tag below n in document order.
func FindAll(n *html.Node, tag string) []*html.Node {
	var out []*html.Node
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode && node.Data == tag {
			out = append(out, node)
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	if n != nil {
		walk(n)
	}
	return out
}

// FindFirst returns the first element named tag below n, or nil.
func FindFirst(n *html.Node, tag string) *html.Node {
	if n == nil {
		return nil
	}
	if n.Type == html.ElementNode && n.Data == tag {
		return n
	}
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if found := FindFirst(c, tag); found != nil {
			return found
		}
	}
	return nil
}

// Attr returns the attribute value of n, or "".
func Attr(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

// CollapseText returns the visible text below n with whitespace runs
// collapsed to single spaces.
func CollapseText(n *html.Node) string {
	if n == nil {
		return ""
	}
	var b strings.Builder
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.TextNode {
			b.WriteString(node.Data)
			return
		}
		if node.Type == html.ElementNode && (node.Data == "script" || node.Data == "style") {
			return
		}
		for c := node.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(strings.Fields(b.String()), " ")
}

// Cell is one named value of a table row.
type Cell struct {
	Name  string
	Value string
}

// Row keeps the cells of a result row in column order.
type Row []Cell

// Get returns the value of the first column matching any of names.
func (r Row) Get(names ...string) string {
	for _, name := range names {
		for _, c := range r {
			if c.Name == name && c.Value != "" {
				return c.Value
			}
		}
	}
	return ""
}

// Table is a result grid scraped from a portal listing.
type Table struct {
	Columns []string
	Rows    []Row
}

// ParseTable reads the first thead for column names and the first tbody
// for rows. Headers without text are skipped, and a leading "Opciones"
// action column is left out of every row.
func ParseTable(doc *html.Node) Table {
	var t Table
	if thead := FindFirst(doc, "thead"); thead != nil {
		for _, th := range FindAll(thead, "th") {
			if text := CollapseText(th); text != "" {
				t.Columns = append(t.Columns, text)
			}
		}
	}
	tbody := FindFirst(doc, "tbody")
	if tbody == nil || len(t.Columns) == 0 {
		return t
	}
	offset := 0
	if strings.Contains(strings.ToLower(t.Columns[0]), "opciones") {
		offset = 1
	}
	for _, tr := range FindAll(tbody, "tr") {
		cells := FindAll(tr, "td")
		if len(cells) == 0 {
			continue
		}
		row := make(Row, 0, len(t.Columns)-offset)
		for i := offset; i < len(t.Columns); i++ {
			value := ""
			if i < len(cells) {
				value = CollapseText(cells[i])
			}
			row = append(row, Cell{Name: t.Columns[i], Value: value})
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

// ParseForm returns the named inputs of a page with their preset values.
// Selects are included with an empty value.
func ParseForm(doc *html.Node) map[string]string {
	fields := make(map[string]string)
	for _, input := range FindAll(doc, "input") {
		if name := Attr(input, "name"); name != "" {
			fields[name] = Attr(input, "value")
		}
	}
	for _, sel := range FindAll(doc, "select") {
		if name := Attr(sel, "name"); name != "" {
			fields[name] = ""
		}
	}
	return fields
}

// FieldByLabel finds the first field name appearing within 500 bytes
// after label in the raw markup.
func FieldByLabel(raw, label string) string {
	re, err := regexp.Compile(`(?is)` + regexp.QuoteMeta(label) + `.{0,500}?name="([^"]+)"`)
	if err != nil {
		return ""
	}
	m := re.FindStringSubmatch(raw)
	if m == nil {
		return ""
	}
	return m[1]
}
