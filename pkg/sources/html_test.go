package sources

import "testing"

const portalListing = `<html><body>
<table>
<thead><tr><th>Opciones</th><th>Linea</th><th>Empresa</th><th>Desvio activo</th></tr></thead>
<tbody>
<tr><td><a href="#">ver</a></td><td>912345678</td><td> Acme&nbsp;SL </td><td>SI</td></tr>
<tr><td></td><td>934567890</td><td>Beta</td><td>NO</td></tr>
</tbody>
</table>
</body></html>`

func TestParseTableSkipsOptionsColumn(t *testing.T) {
	doc, err := ParseHTML(portalListing)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	table := ParseTable(doc)
	if len(table.Columns) != 4 {
		t.Fatalf("unexpected columns: %v", table.Columns)
	}
	if len(table.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(table.Rows))
	}
	first := table.Rows[0]
	if len(first) != 3 || first[0].Name != "Linea" {
		t.Fatalf("expected row to start at Linea, got %+v", first)
	}
	if got := first.Get("Línea", "Linea"); got != "912345678" {
		t.Fatalf("unexpected line: %q", got)
	}
	if got := first.Get("Empresa"); got != "Acme SL" {
		t.Fatalf("expected collapsed text, got %q", got)
	}
}

func TestParseTableWithoutBody(t *testing.T) {
	doc, _ := ParseHTML(`<table><thead><tr><th>A</th></tr></thead></table>`)
	table := ParseTable(doc)
	if len(table.Rows) != 0 {
		t.Fatalf("expected no rows, got %d", len(table.Rows))
	}
}

const searchForm = `<form method="post">
<div><label>Teléfono</label><input type="text" name="f_tel" value=""></div>
<div><label>Estado</label><select name="f_estado"><option>x</option></select></div>
<input type="hidden" name="csrf" value="abc123">
</form>`

func TestParseFormAndFieldByLabel(t *testing.T) {
	doc, _ := ParseHTML(searchForm)
	fields := ParseForm(doc)
	if fields["csrf"] != "abc123" {
		t.Fatalf("expected hidden value kept, got %q", fields["csrf"])
	}
	if v, ok := fields["f_estado"]; !ok || v != "" {
		t.Fatalf("expected select present and empty, got %q %v", v, ok)
	}
	if got := FieldByLabel(searchForm, "Teléfono"); got != "f_tel" {
		t.Fatalf("unexpected phone field %q", got)
	}
	if got := FieldByLabel(searchForm, "estado"); got != "f_estado" {
		t.Fatalf("label match should be case-insensitive, got %q", got)
	}
	if got := FieldByLabel(searchForm, "IUA"); got != "" {
		t.Fatalf("expected no match, got %q", got)
	}
}
