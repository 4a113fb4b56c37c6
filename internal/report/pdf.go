package report

import (
	"bytes"
	"fmt"
	"strconv"
	"time"

	"github.com/go-pdf/fpdf"
	"golang.org/x/text/encoding"
	"golang.org/x/text/encoding/charmap"
	"golang.org/x/text/transform"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

const (
	// Title heads every page.
	Title = "Medical System - Dispense History Report"
	// NoRecordsText replaces the table body when nothing matched.
	NoRecordsText = "No dispense records found for the selected filters."

	timestampLayout = "2006-01-02 15:04"
	fontFamily      = "Helvetica"
)

// Renderer draws the dispense history report.
type Renderer struct {
	layout   Layout
	location *time.Location
	now      func() time.Time
	compress bool
}

// NewRenderer creates a renderer printing timestamps in loc (UTC when nil).
func NewRenderer(loc *time.Location) *Renderer {
	if loc == nil {
		loc = time.UTC
	}
	return &Renderer{
		layout:   DefaultLayout(),
		location: loc,
		now:      time.Now,
		compress: true,
	}
}

// WithClock overrides the time source. Used by tests.
func (r *Renderer) WithClock(now func() time.Time) *Renderer {
	r.now = now
	return r
}

// WithCompression toggles stream compression; tests disable it to inspect
// page text.
func (r *Renderer) WithCompression(on bool) *Renderer {
	r.compress = on
	return r
}

// Layout returns the page geometry in use.
func (r *Renderer) Layout() Layout {
	return r.layout
}

// Render builds the whole document in memory. Nothing is returned on error.
func (r *Renderer) Render(f Filter, entries []*inventory.HistoryEntry) ([]byte, error) {
	generated := r.now().In(r.location)
	l := r.layout

	pdf := fpdf.New("P", "pt", "Letter", "")
	pdf.SetCompression(r.compress)
	pdf.SetMargins(l.Margin, l.Margin, l.Margin)
	pdf.SetAutoPageBreak(false, 0)
	pdf.SetTitle(Title, false)
	pdf.SetCreator("Medical System", false)
	pdf.SetCreationDate(generated)

	pages := l.Paginate(len(entries))
	for p, span := range pages {
		pdf.AddPage()
		if p == 0 {
			r.firstPageHeader(pdf, f, generated)
		} else {
			r.pageHeader(pdf, generated)
		}
		r.tableHeader(pdf)

		if len(entries) == 0 {
			pdf.SetFont(fontFamily, "I", 11)
			pdf.Text(l.Margin, l.FirstRowY()+14, encode(NoRecordsText))
			continue
		}
		for i, e := range entries[span[0]:span[1]] {
			r.row(pdf, l.RowY(i), e)
		}
	}

	// Footers need the final page count, so they are drawn once every page
	// exists.
	total := pdf.PageCount()
	for i := 1; i <= total; i++ {
		pdf.SetPage(i)
		r.footer(pdf, i, total, generated)
	}

	if err := pdf.Error(); err != nil {
		return nil, fmt.Errorf("render report: %w", err)
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("write report: %w", err)
	}
	return buf.Bytes(), nil
}

func (r *Renderer) firstPageHeader(pdf *fpdf.Fpdf, f Filter, generated time.Time) {
	m := r.layout.Margin

	pdf.SetFont(fontFamily, "B", 20)
	pdf.Text(m, m+20, encode(Title))
	pdf.SetFont(fontFamily, "", 12)
	pdf.Text(m, m+45, encode("Generated on: "+generated.Format(timestampLayout+" MST")))

	pdf.SetFont(fontFamily, "B", 12)
	pdf.Text(m, m+70, "Filters Applied:")
	pdf.SetFont(fontFamily, "", 11)
	pdf.Text(m, m+88, encode(fmt.Sprintf("From: %s    To: %s", dayOrAny(f.StartDate), dayOrAny(f.EndDate))))
	name := f.MedicineName
	if name == "" {
		name = "Any"
	}
	pdf.Text(m, m+104, encode("Medicine: "+name))
}

func (r *Renderer) pageHeader(pdf *fpdf.Fpdf, generated time.Time) {
	m := r.layout.Margin

	pdf.SetFont(fontFamily, "B", 16)
	pdf.Text(m, m+20, encode(Title))
	pdf.SetFont(fontFamily, "", 10)
	pdf.Text(m, m+40, encode("Generated on: "+generated.Format(timestampLayout+" MST")))
}

func (r *Renderer) tableHeader(pdf *fpdf.Fpdf) {
	l := r.layout

	pdf.SetFillColor(235, 235, 235)
	pdf.Rect(l.Margin, l.TableTop, l.ContentRight()-l.Margin, l.HeaderHeight, "F")
	pdf.SetFont(fontFamily, "B", 11)
	for _, c := range l.Columns {
		pdf.Text(c.X+4, l.TableTop+16, c.Title)
	}
	pdf.SetDrawColor(0, 0, 0)
	pdf.SetLineWidth(1)
	pdf.Line(l.Margin, l.FirstRowY(), l.ContentRight(), l.FirstRowY())
}

func (r *Renderer) row(pdf *fpdf.Fpdf, y float64, e *inventory.HistoryEntry) {
	l := r.layout
	cells := []string{
		e.MedicineName,
		strconv.Itoa(e.Quantity),
		e.DispensedAt.In(r.location).Format(timestampLayout),
		e.Source.Label(),
	}

	pdf.SetFont(fontFamily, "", 10)
	for i, c := range l.Columns {
		pdf.Text(c.X+4, y+14, encode(fit(pdf, cells[i], r.columnWidth(i)-8)))
	}
	pdf.SetDrawColor(200, 200, 200)
	pdf.SetLineWidth(0.5)
	pdf.Line(l.Margin, y+l.RowHeight, l.ContentRight(), y+l.RowHeight)
}

func (r *Renderer) columnWidth(i int) float64 {
	cols := r.layout.Columns
	if i+1 < len(cols) {
		return cols[i+1].X - cols[i].X
	}
	return r.layout.ContentRight() - cols[i].X
}

// footer is drawn after the body. Font selection is not carried across
// pages, so it opens with bold 10pt, which the body never uses.
func (r *Renderer) footer(pdf *fpdf.Fpdf, page, total int, generated time.Time) {
	l := r.layout
	w, h := l.PageWidth, l.PageHeight

	pdf.SetFont(fontFamily, "B", 10)
	pdf.Text(l.Margin, h-100, encode(Title))

	pdf.SetFont(fontFamily, "", 9)
	electronic := "This report is generated electronically."
	pdf.Text(l.ContentRight()-pdf.GetStringWidth(electronic), h-90, electronic)

	pageLabel := fmt.Sprintf("Page %d of %d", page, total)
	pdf.Text((w-pdf.GetStringWidth(pageLabel))/2, h-80, pageLabel)

	pdf.Text(w-200, h-65, "Digital Signature:")
	pdf.SetDrawColor(0, 0, 0)
	pdf.SetLineWidth(0.75)
	pdf.Line(w-200, h-60, w-50, h-60)

	pdf.SetFont(fontFamily, "I", 8)
	pdf.Text(w-200, h-50, encode("Validated by Medical System on "+generated.Format(timestampLayout)))
}

func dayOrAny(t *time.Time) string {
	if t == nil {
		return "Any"
	}
	return inventory.DayKey(*t)
}

// fit truncates s with an ellipsis until it is at most width points wide in
// the current font.
func fit(pdf *fpdf.Fpdf, s string, width float64) string {
	if pdf.GetStringWidth(encode(s)) <= width {
		return s
	}
	runes := []rune(s)
	for len(runes) > 0 {
		runes = runes[:len(runes)-1]
		candidate := string(runes) + "..."
		if pdf.GetStringWidth(encode(candidate)) <= width {
			return candidate
		}
	}
	return ""
}

// encode converts UTF-8 to Windows-1252 for the core PDF fonts. Runes
// outside the code page become '?'.
func encode(s string) string {
	out, _, err := transform.String(encoding.ReplaceUnsupported(charmap.Windows1252.NewEncoder()), s)
	if err != nil {
		return s
	}
	return out
}
