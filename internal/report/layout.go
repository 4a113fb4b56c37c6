package report

// Column is a table column anchored at X.
type Column struct {
	Title string
	X     float64
}

// Layout holds the page geometry of the PDF report, in points. It is pure
// data: pagination depends only on it and the row count.
type Layout struct {
	PageWidth  float64
	PageHeight float64
	Margin     float64

	// TableTop is where the column header band starts on every page.
	TableTop     float64
	HeaderHeight float64
	RowHeight    float64
	// BreakAt is the cursor position past which a new page begins.
	BreakAt float64

	Columns []Column
}

// DefaultLayout is US Letter with a 50pt margin.
func DefaultLayout() Layout {
	return Layout{
		PageWidth:    612,
		PageHeight:   792,
		Margin:       50,
		TableTop:     180,
		HeaderHeight: 25,
		RowHeight:    20,
		BreakAt:      600,
		Columns: []Column{
			{Title: "Medicine", X: 50},
			{Title: "Quantity", X: 150},
			{Title: "Dispensed", X: 220},
			{Title: "Source", X: 350},
		},
	}
}

// FirstRowY is the top of the first row on any page.
func (l Layout) FirstRowY() float64 {
	return l.TableTop + l.HeaderHeight
}

// RowsPerPage is the number of rows that fit before the break position.
func (l Layout) RowsPerPage() int {
	if l.RowHeight <= 0 || l.BreakAt < l.FirstRowY() {
		return 1
	}
	return int((l.BreakAt-l.FirstRowY())/l.RowHeight) + 1
}

// PageCount is the number of pages needed for n rows. An empty report still
// has one page.
func (l Layout) PageCount(n int) int {
	per := l.RowsPerPage()
	if n <= 0 {
		return 1
	}
	return (n + per - 1) / per
}

// Paginate splits n rows into [start, end) index ranges, one per page.
func (l Layout) Paginate(n int) [][2]int {
	per := l.RowsPerPage()
	pages := make([][2]int, 0, l.PageCount(n))
	if n <= 0 {
		return append(pages, [2]int{0, 0})
	}
	for start := 0; start < n; start += per {
		end := start + per
		if end > n {
			end = n
		}
		pages = append(pages, [2]int{start, end})
	}
	return pages
}

// RowY is the top of the i-th row on its page.
func (l Layout) RowY(i int) float64 {
	return l.FirstRowY() + float64(i)*l.RowHeight
}

// ContentRight is the right edge of the printable area.
func (l Layout) ContentRight() float64 {
	return l.PageWidth - l.Margin
}
