package report_test

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
	"github.com/drfirst/go-dispensary/internal/report"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

var generatedAt = time.Date(2024, time.March, 15, 9, 30, 0, 0, time.UTC)

func entry(name string, qty int, at time.Time, source inventory.Source) *inventory.HistoryEntry {
	return &inventory.HistoryEntry{
		ID:           fmt.Sprintf("%s-%d", name, at.UnixNano()),
		MedicineID:   "med-" + strings.ToLower(name),
		MedicineName: name,
		Quantity:     qty,
		DispensedAt:  at,
		Source:       source,
	}
}

func manyEntries(n int) []*inventory.HistoryEntry {
	base := time.Date(2024, time.January, 1, 8, 0, 0, 0, time.UTC)
	out := make([]*inventory.HistoryEntry, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, entry("Paracetamol", i+1, base.Add(time.Duration(i)*time.Hour), inventory.SourceManual))
	}
	return out
}

func renderUncompressed(t *testing.T, f report.Filter, entries []*inventory.HistoryEntry) string {
	t.Helper()
	r := report.NewRenderer(time.UTC).
		WithClock(func() time.Time { return generatedAt }).
		WithCompression(false)
	out, err := r.Render(f, entries)
	require.NoError(t, err)
	require.True(t, bytes.HasPrefix(out, []byte("%PDF-")))
	return string(out)
}

// =============================================================================
// FILTER TESTS
// =============================================================================

func TestParseFilter_DatesWidenToWholeDays(t *testing.T) {
	// GIVEN: A date range given as plain days
	q := url.Values{"startDate": {"2024-01-01"}, "endDate": {"2024-01-31"}}

	// WHEN: Parsing the query
	f, err := report.ParseFilter(q)

	// THEN: Start is midnight and end is the last instant of the day
	require.NoError(t, err)
	require.NotNil(t, f.StartDate)
	require.NotNil(t, f.EndDate)
	assert.Equal(t, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), *f.StartDate)
	assert.Equal(t, time.Date(2024, 1, 31, 23, 59, 59, 999999999, time.UTC), *f.EndDate)
	assert.False(t, f.Empty())
}

func TestParseFilter_AcceptsRFC3339(t *testing.T) {
	f, err := report.ParseFilter(url.Values{"startDate": {"2024-02-10T15:04:05Z"}})

	require.NoError(t, err)
	assert.Equal(t, time.Date(2024, 2, 10, 0, 0, 0, 0, time.UTC), *f.StartDate)
	assert.Nil(t, f.EndDate)
}

func TestParseFilter_InvalidDate(t *testing.T) {
	// GIVEN: A malformed end date
	// WHEN: Parsing
	// THEN: A validation error names the field
	_, err := report.ParseFilter(url.Values{"endDate": {"31/01/2024"}})

	require.Error(t, err)
	assert.ErrorIs(t, err, inventory.ErrValidation)
	var verr *inventory.ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, []string{"endDate"}, verr.Fields)
}

func TestFilter_EmptyWithoutCriteria(t *testing.T) {
	f, err := report.ParseFilter(url.Values{"medicineName": {"   "}})

	require.NoError(t, err)
	assert.True(t, f.Empty())
}

func TestFilter_Apply_WindowAndName(t *testing.T) {
	// GIVEN: Records on Dec 31, Jan 15 and Feb 1
	entries := []*inventory.HistoryEntry{
		entry("Amoxicillin", 1, time.Date(2023, 12, 31, 23, 59, 0, 0, time.UTC), inventory.SourceManual),
		entry("Amoxicillin", 2, time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC), inventory.SourceConsultation),
		entry("Ibuprofen", 3, time.Date(2024, 1, 31, 23, 0, 0, 0, time.UTC), inventory.SourceManual),
		entry("Amoxicillin", 4, time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC), inventory.SourceManual),
	}
	f, err := report.ParseFilter(url.Values{
		"startDate":    {"2024-01-01"},
		"endDate":      {"2024-01-31"},
		"medicineName": {"amoxi"},
	})
	require.NoError(t, err)

	// WHEN: Applying the January window with a lowercase partial name
	got := f.Apply(entries)

	// THEN: Only the January Amoxicillin record matches
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Quantity)
}

func TestFilter_Apply_MidMonthWindow(t *testing.T) {
	// GIVEN: Records on 2024-01-01, 2024-01-15 and 2024-02-01
	entries := []*inventory.HistoryEntry{
		entry("Paracetamol", 1, time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), inventory.SourceManual),
		entry("Paracetamol", 2, time.Date(2024, 1, 15, 12, 0, 0, 0, time.UTC), inventory.SourceManual),
		entry("Paracetamol", 3, time.Date(2024, 2, 1, 12, 0, 0, 0, time.UTC), inventory.SourceManual),
	}
	f, err := report.ParseFilter(url.Values{
		"startDate": {"2024-01-10"},
		"endDate":   {"2024-01-31"},
	})
	require.NoError(t, err)

	// WHEN: Applying 2024-01-10..2024-01-31
	got := f.Apply(entries)

	// THEN: Only the 2024-01-15 record remains
	require.Len(t, got, 1)
	assert.Equal(t, 2, got[0].Quantity)
}

func TestFilter_Apply_CaseFoldingAndOrder(t *testing.T) {
	// GIVEN: Unordered records with mixed-case names
	entries := []*inventory.HistoryEntry{
		entry("STRASSE Drops", 1, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC), inventory.SourceManual),
		entry("Straße Drops", 2, time.Date(2024, 1, 3, 0, 0, 0, 0, time.UTC), inventory.SourceManual),
		entry("Other", 3, time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC), inventory.SourceManual),
	}

	// WHEN: Filtering by a folded name
	got := report.Filter{MedicineName: "strasse"}.Apply(entries)

	// THEN: Both spellings match and the newest comes first
	require.Len(t, got, 2)
	assert.Equal(t, 2, got[0].Quantity)
	assert.Equal(t, 1, got[1].Quantity)
}

// =============================================================================
// LAYOUT TESTS
// =============================================================================

func TestLayout_RowsPerPage(t *testing.T) {
	l := report.DefaultLayout()

	assert.Equal(t, 20, l.RowsPerPage())
	assert.Equal(t, 205.0, l.FirstRowY())
	assert.LessOrEqual(t, l.RowY(l.RowsPerPage()-1), l.BreakAt)
	assert.Greater(t, l.RowY(l.RowsPerPage()), l.BreakAt)
}

func TestLayout_PageCount(t *testing.T) {
	l := report.DefaultLayout()

	cases := map[int]int{0: 1, 1: 1, 20: 1, 21: 2, 40: 2, 41: 3, 45: 3}
	for rows, pages := range cases {
		assert.Equal(t, pages, l.PageCount(rows), "rows=%d", rows)
		assert.Len(t, l.Paginate(rows), pages, "rows=%d", rows)
	}
}

func TestLayout_PaginateCoversEveryRowOnce(t *testing.T) {
	l := report.DefaultLayout()

	spans := l.Paginate(45)

	assert.Equal(t, [][2]int{{0, 20}, {20, 40}, {40, 45}}, spans)
}

// =============================================================================
// PDF TESTS
// =============================================================================

func TestRender_PageFootersShareTotal(t *testing.T) {
	// GIVEN: 45 records, which need three pages
	f := report.Filter{MedicineName: "Paracetamol"}

	// WHEN: Rendering the report
	out := renderUncompressed(t, f, manyEntries(45))

	// THEN: Every page carries "Page i of 3" exactly once
	for i := 1; i <= 3; i++ {
		assert.Equal(t, 1, strings.Count(out, fmt.Sprintf("(Page %d of 3)", i)), "page %d", i)
	}
	assert.NotContains(t, out, "Page 4 of")
	assert.Equal(t, 3, strings.Count(out, "(This report is generated electronically.)"))
	assert.Equal(t, 3, strings.Count(out, "(Digital Signature:)"))
}

func TestRender_FirstPageListsFilters(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	f := report.Filter{StartDate: &start}

	out := renderUncompressed(t, f, manyEntries(3))

	assert.Contains(t, out, "(Filters Applied:)")
	assert.Contains(t, out, "(From: 2024-01-01    To: Any)")
	assert.Contains(t, out, "(Medicine: Any)")
	assert.Contains(t, out, "(Generated on: 2024-03-15 09:30 UTC)")
	assert.Contains(t, out, "(manual dispence)")
	assert.Contains(t, out, "(Page 1 of 1)")
}

func TestRender_NoRecords(t *testing.T) {
	// GIVEN: A filter that matched nothing
	f := report.Filter{MedicineName: "Nothing"}

	// WHEN: Rendering
	out := renderUncompressed(t, f, nil)

	// THEN: One page with the empty notice and its footer
	assert.Contains(t, out, "("+report.NoRecordsText+")")
	assert.Contains(t, out, "(Page 1 of 1)")
}

func TestRender_UsesReportTimezone(t *testing.T) {
	loc := time.FixedZone("UTC+3", 3*60*60)
	r := report.NewRenderer(loc).
		WithClock(func() time.Time { return generatedAt }).
		WithCompression(false)

	out, err := r.Render(report.Filter{MedicineName: "x"}, []*inventory.HistoryEntry{
		entry("Cetirizine", 1, time.Date(2024, 1, 1, 22, 15, 0, 0, time.UTC), inventory.SourceConsultation),
	})

	require.NoError(t, err)
	assert.Contains(t, string(out), "(2024-01-02 01:15)")
	assert.Contains(t, string(out), "(consultation dispence)")
}

func TestRender_TranscodesToWindows1252(t *testing.T) {
	out := renderUncompressed(t, report.Filter{MedicineName: "Café"}, []*inventory.HistoryEntry{
		entry("Café Syrup", 1, generatedAt, inventory.SourceManual),
	})

	// é is 0xE9 in Windows-1252
	assert.Contains(t, out, "Caf\xe9 Syrup")
	assert.NotContains(t, out, "Café Syrup")
}

// =============================================================================
// XLSX TESTS
// =============================================================================

func TestExport_WritesHeaderAndRows(t *testing.T) {
	// GIVEN: One consultation record with resolved references
	apptDate := time.Date(2024, 1, 2, 10, 0, 0, 0, time.UTC)
	e := entry("Amoxicillin", 2, time.Date(2024, 1, 2, 10, 30, 0, 0, time.UTC), inventory.SourceConsultation)
	e.DispensedBy = &inventory.UserRef{ID: "u-1", Name: "Dr. Rao"}
	e.Appointment = &inventory.AppointmentRef{ID: "a-1", PatientFirstName: "Ana", PatientLastName: "Lopez", AppointmentDate: &apptDate}

	// WHEN: Exporting
	data, err := report.Export([]*inventory.HistoryEntry{e}, time.UTC)
	require.NoError(t, err)

	// THEN: The workbook holds the header and the row
	wb, err := excelize.OpenReader(bytes.NewReader(data))
	require.NoError(t, err)
	defer wb.Close()

	rows, err := wb.GetRows(report.SheetName)
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Medicine", rows[0][0])
	assert.Equal(t, []string{"Amoxicillin", "2", "2024-01-02 10:30", "consultation dispence", "Dr. Rao", "Ana Lopez", "2024-01-02 10:00"}, rows[1])
}
