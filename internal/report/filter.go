// Package report filters dispense history and renders it as a paginated PDF
// report or an XLSX export.
package report

import (
	"net/url"
	"sort"
	"strings"
	"time"

	"golang.org/x/text/cases"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

// MissingFilterMessage is returned when a PDF report is requested without
// any filter.
const MissingFilterMessage = "Please apply at least one filter (date range or medicine name) to generate the report"

// Filter narrows the dispense history. Zero values mean "any".
type Filter struct {
	MedicineName string
	// StartDate is the first instant included (start of a UTC day).
	StartDate *time.Time
	// EndDate is the last instant included (end of a UTC day).
	EndDate *time.Time
}

// ParseFilter reads medicineName, startDate and endDate from a query string.
// Dates accept YYYY-MM-DD or RFC 3339 and are widened to whole UTC days.
func ParseFilter(q url.Values) (Filter, error) {
	f := Filter{MedicineName: strings.TrimSpace(q.Get("medicineName"))}

	var invalid []string
	if raw := strings.TrimSpace(q.Get("startDate")); raw != "" {
		t, ok := parseDate(raw)
		if !ok {
			invalid = append(invalid, "startDate")
		} else {
			start, _ := inventory.DayBounds(t)
			f.StartDate = &start
		}
	}
	if raw := strings.TrimSpace(q.Get("endDate")); raw != "" {
		t, ok := parseDate(raw)
		if !ok {
			invalid = append(invalid, "endDate")
		} else {
			_, end := inventory.DayBounds(t)
			f.EndDate = &end
		}
	}
	if len(invalid) > 0 {
		return Filter{}, &inventory.ValidationError{Message: "invalid date, expected YYYY-MM-DD", Fields: invalid}
	}
	return f, nil
}

func parseDate(s string) (time.Time, bool) {
	if t, err := time.Parse("2006-01-02", s); err == nil {
		return t, true
	}
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, true
	}
	return time.Time{}, false
}

// Empty reports whether no criterion is set.
func (f Filter) Empty() bool {
	return f.MedicineName == "" && f.StartDate == nil && f.EndDate == nil
}

// Apply returns the entries matching f, newest first. The input is not
// modified.
func (f Filter) Apply(entries []*inventory.HistoryEntry) []*inventory.HistoryEntry {
	fold := cases.Fold()
	needle := fold.String(f.MedicineName)

	out := make([]*inventory.HistoryEntry, 0, len(entries))
	for _, e := range entries {
		if f.StartDate != nil && e.DispensedAt.Before(*f.StartDate) {
			continue
		}
		if f.EndDate != nil && e.DispensedAt.After(*f.EndDate) {
			continue
		}
		if needle != "" && !strings.Contains(fold.String(e.MedicineName), needle) {
			continue
		}
		out = append(out, e)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].DispensedAt.After(out[j].DispensedAt) })
	return out
}
