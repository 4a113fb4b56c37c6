package report

import (
	"fmt"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/drfirst/go-dispensary/internal/domain/inventory"
)

// SheetName is the worksheet holding the export.
const SheetName = "Dispense History"

var exportHeader = []interface{}{
	"Medicine", "Quantity", "Dispensed At", "Source", "Dispensed By", "Patient", "Appointment Date",
}

// Export writes the entries to a single-sheet workbook. Timestamps are
// printed in loc.
func Export(entries []*inventory.HistoryEntry, loc *time.Location) ([]byte, error) {
	if loc == nil {
		loc = time.UTC
	}

	f := excelize.NewFile()
	defer f.Close()

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}
	if err := f.SetSheetRow(SheetName, "A1", &exportHeader); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	bold, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return nil, fmt.Errorf("create style: %w", err)
	}
	if err := f.SetCellStyle(SheetName, "A1", "G1", bold); err != nil {
		return nil, fmt.Errorf("style header: %w", err)
	}

	for i, e := range entries {
		var by, patient, apptDate string
		if e.DispensedBy != nil {
			by = e.DispensedBy.Name
			if by == "" {
				by = e.DispensedBy.ID
			}
		}
		if e.Appointment != nil {
			patient = e.Appointment.PatientName()
			if e.Appointment.AppointmentDate != nil {
				apptDate = e.Appointment.AppointmentDate.In(loc).Format(timestampLayout)
			}
		}
		row := []interface{}{
			e.MedicineName,
			e.Quantity,
			e.DispensedAt.In(loc).Format(timestampLayout),
			e.Source.Label(),
			by,
			patient,
			apptDate,
		}
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, err
		}
		if err := f.SetSheetRow(SheetName, cell, &row); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i+2, err)
		}
	}

	if err := f.SetColWidth(SheetName, "A", "A", 30); err != nil {
		return nil, err
	}
	if err := f.SetColWidth(SheetName, "C", "G", 20); err != nil {
		return nil, err
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("write workbook: %w", err)
	}
	return buf.Bytes(), nil
}
