// Package report renders listings into the XLSX workbook sent back to users.
package report

import (
	"fmt"

	"github.com/xuri/excelize/v2"
	"golang.org/x/text/language"
	"golang.org/x/text/message"

	"github.com/JakeFAU/divar-listing-bot/internal/listing"
)

const (
	// Filename is the attachment name used for generated workbooks.
	Filename = "cars.xlsx"
	// ContentType is the MIME type of generated workbooks.
	ContentType = "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	// SheetName is the only sheet in the workbook.
	SheetName = "cars"
)

// Columns is the header row, in output order.
var Columns = []string{
	"title", "price", "price_formatted", "km", "km_formatted",
	"bottom", "tag", "url", "image", "price_text", "km_text",
}

var numberPrinter = message.NewPrinter(language.English)

// Write renders rows into a single-sheet workbook and returns its bytes.
func Write(rows []listing.Listing) ([]byte, error) {
	f := excelize.NewFile()
	defer f.Close() //nolint:errcheck // in-memory file, nothing to flush

	if err := f.SetSheetName("Sheet1", SheetName); err != nil {
		return nil, fmt.Errorf("rename sheet: %w", err)
	}

	header := make([]any, len(Columns))
	for i, c := range Columns {
		header[i] = c
	}
	if err := f.SetSheetRow(SheetName, "A1", &header); err != nil {
		return nil, fmt.Errorf("write header: %w", err)
	}
	if err := styleHeader(f); err != nil {
		return nil, err
	}

	for i, r := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+2)
		if err != nil {
			return nil, fmt.Errorf("row %d cell name: %w", i, err)
		}
		values := rowValues(r)
		if err := f.SetSheetRow(SheetName, cell, &values); err != nil {
			return nil, fmt.Errorf("write row %d: %w", i, err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, fmt.Errorf("serialize workbook: %w", err)
	}
	return buf.Bytes(), nil
}

func rowValues(r listing.Listing) []any {
	return []any{
		r.Title,
		numberOrNil(r.Price),
		FormatThousands(r.Price),
		numberOrNil(r.KM),
		FormatThousands(r.KM),
		r.Bottom,
		r.Tag,
		r.URL,
		r.Image,
		r.PriceText,
		r.KMText,
	}
}

func styleHeader(f *excelize.File) error {
	style, err := f.NewStyle(&excelize.Style{Font: &excelize.Font{Bold: true}})
	if err != nil {
		return fmt.Errorf("create header style: %w", err)
	}
	if err := f.SetRowStyle(SheetName, 1, 1, style); err != nil {
		return fmt.Errorf("apply header style: %w", err)
	}
	if err := f.SetColWidth(SheetName, "A", "A", 40); err != nil {
		return fmt.Errorf("set title width: %w", err)
	}
	return nil
}

func numberOrNil(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// FormatThousands renders v with comma grouping, or "" when v is nil.
func FormatThousands(v *int64) string {
	if v == nil {
		return ""
	}
	return numberPrinter.Sprintf("%d", *v)
}
