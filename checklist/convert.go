package checklist

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"regexp"
	"strings"
)

// Spreadsheet column headers.
const (
	ColumnChapter     = "Capítulo y Sección"
	ColumnRequirement = "Requisito"
	ColumnCriteria    = "Criterio de Cumplimiento"
	ColumnEvidence    = "Evidencia"
)

// IDFormat numbers converted items in row order.
const IDFormat = "REQ-%03d"

var numbering = regexp.MustCompile(`^\d+(\.\d+)*\s+`)

// ConvertCSV reads a checklist spreadsheet export. Chapter cells are
// forward-filled and stripped of leading section numbers ("3.5.2 "). Rows
// without a requirement are skipped and do not consume an id.
func ConvertCSV(r io.Reader) ([]Item, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return []Item{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, h := range header {
		h = strings.TrimSpace(strings.TrimPrefix(h, "\ufeff"))
		cols[h] = i
	}
	if _, ok := cols[ColumnRequirement]; !ok {
		return nil, fmt.Errorf("%w: missing %q column", ErrInvalid, ColumnRequirement)
	}

	field := func(rec []string, name string) string {
		i, ok := cols[name]
		if !ok || i >= len(rec) {
			return ""
		}
		return strings.TrimSpace(rec[i])
	}

	items := []Item{}
	chapter := ""
	for line := 2; ; line++ {
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", line, err)
		}

		if raw := field(rec, ColumnChapter); raw != "" {
			chapter = numbering.ReplaceAllString(raw, "")
		}
		req := field(rec, ColumnRequirement)
		if req == "" {
			continue
		}
		items = append(items, Item{
			ID:               fmt.Sprintf(IDFormat, len(items)+1),
			Chapter:          chapter,
			Requirement:      req,
			Criteria:         field(rec, ColumnCriteria),
			ExpectedEvidence: field(rec, ColumnEvidence),
		})
	}
	return items, nil
}
