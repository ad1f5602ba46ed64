// Package schema infers coarse destination-table schemas from the
// header row and a short sample of data rows of a delimited table file.
// The schema is mechanical, not hand-curated: column names come from
// the header, types from what the sampled cells look like.
package schema

import (
	"strconv"
	"strings"

	"github.com/araddon/dateparse"

	"github.com/nbowen/patload/internal/domain"
)

// Infer builds the schema for table from its header and sampled rows.
// Each column's type is the widened join of the votes cast by its
// sampled cells; a column with no non-empty samples defaults to text.
func Infer(table string, header []string, sample [][]string) domain.TableSchema {
	cols := make([]domain.Column, len(header))
	for i, name := range header {
		cols[i] = domain.Column{Name: normalizeName(name, i), Type: ""}
	}

	for _, row := range sample {
		for i := range cols {
			if i >= len(row) {
				break
			}
			cell := strings.TrimSpace(row[i])
			if cell == "" {
				continue
			}
			vote := Sniff(cell)
			if cols[i].Type == "" {
				cols[i].Type = vote
			} else {
				cols[i].Type = cols[i].Type.Widen(vote)
			}
		}
	}

	for i := range cols {
		if cols[i].Type == "" {
			cols[i].Type = domain.ColumnText
		}
	}
	return domain.TableSchema{Table: table, Columns: cols}
}

// Sniff classifies a single non-empty cell.
func Sniff(cell string) domain.ColumnType {
	if _, err := strconv.ParseInt(cell, 10, 64); err == nil {
		return domain.ColumnInteger
	}
	if _, err := strconv.ParseFloat(cell, 64); err == nil {
		return domain.ColumnFloat
	}
	if looksLikeDate(cell) {
		return domain.ColumnDate
	}
	return domain.ColumnText
}

// looksLikeDate accepts date-shaped strings only. The separator guard
// keeps dateparse from claiming plain numbers or free text.
func looksLikeDate(cell string) bool {
	if len(cell) < 8 || len(cell) > 35 {
		return false
	}
	if !strings.ContainsAny(cell, "-/:") {
		return false
	}
	_, err := dateparse.ParseAny(cell)
	return err == nil
}

// normalizeName turns a raw header cell into a safe column name.
// Blank headers get a positional name so the column is still loadable.
func normalizeName(raw string, idx int) string {
	name := strings.ToLower(strings.TrimSpace(raw))
	name = strings.Trim(name, `"'`)
	name = strings.ReplaceAll(name, " ", "_")
	name = strings.ReplaceAll(name, "-", "_")
	if name == "" {
		return "column_" + strconv.Itoa(idx+1)
	}
	return name
}
