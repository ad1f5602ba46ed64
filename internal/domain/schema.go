package domain

// ColumnType is the coarse type assigned to a column during inference.
type ColumnType string

const (
	ColumnInteger ColumnType = "integer"
	ColumnFloat   ColumnType = "float"
	ColumnDate    ColumnType = "date"
	ColumnText    ColumnType = "text"
)

// Widen returns the narrowest type that can hold values of both t and
// other. Integer widens to Float, everything widens to Text; Date only
// mixes with Date, otherwise the result is Text.
func (t ColumnType) Widen(other ColumnType) ColumnType {
	if t == other {
		return t
	}
	if t == ColumnText || other == ColumnText {
		return ColumnText
	}
	if (t == ColumnInteger && other == ColumnFloat) || (t == ColumnFloat && other == ColumnInteger) {
		return ColumnFloat
	}
	return ColumnText
}

// Column is one named, typed column of an inferred schema.
type Column struct {
	Name string
	Type ColumnType
}

// TableSchema describes the destination table derived from a table
// file's header row and a sample of its data rows.
type TableSchema struct {
	Table   string
	Columns []Column
}

// Equal reports whether two schemas have the same columns in the same
// order with the same types. Used to enforce append-match: once a table
// has been created the schema is never silently altered.
func (s TableSchema) Equal(other TableSchema) bool {
	if s.Table != other.Table || len(s.Columns) != len(other.Columns) {
		return false
	}
	for i, c := range s.Columns {
		if c != other.Columns[i] {
			return false
		}
	}
	return true
}

// ColumnNames returns the column names in declaration order.
func (s TableSchema) ColumnNames() []string {
	names := make([]string, len(s.Columns))
	for i, c := range s.Columns {
		names[i] = c.Name
	}
	return names
}
