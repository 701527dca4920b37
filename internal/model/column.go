package model

import (
	"strings"
	"unicode"
)

// ColumnType is the schema descriptor for a dynamically discovered column.
type ColumnType int

const (
	Unknown ColumnType = iota
	Integer
	Numeric
	Text
	Boolean
)

func (c ColumnType) String() string {
	switch c {
	case Integer:
		return "integer"
	case Numeric:
		return "numeric"
	case Text:
		return "text"
	case Boolean:
		return "boolean"
	}
	return "unknown"
}

// SQLType is the Postgres type a column of this kind is created with.
func (c ColumnType) SQLType() string {
	switch c {
	case Integer:
		return "BIGINT"
	case Numeric:
		return "DOUBLE PRECISION"
	case Boolean:
		return "BOOLEAN"
	}
	return "TEXT"
}

// Widen merges two observed types. Integer widens to Numeric, everything
// widens to Text, and Boolean never mixes with numbers. Unknown is the identity.
func (c ColumnType) Widen(other ColumnType) ColumnType {
	switch {
	case c == Unknown:
		return other
	case other == Unknown || c == other:
		return c
	case c == Text || other == Text:
		return Text
	case c == Boolean || other == Boolean:
		return Text
	default:
		return Numeric
	}
}

// ColumnTypeFromSQL maps an information_schema data_type back to a descriptor.
// Columns the synchronizer does not manage report Unknown.
func ColumnTypeFromSQL(dataType string) ColumnType {
	switch strings.ToLower(dataType) {
	case "bigint", "integer", "smallint":
		return Integer
	case "double precision", "numeric", "real":
		return Numeric
	case "boolean":
		return Boolean
	case "text", "character varying", "character":
		return Text
	}
	return Unknown
}

// TypeOf infers the column type of a decoded field value.
func TypeOf(v any) ColumnType {
	switch v.(type) {
	case nil:
		return Unknown
	case bool:
		return Boolean
	case int, int32, int64:
		return Integer
	case float32, float64:
		return Numeric
	case string:
		return Text
	}
	return Unknown
}

// MaxColumnName is the Postgres identifier limit in bytes.
const MaxColumnName = 63

// ColumnName converts an upstream field name such as "avgHighPrice" into a
// snake_case column name. Characters outside [a-z0-9_] are replaced and the
// result is cut to MaxColumnName bytes.
func ColumnName(field string) string {
	var b strings.Builder
	runes := []rune(field)
	for i, r := range runes {
		switch {
		case unicode.IsUpper(r):
			if i > 0 && runes[i-1] != '_' && !unicode.IsUpper(runes[i-1]) {
				b.WriteByte('_')
			}
			b.WriteRune(unicode.ToLower(r))
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	name := b.String()
	if len(name) > MaxColumnName {
		name = name[:MaxColumnName]
	}
	return name
}
