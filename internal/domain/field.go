package domain

import "strings"

// FieldType represents the declared type of a column in a definition.
type FieldType string

const (
	FieldTypeID      FieldType = "id"
	FieldTypeString  FieldType = "string"
	FieldTypeEnum    FieldType = "enum"
	FieldTypeBoolean FieldType = "boolean"
	FieldTypeDate    FieldType = "date"
	FieldTypeYear    FieldType = "year"
	FieldTypeInteger FieldType = "integer"
	FieldTypeFloat   FieldType = "float"
)

var fieldTypeAliases = map[string]FieldType{
	"int":     FieldTypeInteger,
	"bool":    FieldTypeBoolean,
	"number":  FieldTypeFloat,
	"decimal": FieldTypeFloat,
	"text":    FieldTypeString,
}

// ParseFieldType normalizes a declared type. The boolean reports whether the
// type is one of the known primitives; unknown types are returned verbatim.
func ParseFieldType(raw string) (FieldType, bool) {
	value := strings.ToLower(strings.TrimSpace(raw))
	if alias, ok := fieldTypeAliases[value]; ok {
		return alias, true
	}
	switch FieldType(value) {
	case FieldTypeID, FieldTypeString, FieldTypeEnum, FieldTypeBoolean,
		FieldTypeDate, FieldTypeYear, FieldTypeInteger, FieldTypeFloat:
		return FieldType(value), true
	}
	return FieldType(value), false
}

// IsIdentifier reports whether values of the type identify a subject.
func (t FieldType) IsIdentifier() bool {
	return t == FieldTypeID
}
