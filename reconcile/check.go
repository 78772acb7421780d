// Package reconcile decides whether a file may contribute rows to a dataset
// and how each of its columns is read as the canonical type.
package reconcile

import (
	"fmt"

	"hubdata/format"
	"hubdata/schema"
)

// Coercion is the conversion applied when reading a file column.
type Coercion int

const (
	CoerceNone Coercion = iota
	CoerceWidenInt
	CoerceIntToFloat
	CoerceWidenFloat
	CoerceStringToDate
	CoerceParseText
	CoerceFillNull
)

func (c Coercion) String() string {
	switch c {
	case CoerceNone:
		return "none"
	case CoerceWidenInt:
		return "widen-int"
	case CoerceIntToFloat:
		return "int-to-float"
	case CoerceWidenFloat:
		return "widen-float"
	case CoerceStringToDate:
		return "string-to-date"
	case CoerceParseText:
		return "parse-text"
	case CoerceFillNull:
		return "fill-null"
	default:
		return fmt.Sprintf("Coercion(%d)", int(c))
	}
}

// ColumnPlan says how one content field of the canonical schema is read from
// a file. Source is empty when the field is filled with nulls.
type ColumnPlan struct {
	Field      schema.Field
	Source     string
	SourceKind format.Kind
	Coercion   Coercion
}

// Targets converts plans into decode targets.
func Targets(plans []ColumnPlan) []format.Target {
	out := make([]format.Target, len(plans))
	for i, p := range plans {
		out[i] = format.Target{Source: p.Source, Field: p.Field}
	}
	return out
}

func reject(msg string, args ...any) *Rejection {
	return &Rejection{Kind: KindSchema, Reason: fmt.Sprintf(msg, args...)}
}

// Check compares a file's on-disk schema with the canonical schema. It
// returns one plan per content field, in schema order, or the reason the
// file cannot be reconciled. The returned Rejection has no Path set.
func Check(fs *format.FileSchema, ls *schema.LogicalSchema) ([]ColumnPlan, *Rejection) {
	for _, col := range fs.Columns {
		if _, ok := ls.Field(col.Name); !ok {
			return nil, reject("unexpected column: %s", col.Name)
		}
	}

	content := ls.ContentFields()
	plans := make([]ColumnPlan, 0, len(content))
	for _, field := range content {
		col, ok := fs.Column(field.Name)
		if !ok {
			if !field.Nullable {
				return nil, reject("missing column: %s", field.Name)
			}
			plans = append(plans, ColumnPlan{Field: field, Coercion: CoerceFillNull})
			continue
		}

		if !field.Nullable && (col.NullCount > 0 || col.Kind == format.KindNull) {
			return nil, reject("column %s: contains nulls but is declared non-nullable", field.Name)
		}

		coercion, rej := coerce(col, field)
		if rej != nil {
			return nil, rej
		}
		plan := ColumnPlan{Field: field, Source: col.Name, SourceKind: col.Kind, Coercion: coercion}
		if coercion == CoerceFillNull {
			plan.Source = ""
		}
		plans = append(plans, plan)
	}
	return plans, nil
}

func incompatible(col format.Column, field schema.Field) *Rejection {
	return reject("column %s: %s values cannot be read as %s", field.Name, col.Kind, field.Type)
}

// coerce picks the conversion for one present column. Only conversions that
// cannot lose information are allowed.
func coerce(col format.Column, field schema.Field) (Coercion, *Rejection) {
	if col.Text {
		return coerceText(col, field)
	}
	if col.Kind == format.KindNull {
		return CoerceFillNull, nil
	}

	switch field.Type {
	case schema.Date:
		switch col.Kind {
		case format.KindDate:
			return CoerceNone, nil
		case format.KindString:
			for _, s := range col.Samples {
				if !format.IsISODate(s) {
					return 0, reject("column %s: string value %q is not an ISO calendar date", field.Name, s)
				}
			}
			return CoerceStringToDate, nil
		}
	case schema.UTF8String:
		if col.Kind == format.KindString {
			return CoerceNone, nil
		}
	case schema.ShortInteger, schema.LongInteger:
		if col.Kind.IsInteger() && col.Kind.Bits() <= field.Type.Bits() {
			if col.Kind.Bits() == field.Type.Bits() {
				return CoerceNone, nil
			}
			return CoerceWidenInt, nil
		}
	case schema.Float32, schema.Float64:
		switch {
		case col.Kind.IsInteger() && col.Kind.Bits() <= field.Type.Bits():
			return CoerceIntToFloat, nil
		case col.Kind.IsFloat() && col.Kind.Bits() == field.Type.Bits():
			return CoerceNone, nil
		case col.Kind.IsFloat() && col.Kind.Bits() < field.Type.Bits():
			return CoerceWidenFloat, nil
		}
	}
	return 0, incompatible(col, field)
}

// coerceText checks a CSV column whose kind was inferred from a sample.
// Text can always be read as a string, and a sample of only nulls says
// nothing about the rest of the file.
func coerceText(col format.Column, field schema.Field) (Coercion, *Rejection) {
	ok := col.Kind == format.KindNull
	switch field.Type {
	case schema.UTF8String:
		ok = true
	case schema.Date:
		ok = ok || col.Kind == format.KindDate
	case schema.ShortInteger, schema.LongInteger:
		ok = ok || col.Kind.IsInteger() && col.Kind.Bits() <= field.Type.Bits()
	case schema.Float32, schema.Float64:
		ok = ok || (col.Kind.IsInteger() || col.Kind.IsFloat()) && col.Kind.Bits() <= field.Type.Bits()
	}
	if !ok {
		return 0, incompatible(col, field)
	}
	return CoerceParseText, nil
}
