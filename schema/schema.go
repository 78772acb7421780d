// Package schema holds the canonical logical schemas that hub files are
// reconciled against.
package schema

import (
	"fmt"
	"strings"

	"github.com/apache/arrow-go/v18/arrow"
)

// SemanticType is the closed set of column types a logical schema may declare.
type SemanticType int

const (
	Date SemanticType = iota + 1
	ShortInteger
	LongInteger
	Float32
	Float64
	UTF8String
)

func (t SemanticType) String() string {
	switch t {
	case Date:
		return "date"
	case ShortInteger:
		return "int32"
	case LongInteger:
		return "int64"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	case UTF8String:
		return "string"
	default:
		return fmt.Sprintf("SemanticType(%d)", int(t))
	}
}

// ParseSemanticType maps a configuration spelling to a SemanticType.
func ParseSemanticType(s string) (SemanticType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "date", "date32":
		return Date, nil
	case "int32", "short", "integer_short", "int8", "int16":
		return ShortInteger, nil
	case "int64", "long", "integer":
		return LongInteger, nil
	case "float32", "float":
		return Float32, nil
	case "float64", "double":
		return Float64, nil
	case "string", "utf8", "character":
		return UTF8String, nil
	}
	return 0, fmt.Errorf("unknown semantic type %q", s)
}

// IsInteger reports whether t is one of the integer types.
func (t SemanticType) IsInteger() bool { return t == ShortInteger || t == LongInteger }

// IsFloat reports whether t is one of the floating point types.
func (t SemanticType) IsFloat() bool { return t == Float32 || t == Float64 }

// Bits is the storage width of numeric types, 0 otherwise.
func (t SemanticType) Bits() int {
	switch t {
	case ShortInteger, Float32:
		return 32
	case LongInteger, Float64:
		return 64
	}
	return 0
}

// ArrowType returns the in-memory representation used for columns of type t.
func (t SemanticType) ArrowType() arrow.DataType {
	switch t {
	case Date:
		return arrow.FixedWidthTypes.Date32
	case ShortInteger:
		return arrow.PrimitiveTypes.Int32
	case LongInteger:
		return arrow.PrimitiveTypes.Int64
	case Float32:
		return arrow.PrimitiveTypes.Float32
	case Float64:
		return arrow.PrimitiveTypes.Float64
	default:
		return arrow.BinaryTypes.String
	}
}

// Origin says where a field's values come from.
type Origin int

const (
	// Content fields are read from file contents.
	Content Origin = iota
	// Partition fields are derived from the file's location.
	Partition
)

func (o Origin) String() string {
	if o == Partition {
		return "partition"
	}
	return "content"
}

// ParseOrigin maps a configuration spelling to an Origin. Empty means Content.
func ParseOrigin(s string) (Origin, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "content", "file":
		return Content, nil
	case "partition", "path":
		return Partition, nil
	}
	return 0, fmt.Errorf("unknown field origin %q", s)
}

type Field struct {
	Name     string
	Type     SemanticType
	Nullable bool
	Origin   Origin
}

func (f Field) String() string {
	null := "not null"
	if f.Nullable {
		null = "null"
	}
	return fmt.Sprintf("%s %s %s (%s)", f.Name, f.Type, null, f.Origin)
}

// LogicalSchema is the ordered, immutable field list of one dataset family.
type LogicalSchema struct {
	family string
	fields []Field
	index  map[string]int
	arrow  *arrow.Schema
}

// New validates fields and builds a LogicalSchema. Exactly one field must be
// partition-derived and it must be the last one.
func New(family string, fields []Field) (*LogicalSchema, error) {
	if family == "" {
		return nil, fmt.Errorf("schema family name is empty")
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("schema %s: no fields", family)
	}

	ls := &LogicalSchema{
		family: family,
		fields: make([]Field, len(fields)),
		index:  make(map[string]int, len(fields)),
	}
	copy(ls.fields, fields)

	partitions := 0
	arrowFields := make([]arrow.Field, len(fields))
	for i, f := range ls.fields {
		if f.Name == "" {
			return nil, fmt.Errorf("schema %s: field %d has no name", family, i)
		}
		if _, dup := ls.index[f.Name]; dup {
			return nil, fmt.Errorf("schema %s: duplicate field %q", family, f.Name)
		}
		if f.Type < Date || f.Type > UTF8String {
			return nil, fmt.Errorf("schema %s: field %q has invalid type", family, f.Name)
		}
		if f.Origin == Partition {
			partitions++
			if i != len(fields)-1 {
				return nil, fmt.Errorf("schema %s: partition field %q must be the last field", family, f.Name)
			}
		}
		ls.index[f.Name] = i
		arrowFields[i] = arrow.Field{Name: f.Name, Type: f.Type.ArrowType(), Nullable: f.Nullable}
	}
	if partitions != 1 {
		return nil, fmt.Errorf("schema %s: want exactly one partition field, got %d", family, partitions)
	}

	ls.arrow = arrow.NewSchema(arrowFields, nil)
	return ls, nil
}

// MustNew is New for statically known schemas.
func MustNew(family string, fields []Field) *LogicalSchema {
	ls, err := New(family, fields)
	if err != nil {
		panic(err)
	}
	return ls
}

func (s *LogicalSchema) Family() string { return s.family }

func (s *LogicalSchema) Len() int { return len(s.fields) }

// Fields returns a copy of the ordered field list.
func (s *LogicalSchema) Fields() []Field {
	out := make([]Field, len(s.fields))
	copy(out, s.fields)
	return out
}

// Field looks a field up by name.
func (s *LogicalSchema) Field(name string) (Field, bool) {
	i, ok := s.index[name]
	if !ok {
		return Field{}, false
	}
	return s.fields[i], true
}

// Index returns the position of name, or -1.
func (s *LogicalSchema) Index(name string) int {
	if i, ok := s.index[name]; ok {
		return i
	}
	return -1
}

// PartitionField returns the path-derived field.
func (s *LogicalSchema) PartitionField() Field {
	return s.fields[len(s.fields)-1]
}

// ContentFields returns the fields read from file contents, in order.
func (s *LogicalSchema) ContentFields() []Field {
	return s.Fields()[:len(s.fields)-1]
}

// Arrow returns the canonical arrow schema. Callers must not modify it.
func (s *LogicalSchema) Arrow() *arrow.Schema { return s.arrow }

func (s *LogicalSchema) String() string {
	var b strings.Builder
	b.WriteString(s.family)
	b.WriteString(":\n")
	for _, f := range s.fields {
		b.WriteString("  ")
		b.WriteString(f.String())
		b.WriteByte('\n')
	}
	return b.String()
}
