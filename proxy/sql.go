package proxy

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/jackc/pgx/v5/pgproto3"

	"hubdata/query"
)

var readOnlyKeywords = map[string]bool{
	"SELECT":    true,
	"WITH":      true,
	"DESCRIBE":  true,
	"SHOW":      true,
	"EXPLAIN":   true,
	"SUMMARIZE": true,
	"VALUES":    true,
	"FROM":      true,
}

// checkReadOnly accepts a single statement starting with a query keyword.
func checkReadOnly(sqlText string) error {
	stmt := strings.TrimSpace(stripComments(sqlText))
	stmt = strings.TrimSpace(strings.TrimSuffix(stmt, ";"))
	if strings.Contains(stmt, ";") && !insideQuotes(stmt) {
		return fmt.Errorf("%w: multiple statements", ErrReadOnly)
	}
	word := stmt
	if i := strings.IndexFunc(stmt, func(r rune) bool { return r == ' ' || r == '\n' || r == '\t' || r == '(' || r == '\r' }); i >= 0 {
		word = stmt[:i]
	}
	if !readOnlyKeywords[strings.ToUpper(word)] {
		return fmt.Errorf("%w: %s statements are not allowed", ErrReadOnly, strings.ToUpper(word))
	}
	return nil
}

// stripComments removes leading -- and /* */ comments.
func stripComments(s string) string {
	for {
		s = strings.TrimSpace(s)
		switch {
		case strings.HasPrefix(s, "--"):
			i := strings.IndexByte(s, '\n')
			if i < 0 {
				return ""
			}
			s = s[i+1:]
		case strings.HasPrefix(s, "/*"):
			i := strings.Index(s, "*/")
			if i < 0 {
				return ""
			}
			s = s[i+2:]
		default:
			return s
		}
	}
}

// insideQuotes reports whether every ';' in s sits inside a quoted literal
// or identifier.
func insideQuotes(s string) bool {
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"':
			quote = r
		case r == ';':
			return false
		}
	}
	return true
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func duckDBType(t arrow.DataType) string {
	switch t.ID() {
	case arrow.DATE32:
		return "DATE"
	case arrow.INT32:
		return "INTEGER"
	case arrow.INT64:
		return "BIGINT"
	case arrow.FLOAT32:
		return "FLOAT"
	case arrow.FLOAT64:
		return "DOUBLE"
	default:
		return "VARCHAR"
	}
}

func createTableSQL(name string, t *query.Table) string {
	fields := t.Schema().Fields()
	cols := make([]string, len(fields))
	for i, f := range fields {
		col := quoteIdent(f.Name) + " " + duckDBType(f.Type)
		if !f.Nullable {
			col += " NOT NULL"
		}
		cols[i] = col
	}
	return fmt.Sprintf("CREATE OR REPLACE TABLE %s (%s)", quoteIdent(name), strings.Join(cols, ", "))
}

func rowDescription(columns []*sql.ColumnType) *pgproto3.RowDescription {
	fields := make([]pgproto3.FieldDescription, len(columns))
	for i, col := range columns {
		fields[i] = pgproto3.FieldDescription{
			Name:                 []byte(col.Name()),
			TableOID:             0,
			TableAttributeNumber: 0,
			DataTypeOID:          mapDataTypeToOID(col.DatabaseTypeName()),
			DataTypeSize:         -1,
			TypeModifier:         -1,
			Format:               0,
		}
	}
	return &pgproto3.RowDescription{Fields: fields}
}

// encodeText renders a scanned value in Postgres text format.
func encodeText(val any) []byte {
	switch v := val.(type) {
	case nil:
		return nil
	case []byte:
		return v
	case string:
		return []byte(v)
	case bool:
		if v {
			return []byte("t")
		}
		return []byte("f")
	case time.Time:
		if v.Hour() == 0 && v.Minute() == 0 && v.Second() == 0 && v.Nanosecond() == 0 {
			return []byte(v.Format(time.DateOnly))
		}
		return []byte(v.Format("2006-01-02 15:04:05.999999"))
	case float32:
		return []byte(strconv.FormatFloat(float64(v), 'g', -1, 32))
	case float64:
		return []byte(strconv.FormatFloat(v, 'g', -1, 64))
	default:
		return []byte(fmt.Sprintf("%v", v))
	}
}

func mapDataTypeToOID(databaseTypeName string) uint32 {
	switch databaseTypeName {
	case "BOOLEAN":
		return 16 // BOOL OID
	case "BIGINT", "HUGEINT", "UBIGINT":
		return 20 // BIGINT OID
	case "SMALLINT", "TINYINT", "UTINYINT":
		return 21 // SMALLINT OID
	case "INTEGER", "USMALLINT":
		return 23 // INTEGER OID
	case "FLOAT":
		return 700 // REAL OID
	case "DOUBLE":
		return 701 // DOUBLE PRECISION OID
	case "DATE":
		return 1082 // DATE OID
	case "TIMESTAMP":
		return 1114 // TIMESTAMP OID
	default:
		return 25 // TEXT OID
	}
}
