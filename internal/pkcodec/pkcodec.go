// Package pkcodec implements the composite primary-key codec of spec.md
// §4.1: encode(values[]) -> bytes, decode(bytes, callback), and a
// statement-binding helper. The wire format is
//
//	[ncols byte][value_1]...[value_n]
//
// where each value_i is framed by internal/sqlvalue. ncols is limited to
// 1..127 so the header always fits one byte with the top bit free (spec
// reserves that for future framing, so this codec rejects 128+ outright
// rather than silently wrapping).
package pkcodec

import (
	"database/sql"
	"database/sql/driver"
	"fmt"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

const maxColumns = 127

// Encode frames values as a self-describing byte string. Encoding is
// deterministic: equal input slices produce byte-identical output, which is
// what lets the shadow relation's (pk, col_name) primary key and the
// site-id dictionary rely on bytes.Equal / SQL TEXT/BLOB equality for
// lookups. NULL values are rejected because primary key columns must be
// NOT NULL (spec §4.5 sanity check).
func Encode(values []sqlvalue.Value) ([]byte, error) {
	if len(values) == 0 {
		return nil, cserr.New(cserr.Misuse, "pkcodec: must encode at least one value")
	}
	if len(values) > maxColumns {
		return nil, cserr.Newf(cserr.Misuse, "pkcodec: %d columns exceeds maximum of %d", len(values), maxColumns)
	}
	buf := make([]byte, 0, 1+len(values)*9)
	buf = append(buf, byte(len(values)))
	for i, v := range values {
		if sqlvalue.IsNull(v) {
			return nil, cserr.Newf(cserr.Misuse, "pkcodec: column %d is NULL, primary key columns must not be NULL", i)
		}
		buf = sqlvalue.Encode(buf, v)
	}
	return buf, nil
}

// VisitFunc is invoked once per decoded column. Any non-nil return aborts
// decoding and is propagated to the caller of Decode, matching spec's
// callback-driven decode contract (so the decoder never materializes an
// intermediate row struct).
type VisitFunc func(index int, v sqlvalue.Value) error

// Decode streams the columns of an encoded primary key to visit, in order.
func Decode(data []byte, visit VisitFunc) error {
	if len(data) < 1 {
		return cserr.New(cserr.Misuse, "pkcodec: empty input")
	}
	n := int(data[0])
	if n == 0 || n > maxColumns {
		return cserr.Newf(cserr.Misuse, "pkcodec: invalid column count %d", n)
	}
	rest := data[1:]
	for i := 0; i < n; i++ {
		v, next, err := sqlvalue.Decode(rest)
		if err != nil {
			return cserr.Wrap(cserr.Misuse, err, "pkcodec: decode failed")
		}
		if err := visit(i, v); err != nil {
			return err
		}
		rest = next
	}
	if len(rest) != 0 {
		return cserr.New(cserr.Misuse, "pkcodec: trailing bytes after last column")
	}
	return nil
}

// ColumnCount reports how many columns are encoded in data without fully
// decoding it, used by pk_decode(blob, index) to validate index.
func ColumnCount(data []byte) (int, error) {
	if len(data) < 1 {
		return 0, cserr.New(cserr.Misuse, "pkcodec: empty input")
	}
	return int(data[0]), nil
}

// DecodeIndex returns the value at position index (0-based) without
// visiting the rest, backing the pk_decode(blob, index) SQL function.
func DecodeIndex(data []byte, index int) (sqlvalue.Value, error) {
	var found sqlvalue.Value
	ok := false
	err := Decode(data, func(i int, v sqlvalue.Value) error {
		if i == index {
			found = v
			ok = true
		}
		return nil
	})
	if err != nil {
		return sqlvalue.Value{}, err
	}
	if !ok {
		return sqlvalue.Value{}, cserr.Newf(cserr.Misuse, "pkcodec: index %d out of range", index)
	}
	return found, nil
}

// BindInto binds each decoded value of data to the positional parameters of
// a statement argument slice, implementing
// decode_bind_into_statement(bytes, stmt). Go's database/sql prepared
// statements take arguments at Exec/Query time rather than via an imperative
// bind call, so this returns a []any suitable for stmt.ExecContext(ctx,
// args...) instead of mutating a live *sql.Stmt.
func BindInto(data []byte) ([]any, error) {
	var args []any
	err := Decode(data, func(_ int, v sqlvalue.Value) error {
		args = append(args, toDriverValue(v))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return args, nil
}

// ToDriverValue converts a decoded sqlvalue.Value to a database/sql
// argument, exported for callers (the merge engine) that bind a single
// already-decoded value rather than a whole encoded key.
func ToDriverValue(v sqlvalue.Value) (any, error) { return toDriverValue(v), nil }

func toDriverValue(v sqlvalue.Value) any {
	switch v.Type {
	case sqlvalue.TypeNull:
		return nil
	case sqlvalue.TypeInt:
		return v.I
	case sqlvalue.TypeFloat:
		return v.F
	case sqlvalue.TypeText:
		return v.S
	case sqlvalue.TypeBlob:
		return v.B
	default:
		return nil
	}
}

// FromDriverValues encodes a slice of database/sql driver-compatible values
// (as produced by reading NEW/OLD trigger arguments) into a primary key.
// This is the trigger-side counterpart of BindInto, used by emit_insert /
// emit_update / emit_delete (spec §4.3) to turn NEW.P1..NEW.Pk into bytes.
func FromDriverValues(vals []driver.Value) ([]byte, error) {
	values := make([]sqlvalue.Value, len(vals))
	for i, dv := range vals {
		values[i] = fromAny(dv)
	}
	return Encode(values)
}

// FromSQLRow converts a slice of sql.RawBytes/interface{} scan results (as
// read back from a user table row) into typed sqlvalue.Values.
func FromSQLRow(cols []any) []sqlvalue.Value {
	out := make([]sqlvalue.Value, len(cols))
	for i, c := range cols {
		out[i] = fromAny(c)
	}
	return out
}

func fromAny(a any) sqlvalue.Value {
	switch x := a.(type) {
	case nil:
		return sqlvalue.Null
	case int64:
		return sqlvalue.Int(x)
	case int:
		return sqlvalue.Int(int64(x))
	case float64:
		return sqlvalue.Float(x)
	case string:
		return sqlvalue.Text(x)
	case []byte:
		return sqlvalue.Blob(x)
	case sql.RawBytes:
		return sqlvalue.Blob([]byte(x))
	case bool:
		if x {
			return sqlvalue.Int(1)
		}
		return sqlvalue.Int(0)
	default:
		return sqlvalue.Text(fmt.Sprintf("%v", x))
	}
}
