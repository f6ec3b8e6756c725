package pkcodec

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

func TestRoundTrip(t *testing.T) {
	cases := [][]sqlvalue.Value{
		{sqlvalue.Int(1)},
		{sqlvalue.Text("name1"), sqlvalue.Text("surname1")},
		{sqlvalue.Int(-42), sqlvalue.Float(3.25), sqlvalue.Text("x"), sqlvalue.Blob([]byte{0, 1, 2})},
		{sqlvalue.Text("")},
		{sqlvalue.Blob([]byte{})},
	}
	for _, vals := range cases {
		enc, err := Encode(vals)
		require.NoError(t, err)

		var got []sqlvalue.Value
		err = Decode(enc, func(i int, v sqlvalue.Value) error {
			got = append(got, v)
			return nil
		})
		require.NoError(t, err)
		require.Equal(t, vals, got)
	}
}

func TestEncodeIsDeterministic(t *testing.T) {
	vals := []sqlvalue.Value{sqlvalue.Text("a"), sqlvalue.Int(7)}
	a, err := Encode(vals)
	require.NoError(t, err)
	b, err := Encode(vals)
	require.NoError(t, err)
	require.Equal(t, a, b)
}

func TestEncodeRejectsNull(t *testing.T) {
	_, err := Encode([]sqlvalue.Value{sqlvalue.Null})
	require.Error(t, err)
}

func TestEncodeRejectsTooManyColumns(t *testing.T) {
	vals := make([]sqlvalue.Value, 128)
	for i := range vals {
		vals[i] = sqlvalue.Int(int64(i))
	}
	_, err := Encode(vals)
	require.Error(t, err)
}

func TestDecodeIndex(t *testing.T) {
	enc, err := Encode([]sqlvalue.Value{sqlvalue.Text("a"), sqlvalue.Int(99)})
	require.NoError(t, err)

	v, err := DecodeIndex(enc, 1)
	require.NoError(t, err)
	require.Equal(t, sqlvalue.Int(99), v)

	_, err = DecodeIndex(enc, 5)
	require.Error(t, err)
}

func TestVisitorAbortPropagates(t *testing.T) {
	enc, err := Encode([]sqlvalue.Value{sqlvalue.Int(1), sqlvalue.Int(2), sqlvalue.Int(3)})
	require.NoError(t, err)

	stop := errStop{}
	seen := 0
	err = Decode(enc, func(i int, v sqlvalue.Value) error {
		seen++
		if i == 1 {
			return stop
		}
		return nil
	})
	require.ErrorIs(t, err, stop)
	require.Equal(t, 2, seen)
}

type errStop struct{}

func (errStop) Error() string { return "stop" }

func TestBindInto(t *testing.T) {
	enc, err := Encode([]sqlvalue.Value{sqlvalue.Text("a"), sqlvalue.Int(1)})
	require.NoError(t, err)
	args, err := BindInto(enc)
	require.NoError(t, err)
	require.Equal(t, []any{"a", int64(1)}, args)
}
