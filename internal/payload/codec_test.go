package payload

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

func sampleRows() []TypedRow {
	return []TypedRow{
		{
			Table: "customers", PK: []byte{1, 2, 3}, ColName: "age",
			ColValue: sqlvalue.Int(30), ColVersion: 2, DBVersion: 5,
			SiteID: make([]byte, 16), CausalLength: 1, Seq: 0,
		},
		{
			Table: "customers", PK: []byte{1, 2, 3}, ColName: TombstoneSentinel,
			ColValue: sqlvalue.Null, ColVersion: 1, DBVersion: 4,
			SiteID: make([]byte, 16), CausalLength: 1, Seq: 1,
		},
	}
}

func TestRoundTripUncompressed(t *testing.T) {
	enc := NewEncoder(42)
	for _, tr := range sampleRows() {
		enc.Step(NewRow(tr))
	}
	blob, err := enc.Finalize()
	require.NoError(t, err)

	var got []TypedRow
	h, err := Decode(blob, func(hash uint64) bool { return hash == 42 }, func(_ int, r Row) error {
		tr, err := r.Typed()
		require.NoError(t, err)
		got = append(got, tr)
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, uint32(2), h.NRows)
	require.Equal(t, sampleRows(), got)
}

func TestRoundTripCompressed(t *testing.T) {
	enc := NewEncoder(7)
	big := make([]byte, 4096)
	for i := 0; i < 200; i++ {
		enc.Step(NewRow(TypedRow{
			Table: "customers", PK: big, ColName: "note",
			ColValue: sqlvalue.Text("a repeated value"), ColVersion: int64(i), DBVersion: 1,
			SiteID: make([]byte, 16), CausalLength: 1, Seq: int32(i),
		}))
	}
	blob, err := enc.Finalize()
	require.NoError(t, err)

	h, err := UnmarshalHeader(blob)
	require.NoError(t, err)
	require.NotZero(t, h.ExpandedSize, "expected compression to engage for a highly redundant body")

	count := 0
	_, err = Decode(blob, func(uint64) bool { return true }, func(int, Row) error {
		count++
		return nil
	})
	require.NoError(t, err)
	require.Equal(t, 200, count)
}

func TestDecodeRejectsUnknownSchemaHash(t *testing.T) {
	enc := NewEncoder(99)
	enc.Step(NewRow(sampleRows()[0]))
	blob, err := enc.Finalize()
	require.NoError(t, err)

	_, err = Decode(blob, func(uint64) bool { return false }, nil)
	require.Error(t, err)
}

func TestDecodeRejectsBadSignature(t *testing.T) {
	blob := make([]byte, HeaderSize)
	_, err := Decode(blob, func(uint64) bool { return true }, nil)
	require.Error(t, err)
}

func TestDecodeVisitorAbortStopsEarly(t *testing.T) {
	enc := NewEncoder(1)
	for _, tr := range sampleRows() {
		enc.Step(NewRow(tr))
	}
	blob, err := enc.Finalize()
	require.NoError(t, err)

	seen := 0
	_, err = Decode(blob, func(uint64) bool { return true }, func(i int, r Row) error {
		seen++
		return errAbort
	})
	require.ErrorIs(t, err, errAbort)
	require.Equal(t, 1, seen)
}

type stopErr struct{}

func (stopErr) Error() string { return "abort" }

var errAbort = stopErr{}
