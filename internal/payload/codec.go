// Package payload implements the wire codec of spec.md §4.6: an aggregate
// accumulator that frames a batch of change rows, optionally compresses
// the body, and a streaming decoder that validates the header and replays
// rows to a visitor — the same callback-driven shape as internal/pkcodec
// (spec §9 "callback-driven decoders").
package payload

import (
	"bytes"
	"compress/flate"
	"io"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
	"github.com/cloudsync-go/cloudsync/internal/sqlvalue"
)

// Column indices within a 9-tuple change row.
const (
	ColTbl = iota
	ColPK
	ColColName
	ColColValue
	ColColVersion
	ColDBVersion
	ColSiteID
	ColCausalLength
	ColSeq
)

// TombstoneSentinel is the reserved col_name marking a row's existence
// entry (spec §3).
const TombstoneSentinel = "__TOMBSTONE__"

// Row is one change row in the 9-column wire shape.
type Row [NCols]sqlvalue.Value

// TypedRow is the ergonomic, strongly-typed view of a Row used by the merge
// engine.
type TypedRow struct {
	Table        string
	PK           []byte
	ColName      string
	ColValue     sqlvalue.Value
	ColVersion   int64
	DBVersion    int64
	SiteID       []byte // 16-byte site identifier as carried on the wire
	CausalLength int64
	Seq          int32
}

// NewRow builds a wire Row from a TypedRow.
func NewRow(tr TypedRow) Row {
	var r Row
	r[ColTbl] = sqlvalue.Text(tr.Table)
	r[ColPK] = sqlvalue.Blob(tr.PK)
	r[ColColName] = sqlvalue.Text(tr.ColName)
	r[ColColValue] = tr.ColValue
	r[ColColVersion] = sqlvalue.Int(tr.ColVersion)
	r[ColDBVersion] = sqlvalue.Int(tr.DBVersion)
	r[ColSiteID] = sqlvalue.Blob(tr.SiteID)
	r[ColCausalLength] = sqlvalue.Int(tr.CausalLength)
	r[ColSeq] = sqlvalue.Int(int64(tr.Seq))
	return r
}

// Typed converts a wire Row back to a TypedRow.
func (r Row) Typed() (TypedRow, error) {
	if r[ColTbl].Type != sqlvalue.TypeText {
		return TypedRow{}, cserr.New(cserr.Misuse, "payload: row.tbl must be text")
	}
	if r[ColPK].Type != sqlvalue.TypeBlob {
		return TypedRow{}, cserr.New(cserr.Misuse, "payload: row.pk must be blob")
	}
	if r[ColColName].Type != sqlvalue.TypeText {
		return TypedRow{}, cserr.New(cserr.Misuse, "payload: row.col_name must be text")
	}
	if r[ColSiteID].Type != sqlvalue.TypeBlob {
		return TypedRow{}, cserr.New(cserr.Misuse, "payload: row.site_id must be blob")
	}
	return TypedRow{
		Table:        r[ColTbl].S,
		PK:           r[ColPK].B,
		ColName:      r[ColColName].S,
		ColValue:     r[ColColValue],
		ColVersion:   r[ColColVersion].I,
		DBVersion:    r[ColDBVersion].I,
		SiteID:       r[ColSiteID].B,
		CausalLength: r[ColCausalLength].I,
		Seq:          int32(r[ColSeq].I),
	}, nil
}

// Compressor is the pluggable black-box compression primitive spec §1 calls
// out of scope. The default implementation (flateCompressor) is a stdlib
// DEFLATE coder; swap in an LZ4 binding by implementing this interface if
// one is available to the host.
type Compressor interface {
	Compress(raw []byte) ([]byte, error)
	Decompress(compressed []byte, expandedSize int) ([]byte, error)
}

type flateCompressor struct{}

func (flateCompressor) Compress(raw []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.BestSpeed)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (flateCompressor) Decompress(compressed []byte, expandedSize int) ([]byte, error) {
	r := flate.NewReader(bytes.NewReader(compressed))
	defer r.Close()
	out := make([]byte, 0, expandedSize)
	buf := bytes.NewBuffer(out)
	if _, err := io.Copy(buf, r); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// DefaultCompressor is the stock compressor used when the host does not
// supply one.
var DefaultCompressor Compressor = flateCompressor{}

// LibVersion is the engine's own codec/libversion triple, written into
// every payload header.
var LibVersion = [3]uint8{1, 0, 0}

// Encoder accumulates change rows the way the payload_encode aggregate SQL
// function does (spec §4.6): Step is called once per input row, Finalize
// produces the framed, optionally-compressed blob.
type Encoder struct {
	schemaHash uint64
	compressor Compressor
	body       bytes.Buffer
	nrows      uint32
}

// NewEncoder starts a fresh accumulation for a payload that will advertise
// schemaHash as its sender fingerprint.
func NewEncoder(schemaHash uint64) *Encoder {
	return &Encoder{schemaHash: schemaHash, compressor: DefaultCompressor}
}

// WithCompressor overrides the compressor (mainly for tests that want to
// assert on the uncompressed path deterministically).
func (e *Encoder) WithCompressor(c Compressor) *Encoder {
	e.compressor = c
	return e
}

// Step appends one row to the batch, mirroring the aggregate step callback.
func (e *Encoder) Step(r Row) {
	for _, v := range r {
		e.body.Write(sqlvalue.Encode(nil, v))
	}
	e.nrows++
}

// Finalize produces the complete framed blob. Compression is applied only
// if it strictly shrinks the body (spec §4.6); in that case ExpandedSize
// records the raw body length, otherwise it is left 0 and the body is
// stored as-is.
func (e *Encoder) Finalize() ([]byte, error) {
	raw := e.body.Bytes()
	h := Header{
		Version:    1,
		LibMajor:   LibVersion[0],
		LibMinor:   LibVersion[1],
		LibPatch:   LibVersion[2],
		NCols:      NCols,
		NRows:      e.nrows,
		SchemaHash: e.schemaHash,
	}

	body := raw
	if e.compressor != nil && len(raw) > 0 {
		compressed, err := e.compressor.Compress(raw)
		if err == nil && len(compressed) < len(raw) {
			h.ExpandedSize = uint32(len(raw))
			body = compressed
		}
	}

	out := make([]byte, 0, HeaderSize+len(body))
	out = append(out, h.Marshal()...)
	out = append(out, body...)
	return out, nil
}

// RowVisitor is invoked once per decoded row, in wire order. A non-nil
// return aborts decoding, matching the PK codec's callback contract.
type RowVisitor func(index int, row Row) error

// SchemaKnown reports whether a given schema hash is present in the local
// schema_versions registry (spec §4.8). Decode rejects payloads whose
// header schema_hash this returns false for, without touching the vtab.
type SchemaKnown func(hash uint64) bool

// Decode validates the header and signature, decompresses the body if
// necessary, and streams each row to visit.
func Decode(blob []byte, known SchemaKnown, visit RowVisitor) (Header, error) {
	h, err := UnmarshalHeader(blob)
	if err != nil {
		return Header{}, err
	}
	if !h.CompatibleWith(LibVersion) {
		return h, cserr.Newf(cserr.Misuse, "payload: incompatible libversion %d.%d.%d", h.LibMajor, h.LibMinor, h.LibPatch)
	}
	if known != nil && !known(h.SchemaHash) {
		return h, cserr.Newf(cserr.Misuse, "payload: schema_hash %d not in local registry", h.SchemaHash)
	}
	if h.NCols != NCols {
		return h, cserr.Newf(cserr.Misuse, "payload: unexpected column count %d", h.NCols)
	}

	body := blob[HeaderSize:]
	if h.ExpandedSize > 0 {
		body, err = DefaultCompressor.Decompress(body, int(h.ExpandedSize))
		if err != nil {
			return h, cserr.Wrap(cserr.Misuse, err, "payload: decompression failed")
		}
	}

	rest := body
	for i := uint32(0); i < h.NRows; i++ {
		var row Row
		for c := 0; c < NCols; c++ {
			v, next, derr := sqlvalue.Decode(rest)
			if derr != nil {
				return h, cserr.Wrap(cserr.Misuse, derr, "payload: decoding row")
			}
			row[c] = v
			rest = next
		}
		if visit != nil {
			if err := visit(int(i), row); err != nil {
				return h, err
			}
		}
	}
	return h, nil
}
