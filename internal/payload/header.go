package payload

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/mod/semver"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// HeaderSize is the fixed, big-endian header size of spec.md §4.6.
const HeaderSize = 32

var signature = [4]byte{'C', 'L', 'S', 'Y'}

// NCols is the fixed column count of a change row: tbl, pk, col_name,
// col_value, col_version, db_version, site_id, cl, seq.
const NCols = 9

// Header mirrors the 32-byte wire header of spec.md §4.6.
type Header struct {
	Version      uint8
	LibMajor     uint8
	LibMinor     uint8
	LibPatch     uint8
	ExpandedSize uint32 // 0 means body is uncompressed
	NCols        uint16
	NRows        uint32
	SchemaHash   uint64
}

// Marshal writes h into a fresh 32-byte header buffer.
func (h Header) Marshal() []byte {
	buf := make([]byte, HeaderSize)
	copy(buf[0:4], signature[:])
	buf[4] = h.Version
	buf[5] = h.LibMajor
	buf[6] = h.LibMinor
	buf[7] = h.LibPatch
	binary.BigEndian.PutUint32(buf[8:12], h.ExpandedSize)
	binary.BigEndian.PutUint16(buf[12:14], h.NCols)
	binary.BigEndian.PutUint32(buf[14:18], h.NRows)
	binary.BigEndian.PutUint64(buf[18:26], h.SchemaHash)
	// bytes 26..32 reserved, left zero
	return buf
}

// UnmarshalHeader parses and validates the signature of a 32-byte header.
func UnmarshalHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, cserr.New(cserr.Misuse, "payload: truncated header")
	}
	if [4]byte{buf[0], buf[1], buf[2], buf[3]} != signature {
		return Header{}, cserr.New(cserr.Misuse, "payload: bad signature")
	}
	return Header{
		Version:      buf[4],
		LibMajor:     buf[5],
		LibMinor:     buf[6],
		LibPatch:     buf[7],
		ExpandedSize: binary.BigEndian.Uint32(buf[8:12]),
		NCols:        binary.BigEndian.Uint16(buf[12:14]),
		NRows:        binary.BigEndian.Uint32(buf[14:18]),
		SchemaHash:   binary.BigEndian.Uint64(buf[18:26]),
	}, nil
}

// semverString renders the 3-byte libversion as a "vMAJOR.MINOR.PATCH"
// string, the form golang.org/x/mod/semver expects.
func (h Header) semverString() string {
	return fmt.Sprintf("v%d.%d.%d", h.LibMajor, h.LibMinor, h.LibPatch)
}

// CompatibleWith reports whether a payload built with libversion h.Lib* can
// be decoded by a codec at runningVersion. Codec compatibility is decided
// at major-version granularity: a payload from a newer incompatible major
// version is rejected with a Misuse error instead of silently misparsed
// (SPEC_FULL.md §B, golang.org/x/mod/semver entry), matching the semantics
// of every other strict-major-version wire protocol in this corpus.
func (h Header) CompatibleWith(runningVersion [3]uint8) bool {
	running := fmt.Sprintf("v%d.%d.%d", runningVersion[0], runningVersion[1], runningVersion[2])
	theirs := h.semverString()
	if !semver.IsValid(running) || !semver.IsValid(theirs) {
		return false
	}
	return semver.Major(running) == semver.Major(theirs)
}
