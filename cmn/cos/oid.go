// Package cos provides the low-level identifier and error types shared by
// every space-server component: object identifiers, server identifiers,
// and the error taxonomy of spec.md §7.
package cos

import (
	"encoding/hex"
	"errors"

	"github.com/OneOfOne/xxhash"
)

// OID is a 128-bit opaque object identifier, globally unique within a
// space. The zero value is never a valid live object id.
type OID [16]byte

var ErrBadOID = errors.New("malformed object id: want 32 lowercase hex characters")

// Hex returns the canonical lowercase-hex form used as the OSeg backing
// store key suffix (spec.md §6).
func (o OID) Hex() string { return hex.EncodeToString(o[:]) }

func (o OID) String() string { return o.Hex() }

// IsZero reports whether o is the zero-valued (never live) identifier.
func (o OID) IsZero() bool { return o == OID{} }

// Digest returns a 64-bit xxhash of the identifier, deterministic across
// process restarts.
func (o OID) Digest() uint64 { return xxhash.Checksum64(o[:]) }

// ParseOID parses the canonical hex form produced by Hex.
func ParseOID(s string) (OID, error) {
	var o OID
	if len(s) != 32 {
		return o, ErrBadOID
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return o, ErrBadOID
	}
	copy(o[:], b)
	return o, nil
}

// MustParseOID is ParseOID for call sites that have already validated the
// input (tests, literal constants); it panics on malformed input.
func MustParseOID(s string) OID {
	o, err := ParseOID(s)
	if err != nil {
		panic(err)
	}
	return o
}

// SpaceID identifies a logical world; a space plus an OID forms the
// space-object reference (SOR), the only object address passed on the wire.
type SpaceID string

// SOR is a space-object reference: (space id, OID).
type SOR struct {
	Space SpaceID
	Obj   OID
}

func (r SOR) String() string { return string(r.Space) + "/" + r.Obj.Hex() }

// ServerID is an unsigned 32-bit space-server node identifier; 0 is
// reserved "null" and is never a valid authoritative server.
type ServerID uint32

const NullServer ServerID = 0

func (s ServerID) IsNull() bool { return s == NullServer }
