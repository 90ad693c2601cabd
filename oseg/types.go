// Package oseg implements Object Segmentation (spec.md §4.2): resolving
// the ServerID currently authoritative for an object, and coordinating
// migration handoff so exactly one server is authoritative at a time.
package oseg

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/sirikata/spaced/cmn/cos"
)

// Entry is a resolved directory value: the object's home server and the
// radius last advertised for it (used by Prox for conservative
// cross-server query admission before the authoritative Loc record
// arrives).
type Entry struct {
	Server cos.ServerID
	Radius float64
}

func (e Entry) encode() string {
	return strconv.FormatUint(uint64(e.Server), 10) + ":" + strconv.FormatFloat(e.Radius, 'g', -1, 64)
}

func decodeEntry(v string) (Entry, error) {
	parts := strings.SplitN(v, ":", 2)
	if len(parts) != 2 {
		return Entry{}, fmt.Errorf("oseg: malformed directory value %q", v)
	}
	sid, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return Entry{}, fmt.Errorf("oseg: malformed server id in %q: %w", v, err)
	}
	radius, err := strconv.ParseFloat(parts[1], 64)
	if err != nil {
		return Entry{}, fmt.Errorf("oseg: malformed radius in %q: %w", v, err)
	}
	return Entry{Server: cos.ServerID(sid), Radius: radius}, nil
}

// AddStatus is the completion status of addNewObject (spec.md §4.2).
type AddStatus int

const (
	AddSuccess AddStatus = iota
	AddAlreadyRegistered
	AddUnknownError
)

func (s AddStatus) String() string {
	switch s {
	case AddSuccess:
		return "SUCCESS"
	case AddAlreadyRegistered:
		return "ALREADY_REGISTERED"
	default:
		return "UNKNOWN_ERROR"
	}
}

// key returns the backing-store key for oid under prefix (spec.md §4.2:
// `"<prefix><oid-hex>"`).
func key(prefix string, oid cos.OID) string { return prefix + oid.Hex() }
