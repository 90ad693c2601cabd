// Package cos: short unique id generation for SST channel/connection ids
// and migration-operation ids.
package cos

import (
	"sync"

	"github.com/teris-io/shortid"
)

var (
	sidOnce sync.Once
	sid     *shortid.Shortid
)

// InitIDGen seeds the process-wide short-id generator; call once at
// startup with an unpredictable seed (e.g. derived from the ServerID and
// process start time).
func InitIDGen(seed uint64) {
	sidOnce.Do(func() {
		var err error
		sid, err = shortid.New(1, shortid.DefaultABC, seed)
		if err != nil {
			// shortid.New only fails on a malformed alphabet; DefaultABC
			// is always well-formed, so this is unreachable in practice.
			sid = shortid.MustNew(1, shortid.DefaultABC, seed)
		}
	})
}

// GenID returns a short, collision-resistant id suitable for SST channel
// ids, connection ids, or migration-operation ids. Safe for concurrent use.
func GenID() string {
	if sid == nil {
		InitIDGen(1)
	}
	id, err := sid.Generate()
	if err != nil {
		// practically unreachable once seeded; fall back to a coarser
		// generator rather than panicking on a hot path.
		return shortid.MustGenerate()
	}
	return id
}
