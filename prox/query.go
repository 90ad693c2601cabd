package prox

import "github.com/sirikata/spaced/cmn/cos"

// QuerierID names a registered query: either a local object (its OID as
// a string) or a remote server's proximity query for its own interest
// set (spec.md §4.4: "either a local object or a remote server").
type QuerierID string

// Query is one registered proximity query (spec.md §4.4 "Query
// lifecycle"). CenterOID must be a currently-tracked object in the Cache
// the owning Engine wraps; Theta and MaxResults are querier-supplied.
type Query struct {
	ID             QuerierID
	CenterOID      cos.OID
	Theta          float64
	MaxResults     int
	WantAggregates bool

	// current is the result set as of the last tick: oid -> apparent
	// size, used both to diff for Enter/Exit and to break result-
	// fairness eviction ties.
	current map[cos.OID]float64
}

func newQuery(id QuerierID, center cos.OID, theta float64, maxResults int, wantAggregates bool) *Query {
	return &Query{
		ID: id, CenterOID: center, Theta: theta, MaxResults: maxResults,
		WantAggregates: wantAggregates, current: make(map[cos.OID]float64),
	}
}
