// Package esclient defines the wire-level contract the scroll driver talks
// to, independent of which concrete Elasticsearch client library backs it.
// esclient/v7 and esclient/v8 provide concrete adapters.
package esclient

import (
	"context"
	"encoding/json"
	"time"
)

// Hit is one matched document.
type Hit struct {
	Index   string
	Type    string
	ID      string
	Routing string
	Version int64
	Source  json.RawMessage
}

// Hits is the hits portion of a search/scroll response.
type Hits struct {
	Total int64
	Items []Hit
}

// ShardFailure is one shard-level failure reported alongside a search
// response.
type ShardFailure struct {
	Index  string
	Shard  int
	Reason string
}

// SearchRequest is the opaque query payload plus scroll/propagation
// parameters.
type SearchRequest struct {
	Index           string
	Source          map[string]any
	ScrollKeepalive time.Duration
	Context         map[string]string
	Headers         map[string][]string
}

// SearchResponse carries hits, the scroll cursor, and any shard-level
// trouble.
type SearchResponse struct {
	Hits          Hits
	ScrollID      string
	ShardFailures []ShardFailure
	TimedOut      bool
}

// OpType is the kind of mutation a bulk item performs.
type OpType int

const (
	OpIndex OpType = iota
	OpCreate
	OpDelete
)

// BulkOp is one item submitted as part of a Bulk call.
type BulkOp struct {
	Type            OpType
	Index           string
	DocType         string
	ID              string
	Routing         string
	Version         int64
	PreserveVersion bool
	Source          json.RawMessage // nil for OpDelete
}

// BulkRequest is a batch of mutations plus propagation parameters.
//
// Consistency mirrors request.Consistency's byte encoding (0=quorum,
// 1=one, 2=all) without importing the request package, to avoid a cycle.
type BulkRequest struct {
	Ops         []BulkOp
	Timeout     time.Duration
	Consistency byte
	Context     map[string]string
	Headers     map[string][]string
}

// WaitForActiveShards maps a BulkRequest.Consistency byte onto the
// wait_for_active_shards value both backends' bulk APIs accept in place of
// the old cluster "consistency" setting: "1" for ConsistencyOne, "all" for
// ConsistencyAll, and "" (the backend's own default, equivalent to quorum)
// for ConsistencyQuorum.
func WaitForActiveShards(consistency byte) string {
	switch consistency {
	case 1:
		return "1"
	case 2:
		return "all"
	default:
		return ""
	}
}

// BulkResultItem is the outcome of one BulkOp.
type BulkResultItem struct {
	OpType  OpType
	Index   string
	DocType string
	ID      string
	// Created distinguishes, for OpIndex/OpCreate, whether the document
	// was newly created (true) or an existing document was updated
	// (false). Meaningless for OpDelete.
	Created bool
	// Status is an HTTP-like status code, set whenever Err is non-nil.
	Status int
	Err    error
}

// BulkResponse is the ordered outcome of a Bulk call, one item per op
// submitted.
type BulkResponse struct {
	Items []BulkResultItem
}

// Client is the contract the scroll driver consumes. Concrete adapters
// (esclient/v7 over olivere/elastic, esclient/v8 over go-elasticsearch's
// esapi) implement it against a real backend.
type Client interface {
	Search(ctx context.Context, req SearchRequest) (SearchResponse, error)
	Scroll(ctx context.Context, scrollID string, keepalive time.Duration) (SearchResponse, error)
	ClearScroll(ctx context.Context, scrollIDs []string) error
	Refresh(ctx context.Context, indices []string) error
	Bulk(ctx context.Context, req BulkRequest) (BulkResponse, error)
}
