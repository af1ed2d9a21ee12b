package scroll

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pteich/bulkbyscroll/cancel"
	"github.com/pteich/bulkbyscroll/esclient"
	"github.com/pteich/bulkbyscroll/request"
	"github.com/pteich/bulkbyscroll/retry"
	"github.com/pteich/bulkbyscroll/transform"
)

// fakeClient is an in-memory esclient.Client test double driven by a
// scripted sequence of search/scroll responses and a scripted bulk
// response sequence, so boundary scenarios can be set up without a live
// backend.
type fakeClient struct {
	mu sync.Mutex

	searchResp esclient.SearchResponse
	searchErr  error

	scrollResponses []esclient.SearchResponse
	scrollErrs      []error
	scrollCalls     int

	bulkResponses []esclient.BulkResponse
	bulkErrs      []error
	bulkCalls     int

	clearedScrollIDs []string
	refreshedIndices [][]string

	recordedHeaders []http.Header
}

func (f *fakeClient) Search(ctx context.Context, req esclient.SearchRequest) (esclient.SearchResponse, error) {
	f.recordRequestHeaders(req.Headers)
	return f.searchResp, f.searchErr
}

func (f *fakeClient) Scroll(ctx context.Context, scrollID string, keepalive time.Duration) (esclient.SearchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.scrollCalls
	f.scrollCalls++
	if idx >= len(f.scrollResponses) {
		return esclient.SearchResponse{}, nil
	}
	var err error
	if idx < len(f.scrollErrs) {
		err = f.scrollErrs[idx]
	}
	return f.scrollResponses[idx], err
}

func (f *fakeClient) ClearScroll(ctx context.Context, scrollIDs []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clearedScrollIDs = append(f.clearedScrollIDs, scrollIDs...)
	return nil
}

func (f *fakeClient) Refresh(ctx context.Context, indices []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refreshedIndices = append(f.refreshedIndices, indices)
	return nil
}

func (f *fakeClient) Bulk(ctx context.Context, req esclient.BulkRequest) (esclient.BulkResponse, error) {
	f.recordRequestHeaders(req.Headers)

	f.mu.Lock()
	defer f.mu.Unlock()
	idx := f.bulkCalls
	f.bulkCalls++
	if idx >= len(f.bulkResponses) {
		return esclient.BulkResponse{}, nil
	}
	var err error
	if idx < len(f.bulkErrs) {
		err = f.bulkErrs[idx]
	}
	return f.bulkResponses[idx], err
}

func (f *fakeClient) recordRequestHeaders(headers map[string][]string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	h := http.Header{}
	for k, vs := range headers {
		for _, v := range vs {
			h.Add(k, v)
		}
	}
	f.recordedHeaders = append(f.recordedHeaders, h)
}

func hitJSON(t *testing.T, id string) json.RawMessage {
	t.Helper()
	return json.RawMessage(`{"id":"` + id + `"}`)
}

func testEnvelope() *request.Envelope {
	env := request.NewReindexRequest()
	env.SourceIndices = []string{"source"}
	env.RetryBackoffInitial = time.Millisecond
	env.MaxRetries = 3
	return env
}

func waitingConfig() Config {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return Config{Logger: logger}
}

func TestEmptyResultSetYieldsZeroedResponse(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{Hits: esclient.Hits{Total: 0}},
	}
	env := testEnvelope()
	env.Refresh = true

	d := New(client, env, transform.NewReindexTransform("dest", "doc", false, nil), nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, int64(0), resp.Progress.Total)
	assert.Equal(t, int64(0), resp.Progress.Batches)
	assert.Empty(t, client.refreshedIndices)
	assert.Empty(t, client.clearedScrollIDs)
}

func TestSingleBatchAllSuccessesThreeOutcomes(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 3,
				Items: []esclient.Hit{
					{Index: "source", ID: "1", Source: hitJSON(t, "1")},
					{Index: "source", ID: "2", Source: hitJSON(t, "2")},
					{Index: "source", ID: "3", Source: hitJSON(t, "3")},
				},
			},
		},
		bulkResponses: []esclient.BulkResponse{{
			Items: []esclient.BulkResultItem{
				{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true},
				{OpType: esclient.OpIndex, Index: "dest", ID: "2", Created: false},
				{OpType: esclient.OpDelete, Index: "dest", ID: "3"},
			},
		}},
		scrollResponses: []esclient.SearchResponse{{}},
	}

	xform := &mixedOpTransform{}
	env := testEnvelope()
	d := New(client, env, xform, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, int64(1), resp.Progress.Created)
	assert.Equal(t, int64(1), resp.Progress.Updated)
	assert.Equal(t, int64(1), resp.Progress.Deleted)
	assert.Equal(t, int64(1), resp.Progress.Batches)
	assert.Empty(t, resp.IndexingFailures)
}

func TestRejectionThenSuccessCountsRetriesTaken(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{
			{Items: []esclient.BulkResultItem{{Err: assertRejection(), Status: 429}}},
			{Items: []esclient.BulkResultItem{{Err: assertRejection(), Status: 429}}},
			{Items: []esclient.BulkResultItem{{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true}}},
		},
		scrollResponses: []esclient.SearchResponse{{}},
	}

	env := testEnvelope()
	env.MaxRetries = 3
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, int64(2), resp.Progress.Retries)
	assert.Empty(t, resp.IndexingFailures)
}

func TestRejectionExhaustedReportsIndexingFailure(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{
			{Items: []esclient.BulkResultItem{{Err: assertRejection(), Status: 429, ID: "1"}}},
			{Items: []esclient.BulkResultItem{{Err: assertRejection(), Status: 429, ID: "1"}}},
		},
	}

	env := testEnvelope()
	env.MaxRetries = 1
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, resp.IndexingFailures, 1)
	assert.Equal(t, 429, resp.IndexingFailures[0].Status)
	// The general "count delays taken" rule yields 1 retry here (one delay
	// was taken between the two failed attempts); see DESIGN.md.
	assert.Equal(t, int64(1), resp.Progress.Retries)
}

func TestVersionConflictsProceedContinuesPastThem(t *testing.T) {
	items := make([]esclient.BulkResultItem, 0, 10)
	for i := 0; i < 10; i++ {
		if i < 4 {
			items = append(items, esclient.BulkResultItem{Err: &fakeConflict{}, Status: 409, ID: "c"})
			continue
		}
		items = append(items, esclient.BulkResultItem{OpType: esclient.OpIndex, Index: "dest", ID: "ok", Created: true})
	}

	hits := make([]esclient.Hit, 10)
	for i := range hits {
		hits[i] = esclient.Hit{Index: "source", ID: "h", Source: hitJSON(t, "h")}
	}

	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits:     esclient.Hits{Total: 10, Items: hits},
		},
		bulkResponses:   []esclient.BulkResponse{{Items: items}},
		scrollResponses: []esclient.SearchResponse{{}},
	}

	env := testEnvelope()
	env.AbortOnVersionConflict = false
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, int64(4), resp.Progress.VersionConflicts)
	assert.Empty(t, resp.IndexingFailures)
}

func TestCancellationMidBulkingSkipsRefresh(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{{
			Items: []esclient.BulkResultItem{{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true}},
		}},
	}

	// The handle is tripped while the first bulk is in flight, after the
	// bulk has already recorded a destination index.
	handle := cancel.New()
	cancelling := &cancelOnBulkClient{fakeClient: client, handle: handle, reason: "operator requested stop"}

	env := testEnvelope()
	env.Refresh = true
	d := New(cancelling, env, &passthroughTransform{}, handle, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, "operator requested stop", resp.ReasonCancelled)
	assert.Empty(t, client.refreshedIndices)
}

func TestShardFailureOnScrollTerminates(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 2,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{{
			Items: []esclient.BulkResultItem{{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true}},
		}},
		scrollResponses: []esclient.SearchResponse{{
			ShardFailures: []esclient.ShardFailure{{Index: "source", Shard: 0, Reason: "node_disconnected"}},
		}},
	}

	env := testEnvelope()
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	require.Len(t, resp.SearchFailures, 1)
	assert.Equal(t, 1, client.scrollCalls)
}

func TestRefreshTogglingOnlyRefreshesWhenDestinationsNonEmpty(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{Hits: esclient.Hits{Total: 0}},
	}
	env := testEnvelope()
	env.Refresh = true
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	_, err := d.Run(context.Background())
	require.NoError(t, err)
	assert.Empty(t, client.refreshedIndices)
}

func TestRefreshIssuedOnDestinationIndicesWhenDestinationsNonEmpty(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{{
			Items: []esclient.BulkResultItem{{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true}},
		}},
		scrollResponses: []esclient.SearchResponse{{}},
	}

	env := testEnvelope()
	env.Refresh = true
	d := New(client, env, transform.NewReindexTransform("dest", "doc", false, nil), nil, waitingConfig())
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	require.Len(t, client.refreshedIndices, 1)
	assert.ElementsMatch(t, []string{"dest"}, client.refreshedIndices[0])
}

func TestSizeCapReachedMidBatchTruncatesHits(t *testing.T) {
	hits := make([]esclient.Hit, 8)
	for i := range hits {
		hits[i] = esclient.Hit{Index: "source", ID: "h", Source: hitJSON(t, "h")}
	}

	bulkItems := make([]esclient.BulkResultItem, 5)
	for i := range bulkItems {
		bulkItems[i] = esclient.BulkResultItem{OpType: esclient.OpIndex, Index: "dest", ID: "h", Created: true}
	}

	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits:     esclient.Hits{Total: 8, Items: hits},
		},
		bulkResponses: []esclient.BulkResponse{{Items: bulkItems}},
	}

	counting := &countingTransform{}
	env := testEnvelope()
	env.Size = 5
	d := New(client, env, counting, nil, waitingConfig())
	resp, err := d.Run(context.Background())
	require.NoError(t, err)
	require.NotNil(t, resp)

	assert.Equal(t, 5, counting.lastHitCount)
	assert.Equal(t, 0, client.scrollCalls)
}

func TestForbiddenFieldMutationSurfacesAsFatalError(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
	}

	script := func(ctx map[string]any) (map[string]any, error) {
		ctx["_id"] = "changed"
		return ctx, nil
	}
	env := testEnvelope()
	d := New(client, env, transform.NewUpdateByQueryTransform(script), nil, waitingConfig())
	resp, err := d.Run(context.Background())

	require.Nil(t, resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "_id")
}

func TestContextAndHeaderPropagationReachesEveryRequest(t *testing.T) {
	client := &fakeClient{
		searchResp: esclient.SearchResponse{
			ScrollID: "scroll-1",
			Hits: esclient.Hits{
				Total: 1,
				Items: []esclient.Hit{{Index: "source", ID: "1", Source: hitJSON(t, "1")}},
			},
		},
		bulkResponses: []esclient.BulkResponse{{
			Items: []esclient.BulkResultItem{{OpType: esclient.OpIndex, Index: "dest", ID: "1", Created: true}},
		}},
		scrollResponses: []esclient.SearchResponse{{}},
	}

	env := testEnvelope()
	env.Headers = map[string][]string{"X-Tenant": {"acme"}}
	d := New(client, env, &passthroughTransform{}, nil, waitingConfig())
	_, err := d.Run(context.Background())
	require.NoError(t, err)

	require.NotEmpty(t, client.recordedHeaders)
	for _, h := range client.recordedHeaders {
		assert.Equal(t, "acme", h.Get("X-Tenant"))
	}
}

func TestRequireClusterVersionRefusesBelowMinimum(t *testing.T) {
	err := RequireClusterVersion("reindex", "2.2.0", DefaultMinClusterVersion)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Refusing to execute [reindex] because the entire cluster has not been upgraded to 2.3.0")

	var versionErr *ClusterVersionError
	require.ErrorAs(t, err, &versionErr)
	assert.Equal(t, "reindex", versionErr.RequestDescription)
	assert.Equal(t, DefaultMinClusterVersion, versionErr.MinVersion)
}

func TestRequireClusterVersionPassesAtOrAboveMinimum(t *testing.T) {
	assert.NoError(t, RequireClusterVersion("reindex", DefaultMinClusterVersion, DefaultMinClusterVersion))
	assert.NoError(t, RequireClusterVersion("reindex", "8.17.0", DefaultMinClusterVersion))
}

func TestRunRefusesClusterVersionBelowConfiguredMinimum(t *testing.T) {
	client := &fakeClient{}
	env := testEnvelope()
	cfg := waitingConfig()
	cfg.ClusterVersion = "2.2.0"
	cfg.RequestDescription = "reindex"

	d := New(client, env, &passthroughTransform{}, nil, cfg)
	_, err := d.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Refusing to execute [reindex] because the entire cluster has not been upgraded to")
}

// --- helpers ---

type passthroughTransform struct{}

func (p *passthroughTransform) BuildBulk(hits []esclient.Hit) (transform.BuildResult, error) {
	ops := make([]esclient.BulkOp, 0, len(hits))
	for _, h := range hits {
		ops = append(ops, esclient.BulkOp{Type: esclient.OpIndex, Index: "dest", ID: h.ID, Source: h.Source})
	}
	return transform.BuildResult{Bulk: esclient.BulkRequest{Ops: ops}}, nil
}

type mixedOpTransform struct{}

func (m *mixedOpTransform) BuildBulk(hits []esclient.Hit) (transform.BuildResult, error) {
	ops := make([]esclient.BulkOp, 0, len(hits))
	for i, h := range hits {
		switch i {
		case 0:
			ops = append(ops, esclient.BulkOp{Type: esclient.OpIndex, Index: "dest", ID: h.ID})
		case 1:
			ops = append(ops, esclient.BulkOp{Type: esclient.OpIndex, Index: "dest", ID: h.ID, PreserveVersion: true})
		default:
			ops = append(ops, esclient.BulkOp{Type: esclient.OpDelete, Index: "dest", ID: h.ID})
		}
	}
	return transform.BuildResult{Bulk: esclient.BulkRequest{Ops: ops}}, nil
}

type countingTransform struct {
	lastHitCount int
}

func (c *countingTransform) BuildBulk(hits []esclient.Hit) (transform.BuildResult, error) {
	c.lastHitCount = len(hits)
	ops := make([]esclient.BulkOp, 0, len(hits))
	for _, h := range hits {
		ops = append(ops, esclient.BulkOp{Type: esclient.OpIndex, Index: "dest", ID: h.ID, Source: h.Source})
	}
	return transform.BuildResult{Bulk: esclient.BulkRequest{Ops: ops}}, nil
}

// cancelOnBulkClient trips handle with reason each time a bulk returns.
type cancelOnBulkClient struct {
	*fakeClient
	handle *cancel.Handle
	reason string
}

func (c *cancelOnBulkClient) Bulk(ctx context.Context, req esclient.BulkRequest) (esclient.BulkResponse, error) {
	resp, err := c.fakeClient.Bulk(ctx, req)
	c.handle.Cancel(c.reason)
	return resp, err
}

type fakeConflict struct{}

func (f *fakeConflict) Error() string { return "version conflict" }

func assertRejection() error {
	return &retry.RejectionError{StatusCode: 429, Err: &fakeConflict{}}
}

