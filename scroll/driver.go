// Package scroll implements the bulk-by-scroll control loop: initial
// search, scroll continuation, bulk dispatch with retry, cancellation,
// termination, and the best-effort scroll release that runs on every exit
// path.
package scroll

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/Masterminds/semver/v3"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/sync/errgroup"

	"github.com/pteich/bulkbyscroll/cancel"
	"github.com/pteich/bulkbyscroll/esclient"
	"github.com/pteich/bulkbyscroll/progress"
	"github.com/pteich/bulkbyscroll/request"
	"github.com/pteich/bulkbyscroll/retry"
	"github.com/pteich/bulkbyscroll/transform"
)

// tracer names the span for every sub-request a Driver issues against its
// esclient.Client, distinct from the generic per-HTTP-call span otelhttp
// already wraps the transport in.
var tracer = otel.Tracer("github.com/pteich/bulkbyscroll/scroll")

// traceCall starts a span named name, runs fn, and records fn's error (if
// any) onto the span before ending it. Every sub-request the driver issues
// — search, scroll, bulk, refresh, clear_scroll — goes through this.
func traceCall(ctx context.Context, name string, fn func(context.Context) error) error {
	ctx, span := tracer.Start(ctx, name)
	defer span.End()

	err := fn(ctx)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

// DefaultMinClusterVersion is the cluster version floor the original
// reindex plugin enforced.
const DefaultMinClusterVersion = "2.3.0"

// ClusterVersionError reports that the backend is older than the
// configured minimum.
type ClusterVersionError struct {
	RequestDescription string
	MinVersion         string
}

func (e *ClusterVersionError) Error() string {
	return fmt.Sprintf("Refusing to execute [%s] because the entire cluster has not been upgraded to %s", e.RequestDescription, e.MinVersion)
}

// RequireClusterVersion fails if current is older than min.
func RequireClusterVersion(requestDescription, current, min string) error {
	cur, err := semver.NewVersion(current)
	if err != nil {
		return fmt.Errorf("parsing cluster version %q: %w", current, err)
	}
	minimum, err := semver.NewVersion(min)
	if err != nil {
		return fmt.Errorf("parsing minimum cluster version %q: %w", min, err)
	}
	if cur.LessThan(minimum) {
		return &ClusterVersionError{RequestDescription: requestDescription, MinVersion: min}
	}
	return nil
}

// Failure is one reported (non-suppressed) shard or bulk item failure.
type Failure struct {
	Index   string
	Type    string
	ID      string
	Status  int
	Err     error
	Message string
}

// Response is the terminal, successful outcome of a driver run.
type Response struct {
	Elapsed          time.Duration
	Progress         progress.Snapshot
	IndexingFailures []Failure
	SearchFailures   []esclient.ShardFailure
	TimedOut         bool
	ReasonCancelled  string
}

// Config controls a Driver's optional behavior.
type Config struct {
	// MinClusterVersion defaults to DefaultMinClusterVersion.
	MinClusterVersion string
	// ClusterVersion is the backend's reported version, checked against
	// MinClusterVersion at the start of Run. When empty, the check is
	// skipped.
	ClusterVersion string
	// WorkerPoolLimit bounds the document-transform worker pool; it
	// defaults to runtime.GOMAXPROCS(0).
	WorkerPoolLimit int
	// Logger receives structured state-transition and termination logs.
	// Defaults to logrus.StandardLogger().
	Logger *logrus.Logger
	// RequestDescription is used only in the cluster-version refusal
	// message.
	RequestDescription string
}

// Driver runs one bulk-by-scroll request to completion. A Driver is not
// reusable across requests.
type Driver struct {
	client    esclient.Client
	req       *request.Envelope
	xform     transform.DocumentTransform
	progress  *progress.Record
	cancelled *cancel.Handle
	cfg       Config
	logger    *logrus.Logger

	scrollID           string
	destinationIndices map[string]struct{}
	startedAt          time.Time
	terminated         bool
}

// New builds a Driver for one request. handle may be nil, in which case
// the driver creates its own, which Driver.Cancel trips.
func New(client esclient.Client, req *request.Envelope, xform transform.DocumentTransform, handle *cancel.Handle, cfg Config) *Driver {
	if cfg.MinClusterVersion == "" {
		cfg.MinClusterVersion = DefaultMinClusterVersion
	}
	if cfg.WorkerPoolLimit <= 0 {
		cfg.WorkerPoolLimit = runtime.GOMAXPROCS(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.StandardLogger()
	}
	if handle == nil {
		handle = cancel.New()
	}
	return &Driver{
		client:             client,
		req:                req,
		xform:              xform,
		progress:           progress.New(),
		cancelled:          handle,
		cfg:                cfg,
		logger:             cfg.Logger,
		destinationIndices: map[string]struct{}{},
	}
}

// Progress exposes the live progress record for external status readers
// (e.g. a CLI progress bar polling Snapshot()).
func (d *Driver) Progress() *progress.Record { return d.progress }

// Cancel requests cooperative termination with reason. Takes effect at the
// next state transition the driver observes.
func (d *Driver) Cancel(reason string) { d.cancelled.Cancel(reason) }

// Run drives the request to completion and returns its Response, or an
// error if the run failed catastrophically. Cancellation is not reported
// as an error; check the returned Response's ReasonCancelled field.
func (d *Driver) Run(ctx context.Context) (*Response, error) {
	if d.cfg.ClusterVersion != "" {
		if err := RequireClusterVersion(d.cfg.RequestDescription, d.cfg.ClusterVersion, d.cfg.MinClusterVersion); err != nil {
			return nil, err
		}
	}

	if err := d.req.ApplyDefaults(); err != nil {
		return nil, err
	}

	d.startedAt = time.Now()

	ctx, stopWatch := d.cancelled.WithContext(ctx)
	defer stopWatch()

	pool, poolCtx := errgroup.WithContext(ctx)
	pool.SetLimit(d.cfg.WorkerPoolLimit)

	searchReq := esclient.SearchRequest{
		Index:           strings.Join(d.req.SourceIndices, ","),
		Source:          d.req.SearchSource,
		ScrollKeepalive: d.req.ScrollKeepalive,
		Context:         d.req.Context,
		Headers:         d.req.Headers,
	}

	var resp esclient.SearchResponse
	err := traceCall(ctx, "search", func(ctx context.Context) error {
		var searchErr error
		resp, searchErr = d.client.Search(ctx, searchReq)
		return searchErr
	})
	if err != nil {
		return d.terminate(err, nil, nil, false)
	}

	var indexingFailures []Failure
	var searchFailures []esclient.ShardFailure
	timedOut := false

	for {
		if d.cancelled.Cancelled() {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		d.scrollID = resp.ScrollID

		if len(resp.ShardFailures) > 0 || resp.TimedOut {
			searchFailures = append(searchFailures, resp.ShardFailures...)
			timedOut = timedOut || resp.TimedOut
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		d.progress.SetTotal(clampTotal(resp.Hits.Total, d.req.Size))

		if len(resp.Hits.Items) == 0 {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		if poolCtx.Err() != nil {
			return d.terminate(fmt.Errorf("document-transform worker pool unavailable: %w", poolCtx.Err()), indexingFailures, searchFailures, timedOut)
		}

		hits := truncateHits(resp.Hits.Items, d.req.Size, d.progress.SuccessfullyProcessed())

		var buildResult transform.BuildResult
		var buildErr error
		pool.Go(func() error {
			d.progress.CountBatch()
			buildResult, buildErr = d.xform.BuildBulk(hits)
			return nil
		})
		if err := pool.Wait(); err != nil {
			return d.terminate(err, indexingFailures, searchFailures, timedOut)
		}
		if buildErr != nil {
			return d.terminate(buildErr, indexingFailures, searchFailures, timedOut)
		}

		for i := 0; i < buildResult.NoopCount; i++ {
			d.progress.CountNoop()
		}

		if len(buildResult.Bulk.Ops) == 0 {
			resp, err = d.nextScroll(ctx)
			if err != nil {
				return d.terminate(err, indexingFailures, searchFailures, timedOut)
			}
			continue
		}

		buildResult.Bulk.Timeout = d.req.Timeout
		buildResult.Bulk.Consistency = byte(d.req.Consistency)
		buildResult.Bulk.Context = d.req.Context
		buildResult.Bulk.Headers = d.req.Headers

		if d.cancelled.Cancelled() {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		bulkResp, sendErr := d.sendBulk(ctx, buildResult.Bulk)
		if sendErr != nil && !retry.IsRejection(sendErr) {
			return d.terminate(sendErr, indexingFailures, searchFailures, timedOut)
		}

		// A rejection that survives every retry is not a fatal error: the
		// last bulk response already carries the per-item 429s, which
		// onBulkResponse below turns into ordinary indexing failures.

		var batchFailed bool
		indexingFailures, batchFailed, err = d.onBulkResponse(bulkResp, indexingFailures)
		if err != nil {
			return d.terminate(err, indexingFailures, searchFailures, timedOut)
		}
		if batchFailed {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		if d.req.Size != request.SizeAllMatches && d.progress.SuccessfullyProcessed() >= int64(d.req.Size) {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		if d.cancelled.Cancelled() {
			return d.terminate(nil, indexingFailures, searchFailures, timedOut)
		}

		resp, err = d.nextScroll(ctx)
		if err != nil {
			return d.terminate(err, indexingFailures, searchFailures, timedOut)
		}
	}
}

func (d *Driver) nextScroll(ctx context.Context) (esclient.SearchResponse, error) {
	var resp esclient.SearchResponse
	err := traceCall(ctx, "scroll", func(ctx context.Context) error {
		var scrollErr error
		resp, scrollErr = d.client.Scroll(ctx, d.scrollID, d.req.ScrollKeepalive)
		return scrollErr
	})
	return resp, err
}

// sendBulk dispatches bulk through the retry executor, retrying only on a
// transient rejection.
func (d *Driver) sendBulk(ctx context.Context, req esclient.BulkRequest) (esclient.BulkResponse, error) {
	schedule := retry.NewSchedule(d.req.RetryBackoffInitial, d.req.MaxRetries)
	it := schedule.Iterator().Wrap(d.progress)

	var resp esclient.BulkResponse
	err := retry.Do(ctx, it, func(ctx context.Context) error {
		return traceCall(ctx, "bulk", func(ctx context.Context) error {
			var err error
			resp, err = d.client.Bulk(ctx, req)
			if err != nil {
				return err
			}
			if rejected := firstRejection(resp); rejected != nil {
				return rejected
			}
			return nil
		})
	})
	return resp, err
}

// firstRejection reports the first transient-rejection status (429) found
// among resp's items, wrapped as a retry.RejectionError, or nil if none.
func firstRejection(resp esclient.BulkResponse) error {
	for _, item := range resp.Items {
		if item.Err != nil && item.Status == 429 {
			return &retry.RejectionError{StatusCode: item.Status, Err: item.Err}
		}
	}
	return nil
}

// onBulkResponse classifies each item, updates counters, and returns the
// (possibly extended) indexing-failure list plus whether the batch should
// cause termination.
func (d *Driver) onBulkResponse(resp esclient.BulkResponse, failures []Failure) ([]Failure, bool, error) {
	failed := false

	for _, item := range resp.Items {
		if item.Err != nil {
			if item.Status == 409 {
				d.progress.CountVersionConflict()
				if !d.req.AbortOnVersionConflict {
					continue
				}
			}
			failures = append(failures, Failure{
				Index:   item.Index,
				Type:    item.DocType,
				ID:      item.ID,
				Status:  item.Status,
				Err:     item.Err,
				Message: item.Err.Error(),
			})
			failed = true
			continue
		}

		switch item.OpType {
		case esclient.OpIndex, esclient.OpCreate:
			if item.Created {
				d.progress.CountCreated()
			} else {
				d.progress.CountUpdated()
			}
		case esclient.OpDelete:
			d.progress.CountDeleted()
		default:
			return failures, false, fmt.Errorf("unrecognized bulk op type %v for %s/%s/%s", item.OpType, item.Index, item.DocType, item.ID)
		}

		if item.Index != "" {
			d.destinationIndices[item.Index] = struct{}{}
		}
	}

	return failures, failed, nil
}

// terminate runs the termination protocol exactly once — optional refresh,
// fire-and-forget ClearScroll, structured logging — and produces the
// single terminal result the listener sees: either a *Response or an
// error, never both. Safe to call more than once; only the first call has
// effect (later calls are a no-op returning (nil, nil)). A refresh failure
// becomes the returned error. A context.Canceled error caused by the
// cancellation handle is reported as a cancellation, not as an error.
func (d *Driver) terminate(err error, indexingFailures []Failure, searchFailures []esclient.ShardFailure, timedOut bool) (*Response, error) {
	if d.terminated {
		return nil, nil
	}
	d.terminated = true

	if d.cancelled.Cancelled() {
		d.progress.SetCancelled(d.cancelled.Reason())
		if errors.Is(err, context.Canceled) {
			err = nil
		}
	}

	if err == nil && !d.cancelled.Cancelled() && d.req.Refresh && len(d.destinationIndices) > 0 {
		if refreshErr := d.refresh(); refreshErr != nil {
			err = refreshErr
		}
	}

	d.clearScroll()

	if err != nil {
		d.logger.WithError(err).Error("bulk-by-scroll run failed")
		return nil, err
	}

	snap := d.progress.Snapshot()
	d.logger.WithFields(logrus.Fields{
		"batches": snap.Batches,
		"retries": snap.Retries,
	}).Info("bulk-by-scroll run finished")

	return &Response{
		Elapsed:          time.Since(d.startedAt),
		Progress:         snap,
		IndexingFailures: indexingFailures,
		SearchFailures:   searchFailures,
		TimedOut:         timedOut,
		ReasonCancelled:  snap.ReasonCancelled,
	}, nil
}

func (d *Driver) refresh() error {
	indices := make([]string, 0, len(d.destinationIndices))
	for idx := range d.destinationIndices {
		indices = append(indices, idx)
	}
	ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelFn()
	return traceCall(ctx, "refresh", func(ctx context.Context) error {
		return d.client.Refresh(ctx, indices)
	})
}

func (d *Driver) clearScroll() {
	if d.scrollID == "" {
		return
	}
	scrollID := d.scrollID
	go func() {
		ctx, cancelFn := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancelFn()
		err := traceCall(ctx, "clear_scroll", func(ctx context.Context) error {
			return d.client.ClearScroll(ctx, []string{scrollID})
		})
		if err != nil {
			d.logger.WithError(err).WithField("scroll_id", scrollID).Warn("failed to clear scroll")
		}
	}()
}

func clampTotal(total int64, size int) int64 {
	if size == request.SizeAllMatches {
		return total
	}
	if int64(size) < total {
		return int64(size)
	}
	return total
}

func truncateHits(hits []esclient.Hit, size int, alreadyProcessed int64) []esclient.Hit {
	if size == request.SizeAllMatches {
		return hits
	}
	remaining := int64(size) - alreadyProcessed
	if remaining < 0 {
		remaining = 0
	}
	if int64(len(hits)) > remaining {
		return hits[:remaining]
	}
	return hits
}
