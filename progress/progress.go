// Package progress tracks the running counters of a bulk-by-scroll job and
// renders them into the fixed-order status shape external callers observe.
package progress

import (
	"encoding/json"
	"fmt"
	"sync/atomic"
)

// Record holds the atomic counters for one in-flight bulk-by-scroll job.
// All methods are safe for concurrent use; the document-transform worker
// pool and the scroll driver's own goroutine both mutate it concurrently.
type Record struct {
	total            atomic.Int64
	totalSet         atomic.Bool
	updated          atomic.Int64
	created          atomic.Int64
	deleted          atomic.Int64
	batches          atomic.Int64
	versionConflicts atomic.Int64
	noops            atomic.Int64
	retries          atomic.Int64
	reasonCancelled  atomic.Pointer[string]
}

// New returns a zeroed Record.
func New() *Record {
	return &Record{}
}

// SetTotal records the number of documents the scroll query matched. Only
// the first call has any effect; later calls are a no-op. This mirrors the
// single-shot nature of the initial search response that discovers the
// total hit count, so a late or duplicate scroll response can never
// clobber it.
func (r *Record) SetTotal(total int64) {
	if r.totalSet.CompareAndSwap(false, true) {
		r.total.Store(total)
	}
}

func (r *Record) CountBatch()           { r.batches.Add(1) }
func (r *Record) CountNoop()            { r.noops.Add(1) }
func (r *Record) CountCreated()         { r.created.Add(1) }
func (r *Record) CountUpdated()         { r.updated.Add(1) }
func (r *Record) CountDeleted()         { r.deleted.Add(1) }
func (r *Record) CountVersionConflict() { r.versionConflicts.Add(1) }
func (r *Record) CountRetry()           { r.retries.Add(1) }

// SetCancelled records the first cancellation reason. Later calls are a
// no-op; first reason wins.
func (r *Record) SetCancelled(reason string) {
	r.reasonCancelled.CompareAndSwap(nil, &reason)
}

// SuccessfullyProcessed returns updated+created+deleted. Each counter is
// read independently, so, like a Snapshot, the sum can tear against
// concurrent updates.
func (r *Record) SuccessfullyProcessed() int64 {
	return r.updated.Load() + r.created.Load() + r.deleted.Load()
}

// Snapshot is a point-in-time, independently-read copy of a Record's
// counters. Because each field is read with its own atomic load, a
// Snapshot taken while counters are being updated concurrently may not
// represent a single consistent instant (e.g. Total could reflect a
// moment before Batches increments); callers must tolerate this tearing,
// exactly as the spec requires.
type Snapshot struct {
	Total            int64
	Updated          int64
	Created          int64
	Deleted          int64
	Batches          int64
	VersionConflicts int64
	Noops            int64
	Retries          int64
	ReasonCancelled  string
}

// Snapshot reads every counter independently and returns the result.
func (r *Record) Snapshot() Snapshot {
	var reason string
	if p := r.reasonCancelled.Load(); p != nil {
		reason = *p
	}
	return Snapshot{
		Total:            r.total.Load(),
		Updated:          r.updated.Load(),
		Created:          r.created.Load(),
		Deleted:          r.deleted.Load(),
		Batches:          r.batches.Load(),
		VersionConflicts: r.versionConflicts.Load(),
		Noops:            r.noops.Load(),
		Retries:          r.retries.Load(),
		ReasonCancelled:  reason,
	}
}

// Variant selects which optional fields a Status encodes, matching the
// different response shapes reindex/update-by-query/delete-by-query use.
type Variant int

const (
	// VariantReindex includes both "created" and "deleted".
	VariantReindex Variant = iota
	// VariantUpdateByQuery includes "created" but omits "deleted" (an
	// update-by-query never deletes documents).
	VariantUpdateByQuery
	// VariantDeleteByQuery includes "deleted" but omits "created" (a
	// delete-by-query never creates documents).
	VariantDeleteByQuery
)

// Status is the externally visible, ordered status document. MarshalJSON
// below writes the fields one by one in exactly this order, so the wire
// shape is stable regardless of map iteration order anywhere upstream.
type Status struct {
	Total            int64
	Updated          int64
	Created          int64
	Deleted          int64
	Batches          int64
	VersionConflicts int64
	Noops            int64
	Retries          int64
	ReasonCancelled  string

	variant Variant
}

// NewStatus builds a Status from a Snapshot for the given variant.
func NewStatus(snap Snapshot, variant Variant) Status {
	return Status{
		Total:            snap.Total,
		Updated:          snap.Updated,
		Created:          snap.Created,
		Deleted:          snap.Deleted,
		Batches:          snap.Batches,
		VersionConflicts: snap.VersionConflicts,
		Noops:            snap.Noops,
		Retries:          snap.Retries,
		ReasonCancelled:  snap.ReasonCancelled,
		variant:          variant,
	}
}

// MarshalJSON emits fields in the fixed order total, updated, [created],
// [deleted], batches, version_conflicts, noops, retries, [canceled],
// omitting created/deleted per variant and canceled when there was no
// cancellation.
func (s Status) MarshalJSON() ([]byte, error) {
	var buf []byte
	buf = append(buf, '{')
	buf = appendField(buf, "total", s.Total, true)
	buf = appendField(buf, "updated", s.Updated, false)
	if s.variant != VariantDeleteByQuery {
		buf = appendField(buf, "created", s.Created, false)
	}
	if s.variant != VariantUpdateByQuery {
		buf = appendField(buf, "deleted", s.Deleted, false)
	}
	buf = appendField(buf, "batches", s.Batches, false)
	buf = appendField(buf, "version_conflicts", s.VersionConflicts, false)
	buf = appendField(buf, "noops", s.Noops, false)
	buf = appendField(buf, "retries", s.Retries, false)
	if s.ReasonCancelled != "" {
		reasonJSON, err := json.Marshal(s.ReasonCancelled)
		if err != nil {
			return nil, err
		}
		buf = append(buf, ',')
		buf = append(buf, `"canceled":`...)
		buf = append(buf, reasonJSON...)
	}
	buf = append(buf, '}')
	return buf, nil
}

func appendField(buf []byte, name string, value int64, first bool) []byte {
	if !first {
		buf = append(buf, ',')
	}
	buf = append(buf, '"')
	buf = append(buf, name...)
	buf = append(buf, `":`...)
	buf = append(buf, fmt.Sprintf("%d", value)...)
	return buf
}

// DecodeStatus parses the JSON form MarshalJSON produces back into a
// Status for the given variant. variant must match the one the document
// was encoded with, since a delete-by-query document has no "created" key
// and an update-by-query document has no "deleted" key to decode. Every
// decoded counter is checked with CheckPositive.
func DecodeStatus(data []byte, variant Variant) (Status, error) {
	var wire struct {
		Total            int64  `json:"total"`
		Updated          int64  `json:"updated"`
		Created          int64  `json:"created"`
		Deleted          int64  `json:"deleted"`
		Batches          int64  `json:"batches"`
		VersionConflicts int64  `json:"version_conflicts"`
		Noops            int64  `json:"noops"`
		Retries          int64  `json:"retries"`
		ReasonCancelled  string `json:"canceled"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return Status{}, fmt.Errorf("decoding status: %w", err)
	}

	for _, counter := range []struct {
		name  string
		value int64
	}{
		{"total", wire.Total},
		{"updated", wire.Updated},
		{"created", wire.Created},
		{"deleted", wire.Deleted},
		{"batches", wire.Batches},
		{"version_conflicts", wire.VersionConflicts},
		{"noops", wire.Noops},
		{"retries", wire.Retries},
	} {
		if err := CheckPositive(counter.value, counter.name); err != nil {
			return Status{}, err
		}
	}

	return Status{
		Total:            wire.Total,
		Updated:          wire.Updated,
		Created:          wire.Created,
		Deleted:          wire.Deleted,
		Batches:          wire.Batches,
		VersionConflicts: wire.VersionConflicts,
		Noops:            wire.Noops,
		Retries:          wire.Retries,
		ReasonCancelled:  wire.ReasonCancelled,
		variant:          variant,
	}, nil
}

// CheckPositive validates that a counter decoded off the wire (or supplied
// by a caller constructing a Status directly) is non-negative, matching
// the "<name> must be greater than 0 but was [<value>]" contract counters
// are validated against wherever they cross a boundary.
func CheckPositive(value int64, name string) error {
	if value < 0 {
		return fmt.Errorf("%s must be greater than 0 but was [%d]", name, value)
	}
	return nil
}
