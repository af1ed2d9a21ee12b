// Package request carries the bulk-by-scroll request envelope: its
// defaults, validation, default-search-source merge, and binary wire form.
package request

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"dario.cat/mergo"

	"github.com/pteich/bulkbyscroll/progress"
	"github.com/pteich/bulkbyscroll/retry"
)

// SizeAllMatches is the sentinel Size value meaning "process every match".
const SizeAllMatches = -1

// Defaults for an Envelope's optional fields.
const (
	DefaultScrollKeepalive = 5 * time.Minute
	DefaultScrollSize      = 100
	DefaultTimeout         = time.Minute
	DefaultRetryBackoff    = retry.DefaultInitialBackoff
	DefaultMaxRetries      = retry.DefaultMaxRetries
)

// Consistency is the write-consistency level requested for a bulk item.
type Consistency byte

const (
	ConsistencyQuorum Consistency = iota
	ConsistencyOne
	ConsistencyAll
)

// Variant selects which concrete request shape an Envelope represents.
type Variant int

const (
	VariantReindex Variant = iota
	VariantUpdateByQuery
	VariantDeleteByQuery
)

// ToProgressVariant maps a request Variant onto the corresponding
// progress.Variant used for status encoding.
func (v Variant) ToProgressVariant() progress.Variant {
	switch v {
	case VariantUpdateByQuery:
		return progress.VariantUpdateByQuery
	case VariantDeleteByQuery:
		return progress.VariantDeleteByQuery
	default:
		return progress.VariantReindex
	}
}

// Envelope is the bulk-by-scroll request. Zero value is not valid; build
// one with NewReindexRequest, NewUpdateByQueryRequest, or
// NewDeleteByQueryRequest.
type Envelope struct {
	Variant Variant

	// SourceIndices names the index (or indices) the scroll search runs
	// against.
	SourceIndices []string

	SearchSource map[string]any

	Size                   int
	AbortOnVersionConflict bool
	Refresh                bool
	Timeout                time.Duration
	Consistency            Consistency
	RetryBackoffInitial    time.Duration
	MaxRetries             int
	ScrollKeepalive        time.Duration

	Context map[string]string
	Headers map[string][]string
}

// defaultSearchSource mirrors the original's DEFAULT_SOURCE: request
// document versions, page in batches of DefaultScrollSize, sort by
// insertion order.
func defaultSearchSource() map[string]any {
	return map[string]any{
		"version": true,
		"size":    DefaultScrollSize,
		"sort":    []any{"_doc"},
	}
}

func newEnvelope(variant Variant) *Envelope {
	return &Envelope{
		Variant:                variant,
		SearchSource:           map[string]any{},
		Size:                   SizeAllMatches,
		AbortOnVersionConflict: true,
		Refresh:                false,
		Timeout:                DefaultTimeout,
		Consistency:            ConsistencyQuorum,
		RetryBackoffInitial:    DefaultRetryBackoff,
		MaxRetries:             DefaultMaxRetries,
		ScrollKeepalive:        DefaultScrollKeepalive,
		Context:                map[string]string{},
		Headers:                map[string][]string{},
	}
}

// NewReindexRequest returns an Envelope defaulted for a reindex.
func NewReindexRequest() *Envelope { return newEnvelope(VariantReindex) }

// NewUpdateByQueryRequest returns an Envelope defaulted for an
// update-by-query.
func NewUpdateByQueryRequest() *Envelope { return newEnvelope(VariantUpdateByQuery) }

// NewDeleteByQueryRequest returns an Envelope defaulted for a
// delete-by-query. Supplements the distilled request shapes with the
// original reindex plugin's symmetric bulk-deletion cousin.
func NewDeleteByQueryRequest() *Envelope { return newEnvelope(VariantDeleteByQuery) }

// SetConflicts sets AbortOnVersionConflict from the REST-friendly names
// "proceed" (continue past conflicts) or "abort" (stop on the first one).
func (e *Envelope) SetConflicts(conflicts string) error {
	switch conflicts {
	case "proceed":
		e.AbortOnVersionConflict = false
		return nil
	case "abort":
		e.AbortOnVersionConflict = true
		return nil
	default:
		return fmt.Errorf("conflicts may only be %q or %q but was [%s]", "proceed", "abort", conflicts)
	}
}

// ValidationError aggregates every violation Validate found.
type ValidationError struct {
	Violations []string
}

func (e *ValidationError) Error() string {
	if len(e.Violations) == 1 {
		return e.Violations[0]
	}
	msg := "invalid request:"
	for _, v := range e.Violations {
		msg += " " + v + ";"
	}
	return msg
}

// Validate checks the envelope, returning a *ValidationError naming every
// violation found, or nil.
func (e *Envelope) Validate() error {
	var violations []string

	if e.MaxRetries < 0 {
		violations = append(violations, "retries cannot be negative")
	}
	if !(e.Size == SizeAllMatches || e.Size > 0) {
		violations = append(violations, fmt.Sprintf(
			"size should be greater than 0 if the request is limited to some number of documents or -1 if it isn't but it was [%d]",
			e.Size))
	}
	if e.Size > math.MaxInt32 {
		violations = append(violations, fmt.Sprintf("size must not exceed [%d] but was [%d]", math.MaxInt32, e.Size))
	}
	if e.SearchSource == nil {
		violations = append(violations, "search source must not be nil")
	}

	if len(violations) == 0 {
		return nil
	}
	return &ValidationError{Violations: violations}
}

// ApplyDefaults deep-merges the default search source into the envelope's
// user-supplied source, with user values winning on conflict. It does not
// touch ScrollKeepalive, which the scroll driver copies onto the search
// request it builds. Call once, before dispatch.
func (e *Envelope) ApplyDefaults() error {
	merged := defaultSearchSource()
	if err := mergo.Merge(&merged, e.SearchSource, mergo.WithOverride); err != nil {
		return fmt.Errorf("applying default search source: %w", err)
	}
	e.SearchSource = merged
	return nil
}

// Encode writes the envelope's binary wire form: search_request (as a JSON
// payload, length-prefixed), abort_on_version_conflict, size (varint),
// refresh, timeout (varint nanoseconds), consistency (byte id),
// retry_backoff_initial (varint nanoseconds), max_retries (varint) --
// directly mirroring the original's StreamInput/StreamOutput
// readVInt/writeVInt pairing.
func (e *Envelope) Encode() ([]byte, error) {
	sourceJSON, err := json.Marshal(e.SearchSource)
	if err != nil {
		return nil, fmt.Errorf("encoding search source: %w", err)
	}

	var buf bytes.Buffer
	writeVarintBytes(&buf, sourceJSON)
	writeBool(&buf, e.AbortOnVersionConflict)
	writeVarint(&buf, int64(e.Size))
	writeBool(&buf, e.Refresh)
	writeVarint(&buf, int64(e.Timeout))
	buf.WriteByte(byte(e.Consistency))
	writeVarint(&buf, int64(e.RetryBackoffInitial))
	writeVarint(&buf, int64(e.MaxRetries))

	return buf.Bytes(), nil
}

// Decode parses the binary wire form produced by Encode into a fresh
// Envelope. Variant, SourceIndices, ScrollKeepalive, Context, and Headers
// are not part of the wire form (they are set separately by the caller
// after decoding): Context and Headers come back as empty maps, the others
// at their zero values.
func Decode(data []byte) (*Envelope, error) {
	r := bytes.NewReader(data)

	sourceJSON, err := readVarintBytes(r)
	if err != nil {
		return nil, fmt.Errorf("decoding search source: %w", err)
	}
	var source map[string]any
	if err := json.Unmarshal(sourceJSON, &source); err != nil {
		return nil, fmt.Errorf("decoding search source: %w", err)
	}

	abortOnConflict, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("decoding abort_on_version_conflict: %w", err)
	}

	size, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("decoding size: %w", err)
	}

	refresh, err := readBool(r)
	if err != nil {
		return nil, fmt.Errorf("decoding refresh: %w", err)
	}

	timeoutNanos, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("decoding timeout: %w", err)
	}

	consistencyByte, err := r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("decoding consistency: %w", err)
	}

	retryBackoffNanos, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("decoding retry_backoff_initial: %w", err)
	}

	maxRetries, err := readVarint(r)
	if err != nil {
		return nil, fmt.Errorf("decoding max_retries: %w", err)
	}
	if maxRetries < 0 {
		return nil, fmt.Errorf("max_retries must be greater than 0 but was [%d]", maxRetries)
	}

	return &Envelope{
		SearchSource:           source,
		Size:                   int(size),
		AbortOnVersionConflict: abortOnConflict,
		Refresh:                refresh,
		Timeout:                time.Duration(timeoutNanos),
		Consistency:            Consistency(consistencyByte),
		RetryBackoffInitial:    time.Duration(retryBackoffNanos),
		MaxRetries:             int(maxRetries),
		Context:                map[string]string{},
		Headers:                map[string][]string{},
	}, nil
}

func writeVarint(buf *bytes.Buffer, v int64) {
	var tmp [binary.MaxVarintLen64]byte
	n := binary.PutVarint(tmp[:], v)
	buf.Write(tmp[:n])
}

func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func writeVarintBytes(buf *bytes.Buffer, data []byte) {
	writeVarint(buf, int64(len(data)))
	buf.Write(data)
}

func readVarint(r *bytes.Reader) (int64, error) {
	return binary.ReadVarint(r)
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readVarintBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readVarint(r)
	if err != nil {
		return nil, err
	}
	if n < 0 {
		return nil, errors.New("negative length prefix")
	}
	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, err
	}
	return data, nil
}
