// Package transform maps search hits to bulk mutation ops: the pluggable
// hook the scroll driver calls once per batch, plus the three built-in
// transforms (reindex, update-by-query, delete-by-query).
package transform

import (
	"encoding/json"
	"fmt"

	"github.com/pteich/bulkbyscroll/esclient"
)

// ForbiddenFieldError reports that a script attempted to mutate a hit's
// identity or routing field, which only the engine itself may set.
type ForbiddenFieldError struct {
	Field string
}

func (e *ForbiddenFieldError) Error() string {
	return fmt.Sprintf("Modifying [%s] not allowed", e.Field)
}

// forbiddenFields are the identity/routing keys a ScriptFunc must not
// change, keyed by the ctx-map field name it would see them under.
var forbiddenFields = []string{"_index", "_type", "_id", "_version", "_routing", "_parent", "_timestamp", "_ttl"}

// ScriptFunc is a user hook given a mutable view of one hit (identity
// fields plus its decoded source, under the keys in forbiddenFields plus
// "_source") and returning the (possibly mutated) view. Scripts may freely
// change "_source" fields and may set "_op" to "noop" or "delete" to
// override the default mutation for that hit; they must not change any
// forbidden identity field.
type ScriptFunc func(ctx map[string]any) (map[string]any, error)

// BuildResult is what one call to DocumentTransform.BuildBulk produces.
type BuildResult struct {
	Bulk      esclient.BulkRequest
	NoopCount int
}

// DocumentTransform maps one batch of hits to one bulk request.
type DocumentTransform interface {
	BuildBulk(hits []esclient.Hit) (BuildResult, error)
}

// Transform is the shared implementation behind the three built-in
// transforms; which behavior it exhibits is fixed at construction time by
// its opType and destination fields.
type Transform struct {
	opType           esclient.OpType
	destinationIndex string
	destinationType  string
	preserveVersion  bool
	script           ScriptFunc
}

// NewReindexTransform copies hits into destinationIndex/destinationType.
// When either is empty, the hit's own index/type is used instead. Version
// is not preserved unless preserveVersion is set, since the destination is
// a distinct index with its own version history.
func NewReindexTransform(destinationIndex, destinationType string, preserveVersion bool, script ScriptFunc) *Transform {
	return &Transform{
		opType:           esclient.OpIndex,
		destinationIndex: destinationIndex,
		destinationType:  destinationType,
		preserveVersion:  preserveVersion,
		script:           script,
	}
}

// NewUpdateByQueryTransform re-indexes each hit into its own index/type/id,
// preserving its version.
func NewUpdateByQueryTransform(script ScriptFunc) *Transform {
	return &Transform{
		opType:          esclient.OpIndex,
		preserveVersion: true,
		script:          script,
	}
}

// NewDeleteByQueryTransform emits one delete bulk item per hit.
func NewDeleteByQueryTransform() *Transform {
	return &Transform{opType: esclient.OpDelete}
}

// BuildBulk implements DocumentTransform.
func (t *Transform) BuildBulk(hits []esclient.Hit) (BuildResult, error) {
	var result BuildResult
	result.Bulk.Ops = make([]esclient.BulkOp, 0, len(hits))

	for _, hit := range hits {
		if t.opType == esclient.OpDelete {
			result.Bulk.Ops = append(result.Bulk.Ops, esclient.BulkOp{
				Type:    esclient.OpDelete,
				Index:   hit.Index,
				DocType: hit.Type,
				ID:      hit.ID,
				Routing: hit.Routing,
			})
			continue
		}

		op, noop, err := t.buildIndexOp(hit)
		if err != nil {
			return BuildResult{}, err
		}
		if noop {
			result.NoopCount++
			continue
		}
		result.Bulk.Ops = append(result.Bulk.Ops, op)
	}

	return result, nil
}

func (t *Transform) buildIndexOp(hit esclient.Hit) (esclient.BulkOp, bool, error) {
	var source map[string]any
	if len(hit.Source) > 0 {
		if err := json.Unmarshal(hit.Source, &source); err != nil {
			return esclient.BulkOp{}, false, fmt.Errorf("decoding hit %s/%s/%s source: %w", hit.Index, hit.Type, hit.ID, err)
		}
	} else {
		source = map[string]any{}
	}

	destIndex := hit.Index
	if t.destinationIndex != "" {
		destIndex = t.destinationIndex
	}
	destType := hit.Type
	if t.destinationType != "" {
		destType = t.destinationType
	}

	opField := ""
	if t.script != nil {
		ctx := map[string]any{
			"_index":     hit.Index,
			"_type":      hit.Type,
			"_id":        hit.ID,
			"_version":   hit.Version,
			"_routing":   hit.Routing,
			"_timestamp": nil,
			"_ttl":       nil,
			"_parent":    nil,
			"_source":    source,
		}

		originals := make(map[string]any, len(forbiddenFields))
		for _, field := range forbiddenFields {
			originals[field] = ctx[field]
		}

		mutated, err := t.script(ctx)
		if err != nil {
			return esclient.BulkOp{}, false, err
		}

		for _, field := range forbiddenFields {
			if mv, ok := mutated[field]; ok && !equalValues(originals[field], mv) {
				return esclient.BulkOp{}, false, &ForbiddenFieldError{Field: field}
			}
		}

		if newSource, ok := mutated["_source"].(map[string]any); ok {
			source = newSource
		}
		if op, ok := mutated["_op"].(string); ok {
			opField = op
		}
	}

	if opField == "noop" {
		return esclient.BulkOp{}, true, nil
	}
	if opField == "delete" {
		return esclient.BulkOp{
			Type:    esclient.OpDelete,
			Index:   destIndex,
			DocType: destType,
			ID:      hit.ID,
			Routing: hit.Routing,
		}, false, nil
	}

	sourceJSON, err := json.Marshal(source)
	if err != nil {
		return esclient.BulkOp{}, false, fmt.Errorf("encoding hit %s/%s/%s source: %w", hit.Index, hit.Type, hit.ID, err)
	}

	return esclient.BulkOp{
		Type:            t.opType,
		Index:           destIndex,
		DocType:         destType,
		ID:              hit.ID,
		Routing:         hit.Routing,
		Version:         hit.Version,
		PreserveVersion: t.preserveVersion,
		Source:          sourceJSON,
	}, false, nil
}

func equalValues(a, b any) bool {
	aj, aErr := json.Marshal(a)
	bj, bErr := json.Marshal(b)
	if aErr != nil || bErr != nil {
		return false
	}
	return string(aj) == string(bj)
}
