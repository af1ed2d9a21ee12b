package progress_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pteich/bulkbyscroll/progress"
)

func TestSetTotalSetOnce(t *testing.T) {
	r := progress.New()
	r.SetTotal(100)
	r.SetTotal(200)

	assert.Equal(t, int64(100), r.Snapshot().Total)
}

func TestCountersAndSuccessfullyProcessed(t *testing.T) {
	r := progress.New()
	r.SetTotal(10)
	r.CountBatch()
	r.CountBatch()
	r.CountCreated()
	r.CountUpdated()
	r.CountUpdated()
	r.CountDeleted()
	r.CountVersionConflict()
	r.CountNoop()
	r.CountRetry()

	snap := r.Snapshot()
	assert.Equal(t, int64(10), snap.Total)
	assert.Equal(t, int64(2), snap.Batches)
	assert.Equal(t, int64(1), snap.Created)
	assert.Equal(t, int64(2), snap.Updated)
	assert.Equal(t, int64(1), snap.Deleted)
	assert.Equal(t, int64(1), snap.VersionConflicts)
	assert.Equal(t, int64(1), snap.Noops)
	assert.Equal(t, int64(1), snap.Retries)
	assert.Equal(t, int64(4), r.SuccessfullyProcessed())
}

func TestSetCancelledFirstReasonWins(t *testing.T) {
	r := progress.New()
	r.SetCancelled("user requested cancel")
	r.SetCancelled("timed out")

	assert.Equal(t, "user requested cancel", r.Snapshot().ReasonCancelled)
}

func TestStatusJSONFieldOrderReindex(t *testing.T) {
	r := progress.New()
	r.SetTotal(5)
	r.CountCreated()
	r.CountDeleted()
	status := progress.NewStatus(r.Snapshot(), progress.VariantReindex)

	out, err := json.Marshal(status)
	require.NoError(t, err)

	expected := `{"total":5,"updated":0,"created":1,"deleted":1,"batches":0,"version_conflicts":0,"noops":0,"retries":0}`
	assert.JSONEq(t, expected, string(out))
	assert.Equal(t, expected, string(out))
}

func TestStatusJSONOmitsCreatedForDeleteByQuery(t *testing.T) {
	r := progress.New()
	r.CountDeleted()
	status := progress.NewStatus(r.Snapshot(), progress.VariantDeleteByQuery)

	out, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	_, hasCreated := decoded["created"]
	assert.False(t, hasCreated)
	_, hasDeleted := decoded["deleted"]
	assert.True(t, hasDeleted)
}

func TestStatusJSONOmitsDeletedForUpdateByQuery(t *testing.T) {
	r := progress.New()
	r.CountCreated()
	status := progress.NewStatus(r.Snapshot(), progress.VariantUpdateByQuery)

	out, err := json.Marshal(status)
	require.NoError(t, err)

	var decoded map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(out, &decoded))
	_, hasCreated := decoded["created"]
	assert.True(t, hasCreated)
	_, hasDeleted := decoded["deleted"]
	assert.False(t, hasDeleted)
}

func TestStatusJSONIncludesCanceledWhenSet(t *testing.T) {
	r := progress.New()
	r.SetCancelled("user requested cancel")
	status := progress.NewStatus(r.Snapshot(), progress.VariantReindex)

	out, err := json.Marshal(status)
	require.NoError(t, err)
	assert.Contains(t, string(out), `"canceled":"user requested cancel"`)
	assert.True(t, len(out) > 0 && out[len(out)-2] != ',')
}

func TestStatusRoundTripsThroughDecodeStatus(t *testing.T) {
	r := progress.New()
	r.SetTotal(42)
	r.CountBatch()
	r.CountCreated()
	r.CountDeleted()
	r.CountVersionConflict()
	r.CountNoop()
	r.CountRetry()
	r.SetCancelled("user requested cancel")

	status := progress.NewStatus(r.Snapshot(), progress.VariantReindex)

	out, err := json.Marshal(status)
	require.NoError(t, err)

	decoded, err := progress.DecodeStatus(out, progress.VariantReindex)
	require.NoError(t, err)
	assert.Equal(t, status, decoded)
}

func TestStatusRoundTripsOmittingCreatedOrDeletedByVariant(t *testing.T) {
	r := progress.New()
	r.SetTotal(7)
	r.CountDeleted()
	status := progress.NewStatus(r.Snapshot(), progress.VariantDeleteByQuery)

	out, err := json.Marshal(status)
	require.NoError(t, err)

	decoded, err := progress.DecodeStatus(out, progress.VariantDeleteByQuery)
	require.NoError(t, err)
	assert.Equal(t, int64(0), decoded.Created)
	assert.Equal(t, int64(1), decoded.Deleted)
}

func TestDecodeStatusRejectsNegativeCounters(t *testing.T) {
	_, err := progress.DecodeStatus([]byte(`{"total":-1,"updated":0,"created":0,"deleted":0,"batches":0,"version_conflicts":0,"noops":0,"retries":0}`), progress.VariantReindex)
	require.Error(t, err)
	assert.Equal(t, "total must be greater than 0 but was [-1]", err.Error())
}

func TestCheckPositiveRejectsNegative(t *testing.T) {
	err := progress.CheckPositive(-1, "total")
	require.Error(t, err)
	assert.Equal(t, "total must be greater than 0 but was [-1]", err.Error())

	assert.NoError(t, progress.CheckPositive(0, "total"))
}
