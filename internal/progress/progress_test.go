package progress

import (
	"context"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemory_RecordAndGet(t *testing.T) {
	m := NewMemory()
	tenantID, jobID := uuid.New(), uuid.New()

	_, err := m.Get(context.Background(), tenantID, jobID)
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, m.Record(context.Background(), Snapshot{TenantID: tenantID, JobID: jobID, Cursor: 1, Total: 4, State: "queued"}))

	got, err := m.Get(context.Background(), tenantID, jobID)
	require.NoError(t, err)
	assert.Equal(t, 25, got.Percent())

	_, err = m.Get(context.Background(), uuid.New(), jobID)
	assert.ErrorIs(t, err, ErrNotFound, "snapshots are keyed per tenant")
}

func TestNoop(t *testing.T) {
	var n Noop
	require.NoError(t, n.Record(context.Background(), Snapshot{}))
	_, err := n.Get(context.Background(), uuid.New(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestKeyIsTenantNamespaced(t *testing.T) {
	tenantID, jobID := uuid.New(), uuid.New()
	key := Key(tenantID, jobID)
	assert.True(t, strings.HasPrefix(key, "docflow:tenant:"+tenantID.String()))
	assert.Contains(t, key, jobID.String())
}

func TestPercentEmptyPipeline(t *testing.T) {
	assert.Equal(t, 100, Snapshot{}.Percent())
}
