package memory

import (
	"context"
	"errors"
	"testing"

	"docflow/internal/store"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDocument(t *testing.T, s *Store, name string) *store.Document {
	t.Helper()
	d := &store.Document{ID: uuid.New(), Name: name, Location: "s3://docs/" + name}
	require.NoError(t, s.CreateDocument(context.Background(), d))
	return d
}

func TestInTx_CommitKeepsWrites(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newDocument(t, s, "a.txt")

	err := s.InTx(ctx, func(repo store.TenantRepository) error {
		return repo.SetDocumentState(ctx, a.ID, store.DocumentStateQueued)
	})
	require.NoError(t, err)

	got, err := s.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStateQueued, got.State)
}

func TestInTx_RollbackKeepsWritesOutsideTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newDocument(t, s, "a.txt")
	b := newDocument(t, s, "b.txt")
	c := &store.Document{ID: uuid.New(), Name: "c.txt"}
	var d *store.Document

	boom := errors.New("boom")
	err := s.InTx(ctx, func(repo store.TenantRepository) error {
		require.NoError(t, repo.SetDocumentState(ctx, a.ID, store.DocumentStateQueued))
		require.NoError(t, repo.CreateDocument(ctx, c))

		// Another writer lands while the transaction is open.
		_, err := s.MergeDocumentMetadata(ctx, b.ID, map[string]any{"pages": 3}, false)
		require.NoError(t, err)
		d = newDocument(t, s, "d.txt")
		return boom
	})
	require.ErrorIs(t, err, boom)

	gotA, err := s.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStatePending, gotA.State)

	_, err = s.GetDocument(ctx, c.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)

	gotB, err := s.GetDocument(ctx, b.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 3, gotB.Metadata["pages"])

	_, err = s.GetDocument(ctx, d.ID)
	assert.NoError(t, err)
}

func TestInTx_NestedJoinsOuterTransaction(t *testing.T) {
	ctx := context.Background()
	s := New()
	a := newDocument(t, s, "a.txt")

	boom := errors.New("boom")
	err := s.InTx(ctx, func(repo store.TenantRepository) error {
		if err := repo.InTx(ctx, func(inner store.TenantRepository) error {
			return inner.SetDocumentState(ctx, a.ID, store.DocumentStateQueued)
		}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	got, err := s.GetDocument(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, store.DocumentStatePending, got.State)
}
