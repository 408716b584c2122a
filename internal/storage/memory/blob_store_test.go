package memory

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/divar-listing-bot/internal/pipeline"
)

func TestBlobStoreRoundTrip(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	ctx := context.Background()
	uri, err := store.PutObject(ctx, "reports/job/abc.xlsx", "application/octet-stream", bytes.NewReader([]byte("content")))
	require.NoError(t, err)
	require.Equal(t, "memory://reports/job/abc.xlsx", uri)

	got, err := store.GetObject(ctx, "reports/job/abc.xlsx")
	require.NoError(t, err)
	require.Equal(t, "content", string(got))

	got[0] = 'C'
	again, err := store.GetObject(ctx, "reports/job/abc.xlsx")
	require.NoError(t, err)
	require.Equal(t, "content", string(again))

	_, err = store.GetObject(ctx, "nope")
	require.ErrorIs(t, err, pipeline.ErrObjectNotFound)
}
