package repositoryimpl

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexo-labs/nexo/internal/pushsubscription"
	"github.com/nexo-labs/nexo/pkg/cerr"
	"github.com/nexo-labs/nexo/pkg/storage"
)

func TestYAMLRepository(t *testing.T) {
	s, err := storage.NewLocalStorage(t.TempDir())
	require.NoError(t, err)
	r := NewYAMLRepository(s)
	ctx := context.Background()

	sub := &pushsubscription.Subscription{ID: "S1", UserID: "admin-1", Endpoint: "https://push.example/a", P256dhKey: "k", AuthKey: "a", CreatedAt: time.Now()}
	require.NoError(t, r.Create(ctx, sub))
	assert.True(t, cerr.IsCode(r.Create(ctx, sub), cerr.AlreadyExists))

	sub.AuthKey = "b"
	require.NoError(t, r.Update(ctx, sub))
	got, err := r.FindByEndpoint(ctx, "https://push.example/a")
	require.NoError(t, err)
	assert.Equal(t, "b", got.AuthKey)

	_, err = r.FindByEndpoint(ctx, "https://push.example/missing")
	assert.True(t, cerr.IsCode(err, cerr.NotFound))
	assert.True(t, cerr.IsCode(r.Update(ctx, &pushsubscription.Subscription{ID: "S2"}), cerr.NotFound))

	require.NoError(t, r.Delete(ctx, "S1"))
	all, err := r.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, all)
}
