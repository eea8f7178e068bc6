package auth

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/valyala/fasthttp"

	"github.com/saiset-co/sai-query/logger"
	"github.com/saiset-co/sai-query/persist"
	"github.com/saiset-co/sai-query/types"
)

func init() {
	scryptN = 1 << 10
}

func newStore(t *testing.T, storage types.Storage, secret string) *TokenStore {
	t.Helper()
	store, err := NewTokenStore(&types.AuthConfig{Secret: secret}, storage, logger.NewNop())
	require.NoError(t, err)
	return store
}

func TestTokenStoreRoundTrip(t *testing.T) {
	ctx := context.Background()
	storage := persist.NewMemoryStorage()
	store := newStore(t, storage, "s3cret")

	_, err := store.Token(ctx)
	assert.ErrorIs(t, err, types.ErrTokenNotFound)

	require.NoError(t, store.Set(ctx, "jwt-abc"))

	raw, err := storage.GetItem(ctx, DefaultTokenKey)
	require.NoError(t, err)
	assert.NotContains(t, raw, "jwt-abc")

	fresh := newStore(t, storage, "s3cret")
	token, err := fresh.Token(ctx)
	require.NoError(t, err)
	assert.Equal(t, "jwt-abc", token)

	require.NoError(t, fresh.Clear(ctx))
	_, err = fresh.Token(ctx)
	assert.ErrorIs(t, err, types.ErrTokenNotFound)

	_, err = storage.GetItem(ctx, DefaultTokenKey)
	assert.ErrorIs(t, err, types.ErrStorageKeyNotFound)
}

func TestTokenStoreSealsWithFreshSalt(t *testing.T) {
	ctx := context.Background()
	storage := persist.NewMemoryStorage()
	store := newStore(t, storage, "s3cret")

	require.NoError(t, store.Set(ctx, "same"))
	first, err := storage.GetItem(ctx, DefaultTokenKey)
	require.NoError(t, err)

	require.NoError(t, store.Set(ctx, "same"))
	second, err := storage.GetItem(ctx, DefaultTokenKey)
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
}

func TestTokenStoreRejectsWrongSecret(t *testing.T) {
	ctx := context.Background()
	storage := persist.NewMemoryStorage()
	require.NoError(t, newStore(t, storage, "right").Set(ctx, "jwt"))

	_, err := newStore(t, storage, "wrong").Token(ctx)
	assert.ErrorIs(t, err, types.ErrTokenCorrupted)
}

func TestTokenStoreRejectsGarbage(t *testing.T) {
	ctx := context.Background()

	for name, value := range map[string]string{
		"not base64": "%%%",
		"too short":  "AAAA",
	} {
		t.Run(name, func(t *testing.T) {
			storage := persist.NewMemoryStorage()
			require.NoError(t, storage.SetItem(ctx, DefaultTokenKey, value))

			_, err := newStore(t, storage, "s3cret").Token(ctx)
			assert.ErrorIs(t, err, types.ErrTokenCorrupted)
		})
	}
}

func TestNewTokenStoreValidation(t *testing.T) {
	_, err := NewTokenStore(&types.AuthConfig{}, persist.NewMemoryStorage(), logger.NewNop())
	assert.ErrorIs(t, err, types.ErrAuthSecretMissing)

	_, err = NewTokenStore(&types.AuthConfig{Secret: "x"}, nil, logger.NewNop())
	assert.ErrorIs(t, err, types.ErrStorageIsDisabled)

	store, err := NewTokenStore(&types.AuthConfig{Secret: "x", TokenKey: "custom"}, persist.NewMemoryStorage(), logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, "custom", store.key)

	assert.Error(t, store.Set(context.Background(), ""))
}

func TestBearerProvider(t *testing.T) {
	ctx := context.Background()

	t.Run("attaches token", func(t *testing.T) {
		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)

		require.NoError(t, NewBearerProvider(StaticToken("abc")).Authenticate(ctx, req))
		assert.Equal(t, "Bearer abc", string(req.Header.Peek(fasthttp.HeaderAuthorization)))
	})

	t.Run("anonymous without token", func(t *testing.T) {
		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)

		require.NoError(t, NewBearerProvider(StaticToken("")).Authenticate(ctx, req))
		assert.Empty(t, req.Header.Peek(fasthttp.HeaderAuthorization))
	})

	t.Run("reads from token store", func(t *testing.T) {
		store := newStore(t, persist.NewMemoryStorage(), "s3cret")
		require.NoError(t, store.Set(ctx, "stored"))

		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)

		provider := NewBearerProvider(store)
		assert.Equal(t, "bearer", provider.Type())
		require.NoError(t, provider.Authenticate(ctx, req))
		assert.Equal(t, "Bearer stored", string(req.Header.Peek(fasthttp.HeaderAuthorization)))
	})

	t.Run("propagates store failures", func(t *testing.T) {
		storage := persist.NewMemoryStorage()
		require.NoError(t, storage.SetItem(ctx, DefaultTokenKey, "%%%"))

		req := fasthttp.AcquireRequest()
		defer fasthttp.ReleaseRequest(req)

		err := NewBearerProvider(newStore(t, storage, "s3cret")).Authenticate(ctx, req)
		assert.ErrorIs(t, err, types.ErrTokenCorrupted)
	})
}
