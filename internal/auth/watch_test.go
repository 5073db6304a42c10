package auth

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWatchStoreReloadsOnExternalWrite(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "accounts.json"))
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "dev@example.com", AccessToken: "old"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchStore(ctx, store))

	doc, err := json.Marshal(storeFile{Version: "1.0", Accounts: []*Account{
		{Email: "dev@example.com", AccessToken: "new"},
	}})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(store.Path(), doc, 0o600))

	assert.Eventually(t, func() bool {
		account := store.Get("dev@example.com")
		return account != nil && account.AccessToken == "new"
	}, 3*time.Second, 50*time.Millisecond)
}

func TestWatchStoreIgnoresSiblingFiles(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(filepath.Join(dir, "accounts.json"))
	require.NoError(t, store.Load())
	require.NoError(t, store.Upsert(&Account{Email: "dev@example.com", AccessToken: "keep"}))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	require.NoError(t, WatchStore(ctx, store))

	require.NoError(t, os.WriteFile(filepath.Join(dir, "other.json"), []byte("{}"), 0o600))
	time.Sleep(500 * time.Millisecond)

	assert.Equal(t, "keep", store.Get("dev@example.com").AccessToken)
}
