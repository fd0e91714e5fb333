package storage

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/retailmon/market-scraper/internal/browser"
)

func TestSessionStoreRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")

	store, err := NewSessionStore(path)
	require.NoError(t, err)

	cookies := []browser.Cookie{
		{Name: "session_id", Value: "abc", Domain: ".ozon.ru", Path: "/"},
		{Name: "token", Value: "xyz", Domain: ".ozon.ru", Secure: true},
	}
	require.NoError(t, store.Set("ozon", cookies))

	got, ok := store.Cookies("ozon")
	require.True(t, ok)
	assert.Len(t, got, 2)
	assert.Equal(t, "session_id", got[0].Name)

	// A fresh store must read the same state back from disk.
	reloaded, err := NewSessionStore(path)
	require.NoError(t, err)
	got, ok = reloaded.Cookies("ozon")
	require.True(t, ok)
	assert.Len(t, got, 2)
}

func TestSessionStoreExpiredCookiesFiltered(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	past := float64(time.Now().Add(-time.Hour).Unix())
	future := float64(time.Now().Add(24 * time.Hour).Unix())
	require.NoError(t, store.Set("wildberries", []browser.Cookie{
		{Name: "stale", Value: "1", Domain: ".wildberries.ru", Expires: past},
		{Name: "fresh", Value: "2", Domain: ".wildberries.ru", Expires: future},
		{Name: "session", Value: "3", Domain: ".wildberries.ru"},
	}))

	got, ok := store.Cookies("wildberries")
	require.True(t, ok)
	require.Len(t, got, 2)
	assert.Equal(t, "fresh", got[0].Name)
	assert.Equal(t, "session", got[1].Name)
}

func TestSessionStoreAllExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	past := float64(time.Now().Add(-time.Hour).Unix())
	require.NoError(t, store.Set("ozon", []browser.Cookie{
		{Name: "stale", Value: "1", Expires: past},
	}))

	_, ok := store.Cookies("ozon")
	assert.False(t, ok)
}

func TestSessionStoreDelete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Set("lavka", []browser.Cookie{{Name: "a", Value: "1"}}))
	require.NoError(t, store.Delete("lavka"))

	_, ok := store.Cookies("lavka")
	assert.False(t, ok)
	assert.Error(t, store.Delete("lavka"))
}

func TestSessionStoreStats(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	require.NoError(t, store.Set("ozon", []browser.Cookie{{Name: "a", Value: "1"}, {Name: "b", Value: "2"}}))
	require.NoError(t, store.Set("vkusvill", []browser.Cookie{{Name: "c", Value: "3"}}))

	stats := store.Stats()
	assert.Equal(t, 2, stats["ozon"])
	assert.Equal(t, 1, stats["vkusvill"])
	assert.Equal(t, 3, stats["total"])
}

func TestSessionStoreMissingRetailer(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sessions.json")
	store, err := NewSessionStore(path)
	require.NoError(t, err)

	_, ok := store.Cookies("perekrestok")
	assert.False(t, ok)
	assert.Empty(t, store.Retailers())
}
