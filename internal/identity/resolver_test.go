package identity

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskline/internal/config"
)

func testConfig(url string) *config.Config {
	cfg := config.Default()
	cfg.Identity.URL = url
	return cfg
}

func TestResolveBatchesAndCaches(t *testing.T) {
	var calls atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		var req struct {
			IDs []int64 `json:"ids"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.ElementsMatch(t, []int64{7, 8}, req.IDs)
		json.NewEncoder(w).Encode(map[string]map[string]string{
			"7": {"email": "seven@example.com"},
			"8": {"email": "eight@example.com"},
		})
	}))
	defer srv.Close()

	r := NewResolver(testConfig(srv.URL))
	ctx := context.Background()

	got, err := r.Resolve(ctx, []int64{7, 8, 7})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{7: "seven@example.com", 8: "eight@example.com"}, got)
	assert.EqualValues(t, 1, calls.Load())

	// second call is served entirely from the cache
	got, err = r.Resolve(ctx, []int64{7, 8})
	require.NoError(t, err)
	assert.Len(t, got, 2)
	assert.EqualValues(t, 1, calls.Load())
}

func TestResolvePartialOnRemoteFailure(t *testing.T) {
	var fail atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if fail.Load() {
			http.Error(w, "boom", http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(map[string]map[string]string{
			"7": {"email": "seven@example.com"},
		})
	}))
	defer srv.Close()

	r := NewResolver(testConfig(srv.URL))
	ctx := context.Background()

	_, err := r.Resolve(ctx, []int64{7})
	require.NoError(t, err)

	fail.Store(true)
	got, err := r.Resolve(ctx, []int64{7, 9})
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	// the cached address is still returned alongside the error
	assert.Equal(t, map[int64]string{7: "seven@example.com"}, got)
}

func TestResolveUnconfigured(t *testing.T) {
	r := NewResolver(config.Default())
	got, err := r.Resolve(context.Background(), []int64{1})
	var re *ResolutionError
	require.ErrorAs(t, err, &re)
	assert.Empty(t, got)
}

func TestResolveSkipsEmptyAddresses(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]map[string]string{
			"7": {"email": ""},
			"8": {"email": "eight@example.com"},
		})
	}))
	defer srv.Close()

	r := NewResolver(testConfig(srv.URL))
	got, err := r.Resolve(context.Background(), []int64{7, 8})
	require.NoError(t, err)
	assert.Equal(t, map[int64]string{8: "eight@example.com"}, got)
}
