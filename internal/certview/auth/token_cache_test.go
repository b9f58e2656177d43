package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qualys/certview-mirror/internal/certview/model"
)

func newTestCache(t *testing.T, handler http.HandlerFunc, opts ...Option) (*Cache, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	c := New(srv.URL, `{"username":"u","password":"p"}`, nil, opts...)
	return c, srv
}

func TestCache_ReusesWithinRefreshInterval(t *testing.T) {
	var calls int32
	cache, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-1"})
	})

	token1, err := cache.GetToken(context.Background(), false)
	require.NoError(t, err)
	token2, err := cache.GetToken(context.Background(), false)
	require.NoError(t, err)

	assert.Equal(t, "tok-1", token1)
	assert.Equal(t, token1, token2)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_ForceRefresh(t *testing.T) {
	var calls int32
	cache, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-" + itoa(int(n))})
	})

	token1, err := cache.GetToken(context.Background(), false)
	require.NoError(t, err)

	token2, err := cache.GetToken(context.Background(), true)
	require.NoError(t, err)

	assert.NotEqual(t, token1, token2)
	assert.Equal(t, int32(2), atomic.LoadInt32(&calls))
}

func TestCache_ConcurrentCallersShareRefresh(t *testing.T) {
	var calls int32
	cache, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		time.Sleep(20 * time.Millisecond)
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-shared"})
	})

	var wg sync.WaitGroup
	tokens := make([]string, 10)
	for i := range tokens {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			tok, err := cache.GetToken(context.Background(), false)
			require.NoError(t, err)
			tokens[idx] = tok
		}(i)
	}
	wg.Wait()

	for _, tok := range tokens {
		assert.Equal(t, "tok-shared", tok)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestCache_PersistsIssuedToken(t *testing.T) {
	cache, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"token": "tok-persisted"})
	})

	saved := make(chan model.AuthToken, 1)
	cache.persister = persisterFunc(func(ctx context.Context, token model.AuthToken) error {
		saved <- token
		return nil
	})

	_, err := cache.GetToken(context.Background(), false)
	require.NoError(t, err)

	select {
	case token := <-saved:
		assert.Equal(t, "tok-persisted", token.Value)
		assert.True(t, token.Valid)
	case <-time.After(time.Second):
		t.Fatal("persister was never invoked")
	}
}

func TestCache_NonRetriableStatusFailsFast(t *testing.T) {
	var calls int32
	cache, _ := newTestCache(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := cache.GetToken(context.Background(), false)
	assert.Error(t, err)
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

type persisterFunc func(ctx context.Context, token model.AuthToken) error

func (f persisterFunc) SaveToken(ctx context.Context, token model.AuthToken) error {
	return f(ctx, token)
}

func itoa(n int) string {
	digits := "0123456789"
	if n == 0 {
		return "0"
	}
	var b []byte
	for n > 0 {
		b = append([]byte{digits[n%10]}, b...)
		n /= 10
	}
	return string(b)
}
