package stores

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/casahaus/fulfillment/internal/errs"
)

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(srv.URL, 2*time.Second)
}

func TestCheckStockAtStore(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stock/check", r.URL.Path)
		assert.Equal(t, "oak-chair-navy", r.URL.Query().Get("product_color_id"))
		assert.Equal(t, "store-7", r.URL.Query().Get("store_id"))
		assert.Equal(t, "2", r.URL.Query().Get("qty"))
		w.Write([]byte(`{"available": true}`))
	})

	ok, err := c.CheckStockAtStore(context.Background(), "oak-chair-navy", "store-7", 2)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestGetNearestStores(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/stores/nearest", r.URL.Path)
		assert.Equal(t, "3", r.URL.Query().Get("limit"))
		w.Write([]byte(`[
			{"store": {"id": "store-7", "name": "Casa Noord", "lat": 52.4, "lng": 4.9}, "distance_km": 1.2},
			{"store": {"id": "store-2", "name": "Casa Zuid", "lat": 52.3, "lng": 4.8}, "distance_km": 4.7}
		]`))
	})

	got, err := c.GetNearestStores(context.Background(), 52.37, 4.89, 3)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "store-7", got[0].Store.ID)
	assert.Equal(t, 1.2, got[0].DistanceKm)
}

func TestGetUserByEmail(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "ana@example.com", r.URL.Query().Get("email"))
		w.Write([]byte(`{"id": "user-1", "email": "ana@example.com", "name": "Ana"}`))
	})

	u, err := c.GetUserByEmail(context.Background(), "ana@example.com")
	require.NoError(t, err)
	assert.Equal(t, "user-1", u.ID)
}

func TestErrorMapping(t *testing.T) {
	t.Run("404 is not found", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		})
		_, err := c.GetUserByEmail(context.Background(), "gone@example.com")
		assert.ErrorIs(t, err, errs.ErrNotFound)
	})

	t.Run("5xx is external service", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
		})
		_, err := c.CheckStockAtStore(context.Background(), "p", "s", 1)
		assert.ErrorIs(t, err, errs.ErrExternalService)
	})

	t.Run("garbage body is external service", func(t *testing.T) {
		c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("not json"))
		})
		_, err := c.GetNearestStores(context.Background(), 0, 0, 1)
		assert.ErrorIs(t, err, errs.ErrExternalService)
	})

	t.Run("unreachable host is external service", func(t *testing.T) {
		c := NewClient("http://127.0.0.1:1", 500*time.Millisecond)
		_, err := c.GetUserByEmail(context.Background(), "x@example.com")
		assert.ErrorIs(t, err, errs.ErrExternalService)
	})
}
