// Package stores talks to the external store/stock/user gateway. Every call
// carries the client timeout; failures degrade to ErrExternalService and
// never crash the saga.
package stores

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/casahaus/fulfillment/internal/errs"
)

type Store struct {
	ID   string  `json:"id"`
	Name string  `json:"name"`
	Lat  float64 `json:"lat"`
	Lng  float64 `json:"lng"`
}

type StoreDistance struct {
	Store      Store   `json:"store"`
	DistanceKm float64 `json:"distance_km"`
}

type User struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

type Client struct {
	BaseURL string
	HTTP    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

// CheckStockAtStore reports whether the store can fulfil qty units of the
// product colour.
func (c *Client) CheckStockAtStore(ctx context.Context, productColorID, storeID string, qty int) (bool, error) {
	q := url.Values{
		"product_color_id": {productColorID},
		"store_id":         {storeID},
		"qty":              {strconv.Itoa(qty)},
	}
	var out struct {
		Available bool `json:"available"`
	}
	if err := c.get(ctx, "/stock/check?"+q.Encode(), &out); err != nil {
		return false, err
	}
	return out.Available, nil
}

func (c *Client) GetNearestStores(ctx context.Context, lat, lng float64, limit int) ([]StoreDistance, error) {
	q := url.Values{
		"lat":   {strconv.FormatFloat(lat, 'f', -1, 64)},
		"lng":   {strconv.FormatFloat(lng, 'f', -1, 64)},
		"limit": {strconv.Itoa(limit)},
	}
	var out []StoreDistance
	if err := c.get(ctx, "/stores/nearest?"+q.Encode(), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var out User
	if err := c.get(ctx, "/users?email="+url.QueryEscape(email), &out); err != nil {
		return User{}, err
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+path, nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %v: %w", path, err, errs.ErrExternalService)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%s: %w", path, errs.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%s: status %d: %w", path, resp.StatusCode, errs.ErrExternalService)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%s: decode: %w", path, errs.ErrExternalService)
	}
	return nil
}
