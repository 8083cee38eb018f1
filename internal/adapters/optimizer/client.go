// Package optimizer asks an external route-ordering service for a stop order.
package optimizer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"fleetsync.live/internal/core/domain"
)

// Client posts the origin and candidate stops and expects a JSON array of
// stop ids back. Every failure is reported as unreachable; the dispatcher
// then keeps the input order.
type Client struct {
	url  string
	http *http.Client
}

func New(url string) *Client {
	return &Client{url: url, http: &http.Client{}}
}

type stopRequest struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Address string  `json:"address,omitempty"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
}

type request struct {
	Origin domain.Coordinates `json:"origin"`
	Stops  []stopRequest      `json:"stops"`
}

func (c *Client) Optimize(ctx context.Context, origin domain.Coordinates, stops []*domain.Stop) ([]string, error) {
	req := request{Origin: origin, Stops: make([]stopRequest, len(stops))}
	for i, st := range stops {
		req.Stops[i] = stopRequest{ID: st.ID, Name: st.Name, Address: st.Address, Lat: st.Coords.Lat, Lng: st.Coords.Lng}
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	hreq.Header.Set("Content-Type", "application/json")
	resp, err := c.http.Do(hreq)
	if err != nil {
		return nil, fmt.Errorf("%w: optimizer: %w", domain.ErrUnreachable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("%w: optimizer status %d: %s", domain.ErrUnreachable, resp.StatusCode, body)
	}

	var order []string
	if err := json.NewDecoder(resp.Body).Decode(&order); err != nil {
		return nil, fmt.Errorf("%w: optimizer answer: %v", domain.ErrUnreachable, err)
	}
	return order, nil
}
