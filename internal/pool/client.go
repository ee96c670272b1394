// Package pool is the HTTP client for the external lending pool service.
// Amounts cross the wire as decimal strings to preserve precision.
package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"strings"
	"time"
)

// Client implements conduit.Pool against the pool service's JSON API.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

type supplyRequest struct {
	Source string `json:"source"`
	Amount string `json:"amount"`
}

type withdrawRequest struct {
	Destination string `json:"destination"`
	Amount      string `json:"amount"`
}

type withdrawResponse struct {
	Moved string `json:"moved"`
}

type indexResponse struct {
	Index string `json:"index"`
}

type liquidityResponse struct {
	Available string `json:"available"`
}

func (c *Client) Supply(ctx context.Context, asset, source string, amount *big.Int) error {
	url := fmt.Sprintf("%s/v1/pool/%s/supply", c.baseURL, asset)
	return c.post(ctx, url, supplyRequest{Source: source, Amount: amount.String()}, nil)
}

func (c *Client) Withdraw(ctx context.Context, asset, destination string, amount *big.Int) (*big.Int, error) {
	url := fmt.Sprintf("%s/v1/pool/%s/withdraw", c.baseURL, asset)
	var resp withdrawResponse
	if err := c.post(ctx, url, withdrawRequest{Destination: destination, Amount: amount.String()}, &resp); err != nil {
		return nil, err
	}
	return parseWire(resp.Moved, "moved")
}

func (c *Client) NormalizedIncome(ctx context.Context, asset string) (*big.Int, error) {
	url := fmt.Sprintf("%s/v1/pool/%s/normalized-income", c.baseURL, asset)
	var resp indexResponse
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return parseWire(resp.Index, "index")
}

func (c *Client) AvailableLiquidity(ctx context.Context, asset string) (*big.Int, error) {
	url := fmt.Sprintf("%s/v1/pool/%s/liquidity", c.baseURL, asset)
	var resp liquidityResponse
	if err := c.get(ctx, url, &resp); err != nil {
		return nil, err
	}
	return parseWire(resp.Available, "available")
}

func (c *Client) post(ctx context.Context, url string, body, out interface{}) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("pool: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("pool: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, url string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("pool: build request: %w", err)
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("pool: %s %s: %w", req.Method, req.URL.Path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("pool: %s %s: status %d: %s",
			req.Method, req.URL.Path, resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pool: decode response: %w", err)
	}
	return nil
}

func parseWire(s, field string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(strings.TrimSpace(s), 10)
	if !ok {
		return nil, fmt.Errorf("pool: malformed %s %q", field, s)
	}
	return v, nil
}
