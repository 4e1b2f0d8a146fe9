// Package backend talks to the vending backend that records quality
// readings and sales.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/reef-pi/watervend/controller/telemetry"
)

const module = "backend"

// Quality is the normalized water-quality payload.
type Quality struct {
	TDSLevel   float64 `json:"tds_level"`
	PHLevel    float64 `json:"ph_level"`
	WaterLevel float64 `json:"water_level"`
}

type Sale struct {
	Volume string `json:"volume"`
	Price  int    `json:"price"`
}

type Config struct {
	BaseURL   string
	MachineID string
	Timeout   time.Duration
	Retry     RetryPolicy
}

// Client is safe for concurrent use.
type Client struct {
	config     Config
	httpClient *http.Client
	t          telemetry.Telemetry
}

func New(c Config, t telemetry.Telemetry) *Client {
	return &Client{
		config:     c,
		httpClient: &http.Client{Timeout: c.Timeout},
		t:          t,
	}
}

func (c *Client) RecordQuality(ctx context.Context, q Quality) bool {
	endpoint := fmt.Sprintf("machines/%s/record_quality/", c.config.MachineID)
	_, err := c.request(ctx, http.MethodPost, endpoint, q)
	return c.outcome("record_quality", err)
}

func (c *Client) RecordSale(ctx context.Context, s Sale) bool {
	endpoint := fmt.Sprintf("machines/%s/record_sale/", c.config.MachineID)
	_, err := c.request(ctx, http.MethodPost, endpoint, s)
	return c.outcome("record_sale", err)
}

func (c *Client) outcome(name string, err error) bool {
	if err != nil {
		log.Println("ERROR: backend:", name, err)
		c.t.Count(module, name+"_failed")
		return false
	}
	c.t.Count(module, name+"_ok")
	return true
}

// request sends body as JSON to {base_url}/api/{endpoint}. Every failure,
// transport or non-2xx status, is retried under the client's policy.
func (c *Client) request(ctx context.Context, method, endpoint string, body interface{}) ([]byte, error) {
	url := strings.TrimRight(c.config.BaseURL, "/") + "/api/" + endpoint
	var payload []byte
	if body != nil {
		var err error
		if payload, err = json.Marshal(body); err != nil {
			return nil, fmt.Errorf("encode %s: %w", endpoint, err)
		}
	}

	start := time.Now()
	defer func() { c.t.Observe(module, endpointName(endpoint), time.Since(start).Seconds()) }()

	var resp []byte
	attempts, err := c.config.Retry.Do(ctx, func(attempt int) error {
		c.t.Count(module, "attempt")
		b, err := c.do(ctx, method, url, payload)
		if err != nil {
			log.Printf("backend: %s %s failed (attempt %d/%d): %v", method, endpoint, attempt, c.config.Retry.Attempts, err)
			return err
		}
		resp = b
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%s %s failed after %d attempts: %w", method, endpoint, attempts, err)
	}
	log.Printf("backend: %s %s succeeded (attempt %d/%d)", method, endpoint, attempts, c.config.Retry.Attempts)
	return resp, nil
}

func (c *Client) do(ctx context.Context, method, url string, payload []byte) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("status %d", resp.StatusCode)
	}
	return data, nil
}

// endpointName maps "machines/VM001/record_sale/" to "record_sale".
func endpointName(endpoint string) string {
	parts := strings.Split(strings.Trim(endpoint, "/"), "/")
	return parts[len(parts)-1]
}
