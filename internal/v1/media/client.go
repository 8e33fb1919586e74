package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/sony/gobreaker"

	"github.com/ACM-VIT/conclave/internal/v1/metrics"
)

// HTTPClient talks to the media core's control API over JSON/HTTP. All five
// Provider calls go through one circuit breaker: when the core is down, the
// control plane degrades fast instead of piling up timeouts.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	cb      *gobreaker.CircuitBreaker
}

// NewHTTPClient builds the media core client for the given base URL.
func NewHTTPClient(baseURL string) *HTTPClient {
	st := gobreaker.Settings{
		Name:        "media",
		MaxRequests: 5,
		Interval:    1 * time.Minute,
		Timeout:     15 * time.Second,
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			var stateVal float64
			switch to {
			case gobreaker.StateClosed:
				stateVal = 0
			case gobreaker.StateOpen:
				stateVal = 1
			case gobreaker.StateHalfOpen:
				stateVal = 2
			}
			metrics.CircuitBreakerState.WithLabelValues("media").Set(stateVal)
		},
	}
	return &HTTPClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 10 * time.Second},
		cb:      gobreaker.NewCircuitBreaker(st),
	}
}

func (c *HTTPClient) RouterRtpCapabilities(ctx context.Context, channelID string) (map[string]any, error) {
	var out struct {
		RtpCapabilities map[string]any `json:"rtpCapabilities"`
	}
	path := fmt.Sprintf("/v1/channels/%s/rtp-capabilities", channelID)
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.RtpCapabilities, nil
}

func (c *HTTPClient) CreatePlainTransport(ctx context.Context, channelID string) (*PlainTransport, error) {
	var out struct {
		ID   string `json:"id"`
		IP   string `json:"ip"`
		Port int    `json:"port"`
	}
	path := fmt.Sprintf("/v1/channels/%s/plain-transports", channelID)
	if err := c.do(ctx, http.MethodPost, path, nil, &out); err != nil {
		return nil, err
	}
	return &PlainTransport{ID: out.ID, LocalIP: out.IP, LocalPort: out.Port}, nil
}

func (c *HTTPClient) Consume(ctx context.Context, channelID, transportID, producerID string) (*ConsumerRef, error) {
	body := map[string]string{"producerId": producerID}
	var out struct {
		ID         string `json:"id"`
		ProducerID string `json:"producerId"`
	}
	path := fmt.Sprintf("/v1/channels/%s/transports/%s/consumers", channelID, transportID)
	if err := c.do(ctx, http.MethodPost, path, body, &out); err != nil {
		return nil, err
	}
	return &ConsumerRef{ID: out.ID, ProducerID: out.ProducerID}, nil
}

func (c *HTTPClient) CloseProducer(ctx context.Context, channelID, producerID string) error {
	path := fmt.Sprintf("/v1/channels/%s/producers/%s", channelID, producerID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

func (c *HTTPClient) CloseTransport(ctx context.Context, channelID, transportID string) error {
	path := fmt.Sprintf("/v1/channels/%s/transports/%s", channelID, transportID)
	return c.do(ctx, http.MethodDelete, path, nil, nil)
}

// do runs one request through the breaker. A 404 on DELETE is success: the
// core treats closing something unknown as already closed, and so do we.
func (c *HTTPClient) do(ctx context.Context, method, path string, body any, out any) error {
	_, err := c.cb.Execute(func() (interface{}, error) {
		var reader io.Reader
		if body != nil {
			raw, err := json.Marshal(body)
			if err != nil {
				return nil, err
			}
			reader = bytes.NewReader(raw)
		}

		req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
		if err != nil {
			return nil, err
		}
		if body != nil {
			req.Header.Set("Content-Type", "application/json")
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		if method == http.MethodDelete && resp.StatusCode == http.StatusNotFound {
			return nil, nil
		}
		if resp.StatusCode < 200 || resp.StatusCode > 299 {
			data, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return nil, fmt.Errorf("media core returned %d: %s", resp.StatusCode, data)
		}
		if out != nil {
			if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
				return nil, fmt.Errorf("failed to decode media core response: %w", err)
			}
		}
		return nil, nil
	})
	if err == gobreaker.ErrOpenState {
		metrics.CircuitBreakerFailures.WithLabelValues("media").Inc()
	}
	return err
}

var _ Provider = (*HTTPClient)(nil)
