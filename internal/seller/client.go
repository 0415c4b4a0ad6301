package seller

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"github.com/user/paywire/internal/types"
)

const maxErrorBody = 64 << 10

// ClientConfig locates a seller and supplies what the 402 body omits.
type ClientConfig struct {
	BaseURL  string
	Service  string
	Currency string
	Timeout  time.Duration
}

// Client drives a seller's dispense endpoint. It implements
// types.ServiceGateway.
type Client struct {
	cfg        ClientConfig
	httpClient *http.Client
}

// NewClient creates a seller client.
func NewClient(cfg ClientConfig) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: timeout},
	}
}

// Request asks for the service, attaching proof when it is set. A 402
// becomes a challenge and a 200 a delivery; anything else wraps
// types.ErrGateway.
func (c *Client) Request(ctx context.Context, proof types.ProofReference) (types.GatewayResponse, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/dispense/" + url.PathEscape(c.cfg.Service)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return types.GatewayResponse{}, fmt.Errorf("%w: create request: %w", types.ErrGateway, err)
	}
	if proof != "" {
		req.Header.Set(HeaderPaymentProof, string(proof))
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return types.GatewayResponse{}, fmt.Errorf("%w: send request: %w", types.ErrGateway, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var body deliveryBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return types.GatewayResponse{}, fmt.Errorf("%w: decode delivery: %w", types.ErrGateway, err)
		}
		return types.GatewayResponse{Delivered: true, Status: body.Status}, nil

	case http.StatusPaymentRequired:
		var body challengeBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return types.GatewayResponse{}, fmt.Errorf("%w: decode challenge: %w", types.ErrGateway, err)
		}
		return types.GatewayResponse{
			Message: body.Message,
			Challenge: &types.PaymentChallenge{
				Amount:   body.Price,
				Currency: c.cfg.Currency,
				PayTo:    body.Recipient,
			},
		}, nil
	}

	return types.GatewayResponse{}, fmt.Errorf("%w: seller returned %d: %s", types.ErrGateway, resp.StatusCode, errorText(resp))
}

// Status fetches the seller's self description.
func (c *Client) Status(ctx context.Context) (map[string]any, error) {
	endpoint := strings.TrimRight(c.cfg.BaseURL, "/") + "/api/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("seller status %d: %s", resp.StatusCode, errorText(resp))
	}
	var out map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode status: %w", err)
	}
	return out, nil
}

// errorText extracts a readable message from an error response. JSON
// bodies yield their "error" field; HTML pages are rendered to markdown.
func errorText(resp *http.Response) string {
	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err != nil || len(raw) == 0 {
		return http.StatusText(resp.StatusCode)
	}

	mediaType, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
	if mediaType == "text/html" {
		if md, err := htmltomarkdown.ConvertString(string(raw)); err == nil {
			return strings.TrimSpace(md)
		}
	}
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(raw, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(raw))
}
