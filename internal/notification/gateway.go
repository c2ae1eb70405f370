package notification

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

var (
	ErrGatewayDisabled   = errors.New("sms gateway is disabled")
	ErrMalformedResponse = errors.New("malformed sms gateway response")
)

// Gateway sends one message to one phone number and returns the provider's
// message id.
type Gateway interface {
	Send(ctx context.Context, phone, message string) (string, error)
}

// BulkGateway is implemented by gateways with a native bulk API.
type BulkGateway interface {
	Gateway
	SendBulk(ctx context.Context, phones []string, message string) (BulkResult, error)
}

// SendResult is the outcome for one phone number.
type SendResult struct {
	Phone     string
	MessageID string
	Err       error
}

// BulkResult carries one SendResult per phone, in request order.
type BulkResult struct {
	Sent    int
	Results []SendResult
}

// GatewayConfig is the provider connection part of the notification config.
type GatewayConfig struct {
	BaseURL   string
	APIKey    string
	APISecret string
	SenderID  string
	Timeout   time.Duration
	TestMode  bool
}

// HTTPGateway talks to the SMS provider's JSON API.
type HTTPGateway struct {
	cfg    GatewayConfig
	client *http.Client
}

func NewHTTPGateway(cfg GatewayConfig) *HTTPGateway {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPGateway{
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
	}
}

type sendPayload struct {
	From string `json:"from"`
	To   string `json:"to"`
	Text string `json:"text"`
}

type sendResponse struct {
	MessageID string `json:"message_id"`
	Status    string `json:"status"`
	Error     string `json:"error"`
}

type bulkPayload struct {
	From string   `json:"from"`
	To   []string `json:"to"`
	Text string   `json:"text"`
}

type bulkResponse struct {
	Results []struct {
		To        string `json:"to"`
		MessageID string `json:"message_id"`
		Status    string `json:"status"`
		Error     string `json:"error"`
	} `json:"results"`
}

func (g *HTTPGateway) Send(ctx context.Context, phone, message string) (string, error) {
	if g.cfg.TestMode {
		return "test-" + uuid.NewString(), nil
	}
	var resp sendResponse
	if err := g.post(ctx, "/sms/send", sendPayload{From: g.cfg.SenderID, To: phone, Text: message}, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" || !accepted(resp.Status) {
		return "", fmt.Errorf("sms provider rejected message: status %q: %s", resp.Status, resp.Error)
	}
	if resp.MessageID == "" {
		return "", fmt.Errorf("%w: missing message_id", ErrMalformedResponse)
	}
	return resp.MessageID, nil
}

func (g *HTTPGateway) SendBulk(ctx context.Context, phones []string, message string) (BulkResult, error) {
	out := BulkResult{Results: make([]SendResult, len(phones))}
	if g.cfg.TestMode {
		for i, phone := range phones {
			out.Results[i] = SendResult{Phone: phone, MessageID: "test-" + uuid.NewString()}
		}
		out.Sent = len(phones)
		return out, nil
	}

	var resp bulkResponse
	if err := g.post(ctx, "/sms/bulk", bulkPayload{From: g.cfg.SenderID, To: phones, Text: message}, &resp); err != nil {
		return out, err
	}

	byPhone := make(map[string]int, len(resp.Results))
	for i, r := range resp.Results {
		byPhone[r.To] = i
	}
	for i, phone := range phones {
		out.Results[i].Phone = phone
		j, ok := byPhone[phone]
		if !ok {
			out.Results[i].Err = fmt.Errorf("%w: no result for %s", ErrMalformedResponse, phone)
			continue
		}
		r := resp.Results[j]
		if r.Error != "" || !accepted(r.Status) {
			out.Results[i].Err = fmt.Errorf("sms provider rejected message: status %q: %s", r.Status, r.Error)
			continue
		}
		out.Results[i].MessageID = r.MessageID
		out.Sent++
	}
	return out, nil
}

func (g *HTTPGateway) post(ctx context.Context, path string, body, dst interface{}) error {
	if g.cfg.BaseURL == "" {
		return ErrGatewayDisabled
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	url := strings.TrimSuffix(g.cfg.BaseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.SetBasicAuth(g.cfg.APIKey, g.cfg.APISecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sms provider HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(raw)))
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}
	return nil
}

func accepted(status string) bool {
	switch strings.ToLower(status) {
	case "", "sent", "queued", "accepted", "success":
		return true
	}
	return false
}
