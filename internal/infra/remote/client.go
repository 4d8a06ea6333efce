// Package remote is the HTTP client for the remote ledger service. It serves
// as the reconciler's push target and as the remote storage strategy.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/dvloznov/receipt-ledger/internal/domain"
	"github.com/dvloznov/receipt-ledger/internal/logger"
	"github.com/dvloznov/receipt-ledger/internal/reconciler"
)

const maxResponseBytes = 1 << 20

// Client talks to the remote service. All responses use the envelope
// {success, message, data}.
type Client struct {
	BaseURL string
	Token   string
	HTTP    *http.Client
}

var _ reconciler.Remote = (*Client)(nil)

// NewClient returns a Client whose requests time out after timeout (0 for none).
func NewClient(baseURL, token string, timeout time.Duration) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		HTTP:    &http.Client{Timeout: timeout},
	}
}

type envelope struct {
	Success bool            `json:"success"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

type pushResult struct {
	TransactionID string `json:"transaction_id"`
	ReceiptID     string `json:"receipt_id"`
	ID            string `json:"id"`
}

func (p pushResult) remoteID() string {
	for _, id := range []string{p.TransactionID, p.ID, p.ReceiptID} {
		if id != "" {
			return id
		}
	}
	return ""
}

// StatusError is a non-2xx response.
type StatusError struct {
	Code    int
	Message string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("remote returned status %d", e.Code)
	}
	return fmt.Sprintf("remote returned status %d: %s", e.Code, e.Message)
}

// PushReceipt creates the receipt remotely.
func (c *Client) PushReceipt(ctx context.Context, payload *reconciler.WirePayload) (string, error) {
	var res pushResult
	if err := c.call(ctx, http.MethodPost, "/receipts", "receipt", payload.ReceiptID, payload, &res); err != nil {
		return "", err
	}
	return requireID(res, "receipt", payload.ReceiptID)
}

// PushTransaction creates the transaction, or replaces it when remoteID is set.
func (c *Client) PushTransaction(ctx context.Context, payload *reconciler.WirePayload, remoteID string) (string, error) {
	method, path := http.MethodPost, "/transactions"
	if remoteID != "" {
		method, path = http.MethodPut, "/transactions/"+url.PathEscape(remoteID)
	}

	var res pushResult
	if err := c.call(ctx, method, path, "transaction", remoteID, payload, &res); err != nil {
		return "", err
	}
	id := res.remoteID()
	if id == "" && remoteID != "" {
		return remoteID, nil
	}
	return requireID(res, "transaction", payload.ReceiptID)
}

func requireID(res pushResult, kind, key string) (string, error) {
	if id := res.remoteID(); id != "" {
		return id, nil
	}
	return "", &domain.RemoteSyncError{RecordID: key, Kind: kind, Err: errors.New("response has no id")}
}

// call sends body as JSON and decodes the envelope's data into out. A 404
// becomes a NotFoundError and a 409 ErrStaleWrite; any other failure is a
// RemoteSyncError.
func (c *Client) call(ctx context.Context, method, path, kind, key string, body, out any) error {
	log := logger.FromContext(ctx)
	fail := func(err error) error {
		return &domain.RemoteSyncError{RecordID: key, Kind: kind, Err: err}
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fail(fmt.Errorf("encoding request: %w", err))
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fail(err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.Token)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fail(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return fail(fmt.Errorf("reading response: %w", err))
	}

	var env envelope
	decodeErr := json.Unmarshal(raw, &env)

	log.Debug().
		Str("method", method).
		Str("path", path).
		Int("status", resp.StatusCode).
		Msg("Remote call")

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		statusErr := &StatusError{Code: resp.StatusCode, Message: env.Message}
		switch resp.StatusCode {
		case http.StatusNotFound:
			return &domain.NotFoundError{Kind: kind, Key: key}
		case http.StatusConflict:
			return fmt.Errorf("%s %s: %w: %v", kind, key, domain.ErrStaleWrite, statusErr)
		}
		return fail(statusErr)
	}
	if decodeErr != nil {
		return fail(fmt.Errorf("decoding response: %w", decodeErr))
	}
	if !env.Success {
		msg := env.Message
		if msg == "" {
			msg = "request rejected"
		}
		return fail(errors.New(msg))
	}
	if out != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, out); err != nil {
			return fail(fmt.Errorf("decoding data: %w", err))
		}
	}
	return nil
}

// Close releases idle connections.
func (c *Client) Close() error {
	c.HTTP.CloseIdleConnections()
	return nil
}
