package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// HTTPClient talks to a signing gateway over JSON/HTTP. The gateway holds the
// decryption keys for escrow key material and broadcasts signed transfers.
type HTTPClient struct {
	baseURL        string
	apiKey         string
	http           *http.Client
	pollInterval   time.Duration
	confirmTimeout time.Duration
}

// HTTPClientConfig configures an HTTPClient
type HTTPClientConfig struct {
	BaseURL        string
	APIKey         string
	RequestTimeout time.Duration
	PollInterval   time.Duration
	ConfirmTimeout time.Duration
}

// NewHTTPClient builds a gateway client, filling unset durations with defaults
func NewHTTPClient(cfg HTTPClientConfig) *HTTPClient {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 4 * time.Second
	}
	if cfg.ConfirmTimeout <= 0 {
		cfg.ConfirmTimeout = 2 * time.Minute
	}
	return &HTTPClient{
		baseURL:        strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:         cfg.APIKey,
		http:           &http.Client{Timeout: cfg.RequestTimeout},
		pollInterval:   cfg.PollInterval,
		confirmTimeout: cfg.ConfirmTimeout,
	}
}

// SubmitTransfer signs and broadcasts a transfer through the gateway
func (c *HTTPClient) SubmitTransfer(ctx context.Context, req TransferRequest) (*Submission, error) {
	var sub Submission
	if err := c.do(ctx, http.MethodPost, "/v1/transfers", req, &sub); err != nil {
		return nil, fmt.Errorf("submit transfer: %w", err)
	}
	if sub.TxHash == "" {
		return nil, fmt.Errorf("submit transfer: gateway returned no tx hash")
	}
	return &sub, nil
}

// GetTransactionStatus reads the current status of a transaction
func (c *HTTPClient) GetTransactionStatus(ctx context.Context, txHash string) (*Status, error) {
	var st Status
	if err := c.do(ctx, http.MethodGet, "/v1/transactions/"+url.PathEscape(txHash), nil, &st); err != nil {
		return nil, fmt.Errorf("fetch tx status: %w", err)
	}
	return &st, nil
}

// GetBalance returns the live balance of an address in base units
func (c *HTTPClient) GetBalance(ctx context.Context, address string) (int64, error) {
	var out struct {
		Balance int64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "/v1/accounts/"+url.PathEscape(address)+"/balance", nil, &out); err != nil {
		return 0, fmt.Errorf("fetch balance: %w", err)
	}
	return out.Balance, nil
}

// AwaitConfirmation polls the transaction until it confirms, fails, or the
// confirm timeout elapses. Transient status errors are retried until then.
func (c *HTTPClient) AwaitConfirmation(ctx context.Context, txHash string) (*Confirmation, error) {
	ctx, cancel := context.WithTimeout(ctx, c.confirmTimeout)
	defer cancel()

	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		st, err := c.GetTransactionStatus(ctx, txHash)
		switch {
		case err != nil:
			lastErr = err
		case st.Failed:
			reason := st.Reason
			if reason == "" {
				reason = "rejected"
			}
			return nil, fmt.Errorf("%w: %s", ErrTransactionFailed, reason)
		case st.Confirmed:
			return &Confirmation{BlockNumber: st.BlockNumber, Confirmations: st.Confirmations}, nil
		}

		select {
		case <-ctx.Done():
			if lastErr != nil {
				return nil, fmt.Errorf("%w after %s: %v", ErrConfirmationTimeout, c.confirmTimeout, lastErr)
			}
			return nil, fmt.Errorf("%w after %s", ErrConfirmationTimeout, c.confirmTimeout)
		case <-ticker.C:
		}
	}
}

func (c *HTTPClient) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
