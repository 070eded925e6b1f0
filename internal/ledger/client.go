package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// Client is an HTTP Gateway implementation for a remote ledger service.
type Client struct {
	BaseURL    string
	HTTPClient *http.Client
	Timeout    time.Duration
}

var _ Gateway = (*Client)(nil)

// NewClient creates a client with sane defaults.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// apiError wraps non-2xx ledger responses before they are mapped to
// the typed gateway errors.
type apiError struct {
	StatusCode int
	Code       string
	Body       string
}

func (e *apiError) Error() string {
	return fmt.Sprintf("ledger api error: status=%d body=%s", e.StatusCode, e.Body)
}

func (c *Client) AvailableSupply(ctx context.Context) (float64, error) {
	var resp struct {
		Supply float64 `json:"supply"`
	}
	if err := c.do(ctx, http.MethodGet, "supply", "", nil, &resp); err != nil {
		return 0, mapError(err)
	}
	return resp.Supply, nil
}

func (c *Client) BalanceOf(ctx context.Context, holder string) (float64, error) {
	var resp struct {
		Balance float64 `json:"balance"`
	}
	if err := c.do(ctx, http.MethodGet, "balances/"+holder, "", nil, &resp); err != nil {
		return 0, mapError(err)
	}
	return resp.Balance, nil
}

func (c *Client) Mint(ctx context.Context, session *Session, quantity float64, memo string) (Receipt, error) {
	if !session.Authenticated() {
		return Receipt{}, AuthenticationRequiredError{Op: "mint"}
	}
	body := map[string]any{
		"quantity": quantity,
		"memo":     memo,
	}
	var resp Receipt
	if err := c.do(ctx, http.MethodPost, "mint", session.Token, body, &resp); err != nil {
		return Receipt{}, mapError(err)
	}
	return resp, nil
}

func (c *Client) Buy(ctx context.Context, session *Session, quantity float64) error {
	if !session.Authenticated() {
		return AuthenticationRequiredError{Op: "buy"}
	}
	body := map[string]any{"quantity": quantity}
	return mapError(c.do(ctx, http.MethodPost, "buy", session.Token, body, nil))
}

func (c *Client) Redeem(ctx context.Context, session *Session, quantity float64) error {
	if !session.Authenticated() {
		return AuthenticationRequiredError{Op: "redeem"}
	}
	body := map[string]any{"quantity": quantity}
	return mapError(c.do(ctx, http.MethodPost, "redeem", session.Token, body, nil))
}

func (c *Client) do(ctx context.Context, method, endpoint, token string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := strings.TrimRight(c.BaseURL, "/") + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return NetworkError{Err: err}
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var envelope struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		_ = json.Unmarshal(b, &envelope)
		return &apiError{StatusCode: resp.StatusCode, Code: envelope.Code, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// mapError converts transport-level failures into the typed gateway
// errors the pipeline dispatches on.
func mapError(err error) error {
	if err == nil {
		return nil
	}
	if ae, ok := err.(*apiError); ok {
		switch {
		case ae.Code == "rejected" || ae.StatusCode == http.StatusForbidden:
			return RejectedError{Reason: ae.Body}
		case ae.Code == "reverted" || ae.StatusCode == http.StatusUnprocessableEntity:
			return ContractError{Reason: ae.Body}
		case ae.StatusCode == http.StatusUnauthorized:
			return AuthenticationRequiredError{Op: "ledger call"}
		default:
			return NetworkError{Err: ae}
		}
	}
	return err
}
