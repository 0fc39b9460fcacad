// Package mpesa is a client for the Daraja STK push API: OAuth token
// exchange and STK push status queries.
package mpesa

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/SirClappington/wifipay/internal/domain"
)

// Result codes returned by the STK query.
const (
	ResultSuccess   = "0"
	ResultCancelled = "1032"
)

const timestampLayout = "20060102150405"

// eat is the Daraja timezone; timestamps in the password must use it.
var eat = time.FixedZone("EAT", 3*60*60)

// APIError is a non-2xx reply from the gateway.
type APIError struct {
	StatusCode int
	Code       string `json:"errorCode"`
	Message    string `json:"errorMessage"`
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("mpesa api error %d: %s %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("mpesa api error %d", e.StatusCode)
}

type Client struct {
	baseURL    string
	creds      domain.GatewayCredentials
	httpClient *http.Client
	now        func() time.Time

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

func NewClient(baseURL string, creds domain.GatewayCredentials, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		creds:      creds,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

type QueryResult struct {
	ResponseCode      string `json:"ResponseCode"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        string `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
}

// QueryTransactionStatus asks for the outcome of one STK push.
func (c *Client) QueryTransactionStatus(ctx context.Context, checkoutRequestID string) (*QueryResult, error) {
	ts := c.now().In(eat).Format(timestampLayout)
	body := map[string]any{
		"BusinessShortCode": c.creds.Shortcode,
		"Password":          c.password(ts),
		"Timestamp":         ts,
		"CheckoutRequestID": checkoutRequestID,
	}
	var out QueryResult
	if err := c.post(ctx, "/mpesa/stkpushquery/v1/query", body, &out); err != nil {
		return nil, errors.Wrapf(err, "stk query %s", checkoutRequestID)
	}
	return &out, nil
}

func (c *Client) password(ts string) string {
	return base64.StdEncoding.EncodeToString([]byte(c.creds.Shortcode + c.creds.Passkey + ts))
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return errors.Wrap(err, "marshal request")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return errors.Wrap(err, "build request")
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

// accessToken returns the cached OAuth token, refreshing it a minute before expiry.
func (c *Client) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && c.now().Before(c.tokenExp) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", errors.Wrap(err, "build token request")
	}
	req.SetBasicAuth(c.creds.ConsumerKey, c.creds.ConsumerSecret)

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := c.do(req, &out); err != nil {
		return "", errors.Wrap(err, "fetch access token")
	}
	if out.AccessToken == "" {
		return "", errors.New("fetch access token: empty token")
	}
	ttl, err := strconv.Atoi(out.ExpiresIn)
	if err != nil || ttl <= 60 {
		ttl = 120
	}
	c.token = out.AccessToken
	c.tokenExp = c.now().Add(time.Duration(ttl-60) * time.Second)
	return c.token, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "%s %s", req.Method, req.URL.Path)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.Wrap(err, "read response")
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode}
		_ = json.Unmarshal(raw, apiErr)
		return apiErr
	}
	return errors.Wrap(json.Unmarshal(raw, out), "decode response")
}

// Pool hands out one Client per tenant credential set so each tenant's
// OAuth token is reused across jobs.
type Pool struct {
	baseURL string
	timeout time.Duration

	mu      sync.Mutex
	clients map[domain.GatewayCredentials]*Client
}

func NewPool(baseURL string, timeout time.Duration) *Pool {
	return &Pool{baseURL: baseURL, timeout: timeout, clients: make(map[domain.GatewayCredentials]*Client)}
}

func (p *Pool) For(creds domain.GatewayCredentials) *Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	c, ok := p.clients[creds]
	if !ok {
		c = NewClient(p.baseURL, creds, p.timeout)
		p.clients[creds] = c
	}
	return c
}
