package evmrpc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/valyala/fasthttp"
)

// HeaderProvider allows injecting per-request headers (API keys for hosted RPC).
type HeaderProvider func() map[string]string

// RPCError is a JSON-RPC error object.
type RPCError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *RPCError) Error() string { return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message) }

// EIP-1193 provider error codes.
const (
	CodeUserRejected      = 4001
	CodeUnrecognizedChain = 4902
	CodeExecutionReverted = 3
)

// IsUserRejected reports whether err is a wallet rejection.
func IsUserRejected(err error) bool {
	var re *RPCError
	return errors.As(err, &re) && re.Code == CodeUserRejected
}

// IsReverted reports whether err is an execution revert surfaced before inclusion.
func IsReverted(err error) bool {
	var re *RPCError
	if !errors.As(err, &re) {
		return false
	}
	return re.Code == CodeExecutionReverted || strings.Contains(strings.ToLower(re.Message), "revert")
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

type rpcResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *RPCError       `json:"error"`
}

// Transport posts JSON-RPC 2.0 calls over fasthttp.
type Transport struct {
	url     string
	http    *fasthttp.Client
	headers HeaderProvider
	nextID  atomic.Uint64

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Transport)

func WithTimeout(d time.Duration) Option {
	return func(t *Transport) { t.defaultTimeout = d }
}

func WithHeaderProvider(h HeaderProvider) Option {
	return func(t *Transport) { t.headers = h }
}

func WithRetry(max int) Option {
	return func(t *Transport) { t.retryMax = max }
}

// WithHTTPClient swaps the underlying client; tests dial an in-memory listener.
func WithHTTPClient(c *fasthttp.Client) Option {
	return func(t *Transport) { t.http = c }
}

func NewTransport(url string, opts ...Option) *Transport {
	t := &Transport{
		url:            strings.TrimRight(url, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 32},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Call invokes method and decodes the result into out. Reads pass retry=true;
// writes must not, a resent transaction could be accepted twice.
func (t *Transport) Call(ctx context.Context, method string, params []any, out any, retry bool) error {
	if params == nil {
		params = []any{}
	}
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: t.nextID.Add(1), Method: method, Params: params})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(t.url)
	req.Header.SetContentType("application/json")
	if t.headers != nil {
		for k, v := range t.headers() {
			if strings.TrimSpace(k) != "" && strings.TrimSpace(v) != "" {
				req.Header.Set(k, v)
			}
		}
	}
	req.SetBody(body)

	attempts := 1
	if retry && t.retryMax > 1 {
		attempts = t.retryMax
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		err := t.http.DoDeadline(req, resp, t.computeDeadline(ctx))
		if err != nil {
			lastErr = fmt.Errorf("%s: request failed: %w", method, err)
			if attempt == attempts {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = fmt.Errorf("%s: rpc status=%d body=%s", method, status, truncate(string(resp.Body()), 512))
			if attempt == attempts || !shouldRetryStatus(status) {
				return lastErr
			}
			if sleepErr := sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		var rr rpcResponse
		if err := json.Unmarshal(resp.Body(), &rr); err != nil {
			return fmt.Errorf("%s: decode response: %w", method, err)
		}
		if rr.Error != nil {
			return rr.Error
		}
		if out != nil && len(rr.Result) > 0 {
			if err := json.Unmarshal(rr.Result, out); err != nil {
				return fmt.Errorf("%s: decode result: %w", method, err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

func (t *Transport) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(t.defaultTimeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	tm := time.NewTimer(d)
	defer tm.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-tm.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	return time.Duration(1<<uint(attempt-1)) * 100 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
