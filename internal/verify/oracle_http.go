package verify

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/park285/colordrop-pool/internal/ledger"
)

// CheckRequest is the oracle check body.
type CheckRequest struct {
	UserID string `json:"userId"`
}

// CheckResponse is the oracle check reply. A positive answer is single use.
type CheckResponse struct {
	Verified   bool      `json:"verified"`
	VerifiedAt time.Time `json:"verifiedAt,omitempty"`
}

// HTTPOracle polls the verification backend. Each Check is one attempt; the
// gate's poll task owns the retry schedule.
type HTTPOracle struct {
	baseURL string
	http    *fasthttp.Client
	timeout time.Duration
}

type OracleOption func(*HTTPOracle)

func WithOracleTimeout(d time.Duration) OracleOption {
	return func(o *HTTPOracle) { o.timeout = d }
}

func WithOracleHTTPClient(c *fasthttp.Client) OracleOption {
	return func(o *HTTPOracle) { o.http = c }
}

func NewHTTPOracle(baseURL string, opts ...OracleOption) *HTTPOracle {
	o := &HTTPOracle{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &fasthttp.Client{ReadTimeout: 5 * time.Second, WriteTimeout: 5 * time.Second},
		timeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

var _ Oracle = (*HTTPOracle)(nil)

func (o *HTTPOracle) Check(ctx context.Context, who ledger.Identity) (bool, error) {
	body, err := json.Marshal(CheckRequest{UserID: strings.ToLower(who.Hex())})
	if err != nil {
		return false, fmt.Errorf("marshal request: %w", err)
	}
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()
	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(o.baseURL + "/api/verify-self/check")
	req.Header.SetContentType("application/json")
	req.SetBody(body)

	deadline := time.Now().Add(o.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := o.http.DoDeadline(req, resp, deadline); err != nil {
		return false, fmt.Errorf("oracle request failed: %w", err)
	}
	if code := resp.StatusCode(); code != fasthttp.StatusOK {
		return false, fmt.Errorf("oracle status=%d", code)
	}
	var out CheckResponse
	if err := json.Unmarshal(resp.Body(), &out); err != nil {
		return false, fmt.Errorf("decode oracle response: %w", err)
	}
	return out.Verified, nil
}
