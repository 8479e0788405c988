// Package rpc implements the JSON-RPC transport to bitcoind: three logical
// endpoints on one node, cookie authentication, and a bounded retry policy
// for its spurious failures.
package rpc

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/btcsuite/btcd/btcjson"
	"go.uber.org/ratelimit"
	"go.uber.org/zap"
)

// Endpoint selects which logical connection a call goes out on.
type Endpoint string

const (
	// EndpointNode is the node itself (chain queries, wallet management,
	// batched broadcasts).
	EndpointNode Endpoint = "node"
	// EndpointWatchonly is the watch-only wallet tracking the deposit and
	// unvault addresses.
	EndpointWatchonly Endpoint = "watchonly"
	// EndpointCPFP is the fee-bumping wallet.
	EndpointCPFP Endpoint = "cpfp"
)

// If bitcoind takes more than 3 minutes to answer a single request, fail.
const socketTimeout = 3 * time.Minute

// Retry windows, measured from the start of the logical call.
const (
	framingRetryWindow   = time.Second
	framingRetrySleep    = time.Second
	transportRetryWindow = 45 * time.Second
	transportRetrySleep  = time.Second
	jsonRetryWindow      = time.Second
	jsonRetrySleep       = 500 * time.Millisecond
)

type (
	// Metrics tracks per-call outcomes, in the shape the rest of the daemon
	// uses for observed collaborators.
	Metrics interface {
		Observe(endpoint, method string, err error, started time.Time)
	}
)

// Config carries what is needed to reach the three endpoints.
type Config struct {
	// Addr is the host:port bitcoind listens on.
	Addr string
	// CookiePath points at bitcoind's cookie credential file.
	CookiePath string
	// WatchonlyWalletName and CPFPWalletName select the wallet paths.
	WatchonlyWalletName string
	CPFPWalletName      string
	// RequestsPerSecond caps our request rate. Zero means a default cap.
	RequestsPerSecond int
}

// Request is one entry of a batched call.
type Request struct {
	Method string
	Params []interface{}
}

// Client is the JSON-RPC transport. It is used by a single goroutine, the
// poller, which is the only component authorized to talk to the node.
type Client struct {
	httpClient *http.Client
	urls       map[Endpoint]string
	user       string
	pass       string
	logger     *zap.Logger
	metrics    Metrics
	rl         ratelimit.Limiter

	// Injectable for retry-policy tests.
	sleep func(time.Duration)
	now   func() time.Time

	nextID uint64
}

// New reads the cookie file and builds the client. A malformed address or
// an unreadable cookie file is a configuration error: no retry.
func New(cfg Config, metrics Metrics, logger *zap.Logger) (*Client, error) {
	cookie, err := os.ReadFile(cfg.CookiePath)
	if err != nil {
		return nil, fmt.Errorf("reading cookie file: %w", err)
	}
	user, pass, ok := strings.Cut(strings.TrimSpace(string(cookie)), ":")
	if !ok {
		return nil, fmt.Errorf("malformed cookie file %q", cfg.CookiePath)
	}

	urls := map[Endpoint]string{
		EndpointNode:      fmt.Sprintf("http://%s", cfg.Addr),
		EndpointWatchonly: fmt.Sprintf("http://%s/wallet/%s", cfg.Addr, cfg.WatchonlyWalletName),
		EndpointCPFP:      fmt.Sprintf("http://%s/wallet/%s", cfg.Addr, cfg.CPFPWalletName),
	}
	for ep, raw := range urls {
		parsed, err := url.Parse(raw)
		if err != nil || parsed.Host == "" {
			return nil, &TransportError{
				Kind: KindInvalidURL,
				Err:  fmt.Errorf("endpoint %s: invalid url %q", ep, raw),
			}
		}
	}

	rps := cfg.RequestsPerSecond
	if rps <= 0 {
		rps = 100
	}

	return &Client{
		httpClient: &http.Client{Timeout: socketTimeout},
		urls:       urls,
		user:       user,
		pass:       pass,
		logger:     logger,
		metrics:    metrics,
		rl:         ratelimit.New(rps),
		sleep:      time.Sleep,
		now:        time.Now,
	}, nil
}

// Call performs one JSON-RPC call, retrying transient transport failures
// within the policy windows. A node-reported RPC error is returned to the
// caller unmodified as a *btcjson.RPCError.
func (c *Client) Call(endpoint Endpoint, method string, params ...interface{}) (res json.RawMessage, err error) {
	started := c.now()
	defer func() {
		c.metrics.Observe(string(endpoint), method, err, started)
	}()

	req, err := c.buildRequest(method, params, started)
	if err != nil {
		return nil, err
	}
	body, err := c.marshal(req, started)
	if err != nil {
		return nil, err
	}

	for {
		res, err = c.post(endpoint, method, body)
		if err == nil {
			return res, nil
		}
		if retryErr := c.handleError(err, started); retryErr != nil {
			return nil, retryErr
		}
	}
}

// CallBatch sends all requests in a single HTTP round-trip against one
// endpoint and returns the results in request order. A response count that
// differs from the request count is ErrBatchLength.
func (c *Client) CallBatch(endpoint Endpoint, reqs []Request) (res []json.RawMessage, err error) {
	started := c.now()
	defer func() {
		c.metrics.Observe(string(endpoint), "batch", err, started)
	}()

	if len(reqs) == 0 {
		return nil, nil
	}

	wireReqs := make([]btcjson.Request, 0, len(reqs))
	ids := make([]uint64, 0, len(reqs))
	for _, req := range reqs {
		wireReq, err := c.buildRequest(req.Method, req.Params, started)
		if err != nil {
			return nil, err
		}
		wireReqs = append(wireReqs, wireReq)
		ids = append(ids, wireReq.ID.(uint64))
	}
	body, err := c.marshal(wireReqs, started)
	if err != nil {
		return nil, err
	}

	for {
		res, err = c.postBatch(endpoint, body, ids)
		if err == nil {
			return res, nil
		}
		if retryErr := c.handleError(err, started); retryErr != nil {
			return nil, retryErr
		}
	}
}

func (c *Client) buildRequest(method string, params []interface{}, started time.Time) (btcjson.Request, error) {
	rawParams := make([]json.RawMessage, 0, len(params))
	for _, param := range params {
		raw, err := c.marshal(param, started)
		if err != nil {
			return btcjson.Request{}, err
		}
		rawParams = append(rawParams, raw)
	}
	return btcjson.Request{
		Jsonrpc: btcjson.RpcVersion1,
		Method:  method,
		Params:  rawParams,
		ID:      atomic.AddUint64(&c.nextID, 1),
	}, nil
}

// marshal serializes a request-side value under the same retry policy as
// response decoding, keeping handleError the single place where
// serialization failures are classified.
func (c *Client) marshal(v interface{}, started time.Time) (json.RawMessage, error) {
	for {
		raw, err := json.Marshal(v)
		if err == nil {
			return raw, nil
		}
		terr := &TransportError{Kind: KindJSON, Err: err}
		if retryErr := c.handleError(terr, started); retryErr != nil {
			return nil, retryErr
		}
	}
}

// handleError decides whether the in-flight call should be retried. It
// returns nil after sleeping when a retry is warranted, and the error to
// surface otherwise.
func (c *Client) handleError(err error, started time.Time) error {
	var rpcErr *btcjson.RPCError
	if errors.As(err, &rpcErr) {
		// Semantically rejected. Retrying cannot succeed.
		return err
	}

	var terr *TransportError
	if !errors.As(err, &terr) {
		return err
	}

	elapsed := c.now().Sub(started)
	switch terr.Kind {
	case KindInvalidURL, KindUnreachable:
		// Misconfiguration, not transience.
		return err
	case KindFraming:
		if elapsed > framingRetryWindow {
			return err
		}
		c.logger.Error("malformed response from bitcoind, retrying once", zap.Error(err))
		c.sleep(framingRetrySleep)
	case KindJSON:
		if elapsed > jsonRetryWindow {
			return err
		}
		c.logger.Error("serialization failure talking to bitcoind, retrying", zap.Error(err))
		c.sleep(jsonRetrySleep)
	default:
		// The node may just be busy or restarting under our feet.
		if elapsed > transportRetryWindow {
			return err
		}
		c.logger.Warn("transport failure talking to bitcoind, retrying", zap.Error(err))
		c.sleep(transportRetrySleep)
	}

	return nil
}

func (c *Client) post(endpoint Endpoint, method string, body []byte) (json.RawMessage, error) {
	raw, err := c.roundTrip(endpoint, body)
	if err != nil {
		return nil, err
	}

	var resp btcjson.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, &TransportError{Kind: KindJSON, Err: err}
	}
	if resp.Error != nil {
		return nil, resp.Error
	}

	c.logger.Debug("bitcoind answered", zap.String("endpoint", string(endpoint)),
		zap.String("method", method))
	return resp.Result, nil
}

func (c *Client) postBatch(endpoint Endpoint, body []byte, ids []uint64) ([]json.RawMessage, error) {
	raw, err := c.roundTrip(endpoint, body)
	if err != nil {
		return nil, err
	}

	var resps []btcjson.Response
	if err := json.Unmarshal(raw, &resps); err != nil {
		return nil, &TransportError{Kind: KindJSON, Err: err}
	}
	if len(resps) != len(ids) {
		return nil, fmt.Errorf("%w: sent %d, got %d", ErrBatchLength, len(ids), len(resps))
	}

	// bitcoind is not required to answer in order: map responses back to
	// their request IDs.
	byID := make(map[uint64]*btcjson.Response, len(resps))
	for i := range resps {
		id, ok := responseID(&resps[i])
		if !ok {
			return nil, &TransportError{
				Kind: KindJSON,
				Err:  fmt.Errorf("batch response with no usable id"),
			}
		}
		byID[id] = &resps[i]
	}

	results := make([]json.RawMessage, 0, len(ids))
	for _, id := range ids {
		resp, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("%w: no response for request id %d", ErrBatchLength, id)
		}
		if resp.Error != nil {
			return nil, resp.Error
		}
		results = append(results, resp.Result)
	}
	return results, nil
}

func (c *Client) roundTrip(endpoint Endpoint, body []byte) ([]byte, error) {
	c.rl.Take()

	httpReq, err := http.NewRequest(http.MethodPost, c.urls[endpoint], bytes.NewReader(body))
	if err != nil {
		return nil, &TransportError{Kind: KindInvalidURL, Err: err}
	}
	httpReq.SetBasicAuth(c.user, c.pass)
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, classifyHTTPError(err)
	}
	defer func() {
		_ = httpResp.Body.Close()
	}()

	raw, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, &TransportError{Kind: KindTransport, Err: err}
	}

	// bitcoind reports RPC errors with a 500 and a JSON-RPC body: parse the
	// body regardless of the status code and only treat an unparsable
	// non-200 answer as a framing problem (handled by the JSON layer above
	// via the body contents).
	if httpResp.StatusCode != http.StatusOK && len(bytes.TrimSpace(raw)) == 0 {
		return nil, &TransportError{
			Kind: KindFraming,
			Err:  fmt.Errorf("status %d with empty body", httpResp.StatusCode),
		}
	}
	return raw, nil
}

// classifyHTTPError sorts an http.Client failure into a transport variant.
func classifyHTTPError(err error) *TransportError {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var opErr *net.OpError
		if errors.As(urlErr.Err, &opErr) && opErr.Op == "dial" {
			return &TransportError{Kind: KindUnreachable, Err: err}
		}
		if strings.Contains(urlErr.Err.Error(), "malformed HTTP") {
			return &TransportError{Kind: KindFraming, Err: err}
		}
	}
	return &TransportError{Kind: KindTransport, Err: err}
}

func responseID(resp *btcjson.Response) (uint64, bool) {
	if resp.ID == nil || *resp.ID == nil {
		return 0, false
	}
	switch id := (*resp.ID).(type) {
	case float64:
		return uint64(id), true
	case uint64:
		return id, true
	default:
		return 0, false
	}
}

// SetRetryHooks overrides the sleep and clock functions. Tests use it to
// exercise the retry windows without waiting for them.
func (c *Client) SetRetryHooks(sleep func(time.Duration), now func() time.Time) {
	c.sleep = sleep
	c.now = now
}

// SetHTTPClient swaps the underlying HTTP client. Tests use it to install
// a mock transport.
func (c *Client) SetHTTPClient(hc *http.Client) { c.httpClient = hc }
