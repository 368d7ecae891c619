package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	nimble "github.com/SirZayers/Nimble"
)

var _ nimble.Endorser = (*Client)(nil)

// Client reaches one witness over HTTP. It implements nimble.Endorser, so
// an orchestrator uses it exactly like an in-process witness. Receipts are
// decoded but not trusted; the orchestrator and clients verify them.
type Client struct {
	base string
	http *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.http = c }
}

// NewClient creates a client for the witness at endpoint, a base URL such
// as "http://10.0.0.5:7100".
func NewClient(endpoint string, opts ...ClientOption) *Client {
	c := &Client{
		base: strings.TrimRight(endpoint, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Dialer returns a nimble.Dialer that reaches each member at its endpoint.
func Dialer(opts ...ClientOption) nimble.Dialer {
	return func(m nimble.Member) (nimble.Endorser, error) {
		if m.Endpoint == "" {
			return nil, fmt.Errorf("%w: member %s has no endpoint", nimble.ErrConfig, m.ID)
		}
		return NewClient(m.Endpoint, opts...), nil
	}
}

// Identity fetches and verifies the witness identity.
func (c *Client) Identity(ctx context.Context) (*nimble.Identity, error) {
	var resp identityResponse
	if err := c.do(ctx, http.MethodGet, PathIdentity, nil, &resp); err != nil {
		return nil, err
	}
	return nimble.IdentityFromBytes(resp.Identity)
}

func (c *Client) CreateLedger(ctx context.Context, handle nimble.Handle, genesis []byte) (*nimble.Receipt, error) {
	return c.receipt(ctx, PathCreateLedger, createRequest{Handle: handle, Genesis: genesis})
}

func (c *Client) Append(ctx context.Context, handle nimble.Handle, block []byte, expectedHeight uint64) (*nimble.Receipt, error) {
	return c.receipt(ctx, PathAppend, appendRequest{Handle: handle, Block: block, ExpectedHeight: expectedHeight})
}

func (c *Client) ReadLatest(ctx context.Context, handle nimble.Handle, nonce []byte) (*nimble.Receipt, error) {
	return c.receipt(ctx, PathReadLatest, readLatestRequest{Handle: handle, Nonce: nonce})
}

func (c *Client) ReadAt(ctx context.Context, handle nimble.Handle, height uint64) ([]byte, error) {
	var resp blockResponse
	if err := c.do(ctx, http.MethodPost, PathReadAt, readAtRequest{Handle: handle, Height: height}, &resp); err != nil {
		return nil, err
	}
	return resp.Block, nil
}

func (c *Client) EndorseView(ctx context.Context, view *nimble.View) (*nimble.Receipt, error) {
	return c.receipt(ctx, PathEndorseView, viewRequest{View: view.Bytes()})
}

func (c *Client) ActivateView(ctx context.Context, view *nimble.View, auth *nimble.Certificate) (*nimble.Receipt, error) {
	req := viewRequest{View: view.Bytes()}
	if auth != nil {
		req.Authorization = auth.Bytes()
	}
	return c.receipt(ctx, PathActivateView, req)
}

func (c *Client) InstallLedger(ctx context.Context, cert *nimble.Certificate) (*nimble.Receipt, error) {
	return c.receipt(ctx, PathInstallLedger, installRequest{Certificate: cert.Bytes()})
}

func (c *Client) receipt(ctx context.Context, path string, req interface{}) (*nimble.Receipt, error) {
	var resp receiptResponse
	if err := c.do(ctx, http.MethodPost, path, req, &resp); err != nil {
		return nil, err
	}
	return nimble.ReceiptFromBytes(resp.Receipt)
}

// do sends req as JSON and decodes a 2xx answer into resp. Other answers
// become errors of the class the server reported.
func (c *Client) do(ctx context.Context, method, path string, req, resp interface{}) error {
	return doJSON(ctx, c.http, method, c.base+path, req, resp)
}

func doJSON(ctx context.Context, hc *http.Client, method, url string, req, resp interface{}) error {
	var body io.Reader
	if req != nil {
		b, err := json.Marshal(req)
		if err != nil {
			return fmt.Errorf("%w: %v", nimble.ErrInvalidMessage, err)
		}
		body = bytes.NewReader(b)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return fmt.Errorf("%w: %v", nimble.ErrConfig, err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	httpResp, err := hc.Do(httpReq)
	if err != nil {
		return err
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode/100 != 2 {
		var eb errorBody
		raw, _ := io.ReadAll(io.LimitReader(httpResp.Body, 1<<20))
		if err := json.Unmarshal(raw, &eb); err != nil || eb.Code == "" {
			return fmt.Errorf("%w: http %d: %s", nimble.ErrInternal, httpResp.StatusCode, strings.TrimSpace(string(raw)))
		}
		return decodeError(httpResp.StatusCode, eb)
	}
	if resp == nil {
		return nil
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("%w: decode response: %v", nimble.ErrInvalidMessage, err)
	}
	return nil
}
