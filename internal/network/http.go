package network

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	"github.com/cloudsync-go/cloudsync/internal/cserr"
)

// HTTPClient implements Client against the sync protocol of spec §6: PUT
// the blob to an upload endpoint, POST a notify referencing it, and GET
// /<site_id>/<db_version>/<seq>/check for inbound payloads. The endpoints
// are derived from the connection string the same way the teacher's Linear
// client derives a GraphQL endpoint from a single configured base URL.
type HTTPClient struct {
	hc *http.Client

	mu      sync.RWMutex
	baseURL *url.URL
	token   string
	apiKey  string
}

func NewHTTPClient(hc *http.Client) *HTTPClient {
	if hc == nil {
		hc = http.DefaultClient
	}
	return &HTTPClient{hc: hc}
}

func (c *HTTPClient) Init(ctx context.Context, connectionString string) error {
	u, err := url.Parse(connectionString)
	if err != nil {
		return cserr.Wrap(cserr.Misuse, err, "network: invalid connection string")
	}
	c.mu.Lock()
	c.baseURL = u
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	c.baseURL, c.token, c.apiKey = nil, "", ""
	c.mu.Unlock()
	return nil
}

func (c *HTTPClient) SetToken(t string)  { c.mu.Lock(); c.token = t; c.mu.Unlock() }
func (c *HTTPClient) SetAPIKey(k string) { c.mu.Lock(); c.apiKey = k; c.mu.Unlock() }

func (c *HTTPClient) Logout(ctx context.Context) error {
	c.SetToken("")
	c.SetAPIKey("")
	return nil
}

func (c *HTTPClient) base() (*url.URL, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.baseURL == nil {
		return nil, ErrNotConfigured
	}
	return c.baseURL, nil
}

func (c *HTTPClient) authorize(req *http.Request) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if c.apiKey != "" {
		req.Header.Set("X-Api-Key", c.apiKey)
	}
}

// Upload implements spec §6's "uploads the blob and then POSTs a
// notification referencing the uploaded URL".
func (c *HTTPClient) Upload(ctx context.Context, payload []byte) error {
	base, err := c.base()
	if err != nil {
		return err
	}
	uploadURL := base.JoinPath("blobs", objectName(payload))

	putReq, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL.String(), bytes.NewReader(payload))
	if err != nil {
		return cserr.Wrap(cserr.Network, err, "network: building upload request")
	}
	putReq.Header.Set("Content-Type", "application/octet-stream")
	c.authorize(putReq)
	if err := c.do(ctx, putReq); err != nil {
		return err
	}

	notifyBody, err := json.Marshal(struct {
		URL string `json:"url"`
	}{URL: uploadURL.String()})
	if err != nil {
		return cserr.Wrap(cserr.Network, err, "network: encoding notify body")
	}
	notifyReq, err := http.NewRequestWithContext(ctx, http.MethodPost, base.JoinPath("notify").String(), bytes.NewReader(notifyBody))
	if err != nil {
		return cserr.Wrap(cserr.Network, err, "network: building notify request")
	}
	notifyReq.Header.Set("Content-Type", "application/json")
	c.authorize(notifyReq)
	return c.do(ctx, notifyReq)
}

// Check implements spec §6's GET /<site_id>/<db_version>/<seq>/check.
func (c *HTTPClient) Check(ctx context.Context, siteID [16]byte, cursor Cursor) ([]byte, bool, error) {
	base, err := c.base()
	if err != nil {
		return nil, false, err
	}
	checkURL := base.JoinPath(
		hex.EncodeToString(siteID[:]),
		fmt.Sprintf("%d", cursor.CheckDBVersion),
		fmt.Sprintf("%d", cursor.CheckSeq),
		"check")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, checkURL.String(), nil)
	if err != nil {
		return nil, false, cserr.Wrap(cserr.Network, err, "network: building check request")
	}
	c.authorize(req)

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, false, cserr.Wrap(cserr.Network, err, "network: check request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return nil, false, cserr.Newf(cserr.Network, "network: check returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, false, cserr.Wrap(cserr.Network, err, "network: reading check response")
	}
	if len(body) == 0 {
		return nil, false, nil
	}
	return body, true, nil
}

func (c *HTTPClient) do(ctx context.Context, req *http.Request) error {
	resp, err := c.hc.Do(req)
	if err != nil {
		return cserr.Wrap(cserr.Network, err, "network: request failed")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(resp.Body)
		return cserr.Newf(cserr.Network, "network: %s %s returned status %d: %s",
			req.Method, req.URL, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

func objectName(payload []byte) string {
	sum := sha256.Sum256(payload)
	return hex.EncodeToString(sum[:])
}
