package im

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/3cpo-dev/fedprobe/internal/telemetry"
)

// DefaultEndpoint is the EGI Infrastructure Manager.
const DefaultEndpoint = "https://im.egi.eu/im"

const maxErrorBody = 4 << 10

// Client talks to the IM REST API. Calls are never retried here.
type Client struct {
	endpoint string
	client   *http.Client
	metrics  *telemetry.Collector
}

// NewClient creates a client for endpoint. A zero timeout means 60 seconds.
func NewClient(endpoint string, timeout time.Duration) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &Client{
		endpoint: strings.TrimRight(endpoint, "/"),
		client: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				Proxy:               http.ProxyFromEnvironment,
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 5,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		metrics: telemetry.GetGlobal(),
	}
}

// WithMetrics makes the client report to c instead of the global collector.
func (c *Client) WithMetrics(m *telemetry.Collector) *Client {
	c.metrics = m
	return c
}

type createResp struct {
	URI string `json:"uri"`
}

type outputsResp struct {
	Outputs struct {
		NodeIP    json.RawMessage `json:"node_ip"`
		NodeCreds *struct {
			User  string `json:"user"`
			Token string `json:"token"`
		} `json:"node_creds"`
	} `json:"outputs"`
}

// Create submits template and returns the new infrastructure id.
func (c *Client) Create(ctx context.Context, auth Authorizer, template string, format Format) (string, error) {
	var out createResp
	err := c.do(ctx, "create", auth, http.MethodPost, "/infrastructures", format.contentType(), template, "application/json", &out)
	if err != nil {
		return "", err
	}
	id := infraIDFromURI(out.URI)
	if id == "" {
		return "", fmt.Errorf("im create: no infrastructure id in response %q", out.URI)
	}
	return id, nil
}

// State returns the state of VM node of infraID.
func (c *Client) State(ctx context.Context, auth Authorizer, infraID string, node int) (State, error) {
	v, err := c.vmProperty(ctx, "state", auth, infraID, node, "state")
	if err != nil {
		return StateUnknown, err
	}
	return State(v), nil
}

// ContextMessage returns the contextualization log of VM node of infraID.
func (c *Client) ContextMessage(ctx context.Context, auth Authorizer, infraID string, node int) (string, error) {
	return c.vmProperty(ctx, "contmsg", auth, infraID, node, "contmsg")
}

func (c *Client) vmProperty(ctx context.Context, op string, auth Authorizer, infraID string, node int, property string) (string, error) {
	var body string
	path := fmt.Sprintf("/infrastructures/%s/vms/%d/%s", url.PathEscape(infraID), node, property)
	if err := c.do(ctx, op, auth, http.MethodGet, path, "", "", "text/plain", &body); err != nil {
		return "", err
	}
	return strings.TrimSpace(body), nil
}

// Outputs returns the declared template outputs of infraID.
func (c *Client) Outputs(ctx context.Context, auth Authorizer, infraID string) (Outputs, error) {
	var out outputsResp
	path := fmt.Sprintf("/infrastructures/%s/outputs", url.PathEscape(infraID))
	if err := c.do(ctx, "outputs", auth, http.MethodGet, path, "", "", "application/json", &out); err != nil {
		return Outputs{}, err
	}
	res := Outputs{Address: firstAddress(out.Outputs.NodeIP)}
	if out.Outputs.NodeCreds != nil {
		res.User = out.Outputs.NodeCreds.User
		res.PrivateKey = out.Outputs.NodeCreds.Token
	}
	switch {
	case res.Address == "":
		return res, errors.New("im outputs: node_ip missing")
	case res.User == "":
		return res, errors.New("im outputs: node_creds.user missing")
	case res.PrivateKey == "":
		return res, errors.New("im outputs: node_creds.token missing")
	}
	return res, nil
}

// Destroy deletes infraID and everything backing it.
func (c *Client) Destroy(ctx context.Context, auth Authorizer, infraID string) error {
	path := fmt.Sprintf("/infrastructures/%s", url.PathEscape(infraID))
	return c.do(ctx, "destroy", auth, http.MethodDelete, path, "", "", "", nil)
}

func (c *Client) do(ctx context.Context, op string, auth Authorizer, method, path, contentType, body, accept string, out interface{}) (err error) {
	start := time.Now()
	defer func() {
		c.metrics.RecordAPICall(op, err, time.Since(start))
		log.Debug().Str("op", op).Str("path", path).Dur("took", time.Since(start)).Err(err).Msg("im call")
	}()

	header, err := auth.AuthHeader()
	if err != nil {
		return fmt.Errorf("im %s: auth: %w", op, err)
	}
	var reqBody io.Reader
	if body != "" {
		reqBody = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.endpoint+path, reqBody)
	if err != nil {
		return fmt.Errorf("im %s: create request: %w", op, err)
	}
	req.Header.Set("Authorization", header)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if accept != "" {
		req.Header.Set("Accept", accept)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("im %s: %w", op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return &APIError{Op: op, StatusCode: resp.StatusCode, Body: strings.TrimSpace(string(b))}
	}

	switch v := out.(type) {
	case nil:
		_, _ = io.Copy(io.Discard, resp.Body)
	case *string:
		b, err := io.ReadAll(resp.Body)
		if err != nil {
			return fmt.Errorf("im %s: read response: %w", op, err)
		}
		*v = string(b)
	default:
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("im %s: decode response: %w", op, err)
		}
	}
	return nil
}

// infraIDFromURI returns the last path segment of an infrastructure URI.
func infraIDFromURI(uri string) string {
	uri = strings.TrimRight(strings.TrimSpace(uri), "/")
	if i := strings.LastIndexByte(uri, '/'); i >= 0 {
		return uri[i+1:]
	}
	return uri
}

// firstAddress accepts node_ip either as a string or a list of strings.
func firstAddress(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil && len(list) > 0 {
		return list[0]
	}
	return ""
}
