// internal/adminclient/client.go
package adminclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"payrecon/internal/pkg/httpclient"

	"github.com/pkg/errors"
)

// APIError 是管理接口返回的错误体
type APIError struct {
	Status           int    `json:"-"`
	Message          string `json:"error"`
	Code             string `json:"code"`
	Retryable        bool   `json:"retryable"`
	ReverifyRequired bool   `json:"reverify_required,omitempty"`
}

func (e *APIError) Error() string {
	msg := fmt.Sprintf("%d %s: %s", e.Status, e.Code, e.Message)
	if e.ReverifyRequired {
		msg += " (run verify before retrying)"
	}
	return msg
}

// Client 调用 reconcile-admin 的 HTTP 接口，响应原样返回
type Client struct {
	http    *httpclient.Client
	baseURL string
	token   string
}

func New(hc *httpclient.Client, baseURL, token string) *Client {
	return &Client{http: hc, baseURL: strings.TrimRight(baseURL, "/"), token: token}
}

func (c *Client) ListPending(ctx context.Context) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, "/admin/orders/pending", nil)
}

func (c *Client) Get(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodGet, orderPath(orderID, ""), nil)
}

func (c *Client) Verify(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "/verify"), nil)
}

func (c *Client) Capture(ctx context.Context, orderID string) (json.RawMessage, error) {
	return c.do(ctx, http.MethodPost, orderPath(orderID, "/capture"), nil)
}

func (c *Client) Approve(ctx context.Context, orderID, notes string) (json.RawMessage, error) {
	body, err := json.Marshal(map[string]string{"notes": notes})
	if err != nil {
		return nil, err
	}
	return c.do(ctx, http.MethodPost, orderPath(orderID, "/approve"), body)
}

func orderPath(orderID, action string) string {
	return "/admin/orders/" + url.PathEscape(orderID) + action
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) (json.RawMessage, error) {
	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	if body != nil {
		header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(ctx, httpclient.Request{Method: method, URL: c.baseURL + path, Header: header, Body: body})
	if err != nil {
		return nil, errors.Wrapf(err, "%s %s", method, path)
	}
	if resp.StatusCode >= http.StatusBadRequest {
		apiErr := &APIError{Status: resp.StatusCode}
		if json.Unmarshal(resp.Body, apiErr) != nil || apiErr.Code == "" {
			apiErr.Message = strings.TrimSpace(string(resp.Body))
		}
		return nil, apiErr
	}
	return json.RawMessage(resp.Body), nil
}
