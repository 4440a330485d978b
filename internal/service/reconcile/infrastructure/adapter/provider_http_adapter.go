package adapter

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"payrecon/internal/pkg/clock"
	"payrecon/internal/pkg/httpclient"
	"payrecon/internal/pkg/logger"
	"payrecon/internal/pkg/metrics"
	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

const (
	ordersPath = "/v2/checkout/orders/"
	tokenPath  = "/v1/oauth2/token"

	requestIDHeader = "PayPal-Request-Id"

	captureStatusCompleted = "COMPLETED"

	issueAlreadyCaptured      = "ORDER_ALREADY_CAPTURED"
	issueNotApproved          = "ORDER_NOT_APPROVED"
	issuePayerActionRequired  = "PAYER_ACTION_REQUIRED"
	issueOrderCannotBeCharged = "ORDER_CANNOT_BE_CAPTURED"
)

// EndpointResolver 返回渠道的 base url，支持静态配置或 Nacos 服务发现
type EndpointResolver interface {
	ResolveBaseURL(ctx context.Context) (string, error)
}

// StaticEndpoint 固定地址
type StaticEndpoint string

func (e StaticEndpoint) ResolveBaseURL(context.Context) (string, error) {
	if e == "" {
		return "", errors.New("provider base url is empty")
	}
	return strings.TrimRight(string(e), "/"), nil
}

type discoverer interface {
	ResolveBaseURL(ctx context.Context, serviceName string) (string, error)
}

// DiscoveredEndpoint 每次调用前从注册中心选一个健康实例
type DiscoveredEndpoint struct {
	Registry    discoverer
	ServiceName string
}

func (e DiscoveredEndpoint) ResolveBaseURL(ctx context.Context) (string, error) {
	return e.Registry.ResolveBaseURL(ctx, e.ServiceName)
}

// ProviderConfig 渠道适配器配置
type ProviderConfig struct {
	ClientID     string
	ClientSecret string
	// 单次调用的超时，包括获取 token
	Timeout time.Duration
}

// ProviderHTTPAdapter 是 port.PaymentProvider 的 HTTP 实现，线协议对齐 PayPal Orders v2
type ProviderHTTPAdapter struct {
	client   *httpclient.Client
	endpoint EndpointResolver
	cfg      ProviderConfig
	clock    clock.Clock

	mu     sync.Mutex
	tokens map[string]oauth2.TokenSource // key 为 base url
}

// NewProviderHTTPAdapter 创建一个新的渠道适配器实例。
func NewProviderHTTPAdapter(client *httpclient.Client, endpoint EndpointResolver, cfg ProviderConfig, clk clock.Clock) *ProviderHTTPAdapter {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &ProviderHTTPAdapter{
		client:   client,
		endpoint: endpoint,
		cfg:      cfg,
		clock:    clk,
		tokens:   make(map[string]oauth2.TokenSource),
	}
}

var _ port.PaymentProvider = (*ProviderHTTPAdapter)(nil)

type providerOrder struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []providerCapture `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

type providerCapture struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Amount struct {
		Value        string `json:"value"`
		CurrencyCode string `json:"currency_code"`
	} `json:"amount"`
	CreateTime string `json:"create_time"`
}

type providerError struct {
	Name    string `json:"name"`
	Message string `json:"message"`
	Details []struct {
		Issue       string `json:"issue"`
		Description string `json:"description"`
	} `json:"details"`
}

func (o providerOrder) firstCapture() (providerCapture, bool) {
	for _, unit := range o.PurchaseUnits {
		if len(unit.Payments.Captures) > 0 {
			return unit.Payments.Captures[0], true
		}
	}
	return providerCapture{}, false
}

// FetchStatus 查询渠道订单状态，只读
func (a *ProviderHTTPAdapter) FetchStatus(ctx context.Context, providerOrderID string) (port.ProviderStatus, error) {
	started := time.Now()
	resp, err := a.call(ctx, http.MethodGet, ordersPath+url.PathEscape(providerOrderID), nil)
	if err != nil {
		metrics.ObserveProviderCall("fetch_status", outcomeOf(err), started)
		return port.ProviderStatus{}, errors.WithMessagef(err, "fetch status of %s", providerOrderID)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound:
		metrics.ObserveProviderCall("fetch_status", "not_found", started)
		return port.ProviderStatus{}, errors.Wrapf(domain.ErrProviderOrderNotFound, "provider order %s", providerOrderID)
	default:
		err := unexpectedStatus(resp, false)
		metrics.ObserveProviderCall("fetch_status", outcomeOf(err), started)
		return port.ProviderStatus{}, errors.WithMessagef(err, "fetch status of %s", providerOrderID)
	}

	var body providerOrder
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		metrics.ObserveProviderCall("fetch_status", "unavailable", started)
		return port.ProviderStatus{}, fmt.Errorf("%w: decode order %s: %v", domain.ErrProviderUnavailable, providerOrderID, err)
	}
	metrics.ObserveProviderCall("fetch_status", "ok", started)

	status := port.ProviderStatus{
		ProviderOrderID: providerOrderID,
		Status:          body.Status,
		FetchedAt:       a.clock.Now(),
	}
	if c, ok := body.firstCapture(); ok && body.Status == port.ProviderStatusCompleted {
		if c.Status != captureStatusCompleted {
			// 订单已完成但资金还没有到账（PENDING 等），不能当作扣款成功
			status.Status = port.ProviderStatusCapturePending
			return status, nil
		}
		status.CaptureID = c.ID
		status.CapturedAmount = toMoney(c)
	}
	return status, nil
}

// Capture 对已授权订单扣款。PayPal-Request-Id 固定为 capture-{id}，
// 渠道对同一个请求号只会扣一次款，重试总是安全的。
func (a *ProviderHTTPAdapter) Capture(ctx context.Context, providerOrderID string) (domain.CaptureReceipt, error) {
	started := time.Now()
	header := http.Header{}
	header.Set(requestIDHeader, "capture-"+providerOrderID)
	header.Set("Prefer", "return=representation")

	resp, err := a.call(ctx, http.MethodPost, ordersPath+url.PathEscape(providerOrderID)+"/capture", header)
	if err != nil {
		metrics.ObserveProviderCall("capture", outcomeOf(err), started)
		return domain.CaptureReceipt{}, errors.WithMessagef(err, "capture %s", providerOrderID)
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusCreated:
	case http.StatusNotFound:
		metrics.ObserveProviderCall("capture", "not_found", started)
		return domain.CaptureReceipt{}, errors.Wrapf(domain.ErrProviderOrderNotFound, "provider order %s", providerOrderID)
	case http.StatusUnprocessableEntity:
		err := classifyUnprocessable(resp)
		metrics.ObserveProviderCall("capture", outcomeOf(err), started)
		return domain.CaptureReceipt{}, errors.WithMessagef(err, "capture %s", providerOrderID)
	default:
		err := unexpectedStatus(resp, true)
		metrics.ObserveProviderCall("capture", outcomeOf(err), started)
		return domain.CaptureReceipt{}, errors.WithMessagef(err, "capture %s", providerOrderID)
	}

	var body providerOrder
	if err := json.Unmarshal(resp.Body, &body); err != nil {
		// 2xx 但是响应体坏了：扣款很可能已经发生
		metrics.ObserveProviderCall("capture", "unknown", started)
		return domain.CaptureReceipt{}, fmt.Errorf("%w: %w: decode capture of %s: %v",
			domain.ErrProviderUnavailable, domain.ErrOutcomeUnknown, providerOrderID, err)
	}
	c, hasCapture := body.firstCapture()
	if body.Status != port.ProviderStatusCompleted || (hasCapture && c.Status != captureStatusCompleted) {
		// 渠道受理了请求但扣款还没有最终完成，按结果未知处理，由复核流程确认
		metrics.ObserveProviderCall("capture", "pending", started)
		return domain.CaptureReceipt{}, fmt.Errorf("%w: %w: capture of %s not final (order %s, capture %s)",
			domain.ErrProviderUnavailable, domain.ErrOutcomeUnknown, providerOrderID, body.Status, c.Status)
	}
	metrics.ObserveProviderCall("capture", "ok", started)

	receipt := domain.CaptureReceipt{ProviderStatus: body.Status, CapturedAt: a.clock.Now()}
	if hasCapture {
		receipt.CaptureID = c.ID
		receipt.Amount = toMoney(c)
		if t, err := time.Parse(time.RFC3339, c.CreateTime); err == nil {
			receipt.CapturedAt = t.UTC()
		}
	}
	return receipt, nil
}

// call 解析地址、附加 token，并把传输层错误统一映射成 ErrProviderUnavailable
func (a *ProviderHTTPAdapter) call(ctx context.Context, method, path string, header http.Header) (*httpclient.Response, error) {
	ctx, cancel := context.WithTimeout(ctx, a.cfg.Timeout)
	defer cancel()

	baseURL, err := a.endpoint.ResolveBaseURL(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: resolve endpoint: %v", domain.ErrProviderUnavailable, err)
	}
	if header == nil {
		header = http.Header{}
	}
	header.Set("Accept", "application/json")
	if method == http.MethodPost {
		header.Set("Content-Type", "application/json")
	}

	if ts := a.tokenSource(baseURL); ts != nil {
		token, err := ts.Token()
		if err != nil {
			return nil, fmt.Errorf("%w: fetch access token: %v", domain.ErrProviderUnavailable, err)
		}
		header.Set("Authorization", token.Type()+" "+token.AccessToken)
	}

	var body []byte
	if method == http.MethodPost {
		body = []byte("{}")
	}
	resp, err := a.client.Do(ctx, httpclient.Request{Method: method, URL: baseURL + path, Header: header, Body: body})
	if err != nil {
		// 请求可能已经到达渠道，结果未知
		logger.Ctx(ctx).Warn().Err(err).Str("method", method).Str("path", path).Msg("provider call failed")
		return nil, fmt.Errorf("%w: %w: %w", domain.ErrProviderUnavailable, domain.ErrOutcomeUnknown, err)
	}
	return resp, nil
}

// tokenSource 没有配置 client id 时返回 nil（本地模拟渠道不需要鉴权）
func (a *ProviderHTTPAdapter) tokenSource(baseURL string) oauth2.TokenSource {
	if a.cfg.ClientID == "" {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if ts, ok := a.tokens[baseURL]; ok {
		return ts
	}
	cc := clientcredentials.Config{
		ClientID:     a.cfg.ClientID,
		ClientSecret: a.cfg.ClientSecret,
		TokenURL:     baseURL + tokenPath,
		AuthStyle:    oauth2.AuthStyleInHeader,
	}
	// token 请求不能绑定到某一次调用的 ctx 上，它会被之后的调用复用
	tokenCtx := context.WithValue(context.Background(), oauth2.HTTPClient, &http.Client{
		Transport: a.client.HTTPClient.Transport,
		Timeout:   a.cfg.Timeout,
	})
	ts := cc.TokenSource(tokenCtx)
	a.tokens[baseURL] = ts
	return ts
}

func classifyUnprocessable(resp *httpclient.Response) error {
	var body providerError
	_ = json.Unmarshal(resp.Body, &body)
	for _, d := range body.Details {
		switch d.Issue {
		case issueAlreadyCaptured:
			return domain.ErrAlreadyCaptured
		case issueNotApproved, issuePayerActionRequired, issueOrderCannotBeCharged:
			return errors.Wrap(domain.ErrOrderNotAuthorized, d.Issue)
		}
	}
	return errors.Wrapf(domain.ErrOrderNotAuthorized, "unprocessable: %s", body.Name)
}

// unexpectedStatus 把其余状态码映射为渠道不可用；写请求遇到 5xx 时扣款结果未知
func unexpectedStatus(resp *httpclient.Response, write bool) error {
	var body providerError
	_ = json.Unmarshal(resp.Body, &body)
	detail := fmt.Sprintf("status %d %s", resp.StatusCode, body.Name)
	if write && resp.StatusCode >= http.StatusInternalServerError {
		return fmt.Errorf("%w: %w: %s", domain.ErrProviderUnavailable, domain.ErrOutcomeUnknown, detail)
	}
	return fmt.Errorf("%w: %s", domain.ErrProviderUnavailable, detail)
}

func outcomeOf(err error) string {
	switch {
	case errors.Is(err, domain.ErrAlreadyCaptured):
		return "already_captured"
	case errors.Is(err, domain.ErrOrderNotAuthorized):
		return "not_authorized"
	case errors.Is(err, domain.ErrProviderOrderNotFound):
		return "not_found"
	case errors.Is(err, domain.ErrOutcomeUnknown):
		return "unknown"
	default:
		return "unavailable"
	}
}

func toMoney(c providerCapture) domain.Money {
	amount, err := decimal.NewFromString(c.Amount.Value)
	if err != nil {
		return domain.Money{}
	}
	return domain.Money{Amount: amount, Currency: c.Amount.CurrencyCode}
}
