// internal/simulator/simulator.go
package simulator

import (
	"encoding/json"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"payrecon/internal/pkg/logger"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
)

// 渠道订单状态
const (
	StatusCreated   = "CREATED"
	StatusApproved  = "APPROVED"
	StatusCompleted = "COMPLETED"
	StatusVoided    = "VOIDED"
)

// Fault 是挂在单个订单上的故障注入
type Fault string

const (
	FaultNone Fault = ""
	// 第一次扣款请求挂起且不扣款，之后的请求正常
	FaultTimeoutOnce Fault = "timeout_once"
	// 第一次扣款实际成功，但响应挂起，用来模拟结果未知
	FaultCaptureThenHang Fault = "capture_then_hang"
	// 扣款总是返回 500
	FaultServerError Fault = "server_error"
)

// Order 是模拟渠道中的一笔订单
type Order struct {
	ID         string    `json:"id"`
	Status     string    `json:"status"`
	Amount     string    `json:"amount"`
	Currency   string    `json:"currency"`
	Fault      Fault     `json:"fault,omitempty"`
	CaptureID  string    `json:"capture_id,omitempty"`
	CapturedAt time.Time `json:"captured_at,omitempty"`

	faultUsed bool
}

// Options 模拟渠道的行为参数
type Options struct {
	// 为空时不校验 token
	ClientID     string
	ClientSecret string
	// 挂起的请求最多等待多久后返回 504
	HangFor time.Duration
	// 扣款请求随机返回 503 的概率
	FailureRate float64
}

// Server 是一个内存版的支付渠道，接口形状对齐 PayPal Orders v2
type Server struct {
	mu      sync.Mutex
	orders  map[string]*Order
	replies map[string][]byte // PayPal-Request-Id -> 第一次成功的响应
	tokens  map[string]time.Time
	opts    Options
	rng     *rand.Rand
	now     func() time.Time
}

func New(opts Options) *Server {
	if opts.HangFor <= 0 {
		opts.HangFor = 30 * time.Second
	}
	return &Server{
		orders:  make(map[string]*Order),
		replies: make(map[string][]byte),
		tokens:  make(map[string]time.Time),
		opts:    opts,
		rng:     rand.New(rand.NewSource(time.Now().UnixNano())),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// Put 新增或覆盖一笔订单，ID 为空时自动生成
func (s *Server) Put(o Order) Order {
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.ID == "" {
		o.ID = "PP-" + strings.ToUpper(uuid.NewString()[:8])
	}
	if o.Status == "" {
		o.Status = StatusApproved
	}
	if o.Currency == "" {
		o.Currency = "USD"
	}
	if o.Amount == "" {
		o.Amount = "0.00"
	}
	stored := o
	s.orders[o.ID] = &stored
	return stored
}

// Get 返回订单快照
func (s *Server) Get(id string) (Order, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return Order{}, false
	}
	return *o, true
}

// Router 注册所有路由
func (s *Server) Router() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/v1/oauth2/token", s.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/v2/checkout/orders/{id}", s.withAuth(s.handleGetOrder)).Methods(http.MethodGet)
	r.HandleFunc("/v2/checkout/orders/{id}/capture", s.withAuth(s.handleCapture)).Methods(http.MethodPost)
	r.HandleFunc("/sim/orders", s.handlePutOrder).Methods(http.MethodPost)
	r.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) }).Methods(http.MethodGet)
	return r
}

func (s *Server) handleToken(w http.ResponseWriter, r *http.Request) {
	if s.opts.ClientID != "" {
		id, secret, ok := r.BasicAuth()
		if !ok || id != s.opts.ClientID || secret != s.opts.ClientSecret {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid_client"})
			return
		}
	}
	token := uuid.NewString()
	s.mu.Lock()
	s.tokens[token] = s.now().Add(time.Hour)
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"access_token": token,
		"token_type":   "Bearer",
		"expires_in":   3600,
	})
}

func (s *Server) withAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.opts.ClientID == "" {
			next(w, r)
			return
		}
		token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		s.mu.Lock()
		expires, ok := s.tokens[token]
		s.mu.Unlock()
		if !ok || s.now().After(expires) {
			writeIssue(w, http.StatusUnauthorized, "AUTHENTICATION_FAILURE", "")
			return
		}
		next(w, r)
	}
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, ok := s.Get(mux.Vars(r)["id"])
	if !ok {
		writeIssue(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "INVALID_RESOURCE_ID")
		return
	}
	writeJSON(w, http.StatusOK, render(o))
}

func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	requestID := r.Header.Get("PayPal-Request-Id")

	s.mu.Lock()
	o, ok := s.orders[id]
	if !ok {
		s.mu.Unlock()
		writeIssue(w, http.StatusNotFound, "RESOURCE_NOT_FOUND", "INVALID_RESOURCE_ID")
		return
	}
	// 同一个请求号重放第一次的结果，不会重复扣款
	if reply, ok := s.replies[requestID]; ok && requestID != "" {
		s.mu.Unlock()
		writeRaw(w, http.StatusCreated, reply)
		return
	}

	switch {
	case o.Fault == FaultTimeoutOnce && !o.faultUsed:
		o.faultUsed = true
		s.mu.Unlock()
		s.hang(w, r)
		return
	case o.Fault == FaultServerError:
		s.mu.Unlock()
		writeIssue(w, http.StatusInternalServerError, "INTERNAL_SERVER_ERROR", "")
		return
	case s.opts.FailureRate > 0 && s.rng.Float64() < s.opts.FailureRate:
		s.mu.Unlock()
		writeIssue(w, http.StatusServiceUnavailable, "SERVICE_UNAVAILABLE", "")
		return
	case o.Status == StatusCompleted:
		s.mu.Unlock()
		writeIssue(w, http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY", "ORDER_ALREADY_CAPTURED")
		return
	case o.Status != StatusApproved:
		s.mu.Unlock()
		writeIssue(w, http.StatusUnprocessableEntity, "UNPROCESSABLE_ENTITY", "ORDER_NOT_APPROVED")
		return
	}

	o.Status = StatusCompleted
	o.CaptureID = "CAP-" + strings.ToUpper(uuid.NewString()[:12])
	o.CapturedAt = s.now()
	reply, _ := json.Marshal(render(*o))
	if requestID != "" {
		s.replies[requestID] = reply
	}
	hang := o.Fault == FaultCaptureThenHang && !o.faultUsed
	if hang {
		o.faultUsed = true
	}
	s.mu.Unlock()

	logger.Ctx(r.Context()).Info().Str("order_id", id).Str("request_id", requestID).Msg("captured")
	if hang {
		s.hang(w, r)
		return
	}
	writeRaw(w, http.StatusCreated, reply)
}

func (s *Server) handlePutOrder(w http.ResponseWriter, r *http.Request) {
	var o Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	writeJSON(w, http.StatusCreated, s.Put(o))
}

// hang 模拟渠道无响应：调用方超时断开，或者等够 HangFor 后返回 504
func (s *Server) hang(w http.ResponseWriter, r *http.Request) {
	t := time.NewTimer(s.opts.HangFor)
	defer t.Stop()
	select {
	case <-r.Context().Done():
	case <-t.C:
		writeIssue(w, http.StatusGatewayTimeout, "GATEWAY_TIMEOUT", "")
	}
}

type amountJSON struct {
	Value        string `json:"value"`
	CurrencyCode string `json:"currency_code"`
}

type captureJSON struct {
	ID         string     `json:"id"`
	Status     string     `json:"status"`
	Amount     amountJSON `json:"amount"`
	CreateTime string     `json:"create_time"`
}

type purchaseUnitJSON struct {
	Amount   amountJSON    `json:"amount"`
	Payments *paymentsJSON `json:"payments,omitempty"`
}

type paymentsJSON struct {
	Captures []captureJSON `json:"captures"`
}

type orderJSON struct {
	ID            string             `json:"id"`
	Status        string             `json:"status"`
	PurchaseUnits []purchaseUnitJSON `json:"purchase_units"`
}

func render(o Order) orderJSON {
	amount := amountJSON{Value: o.Amount, CurrencyCode: o.Currency}
	unit := purchaseUnitJSON{Amount: amount}
	if o.Status == StatusCompleted {
		unit.Payments = &paymentsJSON{Captures: []captureJSON{{
			ID:         o.CaptureID,
			Status:     StatusCompleted,
			Amount:     amount,
			CreateTime: o.CapturedAt.Format(time.RFC3339),
		}}}
	}
	return orderJSON{ID: o.ID, Status: o.Status, PurchaseUnits: []purchaseUnitJSON{unit}}
}

func writeIssue(w http.ResponseWriter, status int, name, issue string) {
	body := map[string]interface{}{"name": name, "message": strings.ToLower(strings.ReplaceAll(name, "_", " "))}
	if issue != "" {
		body["details"] = []map[string]string{{"issue": issue}}
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeRaw(w http.ResponseWriter, status int, body []byte) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}
