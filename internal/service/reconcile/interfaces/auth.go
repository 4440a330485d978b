package interfaces

import (
	"bufio"
	"context"
	"crypto/subtle"
	"net"
	"net/http"
	"strings"
	"time"

	"payrecon/internal/pkg/logger"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// ErrUnauthenticated 请求没有携带有效的运营身份
var ErrUnauthenticated = errors.New("unauthenticated")

// Authenticator 从请求中解析出已验证的运营人员身份。
// 令牌的签发和校验属于外部系统，这里只定义接入点。
type Authenticator interface {
	Authenticate(r *http.Request) (operator string, err error)
}

// StaticTokenAuthenticator 用配置中的 token -> 运营人员 映射做校验，适合本地和测试环境
type StaticTokenAuthenticator map[string]string

func (a StaticTokenAuthenticator) Authenticate(r *http.Request) (string, error) {
	token, ok := bearerToken(r)
	if !ok {
		return "", ErrUnauthenticated
	}
	for known, operator := range a {
		if subtle.ConstantTimeCompare([]byte(known), []byte(token)) == 1 {
			return operator, nil
		}
	}
	return "", ErrUnauthenticated
}

func bearerToken(r *http.Request) (string, bool) {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) <= len(prefix) || !strings.EqualFold(h[:len(prefix)], prefix) {
		return "", false
	}
	return strings.TrimSpace(h[len(prefix):]), true
}

type operatorKey struct{}

// OperatorFromContext 返回认证中间件写入的运营人员
func OperatorFromContext(ctx context.Context) (string, bool) {
	op, ok := ctx.Value(operatorKey{}).(string)
	return op, ok && op != ""
}

// RequireOperator 在分发到业务处理器之前要求请求携带运营身份
func RequireOperator(auth Authenticator, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		operator, err := auth.Authenticate(r)
		if err != nil || operator == "" {
			writeJSON(w, http.StatusUnauthorized, ErrorResponse{Error: "operator identity required", Code: CodeUnauthenticated})
			return
		}
		trace.SpanFromContext(r.Context()).SetAttributes(attribute.String("operator", operator))
		ctx := context.WithValue(r.Context(), operatorKey{}, operator)
		ctx = logger.WithFields(ctx, map[string]string{"operator": operator})
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}

// Hijack websocket 升级需要
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// RequestLogger 记录每个请求的方法、路径、状态码和耗时
func RequestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		logger.Ctx(r.Context()).Info().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}
