package adapter

import (
	"context"
	"fmt"
	"strings"

	"payrecon/internal/service/reconcile/domain"
	"payrecon/internal/service/reconcile/domain/port"

	"github.com/google/cel-go/cel"
)

// CELApprovalPolicy 是 port.ApprovalPolicy 的 CEL 实现。
// 表达式在启动时编译一次，求值时可以使用以下变量：
//
//	order    map: id, state, total, currency, provider_order_id, has_provider_order,
//	              capture_attempts, last_failure_unknown
//	approver string
//	notes    string
//
// 例如 `size(notes) >= 10 && order.total < 500.0`。
type CELApprovalPolicy struct {
	expr    string
	program cel.Program
}

var _ port.ApprovalPolicy = (*CELApprovalPolicy)(nil)

// NewCELApprovalPolicy 编译表达式，空表达式等价于 "true"
func NewCELApprovalPolicy(expr string) (*CELApprovalPolicy, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		expr = "true"
	}

	env, err := cel.NewEnv(
		cel.Variable("order", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("approver", cel.StringType),
		cel.Variable("notes", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("create cel env: %w", err)
	}

	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile approval policy %q: %w", expr, issues.Err())
	}
	if !ast.OutputType().IsExactType(cel.BoolType) {
		return nil, fmt.Errorf("approval policy %q must return bool, got %s", expr, ast.OutputType())
	}

	program, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("build approval policy program: %w", err)
	}
	return &CELApprovalPolicy{expr: expr, program: program}, nil
}

// Allow 实现了 port.ApprovalPolicy 接口。
func (p *CELApprovalPolicy) Allow(ctx context.Context, order domain.Order, approver, notes string) (bool, error) {
	total, _ := order.Total.Amount.Float64()
	facts := map[string]any{
		"order": map[string]any{
			"id":                   order.ID,
			"state":                string(order.State),
			"total":                total,
			"currency":             order.Total.Currency,
			"provider_order_id":    order.ProviderOrderID,
			"has_provider_order":   order.HasProviderOrder(),
			"capture_attempts":     int64(order.CaptureAttempts),
			"last_failure_unknown": order.LastCaptureFailure != nil && order.LastCaptureFailure.OutcomeUnknown,
		},
		"approver": approver,
		"notes":    notes,
	}

	out, _, err := p.program.ContextEval(ctx, facts)
	if err != nil {
		return false, fmt.Errorf("evaluate approval policy %q: %w", p.expr, err)
	}
	allowed, ok := out.Value().(bool)
	if !ok {
		return false, fmt.Errorf("approval policy %q returned %T", p.expr, out.Value())
	}
	return allowed, nil
}
