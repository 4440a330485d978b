package domain

import (
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
)

var created = time.Date(2025, 3, 1, 9, 0, 0, 0, time.UTC)

func pendingOrder(t *testing.T, providerOrderID string) Order {
	t.Helper()
	o, err := NewPendingOrder("42",
		Customer{Name: "Ada", Email: "ada@example.com"},
		Money{Amount: decimal.RequireFromString("42.50"), Currency: "USD"},
		[]Item{{ProductID: "sku-1", Quantity: 2}},
		providerOrderID, created)
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func TestNewPendingOrder_Validation(t *testing.T) {
	t.Parallel()
	customer := Customer{Name: "Ada", Email: "ada@example.com"}
	usd := Money{Amount: decimal.NewFromInt(10), Currency: "USD"}
	items := []Item{{ProductID: "sku", Quantity: 1}}

	tests := []struct {
		name     string
		id       string
		customer Customer
		total    Money
		items    []Item
	}{
		{name: "missing id", customer: customer, total: usd, items: items},
		{name: "missing email", id: "1", customer: Customer{Name: "x"}, total: usd, items: items},
		{name: "no items", id: "1", customer: customer, total: usd},
		{name: "negative total", id: "1", customer: customer, total: Money{Amount: decimal.NewFromInt(-1), Currency: "USD"}, items: items},
		{name: "missing currency", id: "1", customer: customer, total: Money{Amount: decimal.NewFromInt(1)}, items: items},
		{name: "zero quantity", id: "1", customer: customer, total: usd, items: []Item{{ProductID: "sku"}}},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if _, err := NewPendingOrder(tt.id, tt.customer, tt.total, tt.items, "", created); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}

func TestMarkCaptured_SetsResolutionOnce(t *testing.T) {
	t.Parallel()
	o := pendingOrder(t, "PP-1")
	receipt := CaptureReceipt{CaptureID: "CAP-1", ProviderStatus: "COMPLETED", Amount: o.Total, CapturedAt: created.Add(time.Minute)}

	captured, err := o.MarkCaptured(receipt)
	if err != nil {
		t.Fatalf("mark captured: %v", err)
	}
	if captured.State != StateCaptured || captured.Resolution.Receipt.CaptureID != "CAP-1" || captured.CaptureAttempts != 1 {
		t.Fatalf("unexpected order %+v", captured)
	}
	if o.State != StatePending || o.Resolution != nil {
		t.Fatal("receiver must not be modified")
	}
	if err := ValidateTransition(o, captured); err != nil {
		t.Fatalf("valid transition rejected: %v", err)
	}

	if _, err := captured.MarkCaptured(receipt); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
	if _, err := captured.ApproveManually(ManualApproval{ApprovedBy: "ops", Notes: "x"}); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestMarkCaptureFailed_KeepsOrderRetryable(t *testing.T) {
	t.Parallel()
	o := pendingOrder(t, "PP-1")

	failed, err := o.MarkCaptureFailed(CaptureFailure{Reason: "outcome_unknown", OutcomeUnknown: true, FailedAt: created})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.State != StateCaptureFailed || failed.Resolution != nil || !failed.LastCaptureFailure.OutcomeUnknown {
		t.Fatalf("unexpected order %+v", failed)
	}
	if err := failed.CheckCapturable(); err != nil {
		t.Fatalf("capture_failed must be capturable: %v", err)
	}
	again, err := failed.MarkCaptureFailed(CaptureFailure{Reason: "not_authorized", FailedAt: created})
	if err != nil || again.CaptureAttempts != 2 {
		t.Fatalf("second failure: %v attempts=%d", err, again.CaptureAttempts)
	}
}

func TestCheckCapturable(t *testing.T) {
	t.Parallel()
	if err := pendingOrder(t, "").CheckCapturable(); !errors.Is(err, ErrNoProviderOrder) {
		t.Fatalf("expected ErrNoProviderOrder, got %v", err)
	}
	approved, err := pendingOrder(t, "").ApproveManually(ManualApproval{ApprovedBy: "ops", Notes: "ok", ApprovedAt: created})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if err := approved.CheckCapturable(); !errors.Is(err, ErrAlreadyResolved) {
		t.Fatalf("expected ErrAlreadyResolved, got %v", err)
	}
}

func TestApproveManually_RequiresNotes(t *testing.T) {
	t.Parallel()
	o := pendingOrder(t, "")
	for _, notes := range []string{"", "   ", "\n\t"} {
		if _, err := o.ApproveManually(ManualApproval{ApprovedBy: "ops", Notes: notes}); !errors.Is(err, ErrEmptyNotes) {
			t.Fatalf("notes %q: expected ErrEmptyNotes, got %v", notes, err)
		}
	}
	approved, err := o.ApproveManually(ManualApproval{ApprovedBy: "ops", Notes: "  phone-verified ", ApprovedAt: created})
	if err != nil {
		t.Fatalf("approve: %v", err)
	}
	if approved.Resolution.Approval.Notes != "phone-verified" {
		t.Fatalf("notes not trimmed: %q", approved.Resolution.Approval.Notes)
	}
}

func TestValidateTransition_Rejects(t *testing.T) {
	t.Parallel()
	base := pendingOrder(t, "PP-1")
	captured, _ := base.MarkCaptured(CaptureReceipt{CaptureID: "CAP", CapturedAt: created})

	tests := []struct {
		name    string
		prev    Order
		next    func() Order
		wantErr error
	}{
		{
			name: "total changed",
			prev: base,
			next: func() Order {
				n := base.Clone()
				n.Total.Amount = decimal.NewFromInt(1)
				return n
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "items changed",
			prev: base,
			next: func() Order {
				n := base.Clone()
				n.Items[0].Quantity = 9
				return n
			},
			wantErr: ErrInvalidTransition,
		},
		{
			name: "terminal without resolution",
			prev: base,
			next: func() Order {
				n := base.Clone()
				n.State = StateManuallyApproved
				return n
			},
			wantErr: ErrResolutionLocked,
		},
		{
			name: "resolution overwritten",
			prev: captured,
			next: func() Order {
				n := captured.Clone()
				n.Resolution = &Resolution{Kind: ResolutionManual, Approval: &ManualApproval{ApprovedBy: "x", Notes: "y"}}
				n.State = StateManuallyApproved
				return n
			},
			wantErr: ErrAlreadyResolved,
		},
		{
			name: "back to pending",
			prev: base,
			next: func() Order {
				n := base.Clone()
				n.State = StateProviderVerified
				return n
			},
			wantErr: ErrInvalidTransition,
		},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if err := ValidateTransition(tt.prev, tt.next()); !errors.Is(err, tt.wantErr) {
				t.Fatalf("expected %v, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestClone_IsDeep(t *testing.T) {
	t.Parallel()
	o := pendingOrder(t, "PP-1")
	o, _ = o.MarkCaptured(CaptureReceipt{CaptureID: "CAP", CapturedAt: created})

	c := o.Clone()
	c.Items[0].ProductID = "changed"
	c.Resolution.Receipt.CaptureID = "changed"
	if o.Items[0].ProductID == "changed" || o.Resolution.Receipt.CaptureID == "changed" {
		t.Fatal("clone shares memory with original")
	}
}

func TestKindOf(t *testing.T) {
	t.Parallel()
	tests := []struct {
		err       error
		want      ErrorKind
		retryable bool
	}{
		{ErrOrderNotFound, KindNotFound, false},
		{errors.Wrap(ErrProviderOrderNotFound, "404"), KindNotFound, false},
		{ErrAlreadyResolved, KindConflict, false},
		{ErrVersionConflict, KindConflict, false},
		{errors.Wrap(ErrProviderUnavailable, "timeout"), KindProviderTransient, true},
		{ErrOrderNotAuthorized, KindProviderPermanent, false},
		{ErrEmptyNotes, KindValidation, false},
		{ErrNoProviderOrder, KindValidation, false},
		{ErrApprovalDenied, KindPolicy, false},
		{errors.New("boom"), KindInternal, false},
	}
	for _, tt := range tests {
		got := KindOf(tt.err)
		if got != tt.want || got.Retryable() != tt.retryable {
			t.Errorf("KindOf(%v) = %s (retryable=%v), want %s (%v)", tt.err, got, got.Retryable(), tt.want, tt.retryable)
		}
	}
}
