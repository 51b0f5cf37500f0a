package payment

import (
	"time"

	"github.com/google/uuid"

	"github.com/coursehub/server/internal/module/payment/domain"
)

// CreateIntentRequest represents a request to start a course purchase.
// SaveMethod is the customer's opt-in to keep the payment method for
// later; without it no method is ever stored.
type CreateIntentRequest struct {
	CourseID   uuid.UUID `json:"course_id" binding:"required"`
	Gateway    string    `json:"gateway" binding:"required,oneof=hosted redirect apisigned"`
	SaveMethod bool      `json:"save_method,omitempty"`
}

// RefundPaymentRequest represents a refund request.
type RefundPaymentRequest struct {
	Amount int64  `json:"amount,omitempty"` // Full refund if 0
	Reason string `json:"reason" binding:"required"`
}

// IntentResponse is what the client needs to continue a purchase. The URL
// fields depend on the gateway flow.
type IntentResponse struct {
	PaymentID     uuid.UUID `json:"payment_id"`
	TransactionID string    `json:"transaction_id"`
	Gateway       string    `json:"gateway"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	CheckoutURL   string    `json:"checkout_url,omitempty"`
	PayURL        string    `json:"pay_url,omitempty"`
	Deeplink      string    `json:"deeplink,omitempty"`
	QRCodeURL     string    `json:"qr_code_url,omitempty"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// PaymentResponse represents a payment in API responses.
type PaymentResponse struct {
	ID            uuid.UUID  `json:"id"`
	CourseID      uuid.UUID  `json:"course_id"`
	Amount        int64      `json:"amount"`
	Currency      string     `json:"currency"`
	Gateway       string     `json:"gateway"`
	Method        string     `json:"method"`
	Status        string     `json:"status"`
	TransactionID string     `json:"transaction_id"`
	FailureCode   string     `json:"failure_code,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	PaidAt        *time.Time `json:"paid_at,omitempty"`
	RefundedAt    *time.Time `json:"refunded_at,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// PaymentToResponse converts a domain Payment to PaymentResponse.
func PaymentToResponse(p *domain.Payment) *PaymentResponse {
	return &PaymentResponse{
		ID:            p.ID,
		CourseID:      p.CourseID,
		Amount:        p.Amount,
		Currency:      p.Currency,
		Gateway:       string(p.Gateway),
		Method:        string(p.Method),
		Status:        string(p.Status),
		TransactionID: p.TransactionID,
		FailureCode:   p.FailureCode,
		FailureReason: p.FailureReason,
		PaidAt:        p.PaidAt,
		RefundedAt:    p.RefundedAt,
		CreatedAt:     p.CreatedAt,
	}
}

// ListPaymentsResponse is a page of the caller's payment history.
type ListPaymentsResponse struct {
	Payments []*PaymentResponse `json:"payments"`
	Total    int64              `json:"total"`
	Page     int                `json:"page"`
	PageSize int                `json:"page_size"`
}

// PaymentMethodResponse represents a saved payment method.
type PaymentMethodResponse struct {
	ID        uuid.UUID `json:"id"`
	Gateway   string    `json:"gateway"`
	Brand     string    `json:"brand,omitempty"`
	Last4     string    `json:"last4,omitempty"`
	ExpMonth  int       `json:"exp_month,omitempty"`
	ExpYear   int       `json:"exp_year,omitempty"`
	IsDefault bool      `json:"is_default"`
	CreatedAt time.Time `json:"created_at"`
}

// MethodToResponse converts a domain PaymentMethod to its response form.
// The gateway token never leaves the service.
func MethodToResponse(m *domain.PaymentMethod) *PaymentMethodResponse {
	return &PaymentMethodResponse{
		ID:        m.ID,
		Gateway:   string(m.Gateway),
		Brand:     m.Brand,
		Last4:     m.Last4,
		ExpMonth:  m.ExpMonth,
		ExpYear:   m.ExpYear,
		IsDefault: m.IsDefault,
		CreatedAt: m.CreatedAt,
	}
}
