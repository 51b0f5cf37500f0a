package domain

import (
	"time"

	"github.com/google/uuid"
)

// Payment is one purchase attempt for one course. The transaction reference
// is generated server side and is unique across all payments; gateways echo
// it back in confirmations so the ledger can locate the record without
// trusting any gateway identifier.
type Payment struct {
	ID                   uuid.UUID
	UserID               uuid.UUID
	CourseID             uuid.UUID
	Amount               int64
	Currency             string
	Gateway              Gateway
	Method               MethodType
	Status               Status
	TransactionID        string
	GatewayIntentID      string
	GatewayTransactionID string
	Metadata             map[string]string
	FailureCode          string
	FailureReason        string
	PaidAt               *time.Time
	RefundReason         string
	RefundedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// NewPayment creates a pending payment for a purchase attempt.
func NewPayment(userID, courseID uuid.UUID, amount int64, currency string, gateway Gateway, transactionID string) *Payment {
	return &Payment{
		ID:            uuid.New(),
		UserID:        userID,
		CourseID:      courseID,
		Amount:        amount,
		Currency:      currency,
		Gateway:       gateway,
		Method:        DefaultMethodFor(gateway),
		Status:        StatusPending,
		TransactionID: transactionID,
		Metadata:      map[string]string{},
	}
}

// IsCompleted returns true once the gateway has confirmed the payment.
func (p *Payment) IsCompleted() bool {
	return p.Status == StatusCompleted
}

// Refundable reports whether a refund may be requested for this payment.
func (p *Payment) Refundable() bool {
	return p.Status == StatusCompleted
}

// SetMeta records a gateway-specific detail on the payment.
func (p *Payment) SetMeta(key, value string) {
	if p.Metadata == nil {
		p.Metadata = map[string]string{}
	}
	p.Metadata[key] = value
}

// PaymentMethod is a saved payment credential reference. Only the gateway
// token and display fields are stored, never card data.
type PaymentMethod struct {
	ID           uuid.UUID
	UserID       uuid.UUID
	Gateway      Gateway
	GatewayToken string
	Brand        string
	Last4        string
	ExpMonth     int
	ExpYear      int
	IsDefault    bool
	CreatedAt    time.Time
}

// GatewayEvent is one received gateway notification, journaled before
// processing. The gateway event ID is unique per gateway so redelivered
// notifications are visible in the journal.
type GatewayEvent struct {
	ID            uuid.UUID
	Gateway       Gateway
	EventID       string
	EventType     string
	TransactionID string
	Payload       []byte
	ReceivedAt    time.Time
}
