package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/coursehub/server/internal/module/payment/domain"
)

// Adapter errors. Signature failures from any adapter unwrap to the
// signature package sentinel so callers reject them uniformly.
var (
	ErrUnknownGateway = errors.New("unknown payment gateway")
	ErrRejected       = errors.New("gateway rejected request")
)

// Source says which inbound channel a confirmation arrived on. Both
// channels are verified identically; neither is more trusted.
type Source string

const (
	SourceWebhook Source = "webhook"
	SourceReturn  Source = "return"
)

// Outcome is the adapter's reading of a verified confirmation.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeFailure     Outcome = "failure"
	OutcomeRefunded    Outcome = "refunded"
	OutcomeMethodSaved Outcome = "method_saved"
	// OutcomeIgnored marks verified events this subsystem does not act on.
	// They must still be acknowledged so the gateway stops redelivering.
	OutcomeIgnored Outcome = "ignored"
)

// IntentRequest carries everything an adapter needs to open a payment at
// its gateway. The payment is already persisted as pending. SaveMethod
// asks the gateway to retain the payment method for later; adapters
// without stored methods ignore it.
type IntentRequest struct {
	Payment           *domain.Payment
	CourseName        string
	CourseDescription string
	CustomerEmail     string
	ClientIP          string
	SaveMethod        bool
}

// IntentResult is what the client needs to continue the payment. Exactly
// one of CheckoutURL, PayURL is set depending on the gateway flow; Deeplink
// and QRCodeURL accompany PayURL for app-to-app gateways.
type IntentResult struct {
	GatewayIntentID string
	CheckoutURL     string
	PayURL          string
	Deeplink        string
	QRCodeURL       string
	ExpiresAt       time.Time
}

// Notification is a raw inbound confirmation before verification. Body and
// Headers carry webhook deliveries; Params carries query or form fields for
// redirect returns. Adapters verify against these raw values only.
type Notification struct {
	Source  Source
	Body    []byte
	Headers map[string]string
	Params  map[string]string
}

// Confirmation is a verified, gateway-neutral confirmation event.
type Confirmation struct {
	EventID              string
	EventType            string
	Outcome              Outcome
	TransactionID        string
	GatewayIntentID      string
	GatewayTransactionID string
	Amount               int64
	FailureCode          string
	FailureReason        string
	PaidAt               time.Time
	SavedMethod          *domain.PaymentMethod
}

// RefundRequest asks the gateway to return funds for a completed payment.
type RefundRequest struct {
	Payment *domain.Payment
	Amount  int64
	Reason  string
}

// RefundResult reports the gateway's answer to a refund request.
type RefundResult struct {
	GatewayRefundID string
	Accepted        bool
}

// Adapter is one payment gateway integration. Implementations are safe for
// concurrent use.
type Adapter interface {
	// Name returns the gateway identifier used in routes and the ledger.
	Name() domain.Gateway

	// CreateIntent opens a payment at the gateway for a pending payment.
	CreateIntent(ctx context.Context, req *IntentRequest) (*IntentResult, error)

	// VerifyConfirmation authenticates a raw notification and maps it to a
	// neutral confirmation. A signature failure returns an error wrapping
	// signature.ErrInvalidSignature and nothing else may be trusted from
	// the notification.
	VerifyConfirmation(ctx context.Context, n *Notification) (*Confirmation, error)

	// Refund asks the gateway to return funds.
	Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error)

	// RequiresSyncRefund reports whether a refund failure at the gateway
	// must abort the local refund. Gateways without a refund API return
	// false; their refunds are settled out of band.
	RequiresSyncRefund() bool
}
