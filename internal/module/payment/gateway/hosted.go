package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/stripe/stripe-go/v76"
	"github.com/stripe/stripe-go/v76/checkout/session"
	"github.com/stripe/stripe-go/v76/refund"
	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/signature"
)

// SignatureHeader is the webhook signature header for the hosted gateway.
const SignatureHeader = "Stripe-Signature"

// HostedConfig holds hosted checkout gateway configuration.
type HostedConfig struct {
	APIKey             string
	WebhookSecret      string
	SignatureTolerance time.Duration
	SuccessURL         string
	CancelURL          string
}

// HostedAdapter integrates the hosted checkout gateway. The customer pays
// on a page the gateway hosts; card data never touches this service.
// Outbound calls go through the gateway SDK, inbound webhooks are verified
// against the raw request body before any parsing.
type HostedAdapter struct {
	cfg    HostedConfig
	codec  *signature.Codec
	logger *zap.Logger
}

// NewHostedAdapter creates the hosted checkout adapter. A missing API key
// or webhook secret is a configuration error and fatal at startup.
func NewHostedAdapter(cfg HostedConfig, logger *zap.Logger) (*HostedAdapter, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("hosted gateway: api key not configured")
	}
	codec, err := signature.NewCodec(cfg.WebhookSecret, signature.HMACSHA256)
	if err != nil {
		return nil, fmt.Errorf("hosted gateway: %w", err)
	}
	stripe.Key = cfg.APIKey
	return &HostedAdapter{cfg: cfg, codec: codec, logger: logger}, nil
}

// Name returns the gateway identifier.
func (a *HostedAdapter) Name() domain.Gateway {
	return domain.GatewayHosted
}

// CreateIntent opens a checkout session for the pending payment. The
// transaction reference travels as the client reference and in metadata so
// every later event can be tied back to the ledger row.
func (a *HostedAdapter) CreateIntent(ctx context.Context, req *IntentRequest) (*IntentResult, error) {
	params := a.checkoutParams(req)
	params.Context = ctx

	sess, err := session.New(params)
	if err != nil {
		return nil, fmt.Errorf("create checkout session: %w", err)
	}

	return &IntentResult{
		GatewayIntentID: sess.ID,
		CheckoutURL:     sess.URL,
		ExpiresAt:       time.Unix(sess.ExpiresAt, 0),
	}, nil
}

// checkoutParams builds the session parameters. Future usage is requested
// only when the customer opted into saving the method; a session without
// the opt-in never produces a method-attached event.
func (a *HostedAdapter) checkoutParams(req *IntentRequest) *stripe.CheckoutSessionParams {
	p := req.Payment

	meta := map[string]string{
		"transaction_id": p.TransactionID,
		"payment_id":     p.ID.String(),
		"course_id":      p.CourseID.String(),
	}

	lineItem := &stripe.CheckoutSessionLineItemParams{
		Quantity: stripe.Int64(1),
		PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
			Currency:   stripe.String(strings.ToLower(p.Currency)),
			UnitAmount: stripe.Int64(p.Amount),
			ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
				Name: stripe.String(req.CourseName),
			},
		},
	}
	if req.CourseDescription != "" {
		lineItem.PriceData.ProductData.Description = stripe.String(req.CourseDescription)
	}

	intentData := &stripe.CheckoutSessionPaymentIntentDataParams{Metadata: meta}
	if req.SaveMethod {
		intentData.SetupFutureUsage = stripe.String("off_session")
	}

	params := &stripe.CheckoutSessionParams{
		Mode:              stripe.String(string(stripe.CheckoutSessionModePayment)),
		ClientReferenceID: stripe.String(p.TransactionID),
		SuccessURL:        stripe.String(a.cfg.SuccessURL),
		CancelURL:         stripe.String(a.cfg.CancelURL),
		LineItems:         []*stripe.CheckoutSessionLineItemParams{lineItem},
		Metadata:          meta,
		PaymentIntentData: intentData,
	}
	if req.CustomerEmail != "" {
		params.CustomerEmail = stripe.String(req.CustomerEmail)
	}
	return params
}

// VerifyConfirmation authenticates and maps a hosted gateway notification.
// Webhook deliveries are verified over the exact bytes received; the return
// channel carries no signature and is confirmed by querying the session
// back from the gateway.
func (a *HostedAdapter) VerifyConfirmation(ctx context.Context, n *Notification) (*Confirmation, error) {
	if n.Source == SourceReturn {
		return a.verifyReturn(ctx, n.Params["session_id"])
	}

	header := n.Headers[SignatureHeader]
	if err := a.codec.VerifyPayload(header, n.Body, a.cfg.SignatureTolerance, time.Now()); err != nil {
		return nil, fmt.Errorf("hosted webhook: %w", err)
	}

	var event stripe.Event
	if err := json.Unmarshal(n.Body, &event); err != nil {
		return nil, fmt.Errorf("hosted webhook: decode event: %w", err)
	}

	conf := &Confirmation{
		EventID:   event.ID,
		EventType: string(event.Type),
		PaidAt:    time.Unix(event.Created, 0),
	}

	switch event.Type {
	case "checkout.session.completed":
		var sess stripe.CheckoutSession
		if err := json.Unmarshal(event.Data.Raw, &sess); err != nil {
			return nil, fmt.Errorf("hosted webhook: decode session: %w", err)
		}
		conf.TransactionID = sess.ClientReferenceID
		conf.GatewayIntentID = sess.ID
		conf.Amount = sess.AmountTotal
		if sess.PaymentIntent != nil {
			conf.GatewayTransactionID = sess.PaymentIntent.ID
		}
		if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
			conf.Outcome = OutcomeSuccess
		} else {
			// Delayed payment methods settle later via the intent event.
			conf.Outcome = OutcomeIgnored
		}

	case "payment_intent.succeeded":
		pi, err := decodePaymentIntent(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		conf.TransactionID = pi.Metadata["transaction_id"]
		conf.GatewayTransactionID = pi.ID
		conf.Amount = pi.Amount
		conf.Outcome = OutcomeSuccess

	case "payment_intent.payment_failed":
		pi, err := decodePaymentIntent(event.Data.Raw)
		if err != nil {
			return nil, err
		}
		conf.TransactionID = pi.Metadata["transaction_id"]
		conf.GatewayTransactionID = pi.ID
		conf.Outcome = OutcomeFailure
		if pi.LastPaymentError != nil {
			conf.FailureCode = string(pi.LastPaymentError.Code)
			conf.FailureReason = pi.LastPaymentError.Msg
		}

	case "charge.refunded":
		var ch stripe.Charge
		if err := json.Unmarshal(event.Data.Raw, &ch); err != nil {
			return nil, fmt.Errorf("hosted webhook: decode charge: %w", err)
		}
		conf.TransactionID = ch.Metadata["transaction_id"]
		conf.GatewayTransactionID = ch.ID
		conf.Amount = ch.AmountRefunded
		conf.Outcome = OutcomeRefunded

	case "payment_method.attached":
		var pm stripe.PaymentMethod
		if err := json.Unmarshal(event.Data.Raw, &pm); err != nil {
			return nil, fmt.Errorf("hosted webhook: decode payment method: %w", err)
		}
		conf.Outcome = OutcomeMethodSaved
		conf.SavedMethod = &domain.PaymentMethod{
			Gateway:      domain.GatewayHosted,
			GatewayToken: pm.ID,
		}
		if pm.Card != nil {
			conf.SavedMethod.Brand = string(pm.Card.Brand)
			conf.SavedMethod.Last4 = pm.Card.Last4
			conf.SavedMethod.ExpMonth = int(pm.Card.ExpMonth)
			conf.SavedMethod.ExpYear = int(pm.Card.ExpYear)
		}

	default:
		// Verified but not ours to handle. Acknowledge so the gateway
		// stops redelivering.
		a.logger.Debug("ignoring hosted gateway event", zap.String("type", string(event.Type)))
		conf.Outcome = OutcomeIgnored
	}

	return conf, nil
}

// verifyReturn confirms a success-page redirect by reading the session
// state back from the gateway. The redirect itself proves nothing.
func (a *HostedAdapter) verifyReturn(ctx context.Context, sessionID string) (*Confirmation, error) {
	if sessionID == "" {
		return nil, fmt.Errorf("hosted return: missing session_id")
	}

	params := &stripe.CheckoutSessionParams{}
	params.Context = ctx
	sess, err := session.Get(sessionID, params)
	if err != nil {
		return nil, fmt.Errorf("hosted return: query session: %w", err)
	}

	conf := &Confirmation{
		EventID:         "return_" + sess.ID,
		EventType:       "checkout.session.return",
		TransactionID:   sess.ClientReferenceID,
		GatewayIntentID: sess.ID,
		Amount:          sess.AmountTotal,
		PaidAt:          time.Now(),
	}
	if sess.PaymentIntent != nil {
		conf.GatewayTransactionID = sess.PaymentIntent.ID
	}
	if sess.PaymentStatus == stripe.CheckoutSessionPaymentStatusPaid {
		conf.Outcome = OutcomeSuccess
	} else {
		conf.Outcome = OutcomeIgnored
	}
	return conf, nil
}

// Refund returns funds through the gateway refund API. The refund is
// synchronous; a gateway rejection aborts the local refund.
func (a *HostedAdapter) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if req.Payment.GatewayTransactionID == "" {
		return nil, fmt.Errorf("hosted refund: payment has no gateway transaction")
	}

	params := &stripe.RefundParams{
		PaymentIntent: stripe.String(req.Payment.GatewayTransactionID),
		Reason:        stripe.String(string(stripe.RefundReasonRequestedByCustomer)),
	}
	if req.Amount > 0 && req.Amount < req.Payment.Amount {
		params.Amount = stripe.Int64(req.Amount)
	}
	params.Context = ctx

	r, err := refund.New(params)
	if err != nil {
		return nil, fmt.Errorf("hosted refund: %w", err)
	}

	return &RefundResult{GatewayRefundID: r.ID, Accepted: true}, nil
}

// RequiresSyncRefund reports that hosted refunds settle synchronously.
func (a *HostedAdapter) RequiresSyncRefund() bool {
	return true
}

func decodePaymentIntent(raw json.RawMessage) (*stripe.PaymentIntent, error) {
	var pi stripe.PaymentIntent
	if err := json.Unmarshal(raw, &pi); err != nil {
		return nil, fmt.Errorf("hosted webhook: decode payment intent: %w", err)
	}
	return &pi, nil
}
