package gateway

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/signature"
)

// ApiSigned gateway protocol constants. Requests and notifications are
// signed over the ordered-fields canonical form with HMAC-SHA256; the
// field order is fixed by the gateway and never sorted.
const (
	apiSignedRequestType = "captureWallet"
	apiSignedSuccess     = 0
)

// Signing field orders published by the gateway, one per message type.
var (
	apiSignedCreateOrder = []string{
		"access_key", "amount", "extra_data", "notify_url", "order_id",
		"order_info", "partner_code", "return_url", "request_id", "request_type",
	}
	apiSignedNotifyOrder = []string{
		"access_key", "amount", "extra_data", "message", "order_id",
		"order_info", "order_type", "partner_code", "pay_type",
		"request_id", "response_time", "result_code", "trans_id",
	}
	apiSignedRefundOrder = []string{
		"access_key", "amount", "description", "order_id",
		"partner_code", "request_id", "trans_id",
	}
)

// ApiSignedConfig holds wallet gateway configuration.
type ApiSignedConfig struct {
	PartnerCode string
	AccessKey   string
	SecretKey   string
	Endpoint    string
	ReturnURL   string
	NotifyURL   string
}

// ApiSignedAdapter integrates the wallet gateway. Every interaction is a
// signed server-to-server JSON call; the customer completes payment in the
// wallet app via a pay URL, deeplink or QR code.
type ApiSignedAdapter struct {
	cfg    ApiSignedConfig
	codec  *signature.Codec
	client *httpClient
	logger *zap.Logger
}

// NewApiSignedAdapter creates the wallet adapter. Missing credentials are
// a configuration error and fatal at startup.
func NewApiSignedAdapter(cfg ApiSignedConfig, timeout time.Duration, logger *zap.Logger) (*ApiSignedAdapter, error) {
	if cfg.PartnerCode == "" || cfg.AccessKey == "" {
		return nil, fmt.Errorf("apisigned gateway: partner credentials not configured")
	}
	codec, err := signature.NewCodec(cfg.SecretKey, signature.HMACSHA256)
	if err != nil {
		return nil, fmt.Errorf("apisigned gateway: %w", err)
	}
	return &ApiSignedAdapter{
		cfg:    cfg,
		codec:  codec,
		client: newHTTPClient("apisigned-gateway", timeout, logger),
		logger: logger,
	}, nil
}

// Name returns the gateway identifier.
func (a *ApiSignedAdapter) Name() domain.Gateway {
	return domain.GatewayApiSigned
}

// CreateIntent opens a payment at the wallet gateway with a signed create
// call. The transaction reference doubles as both order and request ID so
// the gateway's redelivery semantics line up with the ledger's.
func (a *ApiSignedAdapter) CreateIntent(ctx context.Context, req *IntentRequest) (*IntentResult, error) {
	p := req.Payment

	fields := map[string]string{
		"access_key":   a.cfg.AccessKey,
		"amount":       strconv.FormatInt(p.Amount, 10),
		"extra_data":   "",
		"notify_url":   a.cfg.NotifyURL,
		"order_id":     p.TransactionID,
		"order_info":   "Course purchase " + p.CourseID.String(),
		"partner_code": a.cfg.PartnerCode,
		"return_url":   a.cfg.ReturnURL,
		"request_id":   p.TransactionID,
		"request_type": apiSignedRequestType,
	}

	body := map[string]string{
		"partner_code": a.cfg.PartnerCode,
		"access_key":   a.cfg.AccessKey,
		"request_id":   p.TransactionID,
		"order_id":     p.TransactionID,
		"order_info":   fields["order_info"],
		"amount":       fields["amount"],
		"return_url":   a.cfg.ReturnURL,
		"notify_url":   a.cfg.NotifyURL,
		"extra_data":   "",
		"request_type": apiSignedRequestType,
		"lang":         "en",
		"signature":    a.codec.Sign(signature.CanonicalizeOrdered(fields, apiSignedCreateOrder)),
	}

	var resp struct {
		ResultCode int    `json:"result_code"`
		Message    string `json:"message"`
		PayURL     string `json:"pay_url"`
		Deeplink   string `json:"deeplink"`
		QRCodeURL  string `json:"qr_code_url"`
	}
	if err := a.client.PostJSON(ctx, a.cfg.Endpoint+"/create", body, &resp); err != nil {
		return nil, fmt.Errorf("apisigned create: %w", err)
	}
	if resp.ResultCode != apiSignedSuccess {
		return nil, fmt.Errorf("apisigned create: %w: code %d %s", ErrRejected, resp.ResultCode, resp.Message)
	}

	return &IntentResult{
		GatewayIntentID: p.TransactionID,
		PayURL:          resp.PayURL,
		Deeplink:        resp.Deeplink,
		QRCodeURL:       resp.QRCodeURL,
		ExpiresAt:       time.Now().Add(redirectExpiryAfter),
	}, nil
}

// VerifyConfirmation authenticates a wallet gateway notification. The
// server notification and the return redirect carry the same signed field
// set and are verified identically.
func (a *ApiSignedAdapter) VerifyConfirmation(_ context.Context, n *Notification) (*Confirmation, error) {
	params := n.Params
	candidate := params["signature"]
	if candidate == "" {
		return nil, fmt.Errorf("apisigned notify: %w", signature.ErrInvalidSignature)
	}

	fields := make(map[string]string, len(apiSignedNotifyOrder))
	for _, k := range apiSignedNotifyOrder {
		fields[k] = params[k]
	}
	fields["access_key"] = a.cfg.AccessKey

	if !a.codec.Verify(candidate, signature.CanonicalizeOrdered(fields, apiSignedNotifyOrder)) {
		return nil, fmt.Errorf("apisigned notify: %w", signature.ErrInvalidSignature)
	}

	amount, _ := strconv.ParseInt(params["amount"], 10, 64)
	paidAt := time.Now()
	if ms, err := strconv.ParseInt(params["response_time"], 10, 64); err == nil && ms > 0 {
		paidAt = time.UnixMilli(ms)
	}

	conf := &Confirmation{
		EventID:              string(n.Source) + "_" + params["order_id"] + "_" + params["trans_id"],
		EventType:            "apisigned." + string(n.Source),
		TransactionID:        params["order_id"],
		GatewayIntentID:      params["order_id"],
		GatewayTransactionID: params["trans_id"],
		Amount:               amount,
		PaidAt:               paidAt,
	}

	code, err := strconv.Atoi(params["result_code"])
	if err == nil && code == apiSignedSuccess {
		conf.Outcome = OutcomeSuccess
		return conf, nil
	}

	conf.Outcome = OutcomeFailure
	conf.FailureCode = params["result_code"]
	conf.FailureReason = params["message"]
	if conf.FailureReason == "" {
		conf.FailureReason = "payment failed with gateway code " + params["result_code"]
	}
	return conf, nil
}

// Refund returns funds with a signed refund call referencing both the
// original order and the gateway's transaction number. The refund is
// synchronous; a gateway rejection aborts the local refund.
func (a *ApiSignedAdapter) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	p := req.Payment
	if p.GatewayTransactionID == "" {
		return nil, fmt.Errorf("apisigned refund: payment has no gateway transaction")
	}

	requestID := p.TransactionID + "_refund"
	fields := map[string]string{
		"access_key":   a.cfg.AccessKey,
		"amount":       strconv.FormatInt(req.Amount, 10),
		"description":  req.Reason,
		"order_id":     p.TransactionID,
		"partner_code": a.cfg.PartnerCode,
		"request_id":   requestID,
		"trans_id":     p.GatewayTransactionID,
	}

	body := map[string]string{
		"partner_code": a.cfg.PartnerCode,
		"access_key":   a.cfg.AccessKey,
		"request_id":   requestID,
		"order_id":     p.TransactionID,
		"trans_id":     p.GatewayTransactionID,
		"amount":       fields["amount"],
		"description":  req.Reason,
		"lang":         "en",
		"signature":    a.codec.Sign(signature.CanonicalizeOrdered(fields, apiSignedRefundOrder)),
	}

	var resp struct {
		ResultCode int    `json:"result_code"`
		Message    string `json:"message"`
		RefundID   string `json:"refund_id"`
	}
	if err := a.client.PostJSON(ctx, a.cfg.Endpoint+"/refund", body, &resp); err != nil {
		return nil, fmt.Errorf("apisigned refund: %w", err)
	}
	if resp.ResultCode != apiSignedSuccess {
		return nil, fmt.Errorf("apisigned refund: %w: code %d %s", ErrRejected, resp.ResultCode, resp.Message)
	}

	return &RefundResult{GatewayRefundID: resp.RefundID, Accepted: true}, nil
}

// RequiresSyncRefund reports that wallet refunds settle synchronously.
func (a *ApiSignedAdapter) RequiresSyncRefund() bool {
	return true
}
