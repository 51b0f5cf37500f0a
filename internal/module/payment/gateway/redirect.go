package gateway

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/signature"
)

// Redirect gateway protocol constants. Every request and notification is
// signed over the sorted-all canonical form with HMAC-SHA512.
const (
	redirectVersion     = "2.1.0"
	redirectCommandPay  = "pay"
	redirectTimeFormat  = "20060102150405"
	redirectPaySuccess  = "00"
	redirectExpiryAfter = 15 * time.Minute

	paramSecureHash     = "secure_hash"
	paramSecureHashType = "secure_hash_type"
)

// redirectFailureReasons maps gateway response codes to operator-readable
// reasons. Codes come from the gateway's published table and are stable.
var redirectFailureReasons = map[string]string{
	"07": "transaction flagged as suspicious",
	"09": "card not registered for online banking",
	"10": "authentication failed more than 3 times",
	"11": "payment window expired",
	"12": "card or account locked",
	"13": "wrong one-time password",
	"24": "customer cancelled",
	"51": "insufficient funds",
	"65": "daily transaction limit exceeded",
	"75": "bank under maintenance",
	"79": "wrong payment password too many times",
}

// RedirectConfig holds redirect gateway configuration.
type RedirectConfig struct {
	TenantCode string
	HashSecret string
	PayURL     string
	APIURL     string
	ReturnURL  string
	NotifyURL  string
}

// RedirectAdapter integrates the bank redirect gateway. The customer is
// sent to the gateway with a signed URL and comes back on a signed return
// URL; a signed server-to-server notification settles the payment.
type RedirectAdapter struct {
	cfg    RedirectConfig
	codec  *signature.Codec
	client *httpClient
	logger *zap.Logger
	now    func() time.Time
}

// NewRedirectAdapter creates the redirect adapter. A missing hash secret
// or tenant code is a configuration error and fatal at startup.
func NewRedirectAdapter(cfg RedirectConfig, timeout time.Duration, logger *zap.Logger) (*RedirectAdapter, error) {
	if cfg.TenantCode == "" {
		return nil, fmt.Errorf("redirect gateway: tenant code not configured")
	}
	codec, err := signature.NewCodec(cfg.HashSecret, signature.HMACSHA512)
	if err != nil {
		return nil, fmt.Errorf("redirect gateway: %w", err)
	}
	return &RedirectAdapter{
		cfg:    cfg,
		codec:  codec,
		client: newHTTPClient("redirect-gateway", timeout, logger),
		logger: logger,
		now:    time.Now,
	}, nil
}

// Name returns the gateway identifier.
func (a *RedirectAdapter) Name() domain.Gateway {
	return domain.GatewayRedirect
}

// CreateIntent builds the signed pay URL. The gateway is not called; the
// URL itself is the intent, valid for fifteen minutes. Amounts are sent in
// the gateway's minor-minor unit, one hundredth of the ledger amount unit.
func (a *RedirectAdapter) CreateIntent(ctx context.Context, req *IntentRequest) (*IntentResult, error) {
	p := req.Payment
	now := a.now()
	expires := now.Add(redirectExpiryAfter)

	params := map[string]string{
		"version":     redirectVersion,
		"command":     redirectCommandPay,
		"tenant_code": a.cfg.TenantCode,
		"amount":      strconv.FormatInt(p.Amount*100, 10),
		"currency":    p.Currency,
		"txn_ref":     p.TransactionID,
		"order_info":  "Course purchase " + p.CourseID.String(),
		"ip_addr":     req.ClientIP,
		"locale":      "en",
		"return_url":  a.cfg.ReturnURL,
		"create_time": now.Format(redirectTimeFormat),
		"expire_time": expires.Format(redirectTimeFormat),
	}
	params[paramSecureHash] = a.codec.Sign(signature.CanonicalizeAll(params, paramSecureHash, paramSecureHashType))

	values := url.Values{}
	for k, v := range params {
		values.Set(k, v)
	}

	return &IntentResult{
		GatewayIntentID: p.TransactionID,
		PayURL:          a.cfg.PayURL + "?" + values.Encode(),
		ExpiresAt:       expires,
	}, nil
}

// VerifyConfirmation authenticates a redirect gateway notification. The
// return URL and the server notification carry the same signed parameter
// set and are verified identically.
func (a *RedirectAdapter) VerifyConfirmation(_ context.Context, n *Notification) (*Confirmation, error) {
	params := n.Params
	candidate := params[paramSecureHash]
	if candidate == "" {
		return nil, fmt.Errorf("redirect notify: %w", signature.ErrInvalidSignature)
	}
	if !a.codec.Verify(candidate, signature.CanonicalizeAll(params, paramSecureHash, paramSecureHashType)) {
		return nil, fmt.Errorf("redirect notify: %w", signature.ErrInvalidSignature)
	}

	amount, _ := strconv.ParseInt(params["amount"], 10, 64)
	paidAt, err := time.ParseInLocation(redirectTimeFormat, params["pay_time"], time.Local)
	if err != nil {
		paidAt = a.now()
	}

	conf := &Confirmation{
		EventID:              string(n.Source) + "_" + params["txn_ref"] + "_" + params["gateway_txn_no"],
		EventType:            "redirect." + string(n.Source),
		TransactionID:        params["txn_ref"],
		GatewayIntentID:      params["txn_ref"],
		GatewayTransactionID: params["gateway_txn_no"],
		Amount:               amount / 100,
		PaidAt:               paidAt,
	}

	code := params["response_code"]
	if code == redirectPaySuccess {
		conf.Outcome = OutcomeSuccess
		return conf, nil
	}

	conf.Outcome = OutcomeFailure
	conf.FailureCode = code
	if reason, ok := redirectFailureReasons[code]; ok {
		conf.FailureReason = reason
	} else {
		conf.FailureReason = "payment failed with gateway code " + code
	}
	return conf, nil
}

// Refund sends a best-effort refund request to the gateway API. The
// gateway settles refunds out of band, so a failure here is reported to
// the caller but must not abort the local refund.
func (a *RedirectAdapter) Refund(ctx context.Context, req *RefundRequest) (*RefundResult, error) {
	if a.cfg.APIURL == "" {
		a.logger.Warn("redirect refund requested without api url, settle manually",
			zap.String("transaction_id", req.Payment.TransactionID))
		return &RefundResult{Accepted: false}, nil
	}

	now := a.now()
	params := map[string]string{
		"version":        redirectVersion,
		"command":        "refund",
		"tenant_code":    a.cfg.TenantCode,
		"txn_ref":        req.Payment.TransactionID,
		"amount":         strconv.FormatInt(req.Amount*100, 10),
		"gateway_txn_no": req.Payment.GatewayTransactionID,
		"order_info":     req.Reason,
		"create_time":    now.Format(redirectTimeFormat),
	}
	params[paramSecureHash] = a.codec.Sign(signature.CanonicalizeAll(params, paramSecureHash, paramSecureHashType))

	var resp struct {
		ResponseCode string `json:"response_code"`
		Message      string `json:"message"`
	}
	if err := a.client.PostJSON(ctx, a.cfg.APIURL+"/refund", params, &resp); err != nil {
		return nil, fmt.Errorf("redirect refund: %w", err)
	}
	if resp.ResponseCode != redirectPaySuccess {
		return nil, fmt.Errorf("redirect refund: %w: code %s %s", ErrRejected, resp.ResponseCode, resp.Message)
	}

	return &RefundResult{Accepted: true}, nil
}

// RequiresSyncRefund reports that redirect refunds settle out of band.
func (a *RedirectAdapter) RequiresSyncRefund() bool {
	return false
}
