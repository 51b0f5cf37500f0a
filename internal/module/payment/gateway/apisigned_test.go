package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/signature"
)

const apiSignedTestSecret = "apisigned-secret-key"

func newTestApiSignedAdapter(t *testing.T, endpoint string) *ApiSignedAdapter {
	t.Helper()
	a, err := NewApiSignedAdapter(ApiSignedConfig{
		PartnerCode: "COURSEHUB",
		AccessKey:   "access-key",
		SecretKey:   apiSignedTestSecret,
		Endpoint:    endpoint,
		ReturnURL:   "https://coursehub.test/payments/apisigned/return",
		NotifyURL:   "https://coursehub.test/webhooks/apisigned",
	}, time.Second, zap.NewNop())
	require.NoError(t, err)
	return a
}

func apiSignedNotifyParams(t *testing.T, resultCode int) map[string]string {
	t.Helper()
	params := map[string]string{
		"partner_code":  "COURSEHUB",
		"order_id":      "TX456DEF",
		"request_id":    "TX456DEF",
		"amount":        "299000",
		"order_info":    "Course purchase",
		"order_type":    "wallet",
		"trans_id":      "2147483647",
		"result_code":   strconv.Itoa(resultCode),
		"message":       "Successful.",
		"pay_type":      "qr",
		"response_time": "1767000000000",
		"extra_data":    "",
	}

	codec, err := signature.NewCodec(apiSignedTestSecret, signature.HMACSHA256)
	require.NoError(t, err)
	fields := make(map[string]string, len(apiSignedNotifyOrder))
	for _, k := range apiSignedNotifyOrder {
		fields[k] = params[k]
	}
	fields["access_key"] = "access-key"
	params["signature"] = codec.Sign(signature.CanonicalizeOrdered(fields, apiSignedNotifyOrder))
	return params
}

func TestNewApiSignedAdapterConfigErrors(t *testing.T) {
	_, err := NewApiSignedAdapter(ApiSignedConfig{PartnerCode: "P", AccessKey: "a"}, time.Second, zap.NewNop())
	assert.ErrorIs(t, err, signature.ErrMissingSecret)

	_, err = NewApiSignedAdapter(ApiSignedConfig{SecretKey: "s"}, time.Second, zap.NewNop())
	assert.Error(t, err)
}

func TestApiSignedCreateIntent(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/create", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{
			"result_code": 0,
			"pay_url":     "https://wallet.test/pay/abc",
			"deeplink":    "wallet://pay/abc",
			"qr_code_url": "https://wallet.test/qr/abc",
		})
	}))
	defer srv.Close()

	a := newTestApiSignedAdapter(t, srv.URL)
	p := domain.NewPayment(uuid.New(), uuid.New(), 299000, "VND", domain.GatewayApiSigned, "TX456DEF")

	res, err := a.CreateIntent(context.Background(), &IntentRequest{Payment: p})
	require.NoError(t, err)

	assert.Equal(t, "https://wallet.test/pay/abc", res.PayURL)
	assert.Equal(t, "wallet://pay/abc", res.Deeplink)
	assert.Equal(t, "https://wallet.test/qr/abc", res.QRCodeURL)
	assert.Equal(t, "TX456DEF", res.GatewayIntentID)

	// The request signature must verify over the published field order.
	codec, err := signature.NewCodec(apiSignedTestSecret, signature.HMACSHA256)
	require.NoError(t, err)
	assert.True(t, codec.Verify(gotBody["signature"],
		signature.CanonicalizeOrdered(gotBody, apiSignedCreateOrder)))
}

func TestApiSignedCreateIntentRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"result_code": 41, "message": "duplicate order id"})
	}))
	defer srv.Close()

	a := newTestApiSignedAdapter(t, srv.URL)
	p := domain.NewPayment(uuid.New(), uuid.New(), 299000, "VND", domain.GatewayApiSigned, "TX456DEF")

	_, err := a.CreateIntent(context.Background(), &IntentRequest{Payment: p})
	assert.ErrorIs(t, err, ErrRejected)
}

func TestApiSignedVerifyConfirmation(t *testing.T) {
	a := newTestApiSignedAdapter(t, "http://unused.test")

	conf, err := a.VerifyConfirmation(context.Background(), &Notification{
		Source: SourceWebhook,
		Params: apiSignedNotifyParams(t, 0),
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeSuccess, conf.Outcome)
	assert.Equal(t, "TX456DEF", conf.TransactionID)
	assert.Equal(t, "2147483647", conf.GatewayTransactionID)
	assert.Equal(t, int64(299000), conf.Amount)
	assert.Equal(t, time.UnixMilli(1767000000000), conf.PaidAt)
}

func TestApiSignedVerifyConfirmationFailure(t *testing.T) {
	a := newTestApiSignedAdapter(t, "http://unused.test")

	conf, err := a.VerifyConfirmation(context.Background(), &Notification{
		Source: SourceReturn,
		Params: apiSignedNotifyParams(t, 1006),
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeFailure, conf.Outcome)
	assert.Equal(t, "1006", conf.FailureCode)
}

func TestApiSignedVerifyConfirmationRejectsTampering(t *testing.T) {
	a := newTestApiSignedAdapter(t, "http://unused.test")

	params := apiSignedNotifyParams(t, 0)
	params["amount"] = "1"
	_, err := a.VerifyConfirmation(context.Background(), &Notification{Source: SourceWebhook, Params: params})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	params = apiSignedNotifyParams(t, 0)
	delete(params, "signature")
	_, err = a.VerifyConfirmation(context.Background(), &Notification{Source: SourceWebhook, Params: params})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)
}

func TestApiSignedRefund(t *testing.T) {
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/refund", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(map[string]any{"result_code": 0, "refund_id": "RF9"})
	}))
	defer srv.Close()

	a := newTestApiSignedAdapter(t, srv.URL)
	require.True(t, a.RequiresSyncRefund())

	p := domain.NewPayment(uuid.New(), uuid.New(), 299000, "VND", domain.GatewayApiSigned, "TX456DEF")
	p.GatewayTransactionID = "2147483647"

	res, err := a.Refund(context.Background(), &RefundRequest{Payment: p, Amount: 299000, Reason: "requested"})
	require.NoError(t, err)
	assert.True(t, res.Accepted)
	assert.Equal(t, "RF9", res.GatewayRefundID)

	// The refund references both the order and the gateway transaction.
	assert.Equal(t, "TX456DEF", gotBody["order_id"])
	assert.Equal(t, "2147483647", gotBody["trans_id"])

	codec, err := signature.NewCodec(apiSignedTestSecret, signature.HMACSHA256)
	require.NoError(t, err)
	assert.True(t, codec.Verify(gotBody["signature"],
		signature.CanonicalizeOrdered(gotBody, apiSignedRefundOrder)))
}

func TestApiSignedRefundWithoutGatewayTransaction(t *testing.T) {
	a := newTestApiSignedAdapter(t, "http://unused.test")
	p := domain.NewPayment(uuid.New(), uuid.New(), 299000, "VND", domain.GatewayApiSigned, "TX456DEF")

	_, err := a.Refund(context.Background(), &RefundRequest{Payment: p, Amount: 299000})
	assert.Error(t, err)
}
