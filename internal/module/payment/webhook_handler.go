package payment

import (
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/gateway"
	"github.com/coursehub/server/internal/module/payment/signature"
)

// Redirect gateway acknowledgement codes. The gateway reads these from a
// 200 body; HTTP status is always 200 once the request parsed.
const (
	redirectAckOK               = "00"
	redirectAckNotFound         = "01"
	redirectAckAlreadyConfirmed = "02"
	redirectAckInvalidAmount    = "04"
	redirectAckBadSignature     = "97"
)

// WebhookHandler handles gateway confirmations on both channels: the
// server-to-server webhook and the customer's return redirect. Each
// gateway has its own acknowledgement contract; getting an ack wrong
// either loses confirmations or triggers redelivery storms.
type WebhookHandler struct {
	service *Service
	logger  *zap.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(service *Service, logger *zap.Logger) *WebhookHandler {
	return &WebhookHandler{service: service, logger: logger}
}

// RegisterWebhookRoutes registers the unauthenticated webhook routes.
func (h *WebhookHandler) RegisterWebhookRoutes(r *gin.RouterGroup) {
	r.POST("/hosted", h.HandleHostedWebhook)
	r.GET("/redirect", h.HandleRedirectIPN)
	r.POST("/apisigned", h.HandleApiSignedWebhook)
}

// RegisterReturnRoutes registers the customer return routes.
func (h *WebhookHandler) RegisterReturnRoutes(r *gin.RouterGroup) {
	r.GET("/hosted/return", h.HandleHostedReturn)
	r.GET("/redirect/return", h.HandleRedirectReturn)
	r.GET("/apisigned/return", h.HandleApiSignedReturn)
}

// HandleHostedWebhook handles hosted gateway webhook deliveries. Contract:
// any 2xx acknowledges, anything else is redelivered with backoff. A bad
// signature is 400; an event for an unknown transaction is 404 so the
// gateway retries after the intent row lands.
func (h *WebhookHandler) HandleHostedWebhook(c *gin.Context) {
	payload, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "failed to read body"})
		return
	}

	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayHosted, &gateway.Notification{
		Source: gateway.SourceWebhook,
		Body:   payload,
		Headers: map[string]string{
			gateway.SignatureHeader: c.GetHeader(gateway.SignatureHeader),
		},
	})
	if err != nil {
		if isSignatureError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown transaction"})
			return
		}
		if errors.Is(err, ErrAmountMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount mismatch"})
			return
		}
		h.logger.Error("hosted webhook processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"received": true, "status": string(result.Status)})
}

// HandleHostedReturn handles the customer's success-page redirect. The
// session is verified against the gateway; the page renders from this
// response regardless of whether the webhook arrived first.
func (h *WebhookHandler) HandleHostedReturn(c *gin.Context) {
	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayHosted, &gateway.Notification{
		Source: gateway.SourceReturn,
		Params: map[string]string{"session_id": c.Query("session_id")},
	})
	if err != nil {
		h.respondReturn(c, "", err)
		return
	}
	h.respondReturn(c, result.TransactionID, nil)
}

// HandleRedirectIPN handles the redirect gateway's server notification.
// Contract: always HTTP 200 with a response code in the body; any other
// HTTP status makes the gateway retry for days.
func (h *WebhookHandler) HandleRedirectIPN(c *gin.Context) {
	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayRedirect, &gateway.Notification{
		Source: gateway.SourceWebhook,
		Params: queryParams(c),
	})
	if err != nil {
		switch {
		case isSignatureError(err):
			c.JSON(http.StatusOK, gin.H{"rsp_code": redirectAckBadSignature, "message": "invalid signature"})
		case errors.Is(err, ErrPaymentNotFound):
			c.JSON(http.StatusOK, gin.H{"rsp_code": redirectAckNotFound, "message": "transaction not found"})
		case errors.Is(err, ErrAmountMismatch):
			c.JSON(http.StatusOK, gin.H{"rsp_code": redirectAckInvalidAmount, "message": "invalid amount"})
		default:
			h.logger.Error("redirect notification processing failed", zap.Error(err))
			c.JSON(http.StatusOK, gin.H{"rsp_code": redirectAckNotFound, "message": "processing failed"})
		}
		return
	}

	code := redirectAckOK
	if result.Status == ConfirmationDuplicate {
		code = redirectAckAlreadyConfirmed
	}
	c.JSON(http.StatusOK, gin.H{"rsp_code": code, "message": "confirmed"})
}

// HandleRedirectReturn handles the customer coming back from the redirect
// gateway. Verified exactly like the server notification; whichever
// channel lands first settles the payment.
func (h *WebhookHandler) HandleRedirectReturn(c *gin.Context) {
	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayRedirect, &gateway.Notification{
		Source: gateway.SourceReturn,
		Params: queryParams(c),
	})
	if err != nil {
		h.respondReturn(c, "", err)
		return
	}
	h.respondReturn(c, result.TransactionID, nil)
}

// HandleApiSignedWebhook handles the wallet gateway's server notification.
// Contract: HTTP 200 with result_code 0 acknowledges; result_code 97
// reports an authenticity failure.
func (h *WebhookHandler) HandleApiSignedWebhook(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"result_code": 97, "message": "malformed notification"})
		return
	}
	params, err := decodeNotificationParams(body)
	if err != nil {
		c.JSON(http.StatusOK, gin.H{"result_code": 97, "message": "malformed notification"})
		return
	}

	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayApiSigned, &gateway.Notification{
		Source: gateway.SourceWebhook,
		Params: params,
	})
	if err != nil {
		if isSignatureError(err) {
			c.JSON(http.StatusOK, gin.H{"result_code": 97, "message": "invalid signature"})
			return
		}
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusOK, gin.H{"result_code": 1, "message": "transaction not found"})
			return
		}
		if errors.Is(err, ErrAmountMismatch) {
			c.JSON(http.StatusOK, gin.H{"result_code": 4, "message": "invalid amount"})
			return
		}
		h.logger.Error("apisigned notification processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"result_code": 99, "message": "processing failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"result_code": 0, "message": "confirmed", "status": string(result.Status)})
}

// HandleApiSignedReturn handles the customer's return from the wallet app.
func (h *WebhookHandler) HandleApiSignedReturn(c *gin.Context) {
	result, err := h.service.HandleConfirmation(c.Request.Context(), domain.GatewayApiSigned, &gateway.Notification{
		Source: gateway.SourceReturn,
		Params: queryParams(c),
	})
	if err != nil {
		h.respondReturn(c, "", err)
		return
	}
	h.respondReturn(c, result.TransactionID, nil)
}

// respondReturn answers the customer-facing return channels with the
// payment state so the frontend can render an outcome page.
func (h *WebhookHandler) respondReturn(c *gin.Context, transactionID string, err error) {
	if err != nil {
		if isSignatureError(err) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid signature"})
			return
		}
		if errors.Is(err, ErrPaymentNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
			return
		}
		if errors.Is(err, ErrAmountMismatch) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "amount mismatch"})
			return
		}
		h.logger.Error("return channel processing failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "processing failed"})
		return
	}

	payment, lookupErr := h.service.FindByTransactionID(c.Request.Context(), transactionID)
	if lookupErr != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "payment not found"})
		return
	}
	c.JSON(http.StatusOK, payment)
}

func isSignatureError(err error) bool {
	return errors.Is(err, signature.ErrInvalidSignature) ||
		errors.Is(err, signature.ErrMalformedHeader) ||
		errors.Is(err, signature.ErrTimestampSkew)
}

// decodeNotificationParams flattens a JSON notification into the string
// params the adapters sign over. The protocol is string-typed but the
// gateway side is free to encode numerics as JSON numbers; both must
// canonicalize to the same signed text.
func decodeNotificationParams(body []byte) (map[string]string, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	params := make(map[string]string, len(raw))
	for k, v := range raw {
		switch t := v.(type) {
		case string:
			params[k] = t
		case json.Number:
			params[k] = t.String()
		case bool:
			params[k] = strconv.FormatBool(t)
		case nil:
			params[k] = ""
		default:
			b, err := json.Marshal(t)
			if err != nil {
				return nil, err
			}
			params[k] = string(b)
		}
	}
	return params, nil
}

func queryParams(c *gin.Context) map[string]string {
	params := make(map[string]string)
	for k := range c.Request.URL.Query() {
		params[k] = c.Query(k)
	}
	return params
}
