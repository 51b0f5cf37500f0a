package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/gateway"
	apperrors "github.com/coursehub/server/internal/shared/errors"
	"github.com/coursehub/server/internal/utils/metrics"
	"github.com/coursehub/server/internal/utils/random"
)

const (
	transactionIDLength = 16
	createRetries       = 3
	defaultPageSize     = 20
	maxPageSize         = 100
)

// ConfirmationStatus is the ledger's verdict on one confirmation, used by
// webhook handlers to pick the gateway's acknowledgement code.
type ConfirmationStatus string

const (
	// ConfirmationProcessed means this delivery performed the transition.
	ConfirmationProcessed ConfirmationStatus = "processed"
	// ConfirmationDuplicate means the payment was already past this edge.
	ConfirmationDuplicate ConfirmationStatus = "duplicate"
	// ConfirmationIgnored means the event was authentic but not acted on.
	ConfirmationIgnored ConfirmationStatus = "ignored"
)

// ConfirmationResult reports how a verified confirmation was applied.
type ConfirmationResult struct {
	Status        ConfirmationStatus
	Outcome       gateway.Outcome
	TransactionID string
	Payment       *domain.Payment
}

// Service orchestrates the payment lifecycle: intent creation, gateway
// confirmation, refunds and the enrollment side effect.
type Service struct {
	repo     Repository
	registry *gateway.Registry
	courses  CourseReader
	enroller EnrollmentTrigger
	metrics  *metrics.Metrics
	logger   *zap.Logger
}

// NewService creates a new payment service.
func NewService(
	repo Repository,
	registry *gateway.Registry,
	courses CourseReader,
	enroller EnrollmentTrigger,
	m *metrics.Metrics,
	logger *zap.Logger,
) *Service {
	return &Service{
		repo:     repo,
		registry: registry,
		courses:  courses,
		enroller: enroller,
		metrics:  m,
		logger:   logger,
	}
}

// CreateIntent starts a course purchase. The payment is persisted as
// pending before the gateway is contacted; if the gateway call fails the
// payment is marked failed and the error surfaces as gateway unavailable.
func (s *Service) CreateIntent(ctx context.Context, userID uuid.UUID, email, clientIP string, req *CreateIntentRequest) (*IntentResponse, error) {
	adapter, err := s.registry.Get(domain.Gateway(req.Gateway))
	if err != nil {
		return nil, err
	}

	course, err := s.courses.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if !course.Published || course.Price <= 0 {
		return nil, ErrCourseNotPurchasable
	}

	// Reject before touching the gateway. A pending payment for the same
	// course is allowed; the customer may have abandoned it.
	purchased, err := s.repo.HasCompletedPayment(ctx, userID, course.ID)
	if err != nil {
		return nil, err
	}
	if purchased {
		return nil, ErrDuplicatePurchase
	}

	payment, err := s.createPendingPayment(ctx, userID, course, domain.Gateway(req.Gateway))
	if err != nil {
		return nil, err
	}

	intentReq := &gateway.IntentRequest{
		Payment:           payment,
		CourseName:        course.Name,
		CourseDescription: course.Description,
		CustomerEmail:     email,
		ClientIP:          clientIP,
		SaveMethod:        req.SaveMethod,
	}

	start := time.Now()
	result, err := adapter.CreateIntent(ctx, intentReq)
	s.metrics.RecordGatewayRequest(req.Gateway, "create_intent", time.Since(start))
	if err != nil {
		s.logger.Error("gateway intent creation failed",
			zap.String("gateway", req.Gateway),
			zap.String("transaction_id", payment.TransactionID),
			zap.Error(err))
		if _, markErr := s.repo.MarkFailed(ctx, payment.TransactionID, "gateway_error", err.Error()); markErr != nil {
			s.logger.Error("failed to mark payment failed", zap.Error(markErr))
		}
		s.metrics.PaymentIntentsTotal.WithLabelValues(req.Gateway, "error").Inc()
		return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayUnavailable, err)
	}

	if result.GatewayIntentID != "" {
		if err := s.repo.SetGatewayIntent(ctx, payment.ID, result.GatewayIntentID); err != nil {
			s.logger.Error("failed to store gateway intent id", zap.Error(err))
		}
	}
	s.metrics.PaymentIntentsTotal.WithLabelValues(req.Gateway, "created").Inc()

	s.logger.Info("payment intent created",
		zap.String("gateway", req.Gateway),
		zap.String("transaction_id", payment.TransactionID),
		zap.String("user_id", userID.String()),
		zap.Int64("amount", payment.Amount))

	return &IntentResponse{
		PaymentID:     payment.ID,
		TransactionID: payment.TransactionID,
		Gateway:       req.Gateway,
		Amount:        payment.Amount,
		Currency:      payment.Currency,
		CheckoutURL:   result.CheckoutURL,
		PayURL:        result.PayURL,
		Deeplink:      result.Deeplink,
		QRCodeURL:     result.QRCodeURL,
		ExpiresAt:     result.ExpiresAt,
	}, nil
}

// createPendingPayment persists a pending payment with a fresh transaction
// reference, retrying on the off chance the reference collides.
func (s *Service) createPendingPayment(ctx context.Context, userID uuid.UUID, course *CourseInfo, gw domain.Gateway) (*domain.Payment, error) {
	for attempt := 0; attempt < createRetries; attempt++ {
		payment := domain.NewPayment(userID, course.ID, course.Price, course.Currency, gw, random.UpperAlphaNum(transactionIDLength))
		err := s.repo.CreatePayment(ctx, payment)
		if err == nil {
			return payment, nil
		}
		if !errors.Is(err, ErrDuplicateTransactionID) {
			return nil, err
		}
	}
	return nil, ErrDuplicateTransactionID
}

// HandleConfirmation verifies and applies one gateway notification. A
// signature failure returns before any state is touched. Transitions are
// idempotent: redeliveries and the webhook/return race resolve to a
// duplicate result, and enrollment fires only from the delivery that won
// the pending to completed edge.
func (s *Service) HandleConfirmation(ctx context.Context, gw domain.Gateway, n *gateway.Notification) (*ConfirmationResult, error) {
	adapter, err := s.registry.Get(gw)
	if err != nil {
		return nil, err
	}

	conf, err := adapter.VerifyConfirmation(ctx, n)
	if err != nil {
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "rejected").Inc()
		s.logger.Warn("confirmation rejected",
			zap.String("gateway", string(gw)),
			zap.String("source", string(n.Source)),
			zap.Error(err))
		return nil, err
	}

	s.journalEvent(ctx, gw, conf, n)

	result := &ConfirmationResult{Outcome: conf.Outcome, TransactionID: conf.TransactionID}

	switch conf.Outcome {
	case gateway.OutcomeIgnored:
		result.Status = ConfirmationIgnored
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "ignored").Inc()
		return result, nil

	case gateway.OutcomeMethodSaved:
		result.Status = ConfirmationProcessed
		s.saveMethodFromConfirmation(ctx, gw, conf)
		return result, nil

	case gateway.OutcomeSuccess:
		return s.applySuccess(ctx, gw, conf, result)

	case gateway.OutcomeFailure:
		transitioned, err := s.repo.MarkFailed(ctx, conf.TransactionID, conf.FailureCode, conf.FailureReason)
		if err != nil {
			return nil, err
		}
		result.Status = confirmationStatus(transitioned)
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "failed").Inc()
		s.logger.Info("payment failed",
			zap.String("gateway", string(gw)),
			zap.String("transaction_id", conf.TransactionID),
			zap.String("failure_code", conf.FailureCode))
		return result, nil

	case gateway.OutcomeRefunded:
		transitioned, err := s.repo.MarkRefunded(ctx, conf.TransactionID, "refund confirmed by gateway", conf.PaidAt)
		if err != nil {
			return nil, err
		}
		result.Status = confirmationStatus(transitioned)
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "refunded").Inc()
		return result, nil

	default:
		return nil, fmt.Errorf("unhandled confirmation outcome %q", conf.Outcome)
	}
}

func (s *Service) applySuccess(ctx context.Context, gw domain.Gateway, conf *gateway.Confirmation, result *ConfirmationResult) (*ConfirmationResult, error) {
	payment, err := s.repo.GetPaymentByTransactionID(ctx, conf.TransactionID)
	if err != nil {
		return nil, err
	}

	// The gateway signed the amount, so a mismatch means the confirmation
	// belongs to a different charge than the ledger row. Never complete it.
	if conf.Amount != 0 && conf.Amount != payment.Amount {
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "amount_mismatch").Inc()
		s.logger.Error("confirmation amount mismatch",
			zap.String("gateway", string(gw)),
			zap.String("transaction_id", conf.TransactionID),
			zap.Int64("ledger_amount", payment.Amount),
			zap.Int64("confirmed_amount", conf.Amount))
		return nil, ErrAmountMismatch
	}

	transitioned, err := s.repo.MarkCompleted(ctx, conf.TransactionID, conf.GatewayTransactionID, conf.PaidAt)
	if err != nil {
		return nil, err
	}
	if !transitioned {
		result.Status = ConfirmationDuplicate
		current, curErr := s.repo.GetPaymentByTransactionID(ctx, conf.TransactionID)
		if curErr == nil && current.Status != domain.StatusCompleted {
			// A success confirmation for a payment settled as failed or
			// refunded is a state conflict, not a redelivery. The ledger
			// keeps its state; operators reconcile against the gateway.
			s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "state_conflict").Inc()
			s.logger.Error("success confirmation conflicts with settled payment state",
				zap.String("gateway", string(gw)),
				zap.String("transaction_id", conf.TransactionID),
				zap.String("ledger_status", string(current.Status)),
				zap.String("event_id", conf.EventID))
			return result, nil
		}
		s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "duplicate").Inc()
		return result, nil
	}

	result.Status = ConfirmationProcessed
	result.Payment = payment
	s.metrics.ConfirmationsTotal.WithLabelValues(string(gw), "completed").Inc()
	s.logger.Info("payment completed",
		zap.String("gateway", string(gw)),
		zap.String("transaction_id", conf.TransactionID))

	s.triggerEnrollment(ctx, payment)
	return result, nil
}

// triggerEnrollment fires the enrollment side effect. It runs only on the
// winning pending to completed transition, so it is at most once per
// payment. Failure is logged for operator follow-up, never retried here
// and never surfaced to the gateway.
func (s *Service) triggerEnrollment(ctx context.Context, payment *domain.Payment) {
	if err := s.enroller.Enroll(ctx, payment.UserID, payment.CourseID, payment.ID); err != nil {
		s.metrics.EnrollmentTriggersTotal.WithLabelValues("error").Inc()
		s.logger.Error("enrollment trigger failed, manual follow-up required",
			zap.String("transaction_id", payment.TransactionID),
			zap.String("user_id", payment.UserID.String()),
			zap.String("course_id", payment.CourseID.String()),
			zap.Error(err))
		return
	}
	s.metrics.EnrollmentTriggersTotal.WithLabelValues("ok").Inc()
}

func (s *Service) journalEvent(ctx context.Context, gw domain.Gateway, conf *gateway.Confirmation, n *gateway.Notification) {
	payload := n.Body
	if len(payload) == 0 && len(n.Params) > 0 {
		payload = encodeParams(n.Params)
	}
	err := s.repo.CreateGatewayEvent(ctx, &domain.GatewayEvent{
		Gateway:       gw,
		EventID:       conf.EventID,
		EventType:     conf.EventType,
		TransactionID: conf.TransactionID,
		Payload:       payload,
		ReceivedAt:    time.Now(),
	})
	if err != nil && !errors.Is(err, ErrEventExists) {
		s.logger.Error("gateway event journal write failed", zap.Error(err))
	}
}

func (s *Service) saveMethodFromConfirmation(ctx context.Context, gw domain.Gateway, conf *gateway.Confirmation) {
	if conf.SavedMethod == nil || conf.TransactionID == "" {
		return
	}
	payment, err := s.repo.GetPaymentByTransactionID(ctx, conf.TransactionID)
	if err != nil {
		s.logger.Debug("saved method event without known payment",
			zap.String("gateway", string(gw)))
		return
	}
	method := conf.SavedMethod
	method.UserID = payment.UserID
	if err := s.repo.SavePaymentMethod(ctx, method); err != nil {
		s.logger.Error("failed to save payment method", zap.Error(err))
	}
}

// Refund returns funds for a completed payment. Gateways with a
// synchronous refund API abort on rejection; gateways that settle refunds
// out of band log the failure and the ledger moves on.
func (s *Service) Refund(ctx context.Context, transactionID string, req *RefundPaymentRequest) (*PaymentResponse, error) {
	payment, err := s.repo.GetPaymentByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	if !payment.Refundable() {
		return nil, fmt.Errorf("%w: status is %s", ErrNotRefundable, payment.Status)
	}

	adapter, err := s.registry.Get(payment.Gateway)
	if err != nil {
		return nil, err
	}

	amount := req.Amount
	if amount <= 0 || amount > payment.Amount {
		amount = payment.Amount
	}

	start := time.Now()
	_, refundErr := adapter.Refund(ctx, &gateway.RefundRequest{
		Payment: payment,
		Amount:  amount,
		Reason:  req.Reason,
	})
	s.metrics.RecordGatewayRequest(string(payment.Gateway), "refund", time.Since(start))
	if refundErr != nil {
		if adapter.RequiresSyncRefund() {
			s.metrics.RefundsTotal.WithLabelValues(string(payment.Gateway), "error").Inc()
			return nil, fmt.Errorf("%w: %v", apperrors.ErrGatewayUnavailable, refundErr)
		}
		s.logger.Warn("gateway refund request failed, refund will settle out of band",
			zap.String("gateway", string(payment.Gateway)),
			zap.String("transaction_id", transactionID),
			zap.Error(refundErr))
	}

	transitioned, err := s.repo.MarkRefunded(ctx, transactionID, req.Reason, time.Now())
	if err != nil {
		return nil, err
	}
	if !transitioned {
		return nil, fmt.Errorf("%w: concurrent refund", ErrNotRefundable)
	}
	s.metrics.RefundsTotal.WithLabelValues(string(payment.Gateway), "ok").Inc()

	s.logger.Info("payment refunded",
		zap.String("gateway", string(payment.Gateway)),
		zap.String("transaction_id", transactionID),
		zap.Int64("amount", amount))

	return s.findResponse(ctx, transactionID)
}

// GetPayment returns the domain payment for a transaction reference.
func (s *Service) GetPayment(ctx context.Context, transactionID string) (*domain.Payment, error) {
	return s.repo.GetPaymentByTransactionID(ctx, transactionID)
}

// FindByTransactionID returns the payment for a transaction reference.
func (s *Service) FindByTransactionID(ctx context.Context, transactionID string) (*PaymentResponse, error) {
	return s.findResponse(ctx, transactionID)
}

func (s *Service) findResponse(ctx context.Context, transactionID string) (*PaymentResponse, error) {
	payment, err := s.repo.GetPaymentByTransactionID(ctx, transactionID)
	if err != nil {
		return nil, err
	}
	return PaymentToResponse(payment), nil
}

// ListPayments returns a page of the user's payment history.
func (s *Service) ListPayments(ctx context.Context, userID uuid.UUID, page, pageSize int) (*ListPaymentsResponse, error) {
	if page < 1 {
		page = 1
	}
	if pageSize < 1 || pageSize > maxPageSize {
		pageSize = defaultPageSize
	}

	payments, total, err := s.repo.ListPaymentsByUser(ctx, userID, pageSize, (page-1)*pageSize)
	if err != nil {
		return nil, err
	}

	resp := &ListPaymentsResponse{
		Payments: make([]*PaymentResponse, len(payments)),
		Total:    total,
		Page:     page,
		PageSize: pageSize,
	}
	for i, p := range payments {
		resp.Payments[i] = PaymentToResponse(p)
	}
	return resp, nil
}

// ListPaymentMethods returns the user's saved payment methods.
func (s *Service) ListPaymentMethods(ctx context.Context, userID uuid.UUID) ([]*PaymentMethodResponse, error) {
	methods, err := s.repo.ListPaymentMethods(ctx, userID)
	if err != nil {
		return nil, err
	}
	resp := make([]*PaymentMethodResponse, len(methods))
	for i, m := range methods {
		resp[i] = MethodToResponse(m)
	}
	return resp, nil
}

// DeletePaymentMethod removes a saved payment method.
func (s *Service) DeletePaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error {
	return s.repo.DeletePaymentMethod(ctx, userID, methodID)
}

// SetDefaultPaymentMethod marks one saved method as the default.
func (s *Service) SetDefaultPaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error {
	return s.repo.SetDefaultPaymentMethod(ctx, userID, methodID)
}

func confirmationStatus(transitioned bool) ConfirmationStatus {
	if transitioned {
		return ConfirmationProcessed
	}
	return ConfirmationDuplicate
}

func encodeParams(params map[string]string) []byte {
	b, err := json.Marshal(params)
	if err != nil {
		return nil
	}
	return b
}
