package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/gateway"
	"github.com/coursehub/server/internal/module/payment/signature"
	apperrors "github.com/coursehub/server/internal/shared/errors"
	"github.com/coursehub/server/internal/utils/metrics"
)

// --- Fakes ---

// fakeLedger is an in-memory Repository with the same conditional
// transition semantics as the database implementation: a transition
// succeeds at most once, everything else reports no rows moved.
type fakeLedger struct {
	mu       sync.Mutex
	payments map[string]*domain.Payment
	methods  []*domain.PaymentMethod
	events   map[string]bool
	sm       *domain.StateMachine
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		payments: make(map[string]*domain.Payment),
		events:   make(map[string]bool),
		sm:       domain.NewStateMachine(),
	}
}

func (f *fakeLedger) CreatePayment(_ context.Context, p *domain.Payment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, exists := f.payments[p.TransactionID]; exists {
		return ErrDuplicateTransactionID
	}
	cp := *p
	f.payments[p.TransactionID] = &cp
	return nil
}

func (f *fakeLedger) GetPayment(_ context.Context, id uuid.UUID) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ID == id {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrPaymentNotFound
}

func (f *fakeLedger) GetPaymentByTransactionID(_ context.Context, txnID string) (*domain.Payment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[txnID]
	if !ok {
		return nil, ErrPaymentNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeLedger) HasCompletedPayment(_ context.Context, userID, courseID uuid.UUID) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.UserID == userID && p.CourseID == courseID && p.Status == domain.StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (f *fakeLedger) SetGatewayIntent(_ context.Context, id uuid.UUID, intentID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, p := range f.payments {
		if p.ID == id {
			p.GatewayIntentID = intentID
			return nil
		}
	}
	return ErrPaymentNotFound
}

func (f *fakeLedger) ListPaymentsByUser(_ context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Payment, int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.Payment
	for _, p := range f.payments {
		if p.UserID == userID {
			cp := *p
			out = append(out, &cp)
		}
	}
	return out, int64(len(out)), nil
}

func (f *fakeLedger) transition(txnID string, to domain.Status, mutate func(*domain.Payment)) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.payments[txnID]
	if !ok {
		return false, ErrPaymentNotFound
	}
	if !f.sm.CanTransition(p.Status, to) {
		return false, nil
	}
	p.Status = to
	mutate(p)
	return true, nil
}

func (f *fakeLedger) MarkCompleted(_ context.Context, txnID, gatewayTxnID string, paidAt time.Time) (bool, error) {
	return f.transition(txnID, domain.StatusCompleted, func(p *domain.Payment) {
		p.GatewayTransactionID = gatewayTxnID
		p.PaidAt = &paidAt
	})
}

func (f *fakeLedger) MarkFailed(_ context.Context, txnID, code, reason string) (bool, error) {
	return f.transition(txnID, domain.StatusFailed, func(p *domain.Payment) {
		p.FailureCode = code
		p.FailureReason = reason
	})
}

func (f *fakeLedger) MarkRefunded(_ context.Context, txnID, reason string, refundedAt time.Time) (bool, error) {
	return f.transition(txnID, domain.StatusRefunded, func(p *domain.Payment) {
		p.RefundReason = reason
		p.RefundedAt = &refundedAt
	})
}

func (f *fakeLedger) SavePaymentMethod(_ context.Context, m *domain.PaymentMethod) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *m
	if cp.ID == uuid.Nil {
		cp.ID = uuid.New()
	}
	f.methods = append(f.methods, &cp)
	return nil
}

func (f *fakeLedger) ListPaymentMethods(_ context.Context, userID uuid.UUID) ([]*domain.PaymentMethod, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*domain.PaymentMethod
	for _, m := range f.methods {
		if m.UserID == userID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (f *fakeLedger) DeletePaymentMethod(_ context.Context, userID, methodID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i, m := range f.methods {
		if m.ID == methodID && m.UserID == userID {
			f.methods = append(f.methods[:i], f.methods[i+1:]...)
			return nil
		}
	}
	return ErrMethodNotFound
}

func (f *fakeLedger) SetDefaultPaymentMethod(_ context.Context, userID, methodID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	found := false
	for _, m := range f.methods {
		if m.UserID == userID {
			m.IsDefault = m.ID == methodID
			found = found || m.ID == methodID
		}
	}
	if !found {
		return ErrMethodNotFound
	}
	return nil
}

func (f *fakeLedger) CreateGatewayEvent(_ context.Context, ev *domain.GatewayEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := string(ev.Gateway) + "|" + ev.EventID
	if f.events[key] {
		return ErrEventExists
	}
	f.events[key] = true
	return nil
}

// stubAdapter lets each test script gateway behavior.
type stubAdapter struct {
	name       domain.Gateway
	syncRefund bool

	createFn func(ctx context.Context, req *gateway.IntentRequest) (*gateway.IntentResult, error)
	verifyFn func(ctx context.Context, n *gateway.Notification) (*gateway.Confirmation, error)
	refundFn func(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error)

	createCalls int
	refundCalls int
}

func (s *stubAdapter) Name() domain.Gateway { return s.name }

func (s *stubAdapter) CreateIntent(ctx context.Context, req *gateway.IntentRequest) (*gateway.IntentResult, error) {
	s.createCalls++
	if s.createFn != nil {
		return s.createFn(ctx, req)
	}
	return &gateway.IntentResult{GatewayIntentID: "gw_" + req.Payment.TransactionID, PayURL: "https://gw.test/pay"}, nil
}

func (s *stubAdapter) VerifyConfirmation(ctx context.Context, n *gateway.Notification) (*gateway.Confirmation, error) {
	if s.verifyFn != nil {
		return s.verifyFn(ctx, n)
	}
	return nil, errors.New("no verify behavior scripted")
}

func (s *stubAdapter) Refund(ctx context.Context, req *gateway.RefundRequest) (*gateway.RefundResult, error) {
	s.refundCalls++
	if s.refundFn != nil {
		return s.refundFn(ctx, req)
	}
	return &gateway.RefundResult{Accepted: true}, nil
}

func (s *stubAdapter) RequiresSyncRefund() bool { return s.syncRefund }

type stubCourses struct {
	courses map[uuid.UUID]*CourseInfo
}

func (s *stubCourses) GetCourse(_ context.Context, id uuid.UUID) (*CourseInfo, error) {
	c, ok := s.courses[id]
	if !ok {
		return nil, ErrCourseNotFound
	}
	return c, nil
}

type stubEnroller struct {
	mu    sync.Mutex
	calls []uuid.UUID
	err   error
}

func (s *stubEnroller) Enroll(_ context.Context, _, _ uuid.UUID, paymentID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, paymentID)
	return s.err
}

func (s *stubEnroller) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

// --- Harness ---

type serviceFixture struct {
	service  *Service
	ledger   *fakeLedger
	adapter  *stubAdapter
	courses  *stubCourses
	enroller *stubEnroller
	metrics  *metrics.Metrics
	courseID uuid.UUID
	userID   uuid.UUID
}

func newServiceFixture(t *testing.T, gw domain.Gateway, syncRefund bool) *serviceFixture {
	t.Helper()

	courseID := uuid.New()
	fx := &serviceFixture{
		ledger:   newFakeLedger(),
		adapter:  &stubAdapter{name: gw, syncRefund: syncRefund},
		enroller: &stubEnroller{},
		courseID: courseID,
		userID:   uuid.New(),
		courses: &stubCourses{courses: map[uuid.UUID]*CourseInfo{
			courseID: {ID: courseID, Name: "Go from Zero", Price: 499000, Currency: "VND", Published: true},
		}},
	}

	registry := gateway.NewRegistry()
	require.NoError(t, registry.Register(fx.adapter))

	fx.metrics = metrics.NewWith(prometheus.NewRegistry(), "test")
	fx.service = NewService(
		fx.ledger,
		registry,
		fx.courses,
		fx.enroller,
		fx.metrics,
		zap.NewNop(),
	)
	return fx
}

func (fx *serviceFixture) createIntent(t *testing.T) *IntentResponse {
	t.Helper()
	resp, err := fx.service.CreateIntent(context.Background(), fx.userID, "student@test.dev", "203.0.113.9", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  string(fx.adapter.name),
	})
	require.NoError(t, err)
	return resp
}

func successConfirmation(txnID string, eventID string) *gateway.Confirmation {
	return &gateway.Confirmation{
		EventID:              eventID,
		EventType:            "test.success",
		Outcome:              gateway.OutcomeSuccess,
		TransactionID:        txnID,
		GatewayTransactionID: "gwtxn_1",
		PaidAt:               time.Now(),
	}
}

// --- CreateIntent ---

func TestCreateIntent(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	resp := fx.createIntent(t)

	assert.NotEmpty(t, resp.TransactionID)
	assert.Len(t, resp.TransactionID, transactionIDLength)
	assert.Equal(t, int64(499000), resp.Amount)
	assert.Equal(t, "VND", resp.Currency)
	assert.Equal(t, "https://gw.test/pay", resp.PayURL)

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, "gw_"+resp.TransactionID, stored.GatewayIntentID)
}

func TestCreateIntentRejectsDuplicatePurchase(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)
	callsBefore := fx.adapter.createCalls

	_, err = fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  string(domain.GatewayRedirect),
	})
	assert.ErrorIs(t, err, ErrDuplicatePurchase)
	// Rejected before the gateway was contacted.
	assert.Equal(t, callsBefore, fx.adapter.createCalls)
}

func TestCreateIntentAllowsRetryAfterFailure(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkFailed(context.Background(), resp.TransactionID, "24", "customer cancelled")
	require.NoError(t, err)

	// A failed attempt does not block a new purchase, and the new attempt
	// gets a fresh transaction reference.
	resp2 := fx.createIntent(t)
	assert.NotEqual(t, resp.TransactionID, resp2.TransactionID)
}

func TestCreateIntentGatewayFailureMarksPaymentFailed(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayApiSigned, true)
	fx.adapter.createFn = func(context.Context, *gateway.IntentRequest) (*gateway.IntentResult, error) {
		return nil, errors.New("connection refused")
	}

	_, err := fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  string(domain.GatewayApiSigned),
	})
	assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)

	// The pending row was flipped to failed, not left dangling.
	payments, _, listErr := fx.ledger.ListPaymentsByUser(context.Background(), fx.userID, 10, 0)
	require.NoError(t, listErr)
	require.Len(t, payments, 1)
	assert.Equal(t, domain.StatusFailed, payments[0].Status)
}

func TestCreateIntentForwardsSaveMethodOptIn(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayHosted, true)

	var saveRequested []bool
	fx.adapter.createFn = func(_ context.Context, req *gateway.IntentRequest) (*gateway.IntentResult, error) {
		saveRequested = append(saveRequested, req.SaveMethod)
		return &gateway.IntentResult{GatewayIntentID: "gw_" + req.Payment.TransactionID}, nil
	}

	_, err := fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  string(domain.GatewayHosted),
	})
	require.NoError(t, err)

	_, err = fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID:   fx.courseID,
		Gateway:    string(domain.GatewayHosted),
		SaveMethod: true,
	})
	require.NoError(t, err)

	// The gateway is asked to retain the method only on explicit opt-in.
	assert.Equal(t, []bool{false, true}, saveRequested)
}

func TestCreateIntentUnknownGateway(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	_, err := fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  "paypal",
	})
	assert.ErrorIs(t, err, gateway.ErrUnknownGateway)
}

func TestCreateIntentUnpublishedCourse(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	fx.courses.courses[fx.courseID].Published = false

	_, err := fx.service.CreateIntent(context.Background(), fx.userID, "", "", &CreateIntentRequest{
		CourseID: fx.courseID,
		Gateway:  string(domain.GatewayRedirect),
	})
	assert.ErrorIs(t, err, ErrCourseNotPurchasable)
}

// --- HandleConfirmation ---

func TestHandleConfirmationCompletesAndEnrollsOnce(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(_ context.Context, n *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_"+string(n.Source)), nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationProcessed, result.Status)
	assert.Equal(t, 1, fx.enroller.callCount())

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, "gwtxn_1", stored.GatewayTransactionID)
	require.NotNil(t, stored.PaidAt)
}

func TestHandleConfirmationRedeliveryIsIdempotent(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_1"), nil
	}

	for i := 0; i < 5; i++ {
		result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
		require.NoError(t, err)
		if i == 0 {
			assert.Equal(t, ConfirmationProcessed, result.Status)
		} else {
			assert.Equal(t, ConfirmationDuplicate, result.Status)
		}
	}

	// Enrollment fired exactly once across all redeliveries, and none of
	// the redeliveries registered as a state conflict.
	assert.Equal(t, 1, fx.enroller.callCount())
	assert.Equal(t, float64(4),
		testutil.ToFloat64(fx.metrics.ConfirmationsTotal.WithLabelValues(string(domain.GatewayRedirect), "duplicate")))
	assert.Equal(t, float64(0),
		testutil.ToFloat64(fx.metrics.ConfirmationsTotal.WithLabelValues(string(domain.GatewayRedirect), "state_conflict")))
}

func TestHandleConfirmationConcurrentDeliveries(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayApiSigned, true)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_concurrent"), nil
	}

	const deliveries = 8
	results := make([]ConfirmationStatus, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayApiSigned, &gateway.Notification{Source: gateway.SourceWebhook})
			if assert.NoError(t, err) {
				results[i] = result.Status
			}
		}(i)
	}
	wg.Wait()

	processed := 0
	for _, status := range results {
		if status == ConfirmationProcessed {
			processed++
		}
	}
	assert.Equal(t, 1, processed, "exactly one delivery wins the transition")
	assert.Equal(t, 1, fx.enroller.callCount())

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestHandleConfirmationWebhookReturnRace(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(_ context.Context, n *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_"+string(n.Source)), nil
	}

	webhookResult, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	returnResult, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceReturn})
	require.NoError(t, err)

	assert.Equal(t, ConfirmationProcessed, webhookResult.Status)
	assert.Equal(t, ConfirmationDuplicate, returnResult.Status)
	assert.Equal(t, 1, fx.enroller.callCount())
}

func TestHandleConfirmationBadSignatureLeavesLedgerUntouched(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return nil, fmt.Errorf("redirect notify: %w", signature.ErrInvalidSignature)
	}

	_, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	assert.ErrorIs(t, err, signature.ErrInvalidSignature)

	stored, getErr := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 0, fx.enroller.callCount())
}

func TestHandleConfirmationFailureOutcome(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return &gateway.Confirmation{
			EventID:       "evt_fail",
			Outcome:       gateway.OutcomeFailure,
			TransactionID: resp.TransactionID,
			FailureCode:   "51",
			FailureReason: "insufficient funds",
		}, nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationProcessed, result.Status)

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, "51", stored.FailureCode)
	assert.Equal(t, "insufficient funds", stored.FailureReason)
	assert.Equal(t, 0, fx.enroller.callCount())

	// A late success for a failed payment does not resurrect it.
	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_late"), nil
	}
	late, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationDuplicate, late.Status)
	assert.Equal(t, 0, fx.enroller.callCount())
}

func TestHandleConfirmationSuccessAfterFailureFlagsConflict(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkFailed(context.Background(), resp.TransactionID, "51", "insufficient funds")
	require.NoError(t, err)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_conflict"), nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)

	// Acknowledged like a duplicate so the gateway stops redelivering, but
	// recorded as a state conflict rather than a benign redelivery.
	assert.Equal(t, ConfirmationDuplicate, result.Status)
	assert.Equal(t, float64(1),
		testutil.ToFloat64(fx.metrics.ConfirmationsTotal.WithLabelValues(string(domain.GatewayRedirect), "state_conflict")))
	assert.Equal(t, float64(0),
		testutil.ToFloat64(fx.metrics.ConfirmationsTotal.WithLabelValues(string(domain.GatewayRedirect), "duplicate")))

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, stored.Status)
	assert.Equal(t, 0, fx.enroller.callCount())
}

func TestHandleConfirmationAmountMismatchRejected(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		conf := successConfirmation(resp.TransactionID, "evt_amt")
		conf.Amount = resp.Amount - 1000
		return conf, nil
	}

	_, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	assert.ErrorIs(t, err, ErrAmountMismatch)

	// A confirmation for the wrong amount never completes the payment.
	stored, getErr := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, getErr)
	assert.Equal(t, domain.StatusPending, stored.Status)
	assert.Equal(t, 0, fx.enroller.callCount())
}

func TestHandleConfirmationUnknownTransaction(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation("NOSUCHTXN", "evt_x"), nil
	}

	_, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestHandleConfirmationIgnoredOutcome(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return &gateway.Confirmation{EventID: "evt_i", EventType: "something.else", Outcome: gateway.OutcomeIgnored}, nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationIgnored, result.Status)
}

func TestHandleConfirmationEnrollmentFailureDoesNotFailAck(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)
	fx.enroller.err = errors.New("lms is down")

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return successConfirmation(resp.TransactionID, "evt_1"), nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayRedirect, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationProcessed, result.Status)

	// The payment stays completed; enrollment recovery is an operator
	// action, not a gateway retry.
	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
	assert.Equal(t, 1, fx.enroller.callCount())
}

func TestHandleConfirmationGatewayRefundNotification(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayHosted, true)
	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)

	fx.adapter.verifyFn = func(context.Context, *gateway.Notification) (*gateway.Confirmation, error) {
		return &gateway.Confirmation{
			EventID:       "evt_rf",
			Outcome:       gateway.OutcomeRefunded,
			TransactionID: resp.TransactionID,
			PaidAt:        time.Now(),
		}, nil
	}

	result, err := fx.service.HandleConfirmation(context.Background(), domain.GatewayHosted, &gateway.Notification{Source: gateway.SourceWebhook})
	require.NoError(t, err)
	assert.Equal(t, ConfirmationProcessed, result.Status)

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, stored.Status)
}

// --- Refund ---

func TestRefundCompletedPayment(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayApiSigned, true)
	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)

	refunded, err := fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "requested by student"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusRefunded), refunded.Status)
	assert.Equal(t, 1, fx.adapter.refundCalls)
}

func TestRefundRejectsNonCompletedPayment(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayApiSigned, true)
	resp := fx.createIntent(t)

	_, err := fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "nope"})
	assert.ErrorIs(t, err, ErrNotRefundable)
	assert.Equal(t, 0, fx.adapter.refundCalls)

	// Refunding twice fails the second time.
	_, err = fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)
	_, err = fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "first"})
	require.NoError(t, err)
	_, err = fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "second"})
	assert.ErrorIs(t, err, ErrNotRefundable)
}

func TestRefundSyncGatewayFailureAborts(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayApiSigned, true)
	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)

	fx.adapter.refundFn = func(context.Context, *gateway.RefundRequest) (*gateway.RefundResult, error) {
		return nil, errors.New("gateway 500")
	}

	_, err = fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "r"})
	assert.ErrorIs(t, err, apperrors.ErrGatewayUnavailable)

	stored, err := fx.ledger.GetPaymentByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, stored.Status)
}

func TestRefundAsyncGatewayFailureProceeds(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)
	_, err := fx.ledger.MarkCompleted(context.Background(), resp.TransactionID, "gwtxn", time.Now())
	require.NoError(t, err)

	fx.adapter.refundFn = func(context.Context, *gateway.RefundRequest) (*gateway.RefundResult, error) {
		return nil, errors.New("api unreachable")
	}

	refunded, err := fx.service.Refund(context.Background(), resp.TransactionID, &RefundPaymentRequest{Reason: "r"})
	require.NoError(t, err)
	assert.Equal(t, string(domain.StatusRefunded), refunded.Status)
}

// --- Queries ---

func TestFindByTransactionID(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	resp := fx.createIntent(t)

	found, err := fx.service.FindByTransactionID(context.Background(), resp.TransactionID)
	require.NoError(t, err)
	assert.Equal(t, resp.TransactionID, found.TransactionID)
	assert.Equal(t, string(domain.StatusPending), found.Status)

	_, err = fx.service.FindByTransactionID(context.Background(), "MISSING")
	assert.ErrorIs(t, err, ErrPaymentNotFound)
}

func TestListPayments(t *testing.T) {
	fx := newServiceFixture(t, domain.GatewayRedirect, false)
	fx.createIntent(t)

	resp, err := fx.service.ListPayments(context.Background(), fx.userID, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), resp.Total)
	assert.Equal(t, 1, resp.Page)
	assert.Len(t, resp.Payments, 1)
}
