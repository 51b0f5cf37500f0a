package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/coursehub/server/internal/module/payment/domain"
	"github.com/coursehub/server/internal/module/payment/entity"
)

// Repository is the payment ledger's data access interface. Status
// transitions are conditional single-statement updates; the boolean return
// reports whether this call performed the transition, which is what gates
// the side effects that must run exactly once.
type Repository interface {
	// Payment operations
	CreatePayment(ctx context.Context, payment *domain.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error)
	GetPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error)
	HasCompletedPayment(ctx context.Context, userID, courseID uuid.UUID) (bool, error)
	SetGatewayIntent(ctx context.Context, id uuid.UUID, intentID string) error
	ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Payment, int64, error)

	// Ledger transitions
	MarkCompleted(ctx context.Context, transactionID, gatewayTransactionID string, paidAt time.Time) (bool, error)
	MarkFailed(ctx context.Context, transactionID, code, reason string) (bool, error)
	MarkRefunded(ctx context.Context, transactionID, reason string, refundedAt time.Time) (bool, error)

	// Saved payment methods
	SavePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error
	ListPaymentMethods(ctx context.Context, userID uuid.UUID) ([]*domain.PaymentMethod, error)
	DeletePaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error
	SetDefaultPaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error

	// Gateway event journal
	CreateGatewayEvent(ctx context.Context, event *domain.GatewayEvent) error
}

type repository struct {
	db *gorm.DB
	sm *domain.StateMachine
}

// NewRepository creates a new payment repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db, sm: domain.NewStateMachine()}
}

// --- Payment Operations ---

func (r *repository) CreatePayment(ctx context.Context, payment *domain.Payment) error {
	ent := entity.FromDomainPayment(payment)
	if err := r.db.WithContext(ctx).Create(ent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrDuplicateTransactionID
		}
		return fmt.Errorf("create payment: %w", err)
	}
	payment.CreatedAt = ent.CreatedAt
	return nil
}

func (r *repository) GetPayment(ctx context.Context, id uuid.UUID) (*domain.Payment, error) {
	var ent entity.PaymentEntity
	err := r.db.WithContext(ctx).First(&ent, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return ent.ToDomain(), nil
}

func (r *repository) GetPaymentByTransactionID(ctx context.Context, transactionID string) (*domain.Payment, error) {
	var ent entity.PaymentEntity
	err := r.db.WithContext(ctx).First(&ent, "transaction_id = ?", transactionID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrPaymentNotFound
		}
		return nil, fmt.Errorf("get payment by transaction id: %w", err)
	}
	return ent.ToDomain(), nil
}

func (r *repository) HasCompletedPayment(ctx context.Context, userID, courseID uuid.UUID) (bool, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&entity.PaymentEntity{}).
		Where("user_id = ? AND course_id = ? AND status = ?", userID, courseID, string(domain.StatusCompleted)).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check completed payment: %w", err)
	}
	return count > 0, nil
}

func (r *repository) SetGatewayIntent(ctx context.Context, id uuid.UUID, intentID string) error {
	err := r.db.WithContext(ctx).
		Model(&entity.PaymentEntity{}).
		Where("id = ?", id).
		Update("gateway_intent_id", intentID).Error
	if err != nil {
		return fmt.Errorf("set gateway intent: %w", err)
	}
	return nil
}

func (r *repository) ListPaymentsByUser(ctx context.Context, userID uuid.UUID, limit, offset int) ([]*domain.Payment, int64, error) {
	var total int64
	query := r.db.WithContext(ctx).
		Model(&entity.PaymentEntity{}).
		Where("user_id = ?", userID)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count payments: %w", err)
	}

	var entities []*entity.PaymentEntity
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&entities).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list payments: %w", err)
	}

	payments := make([]*domain.Payment, len(entities))
	for i, ent := range entities {
		payments[i] = ent.ToDomain()
	}
	return payments, total, nil
}

// --- Ledger Transitions ---

// transition performs one conditional update: the status only changes when
// the current status is a legal source for the target. RowsAffected
// distinguishes the caller that won the transition from redeliveries and
// concurrent losers, without a lock or a read-modify-write window.
func (r *repository) transition(ctx context.Context, transactionID string, to domain.Status, updates map[string]any) (bool, error) {
	sources := r.sm.SourcesFor(to)
	from := make([]string, len(sources))
	for i, s := range sources {
		from[i] = string(s)
	}

	updates["status"] = string(to)
	res := r.db.WithContext(ctx).
		Model(&entity.PaymentEntity{}).
		Where("transaction_id = ? AND status IN ?", transactionID, from).
		Updates(updates)
	if res.Error != nil {
		return false, fmt.Errorf("transition to %s: %w", to, res.Error)
	}
	if res.RowsAffected == 1 {
		return true, nil
	}

	// Nothing moved: either the payment does not exist or it is already
	// past this edge. Callers need to tell those apart.
	var count int64
	if err := r.db.WithContext(ctx).
		Model(&entity.PaymentEntity{}).
		Where("transaction_id = ?", transactionID).
		Count(&count).Error; err != nil {
		return false, fmt.Errorf("transition to %s: %w", to, err)
	}
	if count == 0 {
		return false, ErrPaymentNotFound
	}
	return false, nil
}

func (r *repository) MarkCompleted(ctx context.Context, transactionID, gatewayTransactionID string, paidAt time.Time) (bool, error) {
	return r.transition(ctx, transactionID, domain.StatusCompleted, map[string]any{
		"gateway_transaction_id": gatewayTransactionID,
		"paid_at":                paidAt,
	})
}

func (r *repository) MarkFailed(ctx context.Context, transactionID, code, reason string) (bool, error) {
	return r.transition(ctx, transactionID, domain.StatusFailed, map[string]any{
		"failure_code":   code,
		"failure_reason": reason,
	})
}

func (r *repository) MarkRefunded(ctx context.Context, transactionID, reason string, refundedAt time.Time) (bool, error) {
	return r.transition(ctx, transactionID, domain.StatusRefunded, map[string]any{
		"refund_reason": reason,
		"refunded_at":   refundedAt,
	})
}

// --- Saved Payment Methods ---

func (r *repository) SavePaymentMethod(ctx context.Context, method *domain.PaymentMethod) error {
	ent := entity.FromDomainPaymentMethod(method)
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
		method.ID = ent.ID
	}
	if err := r.db.WithContext(ctx).Create(ent).Error; err != nil {
		return fmt.Errorf("save payment method: %w", err)
	}
	return nil
}

func (r *repository) ListPaymentMethods(ctx context.Context, userID uuid.UUID) ([]*domain.PaymentMethod, error) {
	var entities []*entity.PaymentMethodEntity
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Find(&entities).Error
	if err != nil {
		return nil, fmt.Errorf("list payment methods: %w", err)
	}

	methods := make([]*domain.PaymentMethod, len(entities))
	for i, ent := range entities {
		methods[i] = ent.ToDomain()
	}
	return methods, nil
}

func (r *repository) DeletePaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error {
	res := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", methodID, userID).
		Delete(&entity.PaymentMethodEntity{})
	if res.Error != nil {
		return fmt.Errorf("delete payment method: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrMethodNotFound
	}
	return nil
}

func (r *repository) SetDefaultPaymentMethod(ctx context.Context, userID, methodID uuid.UUID) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Model(&entity.PaymentMethodEntity{}).
			Where("id = ? AND user_id = ?", methodID, userID).
			Update("is_default", true)
		if res.Error != nil {
			return fmt.Errorf("set default payment method: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrMethodNotFound
		}
		err := tx.Model(&entity.PaymentMethodEntity{}).
			Where("user_id = ? AND id <> ?", userID, methodID).
			Update("is_default", false).Error
		if err != nil {
			return fmt.Errorf("clear default payment methods: %w", err)
		}
		return nil
	})
}

// --- Gateway Event Journal ---

func (r *repository) CreateGatewayEvent(ctx context.Context, event *domain.GatewayEvent) error {
	ent := entity.FromDomainGatewayEvent(event)
	if ent.ID == uuid.Nil {
		ent.ID = uuid.New()
	}
	if ent.ReceivedAt.IsZero() {
		ent.ReceivedAt = time.Now()
	}
	if err := r.db.WithContext(ctx).Create(ent).Error; err != nil {
		if isUniqueViolation(err) {
			return ErrEventExists
		}
		return fmt.Errorf("journal gateway event: %w", err)
	}
	return nil
}

// isUniqueViolation reports a Postgres unique constraint violation.
func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	return errors.As(err, &pqErr) && pqErr.Code == "23505"
}
