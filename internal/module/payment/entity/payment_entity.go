package entity

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/coursehub/server/internal/module/payment/domain"
)

// PaymentEntity is the GORM entity for Payment. TransactionID carries a
// unique index; the database, not the application, is the authority on
// transaction reference uniqueness.
type PaymentEntity struct {
	ID                   uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID               uuid.UUID `gorm:"type:uuid;not null;index"`
	CourseID             uuid.UUID `gorm:"type:uuid;not null;index"`
	Amount               int64     `gorm:"not null"`
	Currency             string    `gorm:"not null"`
	Gateway              string    `gorm:"not null;index"`
	Method               string
	Status               string `gorm:"not null;default:pending;index"`
	TransactionID        string `gorm:"uniqueIndex;not null"`
	GatewayIntentID      string `gorm:"index"`
	GatewayTransactionID string
	Metadata             string `gorm:"type:jsonb"`
	FailureCode          string
	FailureReason        string
	PaidAt               *time.Time
	RefundReason         string
	RefundedAt           *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
}

// TableName returns the database table name.
func (PaymentEntity) TableName() string {
	return "payments"
}

// ToDomain converts entity to domain Payment.
func (e *PaymentEntity) ToDomain() *domain.Payment {
	var meta map[string]string
	if e.Metadata != "" {
		_ = json.Unmarshal([]byte(e.Metadata), &meta)
	}
	return &domain.Payment{
		ID:                   e.ID,
		UserID:               e.UserID,
		CourseID:             e.CourseID,
		Amount:               e.Amount,
		Currency:             e.Currency,
		Gateway:              domain.Gateway(e.Gateway),
		Method:               domain.MethodType(e.Method),
		Status:               domain.Status(e.Status),
		TransactionID:        e.TransactionID,
		GatewayIntentID:      e.GatewayIntentID,
		GatewayTransactionID: e.GatewayTransactionID,
		Metadata:             meta,
		FailureCode:          e.FailureCode,
		FailureReason:        e.FailureReason,
		PaidAt:               e.PaidAt,
		RefundReason:         e.RefundReason,
		RefundedAt:           e.RefundedAt,
		CreatedAt:            e.CreatedAt,
		UpdatedAt:            e.UpdatedAt,
	}
}

// FromDomainPayment converts domain Payment to entity.
func FromDomainPayment(p *domain.Payment) *PaymentEntity {
	meta := "{}"
	if len(p.Metadata) > 0 {
		if b, err := json.Marshal(p.Metadata); err == nil {
			meta = string(b)
		}
	}
	return &PaymentEntity{
		ID:                   p.ID,
		UserID:               p.UserID,
		CourseID:             p.CourseID,
		Amount:               p.Amount,
		Currency:             p.Currency,
		Gateway:              string(p.Gateway),
		Method:               string(p.Method),
		Status:               string(p.Status),
		TransactionID:        p.TransactionID,
		GatewayIntentID:      p.GatewayIntentID,
		GatewayTransactionID: p.GatewayTransactionID,
		Metadata:             meta,
		FailureCode:          p.FailureCode,
		FailureReason:        p.FailureReason,
		PaidAt:               p.PaidAt,
		RefundReason:         p.RefundReason,
		RefundedAt:           p.RefundedAt,
		CreatedAt:            p.CreatedAt,
		UpdatedAt:            p.UpdatedAt,
	}
}

// PaymentMethodEntity is the GORM entity for a saved payment credential.
type PaymentMethodEntity struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	UserID       uuid.UUID `gorm:"type:uuid;not null;index"`
	Gateway      string    `gorm:"not null"`
	GatewayToken string    `gorm:"not null"`
	Brand        string
	Last4        string
	ExpMonth     int
	ExpYear      int
	IsDefault    bool `gorm:"default:false"`
	CreatedAt    time.Time
}

// TableName returns the database table name.
func (PaymentMethodEntity) TableName() string {
	return "payment_methods"
}

// ToDomain converts entity to domain PaymentMethod.
func (e *PaymentMethodEntity) ToDomain() *domain.PaymentMethod {
	return &domain.PaymentMethod{
		ID:           e.ID,
		UserID:       e.UserID,
		Gateway:      domain.Gateway(e.Gateway),
		GatewayToken: e.GatewayToken,
		Brand:        e.Brand,
		Last4:        e.Last4,
		ExpMonth:     e.ExpMonth,
		ExpYear:      e.ExpYear,
		IsDefault:    e.IsDefault,
		CreatedAt:    e.CreatedAt,
	}
}

// FromDomainPaymentMethod converts domain PaymentMethod to entity.
func FromDomainPaymentMethod(m *domain.PaymentMethod) *PaymentMethodEntity {
	return &PaymentMethodEntity{
		ID:           m.ID,
		UserID:       m.UserID,
		Gateway:      string(m.Gateway),
		GatewayToken: m.GatewayToken,
		Brand:        m.Brand,
		Last4:        m.Last4,
		ExpMonth:     m.ExpMonth,
		ExpYear:      m.ExpYear,
		IsDefault:    m.IsDefault,
		CreatedAt:    m.CreatedAt,
	}
}

// GatewayEventEntity is the GORM entity for a journaled gateway
// notification. EventID is unique per gateway so redeliveries surface as
// conflicts instead of duplicate rows.
type GatewayEventEntity struct {
	ID            uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()"`
	Gateway       string    `gorm:"not null;uniqueIndex:idx_gateway_event"`
	EventID       string    `gorm:"not null;uniqueIndex:idx_gateway_event"`
	EventType     string    `gorm:"not null"`
	TransactionID string    `gorm:"index"`
	Payload       string    `gorm:"type:jsonb"`
	ReceivedAt    time.Time
}

// TableName returns the database table name.
func (GatewayEventEntity) TableName() string {
	return "gateway_events"
}

// ToDomain converts entity to domain GatewayEvent.
func (e *GatewayEventEntity) ToDomain() *domain.GatewayEvent {
	return &domain.GatewayEvent{
		ID:            e.ID,
		Gateway:       domain.Gateway(e.Gateway),
		EventID:       e.EventID,
		EventType:     e.EventType,
		TransactionID: e.TransactionID,
		Payload:       []byte(e.Payload),
		ReceivedAt:    e.ReceivedAt,
	}
}

// FromDomainGatewayEvent converts domain GatewayEvent to entity.
func FromDomainGatewayEvent(ev *domain.GatewayEvent) *GatewayEventEntity {
	return &GatewayEventEntity{
		ID:            ev.ID,
		Gateway:       string(ev.Gateway),
		EventID:       ev.EventID,
		EventType:     ev.EventType,
		TransactionID: ev.TransactionID,
		Payload:       string(ev.Payload),
		ReceivedAt:    ev.ReceivedAt,
	}
}
