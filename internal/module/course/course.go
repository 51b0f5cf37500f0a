package course

import (
	"time"

	"github.com/google/uuid"
)

// Course is the catalog entry payments are charged against. Price is in
// the currency's minor unit and is the single source of truth for what a
// purchase costs; client-submitted amounts are never trusted.
type Course struct {
	ID          uuid.UUID `gorm:"type:uuid;primaryKey;default:gen_random_uuid()" json:"id"`
	Name        string    `gorm:"not null" json:"name"`
	Description string    `json:"description"`
	Price       int64     `gorm:"not null" json:"price"`
	Currency    string    `gorm:"not null" json:"currency"`
	Published   bool      `gorm:"default:false;index" json:"published"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// TableName returns the database table name.
func (Course) TableName() string {
	return "courses"
}
