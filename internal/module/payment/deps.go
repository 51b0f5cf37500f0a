package payment

import (
	"context"

	"github.com/google/uuid"
)

// CourseReader is the slim view of the course catalog that payment
// processing needs. The interface lives here, with its consumer.
type CourseReader interface {
	// GetCourse returns course information by ID.
	GetCourse(ctx context.Context, id uuid.UUID) (*CourseInfo, error)
}

// CourseInfo contains only the course fields payment processing requires.
type CourseInfo struct {
	ID          uuid.UUID
	Name        string
	Description string
	Price       int64
	Currency    string
	Published   bool
}

// EnrollmentTrigger grants course access after a confirmed payment. The
// call is best effort: it fires at most once per payment, on the
// transition to completed, and a failure never rolls the payment back.
// Recovery from a failed trigger is an operator action.
type EnrollmentTrigger interface {
	Enroll(ctx context.Context, userID, courseID, paymentID uuid.UUID) error
}
