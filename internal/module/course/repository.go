package course

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// ErrCourseNotFound is returned when a course does not exist.
var ErrCourseNotFound = errors.New("course not found")

// Repository defines the interface for course data access.
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*Course, error)
	ListPublished(ctx context.Context, limit, offset int) ([]*Course, int64, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository creates a new course repository.
func NewRepository(db *gorm.DB) Repository {
	return &repository{db: db}
}

func (r *repository) GetByID(ctx context.Context, id uuid.UUID) (*Course, error) {
	var course Course
	err := r.db.WithContext(ctx).First(&course, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCourseNotFound
		}
		return nil, fmt.Errorf("get course: %w", err)
	}
	return &course, nil
}

func (r *repository) ListPublished(ctx context.Context, limit, offset int) ([]*Course, int64, error) {
	var total int64
	query := r.db.WithContext(ctx).Model(&Course{}).Where("published = ?", true)
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, fmt.Errorf("count courses: %w", err)
	}

	var courses []*Course
	err := query.
		Order("created_at DESC").
		Limit(limit).
		Offset(offset).
		Find(&courses).Error
	if err != nil {
		return nil, 0, fmt.Errorf("list courses: %w", err)
	}
	return courses, total, nil
}
