package course

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const cacheKeyPrefix = "course:"

// Service reads the course catalog with a Redis read-through cache.
// Course prices change rarely and are read on every purchase, so a short
// TTL keeps the purchase path off the database without risking stale
// prices for long.
type Service struct {
	repo     Repository
	redis    goredis.UniversalClient
	cacheTTL time.Duration
	logger   *zap.Logger
}

// NewService creates a new course service. The redis client may be nil,
// in which case every read goes to the database.
func NewService(repo Repository, redis goredis.UniversalClient, cacheTTL time.Duration, logger *zap.Logger) *Service {
	if cacheTTL <= 0 {
		cacheTTL = 5 * time.Minute
	}
	return &Service{repo: repo, redis: redis, cacheTTL: cacheTTL, logger: logger}
}

// GetCourse returns a course by ID, from cache when possible.
func (s *Service) GetCourse(ctx context.Context, id uuid.UUID) (*Course, error) {
	if cached := s.fromCache(ctx, id); cached != nil {
		return cached, nil
	}

	course, err := s.repo.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	s.toCache(ctx, course)
	return course, nil
}

// ListPublished returns a page of published courses.
func (s *Service) ListPublished(ctx context.Context, limit, offset int) ([]*Course, int64, error) {
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.repo.ListPublished(ctx, limit, offset)
}

func (s *Service) fromCache(ctx context.Context, id uuid.UUID) *Course {
	if s.redis == nil {
		return nil
	}
	data, err := s.redis.Get(ctx, cacheKeyPrefix+id.String()).Bytes()
	if err != nil {
		return nil
	}
	var course Course
	if err := json.Unmarshal(data, &course); err != nil {
		return nil
	}
	return &course
}

func (s *Service) toCache(ctx context.Context, course *Course) {
	if s.redis == nil {
		return
	}
	data, err := json.Marshal(course)
	if err != nil {
		return
	}
	if err := s.redis.Set(ctx, cacheKeyPrefix+course.ID.String(), data, s.cacheTTL).Err(); err != nil {
		s.logger.Debug("course cache write failed", zap.Error(err))
	}
}
