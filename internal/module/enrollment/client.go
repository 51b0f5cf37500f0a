package enrollment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/sony/gobreaker/v2"
	"go.uber.org/zap"
)

// Client grants course access through the learning platform's enrollment
// API. Callers treat a failure as best effort; the client's job is to
// fail fast and loudly, not to retry. The breaker keeps a down platform
// from stalling confirmation handling.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[struct{}]
	logger  *zap.Logger
}

// Config holds enrollment client configuration.
type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

// NewClient creates a new enrollment client. A missing base URL is a
// configuration error and fatal at startup.
func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("enrollment: base url not configured")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	settings := gobreaker.Settings{
		Name:        "enrollment-api",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
	}

	return &Client{
		baseURL: cfg.BaseURL,
		token:   cfg.Token,
		client:  &http.Client{Timeout: cfg.Timeout},
		breaker: gobreaker.NewCircuitBreaker[struct{}](settings),
		logger:  logger,
	}, nil
}

type enrollRequest struct {
	UserID    uuid.UUID `json:"user_id"`
	CourseID  uuid.UUID `json:"course_id"`
	PaymentID uuid.UUID `json:"payment_id"`
	Source    string    `json:"source"`
}

// Enroll grants the user access to the course. Idempotent on the platform
// side: the payment ID deduplicates repeated grants.
func (c *Client) Enroll(ctx context.Context, userID, courseID, paymentID uuid.UUID) error {
	payload, err := json.Marshal(enrollRequest{
		UserID:    userID,
		CourseID:  courseID,
		PaymentID: paymentID,
		Source:    "payment",
	})
	if err != nil {
		return fmt.Errorf("enrollment: encode request: %w", err)
	}

	_, err = c.breaker.Execute(func() (struct{}, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/enrollments", bytes.NewReader(payload))
		if err != nil {
			return struct{}{}, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.token != "" {
			req.Header.Set("Authorization", "Bearer "+c.token)
		}

		resp, err := c.client.Do(req)
		if err != nil {
			return struct{}{}, err
		}
		defer resp.Body.Close()
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

		// 409 means the enrollment already exists, which is success for
		// a redelivered grant.
		if resp.StatusCode >= 200 && resp.StatusCode < 300 || resp.StatusCode == http.StatusConflict {
			return struct{}{}, nil
		}
		return struct{}{}, fmt.Errorf("enrollment api returned status %d", resp.StatusCode)
	})
	if err != nil {
		return fmt.Errorf("enrollment: %w", err)
	}

	c.logger.Info("enrollment granted",
		zap.String("user_id", userID.String()),
		zap.String("course_id", courseID.String()),
		zap.String("payment_id", paymentID.String()))
	return nil
}
