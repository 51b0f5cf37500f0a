package enrollment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNewClientRequiresBaseURL(t *testing.T) {
	_, err := NewClient(Config{}, zap.NewNop())
	assert.Error(t, err)
}

func TestEnroll(t *testing.T) {
	var got enrollRequest
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/enrollments", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Token: "svc-token", Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)

	userID, courseID, paymentID := uuid.New(), uuid.New(), uuid.New()
	require.NoError(t, c.Enroll(context.Background(), userID, courseID, paymentID))

	assert.Equal(t, "Bearer svc-token", gotAuth)
	assert.Equal(t, userID, got.UserID)
	assert.Equal(t, courseID, got.CourseID)
	assert.Equal(t, paymentID, got.PaymentID)
}

func TestEnrollTreatsConflictAsSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	assert.NoError(t, c.Enroll(context.Background(), uuid.New(), uuid.New(), uuid.New()))
}

func TestEnrollSurfacesAPIFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	c, err := NewClient(Config{BaseURL: srv.URL, Timeout: time.Second}, zap.NewNop())
	require.NoError(t, err)
	assert.Error(t, c.Enroll(context.Background(), uuid.New(), uuid.New(), uuid.New()))
}
