package health

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakePinger struct {
	err error
}

func (f *fakePinger) Ping(ctx context.Context) error {
	return f.err
}

func serveProbe(t *testing.T, handler func(*gin.Context), path string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)

	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest("GET", path, nil)

	handler(c)
	return w
}

func TestLivenessAlwaysSucceeds(t *testing.T) {
	// Even with every dependency down, liveness reports the process alive.
	h := NewHandler(&fakePinger{err: errors.New("down")}, &fakePinger{err: errors.New("down")})

	w := serveProbe(t, h.Liveness, "/health/live")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "alive")
	assert.Contains(t, w.Body.String(), "timestamp")
}

func TestReadinessAllHealthy(t *testing.T) {
	h := NewHandler(&fakePinger{}, &fakePinger{})

	w := serveProbe(t, h.Readiness, "/health/ready")

	require.Equal(t, http.StatusOK, w.Code)
	body := w.Body.String()
	assert.Contains(t, body, "ready")
	assert.Contains(t, body, "store")
	assert.Contains(t, body, "relay")
	assert.Contains(t, body, "healthy")
}

func TestReadinessFailsWhenStoreDown(t *testing.T) {
	h := NewHandler(&fakePinger{err: errors.New("connection refused")}, nil)

	w := serveProbe(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), "unavailable")
	assert.Contains(t, w.Body.String(), "unhealthy")
}

func TestReadinessRelayOptional(t *testing.T) {
	// Single-instance mode: no relay configured.
	h := NewHandler(&fakePinger{}, nil)

	w := serveProbe(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "disabled")
}

func TestReadinessSurvivesRelayOutage(t *testing.T) {
	// A down relay degrades fan-out but must not flip readiness.
	h := NewHandler(&fakePinger{}, &fakePinger{err: errors.New("broken pipe")})

	w := serveProbe(t, h.Readiness, "/health/ready")

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ready")
	assert.Contains(t, w.Body.String(), "unhealthy")
}
