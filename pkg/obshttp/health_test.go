package obshttp

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHealth_AllHealthy(t *testing.T) {
	h := NewHealthChecker("storage", "mqtt_session")
	h.UpdateComponent("storage", true, "")
	h.UpdateComponent("mqtt_session", true, "")

	status := h.Health()
	assert.Equal(t, "healthy", status.Status)
	assert.Equal(t, "healthy", status.Components["storage"])
}

func TestHealth_OneUnhealthyDegradesStatus(t *testing.T) {
	h := NewHealthChecker("storage")
	h.UpdateComponent("storage", false, "wal open failed")

	status := h.Health()
	assert.Equal(t, "degraded", status.Status)
	assert.Contains(t, status.Components["storage"], "wal open failed")
}

func TestReadiness_NotReadyUntilCriticalComponentsRegistered(t *testing.T) {
	h := NewHealthChecker("storage", "mqtt_session")
	h.UpdateComponent("storage", true, "")

	status := h.Readiness()
	assert.Equal(t, "not_ready", status.Status)
	assert.Equal(t, "not registered", status.Components["mqtt_session"])

	h.UpdateComponent("mqtt_session", true, "")
	status = h.Readiness()
	assert.Equal(t, "ready", status.Status)
}

func TestLiveHandler_AlwaysReturns200(t *testing.T) {
	h := NewHealthChecker()
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/live", nil)

	h.liveHandler()(rec, req)
	assert.Equal(t, 200, rec.Code)
	assert.Contains(t, rec.Body.String(), "alive")
}

func TestReadyHandler_ReturnsServiceUnavailableWhenNotReady(t *testing.T) {
	h := NewHealthChecker("storage")
	rec := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/ready", nil)

	h.readyHandler()(rec, req)
	assert.Equal(t, 503, rec.Code)
}
