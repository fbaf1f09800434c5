package stats

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStatsUpdater(t *testing.T) {
	mux := http.NewServeMux()
	su := NewStatsUpdater(mux)
	assert.NotNil(t, su, "expected StatsUpdater to be non-nil")
	assert.NotNil(t, su.updateChan, "expected updateChan to be initialized")
	handler, pattern := mux.Handler(&http.Request{URL: &url.URL{Path: "/debug/vars"}, Method: http.MethodGet})
	assert.NotNil(t, handler, "expected handler for /debug/vars to be set")
	assert.Equal(t, "GET /debug/vars", pattern, "expected handler to be registered for GET method on /debug/vars")
}

func TestStatsUpdater_IncrDecr(t *testing.T) {
	su := NewStatsUpdater(nil)
	su.Run()
	defer su.Stop()

	su.Incr(NumUploadAttempts)
	su.Incr(NumUploadAttempts)
	su.Decr(NumUploadAttempts)

	assert.Eventually(t, func() bool {
		return su.Get(NumUploadAttempts) == 1
	}, time.Second, 5*time.Millisecond, "expected counter to settle at 1")
}

func TestStatsUpdater_unknownMetric(t *testing.T) {
	su := NewStatsUpdater(nil)
	su.Run()
	defer su.Stop()

	assert.NotPanics(t, func() { su.Incr("DoesNotExist") })
	assert.Equal(t, int64(0), su.Get("DoesNotExist"))
}

func TestStatsUpdater_expvarHandler(t *testing.T) {
	mux := http.NewServeMux()
	NewStatsUpdater(mux)

	rr := httptest.NewRecorder()
	mux.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/debug/vars", nil))
	assert.Equal(t, http.StatusOK, rr.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Contains(t, body, "Uptime")
	assert.Contains(t, body, NumReconnects)
}
