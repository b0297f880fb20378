package metrics

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	assert.NotPanics(t, func() {
		m.RecordHTTPRequest("GET", "/", "200", time.Millisecond)
		m.SetObservers(3)
		m.IncEventPublished("server_status")
		m.IncObserverDropped()
		m.IncConsoleLine("stdout")
		m.IncDecoded("utf-8", false)
		m.RecordControl("start", nil)
		m.SetState("running", []string{"stopped", "running"})
		m.SetTPS(20)
		m.SetPlayers(1)
	})

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetrics(t *testing.T) {
	m := New()

	t.Run("control operations split by result", func(t *testing.T) {
		m.RecordControl("start", nil)
		m.RecordControl("start", errors.New("boom"))
		m.RecordControl("start", errors.New("boom"))

		assert.Equal(t, 1.0, testutil.ToFloat64(m.ControlOps.WithLabelValues("start", "ok")))
		assert.Equal(t, 2.0, testutil.ToFloat64(m.ControlOps.WithLabelValues("start", "error")))
	})

	t.Run("state gauge is one-hot", func(t *testing.T) {
		all := []string{"stopped", "starting", "running"}
		m.SetState("running", all)
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ServerState.WithLabelValues("running")))
		assert.Equal(t, 0.0, testutil.ToFloat64(m.ServerState.WithLabelValues("stopped")))

		m.SetState("stopped", all)
		assert.Equal(t, 0.0, testutil.ToFloat64(m.ServerState.WithLabelValues("running")))
		assert.Equal(t, 1.0, testutil.ToFloat64(m.ServerState.WithLabelValues("stopped")))
	})

	t.Run("handler exposes the private registry", func(t *testing.T) {
		m.SetTPS(19.5)

		rec := httptest.NewRecorder()
		m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "mcpanel_server_tps 19.5")
	})
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	m := New()

	r := gin.New()
	r.Use(Middleware(m))
	r.GET("/api/server/status", func(c *gin.Context) { c.Status(http.StatusOK) })

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/server/status", nil))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/nope", nil))

	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "/api/server/status", "200")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RequestsTotal.WithLabelValues("GET", "unmatched", "404")))
}
