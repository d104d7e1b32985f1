package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/3liz/qjazz/internal/dispatch"
	"github.com/3liz/qjazz/internal/logging"
)

func TestRegisterServesPoolGaugesOnScrape(t *testing.T) {
	pool := dispatch.New(dispatch.Config{NumProcesses: 3}, logging.New("error"))
	handler := Register(pool, time.Now().Add(-time.Minute))

	req := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	require.Contains(t, body, "qjazz_children_total 0")
	require.Contains(t, body, "qjazz_uptime_seconds")
	require.Contains(t, body, "qjazz_failure_pressure")
}
