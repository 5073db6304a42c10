package logging

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigureLevels(t *testing.T) {
	defer log.SetLevel(log.InfoLevel)

	require.NoError(t, Configure("debug", ""))
	assert.Equal(t, log.DebugLevel, log.GetLevel())

	require.NoError(t, Configure("bogus", ""))
	assert.Equal(t, log.InfoLevel, log.GetLevel())
}

func TestConfigureCreatesLogDir(t *testing.T) {
	defer func() {
		log.SetOutput(os.Stderr)
		log.SetLevel(log.InfoLevel)
	}()

	dir := filepath.Join(t.TempDir(), "logs")
	require.NoError(t, Configure("info", dir))

	info, err := os.Stat(dir)
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}

func TestGinLogrusLoggerSetsRequestID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	engine := gin.New()
	engine.Use(GinLogrusLogger())
	engine.GET("/ping", func(c *gin.Context) { c.String(http.StatusOK, "pong") })

	rec := httptest.NewRecorder()
	engine.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ping", nil))
	assert.NotEmpty(t, rec.Header().Get("X-Request-Id"))

	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/ping", nil)
	req.Header.Set("X-Request-Id", "req-42")
	engine.ServeHTTP(rec, req)
	assert.Equal(t, "req-42", rec.Header().Get("X-Request-Id"))
}
