package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type observation struct {
	method string
	path   string
	status int
}

type observerStub struct {
	seen []observation
}

func (o *observerStub) ObserveHTTPRequest(method, path string, status int, duration time.Duration) {
	o.seen = append(o.seen, observation{method: method, path: path, status: status})
}

func TestMetricsLabelsRouteTemplate(t *testing.T) {
	gin.SetMode(gin.TestMode)
	observer := &observerStub{}
	router := gin.New()
	router.Use(Metrics(observer))
	router.GET("/jobs/:id", func(c *gin.Context) { c.Status(http.StatusAccepted) })

	for _, path := range []string{"/jobs/abc", "/nowhere"} {
		router.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, path, nil))
	}

	require.Len(t, observer.seen, 2)
	assert.Equal(t, observation{method: http.MethodGet, path: "/jobs/:id", status: http.StatusAccepted}, observer.seen[0])
	assert.Equal(t, unmatchedPath, observer.seen[1].path)
	assert.Equal(t, http.StatusNotFound, observer.seen[1].status)
}
