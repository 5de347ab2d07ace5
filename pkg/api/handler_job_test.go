package api

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	echo "github.com/labstack/echo/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// validationServer has no backing services wired; only request validation
// paths that return before any service call are exercised.
func validationServer(t *testing.T) (*Server, *echo.Echo) {
	t.Helper()
	s := &Server{logger: slog.Default()}
	e := echo.New()
	e.POST("/api/v1/projects/:project/threads/:thread/jobs", s.createJobHandler)
	e.POST("/api/v1/projects/:project/query/stream", s.queryStreamHandler)
	return s, e
}

func TestCreateJobValidation(t *testing.T) {
	_, e := validationServer(t)

	t.Run("missing question is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/projects/p1/threads/t1/jobs", strings.NewReader(`{}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "question is required")
	})

	t.Run("oversized question is rejected", func(t *testing.T) {
		body := `{"question":"` + strings.Repeat("q", maxQuestionLen+1) + `"}`
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/projects/p1/threads/t1/jobs", strings.NewReader(body))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "maximum length")
	})

	t.Run("malformed body is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/projects/p1/threads/t1/jobs", strings.NewReader(`{not json`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestQueryStreamValidation(t *testing.T) {
	_, e := validationServer(t)

	t.Run("missing thread_id is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/projects/p1/query/stream", strings.NewReader(`{"question":"hi"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "thread_id is required")
	})

	t.Run("missing question without job_id is rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodPost,
			"/api/v1/projects/p1/query/stream", strings.NewReader(`{"thread_id":"t1"}`))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Contains(t, rec.Body.String(), "question is required")
	})
}

func TestScopeParams(t *testing.T) {
	e := echo.New()

	t.Run("missing ids are rejected", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		_, _, err := scopeParams(c)
		require.Error(t, err)
		he, ok := err.(*echo.HTTPError)
		require.True(t, ok)
		assert.Equal(t, http.StatusBadRequest, he.Code)
	})
}
