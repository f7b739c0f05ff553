package webhook

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterDispatchUnregister(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Register("/wecom", func(c echo.Context) error {
		return c.String(http.StatusOK, "ok")
	}))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/wecom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	// POST hits the same handler.
	resp, err = http.Post(srv.URL+"/wecom", "application/xml", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	s.Unregister("/wecom")
	resp, err = http.Get(srv.URL + "/wecom")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRegisterConflicts(t *testing.T) {
	s := New(zerolog.Nop())
	h := func(c echo.Context) error { return nil }
	require.NoError(t, s.Register("/wecom", h))
	assert.Error(t, s.Register("/wecom", h))
	assert.Error(t, s.Register("no-slash", h))
}

func TestHealthz(t *testing.T) {
	s := New(zerolog.Nop())
	require.NoError(t, s.Register("/a", func(c echo.Context) error { return nil }))

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}
