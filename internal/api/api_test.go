package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailWritesStructuredError(t *testing.T) {
	rec := httptest.NewRecorder()
	Fail(rec, http.StatusNotFound, "user not connected")

	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
	var body Error
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, Error{Error: "user not connected", Code: 404}, body)
}

func TestRequire(t *testing.T) {
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/offmsg", nil)
	assert.Empty(t, Require(rec, req, "uid"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "missing parameter: uid")

	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/offmsg?uid=u1", nil)
	assert.Equal(t, "u1", Require(rec, req, "uid"))
}

func TestTTL(t *testing.T) {
	ttl, err := TTL(httptest.NewRequest(http.MethodGet, "/pub?ttl=30", nil))
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, ttl)

	ttl, err = TTL(httptest.NewRequest(http.MethodGet, "/pub", nil))
	require.NoError(t, err)
	assert.Zero(t, ttl)

	_, err = TTL(httptest.NewRequest(http.MethodGet, "/pub?ttl=-1", nil))
	assert.Error(t, err)
}

func TestMethods(t *testing.T) {
	h := Methods(func(w http.ResponseWriter, r *http.Request) { OK(w, "ok") }, http.MethodPost)

	rec := httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodGet, "/pub", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, "POST", rec.Header().Get("Allow"))

	rec = httptest.NewRecorder()
	h(rec, httptest.NewRequest(http.MethodPost, "/pub", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"result":"ok"}`, rec.Body.String())
}
