// Package api holds the JSON helpers shared by the admin listeners.
package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Error is the body of every failed admin request.
type Error struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Result wraps single-value answers, e.g. {"result": "ok"}.
type Result struct {
	Result any `json:"result"`
}

func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func Fail(w http.ResponseWriter, status int, msg string) {
	JSON(w, status, Error{Error: msg, Code: status})
}

func OK(w http.ResponseWriter, v any) {
	JSON(w, http.StatusOK, Result{Result: v})
}

// Require returns the named query parameter or writes a 400 and "".
func Require(w http.ResponseWriter, r *http.Request, name string) string {
	v := r.URL.Query().Get(name)
	if v == "" {
		Fail(w, http.StatusBadRequest, "missing parameter: "+name)
	}
	return v
}

// TTL parses the optional ttl query parameter (seconds).
func TTL(r *http.Request) (time.Duration, error) {
	raw := r.URL.Query().Get("ttl")
	if raw == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || n < 0 {
		return 0, strconv.ErrSyntax
	}
	return time.Duration(n) * time.Second, nil
}

// Methods rejects requests whose method is not listed.
func Methods(h http.HandlerFunc, methods ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range methods {
			if r.Method == m {
				h(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(methods, ", "))
		Fail(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

// Health answers liveness probes.
func Health(started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		JSON(w, http.StatusOK, map[string]any{
			"status":     "ok",
			"uptime_sec": int64(time.Since(started).Seconds()),
		})
	}
}
