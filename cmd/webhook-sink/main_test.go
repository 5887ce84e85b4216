package main

import (
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

const deliveryBody = `{"event":"gps_update","data":{"lat":12.9716,"imei":"IMEI1"},"timestamp":"2024-01-01T12:00:00Z"}`

func TestMain(m *testing.M) {
	gin.SetMode(gin.TestMode)
	os.Exit(m.Run())
}

func post(handler http.Handler, path, body, auth string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if auth != "" {
		req.Header.Set("Authorization", auth)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestSinkHandleEvents(t *testing.T) {
	tests := []struct {
		name       string
		apiKey     string
		failRate   int
		path       string
		method     string
		body       string
		auth       string
		statusCode int
	}{
		{name: "accepts delivery", body: deliveryBody, statusCode: http.StatusOK},
		{name: "rejects invalid JSON", body: "{", statusCode: http.StatusBadRequest},
		{name: "requires bearer token", apiKey: "secret", body: deliveryBody, statusCode: http.StatusUnauthorized},
		{name: "accepts matching token", apiKey: "secret", body: deliveryBody, auth: "Bearer secret", statusCode: http.StatusOK},
		{name: "simulates failure", failRate: 1, body: deliveryBody, statusCode: http.StatusServiceUnavailable},
		{name: "unknown path", path: "/other", body: deliveryBody, statusCode: http.StatusNotFound},
		{name: "GET not routed", method: http.MethodGet, statusCode: http.StatusNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := &sink{
				logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
				apiKey:   tt.apiKey,
				failRate: tt.failRate,
			}
			router := s.newRouter("events")

			path := tt.path
			if path == "" {
				path = "/events"
			}

			var rec *httptest.ResponseRecorder
			if tt.method == http.MethodGet {
				rec = httptest.NewRecorder()
				router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
			} else {
				rec = post(router, path, tt.body, tt.auth)
			}

			assert.Equal(t, tt.statusCode, rec.Code)
		})
	}
}

func TestSinkFailEveryNth(t *testing.T) {
	s := &sink{logger: slog.New(slog.NewTextHandler(io.Discard, nil)), failRate: 2}
	router := s.newRouter("/events")

	codes := make([]int, 0, 4)
	for i := 0; i < 4; i++ {
		codes = append(codes, post(router, "/events", deliveryBody, "").Code)
	}

	assert.Equal(t, []int{200, 503, 200, 503}, codes)
	assert.Equal(t, uint64(4), s.received.Load())
}
