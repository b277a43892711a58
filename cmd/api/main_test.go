package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func corsResponse(t *testing.T, mw gin.HandlerFunc, origin string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(mw)
	r.GET("/v1/events", func(c *gin.Context) { c.Status(http.StatusOK) })

	req := httptest.NewRequest(http.MethodGet, "/v1/events", nil)
	req.Header.Set("Origin", origin)
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	return rec
}

func TestCORS(t *testing.T) {
	tests := []struct {
		name            string
		origins         []string
		production      bool
		origin          string
		wantOrigin      string
		wantCredentials string
	}{
		{
			name:            "listed origin gets credentials",
			origins:         []string{"https://gate.example.edu"},
			production:      true,
			origin:          "https://gate.example.edu",
			wantOrigin:      "https://gate.example.edu",
			wantCredentials: "true",
		},
		{
			name:       "unlisted origin",
			origins:    []string{"https://gate.example.edu"},
			production: true,
			origin:     "https://evil.example.com",
		},
		{
			name:       "production without a list allows nobody",
			production: true,
			origin:     "https://evil.example.com",
		},
		{
			name:       "development without a list allows anyone without credentials",
			origin:     "http://localhost:5173",
			wantOrigin: "*",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := corsResponse(t, corsMiddleware(tt.origins, tt.production), tt.origin)
			assert.Equal(t, tt.wantOrigin, rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, tt.wantCredentials, rec.Header().Get("Access-Control-Allow-Credentials"))
		})
	}
}
