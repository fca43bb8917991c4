package server

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthMiddleware(t *testing.T) {
	tests := []struct {
		name           string
		masterKey      string
		authHeader     string
		expectedStatus int
		expectedBody   string
	}{
		{
			name:           "no master key configured - allows request",
			masterKey:      "",
			authHeader:     "",
			expectedStatus: http.StatusOK,
			expectedBody:   "ok",
		},
		{
			name:           "valid master key - allows request",
			masterKey:      "secret-key-123",
			authHeader:     "Bearer secret-key-123",
			expectedStatus: http.StatusOK,
			expectedBody:   "ok",
		},
		{
			name:           "missing authorization header - denies request",
			masterKey:      "secret-key-123",
			authHeader:     "",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"missing authorization header","type":"authentication_error"}}`,
		},
		{
			name:           "invalid authorization format - denies request",
			masterKey:      "secret-key-123",
			authHeader:     "secret-key-123",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid authorization header format, expected 'Bearer <token>'","type":"authentication_error"}}`,
		},
		{
			name:           "invalid master key - denies request",
			masterKey:      "secret-key-123",
			authHeader:     "Bearer wrong-key",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid master key","type":"authentication_error"}}`,
		},
		{
			name:           "empty bearer token - denies request",
			masterKey:      "secret-key-123",
			authHeader:     "Bearer ",
			expectedStatus: http.StatusUnauthorized,
			expectedBody:   `{"error":{"message":"invalid master key","type":"authentication_error"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := echo.New()
			testHandler := func(c echo.Context) error {
				return c.String(http.StatusOK, "ok")
			}
			handler := AuthMiddleware(tt.masterKey)(testHandler)

			req := httptest.NewRequest(http.MethodPut, "/", nil)
			if tt.authHeader != "" {
				req.Header.Set("Authorization", tt.authHeader)
			}
			rec := httptest.NewRecorder()
			c := e.NewContext(req, rec)

			err := handler(c)

			require.NoError(t, err)
			assert.Equal(t, tt.expectedStatus, rec.Code)
			if tt.expectedStatus == http.StatusOK {
				assert.Equal(t, tt.expectedBody, rec.Body.String())
			} else {
				assert.JSONEq(t, tt.expectedBody, rec.Body.String())
			}
		})
	}
}
