package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/danmuck/flightctl/internal/testutil/testlog"
	"github.com/gin-gonic/gin"
)

func TestStaticTokenValidate(t *testing.T) {
	testlog.Start(t)
	tests := []struct {
		name    string
		stored  string
		input   string
		wantErr error
	}{
		{name: "empty stored denied", stored: "", input: "abc", wantErr: ErrUnauthorized},
		{name: "empty input denied", stored: "abc", input: "", wantErr: ErrUnauthorized},
		{name: "mismatch denied", stored: "abc", input: "xyz", wantErr: ErrUnauthorized},
		{name: "match accepted", stored: "abc", input: "abc", wantErr: nil},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := (StaticToken{Token: tc.stored}).Validate(tc.input)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected err %v, got %v", tc.wantErr, err)
			}
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	testlog.Start(t)
	r := httptest.NewRequest(http.MethodGet, "/bridge?token=q", nil)
	if got := TokenFromRequest(r); got != "q" {
		t.Fatalf("expected query token, got %q", got)
	}
	SetBearer(r.Header, "h")
	if got := TokenFromRequest(r); got != "h" {
		t.Fatalf("expected header to win, got %q", got)
	}
	r.Header.Set("Authorization", "Basic abc")
	if got := TokenFromRequest(r); got != "" {
		t.Fatalf("expected non-bearer header to yield nothing, got %q", got)
	}
	if got := TokenFromRequest(nil); got != "" {
		t.Fatalf("expected empty token for nil request")
	}
}

func TestMiddleware(t *testing.T) {
	testlog.Start(t)
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/open", Middleware(nil), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	r.GET("/closed", Middleware(FuncValidator(func(token string) error {
		if token != "ok" {
			return ErrUnauthorized
		}
		return nil
	})), func(c *gin.Context) { c.Status(http.StatusNoContent) })

	cases := []struct {
		target string
		want   int
	}{
		{"/open", http.StatusNoContent},
		{"/closed", http.StatusUnauthorized},
		{"/closed?token=bad", http.StatusUnauthorized},
		{"/closed?token=ok", http.StatusNoContent},
	}
	for _, tc := range cases {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, tc.target, nil))
		if w.Code != tc.want {
			t.Fatalf("%s: expected %d, got %d", tc.target, tc.want, w.Code)
		}
	}
}
