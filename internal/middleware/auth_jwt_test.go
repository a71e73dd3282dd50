package middleware

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestVerifyJWT(t *testing.T) {
	token, err := SignJWT("s3cret", TokenClaims{Sub: "ops", Role: RoleAdmin, Exp: time.Now().Add(time.Hour).Unix()})
	if err != nil {
		t.Fatalf("SignJWT error: %v", err)
	}
	claims, err := VerifyJWT("s3cret", token)
	if err != nil {
		t.Fatalf("VerifyJWT error: %v", err)
	}
	if claims.Sub != "ops" || claims.Role != RoleAdmin {
		t.Fatalf("claims = %+v", claims)
	}
	if _, err := VerifyJWT("other", token); err == nil {
		t.Fatal("expected signature error")
	}
	parts := strings.Split(token, ".")
	if _, err := VerifyJWT("s3cret", parts[0]+"."+parts[1]+"x."+parts[2]); err == nil {
		t.Fatal("expected error for tampered payload")
	}
	expired, _ := SignJWT("s3cret", TokenClaims{Sub: "ops", Role: RoleAdmin, Exp: time.Now().Add(-time.Minute).Unix()})
	if _, err := VerifyJWT("s3cret", expired); err != errTokenExpired {
		t.Fatalf("error = %v, want errTokenExpired", err)
	}
	if _, err := SignJWT("", TokenClaims{}); err == nil {
		t.Fatal("expected error for empty secret")
	}
}

func TestRequireJWT(t *testing.T) {
	admin, _ := SignJWT("s3cret", TokenClaims{Sub: "ops", Role: RoleAdmin})
	viewer, _ := SignJWT("s3cret", TokenClaims{Sub: "bob", Role: "viewer"})

	var sub string
	h := RequireJWT("s3cret", RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sub = ClaimsFromContext(r.Context()).Sub
	}))

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized},
		{"garbage", "Bearer abc", http.StatusUnauthorized},
		{"not admin", "Bearer " + viewer, http.StatusForbidden},
		{"admin", "Bearer " + admin, http.StatusOK},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/admin/accounts/1/audit", nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			if rec.Code != tc.want {
				t.Fatalf("status = %d, want %d", rec.Code, tc.want)
			}
		})
	}
	if sub != "ops" {
		t.Fatalf("sub = %q, want %q", sub, "ops")
	}
}
