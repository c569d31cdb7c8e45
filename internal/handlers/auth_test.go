package handlers

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"ups_failsafe/internal/service"
)

func TestSignIn(t *testing.T) {
	cases := []struct {
		name      string
		body      string
		auth      *mockAuth
		wantCode  int
		wantToken string
	}{
		{
			name:      "success",
			body:      `{"username":"ops","password":"p"}`,
			auth:      &mockAuth{genTokenToken: "tok123"},
			wantCode:  http.StatusOK,
			wantToken: "tok123",
		},
		{
			name:     "bad credentials",
			body:     `{"username":"ops","password":"nope"}`,
			auth:     &mockAuth{genTokenErr: errors.New("invalid password")},
			wantCode: http.StatusUnauthorized,
		},
		{
			name:     "invalid body",
			body:     `{"username":1}`,
			auth:     &mockAuth{},
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			r := newTestRouter(&service.Service{Authorization: tc.auth})

			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodPost, "/auth/sign-in", bytes.NewBufferString(tc.body))
			req.Header.Set("Content-Type", "application/json")
			r.ServeHTTP(w, req)

			if w.Code != tc.wantCode {
				t.Fatalf("status=%d, want %d, body=%s", w.Code, tc.wantCode, w.Body.String())
			}
			if tc.wantToken == "" {
				return
			}
			var m map[string]any
			_ = json.Unmarshal(w.Body.Bytes(), &m)
			if m["token"] != tc.wantToken {
				t.Fatalf("expected token %s, got %v", tc.wantToken, m["token"])
			}
			if tc.auth.lastGenUsername != "ops" {
				t.Fatalf("GenerateToken got username %q", tc.auth.lastGenUsername)
			}
		})
	}
}

func TestSignUpIsNotExposed(t *testing.T) {
	r := newTestRouter(&service.Service{Authorization: &mockAuth{}})
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/auth/sign-up", bytes.NewBufferString(`{"username":"u","password":"p"}`))
	r.ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", w.Code)
	}
}
