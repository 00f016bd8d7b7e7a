package quipflip

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClient_CookieRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/auth/login", func(w http.ResponseWriter, r *http.Request) {
		http.SetCookie(w, &http.Cookie{Name: "qf_session", Value: "tok-1", Path: "/"})
		w.Write([]byte(`{"username":"alice"}`))
	})
	mux.HandleFunc("/api/auth/session", func(w http.ResponseWriter, r *http.Request) {
		if c, err := r.Cookie("qf_session"); err != nil || c.Value != "tok-1" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Write([]byte(`{"username":"alice"}`))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c1 := NewClient(WithBaseURL(srv.URL))
	if _, err := c1.Auth().Login(context.Background(), "alice", "pw"); err != nil {
		t.Fatalf("Login: %v", err)
	}

	cookies := c1.Cookies()
	if len(cookies) == 0 {
		t.Fatal("expected the session cookie in the jar after login")
	}

	// A fresh client (new process) seeded from the exported cookies is
	// authenticated without logging in again.
	c2 := NewClient(WithBaseURL(srv.URL))
	if _, err := c2.Auth().Session(context.Background()); err == nil {
		t.Fatal("expected unauthenticated session check to fail")
	} else {
		var reqErr *RequestError
		if !errors.As(err, &reqErr) || !reqErr.IsAuthFailure() {
			t.Fatalf("expected 401, got %v", err)
		}
	}

	c2.SetCookies(cookies)
	player, err := c2.Auth().Session(context.Background())
	if err != nil {
		t.Fatalf("Session with imported cookies: %v", err)
	}
	if player.Username != "alice" {
		t.Fatalf("unexpected session payload: %+v", player)
	}
}
