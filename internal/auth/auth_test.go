package auth

import (
	"net/http/httptest"
	"testing"
)

const testSecret = "test-secret-key-32-characters!!"

func sessionCookie(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	for _, cookie := range w.Result().Cookies() {
		if cookie.Name == SessionName {
			return cookie.Value
		}
	}
	return ""
}

func TestSessionLifecycle(t *testing.T) {
	store := NewSessionStore(testSecret)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	t.Run("Unauthenticated without cookie", func(t *testing.T) {
		if store.IsAuthenticated(req) {
			t.Error("Should not be authenticated without a session cookie")
		}
		if got := store.Username(req); got != "" {
			t.Errorf("Username should be empty, got %q", got)
		}
	})

	t.Run("Login sets HttpOnly cookie", func(t *testing.T) {
		if err := store.Login(req, w, "admin"); err != nil {
			t.Fatalf("Login failed: %v", err)
		}

		found := false
		for _, cookie := range w.Result().Cookies() {
			if cookie.Name == SessionName {
				found = true
				if cookie.Value == "" {
					t.Error("Session cookie should have a value")
				}
				if !cookie.HttpOnly {
					t.Error("Session cookie should be HttpOnly")
				}
			}
		}
		if !found {
			t.Error("Session cookie should be set")
		}
	})

	t.Run("Authenticated after login", func(t *testing.T) {
		reqWithCookie := httptest.NewRequest("GET", "/", nil)
		for _, cookie := range w.Result().Cookies() {
			if cookie.Name == SessionName {
				reqWithCookie.AddCookie(cookie)
			}
		}

		if !store.IsAuthenticated(reqWithCookie) {
			t.Error("Should be authenticated after login")
		}
		if got := store.Username(reqWithCookie); got != "admin" {
			t.Errorf("Username = %q, want admin", got)
		}
	})

	t.Run("Logout clears session", func(t *testing.T) {
		reqWithCookie := httptest.NewRequest("GET", "/", nil)
		for _, cookie := range w.Result().Cookies() {
			if cookie.Name == SessionName {
				reqWithCookie.AddCookie(cookie)
			}
		}

		wLogout := httptest.NewRecorder()
		if err := store.Logout(reqWithCookie, wLogout); err != nil {
			t.Fatalf("Logout failed: %v", err)
		}

		reqAfterLogout := httptest.NewRequest("GET", "/", nil)
		for _, cookie := range wLogout.Result().Cookies() {
			if cookie.Name == SessionName {
				reqAfterLogout.AddCookie(cookie)
			}
		}

		if store.IsAuthenticated(reqAfterLogout) {
			t.Error("Should not be authenticated after logout")
		}
	})
}

func TestSessionCookieNotPlaintext(t *testing.T) {
	store := NewSessionStore(testSecret)

	req := httptest.NewRequest("GET", "/", nil)
	w := httptest.NewRecorder()

	if err := store.Login(req, w, "admin"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	value := sessionCookie(t, w)
	if value == "" {
		t.Fatal("Session cookie should have a value")
	}
	if value == "authenticated" || value == "true" || value == "admin" {
		t.Error("Session cookie should not contain plaintext session data")
	}
	if len(value) < 20 {
		t.Error("Session cookie should be signed and reasonably long")
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	store := NewSessionStore(testSecret)

	req1 := httptest.NewRequest("GET", "/", nil)
	req2 := httptest.NewRequest("GET", "/", nil)

	w1 := httptest.NewRecorder()
	if err := store.Login(req1, w1, "admin"); err != nil {
		t.Fatalf("Login failed: %v", err)
	}

	reqWithCookie := httptest.NewRequest("GET", "/", nil)
	for _, cookie := range w1.Result().Cookies() {
		if cookie.Name == SessionName {
			reqWithCookie.AddCookie(cookie)
		}
	}

	if !store.IsAuthenticated(reqWithCookie) {
		t.Error("First session should be authenticated after login")
	}
	if store.IsAuthenticated(req2) {
		t.Error("Second session should remain unauthenticated")
	}
}

func TestAuthenticationWithTamperedCookie(t *testing.T) {
	store := NewSessionStore(testSecret)

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Cookie", SessionName+"=invalid-data")

	if store.IsAuthenticated(req) {
		t.Error("Should not be authenticated with an invalid session cookie")
	}
}
