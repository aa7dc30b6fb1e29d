package auth

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/trananhduc/apexbot/internal/types"
)

// makeToken builds an unsigned JWT with the given expiry claim.
// Expiry zero means no exp claim at all.
func makeToken(t *testing.T, exp time.Time) string {
	t.Helper()

	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))

	claims := map[string]any{"sub": "trader"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatalf("marshal claims: %v", err)
	}

	return header + "." + base64.RawURLEncoding.EncodeToString(payload) + ".c2ln"
}

func newTestManager(t *testing.T, handler http.HandlerFunc) (*Manager, *httptest.Server) {
	t.Helper()

	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	cfg.Username = "trader"
	cfg.APIKey = "key-123"
	cfg.AccountID = "ACC-1"

	return NewManager(cfg, nil), srv
}

func TestManager_Session_Refreshes(t *testing.T) {
	var calls atomic.Int32
	token := makeToken(t, time.Now().Add(time.Hour))

	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/Auth/loginKey" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"success":true}`, token)
	})

	sess, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if sess.Token != token {
		t.Error("session token does not match origin token")
	}
	if sess.AccountID != "ACC-1" {
		t.Errorf("session account = %q, want ACC-1", sess.AccountID)
	}

	// Second call inside the expiry window must not hit the origin.
	if _, err := m.Session(context.Background()); err != nil {
		t.Fatalf("second Session() error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("origin called %d times, want 1", got)
	}
}

func TestManager_Session_SingleFlight(t *testing.T) {
	var calls atomic.Int32
	token := makeToken(t, time.Now().Add(time.Hour))

	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		time.Sleep(50 * time.Millisecond) // hold the refresh in flight
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"success":true}`, token)
	})

	const n = 10
	var wg sync.WaitGroup
	errs := make(chan error, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := m.Session(context.Background()); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("concurrent Session() error: %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("concurrent demand issued %d refreshes, want 1", got)
	}
}

func TestManager_Session_RefreshInsideMargin(t *testing.T) {
	var calls atomic.Int32

	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		// Token expiring in 2 minutes: inside the 5 minute margin, so
		// every Session() call must refresh.
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"success":true}`, makeToken(t, time.Now().Add(2*time.Minute)))
	})

	if _, err := m.Session(context.Background()); err != nil {
		t.Fatalf("Session() error: %v", err)
	}
	if _, err := m.Session(context.Background()); err != nil {
		t.Fatalf("second Session() error: %v", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("origin called %d times, want 2 (token always inside margin)", got)
	}
}

func TestManager_Session_AuthError(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := m.Session(context.Background())
	if err == nil {
		t.Fatal("expected error for rejected credentials")
	}
	if !types.IsAuthError(err) {
		t.Errorf("expected AuthError, got %T: %v", err, err)
	}
}

func TestManager_Session_NoToken(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"success":false,"errorMessage":"invalid key"}`)
	})

	_, err := m.Session(context.Background())
	if !types.IsAuthError(err) {
		t.Errorf("expected AuthError for empty token, got %v", err)
	}
}

func TestManager_Session_NoCredentials(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccountID = "ACC-1"
	m := NewManager(cfg, nil)

	if _, err := m.Session(context.Background()); err != types.ErrNoCredentials {
		t.Errorf("expected ErrNoCredentials, got %v", err)
	}
}

func TestManager_TokenWithoutExpClaim(t *testing.T) {
	m, _ := newTestManager(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{"token":%q,"success":true}`, makeToken(t, time.Time{}))
	})

	sess, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() error: %v", err)
	}

	// Assumed 30 minute lifetime when the exp claim is absent.
	lifetime := time.Until(sess.ExpiresAt)
	if lifetime < 29*time.Minute || lifetime > 31*time.Minute {
		t.Errorf("assumed lifetime = %s, want ~30m", lifetime)
	}
}

func TestManager_BootstrapToken(t *testing.T) {
	cfg := DefaultConfig()
	cfg.AccountID = "ACC-1"
	cfg.BootstrapToken = makeToken(t, time.Now().Add(time.Hour))
	m := NewManager(cfg, nil)

	// No credentials configured, but the bootstrap token is valid so
	// Session must succeed without calling the origin.
	sess, err := m.Session(context.Background())
	if err != nil {
		t.Fatalf("Session() with bootstrap token: %v", err)
	}
	if sess.Token != cfg.BootstrapToken {
		t.Error("expected bootstrap token to be served")
	}

	m.Invalidate()
	if m.Token() != "" {
		t.Error("Invalidate() should drop the current token")
	}
}
