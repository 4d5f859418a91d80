package session

import (
	"context"
	"errors"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

type fakeAPI struct {
	users     map[string]string // email -> password
	err       error
	gotEmail  string
	loggedOut int
}

func (f *fakeAPI) Login(ctx context.Context, email, password string) (deskmon.LoginResult, error) {
	f.gotEmail = email
	if f.err != nil {
		return deskmon.LoginResult{}, f.err
	}
	if f.users[email] != password {
		return deskmon.LoginResult{}, &deskmon.APIError{StatusCode: http.StatusOK, Message: "Invalid credentials"}
	}
	res := deskmon.LoginResult{Token: "server-token"}
	res.User.ID = 21
	res.User.Name = "rina"
	res.User.Email = email
	res.User.Role.RoleName = "employee"
	return res, nil
}

func (f *fakeAPI) Logout(ctx context.Context) error {
	f.loggedOut++
	return nil
}

func newTestManager(t *testing.T) (*Manager, *fakeAPI, *store.Store, *events.Recorder) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "session.db"))
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { st.Close() })
	bus := events.NewBus()
	rec := &events.Recorder{}
	bus.Subscribe(rec.Handle)
	api := &fakeAPI{users: map[string]string{"rina@example.com": "hunter2"}}
	m := New(st, api, bus, time.Second)
	m.Now = func() time.Time { return time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC) }
	return m, api, st, rec
}

func seedUser(t *testing.T, st *store.Store, token, password string) {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatal(err)
	}
	r, _ := st.Repo()
	err = r.UpsertUser(context.Background(), domain.User{
		ID: 21, Username: "rina", Email: "rina@example.com",
		PasswordHash: string(hash), Department: "design", Token: token, LastLoginAt: 100,
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLoginRemote(t *testing.T) {
	m, _, st, rec := newTestManager(t)
	ctx := context.Background()

	u, err := m.Login(ctx, "rina@example.com", "hunter2")
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if u.ID != 21 || m.UserID() != 21 || m.Token() != "server-token" || m.Offline() {
		t.Errorf("session = %+v offline=%v", u, m.Offline())
	}
	r, _ := st.Repo()
	saved, err := r.UserByID(ctx, 21)
	if err != nil {
		t.Fatal(err)
	}
	if saved.Token != "server-token" || saved.Role != "employee" {
		t.Errorf("stored user = %+v", saved)
	}
	if bcrypt.CompareHashAndPassword([]byte(saved.PasswordHash), []byte("hunter2")) != nil {
		t.Error("stored hash does not match the password")
	}
	if evs := rec.OfKind(events.UserChanged); len(evs) != 1 || evs[0].Value != 21 {
		t.Errorf("UserChanged events = %+v", evs)
	}
}

func TestLoginResolvesUsername(t *testing.T) {
	m, api, st, _ := newTestManager(t)
	seedUser(t, st, "", "old")

	if _, err := m.Login(context.Background(), "rina", "hunter2"); err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if api.gotEmail != "rina@example.com" {
		t.Errorf("server got %q, want the stored email", api.gotEmail)
	}
	u, _ := m.User()
	if u.Department != "design" {
		t.Errorf("Department = %q, want it kept from the stored row", u.Department)
	}
}

func TestLoginFallback(t *testing.T) {
	tests := []struct {
		name        string
		apiErr      error
		password    string
		wantErr     error
		wantOffline bool
	}{
		{"network down, right password", errors.New("dial tcp: connection refused"), "old", nil, true},
		{"timeout, wrong password", context.DeadlineExceeded, "nope", ErrInvalidCredentials, false},
		{"server error falls back", &deskmon.APIError{StatusCode: 502}, "old", nil, true},
		{"rejected by server", &deskmon.APIError{StatusCode: 401, Message: "Invalid credentials"}, "old", ErrInvalidCredentials, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m, api, st, _ := newTestManager(t)
			seedUser(t, st, "stored-token", "old")
			api.err = tt.apiErr

			_, err := m.Login(context.Background(), "rina@example.com", tt.password)
			if !errors.Is(err, tt.wantErr) {
				t.Fatalf("Login() error = %v, want %v", err, tt.wantErr)
			}
			if m.Offline() != tt.wantOffline {
				t.Errorf("Offline() = %v, want %v", m.Offline(), tt.wantOffline)
			}
			if tt.wantOffline && m.Token() != "stored-token" {
				t.Errorf("Token() = %q, want the stored token", m.Token())
			}
		})
	}
}

func TestLoginUnknownUserOffline(t *testing.T) {
	m, api, _, _ := newTestManager(t)
	api.err = errors.New("no route to host")
	if _, err := m.Login(context.Background(), "ghost@example.com", "x"); !errors.Is(err, ErrInvalidCredentials) {
		t.Errorf("Login() error = %v, want ErrInvalidCredentials", err)
	}
	if m.UserID() != 0 {
		t.Error("a session was opened for an unknown user")
	}
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "21", "exp": exp.Unix()})
	s, err := tok.SignedString([]byte("test-secret"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2026, 3, 2, 8, 0, 0, 0, time.UTC)
	tests := []struct {
		name  string
		token string
		want  bool
	}{
		{"empty", "", true},
		{"opaque token", "17|aGVsbG8", false},
		{"valid jwt", signedToken(t, now.Add(time.Hour)), false},
		{"expired jwt", signedToken(t, now.Add(-time.Minute)), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TokenExpired(tt.token, now); got != tt.want {
				t.Errorf("TokenExpired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRestore(t *testing.T) {
	t.Run("valid token", func(t *testing.T) {
		m, _, st, _ := newTestManager(t)
		seedUser(t, st, signedToken(t, m.Now().Add(time.Hour)), "old")
		ok, err := m.Restore(context.Background())
		if err != nil || !ok {
			t.Fatalf("Restore() = %v, %v", ok, err)
		}
		if m.UserID() != 21 {
			t.Errorf("UserID() = %d, want 21", m.UserID())
		}
	})
	t.Run("expired token", func(t *testing.T) {
		m, _, st, _ := newTestManager(t)
		seedUser(t, st, signedToken(t, m.Now().Add(-time.Hour)), "old")
		ok, err := m.Restore(context.Background())
		if err != nil || ok {
			t.Fatalf("Restore() = %v, %v, want false", ok, err)
		}
		r, _ := st.Repo()
		if u, _ := r.UserByID(context.Background(), 21); u.Token != "" {
			t.Errorf("expired token kept: %q", u.Token)
		}
	})
	t.Run("nobody stored", func(t *testing.T) {
		m, _, _, _ := newTestManager(t)
		if ok, err := m.Restore(context.Background()); ok || err != nil {
			t.Errorf("Restore() = %v, %v", ok, err)
		}
	})
}

func TestExpire(t *testing.T) {
	m, _, st, rec := newTestManager(t)
	ctx := context.Background()
	m.Login(ctx, "rina@example.com", "hunter2")

	m.Expire(ctx)
	m.Expire(ctx)
	if m.Token() != "" || m.UserID() != 21 {
		t.Errorf("after Expire: token %q user %d", m.Token(), m.UserID())
	}
	r, _ := st.Repo()
	if u, _ := r.UserByID(ctx, 21); u.Token != "" {
		t.Errorf("stored token = %q, want cleared", u.Token)
	}
	if n := len(rec.OfKind(events.AuthExpired)); n != 1 {
		t.Errorf("AuthExpired published %d times, want 1", n)
	}
}

func TestLogout(t *testing.T) {
	m, api, st, _ := newTestManager(t)
	ctx := context.Background()
	if err := m.Logout(ctx); !errors.Is(err, ErrNoSession) {
		t.Errorf("Logout() without session error = %v", err)
	}
	m.Login(ctx, "rina@example.com", "hunter2")

	if err := m.Logout(ctx); err != nil {
		t.Fatalf("Logout() error = %v", err)
	}
	if api.loggedOut != 1 || m.UserID() != 0 {
		t.Errorf("loggedOut=%d user=%d", api.loggedOut, m.UserID())
	}
	r, _ := st.Repo()
	if _, err := r.LastSessionUser(ctx); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("LastSessionUser() error = %v, want ErrNotFound", err)
	}
}
