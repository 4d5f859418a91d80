// Package session authenticates the user against the server, falls back to
// locally stored credentials when the server cannot be reached, and holds
// the signed-in user and token for the rest of the process.
package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Christopher-Hayes/deskmon/deskmon"
	"github.com/Christopher-Hayes/deskmon/internal/domain"
	"github.com/Christopher-Hayes/deskmon/internal/events"
	"github.com/Christopher-Hayes/deskmon/internal/logging"
	"github.com/Christopher-Hayes/deskmon/internal/store"
	"github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrNoSession          = errors.New("not signed in")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

// DefaultLoginTimeout bounds the remote login before falling back to local
// credentials.
const DefaultLoginTimeout = 15 * time.Second

// Authenticator is the remote side of login and logout.
type Authenticator interface {
	Login(ctx context.Context, email, password string) (deskmon.LoginResult, error)
	Logout(ctx context.Context) error
}

// Manager holds the signed-in user.
type Manager struct {
	store *store.Store
	api   Authenticator
	bus   *events.Bus
	log   *logging.Logger

	// Now is the clock; tests replace it.
	Now          func() time.Time
	LoginTimeout time.Duration

	mu      sync.RWMutex
	user    domain.User
	offline bool
}

// New returns a Manager with nobody signed in.
func New(st *store.Store, api Authenticator, bus *events.Bus, loginTimeout time.Duration) *Manager {
	if loginTimeout <= 0 {
		loginTimeout = DefaultLoginTimeout
	}
	return &Manager{
		store:        st,
		api:          api,
		bus:          bus,
		log:          logging.New("session"),
		Now:          time.Now,
		LoginTimeout: loginTimeout,
	}
}

// UserID returns the signed-in user's id, 0 when nobody is signed in.
func (m *Manager) UserID() int64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.ID
}

// User returns the signed-in user.
func (m *Manager) User() (domain.User, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user, m.user.ID != 0
}

// Token returns the bearer token of the session, "" when there is none.
func (m *Manager) Token() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.user.Token
}

// Offline reports whether the session was opened without the server.
func (m *Manager) Offline() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.offline
}

func (m *Manager) set(u domain.User, offline bool) {
	m.mu.Lock()
	m.user = u
	m.offline = offline
	m.mu.Unlock()
	m.bus.Publish(events.Event{Kind: events.UserChanged, Value: u.ID, Title: u.Username, Flag: offline})
}

// Login signs in with an email or username. The server is asked first; when
// it cannot be reached the stored bcrypt hash is checked instead and the
// session continues with the stored token.
func (m *Manager) Login(ctx context.Context, login, password string) (domain.User, error) {
	login = strings.TrimSpace(login)
	if login == "" || password == "" {
		return domain.User{}, fmt.Errorf("%w: email and password are required", ErrInvalidCredentials)
	}
	repo, err := m.store.Repo()
	if err != nil {
		return domain.User{}, err
	}

	email := login
	known, knownErr := repo.UserByLogin(ctx, login)
	if !strings.Contains(login, "@") && knownErr == nil && known.Email != "" {
		email = known.Email
	}

	rctx, cancel := context.WithTimeout(ctx, m.LoginTimeout)
	res, err := m.api.Login(rctx, email, password)
	cancel()
	if err == nil {
		return m.completeRemote(ctx, repo, res, password, known)
	}

	var apiErr *deskmon.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
		m.log.Warnf("Login rejected for %s: %v", email, err)
		return domain.User{}, fmt.Errorf("%w: %s", ErrInvalidCredentials, apiErr.Message)
	}
	m.log.Warnf("Server login failed (%v), trying local credentials", err)
	return m.loginLocal(ctx, repo, login, email, password)
}

func (m *Manager) completeRemote(ctx context.Context, repo store.Repo, res deskmon.LoginResult, password string, known domain.User) (domain.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return domain.User{}, fmt.Errorf("hash password: %w", err)
	}
	u := domain.User{
		ID:           res.User.ID,
		Username:     res.User.Name,
		Email:        res.User.Email,
		PasswordHash: string(hash),
		Role:         res.User.Role.RoleName,
		Token:        res.Token,
		LastLoginAt:  m.Now().Unix(),
	}
	if known.ID == u.ID {
		u.Department = known.Department
	}
	if err := repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	m.log.Successf("Signed in as %s", u.Email)
	m.set(u, false)
	return u, nil
}

func (m *Manager) loginLocal(ctx context.Context, repo store.Repo, login, email, password string) (domain.User, error) {
	u, err := repo.UserByLogin(ctx, email)
	if errors.Is(err, store.ErrNotFound) && email != login {
		u, err = repo.UserByLogin(ctx, login)
	}
	if errors.Is(err, store.ErrNotFound) {
		return domain.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return domain.User{}, err
	}
	if u.PasswordHash == "" || bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), []byte(password)) != nil {
		return domain.User{}, ErrInvalidCredentials
	}
	u.LastLoginAt = m.Now().Unix()
	if err := repo.UpsertUser(ctx, u); err != nil {
		return domain.User{}, err
	}
	m.log.Warnf("Signed in offline as %s", u.Email)
	m.set(u, true)
	return u, nil
}

// Restore signs in the most recent user that still holds a stored token.
// A JWT whose exp has passed is cleared instead. It reports whether a
// session was restored.
func (m *Manager) Restore(ctx context.Context) (bool, error) {
	repo, err := m.store.Repo()
	if err != nil {
		return false, err
	}
	u, err := repo.LastSessionUser(ctx)
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if TokenExpired(u.Token, m.Now()) {
		m.log.Infof("Stored token for %s has expired", u.Email)
		if err := repo.SetUserToken(ctx, u.ID, ""); err != nil {
			m.log.Errorf("Failed to clear expired token: %v", err)
		}
		return false, nil
	}
	m.log.Infof("Restored session for %s", u.Email)
	m.set(u, true)
	return true, nil
}

// TokenExpired reports whether token is a JWT whose exp claim is before now.
// Tokens that are not JWTs never expire locally.
func TokenExpired(token string, now time.Time) bool {
	if token == "" {
		return true
	}
	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return false
	}
	return exp.Before(now)
}

// Expire drops the token after the server rejected it. The user stays signed
// in locally.
func (m *Manager) Expire(ctx context.Context) {
	m.mu.Lock()
	id := m.user.ID
	had := m.user.Token != ""
	m.user.Token = ""
	m.mu.Unlock()
	if id == 0 || !had {
		return
	}
	m.log.Warnf("Session token expired, sign in again to sync")
	if repo, err := m.store.Repo(); err == nil {
		if err := repo.SetUserToken(ctx, id, ""); err != nil {
			m.log.Errorf("Failed to clear token: %v", err)
		}
	}
	m.bus.Publish(events.Event{Kind: events.AuthExpired, Value: id})
}

// Logout clears the stored token, tells the server and ends the session.
// A failed remote logout is logged; the local session ends regardless.
func (m *Manager) Logout(ctx context.Context) error {
	u, ok := m.User()
	if !ok {
		return ErrNoSession
	}
	if repo, err := m.store.Repo(); err == nil {
		if err := repo.SetUserToken(ctx, u.ID, ""); err != nil {
			m.log.Errorf("Failed to clear token: %v", err)
		}
	}
	if u.Token != "" {
		rctx, cancel := context.WithTimeout(ctx, m.LoginTimeout)
		if err := m.api.Logout(rctx); err != nil {
			m.log.Warnf("Server logout failed: %v", err)
		}
		cancel()
	}
	m.log.Infof("Signed out %s", u.Email)
	m.set(domain.User{}, false)
	return nil
}
