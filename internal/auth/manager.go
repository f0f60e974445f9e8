package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/brickshare/market-engine/internal/metrics"
	"github.com/brickshare/market-engine/internal/model"
	"github.com/brickshare/market-engine/internal/store"
)

var (
	// ErrInvalidCredentials covers both unknown emails and wrong
	// passwords, so responses don't leak which one it was.
	ErrInvalidCredentials = errors.New("auth: invalid credentials")

	// ErrEmailTaken is returned by SignUp for an already-registered email.
	ErrEmailTaken = errors.New("auth: email already registered")

	ErrInvalidEmail    = errors.New("auth: invalid email address")
	ErrPasswordTooWeak = errors.New("auth: password must be at least 8 characters")
)

const bcryptCost = 10

// SessionState tracks where a user sits in the sign-in lifecycle.
type SessionState string

const (
	StateSignedOut SessionState = "signed_out"
	StateLoading   SessionState = "loading"
	StateSignedIn  SessionState = "signed_in"
)

// SessionEvent is delivered to OnChange listeners on every transition.
type SessionEvent struct {
	UserID string
	Email  string
	State  SessionState
}

// Manager owns account creation and the per-user session lifecycle.
// Other components react to transitions via OnChange instead of
// polling session state.
type Manager struct {
	st  store.Store
	jwt JWT

	mu        sync.Mutex
	sessions  map[string]SessionState
	listeners []func(SessionEvent)
}

func NewManager(st store.Store, jwt JWT) *Manager {
	return &Manager{
		st:       st,
		jwt:      jwt,
		sessions: make(map[string]SessionState),
	}
}

// OnChange registers a listener for session transitions. Listeners run
// synchronously on the transitioning goroutine and must not block.
func (m *Manager) OnChange(fn func(SessionEvent)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// SignUp creates a new account. The email is normalized to lowercase
// before storage so lookups are case-insensitive.
func (m *Manager) SignUp(ctx context.Context, email, password string) (*model.User, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if err := validateEmail(email); err != nil {
		return nil, err
	}
	if len(password) < 8 {
		return nil, ErrPasswordTooWeak
	}

	passwordBytes := []byte(password)
	if len(passwordBytes) > 72 {
		passwordBytes = passwordBytes[:72]
	}
	hash, err := bcrypt.GenerateFromPassword(passwordBytes, bcryptCost)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	u := &model.User{
		ID:           uuid.NewString(),
		Email:        email,
		PasswordHash: string(hash),
		CreatedAt:    time.Now().UTC(),
	}
	if err := m.st.CreateUser(ctx, u); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return u, nil
}

// SignIn verifies credentials and issues a session token. The session
// passes through the loading state so listeners can prepare per-user
// resources before it is announced as signed in.
func (m *Manager) SignIn(ctx context.Context, email, password string) (token string, user *model.User, err error) {
	email = strings.ToLower(strings.TrimSpace(email))

	u, err := m.st.GetUserByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return "", nil, ErrInvalidCredentials
		}
		return "", nil, fmt.Errorf("lookup user: %w", err)
	}

	passwordBytes := []byte(password)
	if len(passwordBytes) > 72 {
		passwordBytes = passwordBytes[:72]
	}
	if err := bcrypt.CompareHashAndPassword([]byte(u.PasswordHash), passwordBytes); err != nil {
		return "", nil, ErrInvalidCredentials
	}

	m.transition(u.ID, u.Email, StateLoading)

	token, _, err = m.jwt.Sign(Claims{UserID: u.ID, Email: u.Email})
	if err != nil {
		m.SignOut(u.ID, u.Email)
		return "", nil, fmt.Errorf("sign token: %w", err)
	}

	m.transition(u.ID, u.Email, StateSignedIn)
	return token, u, nil
}

// SignOut ends the user's session. Signing out an already signed-out
// user is a no-op and notifies nobody.
func (m *Manager) SignOut(userID, email string) {
	m.mu.Lock()
	if _, ok := m.sessions[userID]; !ok {
		m.mu.Unlock()
		return
	}
	delete(m.sessions, userID)
	listeners := append([]func(SessionEvent){}, m.listeners...)
	m.mu.Unlock()
	metrics.ActiveSessions.Dec()

	ev := SessionEvent{UserID: userID, Email: email, State: StateSignedOut}
	for _, fn := range listeners {
		fn(ev)
	}
}

// State reports the current session state for a user.
func (m *Manager) State(userID string) SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.sessions[userID]; ok {
		return s
	}
	return StateSignedOut
}

func (m *Manager) transition(userID, email string, state SessionState) {
	m.mu.Lock()
	_, existed := m.sessions[userID]
	m.sessions[userID] = state
	listeners := append([]func(SessionEvent){}, m.listeners...)
	m.mu.Unlock()

	// The gauge counts session entries, so it moves only when one
	// appears; repeat sign-ins re-use the entry.
	if !existed {
		metrics.ActiveSessions.Inc()
	}

	ev := SessionEvent{UserID: userID, Email: email, State: state}
	for _, fn := range listeners {
		fn(ev)
	}
}

func validateEmail(email string) error {
	at := strings.Index(email, "@")
	if at <= 0 || at == len(email)-1 || strings.Count(email, "@") != 1 {
		return ErrInvalidEmail
	}
	return nil
}
