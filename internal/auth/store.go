// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/rand"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"fileshare/internal/apperr"
	"fileshare/internal/blocklist"
	"fileshare/internal/logging"
)

// MinPasswordLen is the minimum accepted password length.
const MinPasswordLen = 4

const saveDebounce = 200 * time.Millisecond

// Store is the process-wide user registry and session table. Auth owns <share>/.fileshare/users.json and, via its
// embedded BlockList, <share>/.fileshare/block.json.
type Store struct {
	log *logging.Logger

	usersPath string

	mu         sync.RWMutex
	byID       map[string]*User
	usernameIx map[string]string // lowercased username -> id
	ipIx       map[string]string // last observed IP -> id

	saveMu    sync.Mutex
	saveTimer *time.Timer
	dirty     bool
	stopped   bool

	sessMu   sync.RWMutex
	sessions map[string]*Session // token -> session

	secret []byte // HMAC secret, regenerated every process start

	Blocked *blocklist.List
}

// New initializes the Auth store rooted at <shareRoot>/.fileshare. It
// loads users.json (if present; a missing or corrupt file starts with
// an empty registry) and block.json, and generates a
// fresh in-memory token secret.
func New(shareRoot string, log *logging.Logger) (*Store, error) {
	dir := filepath.Join(shareRoot, ".fileshare")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	secret := make([]byte, 32)
	if _, err := rand.Read(secret); err != nil {
		return nil, err
	}

	bl, err := blocklist.New(filepath.Join(dir, "block.json"))
	if err != nil {
		return nil, err
	}

	s := &Store{
		log:        log,
		usersPath:  filepath.Join(dir, "users.json"),
		byID:       map[string]*User{},
		usernameIx: map[string]string{},
		ipIx:       map[string]string{},
		sessions:   map[string]*Session{},
		secret:     secret,
		Blocked:    bl,
	}

	if err := s.load(); err != nil {
		s.log.Warn("users.json unreadable, starting with an empty registry: %v", err)
	}

	return s, nil
}

func (s *Store) load() error {
	data, err := os.ReadFile(s.usersPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var users []User
	if err := json.Unmarshal(data, &users); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range users {
		u := users[i]
		s.byID[u.ID] = &u
		s.usernameIx[strings.ToLower(u.Username)] = u.ID
	}
	return nil
}

// scheduleSave debounces writes 200ms.
func (s *Store) scheduleSave() {
	s.saveMu.Lock()
	defer s.saveMu.Unlock()
	s.dirty = true
	if s.stopped {
		return
	}
	if s.saveTimer != nil {
		return
	}
	s.saveTimer = time.AfterFunc(saveDebounce, func() {
		s.log.Guarded("auth-save", func() {
			if err := s.Flush(); err != nil {
				s.log.Error("save users.json: %v", err)
			}
		})
	})
}

// Flush writes the current registry to disk immediately, clearing any
// pending debounce timer. Safe to call from the shutdown path.
func (s *Store) Flush() error {
	s.saveMu.Lock()
	if s.saveTimer != nil {
		s.saveTimer.Stop()
		s.saveTimer = nil
	}
	s.dirty = false
	s.saveMu.Unlock()

	s.mu.RLock()
	users := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		users = append(users, *u)
	}
	s.mu.RUnlock()

	data, err := json.MarshalIndent(users, "", "  ")
	if err != nil {
		return err
	}
	tmp := s.usersPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.usersPath)
}

// Shutdown stops the debounce timer and forces a final flush.
func (s *Store) Shutdown() error {
	s.saveMu.Lock()
	s.stopped = true
	s.saveMu.Unlock()
	return s.Flush()
}

// --- Registration & login -------------------------------------------------

var usernamePattern = func() func(string) bool {
	return func(u string) bool {
		if len(u) < 2 || len(u) > 32 {
			return false
		}
		for _, r := range u {
			switch {
			case r >= 'a' && r <= 'z':
			case r >= '0' && r <= '9':
			case r == '_' || r == '-':
			default:
				return false
			}
		}
		return true
	}
}()

// Register validates and creates a new pending User.
func (s *Store) Register(username, password, registrationIP string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))
	if !usernamePattern(username) {
		return nil, apperr.New(apperr.KindInvalidInput, "invalid username")
	}
	if len(password) < MinPasswordLen {
		return nil, apperr.New(apperr.KindInvalidInput, "password too short")
	}

	s.mu.Lock()
	if _, exists := s.usernameIx[username]; exists {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindInvalidInput, "username already registered")
	}

	salt, err := newSalt()
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}
	hash, err := hashPassword(salt, password)
	if err != nil {
		s.mu.Unlock()
		return nil, err
	}

	u := &User{
		ID:             uuid.NewString(),
		Username:       username,
		PasswordHash:   hash,
		Salt:           salt,
		RegistrationIP: registrationIP,
		Status:         StatusPending,
		OpLevel:        OpLevelNormal,
		CreatedAt:      time.Now().UTC(),
	}
	s.byID[u.ID] = u
	s.usernameIx[username] = u.ID
	s.mu.Unlock()

	s.scheduleSave()
	clone := *u
	return &clone, nil
}

// Login verifies credentials, rejects non-approved users, updates the
// observed IP index, and mints a fresh Session.
func (s *Store) Login(username, password, observedIP string) (*Session, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	id, ok := s.usernameIx[username]
	var u *User
	if ok {
		u = s.byID[id]
	}
	if !ok || u == nil || !verifyPassword(u.Salt, password, u.PasswordHash) {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}
	if u.Status != StatusApproved {
		s.mu.Unlock()
		return nil, apperr.New(apperr.KindUnauthorized, "account not approved")
	}
	s.ipIx[observedIP] = u.ID
	uid, uname := u.ID, u.Username
	s.mu.Unlock()

	nonce, err := newNonce()
	if err != nil {
		return nil, err
	}
	expires := time.Now().Add(SessionTTL)
	token, err := signToken(s.secret, tokenPayload{UserID: uid, Nonce: nonce, ExpiresAt: expires})
	if err != nil {
		return nil, err
	}

	sess := &Session{
		UserID:          uid,
		CurrentUsername: uname,
		Token:           token,
		ObservedIP:      observedIP,
		ExpiresAt:       expires,
	}
	s.sessMu.Lock()
	s.sessions[token] = sess
	s.sessMu.Unlock()

	clone := *sess
	return &clone, nil
}

// VerifyCredentials checks a username/password pair without minting a
// session. The FTP control channel uses it at PASS time, where sessions
// are bound to the control connection instead of a bearer token.
func (s *Store) VerifyCredentials(username, password string) (*User, error) {
	username = strings.ToLower(strings.TrimSpace(username))

	s.mu.Lock()
	defer s.mu.Unlock()
	id, ok := s.usernameIx[username]
	var u *User
	if ok {
		u = s.byID[id]
	}
	if !ok || u == nil || !verifyPassword(u.Salt, password, u.PasswordHash) {
		return nil, apperr.New(apperr.KindUnauthorized, "invalid credentials")
	}
	if u.Status != StatusApproved {
		return nil, apperr.New(apperr.KindUnauthorized, "account not approved")
	}
	clone := *u
	return &clone, nil
}

// Logout invalidates a single session.
func (s *Store) Logout(rawToken string) {
	token := stripBearer(rawToken)
	s.sessMu.Lock()
	delete(s.sessions, token)
	s.sessMu.Unlock()
}

// VerifyToken validates the HMAC, checks expiry and user status, and
// returns a snapshot reflecting the current (possibly admin-renamed)
// username.
func (s *Store) VerifyToken(rawHeader string) (*Session, *User, error) {
	token := stripBearer(rawHeader)
	if token == "" {
		return nil, nil, apperr.New(apperr.KindUnauthorized, "missing token")
	}

	if _, err := verifyTokenSignature(s.secret, token); err != nil {
		return nil, nil, apperr.New(apperr.KindUnauthorized, "invalid token")
	}

	s.sessMu.Lock()
	sess, ok := s.sessions[token]
	if !ok {
		s.sessMu.Unlock()
		return nil, nil, apperr.New(apperr.KindUnauthorized, "session not found")
	}
	if time.Now().After(sess.ExpiresAt) {
		delete(s.sessions, token)
		s.sessMu.Unlock()
		return nil, nil, apperr.New(apperr.KindUnauthorized, "session expired")
	}
	s.sessMu.Unlock()

	s.mu.RLock()
	u, ok := s.byID[sess.UserID]
	s.mu.RUnlock()
	if !ok || u.Status != StatusApproved {
		s.sessMu.Lock()
		delete(s.sessions, token)
		s.sessMu.Unlock()
		return nil, nil, apperr.New(apperr.KindUnauthorized, "user no longer approved")
	}

	sessCopy := *sess
	sessCopy.CurrentUsername = u.Username
	userCopy := *u
	return &sessCopy, &userCopy, nil
}

// GetUser returns a deep-cloned User by id.
func (s *Store) GetUser(id string) (*User, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.byID[id]
	if !ok {
		return nil, false
	}
	clone := *u
	return &clone, true
}

// ListUsers returns deep-cloned copies of every registered user.
func (s *Store) ListUsers() []User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]User, 0, len(s.byID))
	for _, u := range s.byID {
		out = append(out, *u)
	}
	return out
}

// invalidateSessionsForUser deletes every live session belonging to id.
func (s *Store) invalidateSessionsForUser(id string) {
	s.sessMu.Lock()
	defer s.sessMu.Unlock()
	for tok, sess := range s.sessions {
		if sess.UserID == id {
			delete(s.sessions, tok)
		}
	}
}

// userNotFound is a small helper for admin ops below.
func userNotFound() error {
	return apperr.New(apperr.KindNotFound, "user not found")
}
