// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"strings"

	"fileshare/internal/apperr"
)

// Approve transitions a pending user to approved.
func (s *Store) Approve(id string) error {
	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	u.Status = StatusApproved
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}

// Deny transitions a user to denied and invalidates all of their
// sessions.
func (s *Store) Deny(id string) error {
	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	u.Status = StatusDenied
	s.mu.Unlock()
	s.invalidateSessionsForUser(id)
	s.scheduleSave()
	return nil
}

// ClearPending deletes every user whose status is still pending.
func (s *Store) ClearPending() (removed int) {
	s.mu.Lock()
	for id, u := range s.byID {
		if u.Status == StatusPending {
			delete(s.byID, id)
			delete(s.usernameIx, u.Username)
			removed++
		}
	}
	s.mu.Unlock()
	if removed > 0 {
		s.scheduleSave()
	}
	return removed
}

// ResetAll deletes every user and invalidates every session.
func (s *Store) ResetAll() {
	s.mu.Lock()
	s.byID = map[string]*User{}
	s.usernameIx = map[string]string{}
	s.ipIx = map[string]string{}
	s.mu.Unlock()

	s.sessMu.Lock()
	s.sessions = map[string]*Session{}
	s.sessMu.Unlock()

	s.scheduleSave()
}

// ResetPassword sets a new password for id and invalidates its sessions.
func (s *Store) ResetPassword(id, newPassword string) error {
	if len(newPassword) < MinPasswordLen {
		return apperr.New(apperr.KindInvalidInput, "password too short")
	}
	salt, err := newSalt()
	if err != nil {
		return err
	}
	hash, err := hashPassword(salt, newPassword)
	if err != nil {
		return err
	}

	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	u.Salt = salt
	u.PasswordHash = hash
	s.mu.Unlock()

	s.invalidateSessionsForUser(id)
	s.scheduleSave()
	return nil
}

// ResetUsername renames id, updating the username index and every live
// session's displayed username.
func (s *Store) ResetUsername(id, newUsername string) error {
	newUsername = strings.ToLower(strings.TrimSpace(newUsername))
	if !usernamePattern(newUsername) {
		return apperr.New(apperr.KindInvalidInput, "invalid username")
	}

	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	if existing, taken := s.usernameIx[newUsername]; taken && existing != id {
		s.mu.Unlock()
		return apperr.New(apperr.KindInvalidInput, "username already registered")
	}
	delete(s.usernameIx, u.Username)
	u.Username = newUsername
	s.usernameIx[newUsername] = id
	s.mu.Unlock()

	s.sessMu.Lock()
	for _, sess := range s.sessions {
		if sess.UserID == id {
			sess.CurrentUsername = newUsername
		}
	}
	s.sessMu.Unlock()

	s.scheduleSave()
	return nil
}

// DeleteUser removes id entirely and invalidates its sessions.
func (s *Store) DeleteUser(id string) error {
	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	delete(s.byID, id)
	delete(s.usernameIx, u.Username)
	s.mu.Unlock()

	s.invalidateSessionsForUser(id)
	s.scheduleSave()
	return nil
}

// SetOpLevel assigns a role level to id.
func (s *Store) SetOpLevel(id string, level OpLevel) error {
	if level != OpLevelNormal && level != OpLevelAdvanced {
		return apperr.New(apperr.KindInvalidInput, "invalid opLevel")
	}
	s.mu.Lock()
	u, ok := s.byID[id]
	if !ok {
		s.mu.Unlock()
		return userNotFound()
	}
	u.OpLevel = level
	s.mu.Unlock()
	s.scheduleSave()
	return nil
}
