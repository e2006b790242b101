// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"testing"

	"fileshare/internal/logging"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(t.TempDir(), logging.New("auth-test"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func TestAuth_RegisterLoginRejectsPending(t *testing.T) {
	s := newTestStore(t)

	u, err := s.Register("alice", "hunter22", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if u.Status != StatusPending {
		t.Fatalf("expected pending, got %s", u.Status)
	}

	if _, err := s.Login("alice", "hunter22", "10.0.0.2"); err == nil {
		t.Fatal("expected login to fail while pending")
	}

	if err := s.Approve(u.ID); err != nil {
		t.Fatal(err)
	}

	sess, err := s.Login("alice", "hunter22", "10.0.0.2")
	if err != nil {
		t.Fatalf("expected login to succeed after approval: %v", err)
	}
	if sess.Token == "" {
		t.Fatal("expected a token")
	}

	_, gotUser, err := s.VerifyToken("Bearer " + sess.Token)
	if err != nil {
		t.Fatalf("expected valid token: %v", err)
	}
	if gotUser.Username != "alice" {
		t.Fatalf("got username %q", gotUser.Username)
	}
}

func TestAuth_DenyInvalidatesSessionsImmediately(t *testing.T) {
	s := newTestStore(t)
	u, _ := s.Register("bob", "password1", "10.0.0.1")
	_ = s.Approve(u.ID)
	sess, err := s.Login("bob", "password1", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.VerifyToken(sess.Token); err != nil {
		t.Fatalf("token should be valid before deny: %v", err)
	}

	if err := s.Deny(u.ID); err != nil {
		t.Fatal(err)
	}

	if _, _, err := s.VerifyToken(sess.Token); err == nil {
		t.Fatal("expected verification to fail immediately after deny")
	}
}

func TestAuth_ResetUsernameUpdatesLiveSessionDisplay(t *testing.T) {
	s := newTestStore(t)
	u, _ := s.Register("carol", "password1", "10.0.0.1")
	_ = s.Approve(u.ID)
	sess, err := s.Login("carol", "password1", "10.0.0.1")
	if err != nil {
		t.Fatal(err)
	}

	if err := s.ResetUsername(u.ID, "caroline"); err != nil {
		t.Fatal(err)
	}

	gotSess, _, err := s.VerifyToken(sess.Token)
	if err != nil {
		t.Fatal(err)
	}
	if gotSess.CurrentUsername != "caroline" {
		t.Fatalf("got %q want caroline", gotSess.CurrentUsername)
	}
}

func TestAuth_UsernameUniqueCaseInsensitive(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Register("dave", "password1", "10.0.0.1"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Register("DAVE", "password2", "10.0.0.2"); err == nil {
		t.Fatal("expected duplicate-username rejection")
	}
}

func TestAuth_BadTokenRejected(t *testing.T) {
	s := newTestStore(t)
	if _, _, err := s.VerifyToken("Bearer not-a-real-token"); err == nil {
		t.Fatal("expected rejection of malformed token")
	}
}
