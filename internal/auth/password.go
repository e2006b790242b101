// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
)

// newSalt returns a fresh 128-bit random salt, hex-encoded.
func newSalt() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}

// hashPassword computes hex(HMAC-SHA256(salt, password)).
func hashPassword(salt, password string) (string, error) {
	saltBytes, err := hex.DecodeString(salt)
	if err != nil {
		return "", err
	}
	mac := hmac.New(sha256.New, saltBytes)
	mac.Write([]byte(password))
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// verifyPassword performs a constant-time comparison of the computed
// hash against the stored one in constant time so mismatched
// check").
func verifyPassword(salt, password, wantHash string) bool {
	got, err := hashPassword(salt, password)
	if err != nil {
		return false
	}
	gotB, err1 := hex.DecodeString(got)
	wantB, err2 := hex.DecodeString(wantHash)
	if err1 != nil || err2 != nil || len(gotB) != len(wantB) {
		return false
	}
	return hmac.Equal(gotB, wantB)
}
