// Copyright 2026 The Loom Authors
// SPDX-License-Identifier: Apache-2.0

package messaging

import (
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/loom-foundation/loom/lib/msgauth"
	"github.com/loom-foundation/loom/lib/netutil"
	"github.com/loom-foundation/loom/lib/schema"
)

// bearerToken returns the transport secret in its presentation form:
// the standard base64 of the raw key, the same string the manifest
// distributes as transport.meshKey.
func (s *Server) bearerToken() []byte {
	return []byte(base64.StdEncoding.EncodeToString(s.cfg.Secret.Bytes()))
}

// requireBearer gates a handler on the Authorization header. The
// comparison is constant time; a missing header and a wrong secret
// are indistinguishable to the caller (both 401).
func (s *Server) requireBearer(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		presented, found := strings.CutPrefix(header, "Bearer ")
		if !found {
			writeError(w, http.StatusUnauthorized, "", "missing bearer token")
			return
		}
		if subtle.ConstantTimeCompare([]byte(presented), s.bearerToken()) != 1 {
			writeError(w, http.StatusUnauthorized, "", "invalid bearer token")
			return
		}
		next(w, r)
	}
}

// authenticateMessage runs the per-message validation chain, in
// order: body size, shape, timestamp window, nonce uniqueness, MAC.
// The bearer check already happened in requireBearer. On failure the
// response has been written and ok is false.
func (s *Server) authenticateMessage(w http.ResponseWriter, r *http.Request) (*schema.Message, bool) {
	maxSize := s.cfg.Security.MaxMessageSizeBytes

	// A declared length over the cap fails fast; a lying client is
	// caught by MaxBytesReader below.
	if r.ContentLength > maxSize {
		writeError(w, http.StatusRequestEntityTooLarge, "", "message exceeds size limit")
		return nil, false
	}

	body, err := netutil.ReadResponse(http.MaxBytesReader(w, r.Body, maxSize))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "", "message exceeds size limit")
		return nil, false
	}

	var msg schema.Message
	if err := json.Unmarshal(body, &msg); err != nil {
		writeError(w, http.StatusBadRequest, "", "malformed JSON body")
		return nil, false
	}
	if err := msg.ValidateShape(); err != nil {
		writeError(w, http.StatusBadRequest, "", err.Error())
		return nil, false
	}

	now := s.clock.Now()
	window := time.Duration(s.cfg.Security.ReplayWindowSeconds) * time.Second
	age := now.Sub(time.UnixMilli(msg.Timestamp))
	if age < 0 {
		age = -age
	}
	// The boundary is inclusive: a message exactly at the window edge
	// is accepted.
	if age > window {
		writeError(w, http.StatusBadRequest, "", "message timestamp outside replay window")
		return nil, false
	}

	if !s.cfg.Nonces.Check(msg.Nonce, now) {
		writeError(w, http.StatusBadRequest, "replay", "nonce replay detected")
		return nil, false
	}

	if !msgauth.VerifyMAC(s.cfg.Secret.Bytes(), msg.ID, msg.Type, msg.Payload, msg.Timestamp, msg.Nonce, msg.MAC) {
		writeError(w, http.StatusBadRequest, "", "message authentication failed")
		return nil, false
	}

	return &msg, true
}
