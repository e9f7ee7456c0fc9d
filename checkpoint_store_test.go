// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
)

func TestNewCheckpointStoreEnforceDefault(t *testing.T) {
	s := NewCheckpointStore(true)
	if !s.Enforce() {
		t.Fatalf("expected enforce true")
	}
	s2 := NewCheckpointStore(false)
	if s2.Enforce() {
		t.Fatalf("expected enforce false")
	}
}

func TestCheckpointStoreAcceptedRoundTrip(t *testing.T) {
	s := NewCheckpointStore(false)
	if _, ok := s.Accepted(); ok {
		t.Fatalf("expected no accepted checkpoint initially")
	}

	id := idFromUint64(1)
	s.mu.Lock()
	s.setAcceptedLocked(id)
	s.mu.Unlock()

	got, ok := s.Accepted()
	if !ok || got != id {
		t.Fatalf("Accepted() = (%s, %v), want (%s, true)", got, ok, id)
	}
}

func TestCheckpointStorePendingLifecycle(t *testing.T) {
	s := NewCheckpointStore(false)
	if _, ok := s.Pending(); ok {
		t.Fatalf("expected no pending checkpoint initially")
	}

	id := idFromUint64(2)
	msg := &SignedCheckpoint{Msg: []byte("x")}
	s.mu.Lock()
	s.setPendingLocked(id, msg)
	s.mu.Unlock()

	got, ok := s.Pending()
	if !ok || got != id {
		t.Fatalf("Pending() = (%s, %v), want (%s, true)", got, ok, id)
	}

	s.mu.Lock()
	s.clearPendingLocked()
	s.mu.Unlock()

	if _, ok := s.Pending(); ok {
		t.Fatalf("expected pending cleared")
	}
}

func TestCheckpointStoreSetEnforceClearsWarning(t *testing.T) {
	s := NewCheckpointStore(false)
	s.mu.Lock()
	s.setWarningLocked("conflicting checkpoint")
	s.mu.Unlock()

	if s.Warning() == "" {
		t.Fatalf("expected warning to be set")
	}

	s.mu.Lock()
	s.setEnforceLocked(true)
	s.mu.Unlock()

	if !s.Enforce() {
		t.Fatalf("expected enforce true")
	}
	if s.Warning() != "" {
		t.Fatalf("expected warning cleared once enforce turns on, got %q", s.Warning())
	}
}

func TestCheckpointStoreMasterKeyRoundTrip(t *testing.T) {
	s := NewCheckpointStore(false)
	if s.MasterKey() != nil {
		t.Fatalf("expected no master key initially")
	}

	priv, err := btcec.NewPrivateKey()
	if err != nil {
		t.Fatalf("NewPrivateKey: %s", err)
	}

	s.mu.Lock()
	s.setMasterKeyLocked(priv)
	s.mu.Unlock()

	if s.MasterKey() != priv {
		t.Fatalf("expected MasterKey to return installed key")
	}
}

func TestCheckpointStoreCurrentRoundTrip(t *testing.T) {
	s := NewCheckpointStore(false)
	if s.Current() != nil {
		t.Fatalf("expected no current checkpoint initially")
	}

	msg := &SignedCheckpoint{Msg: []byte("y")}
	s.mu.Lock()
	s.setCurrentLocked(msg)
	s.mu.Unlock()

	if s.Current() != msg {
		t.Fatalf("expected Current to return installed message")
	}
}
