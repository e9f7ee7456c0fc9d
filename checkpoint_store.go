// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"sync"

	"github.com/btcsuite/btcd/btcec/v2"
)

// CheckpointStore holds the process-wide sync-checkpoint state: the
// currently accepted checkpoint, any checkpoint waiting on a block the node
// hasn't seen yet, and the checkpoint-master key material and policy flags
// that govern how new checkpoints are handled. A single mutex guards all of
// it, matching the global-critical-section design this subsystem is
// specified with -- every exported accessor below takes the lock itself;
// the engine in checkpoint_sync.go takes it directly for multi-step
// transitions.
type CheckpointStore struct {
	mu sync.Mutex

	accepted    BlockID
	hasAccepted bool

	pending    BlockID
	hasPending bool
	pendingMsg *SignedCheckpoint

	current *SignedCheckpoint

	lastInvalid    BlockID
	hasLastInvalid bool

	warning string
	enforce bool

	masterKey *btcec.PrivateKey
}

// NewCheckpointStore creates an empty store with enforcement set as
// requested (the -checkpointenforce flag's default is true).
func NewCheckpointStore(enforce bool) *CheckpointStore {
	return &CheckpointStore{enforce: enforce}
}

// Accepted returns the currently accepted checkpoint, if any.
func (s *CheckpointStore) Accepted() (BlockID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted, s.hasAccepted
}

// Pending returns the block hash a not-yet-accepted checkpoint is waiting
// on, if any.
func (s *CheckpointStore) Pending() (BlockID, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.pending, s.hasPending
}

// Current returns the signed checkpoint message that was most recently
// accepted, or nil if none has been. Pending messages are not recorded
// here. A checkpoint accepted from a reset-pending entry leaves it nil.
func (s *CheckpointStore) Current() *SignedCheckpoint {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// Enforce reports whether accepting a checkpoint that is not on the main
// chain forces a reorganization onto it.
func (s *CheckpointStore) Enforce() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enforce
}

// Warning returns the current checkpoint warning string, empty when there
// is nothing to warn about.
func (s *CheckpointStore) Warning() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.warning
}

// MasterKey returns the installed checkpoint master private key, or nil if
// this node isn't the checkpoint master.
func (s *CheckpointStore) MasterKey() *btcec.PrivateKey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.masterKey
}

// setAcceptedLocked records id as the accepted checkpoint. It does not
// touch the pending slot: Reset persists a fallback accepted hash while
// deliberately leaving a reset-pending entry staged, so clearing pending is
// left to the callers that are done with it (Process, AcceptPending).
// Callers hold mu.
func (s *CheckpointStore) setAcceptedLocked(id BlockID) {
	s.accepted = id
	s.hasAccepted = true
	s.warning = ""
}

// setPendingLocked stages a checkpoint the node can't yet validate because
// it hasn't seen the named block. Callers hold mu.
func (s *CheckpointStore) setPendingLocked(id BlockID, msg *SignedCheckpoint) {
	s.pending = id
	s.hasPending = true
	s.pendingMsg = msg
}

// clearPendingLocked discards any staged pending checkpoint. Callers hold
// mu.
func (s *CheckpointStore) clearPendingLocked() {
	s.pending = BlockID{}
	s.hasPending = false
	s.pendingMsg = nil
}

// recordInvalidLocked remembers the last checkpoint hash rejected as a
// conflict, for diagnostics. Callers hold mu.
func (s *CheckpointStore) recordInvalidLocked(id BlockID) {
	s.lastInvalid = id
	s.hasLastInvalid = true
}

// setWarningLocked sets the operator-facing warning string. Callers hold
// mu.
func (s *CheckpointStore) setWarningLocked(warning string) {
	s.warning = warning
}

// setEnforceLocked updates the enforcement flag. Turning enforcement on
// clears any stale warning left over from a prior conflict, matching
// invariant I5 -- enforcement is never silently bypassed once enabled.
func (s *CheckpointStore) setEnforceLocked(enforce bool) {
	s.enforce = enforce
	if enforce {
		s.warning = ""
	}
}

// setMasterKeyLocked installs the checkpoint master private key. Callers
// hold mu.
func (s *CheckpointStore) setMasterKeyLocked(key *btcec.PrivateKey) {
	s.masterKey = key
}

// setCurrentLocked records the signed checkpoint message that was just
// accepted. Callers hold mu.
func (s *CheckpointStore) setCurrentLocked(msg *SignedCheckpoint) {
	s.current = msg
}
