// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"bytes"
	"fmt"
	"log"
)

// CheckpointResult is the outcome of processing a signed checkpoint message.
type CheckpointResult int

const (
	// Rejected means the message was discarded: bad signature, bad
	// payload, stale, conflicting, or a failed reorg/persist.
	Rejected CheckpointResult = iota
	// Pending means the named block hasn't been seen yet; the checkpoint
	// is staged and will be revisited when a block arrives.
	Pending
	// Accepted means the checkpoint is now the node's accepted checkpoint.
	Accepted
)

// CheckpointInfo is the snapshot returned to the console's getcheckpoint/
// sendcheckpoint commands.
type CheckpointInfo struct {
	SyncCheckpoint   BlockID
	HasHeight        bool
	Height           int64
	Timestamp        int64
	Enforce          bool
	CheckpointMaster bool
}

// SyncCheckpoints is the acceptance engine: it owns a CheckpointStore and
// drives it through the pending/accepted state machine, calling out to the
// block database, the chain reorganizer, and the peer broadcaster as
// needed.
type SyncCheckpoints struct {
	genesisID   BlockID
	blockStore  BlockStorage
	db          CheckpointDatabase
	reorg       ChainReorganizer
	broadcaster CheckpointBroadcaster
	store       *CheckpointStore
}

// NewSyncCheckpoints creates an engine with an empty store. Reset or
// CheckCheckpointPubKey should be called once at startup before the engine
// is exposed to inbound messages.
func NewSyncCheckpoints(genesisID BlockID, blockStore BlockStorage, db CheckpointDatabase,
	reorg ChainReorganizer, broadcaster CheckpointBroadcaster, enforce bool) *SyncCheckpoints {
	return &SyncCheckpoints{
		genesisID:   genesisID,
		blockStore:  blockStore,
		db:          db,
		reorg:       reorg,
		broadcaster: broadcaster,
		store:       NewCheckpointStore(enforce),
	}
}

// Warning returns the current operator-facing warning string.
func (s *SyncCheckpoints) Warning() string {
	return s.store.Warning()
}

// Process handles an inbound signed checkpoint message end to end:
// signature verification, validation against the accepted checkpoint,
// optional enforced reorg, persistence, and relay.
func (s *SyncCheckpoints) Process(signed *SignedCheckpoint) (CheckpointResult, error) {
	unsigned, err := signed.Verify()
	if err != nil {
		log.Printf("sync-checkpoint: rejecting message: %s", err)
		return Rejected, nil
	}

	result, toRelay, err := s.processLocked(unsigned.HashCheckpoint, signed)
	if toRelay != nil && s.broadcaster != nil {
		s.broadcaster.BroadcastCheckpoint(toRelay)
	}
	return result, err
}

func (s *SyncCheckpoints) processLocked(candidate BlockID, signed *SignedCheckpoint) (CheckpointResult, *SignedCheckpoint, error) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	header, _, err := s.blockStore.GetBlockHeader(candidate)
	if err != nil {
		return Rejected, nil, err
	}
	if header == nil {
		// we haven't received the checkpointed block, keep the checkpoint
		// as pending. a caller with access to the source peer should
		// follow up by requesting it (see peer.go's onSyncCheckpoint).
		s.store.setPendingLocked(candidate, signed)
		log.Printf("sync-checkpoint: pending for sync-checkpoint %s", candidate)
		return Pending, nil, nil
	}

	return s.advanceLocked(candidate, signed)
}

// advanceLocked runs the validator against candidate and, on Advance,
// performs the optional enforced reorg and persistence. Callers hold
// store.mu.
func (s *SyncCheckpoints) advanceLocked(candidate BlockID, signed *SignedCheckpoint) (CheckpointResult, *SignedCheckpoint, error) {
	accepted, hasAccepted := s.store.accepted, s.store.hasAccepted
	if !hasAccepted {
		return Rejected, nil, checkpointError("no accepted checkpoint; lifecycle reset was never run")
	}

	result, err := validateSyncCheckpoint(s.blockStore, accepted, candidate)
	if err != nil {
		return Rejected, nil, err
	}

	switch result {
	case Conflict:
		s.store.recordInvalidLocked(candidate)
		s.store.setWarningLocked(fmt.Sprintf("Found conflicting sync-checkpoint %s", candidate))
		log.Printf("sync-checkpoint: new sync-checkpoint %s conflicts with current sync-checkpoint %s", candidate, accepted)
		return Rejected, nil, nil
	case IgnoreStale:
		return Rejected, nil, nil
	}

	if s.store.enforce {
		if err := s.enforceOnMainLocked(candidate); err != nil {
			return Rejected, nil, err
		}
	}

	if err := s.persistAcceptedLocked(candidate); err != nil {
		return Rejected, nil, err
	}
	s.store.clearPendingLocked()
	s.store.setCurrentLocked(signed)
	log.Printf("sync-checkpoint: accepted at %s", candidate)

	return Accepted, signed, nil
}

// enforceOnMainLocked forces the main chain onto id if it isn't already on
// it. Callers hold store.mu.
func (s *SyncCheckpoints) enforceOnMainLocked(id BlockID) error {
	onMain, err := s.reorg.IsMainChain(id)
	if err != nil {
		return err
	}
	if onMain {
		return nil
	}
	if err := s.reorg.ForceBestChain(id); err != nil {
		s.store.recordInvalidLocked(id)
		return checkpointError("set_best_chain failed for sync-checkpoint %s: %s", id, err)
	}
	return nil
}

// persistAcceptedLocked writes id to the block database and only updates
// the in-memory accepted hash once that succeeds, so a persistence failure
// never leaves memory and disk disagreeing. Callers hold store.mu.
func (s *SyncCheckpoints) persistAcceptedLocked(id BlockID) error {
	if err := s.db.WriteSyncCheckpoint(id); err != nil {
		return checkpointError("failed to write sync-checkpoint %s: %s", id, err)
	}
	if err := s.db.Sync(); err != nil {
		return checkpointError("failed to commit sync-checkpoint %s: %s", id, err)
	}
	s.store.setAcceptedLocked(id)
	return nil
}

// AcceptPending is called whenever a new block arrives that might satisfy
// the pending checkpoint. It re-validates, optionally reorgs, persists, and
// relays, exactly like Process, but starting from the store's pending slot
// instead of a freshly-received message.
func (s *SyncCheckpoints) AcceptPending() bool {
	accepted, toRelay := s.acceptPendingLocked()
	if toRelay != nil && s.broadcaster != nil {
		s.broadcaster.BroadcastCheckpoint(toRelay)
	}
	return accepted
}

func (s *SyncCheckpoints) acceptPendingLocked() (bool, *SignedCheckpoint) {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	if !s.store.hasPending {
		return false, nil
	}

	header, _, err := s.blockStore.GetBlockHeader(s.store.pending)
	if err != nil {
		log.Printf("sync-checkpoint: %s", err)
		return false, nil
	}
	if header == nil {
		return false, nil
	}

	pending := s.store.pending
	pendingMsg := s.store.pendingMsg

	accepted, hasAccepted := s.store.accepted, s.store.hasAccepted
	if !hasAccepted {
		log.Printf("sync-checkpoint: no accepted checkpoint; lifecycle reset was never run")
		return false, nil
	}

	result, err := validateSyncCheckpoint(s.blockStore, accepted, pending)
	if err != nil {
		log.Printf("sync-checkpoint: %s", err)
		s.store.clearPendingLocked()
		return false, nil
	}
	if result != Advance {
		if result == Conflict {
			s.store.recordInvalidLocked(pending)
		}
		s.store.clearPendingLocked()
		return false, nil
	}

	if s.store.enforce {
		if err := s.enforceOnMainLocked(pending); err != nil {
			log.Printf("sync-checkpoint: %s", err)
			return false, nil
		}
	}

	if err := s.persistAcceptedLocked(pending); err != nil {
		log.Printf("sync-checkpoint: %s", err)
		return false, nil
	}
	s.store.clearPendingLocked()
	s.store.setCurrentLocked(pendingMsg)
	log.Printf("sync-checkpoint: accepted pending at %s", pending)

	// a reset-pending entry carries no message (see Reset); relay is
	// skipped in that case since there is nothing to relay.
	return true, pendingMsg
}

// WantBlock reports whether hash is the block the pending checkpoint is
// waiting on, directly or via an orphan chain that resolves to it. orphans
// may be nil if the host doesn't buffer orphan blocks, in which case only
// the direct match applies.
func (s *SyncCheckpoints) WantBlock(hash BlockID, orphans OrphanPool) bool {
	pending, hasPending := s.store.Pending()
	if !hasPending {
		return false
	}
	if hash == pending {
		return true
	}
	if orphans == nil {
		return false
	}
	if orphan, ok := orphans.Get(pending); ok {
		return hash == WantedByOrphan(orphan, orphans)
	}
	return false
}

// WantedByOrphan walks back through the orphan pool from orphan's parent
// until it finds a hash the pool doesn't have, and returns that hash: the
// block that, if received, would let orphan's whole chain be reconnected.
// This assumes the orphan pool can't contain a cycle, which holds as long
// as entries are only ever inserted for blocks whose parent was unknown at
// insertion time.
func WantedByOrphan(orphan *Block, orphans OrphanPool) BlockID {
	for {
		next, ok := orphans.Get(orphan.Header.Previous)
		if !ok {
			return orphan.Header.Previous
		}
		orphan = next
	}
}

// CheckSyncCheckpoint is the policy hook called during block acceptance: it
// decides whether a block extending parentID is acceptable given the
// currently accepted checkpoint.
func (s *SyncCheckpoints) CheckSyncCheckpoint(blockHash, parentID BlockID) (bool, error) {
	accepted, hasAccepted := s.store.Accepted()
	if !hasAccepted {
		return false, checkpointError("no accepted checkpoint; lifecycle reset was never run")
	}

	parentHeader, _, err := s.blockStore.GetBlockHeader(parentID)
	if err != nil {
		return false, err
	}
	if parentHeader == nil {
		return false, checkpointError("missing block index entry for %s", parentID)
	}
	height := parentHeader.Height + 1

	syncHeader, _, err := s.blockStore.GetBlockHeader(accepted)
	if err != nil {
		return false, err
	}
	if syncHeader == nil {
		return false, checkpointError("accepted checkpoint %s not found in block index", accepted)
	}
	syncHeight := syncHeader.Height

	if height > syncHeight {
		// only a descendant of the sync-checkpoint can pass
		ancestorID, err := ancestorAtHeight(s.blockStore, parentID, parentHeader, syncHeight)
		if err != nil {
			return false, err
		}
		if ancestorID != accepted {
			return false, nil
		}
	}
	if height == syncHeight && blockHash != accepted {
		return false, nil
	}
	if height < syncHeight {
		header, _, err := s.blockStore.GetBlockHeader(blockHash)
		if err != nil {
			return false, err
		}
		if header == nil {
			return false, nil
		}
	}
	return true, nil
}

// AutoSelect walks back from best while depth keeps the walked-to height
// within depth of best's height, and returns the block found there. A
// depth of 0 returns best itself; callers should not invoke this with a
// negative depth (auto-selection is disabled in that configuration).
func (s *SyncCheckpoints) AutoSelect(best BlockID, depth int64) (BlockID, error) {
	header, _, err := s.blockStore.GetBlockHeader(best)
	if err != nil {
		return BlockID{}, err
	}
	if header == nil {
		return BlockID{}, checkpointError("missing block index entry for %s", best)
	}
	bestHeight := header.Height

	id := best
	for header.Previous != (BlockID{}) && header.Height+depth > bestHeight {
		parentHeader, _, err := s.blockStore.GetBlockHeader(header.Previous)
		if err != nil {
			return BlockID{}, err
		}
		if parentHeader == nil {
			return BlockID{}, checkpointError("missing block index entry while auto-selecting from %s", best)
		}
		id = header.Previous
		header = parentHeader
	}
	return id, nil
}

// IsMature reports whether the accepted checkpoint is old enough, by block
// count or by wall-clock stake age, that chain selection no longer needs to
// defer to it.
func (s *SyncCheckpoints) IsMature(bestHeight, coinbaseMaturity, stakeMinAge, now int64) (bool, error) {
	accepted, hasAccepted := s.store.Accepted()
	if !hasAccepted {
		return false, checkpointError("no accepted checkpoint; lifecycle reset was never run")
	}
	header, _, err := s.blockStore.GetBlockHeader(accepted)
	if err != nil {
		return false, err
	}
	if header == nil {
		return false, checkpointError("accepted checkpoint %s not found in block index", accepted)
	}
	return bestHeight >= header.Height+coinbaseMaturity || header.Time+stakeMinAge < now, nil
}

// IsTooOld reports whether the accepted checkpoint is older than seconds.
func (s *SyncCheckpoints) IsTooOld(seconds, now int64) (bool, error) {
	accepted, hasAccepted := s.store.Accepted()
	if !hasAccepted {
		return false, checkpointError("no accepted checkpoint; lifecycle reset was never run")
	}
	header, _, err := s.blockStore.GetBlockHeader(accepted)
	if err != nil {
		return false, err
	}
	if header == nil {
		return false, checkpointError("accepted checkpoint %s not found in block index", accepted)
	}
	return header.Time+seconds < now, nil
}

// CheckCheckpointPubKey compares the last-stored checkpoint master public
// key against the compiled-in key for the active network. On any mismatch,
// including first run when nothing is stored yet, it writes the new key
// and resets the sync-checkpoint.
func (s *SyncCheckpoints) CheckCheckpointPubKey() error {
	compiled, err := checkpointMasterPubKeyBytes()
	if err != nil {
		return err
	}
	stored, err := s.db.ReadCheckpointPubKey()
	if err != nil {
		return err
	}
	if stored != nil && bytes.Equal(stored, compiled) {
		return nil
	}

	if err := s.db.WriteCheckpointPubKey(compiled); err != nil {
		return checkpointError("failed to write new checkpoint master key: %s", err)
	}
	if err := s.db.Sync(); err != nil {
		return checkpointError("failed to commit new checkpoint master key: %s", err)
	}
	return s.Reset()
}

// Reset sets the sync-checkpoint to the last hard-coded checkpoint. If that
// block is known but off the main chain, it forces a reorg onto it. If it
// isn't known yet, it's staged as a pending checkpoint with no message
// (relay is skipped for this kind of pending entry -- see AcceptPending)
// while genesis is persisted as the accepted hash in the meantime.
func (s *SyncCheckpoints) Reset() error {
	hardened, ok := LatestHardened()
	if !ok {
		hardened = s.genesisID
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()

	header, _, err := s.blockStore.GetBlockHeader(hardened)
	if err != nil {
		return err
	}

	target := s.genesisID
	if header == nil {
		s.store.setPendingLocked(hardened, nil)
		log.Printf("sync-checkpoint: pending for hardened checkpoint %s", hardened)
	} else {
		onMain, err := s.reorg.IsMainChain(hardened)
		if err != nil {
			return err
		}
		if !onMain {
			log.Printf("sync-checkpoint: forcing best chain to hardened checkpoint %s", hardened)
			if err := s.reorg.ForceBestChain(hardened); err != nil {
				return checkpointError("set_best_chain failed for hardened checkpoint %s: %s", hardened, err)
			}
		}
		target = hardened
	}

	if err := s.persistAcceptedLocked(target); err != nil {
		return err
	}
	log.Printf("sync-checkpoint: reset to %s", target)
	return nil
}

// InstallMasterPrivateKey decodes a WIF-encoded checkpoint master key, test
// signs a throwaway checkpoint over genesis to confirm it parses and signs
// correctly, and, on success, installs it and forces enforcement on per I4.
func (s *SyncCheckpoints) InstallMasterPrivateKey(wif string) error {
	priv, err := DecodeMasterPrivateKey(wif)
	if err != nil {
		return checkpointError("checkpoint master key invalid: %s", err)
	}
	if _, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: s.genesisID}); err != nil {
		return checkpointError("checkpoint master key failed to sign test checkpoint: %s", err)
	}

	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	s.store.setMasterKeyLocked(priv)
	s.store.setEnforceLocked(true)
	return nil
}

// Broadcast signs hash with the installed master key and runs it through
// Process, so the master observes the same validation discipline as any
// other node before the checkpoint is relayed.
func (s *SyncCheckpoints) Broadcast(hash BlockID) (CheckpointResult, error) {
	priv := s.store.MasterKey()
	if priv == nil {
		return Rejected, fmt.Errorf("not a checkpointmaster node, first set checkpointkey in configuration and restart client")
	}
	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: hash})
	if err != nil {
		return Rejected, checkpointError("unable to sign checkpoint: %s", err)
	}
	return s.Process(signed)
}

// SetEnforce updates the enforcement flag, refusing to disable it while a
// master key is installed.
func (s *SyncCheckpoints) SetEnforce(enforce bool) error {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	if s.store.masterKey != nil && !enforce {
		return fmt.Errorf("checkpoint master node must enforce synchronized checkpoints")
	}
	s.store.setEnforceLocked(enforce)
	return nil
}

// Info returns the snapshot backing getcheckpoint/sendcheckpoint.
func (s *SyncCheckpoints) Info() (CheckpointInfo, error) {
	s.store.mu.Lock()
	accepted, hasAccepted := s.store.accepted, s.store.hasAccepted
	info := CheckpointInfo{
		Enforce:          s.store.enforce,
		CheckpointMaster: s.store.masterKey != nil,
	}
	s.store.mu.Unlock()

	if !hasAccepted {
		return info, nil
	}
	info.SyncCheckpoint = accepted

	header, _, err := s.blockStore.GetBlockHeader(accepted)
	if err != nil {
		return info, err
	}
	if header != nil {
		info.HasHeight = true
		info.Height = header.Height
		info.Timestamp = header.Time
	}
	return info, nil
}
