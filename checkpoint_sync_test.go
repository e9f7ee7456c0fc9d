// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import "testing"

// fakeCheckpointDB is an in-memory stand-in for BlockStorageDisk's
// checkpoint persistence methods.
type fakeCheckpointDB struct {
	pubKey    []byte
	synced    BlockID
	hasSynced bool
}

func (f *fakeCheckpointDB) ReadCheckpointPubKey() ([]byte, error) { return f.pubKey, nil }

func (f *fakeCheckpointDB) WriteCheckpointPubKey(pubKey []byte) error {
	f.pubKey = pubKey
	return nil
}

func (f *fakeCheckpointDB) WriteSyncCheckpoint(id BlockID) error {
	f.synced = id
	f.hasSynced = true
	return nil
}

func (f *fakeCheckpointDB) Sync() error { return nil }

// fakeReorg is an in-memory stand-in for Processor's ChainReorganizer
// methods: mainChain tracks which blocks the fake considers on the main
// chain, and ForceBestChain flips the target onto it.
type fakeReorg struct {
	mainChain map[BlockID]bool
	forced    []BlockID
	forceErr  error
}

func newFakeReorg() *fakeReorg {
	return &fakeReorg{mainChain: make(map[BlockID]bool)}
}

func (f *fakeReorg) IsMainChain(id BlockID) (bool, error) {
	return f.mainChain[id], nil
}

func (f *fakeReorg) ForceBestChain(id BlockID) error {
	f.forced = append(f.forced, id)
	if f.forceErr != nil {
		return f.forceErr
	}
	f.mainChain[id] = true
	return nil
}

// fakeBroadcaster records every checkpoint handed to it for relay.
type fakeBroadcaster struct {
	sent []*SignedCheckpoint
}

func (f *fakeBroadcaster) BroadcastCheckpoint(msg *SignedCheckpoint) {
	f.sent = append(f.sent, msg)
}

// newTestEngine wires a SyncCheckpoints engine over a five-block linear
// chain whose genesis is chain[0], all of it on the fake main chain, then
// resets it so chain[0] becomes the initial accepted checkpoint (the
// hard-coded LatestHardened block is never present in these fixtures, so
// Reset falls back to genesis).
func newTestEngine(t *testing.T, enforce bool) (*SyncCheckpoints, *fakeBlockStore, []BlockID, *fakeCheckpointDB, *fakeReorg, *fakeBroadcaster) {
	t.Helper()
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 5, 10000)
	reorg := newFakeReorg()
	for _, id := range chain {
		reorg.mainChain[id] = true
	}
	db := &fakeCheckpointDB{}
	broadcaster := &fakeBroadcaster{}

	sc := NewSyncCheckpoints(chain[0], store, db, reorg, broadcaster, enforce)
	if err := sc.Reset(); err != nil {
		t.Fatalf("Reset: %s", err)
	}
	accepted, ok := sc.store.Accepted()
	if !ok || accepted != chain[0] {
		t.Fatalf("Reset did not fall back to genesis: got (%s, %v)", accepted, ok)
	}
	return sc, store, chain, db, reorg, broadcaster
}

func TestSyncCheckpointsProcessAdvance(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, _, chain, _, _, broadcaster := newTestEngine(t, false)

	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: chain[3]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}

	result, err := sc.Process(signed)
	if err != nil {
		t.Fatalf("Process: %s", err)
	}
	if result != Accepted {
		t.Fatalf("expected Accepted, got %v", result)
	}
	accepted, ok := sc.store.Accepted()
	if !ok || accepted != chain[3] {
		t.Fatalf("expected accepted checkpoint to advance to %s, got %s", chain[3], accepted)
	}
	if len(broadcaster.sent) != 1 || broadcaster.sent[0] != signed {
		t.Fatalf("expected the accepted checkpoint to be relayed exactly once")
	}
}

func TestSyncCheckpointsProcessIgnoresStale(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, _, chain, _, _, broadcaster := newTestEngine(t, false)

	advance, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: chain[3]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}
	if _, err := sc.Process(advance); err != nil {
		t.Fatalf("Process(advance): %s", err)
	}

	stale, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: chain[1]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}

	result, err := sc.Process(stale)
	if err != nil {
		t.Fatalf("Process(stale): %s", err)
	}
	if result != Rejected {
		t.Fatalf("expected Rejected for a stale checkpoint, got %v", result)
	}

	accepted, _ := sc.store.Accepted()
	if accepted != chain[3] {
		t.Fatalf("stale checkpoint must not move the accepted checkpoint, got %s", accepted)
	}
	if len(broadcaster.sent) != 1 {
		t.Fatalf("stale checkpoint must not be relayed, sent count = %d", len(broadcaster.sent))
	}
}

func TestSyncCheckpointsProcessConflict(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, store, chain, _, _, broadcaster := newTestEngine(t, false)

	advance, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: chain[2]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}
	if _, err := sc.Process(advance); err != nil {
		t.Fatalf("Process(advance): %s", err)
	}

	alt := extendChain(store, chain[1], 1, 1, 10100) // alt[0] at height 2, off chain[2]
	conflicting, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: alt[0]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}

	result, err := sc.Process(conflicting)
	if err != nil {
		t.Fatalf("Process(conflicting): %s", err)
	}
	if result != Rejected {
		t.Fatalf("expected Rejected for a conflicting checkpoint, got %v", result)
	}
	if sc.Warning() == "" {
		t.Fatalf("expected a warning to be recorded for a conflicting checkpoint")
	}
	if len(broadcaster.sent) != 1 {
		t.Fatalf("conflicting checkpoint must not be relayed, sent count = %d", len(broadcaster.sent))
	}
}

func TestSyncCheckpointsPendingThenAccept(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, store, chain, _, _, broadcaster := newTestEngine(t, false)

	unseen := idFromUint64(555555)
	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: unseen})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}

	result, err := sc.Process(signed)
	if err != nil {
		t.Fatalf("Process(unseen): %s", err)
	}
	if result != Pending {
		t.Fatalf("expected Pending for an unindexed block, got %v", result)
	}
	if pending, ok := sc.store.Pending(); !ok || pending != unseen {
		t.Fatalf("expected %s staged as pending, got (%s, %v)", unseen, pending, ok)
	}
	if len(broadcaster.sent) != 0 {
		t.Fatalf("a pending checkpoint must not be relayed yet")
	}

	// the block arrives, extending the accepted chain
	store.add(unseen, &BlockHeader{Previous: chain[4], Height: 5, Time: 3000})

	if accepted := sc.AcceptPending(); !accepted {
		t.Fatalf("expected AcceptPending to succeed once the block is indexed")
	}
	got, ok := sc.store.Accepted()
	if !ok || got != unseen {
		t.Fatalf("expected accepted checkpoint to become %s, got %s", unseen, got)
	}
	if len(broadcaster.sent) != 1 || broadcaster.sent[0] != signed {
		t.Fatalf("expected the now-accepted checkpoint to be relayed exactly once")
	}
}

func TestSyncCheckpointsEnforceForcesReorg(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, store, chain, _, reorg, _ := newTestEngine(t, true)

	// build a competing branch not on the fake main chain
	alt := extendChain(store, chain[1], 1, 2, 10200)
	if reorg.mainChain[alt[1]] {
		t.Fatalf("test fixture error: alt branch should not start on the main chain")
	}

	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: alt[1]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}

	result, err := sc.Process(signed)
	if err != nil {
		t.Fatalf("Process: %s", err)
	}
	if result != Accepted {
		t.Fatalf("expected Accepted once the reorg succeeds, got %v", result)
	}
	if len(reorg.forced) != 1 || reorg.forced[0] != alt[1] {
		t.Fatalf("expected ForceBestChain(%s) to be called exactly once, got %v", alt[1], reorg.forced)
	}
	accepted, _ := sc.store.Accepted()
	if accepted != alt[1] {
		t.Fatalf("expected accepted checkpoint to become %s, got %s", alt[1], accepted)
	}
}

func TestSyncCheckpointsEnforceOffDoesNotReorg(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, store, chain, _, reorg, _ := newTestEngine(t, false)

	alt := extendChain(store, chain[1], 1, 2, 10300)

	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: alt[1]})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}
	if _, err := sc.Process(signed); err != nil {
		t.Fatalf("Process: %s", err)
	}
	if len(reorg.forced) != 0 {
		t.Fatalf("expected no reorg when enforcement is disabled, got %v", reorg.forced)
	}
}

func TestCheckCheckpointPubKeyFirstRunAndRotation(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, _, chain, db, _, _ := newTestEngine(t, false)
	_ = priv
	_ = chain

	firstKey, err := checkpointMasterPubKeyBytes()
	if err != nil {
		t.Fatalf("checkpointMasterPubKeyBytes: %s", err)
	}
	if db.pubKey != nil {
		t.Fatalf("expected no stored key before the first check")
	}

	if err := sc.CheckCheckpointPubKey(); err != nil {
		t.Fatalf("CheckCheckpointPubKey (first run): %s", err)
	}
	if string(db.pubKey) != string(firstKey) {
		t.Fatalf("expected first run to store the compiled-in key")
	}

	// a second call with nothing changed must be a no-op
	if err := sc.CheckCheckpointPubKey(); err != nil {
		t.Fatalf("CheckCheckpointPubKey (unchanged): %s", err)
	}

	// simulate a checkpoint master key rotation
	rotated := withTestMasterKey(t)
	_ = rotated
	if err := sc.CheckCheckpointPubKey(); err != nil {
		t.Fatalf("CheckCheckpointPubKey (rotated): %s", err)
	}
	newKey, err := checkpointMasterPubKeyBytes()
	if err != nil {
		t.Fatalf("checkpointMasterPubKeyBytes: %s", err)
	}
	if string(db.pubKey) != string(newKey) {
		t.Fatalf("expected rotation to overwrite the stored key")
	}
	if string(newKey) == string(firstKey) {
		t.Fatalf("test fixture error: rotated key should differ from the first")
	}
}

// testWIF is a widely published example WIF-encoded private key, used only
// to exercise InstallMasterPrivateKey's decode-and-test-sign path.
const testWIF = "5HueCGU8rMjxEXxiPuD5BDku4MkFqeZyd4dZ1jvhTVqvbTLvyTJ"

func TestInstallMasterPrivateKeyForcesEnforce(t *testing.T) {
	withTestMasterKey(t)
	sc, _, _, _, _, _ := newTestEngine(t, false)

	if err := sc.InstallMasterPrivateKey(testWIF); err != nil {
		t.Fatalf("InstallMasterPrivateKey: %s", err)
	}
	if !sc.store.Enforce() {
		t.Fatalf("expected enforcement to be forced on after installing a master key")
	}
	if sc.store.MasterKey() == nil {
		t.Fatalf("expected master key to be installed")
	}

	if err := sc.SetEnforce(false); err == nil {
		t.Fatalf("expected SetEnforce(false) to fail while a master key is installed")
	}
}

// fakeOrphanPool is an in-memory stand-in for a host's orphan block buffer.
type fakeOrphanPool struct {
	orphans map[BlockID]*Block
}

func (f *fakeOrphanPool) Get(id BlockID) (*Block, bool) {
	b, ok := f.orphans[id]
	return b, ok
}

func TestWantBlockDirectMatch(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, _, _, _, _, _ := newTestEngine(t, false)

	unseen := idFromUint64(777)
	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: unseen})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}
	if _, err := sc.Process(signed); err != nil {
		t.Fatalf("Process: %s", err)
	}

	if !sc.WantBlock(unseen, nil) {
		t.Fatalf("expected WantBlock to match the pending checkpoint's block directly")
	}
	if sc.WantBlock(idFromUint64(778), nil) {
		t.Fatalf("expected WantBlock to reject an unrelated block")
	}
}

func TestWantBlockViaOrphanChain(t *testing.T) {
	priv := withTestMasterKey(t)
	sc, _, _, _, _, _ := newTestEngine(t, false)

	pending := idFromUint64(801)
	orphan1 := idFromUint64(802)
	orphan2 := idFromUint64(803)
	missingParent := idFromUint64(804)

	pool := &fakeOrphanPool{orphans: map[BlockID]*Block{
		pending: {Header: &BlockHeader{Previous: orphan1}},
		orphan1: {Header: &BlockHeader{Previous: orphan2}},
		orphan2: {Header: &BlockHeader{Previous: missingParent}},
	}}

	signed, err := SignCheckpoint(priv, UnsignedCheckpoint{HashCheckpoint: pending})
	if err != nil {
		t.Fatalf("SignCheckpoint: %s", err)
	}
	if _, err := sc.Process(signed); err != nil {
		t.Fatalf("Process: %s", err)
	}

	if !sc.WantBlock(missingParent, pool) {
		t.Fatalf("expected WantBlock to walk the orphan chain back to the missing parent")
	}
	if sc.WantBlock(orphan1, pool) {
		t.Fatalf("an orphan already buffered is not the block being asked for")
	}
}
