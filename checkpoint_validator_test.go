// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"encoding/binary"
	"testing"
)

// fakeBlockStore is a minimal in-memory BlockStorage backing only
// GetBlockHeader, the only method the checkpoint subsystem calls.
type fakeBlockStore struct {
	headers map[BlockID]*BlockHeader
}

func newFakeBlockStore() *fakeBlockStore {
	return &fakeBlockStore{headers: make(map[BlockID]*BlockHeader)}
}

func (f *fakeBlockStore) add(id BlockID, header *BlockHeader) {
	f.headers[id] = header
}

func (f *fakeBlockStore) Store(id BlockID, block *Block, now int64) error { return nil }
func (f *fakeBlockStore) GetBlock(id BlockID) (*Block, error)             { return nil, nil }
func (f *fakeBlockStore) GetBlockBytes(id BlockID) ([]byte, error)        { return nil, nil }

func (f *fakeBlockStore) GetBlockHeader(id BlockID) (*BlockHeader, int64, error) {
	h, ok := f.headers[id]
	if !ok {
		return nil, 0, nil
	}
	return h, 0, nil
}

func (f *fakeBlockStore) GetTransaction(id BlockID, index int) (*Transaction, *BlockHeader, error) {
	return nil, nil, nil
}

// idFromUint64 builds a deterministic, distinct BlockID for test fixtures.
func idFromUint64(n uint64) BlockID {
	var id BlockID
	binary.BigEndian.PutUint64(id[24:], n)
	return id
}

// buildLinearChain populates store with n blocks at heights 0..n-1, each
// extending the previous, and returns their IDs in height order. Block 0's
// Previous is the zero BlockID, as genesis's is in the real chain.
func buildLinearChain(store *fakeBlockStore, n int, seed uint64) []BlockID {
	ids := make([]BlockID, n)
	var prev BlockID
	for i := 0; i < n; i++ {
		id := idFromUint64(seed + uint64(i))
		store.add(id, &BlockHeader{Previous: prev, Height: int64(i), Time: int64(i * 600)})
		ids[i] = id
		prev = id
	}
	return ids
}

// extendChain appends n more blocks after (afterID, afterHeight), useful for
// building a conflicting branch off some common ancestor.
func extendChain(store *fakeBlockStore, afterID BlockID, afterHeight int64, n int, seed uint64) []BlockID {
	ids := make([]BlockID, n)
	prev := afterID
	for i := 0; i < n; i++ {
		id := idFromUint64(seed + uint64(i))
		height := afterHeight + 1 + int64(i)
		store.add(id, &BlockHeader{Previous: prev, Height: height, Time: height * 600})
		ids[i] = id
		prev = id
	}
	return ids
}

func TestValidateSyncCheckpointAdvance(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 5, 1000)

	result, err := validateSyncCheckpoint(store, chain[1], chain[4])
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != Advance {
		t.Fatalf("expected Advance, got %v", result)
	}
}

func TestValidateSyncCheckpointSameBlock(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 2, 2000)

	// candidate == accepted is just the candidateHeight <= acceptedHeight
	// case with zero ancestor-walk steps: it must be IgnoreStale, not
	// Advance, or a node that relays its own just-accepted checkpoint back
	// to itself would re-accept and re-relay it forever.
	result, err := validateSyncCheckpoint(store, chain[1], chain[1])
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != IgnoreStale {
		t.Fatalf("expected IgnoreStale for identical block, got %v", result)
	}
}

func TestValidateSyncCheckpointIgnoreStale(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 5, 3000)

	result, err := validateSyncCheckpoint(store, chain[3], chain[1])
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != IgnoreStale {
		t.Fatalf("expected IgnoreStale, got %v", result)
	}
}

func TestValidateSyncCheckpointConflictSameHeight(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 3, 4000)
	alt := extendChain(store, chain[0], 0, 1, 4100) // alt[0] also at height 1, off chain[1]

	result, err := validateSyncCheckpoint(store, chain[1], alt[0])
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != Conflict {
		t.Fatalf("expected Conflict, got %v", result)
	}
}

func TestValidateSyncCheckpointConflictDifferentBranch(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 3, 5000) // heights 0,1,2
	alt := extendChain(store, chain[1], 1, 3, 5100)

	result, err := validateSyncCheckpoint(store, chain[2], alt[2])
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != Conflict {
		t.Fatalf("expected Conflict, got %v", result)
	}
}

func TestValidateSyncCheckpointUnknownCandidate(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 2, 6000)

	result, err := validateSyncCheckpoint(store, chain[1], idFromUint64(999999))
	if err != nil {
		t.Fatalf("validateSyncCheckpoint: %s", err)
	}
	if result != Unknown {
		t.Fatalf("expected Unknown for unindexed candidate, got %v", result)
	}
}

func TestValidateSyncCheckpointMissingAccepted(t *testing.T) {
	store := newFakeBlockStore()
	chain := buildLinearChain(store, 2, 7000)

	if _, err := validateSyncCheckpoint(store, idFromUint64(888888), chain[1]); err == nil {
		t.Fatalf("expected error for missing accepted checkpoint")
	}
}
