// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

// CheckpointDatabase is the block-database interface the checkpoint
// subsystem uses to persist the master public key it last saw and the
// currently accepted sync-checkpoint hash. It's implemented by
// BlockStorageDisk against the same LevelDB handle used for block headers.
type CheckpointDatabase interface {
	// ReadCheckpointPubKey returns the last-seen checkpoint master public
	// key, or nil if none has been stored yet.
	ReadCheckpointPubKey() ([]byte, error)

	// WriteCheckpointPubKey stores the checkpoint master public key.
	WriteCheckpointPubKey(pubKey []byte) error

	// WriteSyncCheckpoint stores the accepted sync-checkpoint block hash.
	WriteSyncCheckpoint(id BlockID) error

	// Sync commits any buffered writes to stable storage.
	Sync() error
}

// ChainReorganizer forces the main chain onto the named block regardless of
// its cumulative proof-of-work. It's the "set_best_chain" external
// collaborator from the design, implemented by Processor.
type ChainReorganizer interface {
	// IsMainChain reports whether id is currently on the main chain, at any
	// height, not just at the tip. Enforcement only calls ForceBestChain
	// when this is false.
	IsMainChain(id BlockID) (bool, error)

	// ForceBestChain reorganizes the main chain so id lies on it.
	ForceBestChain(id BlockID) error
}

// CheckpointBroadcaster distributes an accepted or newly-promoted checkpoint
// message to connected peers. Implemented by Processor, whose registered
// Peer writer loops turn the notification into an outbound protocol message.
type CheckpointBroadcaster interface {
	BroadcastCheckpoint(msg *SignedCheckpoint)
}

// OrphanPool looks up blocks buffered because their parent hasn't been seen
// yet. cruzbit itself doesn't buffer orphans -- processBlock rejects them
// outright rather than queueing them -- so nothing in this repo implements
// it, and WantBlock is called only from tests. The interface and
// WantedByOrphan are fully implemented and tested for hosts that do buffer
// orphans.
type OrphanPool interface {
	Get(id BlockID) (*Block, bool)
}
