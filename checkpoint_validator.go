// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"fmt"
	"log"
)

// ValidationResult classifies a candidate checkpoint against the currently
// accepted one.
type ValidationResult int

const (
	// Unknown means the candidate names a block the node hasn't indexed.
	Unknown ValidationResult = iota
	// Advance means the candidate is a strict descendant of the accepted
	// checkpoint: higher, and on the same branch.
	Advance
	// IgnoreStale means the candidate is the accepted checkpoint itself or
	// an earlier checkpoint the node has already moved past.
	IgnoreStale
	// Conflict means the candidate is on a different branch than the
	// accepted checkpoint at their common height.
	Conflict
)

// checkpointError logs and returns a formatted error, mirroring the
// original C++ error() idiom used throughout checkpointsync.cpp.
func checkpointError(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	log.Printf("sync-checkpoint: %s", err)
	return err
}

// validateSyncCheckpoint decides how candidate relates to the currently
// accepted checkpoint by walking the block index, exactly as
// ValidateSyncCheckpoint does in the original: height-order the two blocks,
// walk the header chain of the higher one back to the other's height, and
// compare.
func validateSyncCheckpoint(blockStore BlockStorage, accepted, candidate BlockID) (ValidationResult, error) {
	candidateHeader, _, err := blockStore.GetBlockHeader(candidate)
	if err != nil {
		return Unknown, err
	}
	if candidateHeader == nil {
		return Unknown, nil
	}

	acceptedHeader, _, err := blockStore.GetBlockHeader(accepted)
	if err != nil {
		return Unknown, err
	}
	if acceptedHeader == nil {
		// the accepted checkpoint should always be indexed; treat its
		// absence the same way the original treats a missing index entry.
		return Unknown, checkpointError("accepted checkpoint %s not found in block index", accepted)
	}

	candidateHeight, acceptedHeight := candidateHeader.Height, acceptedHeader.Height
	if candidateHeight <= acceptedHeight {
		// candidate is not higher than what's accepted: it either is an
		// ancestor of it (stale) or conflicts with it.
		ancestorID, err := ancestorAtHeight(blockStore, accepted, acceptedHeader, candidateHeight)
		if err != nil {
			return Unknown, err
		}
		if ancestorID == candidate {
			return IgnoreStale, nil
		}
		return Conflict, nil
	}

	// candidate is higher: walk it back to accepted's height and see if it
	// passes through accepted.
	ancestorID, err := ancestorAtHeight(blockStore, candidate, candidateHeader, acceptedHeight)
	if err != nil {
		return Unknown, err
	}
	if ancestorID == accepted {
		return Advance, nil
	}
	return Conflict, nil
}

// ancestorAtHeight walks parent pointers from (startID, startHeader), whose
// own height must already be >= targetHeight, back to targetHeight and
// returns the block ID found there.
func ancestorAtHeight(blockStore BlockStorage, startID BlockID, startHeader *BlockHeader, targetHeight int64) (BlockID, error) {
	id := startID
	header := startHeader
	height := startHeader.Height

	for height > targetHeight {
		if header.Previous == (BlockID{}) {
			return BlockID{}, checkpointError("ran off the end of the chain looking for height %d", targetHeight)
		}
		parentHeader, _, err := blockStore.GetBlockHeader(header.Previous)
		if err != nil {
			return BlockID{}, err
		}
		if parentHeader == nil {
			return BlockID{}, checkpointError("missing block index entry for %s while walking to height %d", header.Previous, targetHeight)
		}
		id = header.Previous
		header = parentHeader
		height = parentHeader.Height
	}

	if height != targetHeight {
		return BlockID{}, checkpointError("walked past height %d looking for ancestor of %s", targetHeight, startID)
	}
	return id, nil
}
