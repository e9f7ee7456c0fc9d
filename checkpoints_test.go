// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import "testing"

func TestCheckpointCheckMatch(t *testing.T) {
	id, err := blockIDFromHex(Checkpoints[LatestCheckpointHeight])
	if err != nil {
		t.Fatalf("blockIDFromHex: %s", err)
	}
	if err := CheckpointCheck(id, LatestCheckpointHeight); err != nil {
		t.Fatalf("CheckpointCheck: %s", err)
	}
}

func TestCheckpointCheckMismatch(t *testing.T) {
	if err := CheckpointCheck(idFromUint64(1), LatestCheckpointHeight); err == nil {
		t.Fatalf("expected error for a block ID that doesn't match the checkpoint")
	}
}

func TestCheckpointCheckNonCheckpointHeight(t *testing.T) {
	// a height with no entry in the table is never checked
	if err := CheckpointCheck(idFromUint64(1), LatestCheckpointHeight+1); err != nil {
		t.Fatalf("CheckpointCheck: %s", err)
	}
}

func TestLatestHardened(t *testing.T) {
	id, ok := LatestHardened()
	if !ok {
		t.Fatalf("expected LatestHardened to find the highest checkpoint")
	}
	want, err := blockIDFromHex(Checkpoints[LatestCheckpointHeight])
	if err != nil {
		t.Fatalf("blockIDFromHex: %s", err)
	}
	if id != want {
		t.Fatalf("LatestHardened() = %s, want %s", id, want)
	}
}

func TestBlockIDFromHexRoundTrip(t *testing.T) {
	id := idFromUint64(42)
	parsed, err := blockIDFromHex(id.String())
	if err != nil {
		t.Fatalf("blockIDFromHex: %s", err)
	}
	if parsed != id {
		t.Fatalf("round trip mismatch: got %s, want %s", parsed, id)
	}
}

func TestBlockIDFromHexInvalidLength(t *testing.T) {
	if _, err := blockIDFromHex("abcd"); err == nil {
		t.Fatalf("expected error for a short hex string")
	}
}
