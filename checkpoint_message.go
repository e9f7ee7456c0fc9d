// Copyright 2019 cruzbit developers
// Use of this source code is governed by a MIT-style license that can be found in the LICENSE file.

package cruzbit

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	btcecdsa "github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// checkpointMessageVersion is the wire version of UnsignedCheckpoint's
// payload. Bumping it lets a future revision add fields to the payload
// without changing the outer SignedCheckpoint envelope.
const checkpointMessageVersion byte = 1

// the checkpoint master's public key, hard-coded per network.
const (
	mainNetCheckpointMasterPubKey = "04c0c707c28533fd5c9f79d2d3a2d80dff259ad8f915241cd14608fb9bc07c74830efe8438f2b272a866b4af5e0c2cc2a9909972aefbd976937e39f46bb38c277c"
	testNetCheckpointMasterPubKey = "0400c195be8d5194007b3f02249f785a51505776bd8f43cc6d49206163e08a63ad9009c814966921c361b14949c51e281edc9347e7ce0e8c57019df1313a6cac7b"
)

// TestNet selects which hard-coded checkpoint master public key Verify
// checks signatures against. It defaults to false (the main network key);
// no command-line flag in this repository sets it.
var TestNet = false

// Sentinel error kinds distinguished per the checkpoint error model: a bad
// signature is never the named block's fault, a bad payload is never the
// signer's fault.
var (
	ErrBadSignature = errors.New("sync-checkpoint: bad signature")
	ErrBadPayload   = errors.New("sync-checkpoint: bad payload")
	ErrBadKey       = errors.New("sync-checkpoint: bad private key")
)

// UnsignedCheckpoint names the block the checkpoint master wants the
// network to converge on.
type UnsignedCheckpoint struct {
	HashCheckpoint BlockID
}

// SignedCheckpoint is the wire message: the canonical encoding of an
// UnsignedCheckpoint plus a DER-encoded ECDSA signature over it. Higher
// layers treat Msg as opaque bytes -- it's hashed and verified before it's
// ever parsed, so a receiver never trusts a field it hasn't authenticated.
type SignedCheckpoint struct {
	Msg []byte `json:"msg"`
	Sig []byte `json:"sig"`
}

// Serialize returns the canonical wire encoding of an UnsignedCheckpoint: a
// one-byte version followed by the 32-byte block hash, little-endian as
// stored by BlockID itself.
func (u UnsignedCheckpoint) Serialize() []byte {
	buf := make([]byte, 1+len(u.HashCheckpoint))
	buf[0] = checkpointMessageVersion
	copy(buf[1:], u.HashCheckpoint[:])
	return buf
}

// deserializeUnsignedCheckpoint parses the canonical payload produced by
// Serialize. Called only after the signature over the raw bytes has
// already been verified.
func deserializeUnsignedCheckpoint(msg []byte) (*UnsignedCheckpoint, error) {
	if len(msg) != 1+32 {
		return nil, fmt.Errorf("%w: invalid payload length %d", ErrBadPayload, len(msg))
	}
	if msg[0] != checkpointMessageVersion {
		return nil, fmt.Errorf("%w: unsupported payload version %d", ErrBadPayload, msg[0])
	}
	var u UnsignedCheckpoint
	copy(u.HashCheckpoint[:], msg[1:])
	return &u, nil
}

// checkpointDigest is the hash the signature is computed over: double
// SHA-256 of the raw message bytes, matching the original bitcoin-family
// wire format this subsystem was distilled from.
func checkpointDigest(msg []byte) []byte {
	return chainhash.DoubleHashB(msg)
}

// testMasterPubKeyOverride lets tests verify against a freshly generated
// keypair instead of the hard-coded network key, since the real master
// private key is, by design, not known to this codebase. Left nil in
// production.
var testMasterPubKeyOverride []byte

func checkpointMasterPubKeyBytes() ([]byte, error) {
	if testMasterPubKeyOverride != nil {
		return testMasterPubKeyOverride, nil
	}
	keyHex := mainNetCheckpointMasterPubKey
	if TestNet {
		keyHex = testNetCheckpointMasterPubKey
	}
	return hex.DecodeString(keyHex)
}

func checkpointMasterPubKey() (*btcec.PublicKey, error) {
	keyBytes, err := checkpointMasterPubKeyBytes()
	if err != nil {
		return nil, err
	}
	return btcec.ParsePubKey(keyBytes)
}

// SignCheckpoint produces a SignedCheckpoint naming unsigned's block hash,
// signed with the checkpoint master's private key.
func SignCheckpoint(priv *btcec.PrivateKey, unsigned UnsignedCheckpoint) (*SignedCheckpoint, error) {
	if priv == nil {
		return nil, fmt.Errorf("%w: nil private key", ErrBadKey)
	}
	msg := unsigned.Serialize()
	sig := btcecdsa.Sign(priv, checkpointDigest(msg))
	return &SignedCheckpoint{Msg: msg, Sig: sig.Serialize()}, nil
}

// Verify checks Sig against the hard-coded checkpoint master public key for
// the active network and, only on success, parses and returns the payload.
func (s *SignedCheckpoint) Verify() (*UnsignedCheckpoint, error) {
	pubKey, err := checkpointMasterPubKey()
	if err != nil {
		return nil, err
	}
	sig, err := btcecdsa.ParseDERSignature(s.Sig)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadSignature, err)
	}
	if !sig.Verify(checkpointDigest(s.Msg), pubKey) {
		return nil, fmt.Errorf("%w: verification failed", ErrBadSignature)
	}
	return deserializeUnsignedCheckpoint(s.Msg)
}

// DecodeMasterPrivateKey parses a WIF-encoded secp256k1 private key, the
// same format used for -checkpointkey and for the 'makekeypair'-produced
// key an operator installs as the checkpoint master.
func DecodeMasterPrivateKey(wif string) (*btcec.PrivateKey, error) {
	decoded, err := btcutil.DecodeWIF(wif)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrBadKey, err)
	}
	priv, _ := btcec.PrivKeyFromBytes(decoded.PrivKey.Serialize())
	return priv, nil
}
