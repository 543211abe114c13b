// Copyright 2026 The Fleetrelay Authors
// SPDX-License-Identifier: Apache-2.0

package digest

import (
	"encoding/hex"
	"hash"

	"github.com/zeebo/blake3"
)

// Size is the digest length in bytes.
const Size = 32

// Digest is a BLAKE3-256 digest.
type Digest [Size]byte

// Sum returns the digest of data.
func Sum(data []byte) Digest {
	return Digest(blake3.Sum256(data))
}

// New returns a streaming hasher; finish it with FromHash.
func New() hash.Hash {
	return blake3.New()
}

// FromHash reads the digest out of a hasher returned by New.
func FromHash(hasher hash.Hash) Digest {
	var digest Digest
	copy(digest[:], hasher.Sum(nil))
	return digest
}

// String returns the canonical hex form.
func (d Digest) String() string {
	return hex.EncodeToString(d[:])
}

// Short returns the hex form of the first 16 bytes.
func (d Digest) Short() string {
	return hex.EncodeToString(d[:16])
}
