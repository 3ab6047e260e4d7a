// Copyright (c) 2017-2024 The Decred developers
// Use of this source code is governed by an ISC
// license that can be found in the LICENSE file.

// Package merkle implements the accumulator Merkle tree used by price update
// proofs.  Hashes are keccak256 truncated to 20 bytes.  Leaves and interior
// nodes are domain separated by a one byte prefix and interior nodes hash
// their children in sorted order, so a proof is only the list of siblings.
package merkle

import (
	"bytes"
	"errors"

	"github.com/ethereum/go-ethereum/crypto"
)

// HashSize is the size of an accumulator hash.
const HashSize = 20

const (
	leafPrefix = 0x00
	nodePrefix = 0x01
)

var (
	// ErrEmpty is returned when a tree is built from no leaves.
	ErrEmpty = errors.New("empty tree")

	// ErrIndex is returned when a proof is requested for a leaf that is
	// not in the tree.
	ErrIndex = errors.New("leaf index out of range")
)

// Hash is a truncated keccak256 digest.
type Hash [HashSize]byte

// Keccak160 returns the first 20 bytes of the keccak256 digest of the
// concatenated input.
func Keccak160(data ...[]byte) Hash {
	var h Hash
	copy(h[:], crypto.Keccak256(data...))
	return h
}

// LeafHash returns the hash of a leaf carrying the provided message.
func LeafHash(msg []byte) Hash {
	return Keccak160([]byte{leafPrefix}, msg)
}

// NodeHash returns the hash of an interior node.  The children are hashed in
// ascending order.
func NodeHash(a, b Hash) Hash {
	if bytes.Compare(a[:], b[:]) > 0 {
		a, b = b, a
	}
	return Keccak160([]byte{nodePrefix}, a[:], b[:])
}

// nullHash pads the leaf level up to a power of two.
var nullHash = LeafHash(nil)

// nextPowerOfTwo returns the smallest power of two that is >= n.
func nextPowerOfTwo(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// Tree returns the flattened tree for the provided leaf hashes.  The leaf
// level is padded to a power of two, each level follows the previous one and
// the last element is the root.  Tree returns nil when there are no leaves.
func Tree(leaves []Hash) []Hash {
	if len(leaves) == 0 {
		return nil
	}

	width := nextPowerOfTwo(len(leaves))
	tree := make([]Hash, 0, width*2-1)
	tree = append(tree, leaves...)
	for len(tree) < width {
		tree = append(tree, nullHash)
	}

	offset := 0
	for ; width > 1; width /= 2 {
		for i := 0; i < width; i += 2 {
			tree = append(tree, NodeHash(tree[offset+i],
				tree[offset+i+1]))
		}
		offset += width
	}

	return tree
}

// Root returns the root of the tree built from the provided leaves.
func Root(leaves []Hash) (Hash, error) {
	tree := Tree(leaves)
	if tree == nil {
		return Hash{}, ErrEmpty
	}
	return tree[len(tree)-1], nil
}

// AuthPath returns the siblings, bottom up, that prove the leaf at index is
// part of the tree.
func AuthPath(leaves []Hash, index int) ([]Hash, error) {
	if len(leaves) == 0 {
		return nil, ErrEmpty
	}
	if index < 0 || index >= len(leaves) {
		return nil, ErrIndex
	}

	tree := Tree(leaves)
	width := nextPowerOfTwo(len(leaves))
	path := make([]Hash, 0, 8)
	offset := 0
	for ; width > 1; width /= 2 {
		path = append(path, tree[offset+(index^1)])
		offset += width
		index /= 2
	}

	return path, nil
}

// Fold walks the proof from the leaf and returns the resulting root.
func Fold(leaf Hash, proof []Hash) Hash {
	h := leaf
	for _, sibling := range proof {
		h = NodeHash(h, sibling)
	}
	return h
}

// VerifyAuthPath reports whether the proof links the leaf to the root.
func VerifyAuthPath(root, leaf Hash, proof []Hash) bool {
	return Fold(leaf, proof) == root
}
