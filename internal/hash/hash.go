// Package hash provides the content-hashing primitives used across the
// node: a general digest helper for logging/addressing, and the
// deterministic state-root computation the state store recomputes after
// every applied diff.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"

	"golang.org/x/crypto/sha3"
)

// Calculate returns the hex-encoded SHA-256 digest of the canonical JSON
// encoding of data.
func Calculate(data interface{}) (string, error) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		return "", fmt.Errorf("failed to marshal data: %w", err)
	}

	sum := sha256.Sum256(jsonData)
	return hex.EncodeToString(sum[:]), nil
}

// CalculateString returns the hex-encoded SHA-256 digest of data.
func CalculateString(data string) string {
	sum := sha256.Sum256([]byte(data))
	return hex.EncodeToString(sum[:])
}

// Entry is a single committed key/value pair as read from the state
// store's entries table.
type Entry struct {
	Key   string
	Value string
}

// entryTree accumulates leaf hashes over a committed keyset and folds
// them into a single root, the same pairwise-combine shape the teacher's
// merkle tree used, but with SHA3-256 leaves per spec's root-hash
// guidance.
type entryTree struct {
	leaves []string
}

func (t *entryTree) addLeaf(e Entry) {
	canonical := e.Key + "=" + e.Value
	sum := sha3.Sum256([]byte(canonical))
	t.leaves = append(t.leaves, hex.EncodeToString(sum[:]))
}

func (t *entryTree) root() string {
	if len(t.leaves) == 0 {
		empty := sha3.Sum256(nil)
		return hex.EncodeToString(empty[:])
	}
	return foldLevel(t.leaves)
}

func foldLevel(hashes []string) string {
	if len(hashes) == 1 {
		return hashes[0]
	}

	var next []string
	for i := 0; i < len(hashes); i += 2 {
		var combined string
		if i+1 < len(hashes) {
			combined = hashes[i] + hashes[i+1]
		} else {
			combined = hashes[i] + hashes[i]
		}
		sum := sha3.Sum256([]byte(combined))
		next = append(next, hex.EncodeToString(sum[:]))
	}
	return foldLevel(next)
}

// RootOverEntries computes the state root spec.md's apply() requires: "a
// deterministic hash over the sorted committed keyset, e.g. SHA-3 over a
// canonical serialization". Entries are sorted by key before hashing so
// the result never depends on table scan order.
func RootOverEntries(entries []Entry) string {
	sorted := make([]Entry, len(entries))
	copy(sorted, entries)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Key < sorted[j].Key })

	t := &entryTree{}
	for _, e := range sorted {
		t.addLeaf(e)
	}
	return t.root()
}
