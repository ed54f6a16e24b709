package util

import (
	"bytes"
	"encoding/hex"
	"hash"
	"io"
	"sort"
)

// A HashWriter wraps an io.Writer and also calculates a set of named hashes
// of the bytes written. The names are whatever the caller chooses, e.g.
// "md5" or "sha256".
type HashWriter struct {
	io.Writer // our io.MultiWriter
	hashes    map[string]hash.Hash
}

// NewHashWriter returns a HashWriter wrapping w and feeding every hash in
// hashes. Pass a nil w to only compute the checksums of the data written.
func NewHashWriter(w io.Writer, hashes map[string]hash.Hash) *HashWriter {
	hw := &HashWriter{hashes: hashes}
	var targets []io.Writer
	if w != nil {
		targets = append(targets, w)
	}
	for _, name := range hw.Names() {
		targets = append(targets, hashes[name])
	}
	hw.Writer = io.MultiWriter(targets...)
	return hw
}

// Names returns the names of the hashes being computed, in sorted order.
func (hw *HashWriter) Names() []string {
	var result []string
	for name := range hw.hashes {
		result = append(result, name)
	}
	sort.Strings(result)
	return result
}

// Sum returns the hash computed so far for the given name. It returns nil if
// this writer is not computing that hash.
func (hw *HashWriter) Sum(name string) []byte {
	h, ok := hw.hashes[name]
	if !ok {
		return nil
	}
	return h.Sum(nil)
}

// Check returns the named hash for this writer, and compares it for equality
// with the goal hash passed in. Returns true if goal matches, false
// otherwise. If the goal is empty then it is treated as matching, and true is
// returned.
func (hw *HashWriter) Check(name string, goal []byte) ([]byte, bool) {
	computed := hw.Sum(name)
	ok := len(goal) == 0 || bytes.Equal(goal, computed)
	return computed, ok
}

// HexSums returns every hash as a lowercase hex string keyed by name.
func (hw *HashWriter) HexSums() map[string]string {
	result := make(map[string]string, len(hw.hashes))
	for name, h := range hw.hashes {
		result[name] = hex.EncodeToString(h.Sum(nil))
	}
	return result
}
