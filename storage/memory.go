package storage

import (
	"bytes"
	"context"
	"crypto/md5"
	"encoding/hex"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/ndlib/bagship/jobs"
)

// Memory implements a simple in-memory destination. It is intended
// mainly for testing. Every Memory provider has its own contents, even when
// two are made from the same service.
type Memory struct {
	base
	m     sync.RWMutex
	store map[string]memObject
}

type memObject struct {
	b        []byte
	etag     string
	modified time.Time
}

// NewMemory returns a new, empty memory provider.
func NewMemory(svc Service) *Memory {
	return &Memory{base: base{svc: svc}, store: make(map[string]memObject)}
}

// Describe returns the provider metadata.
func (ms *Memory) Describe() Description {
	return Description{
		Name:        "Memory",
		Description: "In-memory storage for testing",
		Version:     "1.0",
		Protocol:    "memory",
	}
}

// HasRequiredConnectionInfo always returns true.
func (ms *Memory) HasRequiredConnectionInfo() bool { return true }

// List returns all the entries whose key begins with the given prefix,
// sorted by key. The ETag of each is the hex MD5 of its content.
func (ms *Memory) List(ctx context.Context, prefix string) *ListResult {
	result := &ListResult{ServiceType: "memory"}
	ms.m.RLock()
	for k, v := range ms.store {
		if strings.HasPrefix(k, prefix) {
			result.Files = append(result.Files, NetworkFile{
				Name:         k,
				Size:         int64(len(v.b)),
				ETag:         v.etag,
				LastModified: v.modified,
			})
		}
	}
	ms.m.RUnlock()
	sort.Slice(result.Files, func(i, j int) bool {
		return result.Files[i].Name < result.Files[j].Name
	})
	return result
}

// Upload copies the package at localPath into memory under remoteKey.
func (ms *Memory) Upload(ctx context.Context, localPath, remoteKey string) *jobs.OperationResult {
	return ms.upload(ctx, true, localPath, remoteKey, ms.put)
}

func (ms *Memory) put(ctx context.Context, r io.Reader, key string, size int64) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, ctxReader{ctx: ctx, r: r}); err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	sum := md5.Sum(buf.Bytes())
	ms.m.Lock()
	ms.store[key] = memObject{
		b:        buf.Bytes(),
		etag:     hex.EncodeToString(sum[:]),
		modified: ms.clk().Now(),
	}
	ms.m.Unlock()
	return checkSize(key, size, int64(buf.Len()))
}

// Get returns the content stored under key.
func (ms *Memory) Get(key string) ([]byte, bool) {
	ms.m.RLock()
	v, ok := ms.store[key]
	ms.m.RUnlock()
	return v.b, ok
}

// Close does nothing. The contents are kept.
func (ms *Memory) Close() error { return nil }

// Dump writes a listing of the contents of the store to the given writer.
// This is intended for testing and debugging.
func (ms *Memory) Dump(w io.Writer) {
	ms.m.RLock()
	defer ms.m.RUnlock()
	var keys []string
	for k := range ms.store {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s := ms.store[k].b
		if len(s) > 300 {
			s = s[:50]
		}
		fmt.Fprintf(w, "%s: %s\n", k, string(s))
	}
}
