package storage

import (
	"context"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/jobs"
)

// FileSystem stores packages in a directory on a local or mounted file
// system. The service's Prefix is the root directory. Keys are slash
// separated paths below the root. Files are written into a scratch
// directory first and renamed into place once complete, so a partial upload
// is never visible under its key.
type FileSystem struct {
	base
}

const (
	// the subdir to store files while they are being written to.
	scratchdir = ".scratch"
)

var (
	// ErrKeyInvalid means the key cannot be used as a path below the root.
	ErrKeyInvalid = errors.New("key is not a valid relative path")

	// ErrKeyContainsNonUnicode means the key provided contains a Non Unicode Rune
	ErrKeyContainsNonUnicode = errors.New("Key contains Non-Unicode character")

	// ErrKeyContainsControlChar  means the key provided contains Control Characters
	ErrKeyContainsControlChar = errors.New("Key contains Control Characters")
)

// NewFileSystem returns a provider storing into the directory svc.Prefix.
func NewFileSystem(svc Service) *FileSystem {
	return &FileSystem{base: base{svc: svc}}
}

// Describe returns the provider metadata.
func (s *FileSystem) Describe() Description {
	return Description{
		Name:        "File System",
		Description: "A directory on a local or mounted file system",
		Version:     "1.0",
		Protocol:    "file",
	}
}

// HasRequiredConnectionInfo returns true if a root directory is given.
func (s *FileSystem) HasRequiredConnectionInfo() bool {
	return s.svc.Prefix != ""
}

// List returns every file below the root whose key begins with prefix.
// The scratch directory is skipped.
func (s *FileSystem) List(ctx context.Context, prefix string) *ListResult {
	result := &ListResult{ServiceType: "file"}
	if !s.HasRequiredConnectionInfo() {
		result.Error = jobs.E(jobs.ConnectionInfoMissing, ErrConnectionInfoMissing)
		return result
	}
	root := s.svc.Prefix
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			if p == root && os.IsNotExist(err) {
				// nothing has been stored yet
				return filepath.SkipDir
			}
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if info.IsDir() {
			if info.Name() == scratchdir && filepath.Dir(p) == filepath.Clean(root) {
				return filepath.SkipDir
			}
			return nil
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		key := filepath.ToSlash(rel)
		if strings.HasPrefix(key, prefix) {
			result.Files = append(result.Files, NetworkFile{
				Name:         key,
				Size:         info.Size(),
				LastModified: info.ModTime(),
			})
		}
		return nil
	})
	if err != nil {
		result.Error = jobs.E(jobs.TransferFailure, err)
	}
	return result
}

// Upload copies the package at localPath to remoteKey below the root,
// replacing anything already there.
func (s *FileSystem) Upload(ctx context.Context, localPath, remoteKey string) *jobs.OperationResult {
	return s.upload(ctx, s.HasRequiredConnectionInfo(), localPath, remoteKey, s.put)
}

func (s *FileSystem) put(ctx context.Context, r io.Reader, key string, size int64) error {
	if err := isKeyValid(key); err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	target, err := s.setupSubDir(path.Dir(key), path.Base(key))
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	// now set up the scratch location we will temporarily save the file to.
	// Each upload gets its own scratch file.
	temp, err := s.setupSubDir(scratchdir, uuid.New().String()+"-"+path.Base(key))
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	w, err := os.OpenFile(temp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	_, err = io.Copy(w, ctxReader{ctx: ctx, r: r})
	if err2 := w.Close(); err == nil {
		err = err2
	}
	if err == nil {
		err = os.Rename(temp, target)
	}
	if err != nil {
		os.Remove(temp)
		return jobs.E(jobs.TransferFailure, err)
	}
	info, err := os.Stat(target)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	return checkSize(key, size, info.Size())
}

// setupSubDir makes sure the given subdirectory exists under the root, and
// then returns the absolute path to the keyed file, and an optional error.
func (s *FileSystem) setupSubDir(subdir, name string) (string, error) {
	dir := filepath.Join(s.svc.Prefix, filepath.FromSlash(subdir))
	err := os.MkdirAll(dir, 0775)
	return filepath.Join(dir, name), err
}

// Close does nothing.
func (s *FileSystem) Close() error { return nil }

// isKeyValid checks that a key is a clean relative path made of printable
// characters, and that it does not point into the scratch directory.
func isKeyValid(key string) error {
	if !utf8.ValidString(key) {
		return ErrKeyContainsNonUnicode
	}
	for _, r := range key {
		if unicode.IsControl(r) {
			return ErrKeyContainsControlChar
		}
	}
	if key == "" || path.IsAbs(key) || path.Clean(key) != key ||
		key == ".." || strings.HasPrefix(key, "../") {
		return errors.Wrap(ErrKeyInvalid, key)
	}
	if key == scratchdir || strings.HasPrefix(key, scratchdir+"/") {
		return errors.Wrap(ErrKeyInvalid, key)
	}
	return nil
}

// ctxReader stops a copy once its context is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
