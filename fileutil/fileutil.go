// Package fileutil turns the list of files and directories a user picked
// into the flat list of files that make up a bag's payload.
package fileutil

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// File is one regular file to be added to a bag.
type File struct {
	Path string // absolute path on the local file system
	Rel  string // path relative to the common ancestor, with forward slashes
	Size int64
}

// Options control how directories are expanded.
type Options struct {
	// SkipHidden leaves out files and directories whose name begins
	// with a period.
	SkipHidden bool
}

// Expand returns every regular file named in paths or found under a
// directory named in paths. Directories are walked in lexical order. The
// result keeps the order of paths and has no duplicates. Each file's Rel is
// its path relative to the common ancestor of the parent directories of
// paths, so a directory given by the user keeps its own name in the bag.
// Symlinks found while walking a directory are not followed.
func Expand(paths []string, opts Options) ([]File, error) {
	var abs []string
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, err
		}
		abs = append(abs, a)
	}
	root := CommonAncestor(abs)
	seen := make(map[string]bool)
	var result []File
	add := func(p string, info os.FileInfo) error {
		if seen[p] || !info.Mode().IsRegular() {
			return nil
		}
		seen[p] = true
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		result = append(result, File{
			Path: p,
			Rel:  filepath.ToSlash(rel),
			Size: info.Size(),
		})
		return nil
	}
	for _, p := range abs {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			if err := add(p, info); err != nil {
				return nil, err
			}
			continue
		}
		err = filepath.Walk(p, func(fpath string, info os.FileInfo, err error) error {
			if err != nil {
				return err
			}
			if opts.SkipHidden && fpath != p && strings.HasPrefix(info.Name(), ".") {
				if info.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if info.IsDir() {
				return nil
			}
			return add(fpath, info)
		})
		if err != nil {
			return nil, errors.Wrapf(err, "expanding %s", p)
		}
	}
	return result, nil
}

// CommonAncestor returns the deepest directory containing the parent
// directory of every path given. The paths should be absolute and clean.
// It returns "" for an empty list.
func CommonAncestor(paths []string) string {
	if len(paths) == 0 {
		return ""
	}
	ancestor := filepath.Dir(paths[0])
	for _, p := range paths[1:] {
		dir := filepath.Dir(p)
		for !within(dir, ancestor) {
			parent := filepath.Dir(ancestor)
			if parent == ancestor {
				break
			}
			ancestor = parent
		}
	}
	return ancestor
}

// within returns true if p is dir or is inside dir.
func within(p, dir string) bool {
	rel, err := filepath.Rel(dir, p)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

// TotalSize adds up the sizes of the files.
func TotalSize(files []File) int64 {
	var n int64
	for _, f := range files {
		n += f.Size
	}
	return n
}
