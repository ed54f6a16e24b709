package bagit

import (
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pkg/errors"
)

// Reader gives access to the control files of an unserialized bag. It does
// not cache anything, every call goes to the file system.
type Reader struct {
	root string
}

// NewReader returns a Reader for the bag in directory root. It does not check
// that root is a bag.
func NewReader(root string) *Reader {
	return &Reader{root: root}
}

// Root returns the bag directory.
func (r *Reader) Root() string { return r.root }

// Path converts a bag relative path using forward slashes into a path on
// the local file system.
func (r *Reader) Path(name string) string {
	return filepath.Join(r.root, filepath.FromSlash(name))
}

// TagFile reads and parses the tag file having the given bag relative name.
func (r *Reader) TagFile(name string) (*TagFile, error) {
	f, err := os.Open(r.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseTagFile(f, name)
}

// Manifest reads and parses the given manifest or tag manifest.
func (r *Reader) Manifest(name string) (*Manifest, error) {
	a, _, err := ParseManifestName(name)
	if err != nil {
		return nil, err
	}
	f, err := os.Open(r.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	m, err := ParseManifest(f, a)
	return m, errors.Wrap(err, name)
}

// Manifests returns the names of the payload manifests and the tag
// manifests found in the bag root, each sorted. Files that look like
// manifests but use an unsupported algorithm are returned in unknown.
func (r *Reader) Manifests() (payload, tag, unknown []string, err error) {
	entries, err := readdirnames(r.root)
	if err != nil {
		return nil, nil, nil, err
	}
	for _, name := range entries {
		if !strings.HasPrefix(name, "manifest-") && !strings.HasPrefix(name, "tagmanifest-") {
			continue
		}
		_, istag, err := ParseManifestName(name)
		switch {
		case err != nil:
			unknown = append(unknown, name)
		case istag:
			tag = append(tag, name)
		default:
			payload = append(payload, name)
		}
	}
	return payload, tag, unknown, nil
}

// PayloadFiles walks the payload directory and returns every regular file
// found, as bag relative paths with forward slashes, sorted.
func (r *Reader) PayloadFiles() ([]string, error) {
	var result []string
	base := r.Path(PayloadDir)
	err := filepath.Walk(base, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(r.root, p)
		if err != nil {
			return err
		}
		result = append(result, filepath.ToSlash(rel))
		return nil
	})
	sort.Strings(result)
	return result, err
}

// Digest computes the given algorithms over the bag relative file name in a
// single pass and returns the hex digests keyed by algorithm.
func (r *Reader) Digest(name string, algs []Algorithm) (map[Algorithm]string, error) {
	f, err := os.Open(r.Path(name))
	if err != nil {
		return nil, err
	}
	defer f.Close()
	hw := NewHashWriter(nil, algs)
	if _, err := io.Copy(hw, f); err != nil {
		return nil, err
	}
	result := make(map[Algorithm]string, len(algs))
	for a, sum := range hw.HexSums() {
		result[Algorithm(a)] = sum
	}
	return result, nil
}

func readdirnames(dir string) ([]string, error) {
	f, err := os.Open(dir)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	names, err := f.Readdirnames(-1)
	sort.Strings(names)
	return names, err
}
