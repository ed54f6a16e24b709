package bagit

import (
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/ndlib/bagship/util"
)

// Writer creates a new bag in a directory on the local file system. Payload
// files are added with Create, tag files with CreateTag or WriteTagFile. When
// it is closed, the payload manifests and then the tag manifests are written.
//
// A Writer is not goroutine safe.
type Writer struct {
	root     string      // the bag directory
	algs     []Algorithm // payload manifest algorithms
	tagalgs  []Algorithm // tag manifest algorithms
	payload  []entry     // payload files, in the order added
	tags     []entry     // tag files, in the order written
	ns       int         // number of payload files
	sz       int64       // size of the payload files, in bytes
	inflight bool        // true while a file returned by create is open
}

type entry struct {
	name string            // relative to the bag root, with forward slashes
	sums map[string]string // algorithm -> hex digest
}

// NewWriter starts a new bag in the directory root, which must not exist or
// be empty. The payload files are checksummed with algs, and the tag files
// with tagalgs.
func NewWriter(root string, algs, tagalgs []Algorithm) (*Writer, error) {
	for _, a := range append(append([]Algorithm{}, algs...), tagalgs...) {
		if !a.Supported() {
			return nil, fmt.Errorf("unsupported digest algorithm %q", a)
		}
	}
	err := os.MkdirAll(filepath.Join(root, PayloadDir), 0775)
	if err != nil {
		return nil, errors.Wrap(err, "creating bag directory")
	}
	return &Writer{
		root:    root,
		algs:    algs,
		tagalgs: tagalgs,
	}, nil
}

// Root returns the directory the bag is being written into.
func (w *Writer) Root() string { return w.root }

// Create a new payload file inside this bag. The file will be put inside the
// "data/" directory, and name may contain forward slashes to make
// subdirectories. The file must be closed before the next one is created.
func (w *Writer) Create(name string) (io.WriteCloser, error) {
	name = toSlash(path.Join(PayloadDir, name))
	return w.create(name, w.algs, func(e entry, n int64) {
		w.payload = append(w.payload, e)
		w.ns++
		w.sz += n
	})
}

// CreateTag creates a tag file at the given path relative to the bag root.
// Its checksum will be put into the tag manifests.
func (w *Writer) CreateTag(name string) (io.WriteCloser, error) {
	return w.create(toSlash(name), w.tagalgs, func(e entry, n int64) {
		w.tags = append(w.tags, e)
	})
}

// WriteTagFile renders tf into the bag.
func (w *Writer) WriteTagFile(tf *TagFile) error {
	out, err := w.CreateTag(tf.Name)
	if err != nil {
		return err
	}
	err = tf.Render(out)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return err
}

func (w *Writer) create(name string, algs []Algorithm, done func(entry, int64)) (io.WriteCloser, error) {
	if w.inflight {
		return nil, errors.New("bagit: previous file still open")
	}
	fname := filepath.Join(w.root, filepath.FromSlash(name))
	if err := os.MkdirAll(filepath.Dir(fname), 0775); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(fname, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0664)
	if err != nil {
		return nil, err
	}
	w.inflight = true
	return &fileWriter{
		f:    f,
		hw:   NewHashWriter(f, algs),
		name: name,
		done: func(e entry, n int64) {
			w.inflight = false
			done(e, n)
		},
	}, nil
}

// PayloadOxum returns the Payload-Oxum tag value for the payload written so
// far: the octet count and the stream count joined with a period.
func (w *Writer) PayloadOxum() string {
	return FormatOxum(w.sz, w.ns)
}

// FormatOxum renders a Payload-Oxum value.
func FormatOxum(size int64, count int) string {
	return fmt.Sprintf("%d.%d", size, count)
}

// PayloadSize returns the number of payload bytes written so far.
func (w *Writer) PayloadSize() int64 { return w.sz }

// Close writes out the payload manifests and then the tag manifests. The
// payload manifests are listed in the tag manifests. Tag manifests are only
// written for algorithms given to NewWriter.
func (w *Writer) Close() error {
	if w.inflight {
		return errors.New("bagit: file still open")
	}
	for _, a := range w.algs {
		err := w.writeManifest(ManifestName(a), a, w.payload)
		if err != nil {
			return err
		}
	}
	// copy the tag list since writing the tag manifests would grow it
	tags := append([]entry{}, w.tags...)
	for _, a := range w.tagalgs {
		err := w.writeManifest(TagManifestName(a), a, tags)
		if err != nil {
			return err
		}
	}
	return nil
}

// Manifest returns the payload manifest for the given algorithm as it stands
// now.
func (w *Writer) Manifest(a Algorithm) *Manifest {
	m := &Manifest{Algorithm: a}
	for _, e := range w.payload {
		if sum, ok := e.sums[string(a)]; ok {
			m.Add(sum, e.name)
		}
	}
	return m
}

func (w *Writer) writeManifest(name string, a Algorithm, files []entry) error {
	m := &Manifest{Algorithm: a}
	for _, e := range files {
		m.Add(e.sums[string(a)], e.name)
	}
	out, err := w.CreateTag(name)
	if err != nil {
		return err
	}
	err = m.Render(out)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	return errors.Wrapf(err, "writing %s", name)
}

// fileWriter tracks one open file in the bag. When it is closed the
// checksums are recorded.
type fileWriter struct {
	f    *os.File
	hw   *util.HashWriter
	name string
	n    int64
	done func(entry, int64)
}

func (fw *fileWriter) Write(p []byte) (int, error) {
	n, err := fw.hw.Write(p)
	fw.n += int64(n)
	return n, err
}

func (fw *fileWriter) Close() error {
	if fw.done == nil {
		return nil
	}
	err := fw.f.Close()
	fw.done(entry{name: fw.name, sums: fw.hw.HexSums()}, fw.n)
	fw.done = nil
	return err
}

// Metric constants for Humansize. Lowercased so as to be unexported.
const (
	kb int64 = 1000
	mb       = 1000 * kb
	gb       = 1000 * mb
	tb       = 1000 * gb
)

// Humansize renders a byte count the way the Bag-Size tag expects, e.g.
// "10 MB". Sizes are truncated, not rounded.
func Humansize(size int64) string {
	var units string
	switch {
	case size < kb:
		units = "Bytes"
	case size < mb:
		size /= kb
		units = "KB"
	case size < gb:
		size /= mb
		units = "MB"
	case size < tb:
		size /= gb
		units = "GB"
	default:
		size /= tb
		units = "TB"
	}
	return fmt.Sprintf("%d %s", size, units)
}
