package bagit

import (
	"archive/tar"
	"archive/zip"
	"io"
	"os"
	"path"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/pkg/errors"
)

// Serialize writes the bag in directory dir into a single file dest using
// the given format. Every entry in the archive is placed under a top level
// directory having the same name as dir, as the BagIt spec requires. Entries
// are written in lexical order and all carry the modification time mtime, so
// serializing the same bag twice gives the same archive.
//
// On error the partially written dest is removed.
func Serialize(dir, dest string, format Format, mtime time.Time) (err error) {
	if !format.Supported() {
		return errors.Errorf("unsupported serialization format %q", format)
	}
	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0664)
	if err != nil {
		return err
	}
	defer func() {
		err2 := out.Close()
		if err == nil {
			err = err2
		}
		if err != nil {
			os.Remove(dest)
		}
	}()

	var aw archiveWriter
	switch format {
	case FormatZip:
		aw = &zipArchive{z: zip.NewWriter(out)}
	case FormatTar:
		aw = &tarArchive{t: tar.NewWriter(out)}
	case FormatGzip:
		gz := gzip.NewWriter(out)
		gz.ModTime = mtime
		aw = &tarArchive{t: tar.NewWriter(gz), under: gz}
	}
	err = walkBag(dir, func(name string, info os.FileInfo, src string) error {
		return aw.add(name, info, src, mtime)
	})
	if err2 := aw.Close(); err == nil {
		err = err2
	}
	return errors.Wrapf(err, "serializing %s", dir)
}

// walkBag calls fn for every directory and regular file inside dir, giving
// the archive name of each one. filepath.Walk visits in lexical order.
func walkBag(dir string, fn func(name string, info os.FileInfo, src string) error) error {
	base := filepath.Base(dir)
	return filepath.Walk(dir, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, p)
		if err != nil {
			return err
		}
		name := path.Join(base, filepath.ToSlash(rel))
		if !info.IsDir() && !info.Mode().IsRegular() {
			// skip symlinks, sockets, and the like
			return nil
		}
		return fn(name, info, p)
	})
}

type archiveWriter interface {
	add(name string, info os.FileInfo, src string, mtime time.Time) error
	Close() error
}

type tarArchive struct {
	t     *tar.Writer
	under io.Closer // the compressor, if any
}

func (a *tarArchive) add(name string, info os.FileInfo, src string, mtime time.Time) error {
	hdr := &tar.Header{
		Name:    name,
		ModTime: mtime,
		Mode:    0664,
		Format:  tar.FormatPAX,
	}
	if info.IsDir() {
		hdr.Typeflag = tar.TypeDir
		hdr.Name += "/"
		hdr.Mode = 0775
		return a.t.WriteHeader(hdr)
	}
	hdr.Typeflag = tar.TypeReg
	hdr.Size = info.Size()
	if err := a.t.WriteHeader(hdr); err != nil {
		return err
	}
	return copyFile(a.t, src)
}

func (a *tarArchive) Close() error {
	err := a.t.Close()
	if a.under != nil {
		if err2 := a.under.Close(); err == nil {
			err = err2
		}
	}
	return err
}

// zipArchive stores files without compression, like the bundles we have
// always written.
type zipArchive struct {
	z *zip.Writer
}

func (a *zipArchive) add(name string, info os.FileInfo, src string, mtime time.Time) error {
	header := zip.FileHeader{
		Name:   name,
		Method: zip.Store,
	}
	header.Modified = mtime
	if info.IsDir() {
		header.Name += "/"
		_, err := a.z.CreateHeader(&header)
		return err
	}
	w, err := a.z.CreateHeader(&header)
	if err != nil {
		return err
	}
	return copyFile(w, src)
}

func (a *zipArchive) Close() error { return a.z.Close() }

func copyFile(w io.Writer, src string) error {
	f, err := os.Open(src)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(w, f)
	return err
}
