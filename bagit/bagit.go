// Package bagit implements the parts of the BagIt specification needed to
// create bags according to a profile and to read them back for validation.
// Bags are written as a directory on the local file system, and may then be
// serialized into a single tar, gzipped tar, or zip file.
//
// The package knows the six digest algorithms md5, sha1, sha224, sha256,
// sha384 and sha512. Manifests use the two column form produced by GNU
// md5sum, with POSIX style paths regardless of the host operating system.
//
// Fetch files and holey bags are not created by this package.
//
// The BagIt spec can be found at https://tools.ietf.org/html/rfc8493.
package bagit

import (
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"fmt"
	"hash"
	"io"
	"strings"

	"github.com/ndlib/bagship/util"
)

const (
	// Version is the version of the BagIt specification written when a
	// profile does not say otherwise.
	Version = "1.0"

	// Encoding is the only tag file character encoding we write.
	Encoding = "UTF-8"

	// PayloadDir is the directory holding the payload files.
	PayloadDir = "data"

	BagItFile   = "bagit.txt"
	BagInfoFile = "bag-info.txt"
	FetchFile   = "fetch.txt"
)

// An Algorithm names a digest algorithm. The zero value is not valid.
type Algorithm string

// The supported digest algorithms. Extending this list is a breaking change.
const (
	MD5    Algorithm = "md5"
	SHA1   Algorithm = "sha1"
	SHA224 Algorithm = "sha224"
	SHA256 Algorithm = "sha256"
	SHA384 Algorithm = "sha384"
	SHA512 Algorithm = "sha512"
)

// Algorithms returns all the supported algorithms, weakest first.
func Algorithms() []Algorithm {
	return []Algorithm{MD5, SHA1, SHA224, SHA256, SHA384, SHA512}
}

// Supported returns true if a is one of the supported digest algorithms.
func (a Algorithm) Supported() bool {
	switch a {
	case MD5, SHA1, SHA224, SHA256, SHA384, SHA512:
		return true
	}
	return false
}

// New returns a new hash.Hash for this algorithm. It panics if the algorithm
// is not supported, so check with Supported() first when a is user supplied.
func (a Algorithm) New() hash.Hash {
	switch a {
	case MD5:
		return md5.New()
	case SHA1:
		return sha1.New()
	case SHA224:
		return sha256.New224()
	case SHA256:
		return sha256.New()
	case SHA384:
		return sha512.New384()
	case SHA512:
		return sha512.New()
	}
	panic("bagit: unsupported digest algorithm " + string(a))
}

// ParseAlgorithm returns the Algorithm for the given name. Names are case
// insensitive, and a dash is allowed, so "SHA-256" is the same as "sha256".
func ParseAlgorithm(name string) (Algorithm, error) {
	a := Algorithm(strings.Replace(strings.ToLower(strings.TrimSpace(name)), "-", "", -1))
	if !a.Supported() {
		return "", fmt.Errorf("unsupported digest algorithm %q", name)
	}
	return a, nil
}

// NewHashWriter returns a util.HashWriter computing every algorithm in algs
// over the bytes written to it and passing them on to w. w may be nil.
func NewHashWriter(w io.Writer, algs []Algorithm) *util.HashWriter {
	hashes := make(map[string]hash.Hash, len(algs))
	for _, a := range algs {
		hashes[string(a)] = a.New()
	}
	return util.NewHashWriter(w, hashes)
}

// A Format is a serialization format for a finished bag.
type Format string

// The supported serialization formats. FormatGzip is a gzip compressed tar
// file.
const (
	FormatGzip Format = "gzip"
	FormatTar  Format = "tar"
	FormatZip  Format = "zip"
)

// Formats returns all the supported serialization formats.
func Formats() []Format {
	return []Format{FormatGzip, FormatTar, FormatZip}
}

// Supported returns true if f is a known serialization format.
func (f Format) Supported() bool {
	switch f {
	case FormatGzip, FormatTar, FormatZip:
		return true
	}
	return false
}

// Extension returns the file name extension, without a leading dot, used for
// bags serialized in this format.
func (f Format) Extension() string {
	if f == FormatGzip {
		return "tar.gz"
	}
	return string(f)
}

// MIMEType returns the media type of a bag serialized in this format.
func (f Format) MIMEType() string {
	switch f {
	case FormatGzip:
		return "application/gzip"
	case FormatTar:
		return "application/x-tar"
	case FormatZip:
		return "application/zip"
	}
	return ""
}

// FormatFromMIMEType maps the media types used in profile documents onto a
// Format. Bare format names are accepted as well.
func FormatFromMIMEType(mimetype string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(mimetype)) {
	case "application/gzip", "application/x-gzip", "application/tar+gzip", "gzip", "tgz", "tar.gz":
		return FormatGzip, nil
	case "application/tar", "application/x-tar", "tar":
		return FormatTar, nil
	case "application/zip", "application/x-zip-compressed", "zip":
		return FormatZip, nil
	}
	return "", fmt.Errorf("unsupported serialization format %q", mimetype)
}
