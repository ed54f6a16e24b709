package bagit

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"strings"
)

// ManifestEntry is one line of a manifest.
type ManifestEntry struct {
	Digest string // lowercase hex
	Path   string // relative to the bag root, always using forward slashes
}

// Manifest is the ordered content of one manifest or tag manifest file.
type Manifest struct {
	Algorithm Algorithm
	Entries   []ManifestEntry
}

// ManifestName returns the file name of the payload manifest for a.
func ManifestName(a Algorithm) string {
	return "manifest-" + string(a) + ".txt"
}

// TagManifestName returns the file name of the tag manifest for a.
func TagManifestName(a Algorithm) string {
	return "tagmanifest-" + string(a) + ".txt"
}

// ParseManifestName decodes a manifest file name. It returns the algorithm
// and whether the file is a tag manifest. The returned error is non-nil if
// name is not a manifest file name or names an unsupported algorithm.
func ParseManifestName(name string) (a Algorithm, istag bool, err error) {
	var rest string
	switch {
	case strings.HasPrefix(name, "tagmanifest-"):
		istag = true
		rest = strings.TrimPrefix(name, "tagmanifest-")
	case strings.HasPrefix(name, "manifest-"):
		rest = strings.TrimPrefix(name, "manifest-")
	default:
		return "", false, fmt.Errorf("%s is not a manifest", name)
	}
	if !strings.HasSuffix(rest, ".txt") {
		return "", false, fmt.Errorf("%s is not a manifest", name)
	}
	a = Algorithm(strings.TrimSuffix(rest, ".txt"))
	if !a.Supported() {
		return "", istag, fmt.Errorf("manifest %s uses unsupported algorithm %q", name, a)
	}
	return a, istag, nil
}

// Add appends an entry to the manifest. Backslashes in p are turned into
// forward slashes.
func (m *Manifest) Add(digest, p string) {
	m.Entries = append(m.Entries, ManifestEntry{
		Digest: strings.ToLower(digest),
		Path:   toSlash(p),
	})
}

// Lookup returns the digest recorded for the path p, or "" if p is not in
// the manifest.
func (m *Manifest) Lookup(p string) string {
	for _, e := range m.Entries {
		if e.Path == p {
			return e.Digest
		}
	}
	return ""
}

// Render writes the manifest in its canonical text form.
func (m *Manifest) Render(w io.Writer) error {
	bw := bufio.NewWriter(w)
	for _, e := range m.Entries {
		// The 2 spaces is to be identical to the GNU md5sum output.
		// Although md5sum outputs " *" to mark binary mode, that
		// results in each file name being prefixed with an asterisk.
		if _, err := fmt.Fprintf(bw, "%s  %s\n", e.Digest, encodePath(e.Path)); err != nil {
			return err
		}
	}
	return bw.Flush()
}

// ManifestError describes a malformed manifest line.
type ManifestError struct {
	Line int
	Text string
}

func (e ManifestError) Error() string {
	return fmt.Sprintf("manifest line %d is malformed: %q", e.Line, e.Text)
}

// ParseManifest reads a manifest. Every line must hold a digest and a path
// separated by white space, and nothing else. Lines may end with CRLF, but a
// carriage return anywhere else is an error. Entries are returned in file
// order.
func ParseManifest(r io.Reader, a Algorithm) (*Manifest, error) {
	m := &Manifest{Algorithm: a}
	scanner := bufio.NewScanner(r)
	var n int
	for scanner.Scan() {
		n++
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.ContainsRune(line, '\r') {
			return nil, ManifestError{Line: n, Text: line}
		}
		// the path may itself contain spaces, so only split once
		i := strings.IndexAny(line, " \t")
		if i <= 0 {
			return nil, ManifestError{Line: n, Text: line}
		}
		p := strings.TrimLeft(line[i:], " \t")
		if p == "" {
			return nil, ManifestError{Line: n, Text: line}
		}
		m.Entries = append(m.Entries, ManifestEntry{
			Digest: strings.ToLower(line[:i]),
			Path:   decodePath(p),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return m, nil
}

func toSlash(p string) string {
	return path.Clean(strings.Replace(p, "\\", "/", -1))
}

// Line breaks and percent signs in a path are percent encoded in manifests.
var (
	pathEncoder = strings.NewReplacer("%", "%25", "\r", "%0D", "\n", "%0A")
	pathDecoder = strings.NewReplacer("%25", "%", "%0D", "\r", "%0d", "\r", "%0A", "\n", "%0a", "\n")
)

func encodePath(p string) string { return pathEncoder.Replace(p) }
func decodePath(p string) string { return pathDecoder.Replace(p) }
