package bagit

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestReaderManifests(t *testing.T) {
	root := writeTestBag(t)
	// a manifest for an algorithm we do not know
	err := ioutil.WriteFile(filepath.Join(root, "manifest-crc32.txt"), []byte("abc  data/hello\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	r := NewReader(root)
	payload, tag, unknown, err := r.Manifests()
	if err != nil {
		t.Fatal(err)
	}
	var table = []struct {
		name     string
		received []string
		expected string
	}{
		{"payload", payload, "manifest-md5.txt manifest-sha256.txt"},
		{"tag", tag, "tagmanifest-sha256.txt"},
		{"unknown", unknown, "manifest-crc32.txt"},
	}
	for _, row := range table {
		if strings.Join(row.received, " ") != row.expected {
			t.Errorf("%s: Received %v, expected %s", row.name, row.received, row.expected)
		}
	}
	if _, err := r.Manifest("manifest-crc32.txt"); err == nil {
		t.Errorf("Expected an error for an unknown algorithm")
	}
}

func TestReaderDigest(t *testing.T) {
	root := writeTestBag(t)
	r := NewReader(root)
	sums, err := r.Digest("data/hello", []Algorithm{MD5, SHA256})
	if err != nil {
		t.Fatal(err)
	}
	if sums[MD5] != "161bc25962da8fed6d2f59922fb642aa" {
		t.Errorf("Received %s, expected 161bc25962da8fed6d2f59922fb642aa", sums[MD5])
	}
	m, err := r.Manifest("manifest-sha256.txt")
	if err != nil {
		t.Fatal(err)
	}
	if d := m.Lookup("data/hello"); d != sums[SHA256] {
		t.Errorf("Received %s, expected %s", sums[SHA256], d)
	}
	if _, err := r.Digest("data/missing", []Algorithm{MD5}); !os.IsNotExist(err) {
		t.Errorf("Received %v, expected a not exist error", err)
	}
}

func TestReaderMissing(t *testing.T) {
	r := NewReader(filepath.Join(t.TempDir(), "no-bag"))
	if _, _, _, err := r.Manifests(); err == nil {
		t.Errorf("Manifests: expected an error")
	}
	if _, err := r.TagFile(BagItFile); err == nil {
		t.Errorf("TagFile: expected an error")
	}
	if _, err := r.PayloadFiles(); err == nil {
		t.Errorf("PayloadFiles: expected an error")
	}
	if p := r.Path("data/a/b.txt"); p != filepath.Join(r.Root(), "data", "a", "b.txt") {
		t.Errorf("Received %s", p)
	}
}

func TestReaderBadManifest(t *testing.T) {
	root := writeTestBag(t)
	err := ioutil.WriteFile(filepath.Join(root, "manifest-md5.txt"), []byte("161bc25962da8fed6d2f59922fb642aa\n"), 0644)
	if err != nil {
		t.Fatal(err)
	}
	_, err = NewReader(root).Manifest("manifest-md5.txt")
	if err == nil || !strings.Contains(err.Error(), "manifest-md5.txt") {
		t.Errorf("Received %v, expected an error naming the manifest", err)
	}
}
