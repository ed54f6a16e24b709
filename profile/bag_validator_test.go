package profile

import (
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ndlib/bagship/bagit"
)

// makeBag writes a small bag following the profile p into a temp directory
// and returns the bag directory.
func makeBag(t *testing.T, p *BagItProfile) string {
	dir := filepath.Join(t.TempDir(), "bag")
	w, err := bagit.NewWriter(dir, p.ManifestsRequired, p.TagManifestsRequired)
	if err != nil {
		t.Fatal(err)
	}
	for name, content := range map[string]string{
		"report.pdf":     "0123456789",
		"sub/notes.txt":  "some notes",
		"sub/empty file": "",
	} {
		out, err := w.Create(name)
		if err != nil {
			t.Fatal(err)
		}
		io.WriteString(out, content)
		out.Close()
	}
	if err := w.WriteTagFile(bagit.BagItTxt(p.BagItVersion())); err != nil {
		t.Fatal(err)
	}
	info := &bagit.TagFile{Name: bagit.BagInfoFile}
	info.Add("Source-Organization", "Hesburgh Libraries")
	info.Add(BaggingDateTag, "2020-01-02")
	info.Add(PayloadOxumTag, w.PayloadOxum())
	if err := w.WriteTagFile(info); err != nil {
		t.Fatal(err)
	}
	if err := w.Close(); err != nil {
		t.Fatal(err)
	}
	return dir
}

func writeFile(t *testing.T, name, content string) {
	if err := os.MkdirAll(filepath.Dir(name), 0755); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(name, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
}

func TestValidateBag(t *testing.T) {
	var table = []struct {
		name   string
		change func(p *BagItProfile, dir string)
		field  string // "" for valid
	}{
		{"ok", func(p *BagItProfile, dir string) {}, ""},
		{"changed payload", func(p *BagItProfile, dir string) {
			writeFile(t, filepath.Join(dir, "data", "report.pdf"), "9876543210")
		}, "data/report.pdf"},
		{"extra payload", func(p *BagItProfile, dir string) {
			writeFile(t, filepath.Join(dir, "data", "extra.txt"), "extra")
		}, "data/extra.txt"},
		{"missing payload", func(p *BagItProfile, dir string) {
			os.Remove(filepath.Join(dir, "data", "sub", "notes.txt"))
		}, "data/sub/notes.txt"},
		{"changed tag file", func(p *BagItProfile, dir string) {
			writeFile(t, filepath.Join(dir, "bag-info.txt"), "Source-Organization: Elsewhere\n")
		}, "bag-info.txt"},
		{"missing manifest", func(p *BagItProfile, dir string) {
			p.ManifestsRequired = append(p.ManifestsRequired, bagit.SHA512)
		}, "manifest-sha512.txt"},
		{"missing tag manifest", func(p *BagItProfile, dir string) {
			p.TagManifestsRequired = []bagit.Algorithm{bagit.SHA1}
		}, "tagmanifest-sha1.txt"},
		{"version not accepted", func(p *BagItProfile, dir string) {
			p.AcceptedVersions = []string{"0.97"}
		}, "bagit.txt"},
		{"fetch file", func(p *BagItProfile, dir string) {
			writeFile(t, filepath.Join(dir, "fetch.txt"), "")
		}, "fetch.txt"},
		{"misc file", func(p *BagItProfile, dir string) {
			p.AllowMiscTopLevelFiles = false
			writeFile(t, filepath.Join(dir, "README"), "hi")
		}, "README"},
		{"misc directory", func(p *BagItProfile, dir string) {
			p.AllowMiscDirectories = false
			os.Mkdir(filepath.Join(dir, "extra"), 0755)
		}, "extra"},
		{"required tag", func(p *BagItProfile, dir string) {
			p.AddTag(&TagDefinition{TagFile: bagit.BagInfoFile, TagName: "External-Identifier", Required: true})
		}, "bag-info.txt/External-Identifier"},
		{"allowed value", func(p *BagItProfile, dir string) {
			p.FindTag(bagit.BagInfoFile, "Source-Organization").AllowedValues = []string{"Somewhere"}
		}, "bag-info.txt/Source-Organization"},
		{"required tag file", func(p *BagItProfile, dir string) {
			p.TagFilesRequired = []string{"aptrust-info.txt"}
		}, "aptrust-info.txt"},
		{"no payload directory", func(p *BagItProfile, dir string) {
			os.RemoveAll(filepath.Join(dir, "data"))
		}, "data"},
	}
	for _, test := range table {
		p := BuiltIn("bagit-default")
		p.AllowFetchFile = false
		dir := makeBag(t, p)
		test.change(p, dir)
		result := ValidateBag(dir, p)
		if test.field == "" {
			if !result.IsValid() {
				t.Errorf("%s: Received %v, expected valid", test.name, result.Errors)
			}
			continue
		}
		if _, ok := result.Errors[test.field]; !ok {
			t.Errorf("%s: Received %v, expected error for %s", test.name, result.Errors, test.field)
		}
	}
}

func TestValidateBagOxum(t *testing.T) {
	p := BuiltIn("bagit-default")
	dir := makeBag(t, p)
	// rewrite bag-info.txt with a wrong oxum and fix up the tag manifest
	info := "Payload-Oxum: 1.1\n"
	writeFile(t, filepath.Join(dir, "bag-info.txt"), info)
	r := bagit.NewReader(dir)
	sums, err := r.Digest("bag-info.txt", []bagit.Algorithm{bagit.SHA256})
	if err != nil {
		t.Fatal(err)
	}
	m, err := r.Manifest("tagmanifest-sha256.txt")
	if err != nil {
		t.Fatal(err)
	}
	for i := range m.Entries {
		if m.Entries[i].Path == "bag-info.txt" {
			m.Entries[i].Digest = sums[bagit.SHA256]
		}
	}
	var buf strings.Builder
	m.Render(&buf)
	writeFile(t, filepath.Join(dir, "tagmanifest-sha256.txt"), buf.String())

	result := ValidateBag(dir, p)
	if len(result.Errors) != 1 || !strings.Contains(result.Errors["bag-info.txt"], "Payload-Oxum") {
		t.Errorf("Received %v, expected a Payload-Oxum error", result.Errors)
	}
}

func TestValidateBagMissing(t *testing.T) {
	result := ValidateBag(filepath.Join(t.TempDir(), "nothing"), BuiltIn("bagit-default"))
	if result.IsValid() {
		t.Errorf("Received valid for a missing bag")
	}
}
