package packaging

import (
	"archive/tar"
	"context"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"

	"github.com/ndlib/bagship/bagit"
	"github.com/ndlib/bagship/jobs"
	"github.com/ndlib/bagship/profile"
)

const (
	reportMD5    = "781e5e245d69b566979b86e28d23f2c7"
	reportSHA256 = "84d89877f0d4041efb6bf91a16f0248f2fd573e6af05c19f96bedb9f882f7882"
	secondMD5    = "c855014a7bcf8d02b795b7eb0ef7cc0a"
	secondSHA256 = "54811cbc6c86311729b0a33e26c89087881b36b9ca3217d15cb5196e35f9a7e3"
)

// inputs writes the test input files and returns their paths.
func inputs(t *testing.T) (report, second string) {
	dir := t.TempDir()
	report = filepath.Join(dir, "report.pdf")
	second = filepath.Join(dir, "second.txt")
	if err := ioutil.WriteFile(report, []byte("0123456789"), 0644); err != nil {
		t.Fatal(err)
	}
	if err := ioutil.WriteFile(second, []byte("second file"), 0644); err != nil {
		t.Fatal(err)
	}
	return report, second
}

func newBagger(t *testing.T) *Bagger {
	b := NewBagger(t.TempDir())
	c := clock.NewMock()
	c.Add(time.Date(2020, 1, 2, 3, 4, 5, 0, time.UTC).Sub(c.Now()))
	b.Clock = c
	return b
}

func newJob(p *profile.BagItProfile, files ...string) *jobs.Job {
	j := jobs.New(p)
	j.PackageName = "test-bag"
	j.AddFiles(files...)
	return j
}

func readFile(t *testing.T, name string) string {
	data, err := ioutil.ReadFile(name)
	if err != nil {
		t.Fatal(err)
	}
	return string(data)
}

func TestSingleFileDirectoryBag(t *testing.T) {
	report, _ := inputs(t)
	b := newBagger(t)
	j := newJob(profile.BuiltIn("bagit-default"), report)

	res := b.PackageFiles(context.Background(), j, nil)
	if !res.Succeeded || !res.Consistent() {
		t.Fatalf("Received %+v", res)
	}
	bag := filepath.Join(b.OutputDir, "test-bag")
	if j.PackagePath() != bag || res.Filename != "test-bag" {
		t.Errorf("Received %s %s", j.PackagePath(), res.Filename)
	}
	if s := readFile(t, filepath.Join(bag, "data", "report.pdf")); s != "0123456789" {
		t.Errorf("Received payload %q", s)
	}
	expected := reportSHA256 + "  data/report.pdf\n"
	if s := readFile(t, filepath.Join(bag, "manifest-sha256.txt")); s != expected {
		t.Errorf("Received manifest %q, expected %q", s, expected)
	}
	expected = "BagIt-Version: 1.0\nTag-File-Character-Encoding: UTF-8\n"
	if s := readFile(t, filepath.Join(bag, "bagit.txt")); s != expected {
		t.Errorf("Received bagit.txt %q, expected %q", s, expected)
	}
	expected = "Bagging-Date: 2020-01-02\nBag-Size: 10 Bytes\nPayload-Oxum: 10.1\n"
	if s := readFile(t, filepath.Join(bag, "bag-info.txt")); s != expected {
		t.Errorf("Received bag-info.txt %q, expected %q", s, expected)
	}
	if _, err := os.Stat(filepath.Join(bag, "tagmanifest-sha256.txt")); err != nil {
		t.Error(err)
	}
}

func TestTwoManifests(t *testing.T) {
	report, second := inputs(t)
	p := profile.BuiltIn("bagit-default")
	p.ManifestsRequired = []bagit.Algorithm{bagit.MD5, bagit.SHA256}
	b := newBagger(t)
	j := newJob(p, second, report)

	res := b.PackageFiles(context.Background(), j, nil)
	if !res.Succeeded {
		t.Fatalf("Received %+v", res)
	}
	bag := j.PackagePath()
	var table = []struct {
		name     string
		manifest string
	}{
		{"manifest-md5.txt", secondMD5 + "  data/second.txt\n" + reportMD5 + "  data/report.pdf\n"},
		{"manifest-sha256.txt", secondSHA256 + "  data/second.txt\n" + reportSHA256 + "  data/report.pdf\n"},
	}
	for _, test := range table {
		if s := readFile(t, filepath.Join(bag, test.name)); s != test.manifest {
			t.Errorf("%s: Received %q, expected %q", test.name, s, test.manifest)
		}
	}
	if !strings.Contains(res.Info, "2 files") {
		t.Errorf("Received info %q", res.Info)
	}
}

func TestMissingTagValue(t *testing.T) {
	report, _ := inputs(t)
	p := profile.BuiltIn("bagit-default")
	td := p.FindTag(bagit.BagInfoFile, "Source-Organization")
	td.Required = true
	b := newBagger(t)
	j := newJob(p, report)

	res := b.PackageFiles(context.Background(), j, nil)
	if res.Succeeded || res.ErrorKind != jobs.TagValueMissing {
		t.Errorf("Received %+v", res)
	}
	if !strings.Contains(res.Error, "Source-Organization") {
		t.Errorf("Received error %q", res.Error)
	}
	if res.Completed.IsZero() {
		t.Errorf("Completed not set")
	}
	if j.PackagePath() != "" {
		t.Errorf("Received package path %s", j.PackagePath())
	}
}

func TestTagValueNotAllowed(t *testing.T) {
	report, _ := inputs(t)
	p := profile.BuiltIn("bagit-default")
	td := p.FindTag(bagit.BagInfoFile, "Source-Organization")
	td.AllowedValues = []string{"Hesburgh Libraries"}
	td.UserValue = "Somewhere Else"
	res := newBagger(t).PackageFiles(context.Background(), newJob(p, report), nil)
	if res.Succeeded || res.ErrorKind != jobs.TagValueNotAllowed {
		t.Errorf("Received %+v", res)
	}
}

func TestInvalidProfile(t *testing.T) {
	report, _ := inputs(t)
	p := profile.BuiltIn("bagit-default")
	p.AcceptedSerializationFormats = []bagit.Format{bagit.FormatZip}
	res := newBagger(t).PackageFiles(context.Background(), newJob(p, report), nil)
	if res.Succeeded || res.ErrorKind != jobs.ProfileInvalid {
		t.Errorf("Received %+v", res)
	}
}

func TestTagFileOutsideBag(t *testing.T) {
	report, _ := inputs(t)
	for _, name := range []string{"../escaped.txt", "data/extra.txt"} {
		p := profile.BuiltIn("bagit-default")
		p.AddTag(&profile.TagDefinition{TagFile: name, TagName: "Extra", DefaultValue: "x"})
		b := newBagger(t)
		res := b.PackageFiles(context.Background(), newJob(p, report), nil)
		if res.Succeeded || res.ErrorKind != jobs.ProfileInvalid {
			t.Errorf("%s: Received %+v, expected ProfileInvalid", name, res)
		}
		if _, err := os.Stat(filepath.Join(b.OutputDir, "escaped.txt")); !os.IsNotExist(err) {
			t.Errorf("%s: Received %v, expected no file outside the bag", name, err)
		}
	}
}

func TestMissingInput(t *testing.T) {
	report, _ := inputs(t)
	p := profile.BuiltIn("bagit-default")
	res := newBagger(t).PackageFiles(context.Background(), newJob(p, report+".missing"), nil)
	if res.Succeeded || res.ErrorKind != jobs.IOFailure {
		t.Errorf("Received %+v", res)
	}
}

func TestNoProfilePanics(t *testing.T) {
	defer func() {
		if r := recover(); r != jobs.ErrNoProfile {
			t.Errorf("Received %v, expected a panic", r)
		}
	}()
	newBagger(t).PackageFiles(context.Background(), newJob(nil), nil)
}

func TestIdempotent(t *testing.T) {
	report, second := inputs(t)
	var bags []string
	for i := 0; i < 2; i++ {
		p := profile.BuiltIn("bagit-default")
		p.ManifestsRequired = []bagit.Algorithm{bagit.MD5, bagit.SHA256}
		j := newJob(p, report, second)
		res := NewBagger(t.TempDir()).PackageFiles(context.Background(), j, nil)
		if !res.Succeeded {
			t.Fatalf("Received %+v", res)
		}
		bags = append(bags, j.PackagePath())
	}
	for _, name := range []string{"manifest-md5.txt", "manifest-sha256.txt"} {
		a := readFile(t, filepath.Join(bags[0], name))
		b := readFile(t, filepath.Join(bags[1], name))
		if a != b {
			t.Errorf("%s differs: %q and %q", name, a, b)
		}
	}
}

func TestRetryRemovesRemnants(t *testing.T) {
	report, _ := inputs(t)
	b := newBagger(t)
	junk := filepath.Join(b.OutputDir, "test-bag", "data", "junk.txt")
	os.MkdirAll(filepath.Dir(junk), 0755)
	ioutil.WriteFile(junk, []byte("left over"), 0644)

	j := newJob(profile.BuiltIn("bagit-default"), report)
	res := b.PackageFiles(context.Background(), j, nil)
	if !res.Succeeded {
		t.Fatalf("Received %+v", res)
	}
	if _, err := os.Stat(junk); !os.IsNotExist(err) {
		t.Errorf("Received %v, expected remnant to be removed", err)
	}
}

func TestEventOrder(t *testing.T) {
	report, second := inputs(t)
	var got []string
	events := func(e Event) {
		got = append(got, e.Type.String())
	}
	j := newJob(profile.BuiltIn("bagit-default"), report, second)
	res := newBagger(t).PackageFiles(context.Background(), j, events)
	if !res.Succeeded {
		t.Fatalf("Received %+v", res)
	}
	expected := "start " +
		"fileAddStart fileProgress fileAddComplete " +
		"fileAddStart fileProgress fileAddComplete " +
		"packageStart packageComplete validateStart validateComplete complete"
	if s := strings.Join(got, " "); s != expected {
		t.Errorf("Received %s, expected %s", s, expected)
	}
}

func TestCancel(t *testing.T) {
	report, second := inputs(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var got []Event
	events := func(e Event) {
		got = append(got, e)
		if e.Type == FileAddComplete {
			cancel()
		}
	}
	j := newJob(profile.BuiltIn("bagit-default"), report, second)
	res := newBagger(t).PackageFiles(ctx, j, events)
	if res.Succeeded || res.ErrorKind != jobs.Cancelled {
		t.Fatalf("Received %+v", res)
	}
	var added int
	for _, e := range got {
		if e.Type == FileAddComplete {
			added++
		}
	}
	if added != 1 {
		t.Errorf("Received %d files added, expected 1", added)
	}
	if last := got[len(got)-1]; last.Type != Error {
		t.Errorf("Received last event %s, expected error", last.Type)
	}
}

func TestSerializedBag(t *testing.T) {
	report, second := inputs(t)
	p := profile.BuiltIn("bagit-tar")
	p.SetTagValue(bagit.BagInfoFile, "Source-Organization", "Hesburgh Libraries")
	b := newBagger(t)
	var mu sync.Mutex
	sums := make(map[string]float64)
	b.Stats = &stats.HookClient{
		BumpSumHook: func(key string, val float64) {
			mu.Lock()
			sums[key] += val
			mu.Unlock()
		},
		BumpTimeHook: func(key string) interface{ End() } {
			return ender{}
		},
	}
	j := newJob(p, report, second)
	res := b.PackageFiles(context.Background(), j, nil)
	if !res.Succeeded {
		t.Fatalf("Received %+v", res)
	}
	expected := filepath.Join(b.OutputDir, "test-bag.tar")
	if j.PackagePath() != expected || res.Filename != "test-bag.tar" {
		t.Errorf("Received %s %s, expected %s", j.PackagePath(), res.Filename, expected)
	}
	if _, err := os.Stat(filepath.Join(b.OutputDir, "test-bag")); !os.IsNotExist(err) {
		t.Errorf("staging directory was not removed: %v", err)
	}
	if sums["packaging.files"] != 2 || sums["packaging.bytes"] != 21 {
		t.Errorf("Received stats %v", sums)
	}

	f, err := os.Open(expected)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	tr := tar.NewReader(f)
	var info string
	names := make(map[string]bool)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		names[hdr.Name] = true
		if hdr.Name == "test-bag/bag-info.txt" {
			data, _ := ioutil.ReadAll(tr)
			info = string(data)
		}
	}
	for _, name := range []string{
		"test-bag/bagit.txt",
		"test-bag/data/report.pdf",
		"test-bag/data/second.txt",
		"test-bag/manifest-md5.txt",
		"test-bag/manifest-sha256.txt",
		"test-bag/tagmanifest-md5.txt",
		"test-bag/tagmanifest-sha256.txt",
	} {
		if !names[name] {
			t.Errorf("archive is missing %s", name)
		}
	}
	expectedInfo := "Source-Organization: Hesburgh Libraries\n" +
		"Bagging-Date: 2020-01-02\n" +
		"Payload-Oxum: 21.2\n" +
		"Bag-Size: 21 Bytes\n"
	if info != expectedInfo {
		t.Errorf("Received bag-info.txt %q, expected %q", info, expectedInfo)
	}
}

type ender struct{}

func (ender) End() {}
