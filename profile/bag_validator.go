package profile

import (
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/ndlib/bagship/bagit"
)

// ValidateBag checks the unserialized bag in directory dir against the
// profile p. Every file listed in a manifest is read and its digest
// compared, so this may take a while for large bags.
func ValidateBag(dir string, p *BagItProfile) *ValidationResult {
	bv := &bagValidator{
		r:      bagit.NewReader(dir),
		p:      p,
		result: NewValidationResult(),
		tags:   make(map[string]*bagit.TagFile),
	}
	bv.validate()
	return bv.result
}

type bagValidator struct {
	r      *bagit.Reader
	p      *BagItProfile
	result *ValidationResult
	tags   map[string]*bagit.TagFile // cache of parsed tag files
}

func (bv *bagValidator) validate() {
	info, err := os.Stat(bv.r.Root())
	if err != nil || !info.IsDir() {
		bv.result.Add("bag", "bag directory is missing")
		return
	}
	bv.checkDeclaration()
	if info, err := os.Stat(bv.r.Path(bagit.PayloadDir)); err != nil || !info.IsDir() {
		bv.result.Add(bagit.PayloadDir, "payload directory is missing")
	}
	payload, tagmanifests, unknown, err := bv.r.Manifests()
	if err != nil {
		bv.result.Add("bag", "%s", err)
		return
	}
	for _, name := range unknown {
		bv.result.Add(name, "manifest uses an unsupported digest algorithm")
	}
	bv.checkRequired(payload, bv.p.ManifestsRequired, bagit.ManifestName)
	bv.checkRequired(tagmanifests, bv.p.TagManifestsRequired, bagit.TagManifestName)
	bv.checkPayload(payload)
	bv.checkTagManifests(tagmanifests)
	bv.checkTagValues()
	bv.checkTopLevel()
}

// checkDeclaration checks bagit.txt.
func (bv *bagValidator) checkDeclaration() {
	tf, err := bv.tagFile(bagit.BagItFile)
	if err != nil {
		bv.result.Add(bagit.BagItFile, "cannot read bag declaration: %s", err)
		return
	}
	version := tf.Get(BagItVersionTag)
	if !bv.p.AcceptsVersion(version) {
		bv.result.Add(bagit.BagItFile, "BagIt version %q is not accepted", version)
	}
	if !tf.Has(EncodingTag) {
		bv.result.Add(bagit.BagItFile, "missing %s", EncodingTag)
	}
}

func (bv *bagValidator) checkRequired(present []string, algs []bagit.Algorithm, name func(bagit.Algorithm) string) {
	for _, a := range algs {
		n := name(a)
		i := sort.SearchStrings(present, n)
		if i == len(present) || present[i] != n {
			bv.result.Add(n, "required manifest is missing")
		}
	}
}

// checkPayload makes sure every payload manifest lists exactly the files in
// the payload directory, with matching digests.
func (bv *bagValidator) checkPayload(names []string) {
	files, err := bv.r.PayloadFiles()
	if err != nil && !os.IsNotExist(err) {
		bv.result.Add(bagit.PayloadDir, "%s", err)
		return
	}
	var manifests []*bagit.Manifest
	var algs []bagit.Algorithm
	for _, name := range names {
		m, err := bv.r.Manifest(name)
		if err != nil {
			bv.result.Add(name, "%s", err)
			continue
		}
		manifests = append(manifests, m)
		algs = append(algs, m.Algorithm)
	}
	bv.checkManifests(manifests, algs, files, bagit.ManifestName, func(p string) bool {
		return strings.HasPrefix(p, bagit.PayloadDir+"/")
	})
}

// checkTagManifests makes sure every tag manifest lists every tag file, with
// matching digests. Tag manifests do not list themselves.
func (bv *bagValidator) checkTagManifests(names []string) {
	tagfiles, err := bv.tagFiles()
	if err != nil {
		bv.result.Add("bag", "%s", err)
		return
	}
	var manifests []*bagit.Manifest
	var algs []bagit.Algorithm
	for _, name := range names {
		m, err := bv.r.Manifest(name)
		if err != nil {
			bv.result.Add(name, "%s", err)
			continue
		}
		manifests = append(manifests, m)
		algs = append(algs, m.Algorithm)
	}
	bv.checkManifests(manifests, algs, tagfiles, bagit.TagManifestName, func(p string) bool {
		return !strings.HasPrefix(p, bagit.PayloadDir+"/")
	})
}

// checkManifests compares each manifest against the files. Each file is
// read once for all the algorithms.
func (bv *bagValidator) checkManifests(manifests []*bagit.Manifest, algs []bagit.Algorithm, files []string, manifestName func(bagit.Algorithm) string, inScope func(string) bool) {
	if len(manifests) == 0 {
		return
	}
	present := make(map[string]bool, len(files))
	for _, f := range files {
		present[f] = true
	}
	for _, m := range manifests {
		name := manifestName(m.Algorithm)
		for _, e := range m.Entries {
			switch {
			case !inScope(e.Path):
				bv.result.Add(name, "entry %q is outside the files it covers", e.Path)
			case !present[e.Path]:
				bv.result.Add(e.Path, "listed in %s but missing", name)
			}
		}
	}
	for _, f := range files {
		sums, err := bv.r.Digest(f, algs)
		if err != nil {
			bv.result.Add(f, "%s", err)
			continue
		}
		for _, m := range manifests {
			goal := m.Lookup(f)
			switch {
			case goal == "":
				bv.result.Add(f, "not listed in %s", manifestName(m.Algorithm))
			case goal != sums[m.Algorithm]:
				bv.result.Add(f, "%s digest mismatch", m.Algorithm)
			}
		}
	}
}

// tagFiles returns every file in the bag outside of the payload directory,
// except the tag manifests.
func (bv *bagValidator) tagFiles() ([]string, error) {
	var result []string
	root := bv.r.Root()
	err := filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if info.IsDir() {
			if rel == bagit.PayloadDir {
				return filepath.SkipDir
			}
			return nil
		}
		if !info.Mode().IsRegular() || strings.HasPrefix(rel, "tagmanifest-") {
			return nil
		}
		result = append(result, rel)
		return nil
	})
	sort.Strings(result)
	return result, err
}

func (bv *bagValidator) tagFile(name string) (*bagit.TagFile, error) {
	if tf, ok := bv.tags[name]; ok {
		return tf, nil
	}
	tf, err := bv.r.TagFile(name)
	if err != nil {
		return nil, err
	}
	bv.tags[name] = tf
	return tf, nil
}

// checkTagValues checks the values of the tags the profile defines, that
// required tag files exist, and the Payload-Oxum if one is given.
func (bv *bagValidator) checkTagValues() {
	for _, name := range bv.p.TagFilesRequired {
		if _, err := os.Stat(bv.r.Path(name)); err != nil {
			bv.result.Add(name, "required tag file is missing")
		}
	}
	for _, t := range bv.p.Tags {
		tf, err := bv.tagFile(t.TagFile)
		if err != nil {
			if t.Missing("") {
				bv.result.Add(t.TagFile, "cannot read tag file: %s", err)
			}
			continue
		}
		value := tf.Get(t.TagName)
		if t.TagFile == bagit.BagItFile && strings.EqualFold(t.TagName, BagItVersionTag) {
			// checked by checkDeclaration
			continue
		}
		bv.result.Merge(ValidateTagValue(t, value))
	}
	tf, err := bv.tagFile(bagit.BagInfoFile)
	if err != nil {
		return
	}
	if oxum, ok := tf.Lookup(PayloadOxumTag); ok {
		files, _ := bv.r.PayloadFiles()
		var size int64
		for _, f := range files {
			if info, err := os.Stat(bv.r.Path(f)); err == nil {
				size += info.Size()
			}
		}
		if want := bagit.FormatOxum(size, len(files)); oxum != want {
			bv.result.Add(bagit.BagInfoFile, "Payload-Oxum is %s, expected %s", oxum, want)
		}
	}
}

// checkTopLevel looks for files and directories in the bag root the profile
// does not expect.
func (bv *bagValidator) checkTopLevel() {
	f, err := os.Open(bv.r.Root())
	if err != nil {
		return
	}
	entries, err := f.Readdir(-1)
	f.Close()
	if err != nil {
		bv.result.Add("bag", "%s", err)
		return
	}
	known := map[string]bool{
		bagit.BagItFile:   true,
		bagit.BagInfoFile: true,
		bagit.PayloadDir:  true,
	}
	for _, name := range bv.p.TagFiles() {
		known[strings.SplitN(path.Clean(name), "/", 2)[0]] = true
	}
	for _, info := range entries {
		name := info.Name()
		switch {
		case name == bagit.FetchFile:
			if !bv.p.AllowFetchFile {
				bv.result.Add(name, "fetch file is not allowed")
			}
		case known[name]:
		case strings.HasPrefix(name, "manifest-"), strings.HasPrefix(name, "tagmanifest-"):
		case info.IsDir():
			if !bv.p.AllowMiscDirectories {
				bv.result.Add(name, "directory is not allowed")
			}
		default:
			if !bv.p.AllowMiscTopLevelFiles {
				bv.result.Add(name, "file is not allowed")
			}
		}
	}
}
