package packaging

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/bagit"
	"github.com/ndlib/bagship/fileutil"
	"github.com/ndlib/bagship/jobs"
	"github.com/ndlib/bagship/profile"
)

// Bagger is a Provider making BagIt bags. Each job is staged in the
// directory OutputDir/PackageName. When the profile allows it the staged bag
// is serialized into OutputDir/PackageName.ext and the staging directory is
// removed.
type Bagger struct {
	OutputDir string

	// SkipHidden leaves out dot files found in directories given in a job.
	SkipHidden bool

	Clock clock.Clock  // source of the Bagging-Date and archive times
	Stats stats.Client // may be nil
}

// NewBagger returns a Bagger writing into outputDir.
func NewBagger(outputDir string) *Bagger {
	return &Bagger{
		OutputDir: outputDir,
		Clock:     clock.New(),
	}
}

// how many bytes are copied between FileProgress events
const progressInterval = 1 << 20

var (
	// ErrBagInvalid means the finished bag did not pass validation against
	// its profile.
	ErrBagInvalid = errors.New("bag failed validation")
)

// Describe returns the metadata for the bagger.
func (b *Bagger) Describe() Description {
	return Description{
		Name:        "BagIt",
		Description: "Packages files into BagIt bags according to a BagIt profile",
		Version:     bagit.Version,
		Format:      "BagIt",
		MIMEType:    bagit.FormatTar.MIMEType(),
	}
}

func (b *Bagger) clk() clock.Clock {
	if b.Clock == nil {
		return clock.New()
	}
	return b.Clock
}

// PackageFiles makes one attempt at packaging job. It panics if the job has
// no profile.
func (b *Bagger) PackageFiles(ctx context.Context, job *jobs.Job, events EventFunc) *jobs.OperationResult {
	p := job.Profile()
	if p == nil {
		panic(jobs.ErrNoProfile)
	}
	defer stats.BumpTime(b.Stats, "packaging.time").End()
	res := jobs.NewResult(jobs.Bagging, job.PackageName)
	res.Start(b.clk().Now())
	events.emit(Event{Type: Start, Path: job.PackageName})

	bag := &bagging{
		Bagger: b,
		ctx:    ctx,
		job:    job,
		p:      p,
		events: events,
	}
	result, err := bag.run()
	if err != nil {
		stats.BumpSum(b.Stats, "packaging.errors", 1)
		log.Println("Bagger:", job.PackageName, err)
		if jobs.KindOf(err) == jobs.Unknown {
			raven.CaptureError(err, map[string]string{"Package": job.PackageName})
		}
		res.Fail(b.clk().Now(), err)
		events.emit(Event{Type: Error, Message: err.Error()})
		return res
	}
	job.SetPackagePath(result)
	res.Filename = filepath.Base(result)
	res.Info = fmt.Sprintf("%d files, %s", bag.nfiles, bagit.Humansize(bag.nbytes))
	res.Warning = strings.Join(bag.warnings, "\n")
	res.Succeed(b.clk().Now())
	events.emit(Event{Type: Complete, Path: result})
	return res
}

// bagging holds the state of one packaging attempt.
type bagging struct {
	*Bagger
	ctx      context.Context
	job      *jobs.Job
	p        *profile.BagItProfile
	events   EventFunc
	w        *bagit.Writer
	nfiles   int
	nbytes   int64
	warnings []string
}

// run does the attempt and returns the path to the finished package.
func (bag *bagging) run() (string, error) {
	if v := profile.ValidateStructure(bag.p); !v.IsValid() {
		return "", jobs.E(jobs.ProfileInvalid, errors.Wrap(v.Err(), "invalid profile"))
	}
	if err := checkTagValues(bag.p); err != nil {
		return "", err
	}
	files, err := fileutil.Expand(bag.job.Files(), fileutil.Options{SkipHidden: bag.SkipHidden})
	if err != nil {
		return "", jobs.E(jobs.IOFailure, err)
	}
	if len(files) == 0 {
		bag.warn("no payload files")
	}

	staging := filepath.Join(bag.OutputDir, bag.job.PackageName)
	// anything left here is from an earlier attempt
	if err := os.RemoveAll(staging); err != nil {
		return "", jobs.E(jobs.IOFailure, errors.Wrap(err, "removing old staging directory"))
	}
	bag.w, err = bagit.NewWriter(staging, bag.p.ManifestsRequired, bag.p.TagManifestsRequired)
	if err != nil {
		return "", jobs.E(jobs.IOFailure, err)
	}
	for _, f := range files {
		if err := bag.ctx.Err(); err != nil {
			return "", errors.Wrap(err, "packaging cancelled")
		}
		if err := bag.addFile(f); err != nil {
			return "", jobs.E(jobs.IOFailure, errors.Wrapf(err, "adding %s", f.Path))
		}
	}
	if err := bag.ctx.Err(); err != nil {
		return "", errors.Wrap(err, "packaging cancelled")
	}

	bag.events.emit(Event{Type: PackageStart, Path: staging})
	if err := bag.writeTagFiles(); err != nil {
		return "", jobs.E(jobs.IOFailure, err)
	}
	if err := bag.w.Close(); err != nil {
		return "", jobs.E(jobs.IOFailure, err)
	}
	bag.events.emit(Event{Type: PackageComplete, Path: staging})

	bag.events.emit(Event{Type: ValidateStart, Path: staging})
	if v := profile.ValidateBag(staging, bag.p); !v.IsValid() {
		return "", jobs.E(jobs.IOFailure, errors.WithMessage(ErrBagInvalid, v.Err().Error()))
	}
	bag.events.emit(Event{Type: ValidateComplete, Path: staging})

	format := bag.p.SerializationFormat()
	if format == "" {
		return staging, nil
	}
	dest := staging + "." + format.Extension()
	err = bagit.Serialize(staging, dest, format, bag.clk().Now())
	if err != nil {
		return "", jobs.E(jobs.IOFailure, errors.Wrap(err, "serializing bag"))
	}
	if err := os.RemoveAll(staging); err != nil {
		bag.warn("could not remove staging directory: " + err.Error())
	}
	return dest, nil
}

func (bag *bagging) warn(msg string) {
	bag.warnings = append(bag.warnings, msg)
	bag.events.emit(Event{Type: Warning, Message: msg})
}

// addFile copies one file into the payload.
func (bag *bagging) addFile(f fileutil.File) error {
	bag.events.emit(Event{Type: FileAddStart, Path: f.Path})
	in, err := os.Open(f.Path)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := bag.w.Create(f.Rel)
	if err != nil {
		return err
	}
	pw := &progressWriter{w: out, path: f.Path, events: bag.events}
	n, err := io.Copy(pw, in)
	if err2 := out.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return err
	}
	pw.flush()
	bag.nfiles++
	bag.nbytes += n
	stats.BumpSum(bag.Stats, "packaging.files", 1)
	stats.BumpSum(bag.Stats, "packaging.bytes", float64(n))
	bag.events.emit(Event{Type: FileAddComplete, Path: f.Path, Bytes: n})
	return nil
}

// writeTagFiles writes bagit.txt, bag-info.txt, and every other tag file the
// profile names.
func (bag *bagging) writeTagFiles() error {
	if err := bag.w.WriteTagFile(bagit.BagItTxt(bag.p.BagItVersion())); err != nil {
		return err
	}
	info := bag.tagFile(bagit.BagInfoFile)
	auto := map[string]string{
		profile.BaggingDateTag: bag.clk().Now().Format("2006-01-02"),
		profile.PayloadOxumTag: bag.w.PayloadOxum(),
		profile.BagSizeTag:     bagit.Humansize(bag.w.PayloadSize()),
	}
	for _, label := range []string{profile.BaggingDateTag, profile.PayloadOxumTag, profile.BagSizeTag} {
		if bag.p.FindTag(bagit.BagInfoFile, label) == nil {
			info.Add(label, auto[label])
			continue
		}
		// the profile defines the tag, fill it in where it is
		for i := range info.Tags {
			if strings.EqualFold(info.Tags[i].Label, label) && info.Tags[i].Value == "" {
				info.Tags[i].Value = auto[label]
			}
		}
	}
	if err := bag.w.WriteTagFile(info); err != nil {
		return err
	}
	for _, name := range bag.p.TagFiles() {
		if name == bagit.BagItFile || name == bagit.BagInfoFile {
			continue
		}
		if err := bag.w.WriteTagFile(bag.tagFile(name)); err != nil {
			return err
		}
	}
	return nil
}

// tagFile builds the tag file having the given name from the profile. Tags
// without a value are left out, except the ones filled in automatically,
// which get an empty placeholder.
func (bag *bagging) tagFile(name string) *bagit.TagFile {
	tf := &bagit.TagFile{Name: path.Clean(name)}
	for _, def := range bag.p.TagsForFile(name) {
		value := def.Value()
		if value == "" && !profile.IsAutoFilled(name, def.TagName) {
			continue
		}
		tf.Add(def.TagName, value)
	}
	return tf
}

// checkTagValues makes sure every tag definition has an acceptable value.
// Tags filled in by the bagger are skipped.
func checkTagValues(p *profile.BagItProfile) error {
	var missing, notAllowed []string
	for _, def := range p.Tags {
		if def.TagFile == bagit.BagItFile || profile.IsAutoFilled(def.TagFile, def.TagName) {
			continue
		}
		value := def.Value()
		switch {
		case def.Missing(value):
			missing = append(missing, def.TagName)
		case value != "" && !def.Allowed(value):
			notAllowed = append(notAllowed, fmt.Sprintf("%s (%q)", def.TagName, value))
		}
	}
	if len(missing) > 0 {
		return jobs.Errorf(jobs.TagValueMissing, "required tag has no value: %s", strings.Join(missing, ", "))
	}
	if len(notAllowed) > 0 {
		return jobs.Errorf(jobs.TagValueNotAllowed, "tag value not allowed: %s", strings.Join(notAllowed, ", "))
	}
	return nil
}

// progressWriter sends FileProgress events as a file is copied.
type progressWriter struct {
	w      io.Writer
	path   string
	events EventFunc
	n      int64
	last   int64 // value of n at the last event
	sent   bool
}

func (pw *progressWriter) Write(p []byte) (int, error) {
	n, err := pw.w.Write(p)
	pw.n += int64(n)
	if pw.n-pw.last >= progressInterval {
		pw.send()
	}
	return n, err
}

// flush sends a final event with the total, unless one was just sent.
func (pw *progressWriter) flush() {
	if !pw.sent || pw.last != pw.n {
		pw.send()
	}
}

func (pw *progressWriter) send() {
	pw.last = pw.n
	pw.sent = true
	pw.events.emit(Event{Type: FileProgress, Path: pw.path, Bytes: pw.n})
}
