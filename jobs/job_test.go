package jobs

import (
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/bagship/profile"
)

func TestNewJob(t *testing.T) {
	j := New(profile.BuiltIn("bagit-default"))
	if j.ID == "" || j.PackageName != "bag-"+j.ID {
		t.Errorf("Received %s %s", j.ID, j.PackageName)
	}
	if New(nil).ID == j.ID {
		t.Errorf("two jobs have the same ID")
	}
	j.AddFiles("/a/b", "/a/c", "/a/b")
	j.AddFiles("/a/c", "/a/d")
	if got := strings.Join(j.Files(), " "); got != "/a/b /a/c /a/d" {
		t.Errorf("Received %s", got)
	}
	j.AddFiles("rel")
	files := j.Files()
	if !filepath.IsAbs(files[len(files)-1]) {
		t.Errorf("Received relative path %s", files[len(files)-1])
	}
	j.AddDestination("s1")
	j.AddDestination("s2")
	j.AddDestination("s1")
	if got := strings.Join(j.Destinations(), " "); got != "s1 s2" {
		t.Errorf("Received %s", got)
	}
}

func finish(op Operation, t time.Time, err error) *OperationResult {
	r := NewResult(op, "")
	r.Start(t)
	if err != nil {
		r.Fail(t.Add(time.Second), err)
	} else {
		r.Succeed(t.Add(time.Second))
	}
	return r
}

func TestPackagingAttempts(t *testing.T) {
	j := New(nil)
	if _, err := j.BeginPackaging(); err != ErrNoProfile {
		t.Errorf("Received %v, expected %v", err, ErrNoProfile)
	}
	p := profile.BuiltIn("bagit-default")
	j.SetProfile(p)
	if j.PackagingResult() != nil {
		t.Errorf("Received a result before packaging")
	}

	n, err := j.BeginPackaging()
	if err != nil || n != 0 {
		t.Fatalf("Received %d, %v", n, err)
	}
	if !p.Frozen() {
		t.Errorf("profile not frozen")
	}
	if err := j.SetProfile(profile.BuiltIn("bagit-tar")); err != ErrProfileFrozen {
		t.Errorf("Received %v, expected %v", err, ErrProfileFrozen)
	}
	if _, err := j.BeginPackaging(); err != ErrPackagingInProgress {
		t.Errorf("Received %v, expected %v", err, ErrPackagingInProgress)
	}
	j.FinishPackaging(finish(Bagging, t0, errors.New("disk full")))
	r := j.PackagingResult()
	if r.Succeeded || r.AttemptNumber != 0 || r.ErrorKind != IOFailure || r.Operation != Bagging {
		t.Errorf("Received %+v", r)
	}
	if _, err := j.BeginStorage("s1"); err != ErrNotPackaged {
		t.Errorf("Received %v, expected %v", err, ErrNotPackaged)
	}

	n, _ = j.BeginPackaging()
	if n != 1 {
		t.Errorf("Received attempt %d, expected 1", n)
	}
	r = j.PackagingResult()
	if r.AttemptNumber != 1 || r.Error != "" || !r.Started.IsZero() {
		t.Errorf("Received %+v, expected a reset result", r)
	}
	j.SetPackagePath("/tmp/out/bag.tar")
	j.FinishPackaging(finish(Bagging, t0.Add(time.Hour), nil))
	r = j.PackagingResult()
	if !r.Succeeded || r.AttemptNumber != 1 || !r.Consistent() {
		t.Errorf("Received %+v", r)
	}
	history := j.PackagingHistory()
	if len(history) != 1 || history[0].Error != "disk full" || history[0].AttemptNumber != 0 {
		t.Errorf("Received history %+v", history)
	}
	// results handed out are copies
	r.Succeeded = false
	if !j.PackagingResult().Succeeded {
		t.Errorf("changing a returned result changed the job")
	}
}

func packagedJob(t *testing.T, dests ...string) *Job {
	j := New(profile.BuiltIn("bagit-default"))
	for _, d := range dests {
		j.AddDestination(d)
	}
	j.BeginPackaging()
	j.SetPackagePath("/tmp/out/bag.tar")
	j.FinishPackaging(finish(Bagging, t0, nil))
	return j
}

func TestStorageAttempts(t *testing.T) {
	j := packagedJob(t, "s1", "s2")
	if _, err := j.BeginStorage("s3"); err != ErrUnknownDestination {
		t.Errorf("Received %v, expected %v", err, ErrUnknownDestination)
	}
	for _, dest := range []string{"s2", "s1"} {
		if _, err := j.BeginStorage(dest); err != nil {
			t.Fatal(err)
		}
	}
	if _, err := j.BeginStorage("s1"); err != ErrStorageInProgress {
		t.Errorf("Received %v, expected %v", err, ErrStorageInProgress)
	}
	j.FinishStorage("s1", finish(Storage, t0, errors.New("timeout")))
	j.FinishStorage("s2", finish(Storage, t0, nil))

	results := j.StorageResults()
	if len(results) != 2 || results[0].Destination != "s1" || results[1].Destination != "s2" {
		t.Fatalf("Received %+v", results)
	}
	if results[0].Succeeded || results[0].ErrorKind != TransferFailure {
		t.Errorf("Received %+v", results[0])
	}
	if !results[1].Succeeded || results[1].Filename != "bag.tar" {
		t.Errorf("Received %+v", results[1])
	}
	if j.Succeeded() {
		t.Errorf("job succeeded with a failed destination")
	}

	before := j.StorageResult("s2")
	n, _ := j.BeginStorage("s1")
	if n != 1 {
		t.Errorf("Received attempt %d, expected 1", n)
	}
	j.FinishStorage("s1", finish(Storage, t0.Add(time.Hour), nil))
	if after := j.StorageResult("s2"); *after != *before {
		t.Errorf("retrying s1 changed s2: %+v", after)
	}
	if h := j.StorageHistory("s1"); len(h) != 1 || h[0].Error != "timeout" {
		t.Errorf("Received history %+v", h)
	}
	if len(j.StorageHistory("s2")) != 0 {
		t.Errorf("s2 has history")
	}
	if !j.Succeeded() {
		t.Errorf("job did not succeed")
	}
}

func TestFinishWithoutBegin(t *testing.T) {
	j := packagedJob(t, "s1")
	if err := j.FinishPackaging(finish(Bagging, t0, nil)); err == nil {
		t.Errorf("Expected an error")
	}
	if err := j.FinishStorage("s1", finish(Storage, t0, nil)); err == nil {
		t.Errorf("Expected an error")
	}
}

func TestConcurrentStorage(t *testing.T) {
	dests := []string{"a", "b", "c", "d", "e"}
	j := packagedJob(t, dests...)
	var wg sync.WaitGroup
	for _, d := range dests {
		wg.Add(1)
		go func(d string) {
			defer wg.Done()
			if _, err := j.BeginStorage(d); err != nil {
				t.Error(err)
				return
			}
			j.FinishStorage(d, finish(Storage, t0, nil))
		}(d)
	}
	wg.Wait()
	if !j.Succeeded() {
		t.Errorf("job did not succeed")
	}
}

func TestJobJSON(t *testing.T) {
	j := packagedJob(t, "s1")
	data, err := json.Marshal(j)
	if err != nil {
		t.Fatal(err)
	}
	var v map[string]interface{}
	if err := json.Unmarshal(data, &v); err != nil {
		t.Fatal(err)
	}
	if v["ID"] != j.ID || v["Profile"] != "bagit-default" || v["PackagePath"] != "/tmp/out/bag.tar" {
		t.Errorf("Received %s", data)
	}
	pr, ok := v["Packaging"].(map[string]interface{})
	if !ok || pr["Succeeded"] != true {
		t.Errorf("Received %s", data)
	}
}
