// Package jobs holds a packaging and transfer request and the records of
// every attempt made to carry it out.
//
// A Job moves through two stages. First its files are packaged into a bag,
// then the bag is stored to each of the job's destinations. Each stage can be
// retried on its own, and storage to one destination is independent of the
// others. Results are only changed through the Begin and Finish methods, which
// keep the earlier attempts in a history.
package jobs

import (
	"encoding/json"
	"path/filepath"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/profile"
)

var (
	ErrNoProfile              = errors.New("job has no profile")
	ErrPackagingInProgress    = errors.New("packaging attempt already in progress")
	ErrStorageInProgress      = errors.New("storage attempt already in progress for destination")
	ErrNotPackaged            = errors.New("job has not been packaged successfully")
	ErrUnknownDestination     = errors.New("destination is not configured for job")
	ErrProfileFrozen          = profile.ErrProfileFrozen
	errFinishWithoutBeginning = errors.New("attempt finished without being begun")
)

// Job is one request to package a set of files and send the package to some
// destinations. It is goroutine safe.
type Job struct {
	ID          string
	PackageName string // used for the staging directory and archive name

	m                sync.Mutex
	files            []string
	destinations     []string
	prof             *profile.BagItProfile
	packagePath      string
	packaging        *OperationResult
	packagingHistory []*OperationResult
	packagingBusy    bool
	storage          map[string]*OperationResult
	storageHistory   map[string][]*OperationResult
	storageBusy      map[string]bool
}

// New creates a job using the given profile. It is given a random ID, and
// its package name is derived from the ID.
func New(p *profile.BagItProfile) *Job {
	id := uuid.New().String()
	return &Job{
		ID:             id,
		PackageName:    "bag-" + id,
		prof:           p,
		storage:        make(map[string]*OperationResult),
		storageHistory: make(map[string][]*OperationResult),
		storageBusy:    make(map[string]bool),
	}
}

// Profile returns the job's profile.
func (j *Job) Profile() *profile.BagItProfile {
	j.m.Lock()
	defer j.m.Unlock()
	return j.prof
}

// SetProfile replaces the job's profile. It fails once packaging has started.
func (j *Job) SetProfile(p *profile.BagItProfile) error {
	j.m.Lock()
	defer j.m.Unlock()
	if j.prof != nil && j.prof.Frozen() {
		return ErrProfileFrozen
	}
	j.prof = p
	return nil
}

// AddFiles adds paths to the list of files to package. Relative paths are
// made absolute, and paths already in the list are skipped. The order given
// is kept.
func (j *Job) AddFiles(paths ...string) error {
	j.m.Lock()
	defer j.m.Unlock()
	for _, p := range paths {
		abs, err := filepath.Abs(p)
		if err != nil {
			return errors.Wrap(err, p)
		}
		if !contains(j.files, abs) {
			j.files = append(j.files, abs)
		}
	}
	return nil
}

// Files returns the files to package.
func (j *Job) Files() []string {
	j.m.Lock()
	defer j.m.Unlock()
	return append([]string(nil), j.files...)
}

// AddDestination adds a destination identifier to the job. Adding one twice
// does nothing.
func (j *Job) AddDestination(id string) {
	j.m.Lock()
	defer j.m.Unlock()
	if !contains(j.destinations, id) {
		j.destinations = append(j.destinations, id)
	}
}

// Destinations returns the destination identifiers in the order added.
func (j *Job) Destinations() []string {
	j.m.Lock()
	defer j.m.Unlock()
	return append([]string(nil), j.destinations...)
}

// PackagePath returns the location of the finished package, or "" if the
// job has not been packaged.
func (j *Job) PackagePath() string {
	j.m.Lock()
	defer j.m.Unlock()
	return j.packagePath
}

// SetPackagePath records the location of the finished package. Packaging
// providers call it before they report success.
func (j *Job) SetPackagePath(p string) {
	j.m.Lock()
	j.packagePath = p
	j.m.Unlock()
}

// BeginPackaging starts a packaging attempt and returns its attempt number.
// The profile is frozen. The result of a previous attempt is moved into the
// history and the current result is reset for the new attempt.
func (j *Job) BeginPackaging() (int, error) {
	j.m.Lock()
	defer j.m.Unlock()
	if j.packagingBusy {
		return 0, ErrPackagingInProgress
	}
	if j.prof == nil {
		return 0, ErrNoProfile
	}
	j.prof.Freeze()
	j.packagingBusy = true
	j.packagePath = ""
	if j.packaging == nil {
		j.packaging = NewResult(Bagging, j.PackageName)
		return 0, nil
	}
	j.packagingHistory = append(j.packagingHistory, j.packaging.Clone())
	j.packaging.Reset()
	j.packaging.AttemptNumber++
	return j.packaging.AttemptNumber, nil
}

// FinishPackaging records the outcome of the attempt begun by
// BeginPackaging.
func (j *Job) FinishPackaging(res *OperationResult) error {
	j.m.Lock()
	defer j.m.Unlock()
	if !j.packagingBusy {
		return errFinishWithoutBeginning
	}
	j.packagingBusy = false
	absorb(j.packaging, res)
	return nil
}

// BeginStorage starts a storage attempt for the destination and returns its
// attempt number. Packaging must have succeeded.
func (j *Job) BeginStorage(dest string) (int, error) {
	j.m.Lock()
	defer j.m.Unlock()
	if j.packaging == nil || !j.packaging.Succeeded || j.packagingBusy {
		return 0, ErrNotPackaged
	}
	if !contains(j.destinations, dest) {
		return 0, ErrUnknownDestination
	}
	if j.storageBusy[dest] {
		return 0, ErrStorageInProgress
	}
	j.storageBusy[dest] = true
	r, ok := j.storage[dest]
	if !ok {
		r = NewResult(Storage, filepath.Base(j.packagePath))
		r.Destination = dest
		j.storage[dest] = r
		return 0, nil
	}
	j.storageHistory[dest] = append(j.storageHistory[dest], r.Clone())
	r.Reset()
	r.AttemptNumber++
	r.Filename = filepath.Base(j.packagePath)
	return r.AttemptNumber, nil
}

// FinishStorage records the outcome of the attempt begun by BeginStorage.
func (j *Job) FinishStorage(dest string, res *OperationResult) error {
	j.m.Lock()
	defer j.m.Unlock()
	if !j.storageBusy[dest] {
		return errFinishWithoutBeginning
	}
	j.storageBusy[dest] = false
	absorb(j.storage[dest], res)
	return nil
}

// absorb copies the outcome of an attempt into the job's record for it.
func absorb(dst, src *OperationResult) {
	dst.Started = src.Started
	dst.Completed = src.Completed
	dst.Succeeded = src.Succeeded
	dst.Info = src.Info
	dst.Warning = src.Warning
	dst.Error = src.Error
	dst.ErrorKind = src.ErrorKind
	if src.Filename != "" {
		dst.Filename = src.Filename
	}
}

// PackagingResult returns a copy of the current packaging result, or nil if
// packaging was never attempted.
func (j *Job) PackagingResult() *OperationResult {
	j.m.Lock()
	defer j.m.Unlock()
	return j.packaging.Clone()
}

// PackagingHistory returns the results of the earlier packaging attempts,
// oldest first.
func (j *Job) PackagingHistory() []*OperationResult {
	j.m.Lock()
	defer j.m.Unlock()
	return cloneAll(j.packagingHistory)
}

// StorageResult returns a copy of the current result for the destination,
// or nil if storage to it was never attempted.
func (j *Job) StorageResult(dest string) *OperationResult {
	j.m.Lock()
	defer j.m.Unlock()
	return j.storage[dest].Clone()
}

// StorageResults returns the current storage results in destination order.
// Destinations never attempted are left out.
func (j *Job) StorageResults() []*OperationResult {
	j.m.Lock()
	defer j.m.Unlock()
	var result []*OperationResult
	for _, dest := range j.destinations {
		if r, ok := j.storage[dest]; ok {
			result = append(result, r.Clone())
		}
	}
	return result
}

// StorageHistory returns the earlier storage attempts for the destination,
// oldest first.
func (j *Job) StorageHistory(dest string) []*OperationResult {
	j.m.Lock()
	defer j.m.Unlock()
	return cloneAll(j.storageHistory[dest])
}

// Succeeded returns true if packaging and storage to every destination
// succeeded.
func (j *Job) Succeeded() bool {
	j.m.Lock()
	defer j.m.Unlock()
	if j.packaging == nil || !j.packaging.Succeeded {
		return false
	}
	for _, dest := range j.destinations {
		if r, ok := j.storage[dest]; !ok || !r.Succeeded {
			return false
		}
	}
	return true
}

type jobJSON struct {
	ID               string
	PackageName      string
	PackagePath      string
	Profile          string
	Files            []string
	Destinations     []string
	Packaging        *OperationResult
	PackagingHistory []*OperationResult
	Storage          []*OperationResult
	StorageHistory   map[string][]*OperationResult
}

// MarshalJSON renders the job and all of its results.
func (j *Job) MarshalJSON() ([]byte, error) {
	j.m.Lock()
	defer j.m.Unlock()
	v := jobJSON{
		ID:               j.ID,
		PackageName:      j.PackageName,
		PackagePath:      j.packagePath,
		Files:            j.files,
		Destinations:     j.destinations,
		Packaging:        j.packaging,
		PackagingHistory: j.packagingHistory,
		StorageHistory:   j.storageHistory,
	}
	if j.prof != nil {
		v.Profile = j.prof.Info.Identifier
	}
	for _, dest := range j.destinations {
		if r, ok := j.storage[dest]; ok {
			v.Storage = append(v.Storage, r)
		}
	}
	return json.Marshal(v)
}

func contains(list []string, s string) bool {
	for _, x := range list {
		if x == s {
			return true
		}
	}
	return false
}

func cloneAll(list []*OperationResult) []*OperationResult {
	var result []*OperationResult
	for _, r := range list {
		result = append(result, r.Clone())
	}
	return result
}
