// Package runner drives jobs through packaging and storage. It owns the
// storage providers, one per job and destination, so a retried upload reuses
// the connection of the attempt before it while separate jobs never share
// one. Nothing is retried automatically;
// a host retries a stage by calling Package or StoreTo again.
package runner

import (
	"context"
	"log"
	"path/filepath"
	"sort"
	"sync"

	"github.com/facebookgo/clock"
	"github.com/facebookgo/stats"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/jobs"
	"github.com/ndlib/bagship/packaging"
	"github.com/ndlib/bagship/storage"
	"github.com/ndlib/bagship/util"
)

var (
	ErrNoProfile      = jobs.ErrNoProfile
	ErrNotPackaged    = jobs.ErrNotPackaged
	ErrUnknownService = errors.New("no service with that id")
)

// ServiceSource looks up the connection information for a destination.
type ServiceSource interface {
	Service(id string) (storage.Service, error)
}

// Services is a fixed list of services.
type Services []storage.Service

// Service returns the service with the given id.
func (s Services) Service(id string) (storage.Service, error) {
	for _, svc := range s {
		if svc.ID == id {
			return svc, nil
		}
	}
	return storage.Service{}, errors.Wrap(ErrUnknownService, id)
}

// Runner packages jobs and stores the packages. It is safe to use from more
// than one goroutine, and for more than one job at a time.
type Runner struct {
	Packager packaging.Provider
	Services ServiceSource

	// NewProvider makes the storage provider for a service. If nil,
	// storage.New is used.
	NewProvider func(storage.Service) (storage.Provider, error)

	// Concurrency is the most uploads in flight for one call to Store.
	Concurrency int

	Stats stats.Client // may be nil
	Clock clock.Clock  // may be nil

	m         sync.Mutex
	providers map[providerKey]storage.Provider
}

// providerKey names a cached provider. Listings use an empty job id.
type providerKey struct {
	job  string
	dest string
}

// DefaultConcurrency is used when Concurrency is not positive.
const DefaultConcurrency = 2

// New returns a Runner using the given packager and services.
func New(packager packaging.Provider, services ServiceSource) *Runner {
	return &Runner{
		Packager:    packager,
		Services:    services,
		Concurrency: DefaultConcurrency,
	}
}

func (r *Runner) clk() clock.Clock {
	if r.Clock == nil {
		return clock.New()
	}
	return r.Clock
}

// Package makes one packaging attempt for job and returns its result. The
// error is only for misuse, such as a job without a profile or a second
// attempt while one is in flight. Failures of the attempt itself are
// described in the result.
func (r *Runner) Package(ctx context.Context, job *jobs.Job, events packaging.EventFunc) (*jobs.OperationResult, error) {
	if job.Profile() == nil {
		return nil, ErrNoProfile
	}
	if _, err := job.BeginPackaging(); err != nil {
		return nil, err
	}
	res := r.Packager.PackageFiles(ctx, job, events)
	if err := job.FinishPackaging(res); err != nil {
		return nil, err
	}
	return job.PackagingResult(), nil
}

// Store uploads the package of job to every one of its destinations, at most
// Concurrency at a time. Packaging must have succeeded. The current result
// for each destination attempted is returned. If a destination could not be
// attempted, say because an upload to it is already in progress, it is left
// out of the results and the first such error is returned.
func (r *Runner) Store(ctx context.Context, job *jobs.Job) (map[string]*jobs.OperationResult, error) {
	res := job.PackagingResult()
	if res == nil || !res.Succeeded {
		return nil, ErrNotPackaged
	}
	gate := util.NewGate(r.Concurrency)
	var (
		wg       sync.WaitGroup
		m        sync.Mutex
		results  = make(map[string]*jobs.OperationResult)
		firstErr error
	)
	for _, dest := range job.Destinations() {
		wg.Add(1)
		go func(dest string) {
			defer wg.Done()
			var res *jobs.OperationResult
			var err error
			if gate.Enter(ctx) {
				res, err = r.StoreTo(ctx, job, dest)
				gate.Leave()
			} else {
				res, err = r.skip(job, dest, ctx.Err())
			}
			m.Lock()
			defer m.Unlock()
			if err != nil {
				if firstErr == nil {
					firstErr = errors.Wrap(err, dest)
				}
				return
			}
			results[dest] = res
		}(dest)
	}
	wg.Wait()
	return results, firstErr
}

// StoreTo makes one storage attempt of the package of job to the
// destination dest, and returns the destination's result. Other
// destinations are not touched.
func (r *Runner) StoreTo(ctx context.Context, job *jobs.Job, dest string) (*jobs.OperationResult, error) {
	if _, err := job.BeginStorage(dest); err != nil {
		return nil, err
	}
	res := r.upload(ctx, job, dest)
	if err := job.FinishStorage(dest, res); err != nil {
		return nil, err
	}
	return job.StorageResult(dest), nil
}

// skip records a storage attempt which never started because ctx was done.
func (r *Runner) skip(job *jobs.Job, dest string, err error) (*jobs.OperationResult, error) {
	if _, err := job.BeginStorage(dest); err != nil {
		return nil, err
	}
	res := jobs.NewResult(jobs.Storage, "")
	res.Fail(r.clk().Now(), jobs.E(jobs.Cancelled, err))
	if err := job.FinishStorage(dest, res); err != nil {
		return nil, err
	}
	return job.StorageResult(dest), nil
}

func (r *Runner) upload(ctx context.Context, job *jobs.Job, dest string) *jobs.OperationResult {
	defer stats.BumpTime(r.Stats, "storage.time").End()
	localPath := job.PackagePath()
	p, err := r.provider(job.ID, dest)
	if err != nil {
		log.Println("Runner:", job.PackageName, dest, err)
		raven.CaptureError(err, map[string]string{"Package": job.PackageName, "Destination": dest})
		res := jobs.NewResult(jobs.Storage, filepath.Base(localPath))
		res.Destination = dest
		res.Fail(r.clk().Now(), err)
		stats.BumpSum(r.Stats, "storage.errors", 1)
		return res
	}
	res := p.Upload(ctx, localPath, filepath.Base(localPath))
	if !res.Succeeded {
		stats.BumpSum(r.Stats, "storage.errors", 1)
	}
	return res
}

// Run packages job and, if that succeeds, stores it to every destination.
// The packaging outcome is reported through events before any upload
// begins.
func (r *Runner) Run(ctx context.Context, job *jobs.Job, events packaging.EventFunc) error {
	res, err := r.Package(ctx, job, events)
	if err != nil {
		return err
	}
	if !res.Succeeded {
		return nil
	}
	_, err = r.Store(ctx, job)
	return err
}

// List lists the destination dest. Listings share one provider per
// destination, separate from the ones used by jobs.
func (r *Runner) List(ctx context.Context, dest, prefix string) (*storage.ListResult, error) {
	p, err := r.provider("", dest)
	if err != nil {
		return nil, err
	}
	return p.List(ctx, prefix), nil
}

// provider returns the cached provider for the job with id jobID and dest,
// making it if needed.
func (r *Runner) provider(jobID, dest string) (storage.Provider, error) {
	key := providerKey{job: jobID, dest: dest}
	r.m.Lock()
	defer r.m.Unlock()
	if p, ok := r.providers[key]; ok {
		return p, nil
	}
	if r.Services == nil {
		return nil, jobs.E(jobs.ConnectionInfoMissing, errors.Wrap(ErrUnknownService, dest))
	}
	svc, err := r.Services.Service(dest)
	if err != nil {
		return nil, jobs.E(jobs.ConnectionInfoMissing, err)
	}
	newProvider := r.NewProvider
	if newProvider == nil {
		newProvider = storage.New
	}
	p, err := newProvider(svc)
	if err != nil {
		return nil, jobs.E(jobs.ConnectionInfoMissing, err)
	}
	if r.providers == nil {
		r.providers = make(map[providerKey]storage.Provider)
	}
	r.providers[key] = p
	return p, nil
}

// Forget closes and drops every cached provider for dest, those of jobs and
// the one used for listings. The next use of dest makes new ones.
func (r *Runner) Forget(dest string) error {
	return r.drop(func(k providerKey) bool { return k.dest == dest })
}

// Release closes and drops the providers used by job. Call it once the host
// is done retrying the job's uploads.
func (r *Runner) Release(job *jobs.Job) error {
	return r.drop(func(k providerKey) bool { return k.job != "" && k.job == job.ID })
}

// Close closes every cached provider. It returns the first error.
func (r *Runner) Close() error {
	return r.drop(func(providerKey) bool { return true })
}

// drop removes the providers whose keys match and closes them, in key
// order. It returns the first error.
func (r *Runner) drop(match func(providerKey) bool) error {
	r.m.Lock()
	var keys []providerKey
	for k := range r.providers {
		if match(k) {
			keys = append(keys, k)
		}
	}
	dropped := make([]storage.Provider, len(keys))
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].dest != keys[j].dest {
			return keys[i].dest < keys[j].dest
		}
		return keys[i].job < keys[j].job
	})
	for i, k := range keys {
		dropped[i] = r.providers[k]
		delete(r.providers, k)
	}
	r.m.Unlock()
	var firstErr error
	for _, p := range dropped {
		if err := p.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
