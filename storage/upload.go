package storage

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path"
	"path/filepath"

	"github.com/facebookgo/clock"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/bagit"
	"github.com/ndlib/bagship/jobs"
	"github.com/ndlib/bagship/util"
)

// putFunc stores size bytes read from r under key, and confirms the size of
// what was stored.
type putFunc func(ctx context.Context, r io.Reader, key string, size int64) error

// base holds what every backend has in common.
type base struct {
	svc   Service
	Clock clock.Clock
}

func (b *base) clk() clock.Clock {
	if b.Clock == nil {
		return clock.New()
	}
	return b.Clock
}

func (b *base) tags(key string) map[string]string {
	return map[string]string{
		"Destination": b.svc.ID,
		"Protocol":    b.svc.Protocol,
		"Key":         key,
	}
}

// upload is the part of Upload shared by all the backends. ready is the
// result of HasRequiredConnectionInfo.
func (b *base) upload(ctx context.Context, ready bool, localPath, remoteKey string, put putFunc) *jobs.OperationResult {
	res := jobs.NewResult(jobs.Storage, filepath.Base(localPath))
	res.Destination = b.svc.ID
	res.Start(b.clk().Now())
	if !ready {
		res.Fail(b.clk().Now(), jobs.E(jobs.ConnectionInfoMissing, errors.Wrap(ErrConnectionInfoMissing, b.svc.ID)))
		return res
	}
	if remoteKey == "" {
		remoteKey = filepath.Base(localPath)
	}
	nfiles, nbytes, err := b.uploadTree(ctx, localPath, remoteKey, put)
	if err != nil {
		if ctx.Err() != nil && jobs.KindOf(err) != jobs.Cancelled {
			err = jobs.E(jobs.Cancelled, err)
		}
		log.Println(b.svc.Protocol, "Upload:", b.svc.ID, remoteKey, err)
		if jobs.KindOf(err) != jobs.Cancelled {
			raven.CaptureError(err, b.tags(remoteKey))
		}
		res.Fail(b.clk().Now(), err)
		return res
	}
	res.Info = fmt.Sprintf("stored %d files, %s as %s", nfiles, bagit.Humansize(nbytes), remoteKey)
	res.Succeed(b.clk().Now())
	return res
}

// uploadTree calls put for localPath, or for every regular file under
// localPath if it is a directory. Files in a directory are stored under
// remoteKey followed by their path inside the directory.
func (b *base) uploadTree(ctx context.Context, localPath, remoteKey string, put putFunc) (int, int64, error) {
	info, err := os.Stat(localPath)
	if err != nil {
		return 0, 0, jobs.E(jobs.TransferFailure, err)
	}
	if !info.IsDir() {
		err = b.putFile(ctx, localPath, remoteKey, info.Size(), put)
		return 1, info.Size(), err
	}
	var nfiles int
	var nbytes int64
	err = filepath.Walk(localPath, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return jobs.E(jobs.TransferFailure, err)
		}
		if !info.Mode().IsRegular() {
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		rel, err := filepath.Rel(localPath, p)
		if err != nil {
			return err
		}
		key := path.Join(remoteKey, filepath.ToSlash(rel))
		if err := b.putFile(ctx, p, key, info.Size(), put); err != nil {
			return err
		}
		nfiles++
		nbytes += info.Size()
		return nil
	})
	return nfiles, nbytes, err
}

func (b *base) putFile(ctx context.Context, fname, key string, size int64, put putFunc) error {
	f, err := os.Open(fname)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	defer f.Close()
	var r io.Reader = f
	if b.svc.RateLimit > 0 {
		rc := util.NewRateCounter(b.svc.RateLimit, util.DefaultRateInterval)
		defer rc.Stop()
		r = rc.Wrap(f)
	}
	return errors.Wrap(put(ctx, r, key, size), key)
}
