// Package storage sends finished packages to remote destinations. Every
// kind of destination is a Provider: object storage (S3 and compatible
// services), SFTP servers, a local directory, and an in-memory store for
// testing. Providers normalize remote listings into NetworkFile records and
// report every upload as a result record.
//
// A Provider owns its connection. Reusing the same Provider for a second
// attempt reuses the connection when it is still good.
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/ndlib/bagship/jobs"
)

// Service is the connection information for one destination, as supplied by
// the host.
type Service struct {
	ID         string  `toml:"id"`
	Name       string  `toml:"name"`
	Protocol   string  `toml:"protocol"` // one of "s3", "sftp", "file", "memory"
	Host       string  `toml:"host"`
	Port       int     `toml:"port"`
	Bucket     string  `toml:"bucket"`
	Prefix     string  `toml:"prefix"` // key prefix, or remote directory
	Login      string  `toml:"login"`
	Password   string  `toml:"password"`
	LoginExtra string  `toml:"login_extra"` // path to a private key file for sftp
	Region     string  `toml:"region"`
	Insecure   bool    `toml:"insecure"`   // no TLS for s3, no host key check for sftp
	RateLimit  float64 `toml:"rate_limit"` // upload limit in bytes per second, 0 for none
}

// Description is the static metadata a provider shows to a host.
type Description struct {
	Name        string
	Description string
	Version     string
	Protocol    string
}

// NetworkFile is one remote entry found by List. Size is -1 if unknown and
// ETag is empty unless the backend keeps content fingerprints.
type NetworkFile struct {
	Name         string
	Size         int64
	ETag         string
	LastModified time.Time
}

// ListResult is the outcome of a List call. Files may hold a partial listing
// even when Error is set.
type ListResult struct {
	ServiceType string
	Error       error
	Files       []NetworkFile
}

// Provider is the interface every storage backend implements.
//
// HasRequiredConnectionInfo checks the service settings without contacting
// the remote side. List and Upload never panic and report failures inside
// their results. A successful Upload has confirmed the number of bytes
// stored remotely. Upload accepts a file or a directory; a directory is
// stored as one object per file under remoteKey.
type Provider interface {
	Describe() Description
	HasRequiredConnectionInfo() bool
	List(ctx context.Context, prefix string) *ListResult
	Upload(ctx context.Context, localPath, remoteKey string) *jobs.OperationResult
	Close() error
}

var (
	// ErrConnectionInfoMissing means the service settings lack something
	// needed to connect.
	ErrConnectionInfoMissing = errors.New("connection information is missing")

	// ErrSizeMismatch means the remote copy has a different size than the
	// local file after an upload.
	ErrSizeMismatch = errors.New("remote size does not match local size")

	// ErrUnknownProtocol means no backend handles a service's protocol.
	ErrUnknownProtocol = errors.New("unknown storage protocol")
)

var protocols = map[string]func(Service) Provider{
	"s3":     func(svc Service) Provider { return NewS3(svc) },
	"sftp":   func(svc Service) Provider { return NewSFTP(svc) },
	"file":   func(svc Service) Provider { return NewFileSystem(svc) },
	"memory": func(svc Service) Provider { return NewMemory(svc) },
}

// New returns a provider for the service, chosen by its protocol.
func New(svc Service) (Provider, error) {
	f, ok := protocols[svc.Protocol]
	if !ok {
		return nil, errors.Wrapf(ErrUnknownProtocol, "%q", svc.Protocol)
	}
	return f(svc), nil
}

// Protocols returns the protocols New understands, sorted.
func Protocols() []string {
	var result []string
	for p := range protocols {
		result = append(result, p)
	}
	sort.Strings(result)
	return result
}

// checkSize returns an error if the remote size differs from what was sent.
func checkSize(key string, sent, stored int64) error {
	if sent != stored {
		return jobs.E(jobs.TransferFailure,
			errors.WithMessage(ErrSizeMismatch, fmt.Sprintf("%s: sent %d bytes, remote has %d", key, sent, stored)))
	}
	return nil
}
