package storage

import (
	"context"
	"io"
	"io/ioutil"
	"log"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/ndlib/bagship/jobs"
)

// SFTP stores packages on an SFTP server. The service's Prefix is the remote
// directory. The connection is opened on first use and kept until Close, so
// later attempts through the same provider reuse it. A connection that no
// longer answers is dropped and dialled again.
type SFTP struct {
	base
	m      sync.Mutex
	client *sftp.Client
	conn   io.Closer // the ssh connection under client, may be nil

	// dial opens a new session. It is replaced in tests.
	dial func(ctx context.Context) (*sftp.Client, io.Closer, error)
}

const defaultSFTPPort = 22

// NewSFTP returns an SFTP provider for the service.
func NewSFTP(svc Service) *SFTP {
	s := &SFTP{base: base{svc: svc}}
	s.dial = s.dialSSH
	return s
}

// Describe returns the provider metadata.
func (s *SFTP) Describe() Description {
	return Description{
		Name:        "SFTP",
		Description: "SSH file transfer to a remote server",
		Version:     "1.0",
		Protocol:    "sftp",
	}
}

// HasRequiredConnectionInfo returns true if a host, a login, and either a
// password or a private key file are given.
func (s *SFTP) HasRequiredConnectionInfo() bool {
	return s.svc.Host != "" && s.svc.Login != "" &&
		(s.svc.Password != "" || s.svc.LoginExtra != "")
}

func (s *SFTP) addr() string {
	port := s.svc.Port
	if port <= 0 {
		port = defaultSFTPPort
	}
	return net.JoinHostPort(s.svc.Host, strconv.Itoa(port))
}

func (s *SFTP) dialSSH(ctx context.Context) (*sftp.Client, io.Closer, error) {
	config, err := s.sshConfig()
	if err != nil {
		return nil, nil, err
	}
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", s.addr())
	if err != nil {
		return nil, nil, err
	}
	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, s.addr(), config)
	if err != nil {
		conn.Close()
		return nil, nil, err
	}
	sshClient := ssh.NewClient(c, chans, reqs)
	client, err := sftp.NewClient(sshClient)
	if err != nil {
		sshClient.Close()
		return nil, nil, err
	}
	return client, sshClient, nil
}

func (s *SFTP) sshConfig() (*ssh.ClientConfig, error) {
	config := &ssh.ClientConfig{User: s.svc.Login}
	if s.svc.LoginExtra != "" {
		pem, err := ioutil.ReadFile(s.svc.LoginExtra)
		if err != nil {
			return nil, errors.Wrap(err, "reading private key")
		}
		signer, err := ssh.ParsePrivateKey(pem)
		if err != nil {
			return nil, errors.Wrap(err, "parsing private key")
		}
		config.Auth = append(config.Auth, ssh.PublicKeys(signer))
	}
	if s.svc.Password != "" {
		config.Auth = append(config.Auth, ssh.Password(s.svc.Password))
	}
	if s.svc.Insecure {
		config.HostKeyCallback = ssh.InsecureIgnoreHostKey()
		return config, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	callback, err := knownhosts.New(filepath.Join(home, ".ssh", "known_hosts"))
	if err != nil {
		return nil, errors.Wrap(err, "loading known hosts")
	}
	config.HostKeyCallback = callback
	return config, nil
}

// connect returns the cached client, dialling if there is none or if the
// cached one is broken.
func (s *SFTP) connect(ctx context.Context) (*sftp.Client, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.client != nil {
		if _, err := s.client.Getwd(); err == nil {
			return s.client, nil
		}
		log.Println("SFTP: dropping broken connection to", s.svc.Host)
		s.closeLocked()
	}
	client, conn, err := s.dial(ctx)
	if err != nil {
		return nil, err
	}
	s.client = client
	s.conn = conn
	return client, nil
}

func (s *SFTP) remote(key string) string {
	return path.Join(s.svc.Prefix, key)
}

// List walks the remote directory and returns every file whose name, relative
// to the directory, begins with prefix. Subtrees that cannot be read are
// skipped; the first such error is returned along with everything else found.
func (s *SFTP) List(ctx context.Context, prefix string) *ListResult {
	result := &ListResult{ServiceType: "sftp"}
	if !s.HasRequiredConnectionInfo() {
		result.Error = jobs.E(jobs.ConnectionInfoMissing, ErrConnectionInfoMissing)
		return result
	}
	client, err := s.connect(ctx)
	if err != nil {
		result.Error = jobs.E(jobs.TransferFailure, err)
		return result
	}
	root := s.svc.Prefix
	if root == "" {
		root = "."
	}
	walker := client.Walk(root)
	for walker.Step() {
		if err := ctx.Err(); err != nil {
			result.Error = jobs.E(jobs.Cancelled, err)
			break
		}
		if err := walker.Err(); err != nil {
			if result.Error == nil {
				result.Error = jobs.E(jobs.TransferFailure, err)
			}
			continue
		}
		info := walker.Stat()
		if info.IsDir() {
			continue
		}
		name := strings.TrimPrefix(strings.TrimPrefix(walker.Path(), root), "/")
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		result.Files = append(result.Files, NetworkFile{
			Name:         name,
			Size:         info.Size(),
			LastModified: info.ModTime(),
		})
	}
	if result.Error != nil {
		log.Println("SFTP List:", s.svc.Host, root, result.Error)
	}
	return result
}

// Upload copies the package at localPath to remoteKey in the remote
// directory.
func (s *SFTP) Upload(ctx context.Context, localPath, remoteKey string) *jobs.OperationResult {
	return s.upload(ctx, s.HasRequiredConnectionInfo(), localPath, remoteKey, s.put)
}

// put writes to key.part and renames it into place once complete.
func (s *SFTP) put(ctx context.Context, r io.Reader, key string, size int64) error {
	client, err := s.connect(ctx)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	target := s.remote(key)
	temp := target + ".part"
	if err := client.MkdirAll(path.Dir(target)); err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	f, err := client.Create(temp)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	_, err = io.Copy(f, ctxReader{ctx: ctx, r: r})
	if err2 := f.Close(); err == nil {
		err = err2
	}
	if err != nil {
		client.Remove(temp)
		return jobs.E(jobs.TransferFailure, err)
	}
	// sftp rename will not replace an existing file
	if _, err := client.Lstat(target); err == nil {
		if err := client.Remove(target); err != nil {
			return jobs.E(jobs.TransferFailure, err)
		}
	}
	if err := client.Rename(temp, target); err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	info, err := client.Stat(target)
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	return checkSize(key, size, info.Size())
}

// Close closes the connection, if there is one.
func (s *SFTP) Close() error {
	s.m.Lock()
	defer s.m.Unlock()
	return s.closeLocked()
}

func (s *SFTP) closeLocked() error {
	if s.client == nil {
		return nil
	}
	err := s.client.Close()
	if s.conn != nil {
		if err2 := s.conn.Close(); err == nil {
			err = err2
		}
	}
	s.client = nil
	s.conn = nil
	return err
}
