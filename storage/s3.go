package storage

import (
	"bytes"
	"context"
	"io"
	"log"
	"net"
	"path"
	"strconv"
	"strings"
	"sync"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/credentials"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	raven "github.com/getsentry/raven-go"
	"github.com/pkg/errors"

	"github.com/ndlib/bagship/jobs"
)

// S3 stores packages in an S3 bucket, or a bucket on any service speaking
// the S3 protocol. Keys are prefixed with the service's Prefix. If the
// service has a Host the requests go there using path style addressing,
// otherwise to AWS itself.
type S3 struct {
	base
	m      sync.Mutex
	client *s3.S3 // created on first use
}

// NewS3 returns an S3 provider for the service.
func NewS3(svc Service) *S3 {
	return &S3{base: base{svc: svc}}
}

// Describe returns the provider metadata.
func (s *S3) Describe() Description {
	return Description{
		Name:        "S3",
		Description: "Amazon S3 and compatible object storage",
		Version:     "1.0",
		Protocol:    "s3",
	}
}

// HasRequiredConnectionInfo returns true if a bucket and credentials are
// given.
func (s *S3) HasRequiredConnectionInfo() bool {
	return s.svc.Bucket != "" && s.svc.Login != "" && s.svc.Password != ""
}

func (s *S3) connect() (*s3.S3, error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.client != nil {
		return s.client, nil
	}
	region := s.svc.Region
	if region == "" {
		region = "us-east-1"
	}
	conf := &aws.Config{
		Region:      aws.String(region),
		Credentials: credentials.NewStaticCredentials(s.svc.Login, s.svc.Password, ""),
	}
	if s.svc.Host != "" {
		endpoint := s.svc.Host
		if s.svc.Port > 0 {
			endpoint = net.JoinHostPort(s.svc.Host, strconv.Itoa(s.svc.Port))
		}
		conf.Endpoint = aws.String(endpoint)
		conf.S3ForcePathStyle = aws.Bool(true)
		conf.DisableSSL = aws.Bool(s.svc.Insecure)
	}
	sess, err := session.NewSession(conf)
	if err != nil {
		return nil, err
	}
	s.client = s3.New(sess)
	return s.client, nil
}

func (s *S3) key(key string) string {
	return path.Join(s.svc.Prefix, key)
}

// List returns the objects having keys beginning with the service prefix
// followed by prefix. Names are given without the service prefix.
func (s *S3) List(ctx context.Context, prefix string) *ListResult {
	result := &ListResult{ServiceType: "s3"}
	if !s.HasRequiredConnectionInfo() {
		result.Error = jobs.E(jobs.ConnectionInfoMissing, ErrConnectionInfoMissing)
		return result
	}
	client, err := s.connect()
	if err != nil {
		result.Error = jobs.E(jobs.TransferFailure, err)
		return result
	}
	svcPrefix := s.svc.Prefix
	if svcPrefix != "" && !strings.HasSuffix(svcPrefix, "/") {
		svcPrefix += "/"
	}
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.svc.Bucket),
		Prefix: aws.String(svcPrefix + prefix),
	}
	err = client.ListObjectsV2PagesWithContext(ctx, input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				result.Files = append(result.Files, s3NetworkFile(item, svcPrefix))
			}
			return !lastpage
		})
	if err != nil {
		log.Println("S3 List:", s.svc.Bucket, svcPrefix+prefix, err)
		raven.CaptureError(err, map[string]string{"Bucket": s.svc.Bucket, "Prefix": svcPrefix, "Pattern": prefix})
		result.Error = jobs.E(jobs.TransferFailure, err)
	}
	return result
}

func s3NetworkFile(item *s3.Object, prefix string) NetworkFile {
	f := NetworkFile{
		Name:         strings.TrimPrefix(aws.StringValue(item.Key), prefix),
		Size:         -1,
		ETag:         strings.Trim(aws.StringValue(item.ETag), `"`),
		LastModified: aws.TimeValue(item.LastModified),
	}
	if item.Size != nil {
		f.Size = *item.Size
	}
	return f
}

// Upload stores the package at localPath under remoteKey. After each object
// is written a HEAD request confirms its size.
func (s *S3) Upload(ctx context.Context, localPath, remoteKey string) *jobs.OperationResult {
	return s.upload(ctx, s.HasRequiredConnectionInfo(), localPath, remoteKey, s.put)
}

func (s *S3) put(ctx context.Context, r io.Reader, key string, size int64) error {
	client, err := s.connect()
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	wc := &s3WriteCloser{
		ctx:    ctx,
		svc:    client,
		bucket: s.svc.Bucket,
		key:    s.key(key),
	}
	_, err = io.Copy(wc, r)
	if err != nil {
		wc.abort = true
	}
	if err2 := wc.Close(); err == nil {
		err = err2
	}
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	info, err := client.HeadObjectWithContext(ctx, &s3.HeadObjectInput{
		Bucket: aws.String(s.svc.Bucket),
		Key:    aws.String(s.key(key)),
	})
	if err != nil {
		return jobs.E(jobs.TransferFailure, err)
	}
	return checkSize(key, size, aws.Int64Value(info.ContentLength))
}

// Close releases the client. There is no connection to close.
func (s *S3) Close() error {
	s.m.Lock()
	s.client = nil
	s.m.Unlock()
	return nil
}

// s3WriteCloser does an upload to s3. If the entire file fits into one buffer
// it will do a single PUT. Otherwise it will use the s3 multipart upload
// interface.
//
// A challenge is that we do not know the ultimate size of the object while we
// are writing it. To accommodate large file sizes, we vary the size of each
// part. Varying the part sizes lets us use small parts for small files, but
// still be able to handle large files, e.g. larger than 50 GB (which would be
// the max if we used a constant part size of 5 MB).
//
// AWS restricts part sizes to be between 5 MB and 5 GB.
//
// We set the upload threshold of part i to size(i) = min(a*2^i, b) where
// constants a and b are a = 64 * 1024 * 1024 (64 MB) and
// b = 4 * 1024 * 1024 * 1024 (4 GB)
//
//	File Size       # Parts (using this system)
//	---------       -------
//	     1 GB             5
//	    10 GB             8
//	   100 GB            36
//	  1000 GB           301
type s3WriteCloser struct {
	ctx      context.Context
	svc      *s3.S3
	bucket   string
	key      string
	buf      *bytes.Buffer // current buffer we are writing to
	isMulti  bool          // true if this is a multipart upload
	uploadID string        // the multipart id that s3 gave us
	part     int           // the part number we are currently filling up (0-based. n.b. AWS is 1-based)
	etags    []string      // list of etags for all our uploaded parts, index i == etag for part i
	abort    bool          // true to abort upload at close
}

// These are constants, but beware! The relationship that
// wcBaseSize << 6 == wcMaxSize is baked into the code below
const (
	wcBaseSize = 64 * 1024 * 1024
	wcMaxSize  = 4 * 1024 * 1024 * 1024
)

var (
	// wcBufferPool contains spare buffers to use for uploading. It is shared
	// between all the s3WriteCloser instances.
	wcBufferPool sync.Pool

	ErrNoETag = errors.New("No ETag was returned from AWS")
)

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	if wc.buf == nil {
		wc.buf = wc.getbuf()
	}
	n, err := wc.buf.Write(p)
	if n == 0 && err != nil {
		wc.abort = true
		return n, err
	}
	lowerlimit := wcMaxSize
	if wc.part < 6 {
		lowerlimit = wcBaseSize << wc.part
	}
	if wc.buf.Len() > lowerlimit {
		err = wc.uploadpart(wc.part, wc.buf)
		wc.buf.Reset()
		if err != nil {
			wc.abort = true
			return 0, err
		}
		wc.part++
	}
	return n, nil
}

// Close will flush any temporary buffers to S3, and then wait for everything
// to be uploaded. If there were any errors (either now, or while calling
// Write()), the entire upload will be deleted. Otherwise it will be saved
// into S3.
func (wc *s3WriteCloser) Close() error {
	if wc.buf != nil {
		defer func() {
			wcBufferPool.Put(wc.buf)
			wc.buf = nil
		}()
	}

	if !wc.isMulti {
		if wc.abort {
			return nil
		}
		return wc.uploadfull(wc.buf)
	}

	if !wc.abort && wc.buf != nil && wc.buf.Len() > 0 {
		if err := wc.uploadpart(wc.part, wc.buf); err != nil {
			wc.abort = true
			return wc.abortMultipart(err)
		}
	}
	if wc.abort {
		return wc.abortMultipart(nil)
	}
	err := wc.finishMultipart()
	if err != nil {
		log.Println("S3 Complete Close:", wc.key, err)
	}
	return err
}

// abortMultipart deletes the parts uploaded so far. It returns err if it is
// not nil, otherwise any error from the abort request.
func (wc *s3WriteCloser) abortMultipart(err error) error {
	_, err2 := wc.svc.AbortMultipartUploadWithContext(wc.ctx, &s3.AbortMultipartUploadInput{
		Bucket:   aws.String(wc.bucket),
		Key:      aws.String(wc.key),
		UploadId: aws.String(wc.uploadID),
	})
	if err2 != nil {
		log.Println("S3 Abort Close:", wc.key, err2)
	}
	if err == nil {
		err = err2
	}
	return err
}

func (wc *s3WriteCloser) getbuf() *bytes.Buffer {
	b, ok := wcBufferPool.Get().(*bytes.Buffer)
	if !ok {
		b = &bytes.Buffer{}
	}
	b.Reset()
	return b
}

func (wc *s3WriteCloser) startMultipart() error {
	if wc.isMulti {
		return nil
	}
	result, err := wc.svc.CreateMultipartUploadWithContext(wc.ctx, &s3.CreateMultipartUploadInput{
		Bucket: aws.String(wc.bucket),
		Key:    aws.String(wc.key),
	})
	if err != nil {
		log.Println("S3 startMultipart:", wc.key, err)
		return err
	}
	wc.isMulti = true
	wc.uploadID = *result.UploadId
	return nil
}

func (wc *s3WriteCloser) finishMultipart() error {
	var completed []*s3.CompletedPart
	for i, etag := range wc.etags {
		completed = append(completed, &s3.CompletedPart{
			ETag:       aws.String(etag),
			PartNumber: aws.Int64(int64(i + 1)), // part numbers are 1-based
		})
	}
	_, err := wc.svc.CompleteMultipartUploadWithContext(wc.ctx,
		&s3.CompleteMultipartUploadInput{
			Bucket:   aws.String(wc.bucket),
			Key:      aws.String(wc.key),
			UploadId: aws.String(wc.uploadID),
			MultipartUpload: &s3.CompletedMultipartUpload{
				Parts: completed,
			},
		})
	return err
}

func (wc *s3WriteCloser) uploadpart(partno int, buf *bytes.Buffer) error {
	if err := wc.startMultipart(); err != nil {
		return err
	}
	input := &s3.UploadPartInput{
		Body:       bytes.NewReader(buf.Bytes()), // need Seek()
		Bucket:     aws.String(wc.bucket),
		Key:        aws.String(wc.key),
		PartNumber: aws.Int64(int64(partno + 1)), // parts are 1-based in AWS
		UploadId:   aws.String(wc.uploadID),
	}
	output, err := wc.svc.UploadPartWithContext(wc.ctx, input)
	if err != nil {
		log.Println("S3 uploadpart:", wc.key, partno+1, err)
		return err
	}
	if output.ETag == nil {
		log.Println("S3 nil ETag for part", partno, "key=", wc.key)
		return ErrNoETag
	}
	wc.etags = append(wc.etags, *output.ETag)
	return nil
}

func (wc *s3WriteCloser) uploadfull(buf *bytes.Buffer) error {
	// buf is nil when nothing was written
	source := &bytes.Reader{} // need Seek(), and bytes.Buffer doesn't have it
	if buf != nil {
		source.Reset(buf.Bytes())
	}
	input := &s3.PutObjectInput{
		Body:          source,
		Bucket:        aws.String(wc.bucket),
		Key:           aws.String(wc.key),
		ContentLength: aws.Int64(int64(source.Len())),
	}
	_, err := wc.svc.PutObjectWithContext(wc.ctx, input)
	if err != nil {
		log.Println("S3 uploadfull:", wc.key, err)
	}
	return err
}
