package store

import (
	"bytes"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/session"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/aws/aws-sdk-go/service/s3/s3manager"
	raven "github.com/getsentry/raven-go"
)

// A S3 store keeps the archive in an AWS S3 bucket (or anything speaking
// the same API, e.g. Minio). Full paths have the form
// "s3://bucket/prefix/key".
// Do not change Bucket or Prefix concurrently with calls using the structure.
type S3 struct {
	svc      s3iface.S3API
	uploader *s3manager.Uploader
	Bucket   string
	Prefix   string
	sizes    *sizecache // keep HEAD info
}

var _ Store = &S3{}

// NewS3 creates a new S3 store. It will use the given bucket and will prepend
// prefix to all keys. For example if prefix were "sips/" then an
// Open("ab/cd/x/bagit.txt") would look for the key "sips/ab/cd/x/bagit.txt"
// in the bucket. The credentials in the session are used for all accesses.
func NewS3(bucket, prefix string, awsSession *session.Session) *S3 {
	svc := s3.New(awsSession)
	return &S3{
		Bucket:   bucket,
		Prefix:   prefix,
		svc:      svc,
		uploader: s3manager.NewUploaderWithClient(svc),
		sizes:    newSizeCache(nil),
	}
}

// ParseS3URL splits a location of the form "s3://bucket/prefix" into its
// bucket and prefix. A non-empty prefix always ends with a slash.
func ParseS3URL(location string) (bucket, prefix string, ok bool) {
	if !strings.HasPrefix(location, "s3://") {
		return "", "", false
	}
	rest := strings.TrimPrefix(location, "s3://")
	i := strings.Index(rest, "/")
	if i == -1 {
		return rest, "", rest != ""
	}
	bucket, prefix = rest[:i], rest[i+1:]
	if prefix != "" && !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return bucket, prefix, bucket != ""
}

func (s *S3) tags(key string) map[string]string {
	return map[string]string{"Bucket": s.Bucket, "Prefix": s.Prefix, "Key": key}
}

// List returns a list of all the keys in this store. It will only return ones
// that satisfy the store's Prefix, so it is safe to use this on a bucket
// containing other items.
func (s *S3) List() <-chan string {
	out := make(chan string)
	go func() {
		defer close(out)
		err := s.listPages("", func(key string) { out <- key })
		if err != nil {
			log.Println("S3 List:", s.Prefix, err)
			raven.CaptureError(err, s.tags(""))
		}
	}()
	return out
}

// ListPrefix returns the keys in this store that have the given prefix.
// The argument prefix is added to the store's Prefix.
func (s *S3) ListPrefix(prefix string) ([]string, error) {
	var result []string
	err := s.listPages(prefix, func(key string) { result = append(result, key) })
	if err != nil {
		log.Println("S3 ListPrefix:", s.Prefix, prefix, err)
		raven.CaptureError(err, s.tags(prefix))
	}
	return result, err
}

func (s *S3) listPages(prefix string, emit func(string)) error {
	input := &s3.ListObjectsV2Input{
		Bucket: aws.String(s.Bucket),
		Prefix: aws.String(s.Prefix + prefix),
	}
	return s.svc.ListObjectsV2Pages(input,
		func(page *s3.ListObjectsV2Output, lastpage bool) bool {
			for _, item := range page.Contents {
				key := strings.TrimPrefix(*item.Key, s.Prefix)
				s.sizes.Set(key, aws.Int64Value(item.Size))
				emit(key)
			}
			return !lastpage
		})
}

// Open will return a ReadAtCloser to get the content for the given key. Data
// is paged in from S3 as needed.
func (s *S3) Open(key string) (ReadAtCloser, int64, error) {
	size, err := s.Stat(key)
	if err != nil {
		return nil, 0, err
	}
	result := &s3ReadAtCloser{
		svc:    s.svc,
		bucket: s.Bucket,
		key:    s.Prefix + key,
		size:   size,
	}
	return result, size, nil
}

// Stat returns the size of key. Sizes are cached, which cuts down on the
// number of HEAD requests.
func (s *S3) Stat(key string) (int64, error) {
	return s.sizes.Get(key, s.head)
}

// head performs the actual HEAD request.
func (s *S3) head(key string) (int64, error) {
	info, err := s.svc.HeadObject(&s3.HeadObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusNotFound {
			return sizeDeleted, ErrNotExist
		}
		return 0, err
	}
	return aws.Int64Value(info.ContentLength), nil
}

// FullPath returns the s3 url for key.
func (s *S3) FullPath(key string) string {
	return "s3://" + s.Bucket + "/" + s.Prefix + key
}

// KeyOf reverses FullPath.
func (s *S3) KeyOf(fullpath string) (string, bool) {
	base := "s3://" + s.Bucket + "/" + s.Prefix
	if !strings.HasPrefix(fullpath, base) || len(fullpath) == len(base) {
		return "", false
	}
	return fullpath[len(base):], true
}

// Create will return a WriteCloser to upload content to the given key. The
// data is streamed through the s3manager uploader, which switches to a
// multipart upload for large objects. Nothing is visible under key until
// Close returns without error.
func (s *S3) Create(key string) (io.WriteCloser, error) {
	if _, err := s.Stat(key); err == nil {
		return nil, ErrKeyExists
	}
	s.sizes.Forget(key)
	pr, pw := io.Pipe()
	wc := &s3WriteCloser{pw: pw, done: make(chan error, 1)}
	go func() {
		_, err := s.uploader.Upload(&s3manager.UploadInput{
			Bucket: aws.String(s.Bucket),
			Key:    aws.String(s.Prefix + key),
			Body:   pr,
		})
		if err != nil {
			log.Println("S3 Upload:", s.Prefix, key, err)
			raven.CaptureError(err, s.tags(key))
		}
		// unblock any pending writes
		pr.CloseWithError(err)
		wc.done <- err
	}()
	return wc, nil
}

// Delete will remove the given key from the store. The store's Prefix is
// prepended first. It is not an error to delete something that doesn't exist.
func (s *S3) Delete(key string) error {
	_, err := s.svc.DeleteObject(&s3.DeleteObjectInput{
		Bucket: aws.String(s.Bucket),
		Key:    aws.String(s.Prefix + key),
	})
	if err != nil {
		log.Println("S3 Delete:", s.Prefix, key, err)
		raven.CaptureError(err, s.tags(key))
		return err
	}
	s.sizes.Set(key, sizeDeleted)
	return nil
}

type s3WriteCloser struct {
	pw   *io.PipeWriter
	done chan error
	err  error
}

func (wc *s3WriteCloser) Write(p []byte) (int, error) {
	return wc.pw.Write(p)
}

// Close waits for the upload to finish.
func (wc *s3WriteCloser) Close() error {
	if wc.done == nil {
		return wc.err
	}
	wc.pw.Close()
	wc.err = <-wc.done
	wc.done = nil
	return wc.err
}

// s3ReadAtCloser adapts ranged GET requests to the ReadAt interface. The
// most recently fetched page is kept, so a sequential read through an
// object makes one request per page.
//
// It is not safe to use from more than one goroutine.
type s3ReadAtCloser struct {
	svc    s3iface.S3API
	bucket string
	key    string
	size   int64
	page   []byte
	offset int64 // offset of page in the object
}

const defaultPageSize = 8 * 1024 * 1024 // 8 MiB

// ReadAt implements the io.ReaderAt interface.
func (rac *s3ReadAtCloser) ReadAt(p []byte, offset int64) (int, error) {
	start := offset
	var err error
	for len(p) > 0 && offset < rac.size {
		if offset < rac.offset || offset >= rac.offset+int64(len(rac.page)) {
			if err = rac.load(offset); err != nil {
				break
			}
		}
		n := copy(p, rac.page[offset-rac.offset:])
		p = p[n:]
		offset += int64(n)
	}
	if err == nil && len(p) > 0 {
		err = io.EOF
	}
	return int(offset - start), err
}

// load reads the page containing offset. Pages begin at multiples of
// defaultPageSize.
func (rac *s3ReadAtCloser) load(offset int64) error {
	startpos := (offset / defaultPageSize) * defaultPageSize
	endpos := startpos + defaultPageSize
	output, err := rac.svc.GetObject(&s3.GetObjectInput{
		Bucket: aws.String(rac.bucket),
		Key:    aws.String(rac.key),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", startpos, endpos-1)),
	})
	if err != nil {
		// an invalid range means we have gone too far
		if e, ok := err.(awserr.RequestFailure); ok && e.StatusCode() == http.StatusRequestedRangeNotSatisfiable {
			return io.EOF
		}
		log.Println("S3 load:", rac.key, offset, err)
		return err
	}
	defer output.Body.Close()
	data := &bytes.Buffer{}
	n, err := io.Copy(data, output.Body)
	if err != nil {
		return err
	}
	if n == 0 {
		return io.EOF
	}
	rac.page = data.Bytes()
	rac.offset = startpos
	return nil
}

// Close releases the cached page.
func (rac *s3ReadAtCloser) Close() error {
	rac.page = nil
	return nil
}
