// Package relay streams remote images straight into S3.
//
// The source is fetched with a plain HTTP GET and its body is cut into
// fixed-size parts as it arrives. Each part is sent with UploadPart while the
// next one is being read, so memory stays bounded by part size times the
// number of parts in flight, never by the size of the image.
//
// A failed part is not retried. The whole multipart upload is aborted so no
// partial object ever becomes visible under the key, and the error goes back
// to the caller.
package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

const (
	// MinPartSize is the minimum S3 multipart part size (5 MB). Only the
	// last part of an upload may be smaller.
	MinPartSize int64 = 5 * 1024 * 1024

	// MaxPartSize bounds the part buffer. Up to PartConcurrency+1 buffers
	// are held per upload, and S3 itself rejects parts over 5 GiB.
	MaxPartSize int64 = 512 * 1024 * 1024

	// DefaultPartConcurrency is how many parts may be in flight at once.
	DefaultPartConcurrency = 4
	MaxPartConcurrency     = 16

	// fetchTimeout bounds a single source download end to end.
	fetchTimeout = 10 * time.Minute
)

// MultipartAPI is the subset of *s3.Client used by the uploader.
type MultipartAPI interface {
	CreateMultipartUpload(ctx context.Context, params *s3.CreateMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CreateMultipartUploadOutput, error)
	UploadPart(ctx context.Context, params *s3.UploadPartInput, optFns ...func(*s3.Options)) (*s3.UploadPartOutput, error)
	CompleteMultipartUpload(ctx context.Context, params *s3.CompleteMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.CompleteMultipartUploadOutput, error)
	AbortMultipartUpload(ctx context.Context, params *s3.AbortMultipartUploadInput, optFns ...func(*s3.Options)) (*s3.AbortMultipartUploadOutput, error)
}

// Compile-time interface check.
var _ MultipartAPI = (*s3.Client)(nil)

// PartFunc is called after each part is stored. Observability only.
type PartFunc func(key string, partNumber int32, size int64)

// StoredFunc is called once an object is complete in the bucket. Aborted
// uploads never reach it.
type StoredFunc func(key string, size int64)

// Options configures an Uploader.
type Options struct {
	Bucket       string
	KeyPrefix    string // prepended to every key, e.g. "midjourney/"
	CacheControl string
	ContentType  string
	Tagging      string // URL-encoded tag set, e.g. "Project=pipencil"

	PartSize        int64 // defaults to MinPartSize
	PartConcurrency int   // defaults to DefaultPartConcurrency

	// HTTPClient fetches sources. Defaults to a client with fetchTimeout.
	HTTPClient *http.Client

	OnPart   PartFunc
	OnStored StoredFunc
}

// Uploader relays URLs into a bucket. It holds no per-upload state and is
// safe for concurrent use.
type Uploader struct {
	s3         MultipartAPI
	httpClient *http.Client
	opts       Options
}

// NewUploader creates an Uploader writing through client.
func NewUploader(client MultipartAPI, opts Options) *Uploader {
	switch {
	case opts.PartSize <= 0:
		opts.PartSize = MinPartSize
	case opts.PartSize > MaxPartSize:
		opts.PartSize = MaxPartSize
	}
	switch {
	case opts.PartConcurrency <= 0:
		opts.PartConcurrency = DefaultPartConcurrency
	case opts.PartConcurrency > MaxPartConcurrency:
		opts.PartConcurrency = MaxPartConcurrency
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: fetchTimeout}
	}
	return &Uploader{s3: client, httpClient: httpClient, opts: opts}
}

// Relay fetches sourceURL and stores its body under key. It returns only
// once S3 has completed the upload, or with a *RelayError after aborting it.
func (u *Uploader) Relay(ctx context.Context, key, sourceURL string) error {
	startTime := time.Now()
	fullKey := u.opts.KeyPrefix + key

	body, err := u.fetch(ctx, sourceURL)
	if err != nil {
		return &RelayError{Key: fullKey, URL: sourceURL, Stage: StageFetch, Err: err}
	}
	defer body.Close()

	size, parts, err := u.upload(ctx, fullKey, body)
	if err != nil {
		var re *RelayError
		if errors.As(err, &re) {
			re.URL = sourceURL
			return re
		}
		return &RelayError{Key: fullKey, URL: sourceURL, Stage: StageUpload, Err: err}
	}

	if u.opts.OnStored != nil {
		u.opts.OnStored(fullKey, size)
	}
	log.Info().
		Str("key", fullKey).
		Int64("bytes", size).
		Int("parts", parts).
		Dur("duration", time.Since(startTime)).
		Msg("Relay complete")
	return nil
}

// fetch opens a streaming GET against url.
func (u *Uploader) fetch(ctx context.Context, url string) (io.ReadCloser, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build request: %w", err)
	}
	resp, err := u.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("GET: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("GET returned status %d", resp.StatusCode)
	}
	return resp.Body, nil
}

// upload copies body into a new multipart upload for key.
func (u *Uploader) upload(ctx context.Context, key string, body io.Reader) (int64, int, error) {
	created, err := u.s3.CreateMultipartUpload(ctx, &s3.CreateMultipartUploadInput{
		Bucket:       &u.opts.Bucket,
		Key:          &key,
		CacheControl: optional(u.opts.CacheControl),
		ContentType:  optional(u.opts.ContentType),
		Tagging:      optional(u.opts.Tagging),
	})
	if err != nil {
		return 0, 0, &RelayError{Key: key, Stage: StageCreate, Err: err}
	}
	uploadID := aws.ToString(created.UploadId)
	log.Debug().Str("key", key).Str("uploadId", uploadID).Msg("Multipart upload created")

	var (
		mu        sync.Mutex
		completed []s3types.CompletedPart
		total     int64
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(u.opts.PartConcurrency)

	var readErr error
	for partNumber := int32(1); ; partNumber++ {
		if gctx.Err() != nil {
			break
		}
		buf := make([]byte, u.opts.PartSize)
		n, err := io.ReadFull(body, buf)
		last := err == io.EOF || err == io.ErrUnexpectedEOF
		if err != nil && !last {
			readErr = fmt.Errorf("read source at part %d: %w", partNumber, err)
			break
		}
		// An empty body still needs one (empty) part to complete.
		if n == 0 && partNumber > 1 {
			break
		}

		part := buf[:n]
		pn := partNumber
		g.Go(func() error {
			out, err := u.s3.UploadPart(gctx, &s3.UploadPartInput{
				Bucket:     &u.opts.Bucket,
				Key:        &key,
				UploadId:   &uploadID,
				PartNumber: &pn,
				Body:       bytesReader(part),
			})
			if err != nil {
				return &RelayError{Key: key, Stage: StagePart, Part: pn, Err: err}
			}
			mu.Lock()
			completed = append(completed, s3types.CompletedPart{ETag: out.ETag, PartNumber: &pn})
			total += int64(len(part))
			mu.Unlock()

			log.Debug().Str("key", key).Int32("part", pn).Int("bytes", len(part)).Msg("Uploaded part")
			if u.opts.OnPart != nil {
				u.opts.OnPart(key, pn, int64(len(part)))
			}
			return nil
		})

		if last {
			break
		}
	}

	err = g.Wait()
	if err == nil {
		err = readErr
	}
	if err == nil {
		err = ctx.Err()
	}
	if err != nil {
		u.abort(ctx, key, uploadID)
		return 0, 0, err
	}

	sort.Slice(completed, func(i, j int) bool {
		return *completed[i].PartNumber < *completed[j].PartNumber
	})
	_, err = u.s3.CompleteMultipartUpload(ctx, &s3.CompleteMultipartUploadInput{
		Bucket:          &u.opts.Bucket,
		Key:             &key,
		UploadId:        &uploadID,
		MultipartUpload: &s3types.CompletedMultipartUpload{Parts: completed},
	})
	if err != nil {
		u.abort(ctx, key, uploadID)
		return 0, 0, &RelayError{Key: key, Stage: StageComplete, Err: err}
	}
	return total, len(completed), nil
}

// abort discards an unfinished upload so none of its parts are kept. It runs
// even when ctx is already cancelled.
func (u *Uploader) abort(ctx context.Context, key, uploadID string) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
	defer cancel()
	_, err := u.s3.AbortMultipartUpload(ctx, &s3.AbortMultipartUploadInput{
		Bucket:   &u.opts.Bucket,
		Key:      &key,
		UploadId: &uploadID,
	})
	if err != nil {
		log.Error().Err(err).Str("key", key).Str("uploadId", uploadID).Msg("Failed to abort multipart upload")
		return
	}
	log.Warn().Str("key", key).Str("uploadId", uploadID).Msg("Multipart upload aborted")
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
