package shadow

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
)

// S3Config configures an S3Backend.
type S3Config struct {
	// Client is the configured S3 client.
	Client *s3.Client

	// Bucket must already exist.
	Bucket string

	// KeyPrefix is prepended to every object key, e.g. "librarian/".
	KeyPrefix string

	// SegmentSize is the bytes held by one object; normally the book size.
	SegmentSize int64

	// Size is the capacity of the address space.
	Size int64
}

// S3Backend stores the flat address space as one object per segment,
// keyed "<prefix>books/<index>". Segments that were never written, or were
// zeroed, have no object and read as zeros.
//
// Writes are read-modify-write of whole segments, so concurrent writers to
// the same segment are last-write-wins.
type S3Backend struct {
	client  *s3.Client
	bucket  string
	prefix  string
	segment int64
	size    int64
}

// NewS3Backend verifies bucket access and returns the backend.
func NewS3Backend(ctx context.Context, cfg S3Config) (*S3Backend, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if cfg.Client == nil {
		return nil, fmt.Errorf("S3 client is required")
	}
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("bucket name is required")
	}
	if cfg.SegmentSize <= 0 {
		return nil, fmt.Errorf("segment size must be positive, got %d", cfg.SegmentSize)
	}
	if cfg.Size <= 0 {
		return nil, fmt.Errorf("size must be positive, got %d", cfg.Size)
	}

	_, err := cfg.Client.HeadBucket(ctx, &s3.HeadBucketInput{Bucket: aws.String(cfg.Bucket)})
	if err != nil {
		return nil, fmt.Errorf("failed to access bucket %q: %w", cfg.Bucket, err)
	}

	return &S3Backend{
		client:  cfg.Client,
		bucket:  cfg.Bucket,
		prefix:  cfg.KeyPrefix,
		segment: cfg.SegmentSize,
		size:    cfg.Size,
	}, nil
}

func (b *S3Backend) Name() string { return BackendS3 }

func (b *S3Backend) Size() int64 { return b.size }

func (b *S3Backend) key(index int64) string {
	return b.prefix + "books/" + strconv.FormatInt(index, 10)
}

// forEachSegment calls fn for every segment piece of [off, off+length),
// with the segment index, the offset within it and the piece's position in
// the caller's buffer.
func (b *S3Backend) forEachSegment(off, length int64, fn func(index, segOff, bufOff, n int64) error) error {
	var done int64
	for done < length {
		cur := off + done
		index := cur / b.segment
		segOff := cur % b.segment
		n := min(b.segment-segOff, length-done)
		if err := fn(index, segOff, done, n); err != nil {
			return err
		}
		done += n
	}
	return nil
}

func (b *S3Backend) ReadAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := checkSpan(BackendS3, off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	var read int
	err := b.forEachSegment(off, int64(len(p)), func(index, segOff, bufOff, n int64) error {
		if err := b.readRange(ctx, index, segOff, p[bufOff:bufOff+n]); err != nil {
			return err
		}
		read += int(n)
		return nil
	})
	return read, err
}

// readRange fills dst from one segment with a ranged GET. A missing object
// or a short one reads as zeros.
func (b *S3Backend) readRange(ctx context.Context, index, segOff int64, dst []byte) error {
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(index)),
		Range:  aws.String(fmt.Sprintf("bytes=%d-%d", segOff, segOff+int64(len(dst))-1)),
	})
	if err != nil {
		if isNotFound(err) {
			clear(dst)
			return nil
		}
		return fmt.Errorf("failed to read segment %d from S3: %w", index, err)
	}
	defer func() { _ = out.Body.Close() }()

	n, err := io.ReadFull(out.Body, dst)
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		clear(dst[n:])
		return nil
	}
	return err
}

// loadSegment returns a whole segment, zeros if it has no object.
func (b *S3Backend) loadSegment(ctx context.Context, index int64) ([]byte, error) {
	buf := make([]byte, b.segment)
	out, err := b.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(index)),
	})
	if err != nil {
		if isNotFound(err) {
			return buf, nil
		}
		return nil, fmt.Errorf("failed to read segment %d from S3: %w", index, err)
	}
	defer func() { _ = out.Body.Close() }()

	if _, err := io.ReadFull(out.Body, buf); err != nil &&
		!errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return nil, err
	}
	return buf, nil
}

func (b *S3Backend) putSegment(ctx context.Context, index int64, data []byte) error {
	_, err := b.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(index)),
		Body:   bytes.NewReader(data),
	})
	if err != nil {
		return fmt.Errorf("failed to write segment %d to S3: %w", index, err)
	}
	return nil
}

func (b *S3Backend) deleteSegment(ctx context.Context, index int64) error {
	_, err := b.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(b.bucket),
		Key:    aws.String(b.key(index)),
	})
	if err != nil && !isNotFound(err) {
		return fmt.Errorf("failed to delete segment %d from S3: %w", index, err)
	}
	return nil
}

func (b *S3Backend) WriteAt(ctx context.Context, p []byte, off int64) (int, error) {
	if err := checkSpan(BackendS3, off, int64(len(p)), b.size); err != nil {
		return 0, err
	}
	var written int
	err := b.forEachSegment(off, int64(len(p)), func(index, segOff, bufOff, n int64) error {
		var seg []byte
		if n == b.segment {
			seg = p[bufOff : bufOff+n]
		} else {
			var err error
			if seg, err = b.loadSegment(ctx, index); err != nil {
				return err
			}
			copy(seg[segOff:], p[bufOff:bufOff+n])
		}
		if err := b.putSegment(ctx, index, seg); err != nil {
			return err
		}
		written += int(n)
		return nil
	})
	return written, err
}

// Zero deletes fully covered segments and rewrites partial ones.
func (b *S3Backend) Zero(ctx context.Context, off, length int64) error {
	if err := checkSpan(BackendS3, off, length, b.size); err != nil {
		return err
	}
	return b.forEachSegment(off, length, func(index, segOff, bufOff, n int64) error {
		if n == b.segment {
			return b.deleteSegment(ctx, index)
		}
		seg, err := b.loadSegment(ctx, index)
		if err != nil {
			return err
		}
		clear(seg[segOff : segOff+n])
		return b.putSegment(ctx, index, seg)
	})
}

func (b *S3Backend) Close() error { return nil }

func isNotFound(err error) bool {
	var nsk *types.NoSuchKey
	if errors.As(err, &nsk) {
		return true
	}
	var nf *types.NotFound
	return errors.As(err, &nf)
}
