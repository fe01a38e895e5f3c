//go:build integration

package shadow

import (
	"context"
	"os"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestS3Shadow_Integration runs the flat backend suite against an
// S3-compatible service (Localstack).
//
// Prerequisites:
//   - Localstack running on localhost:4566
//   - Run with: go test -tags=integration ./pkg/shadow/...
//
// To start Localstack:
//
//	docker run --rm -p 4566:4566 localstack/localstack
func TestS3Shadow_Integration(t *testing.T) {
	ctx := context.Background()

	endpoint := os.Getenv("LOCALSTACK_ENDPOINT")
	if endpoint == "" {
		endpoint = "http://localhost:4566"
	}

	cfg, err := awsConfig.LoadDefaultConfig(ctx,
		awsConfig.WithRegion("us-east-1"),
		awsConfig.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("test", "test", "")),
	)
	require.NoError(t, err)

	client := s3.NewFromConfig(cfg, func(o *s3.Options) {
		o.BaseEndpoint = aws.String(endpoint)
		o.UsePathStyle = true
	})

	bucket := "librarian-shadow-test"
	_, err = client.CreateBucket(ctx, &s3.CreateBucketInput{Bucket: aws.String(bucket)})
	require.NoError(t, err)

	t.Cleanup(func() {
		list, _ := client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{Bucket: aws.String(bucket)})
		if list != nil {
			for _, obj := range list.Contents {
				_, _ = client.DeleteObject(ctx, &s3.DeleteObjectInput{Bucket: aws.String(bucket), Key: obj.Key})
			}
		}
		_, _ = client.DeleteBucket(ctx, &s3.DeleteBucketInput{Bucket: aws.String(bucket)})
	})

	b, err := NewS3Backend(ctx, S3Config{
		Client:      client,
		Bucket:      bucket,
		KeyPrefix:   "test/",
		SegmentSize: bs,
		Size:        9 * bs,
	})
	require.NoError(t, err)

	runFlatSuite(t, b)

	t.Run("ZeroDeletesWholeSegments", func(t *testing.T) {
		_, err := b.WriteAt(ctx, pattern(bs), 3*bs)
		require.NoError(t, err)
		require.NoError(t, b.Zero(ctx, 3*bs, bs))

		_, err = client.HeadObject(ctx, &s3.HeadObjectInput{
			Bucket: aws.String(bucket),
			Key:    aws.String("test/books/3"),
		})
		assert.Error(t, err)
	})

	t.Run("UnwrittenReadsZero", func(t *testing.T) {
		got := pattern(100)
		n, err := b.ReadAt(ctx, got, 4*bs+10)
		require.NoError(t, err)
		assert.Equal(t, 100, n)
		assert.Equal(t, make([]byte, 100), got)
	})
}
