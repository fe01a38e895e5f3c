package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/marmos91/librarian/internal/logger"
	"github.com/marmos91/librarian/pkg/metrics"
	"github.com/marmos91/librarian/pkg/shadow"
	"github.com/marmos91/librarian/pkg/topology"
	"github.com/mitchellh/mapstructure"
)

// CreateShadow creates the shadow backend based on configuration.
//
// Flat backends (file, aperture, memory, s3) hold every book at its
// translated offset and are sized from igs. The directory backend stores
// each shelf as a file and ignores igs.
//
// Parameters:
//   - ctx: Context for initialization operations
//   - cfg: Shadow configuration
//   - igs: Interleave groups of the provisioned database
//   - bookSize: Book size of the provisioned database
//   - books: Resolves shelf paths to books (the engine)
//   - m: Shadow metrics (nil = no metrics)
func CreateShadow(
	ctx context.Context,
	cfg *ShadowConfig,
	igs []topology.IGInfo,
	bookSize int64,
	books shadow.BookSource,
	m metrics.ShadowMetrics,
) (*shadow.Shadow, error) {
	if cfg.Type == shadow.BackendDirectory {
		b, err := createDirectoryBackend(cfg.Directory)
		if err != nil {
			return nil, err
		}
		return shadow.New(b, nil, nil, m)
	}

	if cfg.Type == shadow.BackendAperture {
		a, err := createApertureBackend(cfg.Aperture)
		if err != nil {
			return nil, err
		}
		tr, err := shadow.NewTranslator(igs, bookSize, shadow.WithAperture(a.Base(), a.Size()))
		if err != nil {
			_ = a.Close()
			return nil, err
		}
		return newFlatShadow(a, tr, books, m)
	}

	tr, err := shadow.NewTranslator(igs, bookSize)
	if err != nil {
		return nil, err
	}

	var b shadow.FlatBackend
	switch cfg.Type {
	case shadow.BackendFile:
		b, err = createFileBackend(cfg.File, tr.Size())
	case shadow.BackendMemory:
		logger.Warn("Using the memory shadow: shelf contents are lost on exit")
		b = shadow.NewMemoryBackend(tr.Size())
	case shadow.BackendS3:
		b, err = createS3Backend(ctx, cfg.S3, bookSize, tr.Size())
	default:
		return nil, fmt.Errorf("unknown shadow type: %q", cfg.Type)
	}
	if err != nil {
		return nil, err
	}
	return newFlatShadow(b, tr, books, m)
}

func newFlatShadow(b shadow.FlatBackend, tr *shadow.Translator, books shadow.BookSource, m metrics.ShadowMetrics) (*shadow.Shadow, error) {
	s, err := shadow.New(b, tr, books, m)
	if err != nil {
		_ = b.Close()
		return nil, err
	}
	return s, nil
}

// createDirectoryBackend creates a per-shelf file backend.
func createDirectoryBackend(options map[string]any) (*shadow.DirectoryBackend, error) {
	type DirectoryShadowConfig struct {
		Path string `mapstructure:"path"`
	}

	var backendCfg DirectoryShadowConfig
	if err := mapstructure.Decode(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode directory shadow config: %w", err)
	}
	if backendCfg.Path == "" {
		return nil, fmt.Errorf("directory shadow: path is required")
	}

	b, err := shadow.NewDirectoryBackend(backendCfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to create directory shadow: %w", err)
	}
	return b, nil
}

// createFileBackend creates a single sparse file backend.
func createFileBackend(options map[string]any, size int64) (*shadow.FileBackend, error) {
	type FileShadowConfig struct {
		Path string `mapstructure:"path"`
	}

	var backendCfg FileShadowConfig
	if err := mapstructure.Decode(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode file shadow config: %w", err)
	}
	if backendCfg.Path == "" {
		return nil, fmt.Errorf("file shadow: path is required")
	}

	b, err := shadow.NewFileBackend(backendCfg.Path, size)
	if err != nil {
		return nil, fmt.Errorf("failed to create file shadow: %w", err)
	}
	return b, nil
}

// createS3Backend creates an S3-based flat backend.
func createS3Backend(ctx context.Context, options map[string]any, bookSize, size int64) (*shadow.S3Backend, error) {
	type S3ShadowConfig struct {
		Region          string `mapstructure:"region"`
		Bucket          string `mapstructure:"bucket"`
		KeyPrefix       string `mapstructure:"key_prefix"`
		Endpoint        string `mapstructure:"endpoint"`
		AccessKeyID     string `mapstructure:"access_key_id"`
		SecretAccessKey string `mapstructure:"secret_access_key"`
		MaxRetries      int    `mapstructure:"max_retries"`
	}

	var backendCfg S3ShadowConfig
	if err := mapstructure.Decode(options, &backendCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 shadow config: %w", err)
	}

	if backendCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 shadow: bucket is required")
	}
	if backendCfg.Region == "" {
		return nil, fmt.Errorf("S3 shadow: region is required")
	}

	// ========================================================================
	// Step 1: Build AWS Config
	// ========================================================================

	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(backendCfg.Region))

	// Set credentials if provided, otherwise use default credential chain
	if backendCfg.AccessKeyID != "" && backendCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			backendCfg.AccessKeyID,
			backendCfg.SecretAccessKey,
			"", // session token (empty for static credentials)
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	// Book segments are rewritten in place; retry transient failures generously
	maxRetries := backendCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	awsCfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	// ========================================================================
	// Step 2: Create S3 Client
	// ========================================================================

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		// Custom endpoints (MinIO, Localstack) need path-style addressing
		if backendCfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(backendCfg.Endpoint)
			o.UsePathStyle = true
		}
	})

	// ========================================================================
	// Step 3: Create S3 Shadow Backend
	// ========================================================================

	b, err := shadow.NewS3Backend(ctx, shadow.S3Config{
		Client:      client,
		Bucket:      backendCfg.Bucket,
		KeyPrefix:   backendCfg.KeyPrefix,
		SegmentSize: bookSize,
		Size:        size,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 shadow: %w", err)
	}

	logger.Info("S3 shadow initialized: bucket=%s, region=%s, prefix=%s",
		backendCfg.Bucket, backendCfg.Region, backendCfg.KeyPrefix)

	return b, nil
}
