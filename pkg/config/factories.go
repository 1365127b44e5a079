package config

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/aws/retry"
	awsConfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/mitchellh/mapstructure"

	"github.com/marmos91/dittodav/internal/logger"
	"github.com/marmos91/dittodav/pkg/backend"
	"github.com/marmos91/dittodav/pkg/backend/badger"
	"github.com/marmos91/dittodav/pkg/backend/memory"
	"github.com/marmos91/dittodav/pkg/backend/postgres"
	"github.com/marmos91/dittodav/pkg/backend/s3"
)

// Storage is an opened backend: the connection factory handed to the pool
// plus whatever must be released once the pool is closed.
type Storage struct {
	// Type is the backend type it was created from
	Type string

	// Factory opens backend connections
	Factory backend.Factory

	closer func() error
}

// Close releases backend-wide resources (e.g. the BadgerDB files). Call it
// after the connection pool has been closed.
func (s *Storage) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}

// CreateBackend creates a storage backend based on configuration.
//
// This factory function uses the Type field to determine which backend
// implementation to create, then decodes the type-specific configuration from
// the corresponding map and passes it to the backend's constructor.
//
// Supported types:
//   - "memory": pkg/backend/memory (ephemeral, process-local)
//   - "badger": pkg/backend/badger (embedded BadgerDB, persistent)
//   - "s3": pkg/backend/s3 (Amazon S3 or compatible object storage)
//   - "postgres": pkg/backend/postgres (PostgreSQL key/value table)
func CreateBackend(ctx context.Context, cfg *BackendConfig) (*Storage, error) {
	switch cfg.Type {
	case "memory":
		return createMemoryBackend(ctx)
	case "badger":
		return createBadgerBackend(ctx, cfg.Badger)
	case "s3":
		return createS3Backend(ctx, cfg.S3)
	case "postgres":
		return createPostgresBackend(ctx, cfg.Postgres)
	default:
		return nil, fmt.Errorf("unknown backend type: %q (supported: memory, badger, s3, postgres)", cfg.Type)
	}
}

// decodeOptions decodes a backend section into out. Duration strings ("5s")
// and stringly typed environment values are converted.
func decodeOptions(options map[string]any, out any) error {
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return fmt.Errorf("failed to create decoder: %w", err)
	}
	return decoder.Decode(options)
}

func createMemoryBackend(ctx context.Context) (*Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &Storage{Type: "memory", Factory: memory.NewStore().Factory()}, nil
}

func createBadgerBackend(ctx context.Context, options map[string]any) (*Storage, error) {
	var storeCfg badger.Config
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode badger backend config: %w", err)
	}

	store, err := badger.Open(ctx, storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create badger backend: %w", err)
	}

	return &Storage{Type: "badger", Factory: store.Factory(), closer: store.Close}, nil
}

// s3Options is the s3 backend section.
type s3Options struct {
	Region          string `mapstructure:"region"`
	Bucket          string `mapstructure:"bucket"`
	KeyPrefix       string `mapstructure:"key_prefix"`
	Endpoint        string `mapstructure:"endpoint"`
	AccessKeyID     string `mapstructure:"access_key_id"`
	SecretAccessKey string `mapstructure:"secret_access_key"`
	MaxRetries      int    `mapstructure:"max_retries"`
}

func createS3Backend(ctx context.Context, options map[string]any) (*Storage, error) {
	var storeCfg s3Options
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode S3 backend config: %w", err)
	}

	if storeCfg.Bucket == "" {
		return nil, fmt.Errorf("S3 backend: bucket is required")
	}
	if storeCfg.Region == "" {
		return nil, fmt.Errorf("S3 backend: region is required")
	}

	client, err := newS3Client(ctx, storeCfg)
	if err != nil {
		return nil, err
	}

	store, err := s3.New(ctx, s3.Config{
		Client:    client,
		Bucket:    storeCfg.Bucket,
		KeyPrefix: storeCfg.KeyPrefix,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create S3 backend: %w", err)
	}

	logger.Info("S3 backend initialized: bucket=%s, region=%s, prefix=%s",
		storeCfg.Bucket, storeCfg.Region, storeCfg.KeyPrefix)

	return &Storage{Type: "s3", Factory: store.Factory()}, nil
}

// newS3Client builds an S3 client from the backend section.
func newS3Client(ctx context.Context, storeCfg s3Options) (*awss3.Client, error) {
	var configOptions []func(*awsConfig.LoadOptions) error

	configOptions = append(configOptions, awsConfig.WithRegion(storeCfg.Region))

	// Custom endpoint for MinIO, Localstack, etc.
	if storeCfg.Endpoint != "" {
		//nolint:staticcheck // BaseEndpoint migration pending
		customResolver := aws.EndpointResolverWithOptionsFunc(
			func(service, region string, options ...interface{}) (aws.Endpoint, error) {
				//nolint:staticcheck // BaseEndpoint migration pending
				return aws.Endpoint{
					URL:               storeCfg.Endpoint,
					HostnameImmutable: true,
					Source:            aws.EndpointSourceCustom,
				}, nil
			},
		)
		//nolint:staticcheck // BaseEndpoint migration pending
		configOptions = append(configOptions, awsConfig.WithEndpointResolverWithOptions(customResolver))
	}

	// Static credentials if provided, otherwise the default credential chain
	if storeCfg.AccessKeyID != "" && storeCfg.SecretAccessKey != "" {
		credProvider := credentials.NewStaticCredentialsProvider(
			storeCfg.AccessKeyID,
			storeCfg.SecretAccessKey,
			"",
		)
		configOptions = append(configOptions, awsConfig.WithCredentialsProvider(credProvider))
	}

	maxRetries := storeCfg.MaxRetries
	if maxRetries == 0 {
		maxRetries = 10
	}
	configOptions = append(configOptions, awsConfig.WithRetryer(func() aws.Retryer {
		return retry.NewStandard(func(o *retry.StandardOptions) {
			o.MaxAttempts = maxRetries
		})
	}))

	cfg, err := awsConfig.LoadDefaultConfig(ctx, configOptions...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return awss3.NewFromConfig(cfg, func(o *awss3.Options) {
		// Path-style addressing for MinIO/Localstack
		if storeCfg.Endpoint != "" {
			o.UsePathStyle = true
		}
	}), nil
}

func createPostgresBackend(ctx context.Context, options map[string]any) (*Storage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var storeCfg postgres.Config
	if err := decodeOptions(options, &storeCfg); err != nil {
		return nil, fmt.Errorf("failed to decode postgres backend config: %w", err)
	}

	dialer, err := postgres.NewDialer(storeCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres backend: %w", err)
	}

	return &Storage{Type: "postgres", Factory: dialer.Factory()}, nil
}
