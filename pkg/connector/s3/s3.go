// Package s3 provides connpool hooks for Amazon S3 clients, so bucket
// operations can share the same validated-lease pool as every other backend.
package s3

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	awss3 "github.com/aws/aws-sdk-go-v2/service/s3"

	"github.com/hotfetch/hotfetch/internal/connpool"
	"github.com/hotfetch/hotfetch/pkg/errors"
)

// Config describes how S3 clients are constructed and probed.
type Config struct {
	Region string `yaml:"region"`

	// Bucket is probed with HeadBucket by the validator. Empty skips the
	// probe and treats every client as healthy.
	Bucket string `yaml:"bucket"`

	// Endpoint overrides the AWS endpoint, for S3-compatible stores.
	Endpoint       string `yaml:"endpoint"`
	ForcePathStyle bool   `yaml:"force_path_style"`

	// Static credentials; empty falls back to the default AWS chain.
	AccessKey    string `yaml:"access_key"`
	SecretKey    string `yaml:"secret_key"`
	SessionToken string `yaml:"session_token"`

	// MaxRetries bounds SDK-level retries per call.
	MaxRetries int `yaml:"max_retries"`
}

// Factory returns a connpool dial function producing configured S3 clients.
func Factory(config Config) (connpool.Factory[*awss3.Client], error) {
	if config.Region == "" {
		return nil, errors.New(errors.ErrCodeInvalidConfig, "s3 region must not be empty").
			WithComponent("connector/s3")
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = 3
	}

	return func(ctx context.Context) (*awss3.Client, error) {
		opts := []func(*awsconfig.LoadOptions) error{
			awsconfig.WithRegion(config.Region),
			awsconfig.WithRetryMaxAttempts(config.MaxRetries),
		}
		if config.AccessKey != "" {
			opts = append(opts, awsconfig.WithCredentialsProvider(
				credentials.NewStaticCredentialsProvider(config.AccessKey, config.SecretKey, config.SessionToken),
			))
		}

		awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
		if err != nil {
			return nil, err
		}

		return awss3.NewFromConfig(awsCfg, func(o *awss3.Options) {
			if config.Endpoint != "" {
				o.BaseEndpoint = aws.String(config.Endpoint)
			}
			if config.ForcePathStyle {
				o.UsePathStyle = true
			}
		}), nil
	}, nil
}

// Validator probes the configured bucket with HeadBucket.
func Validator(config Config) connpool.Validator[*awss3.Client] {
	return func(ctx context.Context, client *awss3.Client) bool {
		if config.Bucket == "" {
			return true
		}
		_, err := client.HeadBucket(ctx, &awss3.HeadBucketInput{
			Bucket: aws.String(config.Bucket),
		})
		return err == nil
	}
}

// NewPool builds a validated client pool. S3 clients hold no resources that
// need teardown, so the pool runs without a closer.
func NewPool(config Config, poolConfig connpool.Config) (*connpool.Pool[*awss3.Client], error) {
	factory, err := Factory(config)
	if err != nil {
		return nil, err
	}
	return connpool.New(poolConfig, factory, Validator(config), nil)
}
