// Package stateblob reads and writes IaC state blobs in object storage.
package stateblob

import (
	"bytes"
	"context"
	"errors"
	"io"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	s3types "github.com/aws/aws-sdk-go-v2/service/s3/types"

	"github.com/skyform-io/skyform/types"
)

// API is the object-storage surface the store needs. Satisfied by
// *s3.Client.
type API interface {
	GetObject(ctx context.Context, params *s3.GetObjectInput, optFns ...func(*s3.Options)) (*s3.GetObjectOutput, error)
	PutObject(ctx context.Context, params *s3.PutObjectInput, optFns ...func(*s3.Options)) (*s3.PutObjectOutput, error)
	DeleteObject(ctx context.Context, params *s3.DeleteObjectInput, optFns ...func(*s3.Options)) (*s3.DeleteObjectOutput, error)
}

// Options configures a Store.
type Options struct {
	// Bucket holds the state blobs. Versioning and at-rest encryption are
	// expected to be enabled on it.
	Bucket string
	// Timeout bounds each object call (default 30s).
	Timeout time.Duration
}

// Store reads and writes per-deployment state blobs under
// deployments/{id}/state.tfstate.
type Store struct {
	api  API
	opts Options
}

// New creates a Store over an existing object-storage client.
func New(api API, opts Options) *Store {
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	return &Store{api: api, opts: opts}
}

// NewFromRegion builds an S3-backed Store with default credential resolution.
func NewFromRegion(ctx context.Context, region string, opts Options) (*Store, error) {
	var cfgOpts []func(*awsconfig.LoadOptions) error
	if region != "" {
		cfgOpts = append(cfgOpts, awsconfig.WithRegion(region))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, cfgOpts...)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "load cloud config", err)
	}
	return New(s3.NewFromConfig(awsCfg), opts), nil
}

// Get returns the state blob for a deployment, or nil when none has been
// written yet.
func (s *Store) Get(ctx context.Context, deploymentID string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	out, err := s.api.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(types.StateKeyFor(deploymentID)),
	})
	if err != nil {
		var noKey *s3types.NoSuchKey
		if errors.As(err, &noKey) {
			return nil, nil
		}
		return nil, types.WrapErr(types.KindInternal, "fetch state blob", err)
	}
	defer out.Body.Close()

	body, err := io.ReadAll(out.Body)
	if err != nil {
		return nil, types.WrapErr(types.KindInternal, "read state blob", err)
	}
	return body, nil
}

// Put writes the state blob for a deployment. History is kept by bucket
// versioning, not by the store.
func (s *Store) Put(ctx context.Context, deploymentID string, state []byte) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	_, err := s.api.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.opts.Bucket),
		Key:         aws.String(types.StateKeyFor(deploymentID)),
		Body:        bytes.NewReader(state),
		ContentType: aws.String("application/json"),
	})
	if err != nil {
		return types.WrapErr(types.KindInternal, "store state blob", err)
	}
	return nil
}

// Delete removes the current state blob for a deployment.
func (s *Store) Delete(ctx context.Context, deploymentID string) error {
	ctx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	_, err := s.api.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.opts.Bucket),
		Key:    aws.String(types.StateKeyFor(deploymentID)),
	})
	if err != nil {
		return types.WrapErr(types.KindInternal, "delete state blob", err)
	}
	return nil
}
