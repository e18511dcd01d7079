package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"oras.land/oras-go/v2/registry/remote/credentials"

	"github.com/meigma/apkpack"
	"github.com/meigma/apkpack/config"
	"github.com/meigma/apkpack/storage"
	"github.com/meigma/apkpack/storage/disk"
	storagehttp "github.com/meigma/apkpack/storage/http"
	"github.com/meigma/apkpack/storage/oci"
	"github.com/meigma/apkpack/storage/s3"
)

// pipelineOptions returns the options shared by every pipeline the CLI
// builds: policy, alignment, timestamps, limits and logging.
func (a *app) pipelineOptions() ([]apkpack.Option, error) {
	policy, err := a.cfg.NewPolicy()
	if err != nil {
		return nil, err
	}
	opts := []apkpack.Option{
		apkpack.WithPolicy(policy),
		apkpack.WithAlignOptions(a.cfg.AlignOptions()...),
		apkpack.WithConcurrency(a.cfg.Concurrency),
		apkpack.WithMemoryBudget(a.cfg.MemoryBudget),
		apkpack.WithMaxEntrySize(a.cfg.MaxEntrySize),
		apkpack.WithScratchDir(a.cfg.ScratchDir),
		apkpack.WithLogger(a.logger),
	}
	if stamp, ok := a.cfg.ModifiedTime(); ok {
		opts = append(opts, apkpack.WithModified(stamp))
	}
	return opts, nil
}

// newPipeline builds a pipeline with the configured store and signer.
func (a *app) newPipeline(ctx context.Context) (*apkpack.Pipeline, error) {
	opts, err := a.pipelineOptions()
	if err != nil {
		return nil, err
	}
	store, err := newStore(ctx, a.cfg)
	if err != nil {
		return nil, err
	}
	opts = append(opts, apkpack.WithSource(store), apkpack.WithSink(store))

	signer, err := a.cfg.NewSigner(a.logger)
	if err != nil {
		return nil, err
	}
	if signer != nil {
		opts = append(opts, apkpack.WithSigner(signer))
	}
	return apkpack.New(opts...)
}

// newStore builds the archive store selected by cfg.Storage.Kind.
func newStore(ctx context.Context, cfg *config.Config) (storage.Store, error) {
	sc := cfg.Storage
	switch sc.Kind {
	case config.StorageDisk:
		return disk.New(sc.Disk.Dir)
	case config.StorageS3:
		return s3.NewFromEnv(ctx, sc.S3.Bucket, s3.ClientConfig{
			Region:    sc.S3.Region,
			Endpoint:  sc.S3.Endpoint,
			PathStyle: sc.S3.PathStyle,
		}, s3.WithPrefix(sc.S3.Prefix))
	case config.StorageOCI:
		creds, err := ociCredentials(sc.OCI)
		if err != nil {
			return nil, err
		}
		return oci.NewRemote(sc.OCI.Repository, oci.RemoteConfig{
			PlainHTTP:   sc.OCI.PlainHTTP,
			Credentials: creds,
		}, oci.WithAnnotations(sc.OCI.Annotations))
	case config.StorageHTTP:
		var opts []storagehttp.Option
		if sc.HTTP.MaxSize > 0 {
			opts = append(opts, storagehttp.WithMaxSize(sc.HTTP.MaxSize))
		}
		for k, v := range sc.HTTP.Headers {
			opts = append(opts, storagehttp.WithHeader(k, os.ExpandEnv(v)))
		}
		return storagehttp.New(sc.HTTP.BaseURL, opts...)
	default:
		return nil, fmt.Errorf("%w: unknown storage kind %q", config.ErrInvalidConfig, sc.Kind)
	}
}

// ociCredentials resolves registry credentials. Secrets are read from the
// environment variables the configuration names, never from the file.
func ociCredentials(oc config.OCIStorage) (credentials.Store, error) {
	registry, _, _ := strings.Cut(oc.Repository, "/")
	switch {
	case oc.TokenEnv != "":
		token := os.Getenv(oc.TokenEnv)
		if token == "" {
			return nil, fmt.Errorf("oci: %s is not set", oc.TokenEnv)
		}
		return oci.StaticToken(registry, token), nil
	case oc.PasswordEnv != "":
		password := os.Getenv(oc.PasswordEnv)
		if password == "" {
			return nil, fmt.Errorf("oci: %s is not set", oc.PasswordEnv)
		}
		return oci.StaticCredentials(registry, oc.Username, password), nil
	case oc.DockerConfig:
		return oci.DockerCredentials()
	default:
		return nil, nil
	}
}
