// Package oci stores archives in an OCI registry as single-layer artifacts.
//
// Each key is a tag in one repository. The tag points at an image manifest
// whose artifact type is ArtifactType and whose only layer is the archive.
package oci

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"path"
	"regexp"

	"github.com/opencontainers/go-digest"
	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content"
	"oras.land/oras-go/v2/errdef"
	"oras.land/oras-go/v2/registry/remote"
	"oras.land/oras-go/v2/registry/remote/auth"
	"oras.land/oras-go/v2/registry/remote/credentials"
	"oras.land/oras-go/v2/registry/remote/retry"

	"github.com/meigma/apkpack/storage"
)

// Media types.
const (
	ArtifactType   = "application/vnd.meigma.apkpack.v1"
	LayerMediaType = "application/vnd.android.package-archive"
)

// ErrInvalidManifest is returned when a tag does not point at an archive
// artifact.
var ErrInvalidManifest = errors.New("oci: not an archive artifact")

// maxManifestSize bounds fetched manifests.
const maxManifestSize = 4 << 20

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9_][A-Za-z0-9._-]{0,127}$`)

// Store implements storage.Store on an oras.Target.
type Store struct {
	target      oras.Target
	annotations map[string]string
	logger      *slog.Logger
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithAnnotations adds manifest annotations to every stored artifact.
func WithAnnotations(annotations map[string]string) Option {
	return func(s *Store) {
		for k, v := range annotations {
			s.annotations[k] = v
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// New creates a Store on target, which may be a remote repository or any
// other oras.Target such as an in-memory store.
func New(target oras.Target, opts ...Option) *Store {
	s := &Store{
		target:      target,
		annotations: make(map[string]string),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// RemoteConfig selects how NewRemote reaches the registry.
type RemoteConfig struct {
	// PlainHTTP disables TLS.
	PlainHTTP bool

	// Credentials supplies registry credentials. Nil means anonymous.
	Credentials credentials.Store

	// UserAgent is sent with every request.
	UserAgent string
}

// NewRemote creates a Store on the repository named by reference, for
// example "ghcr.io/acme/apks".
func NewRemote(reference string, rc RemoteConfig, opts ...Option) (*Store, error) {
	repo, err := remote.NewRepository(reference)
	if err != nil {
		return nil, fmt.Errorf("oci: parse reference %q: %w", reference, err)
	}
	ua := rc.UserAgent
	if ua == "" {
		ua = "apkpack/1.0"
	}
	client := &auth.Client{
		Client: retry.DefaultClient,
		Cache:  auth.NewCache(),
		Header: http.Header{"User-Agent": []string{ua}},
	}
	if rc.Credentials != nil {
		client.Credential = credentials.Credential(rc.Credentials)
	}
	repo.PlainHTTP = rc.PlainHTTP
	repo.Client = client
	return New(repo, opts...), nil
}

// log returns the logger, falling back to a discard logger if nil.
func (s *Store) log() *slog.Logger {
	if s.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return s.logger
}

func validTag(key string) error {
	if !tagPattern.MatchString(key) {
		return fmt.Errorf("%w: %q is not a valid tag", storage.ErrInvalidKey, key)
	}
	return nil
}

// Fetch implements storage.Source.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	if err := validTag(key); err != nil {
		return nil, err
	}
	desc, err := s.target.Resolve(ctx, key)
	if errors.Is(err, errdef.ErrNotFound) {
		return nil, fmt.Errorf("%w: tag %s", storage.ErrNotFound, key)
	}
	if err != nil {
		return nil, fmt.Errorf("oci: resolve %s: %w", key, err)
	}
	if desc.Size > maxManifestSize {
		return nil, fmt.Errorf("%w: manifest of %d bytes", ErrInvalidManifest, desc.Size)
	}
	raw, err := content.FetchAll(ctx, s.target, desc)
	if err != nil {
		return nil, fmt.Errorf("oci: fetch manifest %s: %w", desc.Digest, err)
	}
	var manifest ocispec.Manifest
	if err := json.Unmarshal(raw, &manifest); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidManifest, err)
	}
	if manifest.ArtifactType != ArtifactType {
		return nil, fmt.Errorf("%w: artifact type %q", ErrInvalidManifest, manifest.ArtifactType)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != LayerMediaType {
			continue
		}
		data, err := content.FetchAll(ctx, s.target, layer)
		if err != nil {
			return nil, fmt.Errorf("oci: fetch layer %s: %w", layer.Digest, err)
		}
		s.log().Debug("fetched archive", "tag", key, "digest", layer.Digest.String(), "size", len(data))
		return data, nil
	}
	return nil, fmt.Errorf("%w: no %s layer", ErrInvalidManifest, LayerMediaType)
}

// Store implements storage.Sink. The layer is pushed only if the registry
// does not already hold it.
func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	if err := validTag(key); err != nil {
		return err
	}
	layer := ocispec.Descriptor{
		MediaType: LayerMediaType,
		Digest:    digest.FromBytes(data),
		Size:      int64(len(data)),
		Annotations: map[string]string{
			ocispec.AnnotationTitle: path.Base(key) + ".apk",
		},
	}
	exists, err := s.target.Exists(ctx, layer)
	if err != nil {
		return fmt.Errorf("oci: check layer %s: %w", layer.Digest, err)
	}
	if !exists {
		if err := s.target.Push(ctx, layer, bytes.NewReader(data)); err != nil && !errors.Is(err, errdef.ErrAlreadyExists) {
			return fmt.Errorf("oci: push layer %s: %w", layer.Digest, err)
		}
	}

	manifestDesc, err := oras.PackManifest(ctx, s.target, oras.PackManifestVersion1_1, ArtifactType, oras.PackManifestOptions{
		Layers:              []ocispec.Descriptor{layer},
		ManifestAnnotations: s.manifestAnnotations(key),
	})
	if err != nil {
		return fmt.Errorf("oci: pack manifest: %w", err)
	}
	if err := s.target.Tag(ctx, manifestDesc, key); err != nil {
		return fmt.Errorf("oci: tag %s: %w", key, err)
	}
	s.log().Info("stored archive",
		"tag", key,
		"manifest", manifestDesc.Digest.String(),
		"layer", layer.Digest.String())
	return nil
}

// manifestAnnotations names the tag in the manifest so that identical
// archives stored under different tags get distinct manifests.
func (s *Store) manifestAnnotations(key string) map[string]string {
	out := make(map[string]string, len(s.annotations)+1)
	for k, v := range s.annotations {
		out[k] = v
	}
	out[ocispec.AnnotationRefName] = key
	return out
}
