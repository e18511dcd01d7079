// Package http fetches and stores archives over plain HTTP: GET to fetch,
// PUT to store.
package http //nolint:revive // intentional naming for domain clarity

import (
	"bytes"
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/url"
	"strings"

	"github.com/meigma/apkpack/storage"
)

// DefaultMaxSize bounds the size of fetched objects.
const DefaultMaxSize = 4 << 30

// Store implements storage.Store against an HTTP endpoint. Keys are
// resolved relative to the base URL.
type Store struct {
	base        *url.URL
	client      *nethttp.Client
	headers     nethttp.Header
	maxSize     int64
	contentType string
}

var _ storage.Store = (*Store)(nil)

// Option configures a Store.
type Option func(*Store)

// WithClient sets the HTTP client used for requests.
func WithClient(client *nethttp.Client) Option {
	return func(s *Store) {
		s.client = client
	}
}

// WithHeaders sets additional headers on each request.
func WithHeaders(headers nethttp.Header) Option {
	return func(s *Store) {
		if headers == nil {
			return
		}
		s.headers = headers.Clone()
	}
}

// WithHeader sets a single header on each request.
func WithHeader(key, value string) Option {
	return func(s *Store) {
		if s.headers == nil {
			s.headers = make(nethttp.Header)
		}
		s.headers.Set(key, value)
	}
}

// WithMaxSize limits the size of fetched objects.
func WithMaxSize(n int64) Option {
	return func(s *Store) {
		s.maxSize = n
	}
}

// New creates a Store rooted at baseURL.
func New(baseURL string, opts ...Option) (*Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("http: parse base url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("http: unsupported scheme %q", u.Scheme)
	}
	if !strings.HasSuffix(u.Path, "/") {
		u.Path += "/"
	}
	s := &Store{
		base:        u,
		client:      nethttp.DefaultClient,
		maxSize:     DefaultMaxSize,
		contentType: "application/vnd.android.package-archive",
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = nethttp.DefaultClient
	}
	return s, nil
}

func (s *Store) resolve(key string) (string, error) {
	if key == "" || strings.HasPrefix(key, "/") {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	ref, err := url.Parse(key)
	if err != nil || ref.IsAbs() || ref.Host != "" {
		return "", fmt.Errorf("%w: %q", storage.ErrInvalidKey, key)
	}
	target := s.base.ResolveReference(ref).String()
	if !strings.HasPrefix(target, s.base.String()) {
		return "", fmt.Errorf("%w: %q resolves outside %s", storage.ErrInvalidKey, key, s.base)
	}
	return target, nil
}

// newRequest creates an HTTP request with configured headers.
func (s *Store) newRequest(ctx context.Context, method, target string, body io.Reader) (*nethttp.Request, error) {
	req, err := nethttp.NewRequestWithContext(ctx, method, target, body)
	if err != nil {
		return nil, err
	}
	for key, values := range s.headers {
		for _, value := range values {
			req.Header.Add(key, value)
		}
	}
	if req.Header.Get("Accept-Encoding") == "" {
		req.Header.Set("Accept-Encoding", "identity")
	}
	return req, nil
}

// Fetch implements storage.Source.
func (s *Store) Fetch(ctx context.Context, key string) ([]byte, error) {
	target, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	req, err := s.newRequest(ctx, nethttp.MethodGet, target, nethttp.NoBody)
	if err != nil {
		return nil, err
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http: get %s: %w", key, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()

	switch {
	case resp.StatusCode == nethttp.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", storage.ErrNotFound, key)
	case resp.StatusCode != nethttp.StatusOK:
		return nil, fmt.Errorf("http: get %s: %s", key, resp.Status)
	case resp.ContentLength > s.maxSize:
		return nil, fmt.Errorf("http: get %s: %d bytes exceeds limit %d", key, resp.ContentLength, s.maxSize)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.maxSize+1))
	if err != nil {
		return nil, fmt.Errorf("http: read %s: %w", key, err)
	}
	if int64(len(data)) > s.maxSize {
		return nil, fmt.Errorf("http: get %s: body exceeds limit %d", key, s.maxSize)
	}
	return data, nil
}

// Store implements storage.Sink.
func (s *Store) Store(ctx context.Context, key string, data []byte) error {
	target, err := s.resolve(key)
	if err != nil {
		return err
	}
	req, err := s.newRequest(ctx, nethttp.MethodPut, target, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.ContentLength = int64(len(data))
	if req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", s.contentType)
	}
	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("http: put %s: %w", key, err)
	}
	defer func() {
		_, _ = io.Copy(io.Discard, resp.Body) //nolint:errcheck // best-effort drain for connection reuse
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("http: put %s: %s", key, resp.Status)
	}
	return nil
}
