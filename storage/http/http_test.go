package http_test

import (
	"context"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meigma/apkpack/storage"
	apkhttp "github.com/meigma/apkpack/storage/http"
)

// objectServer is a minimal GET/PUT object server.
type objectServer struct {
	mu      sync.Mutex
	objects map[string][]byte
	headers nethttp.Header
}

func (o *objectServer) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.headers = r.Header.Clone()
	switch r.Method {
	case nethttp.MethodGet:
		b, ok := o.objects[r.URL.Path]
		if !ok {
			nethttp.NotFound(w, r)
			return
		}
		_, _ = w.Write(b)
	case nethttp.MethodPut:
		b, err := io.ReadAll(r.Body)
		if err != nil {
			nethttp.Error(w, err.Error(), nethttp.StatusBadRequest)
			return
		}
		o.objects[r.URL.Path] = b
		w.WriteHeader(nethttp.StatusCreated)
	default:
		w.WriteHeader(nethttp.StatusMethodNotAllowed)
	}
}

func newServer(t *testing.T) (*objectServer, *httptest.Server) {
	t.Helper()
	o := &objectServer{objects: make(map[string][]byte)}
	srv := httptest.NewServer(o)
	t.Cleanup(srv.Close)
	return o, srv
}

func TestStore_RoundTrip(t *testing.T) {
	t.Parallel()

	o, srv := newServer(t)
	s, err := apkhttp.New(srv.URL+"/artifacts", apkhttp.WithHeader("Authorization", "Bearer token"))
	require.NoError(t, err)

	ctx := context.Background()
	require.NoError(t, s.Store(ctx, "builds/app.apk", []byte("PK\x03\x04")))

	o.mu.Lock()
	assert.Equal(t, "PK\x03\x04", string(o.objects["/artifacts/builds/app.apk"]))
	assert.Equal(t, "Bearer token", o.headers.Get("Authorization"))
	assert.Equal(t, "application/vnd.android.package-archive", o.headers.Get("Content-Type"))
	o.mu.Unlock()

	got, err := s.Fetch(ctx, "builds/app.apk")
	require.NoError(t, err)
	assert.Equal(t, "PK\x03\x04", string(got))
}

func TestStore_NotFound(t *testing.T) {
	t.Parallel()

	_, srv := newServer(t)
	s, err := apkhttp.New(srv.URL)
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "nope.apk")
	require.ErrorIs(t, err, storage.ErrNotFound)
}

func TestStore_MaxSize(t *testing.T) {
	t.Parallel()

	o, srv := newServer(t)
	o.objects["/big.apk"] = make([]byte, 64)
	s, err := apkhttp.New(srv.URL, apkhttp.WithMaxSize(16))
	require.NoError(t, err)

	_, err = s.Fetch(context.Background(), "big.apk")
	require.Error(t, err)
}

func TestStore_InvalidKeys(t *testing.T) {
	t.Parallel()

	_, srv := newServer(t)
	s, err := apkhttp.New(srv.URL + "/base/")
	require.NoError(t, err)

	for _, key := range []string{"", "/abs", "http://elsewhere/x", "../escape"} {
		_, err := s.Fetch(context.Background(), key)
		require.ErrorIs(t, err, storage.ErrInvalidKey, "key %q", key)
	}
}

func TestNew_RejectsScheme(t *testing.T) {
	t.Parallel()

	_, err := apkhttp.New("ftp://example.com/")
	require.Error(t, err)
}

func TestStore_PutFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, _ *nethttp.Request) {
		w.WriteHeader(nethttp.StatusForbidden)
	}))
	t.Cleanup(srv.Close)

	s, err := apkhttp.New(srv.URL)
	require.NoError(t, err)
	require.Error(t, s.Store(context.Background(), "a.apk", []byte("x")))
}
