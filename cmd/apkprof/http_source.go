package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	storagehttp "github.com/meigma/apkpack/storage/http"
)

// newHTTPStore returns a source reading the archive over HTTP. With
// data-url "local" the generated archive is served from an in-process
// server for every key.
//
//nolint:gocritic // hugeParam acceptable for profiler
func newHTTPStore(cfg config, data []byte) (*storagehttp.Store, func(), error) {
	if cfg.dataURL == "" {
		return nil, nil, errors.New("data-url is required for HTTP source")
	}

	client := newHTTPClient(cfg)
	url := cfg.dataURL
	cleanup := func() {}
	if cfg.dataURL == "local" {
		server := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
			nethttp.ServeContent(w, r, "app.apk", time.Time{}, bytes.NewReader(data))
		}))
		url = server.URL
		cleanup = server.Close
	}

	store, err := storagehttp.New(url, storagehttp.WithClient(client), storagehttp.WithMaxSize(int64(len(data))))
	if err != nil {
		cleanup()
		return nil, nil, err
	}
	return store, cleanup, nil
}

// newHTTPClient returns a client that optionally delays each request and
// caps response throughput, to model a slow artifact server.
//
//nolint:gocritic // hugeParam acceptable for profiler
func newHTTPClient(cfg config) *nethttp.Client {
	var transport nethttp.RoundTripper = nethttp.DefaultTransport.(*nethttp.Transport).Clone() //nolint:forcetypeassert // default transport
	if cfg.dataHTTPLatency > 0 || cfg.dataHTTPBPS > 0 {
		transport = &slowTransport{
			next:    transport,
			latency: cfg.dataHTTPLatency,
			rate:    cfg.dataHTTPBPS,
		}
	}
	return &nethttp.Client{Transport: transport}
}

type slowTransport struct {
	next    nethttp.RoundTripper
	latency time.Duration
	rate    int64
}

func (t *slowTransport) RoundTrip(req *nethttp.Request) (*nethttp.Response, error) {
	if t.latency > 0 {
		time.Sleep(t.latency)
	}
	resp, err := t.next.RoundTrip(req)
	if err != nil || t.rate <= 0 || resp.Body == nil {
		return resp, err
	}
	resp.Body = &rateLimitedBody{ReadCloser: resp.Body, rate: t.rate, start: time.Now()}
	return resp, nil
}

// rateLimitedBody sleeps so the cumulative read rate stays at or below rate
// bytes per second.
type rateLimitedBody struct {
	io.ReadCloser
	rate  int64
	start time.Time
	n     int64
}

func (b *rateLimitedBody) Read(p []byte) (int, error) {
	n, err := b.ReadCloser.Read(p)
	b.n += int64(n)
	due := time.Duration(float64(b.n) / float64(b.rate) * float64(time.Second))
	if wait := due - time.Since(b.start); wait > 0 {
		time.Sleep(wait)
	}
	return n, err
}

var rateUnits = []struct {
	suffix string
	scale  int64
}{
	{"gb", 1 << 30}, {"g", 1 << 30},
	{"mb", 1 << 20}, {"m", 1 << 20},
	{"kb", 1 << 10}, {"k", 1 << 10},
}

// parseBytesPerSecond parses rates such as "512", "64k", "10MBps" or
// "1gb/s". Units are binary.
func parseBytesPerSecond(value string) (int64, error) {
	text := strings.ToLower(strings.TrimSpace(value))
	for _, suffix := range []string{"/s", "bps"} {
		text = strings.TrimSuffix(text, suffix)
	}
	scale := int64(1)
	for _, u := range rateUnits {
		if strings.HasSuffix(text, u.suffix) {
			scale = u.scale
			text = strings.TrimSuffix(text, u.suffix)
			break
		}
	}
	n, err := strconv.ParseInt(strings.TrimSpace(text), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid bytes-per-second %q", value)
	}
	return n * scale, nil
}
