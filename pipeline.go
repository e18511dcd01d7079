package apkpack

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/opencontainers/go-digest"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/sign"
	"github.com/meigma/apkpack/storage"
)

// workingSet is how many copies of an archive a run holds at its peak:
// the source, the repacked archive and the aligned archive.
const workingSet = 3

// DefaultFetchTimeout bounds a shared fetch once it no longer follows the
// context of the caller that started it.
const DefaultFetchTimeout = 5 * time.Minute

// Pipeline repacks, aligns, verifies and optionally signs archives.
//
// A Pipeline is safe for concurrent use. Each call keeps its state local;
// the only shared state is the fetch group and the memory budget.
type Pipeline struct {
	policy    *apkcore.Policy
	alignOpts []apkcore.AlignOption
	writeOpts []apkcore.WriteOption

	maxEntrySize uint64

	signer     sign.Signer
	source     storage.Source
	sink       storage.Sink
	scratchDir string

	concurrency  int
	memoryBudget int64
	budget       *semaphore.Weighted
	fetches      singleflight.Group
	fetchTimeout time.Duration

	logger   *slog.Logger
	progress ProgressFunc
}

// Result describes one processed archive.
type Result struct {
	// Data is the final archive: signed when a signer is configured,
	// otherwise the aligned and verified archive.
	Data []byte

	// Digest identifies the aligned archive before signing.
	Digest digest.Digest

	// SignedDigest identifies the signed archive. Empty when unsigned.
	SignedDigest digest.Digest

	// Plan records where alignment padding was inserted.
	Plan *apkcore.AlignmentPlan

	// Entries, Stored and Deflated count entries by their final method.
	Entries  int
	Stored   int
	Deflated int
}

// Signed reports whether the result was signed.
func (r *Result) Signed() bool {
	return r.SignedDigest != ""
}

// New creates a Pipeline with the given options.
func New(opts ...Option) (*Pipeline, error) {
	p := &Pipeline{
		concurrency:  DefaultConcurrency,
		maxEntrySize: apkcore.DefaultMaxEntrySize,
		fetchTimeout: DefaultFetchTimeout,
	}
	for _, opt := range opts {
		if err := opt(p); err != nil {
			return nil, err
		}
	}
	if p.policy == nil {
		policy, err := apkcore.NewPolicy(apkcore.PolicyWithStoredNames(apkcore.DefaultStoredNames...))
		if err != nil {
			return nil, err
		}
		p.policy = policy
	}
	if err := apkcore.ValidateAlignOptions(p.alignOpts...); err != nil {
		return nil, err
	}
	if p.memoryBudget > 0 {
		p.budget = semaphore.NewWeighted(p.memoryBudget)
	}
	return p, nil
}

// log returns the logger, falling back to a discard logger if nil.
func (p *Pipeline) log() *slog.Logger {
	if p.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return p.logger
}

func (p *Pipeline) report(stage ProgressStage, key string, size int) {
	if p.progress != nil {
		p.progress(ProgressEvent{Stage: stage, Key: key, Bytes: int64(size)})
	}
}

func (p *Pipeline) alignOptions() []apkcore.AlignOption {
	opts := append([]apkcore.AlignOption(nil), p.alignOpts...)
	if p.logger != nil {
		opts = append(opts, apkcore.AlignWithLogger(p.logger))
	}
	return opts
}

func (p *Pipeline) writeOptions() []apkcore.WriteOption {
	opts := append([]apkcore.WriteOption(nil), p.writeOpts...)
	if p.logger != nil {
		opts = append(opts, apkcore.WriteWithLogger(p.logger))
	}
	return opts
}

func (p *Pipeline) parseOptions() []apkcore.ParseOption {
	return []apkcore.ParseOption{
		apkcore.ParseWithMaxEntrySize(p.maxEntrySize),
		apkcore.ParseWithLogger(p.logger),
	}
}

func (p *Pipeline) verifyOptions() []apkcore.VerifyOption {
	opts := []apkcore.VerifyOption{
		apkcore.VerifyWithPolicy(p.policy),
		apkcore.VerifyWithAlignOptions(p.alignOpts...),
		apkcore.VerifyWithMaxEntrySize(p.maxEntrySize),
	}
	if p.logger != nil {
		opts = append(opts, apkcore.VerifyWithLogger(p.logger))
	}
	return opts
}

// Process repacks, aligns and verifies the archive in data. It does not
// sign or store. The context is checked between stages.
func (p *Pipeline) Process(ctx context.Context, data []byte) (*Result, error) {
	res, err := p.process(ctx, "", data)
	if err != nil {
		return nil, err
	}
	p.report(StageDone, "", len(res.Data))
	return res, nil
}

func (p *Pipeline) process(ctx context.Context, key string, data []byte) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	src, err := apkcore.Parse(data, p.parseOptions()...)
	if err != nil {
		return nil, fmt.Errorf("parse: %w", err)
	}

	p.report(StageRepacking, key, len(data))
	repacked, written, err := apkcore.Repack(src, p.policy, p.writeOptions()...)
	if err != nil {
		return nil, fmt.Errorf("repack: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.report(StageAligning, key, len(repacked))
	aligned, plan, err := apkcore.Align(repacked, p.alignOptions()...)
	if err != nil {
		return nil, fmt.Errorf("align: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.report(StageVerifying, key, len(aligned))
	if err := apkcore.Verify(src, aligned, p.verifyOptions()...); err != nil {
		return nil, err
	}

	res := &Result{
		Data:     aligned,
		Digest:   digest.FromBytes(aligned),
		Plan:     plan,
		Entries:  written.Entries,
		Stored:   written.Stored,
		Deflated: written.Deflated,
	}
	p.log().Info("processed archive",
		"key", key,
		"entries", res.Entries,
		"stored", res.Stored,
		"deflated", res.Deflated,
		"padded", len(plan.Padded()),
		"size", len(aligned),
		"digest", res.Digest.String())
	return res, nil
}

// Run fetches srcKey, processes it, signs it when a signer is configured and
// stores the result under dstKey. Nothing is signed or stored unless
// verification succeeds.
func (p *Pipeline) Run(ctx context.Context, srcKey, dstKey string) (*Result, error) {
	if p.source == nil {
		return nil, ErrNoSource
	}
	if p.sink == nil {
		return nil, ErrNoSink
	}

	data, err := p.fetch(ctx, srcKey)
	if err != nil {
		return nil, err
	}
	release, err := p.reserve(ctx, len(data))
	if err != nil {
		return nil, err
	}
	defer release()

	res, err := p.process(ctx, srcKey, data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", srcKey, err)
	}

	if p.signer != nil {
		signed, err := p.signArchive(ctx, srcKey, res.Data)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", srcKey, err)
		}
		res.Data = signed
		res.SignedDigest = digest.FromBytes(signed)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	p.report(StageStoring, srcKey, len(res.Data))
	if err := p.sink.Store(ctx, dstKey, res.Data); err != nil {
		return nil, fmt.Errorf("store %s: %w", dstKey, err)
	}
	p.log().Info("stored archive",
		"source", srcKey,
		"destination", dstKey,
		"signed", res.Signed(),
		"size", len(res.Data))
	p.report(StageDone, srcKey, len(res.Data))
	return res, nil
}

// fetch reads key from the source. Concurrent fetches of the same key share
// one request; stages never modify their input, so the bytes are shared too.
//
// The shared request is detached from ctx and bounded by the fetch timeout,
// so one caller giving up does not fail the others. Each caller still returns
// as soon as its own ctx is done.
func (p *Pipeline) fetch(ctx context.Context, key string) ([]byte, error) {
	p.report(StageFetching, key, 0)
	ch := p.fetches.DoChan(key, func() (any, error) {
		fctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), p.fetchTimeout)
		defer cancel()
		return p.source.Fetch(fctx, key)
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("fetch %s: %w", key, ctx.Err())
	case r := <-ch:
		if r.Err != nil {
			return nil, fmt.Errorf("fetch %s: %w", key, r.Err)
		}
		data, _ := r.Val.([]byte)
		p.log().Debug("fetched archive", "key", key, "size", len(data), "shared", r.Shared)
		return data, nil
	}
}

// reserve takes a share of the memory budget for an archive of size bytes.
func (p *Pipeline) reserve(ctx context.Context, size int) (func(), error) {
	if p.budget == nil {
		return func() {}, nil
	}
	n := min(int64(size)*workingSet, p.memoryBudget)
	if err := p.budget.Acquire(ctx, n); err != nil {
		return nil, err
	}
	return func() { p.budget.Release(n) }, nil
}

// signArchive writes aligned to a private scratch directory, runs the signer and
// checks the signed archive still satisfies every verification rule.
func (p *Pipeline) signArchive(ctx context.Context, key string, aligned []byte) ([]byte, error) {
	dir, err := os.MkdirTemp(p.scratchDir, "apkpack-*")
	if err != nil {
		return nil, fmt.Errorf("create scratch directory: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(dir); err != nil {
			p.log().Warn("remove scratch directory", "dir", dir, "error", err)
		}
	}()

	in := filepath.Join(dir, "aligned.apk")
	out := filepath.Join(dir, "signed.apk")
	if err := apkcore.SaveFile(in, aligned); err != nil {
		return nil, err
	}

	p.report(StageSigning, key, len(aligned))
	if err := p.signer.Sign(ctx, in, out); err != nil {
		return nil, err
	}
	signed, err := os.ReadFile(out)
	if err != nil {
		return nil, fmt.Errorf("%w: read signed output: %w", ErrSignFailed, err)
	}

	expected, err := apkcore.Parse(aligned, p.parseOptions()...)
	if err != nil {
		return nil, err
	}
	// v1 signing adds its manifest and signature files under META-INF/.
	opts := append(p.verifyOptions(), apkcore.VerifyAllowSigningFiles())
	if err := apkcore.Verify(expected, signed, opts...); err != nil {
		return nil, fmt.Errorf("signed output: %w", err)
	}
	return signed, nil
}
