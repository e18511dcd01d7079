package apkpack

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/sign"
	"github.com/meigma/apkpack/storage"
)

// DefaultConcurrency is the number of archives Batch processes at once.
const DefaultConcurrency = 4

// Option configures a Pipeline.
type Option func(*Pipeline) error

// --- Stage Options ---

// WithPolicy sets the compression policy. The default stores the entries
// named by core.DefaultStoredNames.
func WithPolicy(policy *apkcore.Policy) Option {
	return func(p *Pipeline) error {
		if policy == nil {
			return errors.New("apkpack: policy is nil")
		}
		p.policy = policy
		return nil
	}
}

// WithAlignOptions sets the alignment rules used by Align and Verify.
func WithAlignOptions(opts ...apkcore.AlignOption) Option {
	return func(p *Pipeline) error {
		p.alignOpts = append(p.alignOpts, opts...)
		return nil
	}
}

// WithModified stamps every entry with t. Use a fixed value for
// reproducible output.
func WithModified(t time.Time) Option {
	return func(p *Pipeline) error {
		p.writeOpts = append(p.writeOpts, apkcore.WriteWithModified(t))
		return nil
	}
}

// WithMaxEntrySize rejects archives with an entry whose declared size
// exceeds limit. Zero disables the limit. The default is
// core.DefaultMaxEntrySize.
func WithMaxEntrySize(limit uint64) Option {
	return func(p *Pipeline) error {
		p.maxEntrySize = limit
		return nil
	}
}

// --- Collaborator Options ---

// WithSigner signs every verified archive in Run. Without a signer the
// aligned archive is stored unsigned.
func WithSigner(s sign.Signer) Option {
	return func(p *Pipeline) error {
		p.signer = s
		return nil
	}
}

// WithSource sets where Run fetches archives from.
func WithSource(src storage.Source) Option {
	return func(p *Pipeline) error {
		p.source = src
		return nil
	}
}

// WithSink sets where Run stores results.
func WithSink(sink storage.Sink) Option {
	return func(p *Pipeline) error {
		p.sink = sink
		return nil
	}
}

// WithScratchDir sets the parent directory for per-run scratch space. The
// default is os.TempDir().
func WithScratchDir(dir string) Option {
	return func(p *Pipeline) error {
		p.scratchDir = dir
		return nil
	}
}

// WithFetchTimeout bounds each source fetch. The default is
// DefaultFetchTimeout.
func WithFetchTimeout(d time.Duration) Option {
	return func(p *Pipeline) error {
		if d <= 0 {
			return fmt.Errorf("apkpack: fetch timeout must be positive, got %s", d)
		}
		p.fetchTimeout = d
		return nil
	}
}

// --- Batch Options ---

// WithConcurrency sets how many archives Batch processes at once.
func WithConcurrency(n int) Option {
	return func(p *Pipeline) error {
		if n < 1 {
			return fmt.Errorf("apkpack: concurrency must be positive, got %d", n)
		}
		p.concurrency = n
		return nil
	}
}

// WithMemoryBudget bounds the archive bytes Batch holds in memory at once.
// Each job reserves a multiple of its source size after fetching. Zero
// disables the bound.
func WithMemoryBudget(bytes int64) Option {
	return func(p *Pipeline) error {
		if bytes < 0 {
			return fmt.Errorf("apkpack: memory budget must not be negative, got %d", bytes)
		}
		p.memoryBudget = bytes
		return nil
	}
}

// --- Observability Options ---

// WithLogger sets the logger for the pipeline and every stage.
// If not set, logging is disabled.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) error {
		p.logger = logger
		return nil
	}
}

// WithProgress sets a callback for stage transitions.
func WithProgress(fn ProgressFunc) Option {
	return func(p *Pipeline) error {
		p.progress = fn
		return nil
	}
}
