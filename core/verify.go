package apkpack

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"strings"

	"github.com/klauspost/compress/zip"
)

// VerifyOption configures Verify.
type VerifyOption func(*verifyConfig)

// SigningFilesPrefix is the directory JAR (v1) signing writes its manifest,
// signature files and certificates into.
const SigningFilesPrefix = "META-INF/"

type verifyConfig struct {
	policy       *Policy
	alignOpts    []AlignOption
	parseOpts    []ParseOption
	signingFiles bool
	logger       *slog.Logger
}

// VerifyWithPolicy also checks that every entry the policy stores was
// written with the stored method.
func VerifyWithPolicy(p *Policy) VerifyOption {
	return func(c *verifyConfig) {
		c.policy = p
	}
}

// VerifyWithAlignOptions sets the alignment rules checked for stored
// entries. They should match the options given to Align.
func VerifyWithAlignOptions(opts ...AlignOption) VerifyOption {
	return func(c *verifyConfig) {
		c.alignOpts = append(c.alignOpts, opts...)
	}
}

// VerifyWithMaxEntrySize sets the entry size limit used when reopening the
// output. See ParseWithMaxEntrySize.
func VerifyWithMaxEntrySize(limit uint64) VerifyOption {
	return func(c *verifyConfig) {
		c.parseOpts = append(c.parseOpts, ParseWithMaxEntrySize(limit))
	}
}

// VerifyAllowSigningFiles accepts output entries missing from expected when
// they live under SigningFilesPrefix, as a signer adds them. Every expected
// entry must still be present with identical content.
func VerifyAllowSigningFiles() VerifyOption {
	return func(c *verifyConfig) {
		c.signingFiles = true
	}
}

// VerifyWithLogger sets the logger used while verifying.
func VerifyWithLogger(logger *slog.Logger) VerifyOption {
	return func(c *verifyConfig) {
		c.logger = logger
	}
}

// log returns the logger, falling back to a discard logger if nil.
func (c *verifyConfig) log() *slog.Logger {
	if c.logger == nil {
		return slog.New(slog.DiscardHandler)
	}
	return c.logger
}

// Verify reopens output and checks it against expected: the same entry
// names, the same content for every entry, stored entries on their
// alignment boundary, and policy compliance when configured.
//
// The output is read twice, by Parse and by an independent ZIP reader, so a
// structural defect that one reader tolerates is still caught. All problems
// are reported together, wrapped in ErrVerificationFailure.
func Verify(expected *Archive, output []byte, opts ...VerifyOption) error {
	cfg := verifyConfig{}
	for _, opt := range opts {
		opt(&cfg)
	}
	acfg, err := newAlignConfig(cfg.alignOpts)
	if err != nil {
		return err
	}

	got, err := Parse(output, append(cfg.parseOpts, ParseWithLogger(cfg.logger))...)
	if err != nil {
		return fmt.Errorf("%w: reopen output: %w", ErrVerificationFailure, err)
	}
	zr, err := zip.NewReader(bytes.NewReader(output), int64(len(output)))
	if err != nil {
		return fmt.Errorf("%w: independent reader: %w", ErrVerificationFailure, err)
	}

	v := &verifier{
		want:         expected,
		got:          got,
		zr:           zr,
		align:        &acfg,
		policy:       cfg.policy,
		signingFiles: cfg.signingFiles,
	}
	v.checkNames()
	v.checkAlignment()
	v.checkContent()
	v.checkPolicy()
	if len(v.problems) > 0 {
		cfg.log().Warn("verification failed", "problems", len(v.problems))
		return fmt.Errorf("%w: %w", ErrVerificationFailure, errors.Join(v.problems...))
	}
	cfg.log().Info("verified archive", "entries", len(got.Entries))
	return nil
}

type verifier struct {
	want         *Archive
	got          *Archive
	zr           *zip.Reader
	align        *alignConfig
	policy       *Policy
	signingFiles bool
	problems     []error
}

func (v *verifier) fail(format string, args ...any) {
	v.problems = append(v.problems, fmt.Errorf(format, args...))
}

func (v *verifier) checkNames() {
	want := v.want.Names()
	got := v.got.Names()
	slices.Sort(want)
	slices.Sort(got)
	if v.signingFiles {
		for _, name := range got {
			if v.want.Lookup(name) == nil && !strings.HasPrefix(name, SigningFilesPrefix) {
				v.fail("%s: unexpected entry outside %s", name, SigningFilesPrefix)
			}
		}
	} else if !slices.Equal(want, got) {
		v.fail("entry names differ: expected %d entries, got %d", len(want), len(got))
	}
	independent := make([]string, len(v.zr.File))
	for i, f := range v.zr.File {
		independent[i] = f.Name
	}
	slices.Sort(independent)
	if !slices.Equal(got, independent) {
		v.fail("independent reader sees %d entries, parser sees %d", len(independent), len(got))
	}
}

func (v *verifier) checkAlignment() {
	for _, e := range v.got.Entries {
		n := int64(v.align.boundary(e))
		if n > 0 && e.DataOffset()%n != 0 {
			v.fail("%s: data offset %d not aligned to %d", e.Name, e.DataOffset(), n)
		}
	}
}

func (v *verifier) checkContent() {
	files := make(map[string]*zip.File, len(v.zr.File))
	for _, f := range v.zr.File {
		files[f.Name] = f
	}
	for _, we := range v.want.Entries {
		want, err := we.Content()
		if err != nil {
			v.fail("%s: read source: %w", we.Name, err)
			continue
		}
		ge := v.got.Lookup(we.Name)
		if ge == nil {
			v.fail("%s: missing from output", we.Name)
			continue
		}
		got, err := ge.Content()
		if err != nil {
			v.fail("%s: read output: %w", we.Name, err)
		} else if !bytes.Equal(want, got) {
			v.fail("%s: content differs", we.Name)
		}

		f, ok := files[we.Name]
		if !ok {
			continue
		}
		independent, err := readZipFile(f)
		if err != nil {
			v.fail("%s: independent reader: %w", we.Name, err)
		} else if !bytes.Equal(want, independent) {
			v.fail("%s: independent reader content differs", we.Name)
		}
	}
}

func (v *verifier) checkPolicy() {
	if v.policy == nil {
		return
	}
	for _, e := range v.got.Entries {
		if v.want.Lookup(e.Name) == nil {
			continue
		}
		if IsStored(v.policy.Method(e.Name)) && !IsStored(e.Method) {
			v.fail("%s: policy requires stored, written as %s", e.Name, e.Method)
		}
	}
}

// readZipFile reads f to EOF, which makes the reader check its CRC.
func readZipFile(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(rc)
}
