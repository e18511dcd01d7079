package main

import (
	"fmt"
	"os"

	"github.com/opencontainers/go-digest"
	"github.com/spf13/cobra"

	"github.com/meigma/apkpack"
	apkcore "github.com/meigma/apkpack/core"
	"github.com/meigma/apkpack/sign"
)

func newRepackCmd(a *app) *cobra.Command {
	var stored []string
	cmd := &cobra.Command{
		Use:   "repack IN OUT",
		Short: "Rewrite an archive under the storage policy, then align and verify it",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a.cfg.Policy.StoredNames = append(a.cfg.Policy.StoredNames, stored...)
			if err := a.cfg.Validate(); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts, err := a.pipelineOptions()
			if err != nil {
				return err
			}
			p, err := apkpack.New(opts...)
			if err != nil {
				return err
			}
			res, err := p.Process(cmd.Context(), data)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := apkcore.SaveFile(args[1], res.Data); err != nil {
				return err
			}
			a.printf("%s %s entries=%d stored=%d deflated=%d padded=%d\n",
				args[1], res.Digest, res.Entries, res.Stored, res.Deflated, len(res.Plan.Padded()))
			return nil
		},
	}
	cmd.Flags().StringSliceVar(&stored, "store", nil, "additional entry names to store uncompressed")
	return cmd
}

// alignFlags overrides the configured alignment from command-line flags.
type alignFlags struct {
	alignment int
	pageAlign bool
}

func (f *alignFlags) register(cmd *cobra.Command) {
	cmd.Flags().IntVarP(&f.alignment, "alignment", "a", apkcore.DefaultAlignment, "alignment boundary in bytes for stored entries")
	cmd.Flags().BoolVarP(&f.pageAlign, "page-align", "p", false, "page-align stored shared libraries")
}

func (f *alignFlags) apply(cmd *cobra.Command, a *app) error {
	if cmd.Flags().Changed("alignment") {
		a.cfg.Align.Alignment = f.alignment
	}
	if f.pageAlign {
		a.cfg.Align.PageAlignSharedLibs = true
	}
	return a.cfg.Validate()
}

func newAlignCmd(a *app) *cobra.Command {
	var flags alignFlags
	cmd := &cobra.Command{
		Use:   "align IN OUT",
		Short: "Align stored entries without changing any compression method",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, a); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			opts := append(a.cfg.AlignOptions(), apkcore.AlignWithLogger(a.logger))
			out, plan, err := apkcore.Align(data, opts...)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := apkcore.SaveFile(args[1], out); err != nil {
				return err
			}
			a.printf("%s %s padded=%d inserted=%d\n", args[1], digest.FromBytes(out), len(plan.Padded()), plan.Inserted)
			return nil
		},
	}
	flags.register(cmd)
	return cmd
}

func newVerifyCmd(a *app) *cobra.Command {
	var (
		flags     alignFlags
		checkOnly bool
		original  string
	)
	cmd := &cobra.Command{
		Use:   "verify IN",
		Short: "Verify an archive's structure, content and alignment",
		Long: `verify reopens IN and checks every entry's content against its CRC,
every stored entry against its alignment boundary, and the storage policy.
With --original the entries must also match those of the original archive.
With --check-only only alignment is checked.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := flags.apply(cmd, a); err != nil {
				return err
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			if checkOnly {
				return a.checkAlignment(args[0], data)
			}

			expectedData := data
			if original != "" {
				if expectedData, err = os.ReadFile(original); err != nil {
					return err
				}
			}
			expected, err := apkcore.Parse(expectedData, a.parseOptions()...)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			policy, err := a.cfg.NewPolicy()
			if err != nil {
				return err
			}
			opts := append(a.verifyOptions(), apkcore.VerifyWithPolicy(policy))
			if original != "" {
				// IN is usually the signed build of the original.
				opts = append(opts, apkcore.VerifyAllowSigningFiles())
			}
			if err := apkcore.Verify(expected, data, opts...); err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			a.printf("%s: verified %d entries\n", args[0], len(expected.Entries))
			return nil
		},
	}
	flags.register(cmd)
	cmd.Flags().BoolVar(&checkOnly, "check-only", false, "only check alignment")
	cmd.Flags().StringVar(&original, "original", "", "original archive whose entries IN must contain")
	return cmd
}

func (a *app) parseOptions() []apkcore.ParseOption {
	return []apkcore.ParseOption{
		apkcore.ParseWithMaxEntrySize(a.cfg.MaxEntrySize),
		apkcore.ParseWithLogger(a.logger),
	}
}

func (a *app) verifyOptions() []apkcore.VerifyOption {
	return []apkcore.VerifyOption{
		apkcore.VerifyWithAlignOptions(a.cfg.AlignOptions()...),
		apkcore.VerifyWithMaxEntrySize(a.cfg.MaxEntrySize),
		apkcore.VerifyWithLogger(a.logger),
	}
}

func (a *app) checkAlignment(name string, data []byte) error {
	bad, err := apkcore.CheckAlignment(data, a.cfg.AlignOptions()...)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	for _, e := range bad {
		a.printf("%8d %s (off by %d, want %d-byte boundary)\n", e.DataOffset, e.Name, e.DataOffset%int64(e.Alignment), e.Alignment)
	}
	if len(bad) > 0 {
		return fmt.Errorf("%s: %w: %d misaligned entries", name, apkpack.ErrVerificationFailure, len(bad))
	}
	a.printf("%s: alignment verified\n", name)
	return nil
}

func newSignCmd(a *app) *cobra.Command {
	var command string
	cmd := &cobra.Command{
		Use:   "sign IN OUT",
		Short: "Run the signing command on an aligned archive and verify its output",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if command != "" {
				a.cfg.Signer.Command = command
			}
			signer, err := a.cfg.NewSigner(a.logger)
			if err != nil {
				return err
			}
			if signer == nil {
				return fmt.Errorf("%w: no signer command configured", sign.ErrInvalidCommand)
			}

			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			expected, err := apkcore.Parse(data, a.parseOptions()...)
			if err != nil {
				return fmt.Errorf("%s: %w", args[0], err)
			}
			if err := signer.Sign(cmd.Context(), args[0], args[1]); err != nil {
				return err
			}
			signed, err := os.ReadFile(args[1])
			if err != nil {
				return fmt.Errorf("%w: read output: %w", apkpack.ErrSignFailed, err)
			}
			opts := append(a.verifyOptions(), apkcore.VerifyAllowSigningFiles())
			if err := apkcore.Verify(expected, signed, opts...); err != nil {
				return fmt.Errorf("signed output %s: %w", args[1], err)
			}
			a.printf("%s %s\n", args[1], digest.FromBytes(signed))
			return nil
		},
	}
	cmd.Flags().StringVar(&command, "command", "", "signing command line, overriding the config file")
	return cmd
}
