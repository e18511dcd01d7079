package main

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/meigma/apkpack"
	"github.com/meigma/apkpack/internal/server"
)

func newRunCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "run SRC DST [SRC DST]...",
		Short: "Fetch, repack, align, verify, sign and store archives",
		Long: `run takes archives from the configured store, processes each one through
the full pipeline and stores the result under DST. Several SRC DST pairs
run concurrently; one failing archive does not stop the others.`,
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 || len(args)%2 != 0 {
				return errors.New("expected SRC DST pairs")
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			p, err := a.newPipeline(cmd.Context())
			if err != nil {
				return err
			}
			if len(args) == 2 {
				res, err := p.Run(cmd.Context(), args[0], args[1])
				if err != nil {
					return err
				}
				a.printResult(args[1], res)
				return nil
			}

			jobs := make([]apkpack.Job, 0, len(args)/2)
			for i := 0; i < len(args); i += 2 {
				jobs = append(jobs, apkpack.Job{Source: args[i], Destination: args[i+1]})
			}
			results := p.Batch(cmd.Context(), jobs)
			for _, r := range results {
				if r.Err != nil {
					fmt.Fprintf(a.stderr, "%s: %v\n", r.Job.Source, r.Err)
					continue
				}
				a.printResult(r.Job.Destination, r.Result)
			}
			if failed := apkpack.Failed(results); len(failed) > 0 {
				// The first failure decides the exit status.
				return fmt.Errorf("%d of %d archives failed: %w", len(failed), len(jobs), failed[0].Err)
			}
			return nil
		},
	}
}

func (a *app) printResult(key string, res *apkpack.Result) {
	if res.Signed() {
		a.printf("%s %s signed=%s\n", key, res.Digest, res.SignedDigest)
		return
	}
	a.printf("%s %s\n", key, res.Digest)
}

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the pipeline over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if addr == "" {
				addr = a.cfg.Server.Addr
			}
			p, err := a.newPipeline(cmd.Context())
			if err != nil {
				return err
			}
			srv := server.New(p, server.WithLogger(a.logger))
			return srv.ListenAndServe(cmd.Context(), addr, a.cfg.Server.ShutdownTimeout)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default from config, 127.0.0.1:8080)")
	return cmd
}
