package main

import (
	"context"
	"fmt"
	"io"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/manthysbr/variantforge/internal/adapters/scene"
	"github.com/manthysbr/variantforge/internal/core/domain"
)

func newRunCommand(ctx *commandContext) *cobra.Command {
	var (
		manifestPath string
		concurrency  int
		synthesize   bool
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Process a frame manifest once and print the summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := ctx.ensureConfig()
			if err != nil {
				return err
			}
			logger, err := ctx.logger(true)
			if err != nil {
				return err
			}

			manifest, err := scene.LoadManifest(manifestPath)
			if err != nil {
				return err
			}

			runCtx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			a, err := newApp(runCtx, logger, cfg)
			if err != nil {
				return err
			}
			defer a.close()

			batchCtx, stopBatcher := context.WithCancel(context.Background())
			batchDone := make(chan error, 1)
			go func() { batchDone <- a.batcher.Run(batchCtx) }()
			defer func() {
				stopBatcher()
				<-batchDone
			}()

			if err := a.scene.Import(runCtx, manifest.Documents()); err != nil {
				return err
			}

			summary, err := a.orch.Run(runCtx, domain.RunRequest{
				Frames:            manifest.RunFrames(),
				Concurrency:       concurrency,
				SynthesizeImagery: synthesize,
			})
			if err != nil {
				return err
			}

			printSummary(cmd.OutOrStdout(), summary)
			if summary.JobsFailed > 0 || summary.JobsSkipped > 0 {
				return &exitError{code: 1}
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "manifest", "m", "", "Frame manifest (YAML)")
	cmd.Flags().IntVarP(&concurrency, "concurrency", "n", 0, "Frames processed in parallel (default from config)")
	cmd.Flags().BoolVar(&synthesize, "synthesize", false, "Generate new imagery for each variant")
	_ = cmd.MarkFlagRequired("manifest")
	return cmd
}

func printSummary(out io.Writer, s domain.RunSummary) {
	fmt.Fprintln(out, renderTable(
		[]string{"Completed", "Failed", "Skipped", "Variants", "Artifacts", "Uploads"},
		[][]string{{
			strconv.Itoa(s.JobsCompleted),
			strconv.Itoa(s.JobsFailed),
			strconv.Itoa(s.JobsSkipped),
			strconv.Itoa(s.VariantsCreated),
			strconv.Itoa(s.ArtifactsExported),
			strconv.Itoa(s.UploadsConfirmed),
		}},
		[]columnAlignment{alignRight, alignRight, alignRight, alignRight, alignRight, alignRight},
	))

	if len(s.Failures) == 0 {
		return
	}
	rows := make([][]string, len(s.Failures))
	for i, f := range s.Failures {
		rows[i] = []string{f.FrameName, string(f.Stage), string(f.Kind), f.Reason}
	}
	fmt.Fprintln(out)
	fmt.Fprintln(out, renderTable([]string{"Frame", "Stage", "Kind", "Reason"}, rows, nil))
}
