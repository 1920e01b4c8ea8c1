package main

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/internal/cache"
	"github.com/kilnbuild/kiln/internal/config"
	"github.com/kilnbuild/kiln/internal/executor"
	"github.com/kilnbuild/kiln/internal/gitinfo"
	"github.com/kilnbuild/kiln/pkg/pipeline"
)

func runCmd() *cobra.Command {
	var (
		manifestPath string
		remoteURL    string
		sandbox      bool
		noCache      bool
	)

	cmd := &cobra.Command{
		Use:   "run [tasks...]",
		Short: "Run pipeline tasks, reusing cached results where possible",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			tasks := m.TaskMap()

			targets := make([]pipeline.TaskID, 0, len(args))
			for _, arg := range args {
				targets = append(targets, pipeline.TaskID(arg))
			}
			if len(targets) == 0 {
				targets = tasks.SortedIDs()
			}

			opts := executor.Options{
				Sandbox: sandbox,
				NoCache: noCache,
			}

			url := m.Remote.URL
			if remoteURL != "" {
				url = remoteURL
			}
			if url != "" {
				opts.Remote = cache.NewRemote(url, m.RemoteToken())
				log.Info().Str("url", url).Msg("shared cache enabled")
			}

			// Repository metadata is recorded in cache manifests when
			// available. Not being in a git repo is fine.
			if info, err := gitinfo.Describe("."); err == nil {
				opts.Git = info
			}

			e, err := executor.New(tasks, opts)
			if err != nil {
				return err
			}
			defer e.Close()

			if err := e.Run(ctx, targets); err != nil {
				return err
			}

			log.Info().Int("tasks", len(targets)).Msg("pipeline complete")
			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", config.DefaultManifestFile, "Pipeline manifest")
	cmd.Flags().StringVar(&remoteURL, "remote", "", "Shared cache URL (overrides the manifest)")
	cmd.Flags().BoolVar(&sandbox, "sandbox", false, "Run each task in a staging directory with only its declared inputs")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Execute every task even when cached")

	return cmd
}

func cleanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clean",
		Short: "Remove the local cache and run state",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := os.RemoveAll(executor.DefaultStateDir); err != nil {
				return fmt.Errorf("remove %s: %w", executor.DefaultStateDir, err)
			}
			fmt.Printf("Removed %s\n", executor.DefaultStateDir)
			return nil
		},
	}

	return cmd
}
