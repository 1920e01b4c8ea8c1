package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kilnbuild/kiln/internal/config"
)

func tasksCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List the tasks defined in the pipeline manifest",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			tasks := m.TaskMap()

			for _, id := range tasks.SortedIDs() {
				task := tasks[id]

				cached := ""
				if !task.Cache {
					cached = " (uncached)"
				}
				fmt.Printf("%s%s\n", task.ID, cached)
				fmt.Printf("  command: %s\n", task.Command)
				if len(task.Needs) > 0 {
					deps := make([]string, len(task.Needs))
					for i, dep := range task.Needs {
						deps[i] = string(dep)
					}
					fmt.Printf("  needs:   %s\n", strings.Join(deps, ", "))
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", config.DefaultManifestFile, "Pipeline manifest")

	return cmd
}

func graphCmd() *cobra.Command {
	var manifestPath string

	cmd := &cobra.Command{
		Use:   "graph",
		Short: "Print the task dependency graph",
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := config.LoadManifest(manifestPath)
			if err != nil {
				return err
			}
			tasks := m.TaskMap()

			for _, id := range tasks.SortedIDs() {
				task := tasks[id]
				if len(task.Needs) == 0 {
					fmt.Printf("%s\n", task.ID)
					continue
				}
				for _, dep := range task.Needs {
					fmt.Printf("%s -> %s\n", task.ID, dep)
				}
			}

			return nil
		},
	}

	cmd.Flags().StringVarP(&manifestPath, "file", "f", config.DefaultManifestFile, "Pipeline manifest")

	return cmd
}
