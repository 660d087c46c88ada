package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/mattjoyce/pvfhost/internal/config"
	"github.com/mattjoyce/pvfhost/internal/doctor"
)

func buildConfigCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Validate and seal the configuration",
	}
	cmd.AddCommand(buildConfigCheckCommand())
	return cmd
}

func buildConfigCheckCommand() *cobra.Command {
	var (
		jsonOut   bool
		writeHash bool
		strict    bool
	)
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Check the config against this machine",
		Long: "Validates the configuration, the worker binaries and the cache directory.\n" +
			"--write-hash records a BLAKE3 checksum next to the config; later loads refuse a file that no longer matches.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			path, _ := cmd.Flags().GetString("config")
			if path == "" {
				discovered, err := config.DiscoverConfigPath()
				if err != nil {
					return err
				}
				path = discovered
			}
			if info, err := os.Stat(path); err == nil && info.IsDir() {
				path = filepath.Join(path, "config.yaml")
			}

			// The checksum is written first so an intended edit can be sealed.
			if writeHash {
				h, err := config.Seal(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote %s%s (%s)\n", path, config.SidecarSuffix, h[:12])
			}

			cfg, err := config.Load(path)
			if err != nil {
				return err
			}
			result := doctor.New(cfg).Validate()

			out := cmd.OutOrStdout()
			if jsonOut {
				s, err := doctor.FormatJSON(result)
				if err != nil {
					return err
				}
				fmt.Fprintln(out, s)
			} else {
				fmt.Fprint(out, doctor.FormatHuman(result))
			}

			if !result.Valid || (strict && len(result.Warnings) > 0) {
				return exitCode(1)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&jsonOut, "json", false, "Output the result as JSON")
	cmd.Flags().BoolVar(&writeHash, "write-hash", false, "Record the config checksum in a .b3 sidecar")
	cmd.Flags().BoolVar(&strict, "strict", false, "Treat warnings as failures")
	return cmd
}
