package main

import (
	"fmt"
	"runtime"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/Mikul17/n8n-meeting-summarizer/internal/audio"
	"github.com/Mikul17/n8n-meeting-summarizer/internal/meet"
)

func newDevicesCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List capture devices and show which one would be recorded",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			logger := initLogger(cfg.Logging)

			backend, err := audio.NewMalgoBackend(logger)
			if err != nil {
				return fmt.Errorf("failed to initialize audio backend: %w", err)
			}
			defer backend.Close()

			devices, err := backend.Devices()
			if err != nil {
				return fmt.Errorf("failed to list devices: %w", err)
			}

			out := cmd.OutOrStdout()
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tHOST API\tLOOPBACK\tDEFAULT")
			for _, d := range devices {
				fmt.Fprintf(tw, "%s\t%s\t%t\t%t\n", d.Name, d.HostAPI, d.Loopback, d.Default)
			}
			tw.Flush()

			selected, err := audio.SelectDevice(runtime.GOOS, devices, cfg.Audio.Device)
			if err != nil {
				fmt.Fprintf(out, "\nNo capture device selected: %v\n", err)
				return nil
			}
			fmt.Fprintf(out, "\nSelected: %s\n", selected.Name)
			return nil
		},
	}
}

func newInstallBrowserCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "install-browser",
		Short: "Download the Playwright driver and Chromium",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := meet.InstallBrowser(); err != nil {
				return fmt.Errorf("failed to install browser: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "Chromium installed")
			return nil
		},
	}
}
