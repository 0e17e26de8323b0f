package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"localscope/internal/api"
	"localscope/internal/config"
	"localscope/internal/model"
	"localscope/internal/scan"
	"localscope/internal/ui"
)

func (a *app) scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Scan the local network",
		Long: `Scan the local /24 network once and print the devices found.

The subnet is derived from the primary interface's IPv4 address. Every host
is pinged, the neighbor table is read, devices are labelled and their SSH,
RDP, FTP and VNC ports are probed. Results are merged into the history.`,
		Example: `  # Scan with a progress bar
  localscope scan

  # Line-oriented output for logs
  localscope scan --plain

  # JSON output for scripting
  localscope scan --json`,
		RunE: a.runScan,
	}
	cmd.Flags().Bool("plain", false, "Print progress as plain lines instead of a progress bar")
	cmd.Flags().Bool("json", false, "Print the final snapshot as JSON")
	return cmd
}

func (a *app) runScan(cmd *cobra.Command, args []string) error {
	plain, _ := cmd.Flags().GetBool("plain")
	asJSON, _ := cmd.Flags().GetBool("json")

	manager, closeStore, err := a.openManager(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()

	var progress scan.Progress
	switch {
	case asJSON:
		progress, err = runHeadless(cmd.Context(), manager, nil)
	case plain:
		progress, err = runHeadless(cmd.Context(), manager, a.plainPrinter())
	default:
		progress, err = ui.RunScan(cmd.Context(), manager, a.out)
	}
	if err != nil {
		return err
	}

	if asJSON {
		enc := json.NewEncoder(a.out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(manager.Snapshot()); err != nil {
			return fmt.Errorf("failed to encode snapshot: %w", err)
		}
	} else {
		fmt.Fprintln(a.out)
		fmt.Fprint(a.out, ui.RenderSummary(progress, manager.CurrentDevices()))
	}

	if progress.Stage == scan.StageFailed {
		return fmt.Errorf("scan failed: %s", progress.Error)
	}
	return nil
}

// runHeadless runs one scan to completion, passing every progress change to onProgress.
func runHeadless(ctx context.Context, manager *scan.Manager, onProgress func(scan.Progress)) (scan.Progress, error) {
	if onProgress != nil {
		defer manager.Subscribe(onProgress)()
	}
	if _, err := manager.StartScan(ctx); err != nil {
		return manager.CurrentProgress(), err
	}
	manager.Wait()
	return manager.CurrentProgress(), nil
}

// plainPrinter prints one line per stage change.
func (a *app) plainPrinter() func(scan.Progress) {
	var last scan.Stage
	return func(p scan.Progress) {
		if p.Stage == last {
			return
		}
		last = p.Stage
		fmt.Fprintf(a.out, "[%3.0f%%] %-9s %s\n", p.Fraction*100, p.Stage, p.Message)
	}
}

func (a *app) historyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Inspect and edit the device history",
		Long: `The history keeps the most recently seen devices across scans, newest
first, including manually added devices and favorite services.`,
	}

	list := &cobra.Command{
		Use:   "list",
		Short: "List devices in the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			devices := manager.History()
			if asJSON {
				enc := json.NewEncoder(a.out)
				enc.SetIndent("", "  ")
				return enc.Encode(devices)
			}
			fmt.Fprint(a.out, ui.RenderDeviceTable(devices))
			return nil
		},
	}
	list.Flags().Bool("json", false, "Print the history as JSON")

	del := &cobra.Command{
		Use:     "delete <ip>",
		Aliases: []string{"rm"},
		Short:   "Delete one device from the history",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := manager.DeleteFromHistory(cmd.Context(), args[0]); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Deleted %s from history\n", args[0])
			return nil
		},
	}

	clear := &cobra.Command{
		Use:   "clear",
		Short: "Delete every device from the history",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			if err := manager.ClearHistory(cmd.Context()); err != nil {
				return err
			}
			fmt.Fprintln(a.out, "History cleared")
			return nil
		},
	}

	cmd.AddCommand(list, del, clear)
	return cmd
}

func (a *app) favoriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "favorite <ip> <service>",
		Short: "Toggle a favorite service on a device",
		Long: `Mark or unmark a service (ssh, rdp, ftp, sftp, vnc) as a favorite on a
device in the history. Favorites are kept across scans even when the service
is not detected.`,
		Example: `  localscope favorite 192.168.1.20 ssh`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			service, err := model.ParseServiceType(args[1])
			if err != nil {
				return err
			}
			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := manager.ToggleFavorite(cmd.Context(), args[0], service)
			if err != nil {
				return err
			}
			state := "no longer a favorite"
			if d.IsFavorite(service) {
				state = "now a favorite"
			}
			fmt.Fprintf(a.out, "%s is %s on %s\n", service.DisplayName(), state, d)
			return nil
		},
	}
}

func (a *app) addCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "add <ip>",
		Short: "Add a device manually",
		Long: `Add a device that a scan cannot find, for example one on a routed
network. Without --name the device is labelled from its MAC address.`,
		Example: `  localscope add 192.168.1.50 --name "Build box" --services ssh,vnc`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			name, _ := cmd.Flags().GetString("name")
			mac, _ := cmd.Flags().GetString("mac")
			rawServices, _ := cmd.Flags().GetString("services")
			services, err := model.ParseServiceList(rawServices)
			if err != nil {
				return err
			}

			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			d, err := manager.AddManualDevice(cmd.Context(), model.Device{
				IP:                args[0],
				Name:              name,
				MAC:               mac,
				AvailableServices: services,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Added %s\n", d)
			return nil
		},
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("mac", "", "MAC address")
	cmd.Flags().String("services", "", "Comma separated services, e.g. ssh,rdp")
	return cmd
}

func (a *app) serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API",
		Long: `Serve a JSON API and a websocket progress stream so other programs can
start scans and read results. See the api package documentation for routes.`,
		Example: `  localscope serve --listen 127.0.0.1:8754`,
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			listen, _ := cmd.Flags().GetString("listen")
			if listen == "" {
				listen = a.cfg.API.Listen
			}

			manager, closeStore, err := a.openManager(cmd.Context())
			if err != nil {
				return err
			}
			defer closeStore()

			srv := api.New(cmd.Context(), manager)
			defer srv.Close()
			fmt.Fprintf(a.out, "LocalScope API available at http://%s\n", listen)
			err = srv.Run(cmd.Context(), listen)
			manager.Wait()
			return err
		},
	}
	cmd.Flags().String("listen", "", "Listen address (default from config)")
	return cmd
}

func (a *app) configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage the configuration file",
		// Only logging is set up so that a broken file can be replaced.
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.initLogging()
		},
	}

	initCmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default configuration file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			force, _ := cmd.Flags().GetBool("force")
			path, err := a.resolvedConfigPath()
			if err != nil {
				return err
			}
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("config file %s already exists (use --force to overwrite)", path)
			} else if err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			if err := config.Default().Save(path); err != nil {
				return err
			}
			fmt.Fprintf(a.out, "Wrote %s\n", path)
			return nil
		},
	}
	initCmd.Flags().Bool("force", false, "Overwrite an existing file")

	show := &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(a.configPath)
			if err != nil {
				return err
			}
			path, err := a.resolvedConfigPath()
			if err != nil {
				return err
			}
			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("failed to marshal config: %w", err)
			}
			fmt.Fprintf(a.out, "# %s\n%s", path, strings.TrimLeft(string(data), "\n"))
			return nil
		},
	}

	cmd.AddCommand(initCmd, show)
	return cmd
}

func (a *app) resolvedConfigPath() (string, error) {
	if a.configPath != "" {
		return a.configPath, nil
	}
	return config.GetConfigPath()
}
