package main

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	simple "github.com/cochaviz/kforge/config"
	"github.com/cochaviz/kforge/internal/output"
	"github.com/cochaviz/kforge/internal/privilege"
	"github.com/cochaviz/kforge/internal/process"
	"github.com/cochaviz/kforge/internal/setup"
)

func newProbeCommand(c *cli) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "probe",
		Args:  exactArgs(0),
		Short: "Show what kforge detects about this host",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			facts, err := engine.Probe(cmd.Context(), true)
			if err != nil {
				return err
			}
			if asJSON {
				encoder := json.NewEncoder(cmd.OutOrStdout())
				encoder.SetIndent("", "  ")
				return encoder.Encode(facts)
			}
			printf(cmd, "%s\n", output.RenderFacts(facts))
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "Print the facts as JSON")
	return cmd
}

func newRebootCommand(c *cli) *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reboot",
		Args:  exactArgs(0),
		Short: "Reboot into the newly installed kernel",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				if !output.IsTTY() {
					return usageError{errors.New("refusing to reboot without --yes")}
				}
				printf(cmd, "Reboot now? [y/N] ")
				answer, _ := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if a := strings.ToLower(strings.TrimSpace(answer)); a != "y" && a != "yes" {
					printf(cmd, "not rebooting\n")
					return nil
				}
			}
			engine, err := c.engine()
			if err != nil {
				return err
			}
			return engine.Reboot(cmd.Context())
		},
	}

	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "Do not ask for confirmation")
	return cmd
}

func newDoctorCommand(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Args:  exactArgs(0),
		Short: "Check that this host can build kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			report := engine.Verify(cmd.Context())
			printf(cmd, "%s\n", output.RenderChecks(report))
			if report.Failed() {
				return errors.New("host is not ready to build kernels")
			}
			return nil
		},
	}
}

func newDepsCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "deps",
		Short: "Manage kernel build dependencies",
	}

	var verbose bool
	install := &cobra.Command{
		Use:   "install",
		Args:  exactArgs(0),
		Short: "Install the distribution packages needed to build kernels",
		RunE: func(cmd *cobra.Command, args []string) error {
			engine, err := c.engine()
			if err != nil {
				return err
			}
			var lines process.LineFunc
			if verbose {
				lines = func(line string) { printf(cmd, "%s\n", output.StyleDim.Render(line)) }
			}
			err = engine.InstallDependencies(cmd.Context(), lines)
			if errors.Is(err, simple.ErrNothingToInstall) {
				printf(cmd, "all build tools are installed\n")
				return nil
			}
			return err
		},
	}
	install.Flags().BoolVarP(&verbose, "verbose", "v", false, "Show package manager output")

	cmd.AddCommand(install)
	return cmd
}

func newConfigCommand(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect kforge configuration and state",
	}

	show := &cobra.Command{
		Use:   "show",
		Args:  exactArgs(0),
		Short: "Print the effective settings as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			encoder := yaml.NewEncoder(cmd.OutOrStdout())
			encoder.SetIndent(2)
			if err := encoder.Encode(c.settings); err != nil {
				return fmt.Errorf("encode settings: %w", err)
			}
			return encoder.Close()
		},
	}

	path := &cobra.Command{
		Use:   "path",
		Args:  exactArgs(0),
		Short: "Print the config file location",
		RunE: func(cmd *cobra.Command, args []string) error {
			if c.configPath != "" {
				printf(cmd, "%s\n", setup.ExpandPath(c.configPath))
				return nil
			}
			printf(cmd, "%s\n", setup.DefaultConfigFile())
			return nil
		},
	}

	clearState := &cobra.Command{
		Use:   "clear-state",
		Args:  exactArgs(0),
		Short: "Forget recorded installations (installed kernels are kept)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return setup.ClearState(c.settings)
		},
	}

	cmd.AddCommand(show, path, clearState)
	return cmd
}

// newHelperCommand is re-executed through pkexec. It speaks the helper protocol on stdio and must
// not load user configuration.
func newHelperCommand() *cobra.Command {
	return &cobra.Command{
		Use:    privilege.HelperCommand,
		Args:   exactArgs(0),
		Hidden: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return privilege.ServeHelper(cmd.Context(), os.Stdin, os.Stdout, &process.Local{})
		},
	}
}
