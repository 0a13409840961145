package main

import (
	"fmt"
	"os"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"

	"github.com/duohop/duohop/internal/config"
)

func initCmd() *cobra.Command {
	var outPath string

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Interactively generate a duohop config file",
		Long:  "Walk through the listen role, remote server, optional ACL file, and verbosity, then write a config file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := runInitWizard()
			if err != nil {
				return err
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration rejected: %w", err)
			}

			data, err := yaml.Marshal(cfg)
			if err != nil {
				return fmt.Errorf("marshaling config: %w", err)
			}
			if err := os.WriteFile(outPath, data, 0o600); err != nil {
				return fmt.Errorf("writing %s: %w", outPath, err)
			}

			banner := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
			fmt.Println(banner.Render(fmt.Sprintf("Wrote %s", outPath)))
			fmt.Printf("  listen:  %s\n", cfg.Redacted().Listen.URL)
			fmt.Printf("  remote:  %s\n", cfg.Redacted().Remote.URL)
			if cfg.ACLFile != "" {
				fmt.Printf("  acl:     %s\n", cfg.ACLFile)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outPath, "output", "o", "duohop.yaml", "path to write the generated config")
	return cmd
}

// runInitWizard drives the interactive huh form. It refuses to start on a
// non-interactive stdin (piped input, a CI runner, a cron job) rather than
// hanging waiting for terminal input that will never arrive -- the same
// term.IsTerminal gate the teacher's internal/shell/client.go uses before
// its own interactive prompts.
func runInitWizard() (*config.Config, error) {
	if !term.IsTerminal(int(os.Stdin.Fd())) {
		return nil, fmt.Errorf("init: stdin is not a terminal; run with an interactive shell or write a config file directly")
	}

	var (
		listenKind string
		listenAddr string
		listenUser string
		listenPass string
		remoteAddr string
		remoteUser string
		remotePass string
		aclFile    string
		verbosity  = "info"
	)

	form := huh.NewForm(
		huh.NewGroup(
			huh.NewSelect[string]().
				Title("Listen role").
				Options(
					huh.NewOption("SOCKS5", "socks5"),
					huh.NewOption("HTTP CONNECT proxy", "http"),
				).
				Value(&listenKind),
			huh.NewInput().
				Title("Listen address (host:port)").
				Placeholder("127.0.0.1:1080").
				Value(&listenAddr),
			huh.NewInput().
				Title("Listen username (optional)").
				Value(&listenUser),
			huh.NewInput().
				Title("Listen password (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&listenPass),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("Remote SOCKS5 server (host:port)").
				Placeholder("203.0.113.1:1080").
				Value(&remoteAddr),
			huh.NewInput().
				Title("Remote username (optional)").
				Value(&remoteUser),
			huh.NewInput().
				Title("Remote password (optional)").
				EchoMode(huh.EchoModePassword).
				Value(&remotePass),
		),
		huh.NewGroup(
			huh.NewInput().
				Title("ACL file (optional)").
				Value(&aclFile),
			huh.NewSelect[string]().
				Title("Verbosity").
				Options(
					huh.NewOption("off", "off"),
					huh.NewOption("error", "error"),
					huh.NewOption("warn", "warn"),
					huh.NewOption("info", "info"),
					huh.NewOption("debug", "debug"),
					huh.NewOption("trace", "trace"),
				).
				Value(&verbosity),
		),
	)

	if err := form.Run(); err != nil {
		return nil, fmt.Errorf("wizard: %w", err)
	}

	return &config.Config{
		Listen:    config.RoleConfig{URL: roleURL(listenKind, listenUser, listenPass, listenAddr)},
		Remote:    config.RoleConfig{URL: roleURL("socks5", remoteUser, remotePass, remoteAddr)},
		ACLFile:   aclFile,
		Verbosity: verbosity,
	}, nil
}

func roleURL(scheme, user, pass, addr string) string {
	if user == "" && pass == "" {
		return fmt.Sprintf("%s://%s", scheme, addr)
	}
	if pass == "" {
		return fmt.Sprintf("%s://%s@%s", scheme, user, addr)
	}
	return fmt.Sprintf("%s://%s:%s@%s", scheme, user, pass, addr)
}
