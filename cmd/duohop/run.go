package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/duohop/duohop/internal/acl"
	"github.com/duohop/duohop/internal/config"
	"github.com/duohop/duohop/internal/hub"
	"github.com/duohop/duohop/internal/logging"
)

func runCmd() *cobra.Command {
	var listenURL, remoteURL, aclFile, verbosity string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the proxy hub",
		Long:  "Start the proxy hub with the given listen role, remote SOCKS5 server, and optional ACL file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			verbosity = resolveVerbosity(cmd, verbosity)

			cfg := &config.Config{
				Listen:    config.RoleConfig{URL: listenURL},
				Remote:    config.RoleConfig{URL: remoteURL},
				ACLFile:   aclFile,
				Verbosity: verbosity,
			}
			if err := cfg.Validate(); err != nil {
				return fmt.Errorf("configuration rejected: %w", err)
			}

			level, err := cfg.LogLevel()
			if err != nil {
				return err
			}
			logger := logging.NewLogger(level, "text")

			listen, err := cfg.Listen.Parse()
			if err != nil {
				return err
			}
			remote, err := cfg.Remote.Parse()
			if err != nil {
				return err
			}

			policy := acl.Always()
			if cfg.ACLFile != "" {
				policy, err = acl.Load(cfg.ACLFile)
				if err != nil {
					return fmt.Errorf("loading ACL file: %w", err)
				}
			}

			listenKind := hub.FrontendSOCKS5
			if listen.Scheme == "http" {
				listenKind = hub.FrontendHTTP
			}

			h, err := hub.New(hub.Config{
				Listen: hub.Role{Kind: listenKind, Addr: listen.Addr, Creds: listen.Creds},
				Upstream: hub.Role{
					Kind:  hub.FrontendSOCKS5,
					Addr:  remote.Addr,
					Creds: remote.Creds,
				},
				ACL:    policy,
				Logger: logger,
			})
			if err != nil {
				return fmt.Errorf("failed to create hub: %w", err)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			go func() {
				<-sigCh
				logger.Info("shutdown signal received")
				h.Stop()
				cancel()
			}()

			return h.Run(ctx, func(addr net.Addr) {
				logger.Info("listening", logging.KeyListenAddr, addr.String())
			})
		},
	}

	cmd.Flags().StringVarP(&listenURL, "listen-proxy-role", "l", "", "listen role URL, e.g. http://[user:pass@]host:port or socks5://host:port")
	cmd.Flags().StringVarP(&remoteURL, "remote-server", "r", "", "remote SOCKS5 server URL, e.g. socks5://[user:pass@]host:port")
	cmd.Flags().StringVarP(&aclFile, "acl-file", "a", "", "optional ACL file path")
	cmd.Flags().StringVarP(&verbosity, "verbosity", "v", "info", "log verbosity: off, error, warn, info, debug, trace")
	cmd.MarkFlagRequired("listen-proxy-role")
	cmd.MarkFlagRequired("remote-server")

	return cmd
}

// resolveVerbosity applies the DUOHOP_VERBOSITY environment fallback: it
// is consulted only when --verbosity was left at its flag default, the
// same flags-over-env layering the teacher's cobra commands use elsewhere.
func resolveVerbosity(cmd *cobra.Command, flagValue string) string {
	if cmd.Flags().Changed("verbosity") {
		return flagValue
	}
	if env := os.Getenv("DUOHOP_VERBOSITY"); env != "" {
		return env
	}
	return flagValue
}
