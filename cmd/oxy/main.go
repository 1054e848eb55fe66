// Package main provides the CLI entry point for oxy.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/charmbracelet/huh"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/postalsys/oxy/internal/config"
	"github.com/postalsys/oxy/internal/keys"
	"github.com/postalsys/oxy/internal/logging"
	"github.com/postalsys/oxy/internal/metrics"
	"github.com/postalsys/oxy/internal/mode"
	"github.com/postalsys/oxy/internal/node"
	"github.com/postalsys/oxy/internal/shell"
	"github.com/postalsys/oxy/internal/sysinfo"
	"github.com/postalsys/oxy/internal/transport"
)

// globalFlags are shared by every mode.
type globalFlags struct {
	peer         string
	staticKey    string
	metacommands []string
	keyfile      string
	configPath   string
	logLevel     string
	logFormat    string
	transport    string
}

// exitError carries a process status out of a command.
type exitError struct {
	status int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.status) }

func main() {
	rootCmd := newRootCmd()
	rootCmd.SetArgs(mode.NormalizeArgs(os.Args[1:]))

	if err := rootCmd.Execute(); err != nil {
		var ee *exitError
		if errors.As(err, &ee) {
			os.Exit(ee.status)
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	flags := &globalFlags{}

	rootCmd := &cobra.Command{
		Use:   "oxy [mode] [address]",
		Short: "oxy - secure remote access over a multiplexed encrypted session",
		Long: `oxy connects two machines with one authenticated, encrypted stream and
multiplexes remote commands, interactive terminals, file transfers, port
forwards and tunnels over it.

A first argument that is not a mode is a destination: "oxy host" is
"oxy client host".`,
		Version:       sysinfo.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVarP(&flags.peer, "peer", "p", "", "Public key of the peer (base64)")
	pf.StringVarP(&flags.staticKey, "static-key", "k", "", "Pre-shared static key")
	pf.StringArrayVarP(&flags.metacommands, "metacommand", "m", nil, "Metacommand to run after connecting (repeatable)")
	pf.StringVar(&flags.keyfile, "keyfile", "", "Identity keyfile (default ./client_key or ./server_key)")
	pf.StringVar(&flags.configPath, "config", "", "Configuration file (.yaml or .toml)")
	pf.StringVar(&flags.logLevel, "log-level", "", "Log level: debug, info, warn, error")
	pf.StringVar(&flags.logFormat, "log-format", "", "Log format: text, json")
	pf.StringVar(&flags.transport, "transport", "", "Transport: tcp, ws, quic")

	for _, m := range []mode.Mode{mode.Client, mode.Server, mode.ServeOne, mode.ReverseServer, mode.ReverseClient} {
		rootCmd.AddCommand(sessionCmd(m, flags))
	}
	rootCmd.AddCommand(reexecCmd(flags))
	rootCmd.AddCommand(keygenCmd(flags))

	return rootCmd
}

var modeShort = map[mode.Mode]string{
	mode.Client:        "Connect to a server and run metacommands, then a terminal",
	mode.Server:        "Listen and serve every client that connects",
	mode.ServeOne:      "Listen and serve a single client",
	mode.ReverseServer: "Connect out to a reverse client and serve it",
	mode.ReverseClient: "Wait for a reverse server to connect, then act as client",
}

func sessionCmd(m mode.Mode, flags *globalFlags) *cobra.Command {
	use := string(m) + " [address]"
	if m.DialsOut() {
		use = string(m) + " address"
	}
	return &cobra.Command{
		Use:   use,
		Short: modeShort[m],
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var addr string
			if len(args) > 0 {
				addr = args[0]
			}
			return runSession(cmd.Context(), m, addr, flags, 0)
		},
	}
}

func reexecCmd(flags *globalFlags) *cobra.Command {
	var fd int
	cmd := &cobra.Command{
		Use:    string(mode.Reexec),
		Short:  "Serve one inherited connection (started by server mode)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if flags.staticKey == "" {
				flags.staticKey = os.Getenv(node.EnvStaticKey)
			}
			return runSession(cmd.Context(), mode.Reexec, "", flags, fd)
		},
	}
	cmd.Flags().IntVar(&fd, "fd", 0, "Descriptor of the inherited connection (0 uses stdin/stdout)")
	return cmd
}

// loadConfig reads the config file, if any, and applies flag overrides.
func loadConfig(flags *globalFlags) (*config.Config, error) {
	cfg := config.Default()
	if flags.configPath != "" {
		var err error
		if cfg, err = config.Load(flags.configPath); err != nil {
			return nil, err
		}
	}

	if flags.logLevel != "" {
		cfg.Log.Level = flags.logLevel
	}
	if flags.logFormat != "" {
		cfg.Log.Format = flags.logFormat
	}
	if flags.transport != "" {
		cfg.Transport.Type = flags.transport
	}
	if flags.peer == "" {
		flags.peer = cfg.Identity.Peer
	}
	if flags.staticKey == "" {
		flags.staticKey = cfg.Identity.PSK
	}
	if flags.keyfile == "" {
		flags.keyfile = cfg.Identity.Keyfile
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func runSession(ctx context.Context, m mode.Mode, addr string, flags *globalFlags, fd int) error {
	cfg, err := loadConfig(flags)
	if err != nil {
		return err
	}
	logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

	b, err := mode.Resolve(mode.Options{
		Mode:         m,
		Peer:         flags.peer,
		StaticKey:    flags.staticKey,
		Keyfile:      flags.keyfile,
		Address:      addr,
		Metacommands: flags.metacommands,
	})
	if err != nil {
		return err
	}

	identity, created, err := keys.LoadOrCreate(b.Keyfile)
	if err != nil {
		return err
	}
	pub := identity.Public()
	logger.Info("identity loaded",
		logging.KeyPath, b.Keyfile,
		"created", created,
		"public_key", pub.String(),
		logging.KeyFingerprint, pub.Fingerprint())
	logger.Info("expecting peer", logging.KeyFingerprint, b.Peer.Fingerprint())
	if b.GeneratedPSK {
		fmt.Fprintf(os.Stderr, "pre-shared key: %s\n", b.PSK)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var met *metrics.Metrics
	if cfg.Metrics.Address != "" {
		met = metrics.Default()
		go func() {
			if err := metrics.Serve(ctx, cfg.Metrics.Address, prometheus.DefaultGatherer); err != nil {
				logger.Error("metrics server failed", logging.KeyError, err)
			}
		}()
	}

	opts := node.Options{
		Bootstrap:   b,
		Config:      cfg,
		Identity:    identity,
		Metrics:     met,
		Logger:      logger,
		XAuthCookie: os.Getenv(shell.EnvXAuthCookie),
		FD:          fd,
	}
	if m == mode.Server {
		spawn, err := node.Reexec(childArgs(flags, b), b.PSK, logger)
		if err != nil {
			logger.Warn("serving connections in-process", logging.KeyError, err)
		} else {
			opts.Spawn = spawn
		}
	}

	n, err := node.New(opts)
	if err != nil {
		return err
	}
	status, err := n.Run(ctx)
	if err != nil {
		return err
	}
	if status != 0 {
		return &exitError{status: status}
	}
	return nil
}

// childArgs rebuilds the flags a reexec child needs. The pre-shared key
// travels in the environment.
func childArgs(flags *globalFlags, b *mode.Bootstrap) []string {
	args := []string{"--peer", b.Peer.String(), "--keyfile", b.Keyfile}
	if flags.configPath != "" {
		args = append(args, "--config", flags.configPath)
	}
	if flags.logLevel != "" {
		args = append(args, "--log-level", flags.logLevel)
	}
	if flags.logFormat != "" {
		args = append(args, "--log-format", flags.logFormat)
	}
	return args
}

func keygenCmd(flags *globalFlags) *cobra.Command {
	var (
		force           bool
		tlsCert, tlsKey string
	)
	cmd := &cobra.Command{
		Use:   string(mode.Keygen),
		Short: "Generate an identity keyfile and print its public key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := flags.keyfile
			if path == "" {
				path = mode.Keygen.DefaultKeyfile()
			}

			if keys.Exists(path) && !force {
				if !term.IsTerminal(int(os.Stdin.Fd())) {
					return fmt.Errorf("%s exists; use --force to overwrite", path)
				}
				overwrite := false
				err := huh.NewConfirm().
					Title(fmt.Sprintf("%s already exists. Overwrite it?", path)).
					Description("Peers that know the old public key will no longer accept this identity.").
					Affirmative("Overwrite").
					Negative("Keep").
					Value(&overwrite).
					Run()
				if err != nil {
					return err
				}
				if !overwrite {
					return nil
				}
			}

			k, err := keys.Generate()
			if err != nil {
				return err
			}
			if err := k.Store(path); err != nil {
				return err
			}
			pub := k.Public()
			fmt.Fprintf(cmd.OutOrStdout(), "Keyfile:     %s\n", path)
			fmt.Fprintf(cmd.OutOrStdout(), "Public key:  %s\n", pub.String())
			fmt.Fprintf(cmd.OutOrStdout(), "Fingerprint: %s\n", pub.Fingerprint())

			if tlsCert != "" {
				if err := transport.WriteSelfSignedCert(tlsCert, tlsKey, "oxy"); err != nil {
					return fmt.Errorf("write tls certificate: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "TLS cert:    %s\n", tlsCert)
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing keyfile without asking")
	cmd.Flags().StringVar(&tlsCert, "tls-cert", "", "Also write a self-signed certificate for ws/quic listeners")
	cmd.Flags().StringVar(&tlsKey, "tls-key", "", "Key file for --tls-cert")
	cmd.MarkFlagsRequiredTogether("tls-cert", "tls-key")
	return cmd
}
