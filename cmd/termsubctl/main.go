// Command termsubctl is a diagnostic CLI over the session substrate: it
// wires every C1-C9 component through substrate.Context and exposes a
// handful of subcommands to exercise a connection end to end without a
// terminal UI attached.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/websoft9/termsub/internal/config"
	"github.com/websoft9/termsub/internal/connpool"
	"github.com/websoft9/termsub/internal/credentials"
	"github.com/websoft9/termsub/internal/substrate"
)

var (
	flagHost     string
	flagPort     int
	flagUser     string
	flagKeyPath  string
	flagPassword string
	flagShell    string
)

func main() {
	root := &cobra.Command{
		Use:   "termsubctl",
		Short: "Diagnostic CLI for the termsub session substrate",
	}

	connectCmd := &cobra.Command{
		Use:   "connect",
		Short: "Open one SSH transport, run a command, report latency, then close",
		RunE:  runConnect,
	}
	connectCmd.Flags().StringVar(&flagHost, "host", "", "remote host (required)")
	connectCmd.Flags().IntVar(&flagPort, "port", 22, "remote port")
	connectCmd.Flags().StringVar(&flagUser, "user", "", "remote user (required)")
	connectCmd.Flags().StringVar(&flagKeyPath, "key", "", "private key path")
	connectCmd.Flags().StringVar(&flagPassword, "password", "", "password (used if --key is empty)")
	connectCmd.Flags().StringVar(&flagShell, "shell", "", "remote shell to exec (e.g. /bin/sh), default none")
	_ = connectCmd.MarkFlagRequired("host")
	_ = connectCmd.MarkFlagRequired("user")

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the substrate in the foreground until interrupted, for soak-testing its background loops",
		RunE:  runServe,
	}

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("termsubctl (session substrate diagnostic CLI)")
		},
	}

	root.AddCommand(connectCmd, serveCmd, versionCmd)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newLogger(cfg *config.Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "pretty" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

func runConnect(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	ctx := substrate.New(cfg, connpool.NewDefaultDialer(), log)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ctx.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("shutdown did not complete cleanly")
		}
	}()

	creds := connpool.CredentialMaterial{Type: string(credentials.Password), Secret: flagPassword}
	if flagKeyPath != "" {
		creds = connpool.CredentialMaterial{Type: string(credentials.PrivateKey), KeyPath: flagKeyPath}
	}

	connectCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	transport, err := ctx.Connect(connectCtx, connpool.Config{
		Host:  flagHost,
		Port:  flagPort,
		User:  flagUser,
		Creds: creds,
		Shell: flagShell,
	}, connpool.GetOptions{})
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}
	defer ctx.Pool.Release(transport.Key(), "")

	log.Info().Str("key", transport.Key()).Bool("healthy", transport.Healthy()).Msg("connected")

	sample := ctx.Latency.ProbeNow(connectCtx, transport.Key(), transport)
	if sample.Err != nil {
		log.Warn().Err(sample.Err).Msg("latency probe failed")
	} else {
		log.Info().Dur("rtt", sample.RTT).Msg("latency probe succeeded")
	}

	if flagShell != "" {
		out, err := transport.ExecLine(connectCtx, "echo termsubctl-check")
		if err != nil {
			return fmt.Errorf("exec: %w", err)
		}
		fmt.Print(out)
	}

	return nil
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	log := newLogger(cfg)

	ctx := substrate.New(cfg, connpool.NewDefaultDialer(), log)
	log.Info().Msg("session substrate running, press Ctrl-C to stop")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := ctx.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("substrate forced to shutdown")
	}
	log.Info().Msg("exited")
	return nil
}
