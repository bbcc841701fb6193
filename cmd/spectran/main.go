package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configFile string
	debug      bool

	rootCmd = &cobra.Command{
		Use:   "spectran",
		Short: "Spectran network IQ streaming client",
		Long:  `Streams IQ samples from a Spectran V6 analyzer over its HTTP API, or simulates such a device for testing.`,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			level := zerolog.InfoLevel
			if debug {
				level = zerolog.DebugLevel
			}
			log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr}).Level(level)
		},
		SilenceUsage: true,
	}
)

func init() {
	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "spectran.yaml", "YAML config file")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug logging")

	rootCmd.AddCommand(NewStreamCommand())
	rootCmd.AddCommand(NewSimulateCommand())
}

// runUntilSignal runs fn until it returns or the process is interrupted.
func runUntilSignal(fn func(ctx context.Context) error) error {
	eg, ctx := errgroup.WithContext(context.Background())
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	eg.Go(func() error {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("shutting down")
		case <-ctx.Done():
		}
		cancel()
		return nil
	})

	eg.Go(func() error {
		defer cancel()
		return fn(ctx)
	})

	if err := eg.Wait(); err != nil && err != context.Canceled {
		return err
	}
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Fatal().Err(err).Msg("exited program")
	}
}
