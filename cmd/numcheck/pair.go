package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/numcheck/internal/config"
	"github.com/goodtune/numcheck/internal/session"
	"github.com/mdp/qrterminal/v3"
	"github.com/spf13/cobra"
)

var pairTimeout time.Duration

var pairCmd = &cobra.Command{
	Use:   "pair",
	Short: "Pair the messaging session interactively",
	Long: `Open the messaging session and print pairing codes to the terminal until a
device scans one. The credentials are stored for the server to reuse.`,
	RunE: runPair,
}

func init() {
	pairCmd.Flags().DurationVar(&pairTimeout, "timeout", 5*time.Minute, "Give up when no device pairs within this time")
	rootCmd.AddCommand(pairCmd)
}

func runPair(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	logger := setupLogger(cfg.Logging)

	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	manager := newSessionManager(cfg, store, logger)
	manager.OnChallenge(func(challenge string) {
		fmt.Println()
		fmt.Println("Scan this code with the messaging app to pair:")
		qrterminal.GenerateHalfBlock(challenge, qrterminal.L, os.Stdout)
	})

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, pairTimeout)
	defer cancelTimeout()

	errCh := make(chan error, 1)
	go func() {
		errCh <- manager.Start(ctx)
	}()
	defer manager.Stop()

	for {
		changed := manager.Changed()
		status := manager.Status()

		switch {
		case status.State == session.StateConnected:
			color.New(color.FgGreen, color.Bold).Println("✓ Session paired and connected")
			return nil
		case status.Invalidated:
			return fmt.Errorf("pairing rejected by the remote")
		case status.ReconnectGaveUp:
			return fmt.Errorf("could not reach the messaging bridge")
		}

		select {
		case <-ctx.Done():
			return fmt.Errorf("pairing not completed: %w", ctx.Err())
		case err := <-errCh:
			if err != nil {
				return fmt.Errorf("pairing failed: %w", err)
			}
			errCh = nil
		case <-changed:
		}
	}
}
