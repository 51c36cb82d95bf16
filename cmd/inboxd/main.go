package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/brandon/inboxd/internal/config"
	"github.com/brandon/inboxd/internal/httpapi"
	"github.com/brandon/inboxd/internal/imapconn"
	"github.com/brandon/inboxd/internal/ingest"
	"github.com/brandon/inboxd/internal/state"
	"github.com/brandon/inboxd/internal/store"
)

var version = "dev"

var rootCmd = &cobra.Command{
	Use:     "inboxd",
	Short:   "Single-account email ingestion daemon",
	Long:    "Monitors one IMAP mailbox over a long-lived connection and persists every message exactly once, alongside an HTTP push ingestion endpoint sharing the same store",
	Version: version,
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the ingestion daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	// Set up logging
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(os.Stdout)

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	logger.SetLevel(level)

	logger.Info("Starting inboxd")

	// Open the store; a failed legacy migration aborts startup
	messageStore, err := store.Open(cfg.DBPath, logger)
	if err != nil {
		return fmt.Errorf("failed to open message store: %w", err)
	}
	// Closed last, after the final state flush
	defer messageStore.Close()

	// Initialize state; a corrupt state file needs operator attention
	// rather than a silently guessed default
	tracker := state.NewTracker(cfg.StatePath, logger)
	if _, err := tracker.Init(); err != nil {
		return fmt.Errorf("failed to initialize ingestion state: %w", err)
	}

	manager := imapconn.NewManager(imapconn.Config{
		Host:     cfg.IMAPHost,
		Port:     cfg.IMAPPort,
		Username: cfg.IMAPUsername,
		Password: cfg.IMAPPassword,
		Mailbox:  cfg.Mailbox,
	}, logger)

	orchestrator := ingest.New(manager, messageStore, tracker, logger, cfg.FirstRunUnseenLimit)
	api := httpapi.NewServer(messageStore, logger, cfg.MaxBodyBytes)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		manager.Run(ctx)
	}()
	go func() {
		defer wg.Done()
		orchestrator.Run(ctx, manager.Events())
	}()

	httpErr := make(chan error, 1)
	go func() {
		httpErr <- api.Run(ctx, cfg.HTTPAddr)
	}()

	// Wait for shutdown signal or server failure
	serverDone := false
	select {
	case sig := <-sigChan:
		logger.WithField("signal", sig).Info("Received shutdown signal")
	case err := <-httpErr:
		serverDone = true
		if err != nil {
			logger.WithError(err).Error("Push endpoint failed")
		}
	}

	cancel()
	wg.Wait()
	if !serverDone {
		if err := <-httpErr; err != nil {
			logger.WithError(err).Error("Push endpoint shutdown failed")
		}
	}

	// Flush the final phase durably before the store closes
	phase := state.PhaseDisconnected
	if _, err := tracker.Update(state.Patch{Phase: &phase}); err != nil {
		logger.WithError(err).Warn("Failed to flush final state")
	}

	logger.Info("Shutting down inboxd")
	return nil
}
