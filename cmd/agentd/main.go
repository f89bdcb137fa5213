package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"agentd/config"
	"agentd/internal/claude"
	"agentd/internal/completion"
	"agentd/internal/history"
	"agentd/internal/runner"
	"agentd/internal/server"
	"agentd/internal/session"
	"agentd/pkg/db"
	"agentd/pkg/migration"
	"agentd/version"
)

var rootCmd = &cobra.Command{
	Use:   "agentd",
	Short: "Sandbox agent API for Claude Code sessions",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP service",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

var messagesCmd = &cobra.Command{
	Use:   "messages [session-log.jsonl]",
	Short: "Dump the reconstructed conversation from a session log",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := claude.ReadLog(args[0])
		if err != nil {
			return err
		}
		messages := history.Reconstruct(entries)
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(messages)
	},
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Println(version.Get())
	},
}

func serve() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	dbPath, err := config.GetDatabasePath()
	if err != nil {
		return err
	}
	database, err := db.Open(dbPath)
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer database.Close()

	if err := migration.NewRunner(database).Run(); err != nil {
		return fmt.Errorf("run migrations: %w", err)
	}

	watcher, err := session.NewWatcher()
	if err != nil {
		return fmt.Errorf("start log watcher: %w", err)
	}
	defer watcher.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	manager := session.NewManager(cfg.WorkDir, session.NewStore(database), watcher)
	coord := completion.NewCoordinator()
	questions := completion.NewQuestionChannel()
	run := runner.New(runner.Config{
		Binary:         cfg.Claude.Binary,
		Model:          cfg.Claude.Model,
		PermissionMode: cfg.Claude.PermissionMode,
		ExtraArgs:      cfg.Claude.Args,
	}, manager, questions)

	chat := server.NewChatService(ctx, manager, coord, questions, run)
	srv := server.New(server.Options{Addr: cfg.Addr, CORSOrigins: cfg.CORSOrigins}, chat)

	errCh := make(chan error, 1)
	go func() {
		log.Printf("agentd %s listening on %s (work dir %s)", version.Get(), cfg.Addr, cfg.WorkDir)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && err != http.ErrServerClosed {
			return err
		}
	case <-ctx.Done():
		log.Println("shutting down")
		coord.Cancel()
		questions.CancelPending()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("shutdown: %w", err)
		}
	}
	return nil
}

func main() {
	// Load .env file if present
	_ = godotenv.Load()

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(versionCmd)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
