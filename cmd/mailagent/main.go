// Command mailagent triages an IMAP inbox with a local language model.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/corey-beep/email-agent/internal/config"
	"github.com/corey-beep/email-agent/internal/imap"
	"github.com/corey-beep/email-agent/internal/llm"
	"github.com/corey-beep/email-agent/internal/processor"
	"github.com/corey-beep/email-agent/internal/storage"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// app holds everything a command needs once config is loaded
type app struct {
	cfg    *config.Config
	logger zerolog.Logger
}

func newRootCmd() *cobra.Command {
	var configPath string
	a := &app{}

	root := &cobra.Command{
		Use:          "mailagent",
		Short:        "Digest, categorize and organize unread email with a local LLM",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.logger = newLogger(cfg.Log, cmd.ErrOrStderr())
			return nil
		},
	}
	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to YAML config file")

	root.AddCommand(
		newCheckCmd(a),
		newInboxCmd(a),
		newTaskCmd(a, "digest", "Summarize and rank unread messages"),
		newTaskCmd(a, "categorize", "Assign a category to each unread message"),
		newTaskCmd(a, "actions", "List the action items in each unread message"),
		newDraftCmd(a),
		newOrganizeCmd(a),
		newStatsCmd(a),
	)
	return root
}

func newLogger(cfg config.LogConfig, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}

	if cfg.Format == "json" {
		return zerolog.New(w).Level(level).With().Timestamp().Logger()
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}).
		Level(level).With().Timestamp().Logger()
}

// session is an open mailbox, model client and store for one command
type session struct {
	mailbox *imap.Client
	llm     *llm.Client
	store   storage.Store
	proc    *processor.Processor
}

func (a *app) open(ctx context.Context) (*session, error) {
	mailbox, err := imap.NewClient(&a.cfg.IMAP, a.logger)
	if err != nil {
		return nil, err
	}

	store, err := storage.Open(ctx, &a.cfg.Database)
	if err != nil {
		mailbox.Close()
		return nil, err
	}

	completer := llm.NewOpenAICompleter(&a.cfg.LLM, a.logger)
	client := llm.NewClient(&a.cfg.LLM, completer, a.cfg.Organize.Categories, a.logger)

	return &session{
		mailbox: mailbox,
		llm:     client,
		store:   store,
		proc:    processor.NewProcessor(a.cfg, mailbox, client, store, a.logger),
	}, nil
}

func (s *session) Close() {
	s.mailbox.Close()
	if s.store != nil {
		s.store.Close()
	}
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encode output: %w", err)
	}
	return nil
}

// openStore opens only the history store, for commands that never touch the mailbox
func openStore(cmd *cobra.Command, a *app) (storage.Store, error) {
	store, err := storage.Open(cmd.Context(), &a.cfg.Database)
	if err != nil {
		return nil, err
	}
	if store == nil {
		return nil, fmt.Errorf("history is disabled (database driver %q)", a.cfg.Database.Driver)
	}
	return store, nil
}
