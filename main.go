// lexrun - streaming chat client for the lexrun legal-assistant backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/peterh/liner"

	"github.com/jeranaias/lexrun-client/internal/api"
	"github.com/jeranaias/lexrun-client/internal/bus"
	"github.com/jeranaias/lexrun-client/internal/config"
	"github.com/jeranaias/lexrun-client/internal/events"
	"github.com/jeranaias/lexrun-client/internal/generation"
	"github.com/jeranaias/lexrun-client/internal/logging"
	"github.com/jeranaias/lexrun-client/internal/model"
	"github.com/jeranaias/lexrun-client/internal/sources"
	"github.com/jeranaias/lexrun-client/internal/storage"
)

// Version information (set at build time)
var (
	Version = "0.1.0"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, "lexrun:", err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return err
	}
	log := logging.New(cfg.Log.Level)

	storagePath := cfg.Storage.Path
	if storagePath == "" {
		storagePath, err = config.DefaultStoragePath()
		if err != nil {
			return err
		}
	}
	store, err := storage.NewSQLiteStore(storagePath)
	if err != nil {
		return fmt.Errorf("failed to open conversation store: %w", err)
	}
	store.WithMaxConversations(cfg.Storage.MaxConversations)
	defer store.Close()

	b := bus.New(log)

	client := api.NewClient(cfg.API.Endpoint, log).
		WithModel(cfg.API.Model).
		WithRetryAttempts(cfg.API.RetryAttempts).
		WithRetryDelay(cfg.RetryDelay())

	orch := generation.NewOrchestrator(generation.NewClientSender(client), store, b, log).
		WithRevealInterval(cfg.RevealInterval())
	if cfg.API.TitlesEndpoint != "" {
		orch.WithEnricher(sources.NewEnricher(cfg.API.TitlesEndpoint, log))
	}

	printer := newPrinter()
	b.Subscribe(events.TopicGenerationStarted, printer.onStarted)
	b.Subscribe(events.TopicMessageUpdated, printer.onUpdated)
	b.Subscribe(events.TopicGenerationStopped, printer.onStopped)
	b.Subscribe(events.TopicGenerationError, printer.onError)

	// Hot-reload the config file; changes apply between generations.
	if path, err := config.Path(); err == nil {
		watcher, werr := config.NewWatcher(path, func(next *config.Config) {
			if orch.State() != generation.StateIdle {
				log.Warnf("config: change deferred, generation in progress")
				return
			}
			client.WithModel(next.API.Model).
				WithRetryAttempts(next.API.RetryAttempts).
				WithRetryDelay(next.RetryDelay())
			orch.WithRevealInterval(next.RevealInterval())
		}, log)
		if werr == nil {
			if werr = watcher.Watch(); werr == nil {
				defer watcher.Close()
			}
		}
		if werr != nil {
			log.Warnf("config: hot reload unavailable: %v", werr)
		}
	}

	return repl(orch, store)
}

// =============================================================================
// REPL
// =============================================================================

const helpText = `Commands:
  /new          Start a fresh conversation
  /list         List stored conversations
  /open <id>    Resume a stored conversation
  /stop         Stop the running generation
  /help         Show this help
  /quit         Exit

Anything else is sent to the assistant. Ctrl+C stops a running
generation; at the prompt it clears the line.`

func repl(orch *generation.Orchestrator, store storage.Store) error {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)
	defer line.Close()

	historyFile := loadHistory(line)
	defer saveHistory(line, historyFile)

	fmt.Printf("lexrun %s - type /help for commands\n\n", Version)

	for {
		input, err := line.Prompt("you> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) {
				continue
			}
			if errors.Is(err, io.EOF) {
				fmt.Println()
				return nil
			}
			return err
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		line.AppendHistory(input)

		switch {
		case input == "/quit" || input == "/q":
			return nil
		case input == "/help" || input == "/h":
			fmt.Println(helpText)
		case input == "/stop":
			orch.Stop()
			orch.Wait()
		case input == "/new":
			orch.NewConversation()
			fmt.Println("started a new conversation")
		case input == "/list":
			listConversations(store)
		case strings.HasPrefix(input, "/open "):
			id := strings.TrimSpace(strings.TrimPrefix(input, "/open "))
			if err := orch.LoadConversation(context.Background(), id); err != nil {
				fmt.Println("could not open conversation:", err)
				continue
			}
			printTranscript(orch.Conversation())
		case strings.HasPrefix(input, "/"):
			fmt.Println("unknown command; /help lists the available ones")
		default:
			generate(orch, input)
		}
	}
}

// generate runs one send to completion, stopping it on Ctrl+C.
func generate(orch *generation.Orchestrator, text string) {
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, syscall.SIGINT)
	defer signal.Stop(interrupt)

	done := make(chan struct{})
	go func() {
		orch.Send(context.Background(), text)
		orch.Wait()
		close(done)
	}()

	for {
		select {
		case <-interrupt:
			orch.Stop()
		case <-done:
			return
		}
	}
}

func listConversations(store storage.Store) {
	summaries, err := store.List(context.Background())
	if err != nil {
		fmt.Println("could not list conversations:", err)
		return
	}
	if len(summaries) == 0 {
		fmt.Println("no stored conversations")
		return
	}
	for _, s := range summaries {
		fmt.Printf("  %s  %-50s  %d messages  %s\n",
			s.ID, s.Summary, s.MessageCount, s.UpdatedAt.Format("2006-01-02 15:04"))
	}
}

func printTranscript(conv *model.Conversation) {
	for _, msg := range conv.Messages {
		fmt.Printf("%s> %s\n", msg.Role, msg.DisplayContent())
		for _, src := range msg.Sources {
			fmt.Printf("    [%s] %s\n", src.Title, src.URL)
		}
	}
}

// =============================================================================
// STREAM PRINTER
// =============================================================================

// printer writes revealed content to stdout as it arrives. It tracks how
// many runes are already on screen so each update prints only the suffix.
type printer struct {
	mu      sync.Mutex
	printed int
}

func newPrinter() *printer {
	return &printer{}
}

func (p *printer) onStarted(bus.Event) error {
	p.mu.Lock()
	p.printed = 0
	p.mu.Unlock()
	fmt.Print("assistant> ")
	return nil
}

func (p *printer) onUpdated(e bus.Event) error {
	upd := e.Payload.(events.MessageUpdated)
	runes := []rune(upd.Content)

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(runes) <= p.printed {
		return nil
	}
	fmt.Print(string(runes[p.printed:]))
	p.printed = len(runes)
	return nil
}

func (p *printer) onStopped(bus.Event) error {
	fmt.Println()
	return nil
}

func (p *printer) onError(e bus.Event) error {
	ge := e.Payload.(events.GenerationError)
	fmt.Fprintf(os.Stderr, "\ngeneration failed: %v\n", ge.Err)
	return nil
}

// =============================================================================
// INPUT HISTORY
// =============================================================================

// loadHistory reads prior REPL input from the config directory.
func loadHistory(line *liner.State) string {
	dir, err := config.Dir()
	if err != nil {
		dir = os.TempDir()
	}
	historyFile := filepath.Join(dir, "chat_history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}
	return historyFile
}

// saveHistory persists REPL input with owner-only permissions.
func saveHistory(line *liner.State, historyFile string) {
	if err := os.MkdirAll(filepath.Dir(historyFile), 0755); err != nil {
		return
	}
	f, err := os.OpenFile(historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0600)
	if err != nil {
		return
	}
	defer f.Close()
	line.WriteHistory(f)
}
