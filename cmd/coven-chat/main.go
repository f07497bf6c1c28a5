// ABOUTME: Interactive terminal client for the coven-chat streaming conversation engine
// ABOUTME: Provides readline-style input, thread commands and streamed assistant output

package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/fatih/color"

	"github.com/2389/coven-chat/internal/config"
	"github.com/2389/coven-chat/internal/conversation"
	"github.com/2389/coven-chat/internal/kv"
	"github.com/2389/coven-chat/internal/thread"
	"github.com/2389/coven-chat/internal/transport"
)

func main() {
	configPath := flag.String("config", "", "Path to YAML config file")
	server := flag.String("server", "", "Backend base URL (overrides config)")
	model := flag.String("model", "", "Model selector (overrides config)")
	flag.Parse()

	cfg, err := loadConfig(*configPath)
	if err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}
	if *server != "" {
		cfg.Server.BaseURL = *server
	}
	if *model != "" {
		cfg.Assistant.Model = *model
	}

	logger := buildLogger(cfg.Logging)
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		color.Red("Error: %v", err)
		os.Exit(1)
	}

	fmt.Println("\nGoodbye!")
}

func loadConfig(path string) (*config.Config, error) {
	if path == "" {
		return config.Default(), nil
	}
	return config.Load(path)
}

// buildLogger constructs the slog logger from the logging config.
func buildLogger(cfg config.LoggingConfig) *slog.Logger {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	if cfg.Format == "json" {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts))
	}
	return slog.New(slog.NewTextHandler(os.Stderr, opts))
}

// buildStore selects the KeyValueStore backend from config.
func buildStore(cfg config.StorageConfig) (kv.Store, error) {
	switch cfg.Backend {
	case "file":
		return kv.NewFile(cfg.Path)
	case "sqlite":
		return kv.NewSQLite(cfg.Path)
	default:
		return kv.NewMemory(), nil
	}
}

func run(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	backend, err := buildStore(cfg.Storage)
	if err != nil {
		return fmt.Errorf("opening storage: %w", err)
	}

	threads := thread.NewStore(backend, logger)
	if err := threads.Hydrate(ctx); err != nil {
		return fmt.Errorf("hydrating threads: %w", err)
	}

	yellow := color.New(color.FgYellow)
	cyan := color.New(color.FgCyan)

	// per-turn print state driven by the controller's stream hooks
	var printMu sync.Mutex
	var printed int
	turnDone := make(chan struct{}, 1)

	ctrl := conversation.New(conversation.Options{
		Store:        threads,
		Text:         transport.NewTextSession(cfg.Server.BaseURL, nil, logger),
		Voice:        transport.NewDuplexSession(cfg.Server.WSURL, nil, logger),
		HistoryLimit: cfg.Assistant.HistoryLimit,
		Model:        cfg.Assistant.Model,
		Language:     cfg.Assistant.Language,
		ToolUse:      cfg.Assistant.ToolUse,
		Notify: func(level, msg string) {
			yellow.Printf("[%s] %s\n", level, msg)
		},
		OnStream: func(full string) {
			printMu.Lock()
			fmt.Print(full[printed:])
			printed = len(full)
			printMu.Unlock()
		},
		OnTurnEnd: func() {
			select {
			case turnDone <- struct{}{}:
			default:
			}
		},
		Logger: logger,
	})

	fmt.Printf("coven-chat connected to %s\n", cfg.Server.BaseURL)
	fmt.Println("Type a message and press Enter. /help for commands. Ctrl+C to quit.")
	fmt.Println()

	scanner := bufio.NewScanner(os.Stdin)

	for {
		active := threads.ActiveThread()
		cyan.Printf("[%s]> ", truncate(active.Title, 24))

		input, err := readLine(ctx, scanner)
		if err != nil {
			if err == io.EOF || ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}

		if strings.HasPrefix(input, "/") {
			if quit := handleCommand(ctx, ctrl, threads, input); quit {
				return nil
			}
			fmt.Println()
			continue
		}

		printMu.Lock()
		printed = 0
		printMu.Unlock()
		drain(turnDone)

		ctrl.SubmitTurn(ctx, input)

		select {
		case <-ctx.Done():
			ctrl.Stop()
		case <-turnDone:
		}

		view := ctrl.View()
		if len(view.ToolRuns) > 0 {
			last := view.ToolRuns[len(view.ToolRuns)-1]
			yellow.Printf("\n[tool] %s: %s\n", last.Tool, last.Status)
		}
		fmt.Println()
	}
}

func drain(ch chan struct{}) {
	select {
	case <-ch:
	default:
	}
}

// readLine reads one line of input with context awareness.
func readLine(ctx context.Context, scanner *bufio.Scanner) (string, error) {
	inputCh := make(chan string, 1)
	errCh := make(chan error, 1)

	go func() {
		if scanner.Scan() {
			inputCh <- scanner.Text()
		} else {
			if err := scanner.Err(); err != nil {
				errCh <- err
			} else {
				errCh <- io.EOF
			}
		}
	}()

	select {
	case <-ctx.Done():
		return "", io.EOF
	case err := <-errCh:
		return "", err
	case input := <-inputCh:
		return input, nil
	}
}

// handleCommand processes a slash command; returns true on quit.
func handleCommand(ctx context.Context, ctrl *conversation.Controller, threads *thread.Store, input string) bool {
	green := color.New(color.FgGreen)

	cmd, args, _ := strings.Cut(input, " ")
	args = strings.TrimSpace(args)

	switch cmd {
	case "/quit", "/exit", "/q":
		return true

	case "/new":
		t := ctrl.CreateThread(ctx)
		green.Printf("Started %s\n", t.ID)

	case "/threads":
		for _, t := range threads.Threads() {
			marker := "  "
			if t.ID == threads.ActiveID() {
				marker = "* "
			}
			fmt.Printf("%s%s  %s\n", marker, t.ID, truncate(t.Title, 48))
		}

	case "/select":
		if args == "" {
			fmt.Println("Usage: /select <thread-id>")
			break
		}
		ctrl.SelectThread(ctx, args)
		green.Printf("Switched to %s\n", args)

	case "/delete":
		if args == "" {
			fmt.Println("Usage: /delete <thread-id>")
			break
		}
		ctrl.DeleteThread(ctx, args)
		green.Println("Deleted")

	case "/rename":
		if args == "" {
			fmt.Println("Usage: /rename <title>")
			break
		}
		ctrl.RenameThread(ctx, threads.ActiveID(), args)
		green.Println("Renamed")

	case "/stop":
		ctrl.Stop()
		green.Println("Stopped")

	case "/help":
		printHelp()

	default:
		fmt.Printf("Unknown command %s (try /help)\n", cmd)
	}
	return false
}

// printHelp displays available commands.
func printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  /new             Start a new conversation")
	fmt.Println("  /threads         List conversations")
	fmt.Println("  /select <id>     Switch to a conversation")
	fmt.Println("  /delete <id>     Delete a conversation")
	fmt.Println("  /rename <title>  Rename the active conversation")
	fmt.Println("  /stop            Stop the in-flight response")
	fmt.Println("  /help            Show this help")
	fmt.Println("  /quit            Exit")
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
