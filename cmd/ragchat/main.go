// ragchat - interactive terminal client for a streaming RAG backend.
//
// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/peterh/liner"
	"goa.design/clue/log"
	"golang.org/x/time/rate"

	"github.com/hukmlabs/ragchat/internal/auth"
	"github.com/hukmlabs/ragchat/internal/chat"
	"github.com/hukmlabs/ragchat/internal/config"
	"github.com/hukmlabs/ragchat/internal/model"
	"github.com/hukmlabs/ragchat/internal/storage"
)

// Version information (set at build time)
var (
	Version   = "0.1.0"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

func main() {
	var (
		configF  = flag.String("config", "", "Config file path (default ~/.ragchat/config.toml)")
		userF    = flag.String("user", "", "User id for conversation scoping")
		chatF    = flag.String("chat", "", "Open an existing conversation by id")
		backendF = flag.String("backend", "", "Backend base URL (overrides config)")
		dbgF     = flag.Bool("debug", false, "Enable debug logging")
		versionF = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *versionF {
		fmt.Printf("ragchat %s (%s, built %s)\n", Version, GitCommit, BuildDate)
		return
	}

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF, *userF, *chatF, *backendF); err != nil {
		log.Error(ctx, err)
		os.Exit(1)
	}
}

func run(ctx context.Context, configPath, userID, chatID, backendURL string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if backendURL != "" {
		cfg.Backend.BaseURL = backendURL
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("no backend configured: set backend.base_url in %s or pass -backend", config.DefaultPath())
	}
	if userID == "" {
		userID = os.Getenv("RAGCHAT_USER")
	}
	if userID == "" {
		return fmt.Errorf("no user id: pass -user or set RAGCHAT_USER")
	}

	store, err := storage.Open(cfg.Storage.DBPath)
	if err != nil {
		return err
	}
	defer store.Close()

	tokens := newTokenSource(cfg)

	repl := newREPL(ctx, cfg, store, tokens, userID, backendURL)
	defer repl.Close()

	// Config edits apply to the next exchange without a restart.
	go func() {
		if err := config.Watch(ctx, configPath, repl.updateConfig); err != nil && !errors.Is(err, context.Canceled) {
			log.Error(ctx, err, log.KV{K: "msg", V: "config watch stopped"})
		}
	}()

	if chatID != "" {
		if err := repl.openChat(ctx, chatID); err != nil {
			return err
		}
	}

	return repl.loop(ctx)
}

// retryLimiter builds the retry pacer from a per-minute budget. Zero or
// negative disables pacing.
func retryLimiter(perMinute int) *rate.Limiter {
	if perMinute <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
}

// newTokenSource picks the credential strategy from config: a fixed
// access token when one is given, otherwise the refreshing source.
func newTokenSource(cfg *config.Config) chat.TokenSource {
	if cfg.Auth.AccessToken != "" {
		return &auth.StaticTokenSource{AccessToken: cfg.Auth.AccessToken}
	}
	return auth.NewRefreshingTokenSource(cfg.Auth.URL, cfg.Auth.APIKey, cfg.Auth.RefreshToken)
}

// =============================================================================
// REPL
// =============================================================================

// repl is the interactive loop. It owns the line editor, the current
// conversation controller, and the streaming printer.
type repl struct {
	store       *storage.Store
	tokens      chat.TokenSource
	userID      string
	line        *liner.State
	historyFile string

	// backendOverride is the -backend flag; it wins over the config file
	// even across reloads.
	backendOverride string

	mu      sync.Mutex // guards cfg and limiter against watcher reloads
	cfg     *config.Config
	limiter *rate.Limiter

	controller *chat.Controller
	session    *chat.Session
}

func newREPL(ctx context.Context, cfg *config.Config, store *storage.Store, tokens chat.TokenSource, userID, backendOverride string) *repl {
	line := liner.NewLiner()
	line.SetCtrlCAborts(true)

	home, err := os.UserHomeDir()
	if err != nil {
		home = os.TempDir()
	}
	historyFile := filepath.Join(home, ".ragchat", "history")
	if f, err := os.Open(historyFile); err == nil {
		line.ReadHistory(f)
		f.Close()
	}

	return &repl{
		store:           store,
		tokens:          tokens,
		userID:          userID,
		line:            line,
		historyFile:     historyFile,
		backendOverride: backendOverride,
		cfg:             cfg,
		limiter:         retryLimiter(cfg.Stream.RetryPerMinute),
	}
}

// updateConfig swaps in a freshly loaded config. The -backend flag keeps
// winning, and the retry pacer is rebuilt from the new budget.
func (r *repl) updateConfig(cfg *config.Config) {
	if r.backendOverride != "" {
		cfg.Backend.BaseURL = r.backendOverride
	}
	r.mu.Lock()
	r.cfg = cfg
	r.limiter = retryLimiter(cfg.Stream.RetryPerMinute)
	r.mu.Unlock()
}

// Close saves input history and releases the terminal.
func (r *repl) Close() {
	if err := os.MkdirAll(filepath.Dir(r.historyFile), 0o755); err == nil {
		if f, err := os.OpenFile(r.historyFile, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o600); err == nil {
			r.line.WriteHistory(f)
			f.Close()
		}
	}
	r.line.Close()
}

// sessionOptions builds the per-exchange options from the current config.
func (r *repl) sessionOptions() chat.Options {
	r.mu.Lock()
	cfg, limiter := r.cfg, r.limiter
	r.mu.Unlock()
	return chat.Options{
		BaseURL:      cfg.Backend.BaseURL,
		Pipeline:     cfg.Backend.Pipeline,
		UseReranker:  cfg.Backend.UseReranker,
		IdleTimeout:  cfg.Stream.IdleTimeout(),
		RetryLimiter: limiter,
		OnWarning: func(warnings []string) {
			for _, w := range warnings {
				fmt.Fprintf(os.Stderr, "[warning] %s\n", w)
			}
		},
	}
}

// openChat loads an existing conversation into a fresh controller and
// prints its history.
func (r *repl) openChat(ctx context.Context, chatID string) error {
	c := chat.NewController(r.store, r.tokens, r.sessionOptions(), chatID, r.userID, "rag")
	if err := c.Open(ctx); err != nil {
		return err
	}
	r.controller = c
	r.session = nil

	for _, m := range c.Ledger.Messages() {
		printMessage(m)
	}
	return nil
}

// loop runs the interactive read-eval loop until /quit or EOF.
func (r *repl) loop(ctx context.Context) error {
	fmt.Println("ragchat interactive session")
	fmt.Println("Type your question and press Enter. Commands: /help, /quit")
	fmt.Println()

	// Ctrl+C during a stream cancels it; at the prompt liner turns it
	// into ErrPromptAborted.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		for range sigCh {
			if r.controller != nil {
				r.controller.Cancel(ctx)
			}
		}
	}()

	for {
		input, err := r.line.Prompt("ragchat> ")
		if err != nil {
			// Ctrl+C or Ctrl+D at the prompt exits cleanly.
			fmt.Println()
			return nil
		}
		input = strings.TrimSpace(input)
		if input == "" {
			continue
		}
		r.line.AppendHistory(input)

		if strings.HasPrefix(input, "/") {
			quit, err := r.handleCommand(ctx, input)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[error] %v\n", err)
			}
			if quit {
				return nil
			}
			continue
		}

		if err := r.send(ctx, input); err != nil {
			fmt.Fprintf(os.Stderr, "[error] %v\n", err)
		}
	}
}

// send runs one full exchange and streams the assistant text to stdout.
func (r *repl) send(ctx context.Context, query string) error {
	if r.controller == nil {
		r.controller = chat.NewController(r.store, r.tokens, r.sessionOptions(), "", r.userID, "rag")
	}

	sess, err := r.controller.Send(ctx, query)
	if err != nil {
		return err
	}
	r.session = sess
	return r.stream(ctx, sess)
}

// stream renders the assistant message as it grows, then reports the
// terminal outcome.
func (r *repl) stream(ctx context.Context, sess *chat.Session) error {
	fmt.Println()
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.printProgress(sess)
	}()

	err := sess.Wait(ctx)
	<-done
	fmt.Println()
	fmt.Println()

	if err != nil {
		return err
	}
	if final, ok := lastAssistant(r.controller); ok {
		printSources(final.Sources)
		if final.SaveFailed {
			fmt.Fprintln(os.Stderr, "[warning] response shown but not saved; it may be missing next time")
		}
	}
	return nil
}

// printProgress polls the ledger and prints newly arrived assistant text
// until the session settles. Cumulative snapshots extend the previous
// text during a normal stream, so the unprinted suffix is appended; a
// snapshot that rewrites earlier text restarts the line.
func (r *repl) printProgress(sess *chat.Session) {
	var printed string
	ticker := time.NewTicker(80 * time.Millisecond)
	defer ticker.Stop()

	flush := func() {
		m, ok := lastAssistant(r.controller)
		if !ok {
			return
		}
		if m.Text == printed {
			return
		}
		if strings.HasPrefix(m.Text, printed) {
			fmt.Print(m.Text[len(printed):])
		} else {
			fmt.Print("\n" + m.Text)
		}
		printed = m.Text
	}

	for !sess.State().Terminal() {
		<-ticker.C
		flush()
	}
	flush()
}

// lastAssistant returns the most recent assistant message in the ledger.
func lastAssistant(c *chat.Controller) (model.Message, bool) {
	msgs := c.Ledger.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant {
			return msgs[i], true
		}
	}
	return model.Message{}, false
}

// =============================================================================
// SLASH COMMANDS
// =============================================================================

// handleCommand processes a slash command. The bool result is true when
// the loop should exit.
func (r *repl) handleCommand(ctx context.Context, input string) (bool, error) {
	parts := strings.Fields(input)
	cmd := strings.ToLower(parts[0])
	args := parts[1:]

	switch cmd {
	case "/help", "/h", "/?":
		printHelp()
		return false, nil

	case "/quit", "/q", "/exit":
		return true, nil

	case "/chats":
		return false, r.listChats(ctx)

	case "/open":
		if len(args) != 1 {
			return false, fmt.Errorf("usage: /open <chat-id>")
		}
		return false, r.openChat(ctx, args[0])

	case "/new":
		r.controller = nil
		r.session = nil
		fmt.Println("[new conversation]")
		return false, nil

	case "/rename":
		if len(args) < 1 {
			return false, fmt.Errorf("usage: /rename <name>")
		}
		if r.controller == nil || r.controller.ChatID() == "" {
			return false, fmt.Errorf("no open conversation")
		}
		name := strings.Join(args, " ")
		if err := r.store.RenameChat(ctx, r.controller.ChatID(), name); err != nil {
			return false, err
		}
		fmt.Printf("[renamed to %q]\n", name)
		return false, nil

	case "/archive":
		if r.controller == nil || r.controller.ChatID() == "" {
			return false, fmt.Errorf("no open conversation")
		}
		if err := r.store.ArchiveChat(ctx, r.controller.ChatID()); err != nil {
			return false, err
		}
		fmt.Println("[archived]")
		r.controller = nil
		r.session = nil
		return false, nil

	case "/retry":
		return false, r.retry(ctx)

	case "/stop":
		if r.controller == nil {
			return false, nil
		}
		r.controller.Cancel(ctx)
		fmt.Println("[stopped]")
		return false, nil

	case "/history":
		if r.controller == nil {
			fmt.Println("[no open conversation]")
			return false, nil
		}
		for _, m := range r.controller.Ledger.Messages() {
			printMessage(m)
		}
		return false, nil

	default:
		return false, fmt.Errorf("unknown command: %s (type /help for commands)", cmd)
	}
}

// retry re-issues the exchange behind the most recent failed assistant
// message.
func (r *repl) retry(ctx context.Context) error {
	if r.controller == nil {
		return fmt.Errorf("no open conversation")
	}
	var key string
	msgs := r.controller.Ledger.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == model.RoleAssistant && msgs[i].Status == model.StatusFailed {
			key = msgs[i].LocalKey
			break
		}
	}
	if key == "" {
		return fmt.Errorf("nothing to retry")
	}

	sess, err := r.controller.Retry(ctx, key)
	if err != nil {
		return err
	}
	r.session = sess
	return r.stream(ctx, sess)
}

// listChats prints the user's non-archived conversations.
func (r *repl) listChats(ctx context.Context) error {
	chats, err := r.store.ListChats(ctx, r.userID)
	if err != nil {
		return err
	}
	if len(chats) == 0 {
		fmt.Println("[no conversations yet]")
		return nil
	}
	for _, c := range chats {
		marker := " "
		if r.controller != nil && c.ChatID == r.controller.ChatID() {
			marker = "*"
		}
		fmt.Printf("%s %s  %s  (%s)\n", marker, c.ChatID, c.ChatName, c.CreatedAt.Format("2006-01-02 15:04"))
	}
	return nil
}

// =============================================================================
// DISPLAY
// =============================================================================

func printHelp() {
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  /chats           List conversations")
	fmt.Println("  /open <id>       Open a conversation")
	fmt.Println("  /new             Start a fresh conversation")
	fmt.Println("  /rename <name>   Rename the open conversation")
	fmt.Println("  /archive         Archive the open conversation")
	fmt.Println("  /retry           Retry the last failed response")
	fmt.Println("  /stop            Stop the in-flight response")
	fmt.Println("  /history         Reprint the open conversation")
	fmt.Println("  /quit            Exit")
	fmt.Println()
	fmt.Println("Ctrl+C stops an in-flight response; at the prompt it exits.")
	fmt.Println()
}

// printMessage prints one ledger entry with a role prefix.
func printMessage(m model.Message) {
	prefix := "you"
	if m.Role == model.RoleAssistant {
		prefix = " ai"
	}
	status := ""
	switch {
	case m.Status == model.StatusFailed:
		status = " [failed]"
	case m.SaveFailed:
		status = " [not saved]"
	}
	fmt.Printf("%s> %s%s\n", prefix, m.Text, status)
	if m.Role == model.RoleAssistant {
		printSources(m.Sources)
	}
}

// printSources prints citation records beneath an assistant message.
func printSources(sources []model.Source) {
	if len(sources) == 0 {
		return
	}
	fmt.Println("  sources:")
	for _, s := range sources {
		label := s.Metadata.Title
		if s.Metadata.LawName != "" {
			label = s.Metadata.LawName
			if s.Metadata.ArticleNumber != "" {
				label += ", " + s.Metadata.ArticleNumber
			}
		}
		if label == "" {
			label = s.ID
		}
		fmt.Printf("  - %s\n", label)
	}
}
