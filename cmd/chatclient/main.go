// Command chatclient is a headless chat and call client for the relay.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/samber/lo"

	"github.com/slasso10/chat-multiple/internal/client"
	"github.com/slasso10/chat-multiple/internal/config"
	"github.com/slasso10/chat-multiple/internal/media"
	"github.com/slasso10/chat-multiple/internal/models"
	"github.com/slasso10/chat-multiple/internal/rpc"
	"github.com/slasso10/chat-multiple/internal/signaling"
)

const helpText = `commands:
  /users                      list registered users
  /chats                      reload the conversation list
  /open <id> [group]          open a conversation
  /group <name> <id> [id...]  create a group
  /add <group-id> <id>...     add members to a group
  /call [id] [video]          call a user (the open conversation by default)
  /accept /reject /hangup     answer, decline or end a call
  /mute                       toggle the microphone
  /quit                       log out and exit
anything else is sent to the open conversation`

func main() {
	cfg := config.LoadClient()
	flag.StringVar(&cfg.APIURL, "api", cfg.APIURL, "relay base URL")
	flag.StringVar(&cfg.UserID, "user", cfg.UserID, "user id to register as")
	flag.StringVar(&cfg.UserName, "name", cfg.UserName, "display name")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: config.ParseLevel(cfg.LogLevel)}))
	slog.SetDefault(logger)

	if cfg.UserID == "" {
		logger.Error("a user id is required (-user or CHAT_USER_ID)")
		os.Exit(2)
	}
	if err := run(cfg, os.Stdin, os.Stdout, logger); err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("client stopped", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.ClientConfig, in io.Reader, out io.Writer, logger *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	engine, err := media.NewEngine(cfg.STUNServers, media.WithLogger(logger))
	if err != nil {
		return err
	}

	api := rpc.NewHTTPClient(cfg.APIURL, rpc.WithLogger(logger))
	wsURL := strings.TrimRight(cfg.APIURL, "/") + "/api/ws"
	ui := newTerminalUI(out, logger)

	c := client.New(client.Config{
		Service: api,
		Media:   engine,
		UI:      ui,
		Dial: func(ctx context.Context, token string) (client.Transport, error) {
			tr, err := signaling.Dial(ctx, wsURL, token, signaling.WithLogger(logger))
			if err != nil {
				return nil, err
			}
			return tr, nil
		},
		Logger:          logger,
		RefreshDelay:    cfg.RefreshDelay,
		ReconcileWindow: cfg.ReconcileWindow,
		OfferTimeout:    cfg.OfferTimeout,
	})

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	name := cfg.UserName
	if name == "" {
		name = cfg.UserID
	}
	if err := c.Login(ctx, cfg.UserID, name); err != nil {
		stop()
		<-runErr
		return fmt.Errorf("login: %w", err)
	}
	fmt.Fprintf(out, "logged in as %s, /help for commands\n", cfg.UserID)

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	r := &repl{client: c, ui: ui, out: out}
	for {
		select {
		case err := <-runErr:
			return err
		case line, ok := <-lines:
			if !ok || !r.handle(ctx, strings.TrimSpace(line)) {
				logoutCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				if err := c.Logout(logoutCtx); err != nil && !errors.Is(err, client.ErrNotLoggedIn) {
					logger.Warn("logout failed", "error", err)
				}
				cancel()
				stop()
				return <-runErr
			}
		}
	}
}

type repl struct {
	client *client.Client
	ui     *terminalUI
	out    io.Writer
}

// handle runs one input line and reports whether the loop should go on.
func (r *repl) handle(ctx context.Context, line string) bool {
	if line == "" {
		return true
	}
	if !strings.HasPrefix(line, "/") {
		r.report("send", r.client.SendMessage(ctx, line))
		return true
	}

	fields := strings.Fields(line)
	cmd, args := fields[0], fields[1:]
	switch cmd {
	case "/quit", "/exit":
		return false
	case "/help":
		fmt.Fprintln(r.out, helpText)
	case "/users":
		users, err := r.client.RefreshUsers(ctx)
		if r.report("users", err) {
			for _, u := range users {
				fmt.Fprintf(r.out, "  %-12s %s\n", u.ID, u.Name)
			}
		}
	case "/chats":
		r.report("chats", r.client.RefreshChats(ctx))
	case "/open":
		if len(args) == 0 {
			fmt.Fprintln(r.out, "usage: /open <id> [group]")
			break
		}
		isGroup := len(args) > 1 && args[1] == "group"
		r.report("open", r.client.OpenConversation(ctx, args[0], r.displayName(ctx, args[0], isGroup), isGroup))
	case "/group":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "usage: /group <name> <id> [id...]")
			break
		}
		sum, err := r.client.CreateGroup(ctx, args[0], args[1:])
		if r.report("group", err) {
			fmt.Fprintf(r.out, "created %s (%s)\n", sum.ChatName, sum.ChatID)
		}
	case "/add":
		if len(args) < 2 {
			fmt.Fprintln(r.out, "usage: /add <group-id> <id>...")
			break
		}
		r.report("add", r.client.AddMembers(ctx, args[0], args[1:]))
	case "/call":
		r.startCall(ctx, args)
	case "/accept":
		r.report("accept", r.client.AcceptCall(ctx))
	case "/reject":
		r.report("reject", r.client.RejectCall(ctx))
	case "/hangup":
		r.report("hangup", r.client.EndCall(ctx))
	case "/mute":
		muted, err := r.client.ToggleMute(ctx)
		if r.report("mute", err) {
			fmt.Fprintf(r.out, "muted: %t\n", muted)
		}
	default:
		fmt.Fprintf(r.out, "unknown command %s, /help for commands\n", cmd)
	}
	return true
}

func (r *repl) startCall(ctx context.Context, args []string) {
	opts := models.MediaOptions{Audio: true, Video: lo.Contains(args, "video")}
	peers := lo.Without(args, "video")
	var peerID string
	if len(peers) > 0 {
		peerID = peers[0]
	} else {
		active, ok := r.client.Store().Active()
		if !ok || active.IsGroup {
			fmt.Fprintln(r.out, "open a direct conversation or name the user to call")
			return
		}
		peerID = active.ID
	}
	r.report("call", r.client.StartCall(ctx, peerID, opts))
}

func (r *repl) displayName(ctx context.Context, id string, isGroup bool) string {
	if isGroup {
		return id
	}
	// Refreshing populates the directory the name is resolved from.
	if _, err := r.client.RefreshUsers(ctx); err != nil {
		return id
	}
	return r.client.Store().UserName(id)
}

func (r *repl) report(op string, err error) bool {
	if err != nil {
		r.ui.ReportError(op, err)
		return false
	}
	return true
}
