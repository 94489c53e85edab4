// Command rtmcall is a terminal client: it logs into the fabric with the
// device identity, joins its own channel and the lobby, and drives the call
// handshake from typed commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/mossy-p/rtm-calling/config"
	"github.com/mossy-p/rtm-calling/internal/call"
	"github.com/mossy-p/rtm-calling/internal/identity"
	"github.com/mossy-p/rtm-calling/internal/logger"
	"github.com/mossy-p/rtm-calling/internal/models"
	"github.com/mossy-p/rtm-calling/internal/presence"
	"github.com/mossy-p/rtm-calling/internal/rtm"
	"github.com/mossy-p/rtm-calling/internal/session"
	"github.com/mossy-p/rtm-calling/internal/tokens"
)

const help = `commands:
  peers [channel]   list members of a channel (default: current)
  join <channel>    subscribe to a channel
  leave <channel>   unsubscribe from a channel
  call <peer>       invite a peer
  accept | reject   answer the pending invite
  hangup            end the call locally
  say <text>        send a chat message to the current channel
  quit`

// logMedia stands in for the media layer and only reports the joined flag.
type logMedia struct{ log *slog.Logger }

func (m logMedia) SetJoined(j call.MediaJoin, joined bool) {
	m.log.Info("media", "joined", joined, "app_id", j.AppID, "channel", j.Channel)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}
	logger.Init(logger.Config{
		Service: "rtmcall",
		Version: cfg.Logging.Version,
		Env:     cfg.Environment,
		Backend: logger.Backend(cfg.Logging.Backend),
		Debug:   cfg.Logging.Debug,
	})
	log := logger.L()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := rtm.NewWSClient(cfg.Client.FabricURL, rtm.Options{RPCTimeout: cfg.Client.RPCTimeout, Log: log})
	defer client.Close()

	sess := session.New(
		identity.NewProvider(identity.CollectLocal, log),
		tokens.NewClient(cfg.Client.TokenServerURL, cfg.Client.TokenExpire, cfg.Client.RPCTimeout),
		client,
		session.Options{
			LobbyChannel: cfg.Client.LobbyChannel,
			AppID:        cfg.Client.AppID,
			MediaChannel: cfg.Client.MediaChannel,
			Media:        logMedia{log: log},
			OnChat: func(msg models.Message, p models.Payload) {
				fmt.Printf("[%s] %s: %s\n", msg.ChannelName, msg.Publisher, p.Message)
			},
			Attach: func(tr *presence.Tracker, m *call.Machine) {
				go watch(ctx, tr.Subscribe(), m.Subscribe())
			},
			Log: log,
		},
	)
	if err := sess.Start(ctx); err != nil {
		log.Error("login failed", "err", err)
		os.Exit(1)
	}
	defer sess.Logout(context.Background())

	fmt.Printf("logged in as %s\n%s\n", sess.Self(), help)

	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := execute(ctx, sess, client, line, os.Stdout); quit {
				return
			}
		}
	}
}

// watch prints presence changes and call notifications.
func watch(ctx context.Context, changes <-chan presence.Change, notes <-chan call.Notification) {
	for {
		select {
		case <-ctx.Done():
			return
		case c := <-changes:
			verb := "left"
			if c.Joined {
				verb = "joined"
			}
			fmt.Printf("%s %s %s\n", c.Peer, verb, c.Channel)
		case n := <-notes:
			switch n.Kind {
			case call.InviteReceived:
				fmt.Printf("%s is calling you (accept/reject)\n", n.Peer)
			case call.StateChanged:
				fmt.Printf("call: %s\n", n.State)
			case call.InviteIgnored:
				fmt.Printf("missed call from %s (busy)\n", n.Peer)
			}
		}
	}
}

func execute(ctx context.Context, sess *session.Manager, client rtm.Client, line string, out io.Writer) (quit bool) {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	arg = strings.TrimSpace(arg)

	var err error
	switch cmd {
	case "":
	case "quit", "exit":
		return true
	case "peers":
		ch := arg
		if ch == "" {
			ch = sess.Channel()
		}
		fmt.Fprintf(out, "%s: %s\n", ch, strings.Join(sess.Tracker().CurrentPeers(ch), ", "))
	case "join":
		err = sess.Join(ctx, arg)
	case "leave":
		err = sess.Leave(ctx, arg)
	case "call":
		err = sess.Call(ctx, arg)
	case "accept":
		err = sess.Machine().Accept(ctx)
	case "reject":
		err = sess.Machine().Reject(ctx)
	case "hangup":
		err = sess.Machine().HangUp(ctx)
	case "say":
		_, err = client.Publish(ctx, sess.Channel(), models.EncodePayload(arg), rtm.PublishOptions{})
	default:
		fmt.Fprintln(out, help)
	}
	if err != nil {
		fmt.Fprintln(out, "error:", err)
	}
	return false
}
