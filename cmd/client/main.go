// Command client is a terminal relay client: it connects to the signal
// endpoint, prints presence and chat traffic, and drives calls through
// the negotiation state machine with pion media sessions.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"chatrelay/internal/adapters/rtc"
	"chatrelay/internal/call"
	"chatrelay/internal/domain"
	"chatrelay/pkg/client"
	"chatrelay/pkg/protocol"
)

func main() {
	var (
		url   = flag.String("url", "ws://localhost:8080/api/ws", "relay signal endpoint")
		token = flag.String("token", "", "auth token (JWT); empty connects as a presence-only guest")
		id    = flag.String("id", "", "local user id, matching the token's identity")
		name  = flag.String("name", "", "display name sent on invites")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.WarnLevel)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	c, err := client.Dial(ctx, *url, *token)
	if err != nil {
		log.Fatal().Err(err).Str("url", *url).Msg("failed to connect")
	}
	defer c.Close()

	local := domain.User{ID: domain.UserID(*id), Username: *name}

	// The media factory reports ICE failure back into the session so its
	// retry policy runs; session is assigned before any frame can flow.
	var session *call.Session
	factory := rtc.Factory(rtc.DefaultWebRTCConfig(), func(err error) {
		session.NegotiationFailed(err)
	})
	session = call.NewSession(local, c, factory, call.NopAlerter{}, call.DefaultConfig())
	session.OnIncoming(func(from domain.UserID, name string) {
		fmt.Printf("incoming call from %s (%s): accept | reject\n", name, from)
	})
	session.OnEnded(func(reason string) {
		fmt.Printf("call ended: %s\n", reason)
	})

	go func() {
		err := c.Listen(ctx, func(kind protocol.Kind, raw []byte) {
			dispatch(ctx, session, kind, raw)
		})
		if err != nil && ctx.Err() == nil {
			log.Error().Err(err).Msg("connection lost")
		}
		cancel()
	}()

	repl(ctx, cancel, c, session)
}

func dispatch(ctx context.Context, session *call.Session, kind protocol.Kind, raw []byte) {
	switch {
	case kind.IsSignal():
		var f protocol.SignalFrame
		if err := json.Unmarshal(raw, &f); err != nil {
			log.Warn().Err(err).Msg("malformed signal frame")
			return
		}
		session.HandleFrame(ctx, f)
	case kind == protocol.KindOnlineUsers:
		var p protocol.PresencePayload
		if err := json.Unmarshal(raw, &p); err != nil {
			return
		}
		names := make([]string, 0, len(p.Online))
		for _, u := range p.Online {
			names = append(names, fmt.Sprintf("%s (%s)", u.Username, u.UserID))
		}
		fmt.Printf("online: %s\n", strings.Join(names, ", "))
	case kind == protocol.KindChatMessage:
		var m protocol.ChatDelivery
		if err := json.Unmarshal(raw, &m); err != nil {
			return
		}
		fmt.Printf("[%s -> %s] %s\n", m.Sender, m.Recipient, m.Text)
	}
}

func repl(ctx context.Context, cancel context.CancelFunc, c *client.Client, session *call.Session) {
	scanner := bufio.NewScanner(os.Stdin)
	fmt.Println("commands: call <id> | accept | reject | hangup | msg <id> <text> | quit")
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		fields := strings.Fields(scanner.Text())
		if len(fields) == 0 {
			continue
		}
		var err error
		switch fields[0] {
		case "call":
			if len(fields) != 2 {
				fmt.Println("usage: call <id>")
				continue
			}
			err = session.Invite(domain.UserID(fields[1]))
		case "accept":
			err = session.Accept(ctx)
		case "reject":
			err = session.Reject()
		case "hangup":
			session.Hangup()
		case "msg":
			if len(fields) < 3 {
				fmt.Println("usage: msg <id> <text>")
				continue
			}
			err = c.SendChat(domain.UserID(fields[1]), strings.Join(fields[2:], " "))
		case "quit":
			session.Hangup()
			cancel()
			return
		default:
			fmt.Println("unknown command:", fields[0])
		}
		if err != nil {
			fmt.Println("error:", err)
		}
	}
}
