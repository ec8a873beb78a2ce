package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"

	"github.com/whisper/presence-relay/internal/client"
	"github.com/whisper/presence-relay/internal/config"
	"github.com/whisper/presence-relay/internal/protocol"
)

var serverEvents = []string{
	protocol.EventMessageReceived,
	protocol.EventTypingChanged,
	protocol.EventRoomEvent,
	protocol.EventRoomHistory,
	protocol.EventPresenceChanged,
	protocol.EventPresenceList,
	protocol.EventNotificationReceived,
	protocol.EventNotificationStatus,
	protocol.EventRateLimited,
	protocol.EventError,
}

// runListen connects as one identity and prints every event. Lines read from
// stdin are sent as messages, with a few slash commands:
//
//	/join <room>   /leave <room>   /who   /notify <identity> <type> <text>
//	/to <room>     switch the scope plain lines are sent to ("" is global)
func runListen(cfg config.Config, args []string) {
	fs := flag.NewFlagSet("listen", flag.ExitOnError)
	url := fs.String("url", cfg.RelayURL, "WebSocket relay URL")
	token := fs.String("token", "", "Access token (signed locally from -id when empty)")
	id := fs.String("id", "", "Identity to sign a token for")
	name := fs.String("name", "", "Display name for a locally signed token")
	rooms := fs.String("rooms", "", "Comma-separated rooms to join (rejoined after reconnect)")
	verbose := fs.Bool("v", false, "Log supervisor internals")
	fs.Parse(args)

	if *token == "" {
		if *id == "" {
			fatalf("listen: -token or -id is required")
		}
		t, err := issuer(cfg).Issue(*id, *name, 0)
		if err != nil {
			fatalf("listen: %v", err)
		}
		*token = t
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ccfg := cfg.Client()
	ccfg.URL = *url
	ccfg.Token = *token
	sup := client.NewSupervisor(ccfg, newLogger(*verbose))

	var mu sync.Mutex
	joined := splitRooms(*rooms)
	scope := ""
	if len(joined) > 0 {
		scope = joined[0]
	}

	sup.On(client.EventConnect, func(ev client.Event) {
		fmt.Printf("* connected %s\n", ev.Data)
		mu.Lock()
		rs := append([]string(nil), joined...)
		mu.Unlock()
		for _, r := range rs {
			if err := sup.Send(protocol.RoomJoin{RoomID: r}); err != nil {
				fmt.Printf("! join %s: %v\n", r, err)
			}
		}
	})
	sup.On(client.EventDisconnect, func(ev client.Event) {
		fmt.Printf("* disconnected: %s\n", ev.Reason)
	})
	sup.On(client.EventConnectError, func(ev client.Event) {
		fmt.Printf("! connect error: %s\n", ev.Reason)
	})
	sup.On(client.EventReconnectAttempt, func(ev client.Event) {
		fmt.Printf("* reconnect attempt %d\n", ev.Attempt)
	})
	sup.On(client.EventReconnectFailed, func(ev client.Event) {
		fmt.Printf("! gave up after %d attempts\n", ev.Attempt)
		stop()
	})
	for _, name := range serverEvents {
		sup.On(name, func(ev client.Event) {
			fmt.Printf("[%s] %s\n", ev.Name, ev.Data)
		})
	}

	if _, err := sup.Acquire(ctx); err != nil {
		fatalf("listen: %v", err)
	}
	defer sup.Disconnect()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			mu.Lock()
			ev, err := parseLine(line, &scope, &joined)
			mu.Unlock()
			if err != nil {
				fmt.Printf("! %v\n", err)
				continue
			}
			if ev == nil {
				continue
			}
			if err := sup.Send(ev); err != nil {
				fmt.Printf("! send: %v\n", err)
			}
		}
	}
}

// parseLine turns one input line into a client event. It returns nil for
// lines that only change local state.
func parseLine(line string, scope *string, joined *[]string) (protocol.ClientEvent, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return nil, nil
	}
	if !strings.HasPrefix(line, "/") {
		return protocol.MessageSend{Text: line, RoomID: *scope}, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case "/join":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: /join <room>")
		}
		*joined = append(*joined, fields[1])
		*scope = fields[1]
		return protocol.RoomJoin{RoomID: fields[1]}, nil
	case "/leave":
		if len(fields) != 2 {
			return nil, fmt.Errorf("usage: /leave <room>")
		}
		*joined = removeRoom(*joined, fields[1])
		if *scope == fields[1] {
			*scope = ""
		}
		return protocol.RoomLeave{RoomID: fields[1]}, nil
	case "/to":
		*scope = ""
		if len(fields) > 1 {
			*scope = fields[1]
		}
		return nil, nil
	case "/who":
		return protocol.PresenceQuery{}, nil
	case "/notify":
		if len(fields) < 4 {
			return nil, fmt.Errorf("usage: /notify <identity> <type> <text>")
		}
		return protocol.NotificationSend{
			ToIdentity: fields[1],
			Type:       fields[2],
			Message:    strings.Join(fields[3:], " "),
		}, nil
	default:
		return nil, fmt.Errorf("unknown command %s", fields[0])
	}
}

func splitRooms(s string) []string {
	var out []string
	for _, r := range strings.Split(s, ",") {
		if r = strings.TrimSpace(r); r != "" {
			out = append(out, r)
		}
	}
	return out
}

func removeRoom(rooms []string, room string) []string {
	out := rooms[:0]
	for _, r := range rooms {
		if r != room {
			out = append(out, r)
		}
	}
	return out
}
