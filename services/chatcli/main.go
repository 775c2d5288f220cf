// Command chatcli is a line-oriented chat client for the relay.
//
//	chatcli -user alice -token $(relay -mint alice) -room r1
//
// Lines not starting with '/' are sent to the current room. Type /help for commands.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/auditmarket/chat/internal/config"
	"github.com/auditmarket/chat/internal/logger"
	"github.com/auditmarket/chat/internal/model"
	"github.com/auditmarket/chat/internal/realtime"
)

const help = `commands:
  /join <room>            switch to a room
  /leave                  leave the current room
  /typing | /stop         start or stop the typing indicator
  /edit <id> <text>       edit one of your messages
  /delete <id>            delete one of your messages
  /react <id> <emoji>     add a reaction (/unreact to remove)
  /upload <path>          upload a file and post it
  /who                    who is typing
  /quit`

func main() {
	logger.SetPrefix("chatcli")
	cfg := config.Load()

	url := flag.String("url", cfg.Client.URL, "relay socket base URL")
	user := flag.String("user", os.Getenv("CHAT_USER"), "your user id")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "bearer token (relay -mint <user>)")
	name := flag.String("name", "", "display name on outgoing messages")
	room := flag.String("room", "", "room to join after connecting")
	flag.Parse()

	if *user == "" || *token == "" {
		fmt.Fprintln(os.Stderr, "chatcli: -user and -token are required")
		os.Exit(2)
	}
	displayName := *name
	if displayName == "" {
		displayName = *user
	}

	c := realtime.New(realtime.Options{
		URL:                  *url,
		DisplayName:          displayName,
		ConnectTimeout:       cfg.Client.ConnectTimeout(),
		BaseDelay:            cfg.Client.BaseDelay(),
		MaxReconnectAttempts: cfg.Client.MaxReconnectAttempts,
		TypingTTL:            cfg.Client.TypingTTL(),
	})
	subscribe(c, *user)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := c.Connect(ctx, *user, *token); err != nil {
		fmt.Fprintf(os.Stderr, "chatcli: connect: %v\n", err)
		os.Exit(1)
	}
	defer c.Disconnect()

	if *room != "" {
		if err := c.JoinRoom(*room); err != nil {
			fmt.Printf("! join %s: %v\n", *room, err)
		}
	}

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
			if quit := run(ctx, c, strings.TrimSpace(line)); quit {
				return
			}
		}
	}
}

func subscribe(c *realtime.Client, self string) {
	c.On(realtime.EventConnected, func(any) { fmt.Println("* connected") })
	c.On(realtime.EventDisconnected, func(data any) {
		if info, ok := data.(realtime.DisconnectInfo); ok && info.Err != nil {
			fmt.Printf("* disconnected: %v\n", info.Err)
		}
	})
	c.On(realtime.EventReconnecting, func(data any) {
		if info, ok := data.(realtime.ReconnectInfo); ok {
			fmt.Printf("* reconnecting (attempt %d in %v)\n", info.Attempt, info.Delay)
		}
	})
	c.On(realtime.EventReconnectFailed, func(data any) {
		fmt.Printf("* gave up reconnecting after %v attempts\n", data)
	})
	c.On(realtime.EventError, func(data any) {
		fmt.Printf("! %v\n", data)
	})
	c.On(realtime.EventMessage, func(data any) {
		m, ok := data.(model.ChatMessage)
		if !ok {
			return
		}
		who := m.SenderName
		if who == "" {
			who = m.SenderID
		}
		line := fmt.Sprintf("[%s] %s %s: %s", m.Timestamp.Local().Format("15:04"), m.ID, who, m.Content)
		if url, ok := m.Metadata["url"].(string); ok && url != "" {
			line += " <" + url + ">"
		}
		fmt.Println(line)
	})
	c.On(realtime.EventEdit, func(data any) {
		if p, ok := data.(model.EditPayload); ok {
			fmt.Printf("* %s edited: %s\n", p.MessageID, p.Content)
		}
	})
	c.On(realtime.EventDelete, func(data any) {
		if p, ok := data.(model.DeletePayload); ok {
			fmt.Printf("* %s deleted\n", p.MessageID)
		}
	})
	c.On(realtime.EventReaction, func(data any) {
		p, ok := data.(model.ReactionPayload)
		if !ok || p.UserID == self {
			return
		}
		verb := "reacted"
		if p.Removed {
			verb = "removed"
		}
		fmt.Printf("* %s %s %s on %s\n", p.UserName, verb, p.Emoji, p.MessageID)
	})
	c.On(realtime.EventJoin, func(data any) {
		if p, ok := data.(model.MembershipPayload); ok {
			fmt.Printf("* %s joined\n", firstNonEmpty(p.UserName, p.UserID))
		}
	})
	c.On(realtime.EventLeave, func(data any) {
		if p, ok := data.(model.MembershipPayload); ok {
			fmt.Printf("* %s left\n", firstNonEmpty(p.UserName, p.UserID))
		}
	})
	c.On(realtime.EventTypingChanged, func(data any) {
		if users, ok := data.([]string); ok && len(users) > 0 {
			fmt.Printf("* typing: %s\n", strings.Join(users, ", "))
		}
	})
}

// run executes one input line and reports whether the client should exit.
func run(ctx context.Context, c *realtime.Client, line string) bool {
	if line == "" {
		return false
	}
	if !strings.HasPrefix(line, "/") {
		room := c.ActiveRoom()
		if room == "" {
			fmt.Println("! /join a room first")
			return false
		}
		if _, err := c.SendMessage(room, line, model.MessageTypeText); err != nil {
			fmt.Printf("! send: %v\n", err)
		}
		c.StopTyping()
		return false
	}

	cmd, rest, _ := strings.Cut(line, " ")
	rest = strings.TrimSpace(rest)
	room := c.ActiveRoom()
	var err error
	switch cmd {
	case "/quit", "/exit":
		return true
	case "/help":
		fmt.Println(help)
	case "/join":
		err = c.JoinRoom(rest)
	case "/leave":
		err = c.LeaveRoom()
	case "/typing":
		err = c.StartTyping()
	case "/stop":
		err = c.StopTyping()
	case "/who":
		fmt.Printf("* typing: %v\n", c.TypingUsers())
	case "/edit":
		id, text, _ := strings.Cut(rest, " ")
		err = c.EditMessage(room, id, strings.TrimSpace(text))
	case "/delete":
		err = c.DeleteMessage(room, rest)
	case "/react", "/unreact":
		id, emoji, _ := strings.Cut(rest, " ")
		if cmd == "/react" {
			err = c.React(room, id, strings.TrimSpace(emoji))
		} else {
			err = c.Unreact(room, id, strings.TrimSpace(emoji))
		}
	case "/upload":
		err = upload(ctx, c, room, rest)
	default:
		fmt.Printf("! unknown command %s (try /help)\n", cmd)
	}
	if err != nil {
		fmt.Printf("! %s: %v\n", cmd, err)
	}
	return false
}

func upload(ctx context.Context, c *realtime.Client, room, path string) error {
	if room == "" {
		return errors.New("join a room first")
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	_, err = c.SendFile(ctx, room, path, f)
	return err
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}
