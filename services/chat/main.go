// Command chat is a terminal client for the sync engine, mainly useful
// against a local syncd instance:
//
//	chat -user alice -room lobby
//
// Lines typed on stdin are sent as messages; the client prints messages,
// typing indicators, presence changes and connectivity transitions as they
// happen.
package main

import (
	"bufio"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/roomsync/internal/client"
	"github.com/roomsync/internal/config"
	"github.com/roomsync/internal/conn"
	"github.com/roomsync/internal/logger"
	"github.com/roomsync/internal/wire"
)

func main() {
	logger.SetPrefix("chat")
	user := flag.String("user", "", "user id to connect as")
	roomID := flag.String("room", "lobby", "room to join")
	tokenURL := flag.String("token-url", "http://localhost:8090/token", "dev token endpoint (empty to use SYNC_TOKEN env)")
	flag.Parse()

	if *user == "" {
		fmt.Fprintln(os.Stderr, "usage: chat -user <id> [-room <room>]")
		os.Exit(2)
	}

	cfg := config.Load()

	credential := os.Getenv("SYNC_TOKEN")
	if credential == "" && *tokenURL != "" {
		var err error
		credential, err = fetchDevToken(*tokenURL, *user)
		if err != nil {
			fmt.Fprintf(os.Stderr, "fetch token: %v\n", err)
			os.Exit(1)
		}
	}

	c := client.New(cfg, *user, credential)
	defer c.Close()

	c.OnConnectionState(func(change conn.StateChange) {
		fmt.Printf("* connection: %s", change.State)
		if change.Reason != "" {
			fmt.Printf(" (%s)", change.Reason)
		}
		fmt.Println()
	})
	c.OnMessagesChanged(func(rid string) {
		msgs := c.Messages(rid)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		fmt.Printf("[%s] %s: %s (%s)\n", rid, last.AuthorID, last.Content, last.DeliveryState)
	})
	c.OnTypingChanged(func(rid string) {
		var names []string
		for _, t := range c.TypingUsers(rid) {
			names = append(names, t.UserID)
		}
		if len(names) > 0 {
			fmt.Printf("* typing in %s: %s\n", rid, strings.Join(names, ", "))
		}
	})
	c.OnPresenceChanged(func(rid string) {
		online := 0
		for _, p := range c.Presence(rid) {
			if p.Online {
				online++
			}
		}
		fmt.Printf("* presence in %s: %d online\n", rid, online)
	})
	c.OnError(func(p wire.ErrorPayload) {
		fmt.Printf("* server error: %s %s\n", p.Code, p.Message)
	})

	if err := c.Connect(); err != nil {
		fmt.Fprintf(os.Stderr, "connect: %v\n", err)
		os.Exit(1)
	}
	c.JoinRoom(*roomID)
	c.SetActiveRoom(*roomID)

	go readInput(c, *roomID)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	c.Disconnect()
}

func readInput(c *client.Client, roomID string) {
	sc := bufio.NewScanner(os.Stdin)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		c.SendTypingIndicator(roomID, true)
		if _, err := c.SendMessage(roomID, line, "", ""); err != nil {
			fmt.Fprintf(os.Stderr, "send: %v\n", err)
		}
		c.SendTypingIndicator(roomID, false)
	}
}

func fetchDevToken(endpoint, userID string) (string, error) {
	resp, err := http.Post(fmt.Sprintf("%s?user_id=%s", endpoint, userID), "application/json", nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("token endpoint status %d", resp.StatusCode)
	}
	var payload struct {
		Token string `json:"token"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", err
	}
	return payload.Token, nil
}
