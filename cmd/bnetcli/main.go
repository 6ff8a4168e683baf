// bnetcli is the interactive lobby client: it logs in with SRP, joins
// chat, relays stdin lines as chat commands, and keeps the session alive
// with periodic pings. On connection loss it reconnects and logs back in.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/bnetd/bnetd/internal/client"
	"github.com/bnetd/bnetd/internal/protocol"
)

func main() {
	addr := flag.String("addr", "127.0.0.1:6112", "server address")
	user := flag.String("user", "", "account name")
	pass := flag.String("pass", "", "account password")
	channel := flag.String("channel", "The Void", "channel to join after login")
	timeout := flag.Duration("timeout", 8*time.Second, "connect timeout")
	verbose := flag.Bool("v", false, "verbose logging")
	flag.Parse()

	level := slog.LevelWarn
	if *verbose {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	if *user == "" || *pass == "" {
		fmt.Fprintln(os.Stderr, "usage: bnetcli -user NAME -pass PASSWORD [-addr HOST:PORT]")
		os.Exit(2)
	}

	// Input loop feeds this channel; the connection loop drains it, so a
	// reconnect never loses typed commands.
	inputCh := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for {
			fmt.Print("> ")
			if !scanner.Scan() {
				close(inputCh)
				return
			}
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			if line == "exit" {
				close(inputCh)
				return
			}
			inputCh <- line
		}
	}()

	for {
		if !runSession(*addr, *user, *pass, *channel, *timeout, inputCh, log) {
			return
		}
		fmt.Println("[bnetcli] disconnected, retrying in 3s...")
		time.Sleep(3 * time.Second)
	}
}

// runSession drives one connection until it drops. It reports false when
// the user asked to exit.
func runSession(addr, user, pass, channel string, timeout time.Duration, inputCh <-chan string, log *slog.Logger) bool {
	c, err := client.Dial(addr, timeout, log)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[bnetcli] connect failed: %v\n", err)
		return true
	}
	defer c.Close()

	if err := c.Login(user, pass); err != nil {
		fmt.Fprintf(os.Stderr, "[bnetcli] login failed: %v\n", err)
		return true
	}
	fmt.Printf("[bnetcli] logged in as %s\n", user)

	account, err := c.EnterChat(user, channel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "[bnetcli] enter chat failed: %v\n", err)
		return true
	}
	fmt.Printf("[bnetcli] joined %q as %s\n", channel, account)

	var alive atomic.Bool
	alive.Store(true)

	// Reply reader: pings come back here, as would any server chatter.
	go func() {
		for alive.Load() {
			p, err := c.ReadPacket()
			if err != nil {
				alive.Store(false)
				return
			}
			if p.Opcode == protocol.SidPing {
				continue
			}
			fmt.Printf("[server] %s\n", p.Opcode)
		}
	}()

	// Heartbeat keeps the session inside the server's idle deadline.
	go func() {
		ticker := time.NewTicker(20 * time.Second)
		defer ticker.Stop()
		for alive.Load() {
			<-ticker.C
			c.SendPing(rand.Uint32())
		}
	}()

	for alive.Load() {
		select {
		case line, ok := <-inputCh:
			if !ok {
				fmt.Println("[bnetcli] bye")
				return false
			}
			c.ChatCommand(line)
		case <-time.After(250 * time.Millisecond):
		}
	}
	return true
}
