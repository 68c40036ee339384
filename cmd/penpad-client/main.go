// Command penpad-client is a line-oriented terminal client for the sync
// server, mostly useful for demos and poking at a running server.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"

	"github.com/penpad/penpad/client"
	"github.com/penpad/penpad/protocol"
)

func main() {
	serverURL := flag.String("server", "http://localhost:9000", "server base URL")
	docID := flag.String("doc", "scratch", "document to join")
	name := flag.String("name", "", "display name")
	flag.Parse()

	if *name == "" {
		fmt.Printf("%s", color.YellowString("Enter your name: "))
		s := bufio.NewScanner(os.Stdin)
		s.Scan()
		*name = strings.TrimSpace(s.Text())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	c, err := client.Dial(ctx, *serverURL, *docID, client.Options{
		Name: *name,
		OnChange: func(content string) {
			color.Magenta("document is now: %q", content)
		},
		OnPresence: func(p protocol.Presence, left bool) {
			if left {
				color.Red("%s left", p.Name)
			} else {
				color.Green("%s is here (cursor %d)", p.Name, p.Cursor)
			}
		},
		OnError: func(err error) {
			color.Red("server rejected: %v", err)
		},
	})
	cancel()
	if err != nil {
		color.Red("connection error, exiting: %s", err)
		os.Exit(1)
	}
	defer c.Close()

	color.Green("\nWelcome %s! Joined %q @ %s", *name, *docID, *serverURL)
	color.Magenta("document is now: %q", c.Content())
	color.Yellow("commands: i <pos> <text> | d <pos> <n> | c <pos> | <text> to append | !q to exit")

	lines := make(chan string)
	go func() {
		s := bufio.NewScanner(os.Stdin)
		for s.Scan() {
			lines <- s.Text()
		}
		close(lines)
	}()

	for {
		fmt.Print("> ")
		select {
		case line, ok := <-lines:
			if !ok || line == "!q" {
				fmt.Println("Goodbye!")
				return
			}
			if err := run(c, line); err != nil {
				color.Red("error: %v", err)
			}
		case <-c.Done():
			color.Red("server closed the connection, exiting")
			return
		}
	}
}

// run interprets one input line against the shared document.
func run(c *client.Client, line string) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return nil
	}

	switch fields[0] {
	case "i":
		if len(fields) < 3 {
			return fmt.Errorf("usage: i <pos> <text>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad position %q", fields[1])
		}
		return c.Insert(pos, strings.Join(fields[2:], " "))

	case "d":
		if len(fields) != 3 {
			return fmt.Errorf("usage: d <pos> <n>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad position %q", fields[1])
		}
		n, err := strconv.Atoi(fields[2])
		if err != nil {
			return fmt.Errorf("bad count %q", fields[2])
		}
		return c.Delete(pos, n)

	case "c":
		if len(fields) != 2 {
			return fmt.Errorf("usage: c <pos>")
		}
		pos, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("bad position %q", fields[1])
		}
		return c.SetPresence(pos, pos)

	default:
		return c.Insert(c.Len(), line)
	}
}
