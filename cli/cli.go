// Package cli provides the plain-text operator console of the mythcore
// master: line input, output formatting and command dispatch.
package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/nathoo/mythcore/types"
)

// CLI reads commands line by line and prints their replies.
type CLI struct {
	Console *Console
	In      io.Reader
	Out     io.Writer
	// Trace prints notifications as they arrive.
	Trace     bool
	EchoInput bool // echo each input line after the prompt (for script playback)

	mu      sync.Mutex
	lastCmd string // for "again"/"g" repeat
}

// New creates a CLI over the standard streams.
func New(console *Console) *CLI {
	return &CLI{
		Console: console,
		In:      os.Stdin,
		Out:     os.Stdout,
	}
}

// Run loops: prompt, input, dispatch, output. It returns on quit, at the
// end of the input or when ctx is done.
func (c *CLI) Run(ctx context.Context) error {
	if line := c.Console.TimeLine(); line != "" {
		c.printSystem(line)
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(c.In)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		c.print("> ")
		var input string
		select {
		case <-ctx.Done():
			return ctx.Err()
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			input = strings.TrimSpace(line)
		}
		if input == "" || strings.HasPrefix(input, "#") {
			continue
		}
		if c.EchoInput {
			c.printLine(input)
		}

		// "again" / "g" repeats the last command.
		lower := strings.ToLower(input)
		if lower == "again" || lower == "g" {
			if c.lastCmd == "" {
				c.printSystem("Nothing to repeat.")
				continue
			}
			input = c.lastCmd
		} else {
			c.lastCmd = input
		}

		reply := c.Console.Dispatch(ctx, input)
		c.printReply(reply)
		if reply.Quit {
			return nil
		}
	}
}

// Notify prints a notification when tracing.
func (c *CLI) Notify(n types.Notification) {
	if !c.Trace {
		return
	}
	c.printSystem(FormatNotification(n))
}

func (c *CLI) printReply(reply Reply) {
	for _, line := range reply.Lines {
		if reply.Failed {
			c.printSystem(line)
		} else {
			c.printLine(line)
		}
	}
}

func (c *CLI) printLine(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintln(c.Out, text)
}

func (c *CLI) print(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprint(c.Out, text)
}

func (c *CLI) printSystem(text string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.Out, "[%s]\n", text)
}
