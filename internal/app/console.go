package app

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/MrWong99/hyperlive/internal/session"
	"github.com/MrWong99/hyperlive/internal/transcript"
)

// console prints status changes and finalized chat messages as plain lines.
type console struct {
	mu sync.Mutex
	w  io.Writer
}

func newConsole(w io.Writer) *console {
	return &console{w: w}
}

// status is a [session.StatusListener]. It runs on the controller loop and
// only writes.
func (c *console) status(s session.Status, err error) {
	if err != nil {
		c.printf("* %s: %v\n", s, err)
		return
	}
	c.printf("* %s\n", s)
}

// run prints messages until ctx is done or msgs is closed.
func (c *console) run(ctx context.Context, msgs <-chan transcript.Message) {
	for {
		select {
		case <-ctx.Done():
			return
		case m, ok := <-msgs:
			if !ok {
				return
			}
			c.message(m)
		}
	}
}

func (c *console) message(m transcript.Message) {
	label := "you"
	if m.Role == transcript.RoleModel {
		label = "model"
	}
	c.printf("[%s] %s: %s\n", m.CreatedAt.Format("15:04:05"), label, m.Text)
}

func (c *console) printf(format string, args ...any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	fmt.Fprintf(c.w, format, args...)
}
