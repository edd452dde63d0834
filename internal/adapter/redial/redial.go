// Package redial implements network.Redialer for dial-up hosts.
package redial

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/Strob0t/CrawlFleet/internal/port/network"
)

// Command redials by running a configured teardown command followed by a
// bring-up command, e.g. "poff dsl-provider" / "pon dsl-provider" on Linux or
// "rasdial /disconnect" / "rasdial <entry> <user> <pass>" on Windows.
type Command struct {
	down   []string
	up     []string
	settle time.Duration
	run    func(ctx context.Context, argv []string) error // for testing
}

var _ network.Redialer = (*Command)(nil)

// NewCommand creates a command redialer. down may be empty. settle is the
// pause between teardown and bring-up.
func NewCommand(down, up []string, settle time.Duration) *Command {
	return &Command{down: down, up: up, settle: settle, run: runCommand}
}

// Redial performs one teardown and bring-up cycle.
func (c *Command) Redial(ctx context.Context) error {
	if len(c.up) == 0 {
		return network.ErrRedialUnsupported
	}
	if len(c.down) > 0 {
		if err := c.run(ctx, c.down); err != nil {
			// The link may already be down; bring-up decides the attempt.
			slog.WarnContext(ctx, "redial teardown failed", "command", strings.Join(c.down, " "), "error", err)
		}
	}
	if c.settle > 0 {
		t := time.NewTimer(c.settle)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
	if err := c.run(ctx, c.up); err != nil {
		return fmt.Errorf("redial bring-up: %w", err)
	}
	return nil
}

func runCommand(ctx context.Context, argv []string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...) //nolint:gosec // G204: commands come from operator config
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(out.String()))
	}
	return nil
}

// Unsupported is the redialer of hosts without a dial-up uplink.
type Unsupported struct{}

var _ network.Redialer = Unsupported{}

// Redial always fails with network.ErrRedialUnsupported.
func (Unsupported) Redial(context.Context) error { return network.ErrRedialUnsupported }
