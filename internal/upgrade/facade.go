package upgrade

import (
	"context"
	"fmt"

	"github.com/benbaker76/patchram/internal/hci"
	"github.com/benbaker76/patchram/internal/transport"
)

// Upgrade opens the controller identified by vid/pid, discovers its bulk-out
// and interrupt-in pipes, drives the state machine against the parsed
// firmware instructions, and closes the device on every exit path —
// success, abort, or context cancellation.
func Upgrade(ctx context.Context, host transport.Host, vid, pid uint16, instructions [][]byte, cfg Config, logf func(format string, args ...any)) (bool, error) {
	if logf == nil {
		logf = func(string, ...any) {}
	}

	if err := host.Open(ctx, vid, pid); err != nil {
		return false, fmt.Errorf("upgrade: open device: %w", err)
	}
	defer host.Close()

	bulkOut, err := host.FindPipe(transport.DirectionOut, transport.TransferBulk)
	if err != nil {
		return false, fmt.Errorf("upgrade: find bulk-out pipe: %w", err)
	}
	interruptIn, err := host.FindPipe(transport.DirectionIn, transport.TransferInterrupt)
	if err != nil {
		return false, fmt.Errorf("upgrade: find interrupt-in pipe: %w", err)
	}

	useHandshake := cfg.UseHandshake || hci.SupportsHandshake(vid, pid)
	cfg.UseHandshake = useHandshake

	m := New(host, bulkOut, interruptIn, instructions, cfg, logf)
	return m.Run(ctx)
}
