// Package upgrade drives the PatchRAM Device Firmware Upgrade state machine
// over a transport.Host and exposes the single-call driver facade used by
// the CLI.
package upgrade

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/benbaker76/patchram/internal/hci"
	"github.com/benbaker76/patchram/internal/transport"
)

// Config carries the timing constants and behavior flags the upgrade loop
// needs. The defaults mirror performUpgrade's compiled-in values; they are
// load-bearing (see DefaultConfig).
type Config struct {
	InitialDelay   time.Duration
	PreResetDelay  time.Duration
	PostResetDelay time.Duration
	EventTimeout   time.Duration
	UseHandshake   bool
	ForceUpdate    bool
}

// DefaultConfig returns performUpgrade's compiled-in timing constants:
// initial=100ms, pre_reset=250ms, post_reset=100ms, hci_timeout=5000ms.
// ForceUpdate defaults true, matching the shipped behavior where the
// build>0 skip branch was compiled out.
func DefaultConfig() Config {
	return Config{
		InitialDelay:   100 * time.Millisecond,
		PreResetDelay:  250 * time.Millisecond,
		PostResetDelay: 100 * time.Millisecond,
		EventTimeout:   transport.DefaultTimeout,
		UseHandshake:   false,
		ForceUpdate:    true,
	}
}

// State is a tagged union of the upgrade machine's states. Each concrete type
// carries only the data relevant to that state (e.g. the next instruction
// index), so an unreachable transition cannot be represented at all.
type State interface {
	state()
}

type (
	StatePreInit         struct{}
	StateLocalVersion    struct{}
	StateUSBProduct      struct{}
	StateFirmwareVersion struct{}
	StateDLMiniDriver    struct{}
	StateMiniDriverDone  struct{}
	StateInstrWrite      struct{ Index int }
	StateInstrWritten    struct{ Index int }
	StateFirmwareWritten struct{}
	StateResetWrite      struct{}
	StateResetComplete   struct{}
	StateDoneOK          struct{}
	StateDoneSkipped     struct{}
	StateDoneAbort       struct{ Err error }
)

func (StatePreInit) state()         {}
func (StateLocalVersion) state()    {}
func (StateUSBProduct) state()      {}
func (StateFirmwareVersion) state() {}
func (StateDLMiniDriver) state()    {}
func (StateMiniDriverDone) state()  {}
func (StateInstrWrite) state()      {}
func (StateInstrWritten) state()    {}
func (StateFirmwareWritten) state() {}
func (StateResetWrite) state()      {}
func (StateResetComplete) state()   {}
func (StateDoneOK) state()          {}
func (StateDoneSkipped) state()     {}
func (StateDoneAbort) state()       {}

// IsTerminal reports whether s is one of the machine's three terminal
// states.
func IsTerminal(s State) bool {
	switch s.(type) {
	case StateDoneOK, StateDoneSkipped, StateDoneAbort:
		return true
	}
	return false
}

// Succeeded reports whether a terminal state counts as a successful run —
// true for DONE_OK and DONE_SKIPPED, false for DONE_ABORT.
func Succeeded(s State) bool {
	switch s.(type) {
	case StateDoneOK, StateDoneSkipped:
		return true
	}
	return false
}

// bmRequestType for HCI commands: OUT | CLASS | DEVICE.
const hciRequestType = 0x20

// eventBufferSize matches hciCommand's fixed 512-byte scratch buffer
// (BUFFER_SIZE 0x200), reused across reads for the lifetime of one Run call
// rather than reallocated per iteration.
const eventBufferSize = 512

// Machine drives one upgrade run against a transport.Host.
type Machine struct {
	host         transport.Host
	cfg          Config
	instructions [][]byte
	bulkOut      transport.PipeID
	interruptIn  transport.PipeID
	log          func(format string, args ...any)
}

// New builds a Machine against an already-opened host with its pipes
// discovered by the caller (normally the facade).
func New(host transport.Host, bulkOut, interruptIn transport.PipeID, instructions [][]byte, cfg Config, logf func(format string, args ...any)) *Machine {
	if logf == nil {
		logf = func(string, ...any) {}
	}
	return &Machine{host: host, cfg: cfg, instructions: instructions, bulkOut: bulkOut, interruptIn: interruptIn, log: logf}
}

// Run executes the state machine to completion and reports whether the
// upgrade succeeded. It never returns a non-nil error for protocol-level
// failures (those land in StateDoneAbort and are reflected in the bool); a
// non-nil error indicates the context was canceled before reaching a
// terminal state.
func (m *Machine) Run(ctx context.Context) (bool, error) {
	var state State = StatePreInit{}
	buf := make([]byte, eventBufferSize)

	for !IsTerminal(state) {
		if err := ctx.Err(); err != nil {
			m.abortPipes()
			return false, err
		}

		next, expectResponse, sendErr := m.step(ctx, state)
		if sendErr != nil {
			state = StateDoneAbort{Err: sendErr}
			continue
		}
		if !expectResponse {
			state = next
			continue
		}

		state = m.awaitResponse(ctx, next, buf)
	}

	m.abortPipes()

	m.log("final state: %T", state)
	if abort, ok := state.(StateDoneAbort); ok && abort.Err != nil {
		m.log("aborted: %v", abort.Err)
	}
	return Succeeded(state), nil
}

// abortPipes is called on every exit from the loop so any transfer still
// in flight on either pipe is released before the caller closes the device.
func (m *Machine) abortPipes() {
	_ = m.host.AbortPipe(m.interruptIn)
	_ = m.host.AbortPipe(m.bulkOut)
}

// awaitResponse repeatedly reads the interrupt-in pipe until an event
// advances waitState past itself, a non-timeout transport error forces
// DONE_ABORT, or the context is canceled. TransactionTimeout never changes
// state or re-sends the pending command — only the read is retried, per the
// load-bearing "permits slow vendor events" rule.
func (m *Machine) awaitResponse(ctx context.Context, waitState State, buf []byte) State {
	for {
		if err := ctx.Err(); err != nil {
			return StateDoneAbort{Err: err}
		}

		readCtx, cancel := m.withTimeout(ctx)
		n, err := m.host.InterruptIn(readCtx, m.interruptIn, buf)
		cancel()
		switch {
		case err == nil:
			ev, perr := hci.ParseEvent(buf[:n])
			if perr != nil {
				continue
			}
			if next, matched := m.classify(waitState, ev); matched {
				return next
			}
			continue

		case errors.Is(err, transport.ErrTimeout):
			continue

		case errors.Is(err, transport.ErrPipeStalled):
			_ = m.host.ClearStall(ctx, m.interruptIn)
			return StateDoneAbort{Err: err}

		case errors.Is(err, transport.ErrNotResponding):
			_ = m.host.ClearStall(ctx, m.interruptIn)
			return StateDoneAbort{Err: err}

		default:
			return StateDoneAbort{Err: err}
		}
	}
}

// step performs the action for the current state's place in the upgrade
// sequence: send the command (or bulk write) the state calls for, and report
// whether a response is expected and, if so, which state should be passed to
// classify once one arrives.
func (m *Machine) step(ctx context.Context, s State) (wait State, expectResponse bool, err error) {
	switch st := s.(type) {
	case StatePreInit:
		if err := m.sendCommand(ctx, hci.Reset()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateLocalVersion:
		time.Sleep(m.cfg.PostResetDelay)
		if err := m.sendCommand(ctx, hci.ReadLocalVersion()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateUSBProduct:
		if err := m.sendCommand(ctx, hci.ReadUSBProduct()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateFirmwareVersion:
		if err := m.sendCommand(ctx, hci.ReadVerboseConfig()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateDLMiniDriver:
		if err := m.sendCommand(ctx, hci.DownloadMiniDriver()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateMiniDriverDone:
		time.Sleep(m.cfg.InitialDelay)
		if len(m.instructions) == 0 {
			if err := m.sendCommand(ctx, hci.EndOfRecord()); err != nil {
				return nil, false, err
			}
			return StateInstrWrite{Index: 0}, true, nil
		}
		if err := m.bulkWrite(ctx, m.instructions[0]); err != nil {
			return nil, false, err
		}
		return StateInstrWrite{Index: 1}, true, nil

	case StateInstrWrite:
		if st.Index < len(m.instructions) {
			if err := m.bulkWrite(ctx, m.instructions[st.Index]); err != nil {
				return nil, false, err
			}
			return StateInstrWrite{Index: st.Index + 1}, true, nil
		}
		if err := m.sendCommand(ctx, hci.EndOfRecord()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateInstrWritten:
		return StateInstrWrite{Index: st.Index}, false, nil

	case StateFirmwareWritten:
		if m.cfg.UseHandshake {
			// No command to send: the controller emits an unsolicited
			// VENDOR event on its own once firmware is written.
			return st, true, nil
		}
		time.Sleep(m.cfg.PreResetDelay)
		if err := m.sendCommand(ctx, hci.Reset()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateResetWrite:
		if err := m.sendCommand(ctx, hci.Reset()); err != nil {
			return nil, false, err
		}
		return st, true, nil

	case StateResetComplete:
		time.Sleep(m.cfg.PostResetDelay)
		getStatusCtx, cancel := m.withTimeout(ctx)
		_, err := m.host.GetStatus(getStatusCtx)
		cancel()
		if err != nil {
			m.log("get status after reset: %v", err)
		}
		return StateDoneOK{}, false, nil

	default:
		return nil, false, fmt.Errorf("upgrade: unreachable state %T", s)
	}
}

// classify interprets an event received while waiting in waitState and
// returns the resulting state plus whether the event actually advanced it.
// A false second return means the event did not match what this state is
// waiting for and the caller should keep reading. The machine advances on
// receiving the matching opcode, regardless of the status byte carried in
// the event — a non-zero status on one of these vendor commands does not
// mean the controller rejected it, only that it is a real code worth
// logging.
func (m *Machine) classify(waitState State, ev hci.Event) (State, bool) {
	switch st := waitState.(type) {
	case StatePreInit:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReset {
			m.logStatus("HCI_RESET", status)
			return StateLocalVersion{}, true
		}
		return nil, false

	case StateLocalVersion:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReadLocalVersion {
			m.logStatus("READ_LOCAL_VERSION", status)
			if _, hciRev, _, _, lmpSubver, ok := hci.ParseLocalVersionResponse(ev); ok {
				m.log("Local Version: %s", hci.FormatVersion(lmpSubver, hciRev))
			}
			return StateUSBProduct{}, true
		}
		return nil, false

	case StateUSBProduct:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReadUSBProduct {
			m.logStatus("VSC_READ_USB_PRODUCT", status)
			if vid, pid, ok := hci.ParseUSBProductResponse(ev); ok {
				m.log("USB Product VendorId: 0x%04x ProductId: 0x%04x", vid, pid)
			}
			return StateFirmwareVersion{}, true
		}
		return nil, false

	case StateFirmwareVersion:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReadVerboseConfig {
			m.logStatus("VSC_READ_VERBOSE_CONFIG", status)
			chipsetID, build, ok := hci.ParseVerboseConfigResponse(ev)
			if ok {
				m.log("ChipsetID: %d Build: %d Firmware: v%d", chipsetID, build, build+0x1000)
			}
			if !m.cfg.ForceUpdate && ok && build > 0 {
				return StateDoneSkipped{}, true
			}
			return StateDLMiniDriver{}, true
		}
		return nil, false

	case StateDLMiniDriver:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpDownloadMiniDriver {
			m.logStatus("VSC_DOWNLOAD_MINIDRIVER", status)
			return StateMiniDriverDone{}, true
		}
		return nil, false

	case StateInstrWrite:
		opcode, status, ok := ev.CommandComplete()
		if !ok {
			return nil, false
		}
		switch opcode {
		case hci.OpLaunchRAM:
			m.logStatus("VSC_LAUNCH_RAM", status)
			return StateInstrWritten{Index: st.Index}, true
		case hci.OpEndOfRecord:
			m.logStatus("VSC_END_OF_RECORD", status)
			return StateFirmwareWritten{}, true
		}
		return nil, false

	case StateFirmwareWritten:
		if m.cfg.UseHandshake {
			if ev.Code == hci.EventVendor {
				return StateResetWrite{}, true
			}
			return nil, false
		}
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReset {
			m.logStatus("HCI_RESET", status)
			return StateResetComplete{}, true
		}
		return nil, false

	case StateResetWrite:
		if opcode, status, ok := ev.CommandComplete(); ok && opcode == hci.OpReset {
			m.logStatus("HCI_RESET", status)
			return StateResetComplete{}, true
		}
		return nil, false

	default:
		return nil, false
	}
}

// sendCommand frames and sends an HCI command over the default control
// pipe: bmRequestType = OUT|CLASS|DEVICE, bRequest=0, wValue=0, wIndex=0,
// wLength=len(cmd).
func (m *Machine) sendCommand(ctx context.Context, cmd []byte) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.host.ControlOut(ctx, hciRequestType, 0, 0, 0, cmd)
}

// bulkWrite writes one firmware instruction to the bulk OUT pipe under the
// same per-operation deadline as sendCommand.
func (m *Machine) bulkWrite(ctx context.Context, data []byte) error {
	ctx, cancel := m.withTimeout(ctx)
	defer cancel()
	return m.host.BulkOut(ctx, m.bulkOut, data)
}

// withTimeout derives a per-operation deadline from cfg.EventTimeout, the
// same bound hciCommand applies to every HCI read and write (its
// hci_timeout constant). Every command send, bulk write, interrupt-in read
// and GET_STATUS the machine makes goes through this so a wedged pipe
// surfaces as TransactionTimeout rather than blocking forever; ClearStall
// runs under the caller's context alone.
func (m *Machine) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if m.cfg.EventTimeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, m.cfg.EventTimeout)
}

// logStatus records a non-zero COMMAND_COMPLETE status. The machine still
// advances past it — a non-zero status on these vendor commands does not
// indicate rejection, only that it is worth surfacing.
func (m *Machine) logStatus(label string, status byte) {
	if status != 0 {
		m.log("%s: status 0x%02x", label, status)
	}
}
