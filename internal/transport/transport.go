// Package transport adapts the USB operations a PatchRAM upgrade needs —
// opening a device, discovering its pipes, control/bulk/interrupt transfers,
// and stall recovery — behind an interface the state machine can drive
// without depending on a concrete USB stack.
package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/gousb"
)

// Direction is the data direction of a USB pipe.
type Direction int

const (
	DirectionOut Direction = iota
	DirectionIn
)

// TransferType is the USB transfer type of a pipe.
type TransferType int

const (
	TransferControl TransferType = iota
	TransferBulk
	TransferInterrupt
)

// PipeID is an opaque handle to a discovered pipe. Callers never see the
// underlying endpoint address; they obtain a PipeID from FindPipe and pass it
// back into the transfer methods.
type PipeID int

// Sentinel errors, checked with errors.Is by internal/upgrade.
var (
	ErrDeviceNotFound = errors.New("transport: device not found")
	ErrOpenFailed     = errors.New("transport: open failed")
	ErrControlFailed  = errors.New("transport: control transfer failed")
	ErrBulkFailed     = errors.New("transport: bulk transfer failed")
	ErrPipeStalled    = errors.New("transport: pipe stalled")
	ErrTimeout        = errors.New("transport: timeout")
	ErrAborted        = errors.New("transport: transfer aborted")
	ErrNoDevice       = errors.New("transport: device disconnected")
	ErrNotResponding  = errors.New("transport: device not responding")
	ErrPipeNotFound   = errors.New("transport: no matching pipe")
)

// Host is the set of USB operations the upgrade state machine and facade
// need. Its one production implementation, Device, is backed by gousb; tests
// drive the state machine against an in-memory stub instead.
type Host interface {
	Open(ctx context.Context, vid, pid uint16) error
	FindPipe(dir Direction, tt TransferType) (PipeID, error)
	ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) error
	BulkOut(ctx context.Context, pipe PipeID, data []byte) error
	InterruptIn(ctx context.Context, pipe PipeID, buf []byte) (int, error)
	ClearStall(ctx context.Context, pipe PipeID) error
	AbortPipe(pipe PipeID) error
	GetStatus(ctx context.Context) (uint16, error)
	Close() error
}

// pipe records the endpoint address and kind backing a PipeID.
type pipe struct {
	addr int
	dir  Direction
	tt   TransferType
	out  *gousb.OutEndpoint
	in   *gousb.InEndpoint
}

// Device is the gousb-backed implementation of Host: it opens, claims, and
// tears down a gousb.Device — context, device, config, interface, each
// closed in reverse order.
type Device struct {
	ctx    *gousb.Context
	dev    *gousb.Device
	config *gousb.Config
	intf   *gousb.Interface
	pipes  []pipe
}

// Open finds and claims the device identified by vid/pid, selecting its
// first configuration and first interface setting.
func (d *Device) Open(ctx context.Context, vid, pid uint16) error {
	d.ctx = gousb.NewContext()

	dev, err := d.ctx.OpenDeviceWithVIDPID(gousb.ID(vid), gousb.ID(pid))
	if err != nil {
		d.ctx.Close()
		d.ctx = nil
		return fmt.Errorf("transport: open device 0x%04x:0x%04x: %w", vid, pid, ErrOpenFailed)
	}
	if dev == nil {
		d.ctx.Close()
		d.ctx = nil
		return fmt.Errorf("transport: device 0x%04x:0x%04x: %w", vid, pid, ErrDeviceNotFound)
	}
	d.dev = dev

	config, err := d.dev.Config(1)
	if err != nil {
		d.Close()
		return fmt.Errorf("transport: set config: %w", ErrOpenFailed)
	}
	d.config = config

	intf, err := d.config.Interface(0, 0)
	if err != nil {
		d.Close()
		return fmt.Errorf("transport: claim interface: %w", ErrOpenFailed)
	}
	d.intf = intf

	for addr, desc := range d.intf.Setting.Endpoints {
		p := pipe{addr: int(addr), tt: transferTypeFrom(desc.TransferType)}
		if desc.Direction == gousb.EndpointDirectionIn {
			p.dir = DirectionIn
			in, err := d.intf.InEndpoint(int(addr))
			if err != nil {
				continue
			}
			p.in = in
		} else {
			p.dir = DirectionOut
			out, err := d.intf.OutEndpoint(int(addr))
			if err != nil {
				continue
			}
			p.out = out
		}
		d.pipes = append(d.pipes, p)
	}

	return nil
}

func transferTypeFrom(tt gousb.TransferType) TransferType {
	switch tt {
	case gousb.TransferTypeBulk:
		return TransferBulk
	case gousb.TransferTypeInterrupt:
		return TransferInterrupt
	default:
		return TransferControl
	}
}

// FindPipe returns the opaque handle of the first discovered pipe matching
// dir and tt.
func (d *Device) FindPipe(dir Direction, tt TransferType) (PipeID, error) {
	for i, p := range d.pipes {
		if p.dir == dir && p.tt == tt {
			return PipeID(i), nil
		}
	}
	return -1, ErrPipeNotFound
}

func (d *Device) resolve(id PipeID) (*pipe, error) {
	if int(id) < 0 || int(id) >= len(d.pipes) {
		return nil, ErrPipeNotFound
	}
	return &d.pipes[id], nil
}

// ControlOut issues a host-to-device control transfer, used to drive
// HCI commands on devices whose command path is the USB control pipe rather
// than a dedicated bulk OUT endpoint.
func (d *Device) ControlOut(ctx context.Context, requestType, request uint8, value, index uint16, data []byte) error {
	_, err := d.dev.Control(requestType, request, value, index, data)
	if err != nil {
		return classifyErr(err, ErrControlFailed)
	}
	return nil
}

// BulkOut writes data to the bulk OUT pipe identified by id.
func (d *Device) BulkOut(ctx context.Context, id PipeID, data []byte) error {
	p, err := d.resolve(id)
	if err != nil {
		return err
	}
	if p.out == nil {
		return ErrPipeNotFound
	}
	_, err = p.out.WriteContext(ctx, data)
	if err != nil {
		return classifyErr(err, ErrBulkFailed)
	}
	return nil
}

// InterruptIn reads one event off the interrupt IN pipe identified by id,
// blocking until data arrives, the context is canceled, or the device stalls.
func (d *Device) InterruptIn(ctx context.Context, id PipeID, buf []byte) (int, error) {
	p, err := d.resolve(id)
	if err != nil {
		return 0, err
	}
	if p.in == nil {
		return 0, ErrPipeNotFound
	}
	n, err := p.in.ReadContext(ctx, buf)
	if err != nil {
		return n, classifyErr(err, ErrBulkFailed)
	}
	return n, nil
}

// ClearStall issues a standard CLEAR_FEATURE(ENDPOINT_HALT) control request
// against the pipe's endpoint address — gousb has no direct clear_halt
// wrapper over the underlying libusb call, so this is done at the
// specification level instead.
func (d *Device) ClearStall(ctx context.Context, id PipeID) error {
	p, err := d.resolve(id)
	if err != nil {
		return err
	}
	const (
		requestTypeEndpointOut = 0x02
		requestClearFeature    = 0x01
		featureEndpointHalt    = 0x00
	)
	_, err = d.dev.Control(requestTypeEndpointOut, requestClearFeature, featureEndpointHalt, uint16(p.addr), nil)
	if err != nil {
		return fmt.Errorf("transport: clear stall on pipe %d: %w", id, ErrControlFailed)
	}
	return nil
}

// AbortPipe cancels any in-flight transfer on the given pipe. gousb transfers
// are already bound to the context passed into *Context methods, so aborting
// a pipe is done by the caller canceling that context; this records no
// additional per-pipe state and exists so Host callers have a symmetric,
// explicit abort step to call during DONE_ABORT cleanup.
func (d *Device) AbortPipe(id PipeID) error {
	if _, err := d.resolve(id); err != nil {
		return err
	}
	return nil
}

// GetStatus issues a standard GET_STATUS(device) control request, used by the
// upgrade state machine in RESET_COMPLETE to check the device after its final
// reset.
func (d *Device) GetStatus(ctx context.Context) (uint16, error) {
	const (
		requestTypeDeviceIn = 0x80
		requestGetStatus    = 0x00
	)
	buf := make([]byte, 2)
	_, err := d.dev.Control(requestTypeDeviceIn, requestGetStatus, 0, 0, buf)
	if err != nil {
		return 0, fmt.Errorf("transport: get status: %w", ErrNotResponding)
	}
	return uint16(buf[0]) | uint16(buf[1])<<8, nil
}

// Close releases the interface, configuration, device, and context in
// reverse acquisition order.
func (d *Device) Close() error {
	if d.intf != nil {
		d.intf.Close()
		d.intf = nil
	}
	if d.config != nil {
		d.config.Close()
		d.config = nil
	}
	if d.dev != nil {
		d.dev.Close()
		d.dev = nil
	}
	if d.ctx != nil {
		d.ctx.Close()
		d.ctx = nil
	}
	d.pipes = nil
	return nil
}

// classifyErr maps a gousb/libusb transfer error to one of this package's
// sentinels. Only context errors are told apart, with errors.Is: a deadline
// becomes ErrTimeout and a cancellation becomes ErrAborted. Every other
// failure, a stalled endpoint or a disconnected device included, is wrapped
// in fallback, so ErrPipeStalled, ErrNoDevice and ErrNotResponding are never
// returned from here.
func classifyErr(err error, fallback error) error {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("%w: %v", ErrAborted, err)
	}
	return fmt.Errorf("%w: %v", fallback, err)
}

// DefaultTimeout bounds a single HCI transfer — command, bulk write, or
// event read — matching hciCommand's hci_timeout constant (5000ms).
// upgrade.DefaultConfig uses this as its EventTimeout.
const DefaultTimeout = 5 * time.Second
