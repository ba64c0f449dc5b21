// Package hcall is the guest-visible hypercall surface of the interrupt
// controller and doorbells.
//
// A hypercall carries its token in r11 and arguments in r3 upwards. On
// return r3 holds the status and r4 upwards hold results.
package hcall

import (
	"errors"
	"log/slog"
	"math"

	"github.com/tinyrange/vpic/internal/handle"
	"github.com/tinyrange/vpic/internal/spinlock"
	"github.com/tinyrange/vpic/internal/vpic"
)

// Token selects a hypercall.
type Token uint32

const (
	TokenVMPICSetIntConfig Token = 0x10
	TokenVMPICGetIntConfig Token = 0x11
	TokenVMPICSetMask      Token = 0x12
	TokenVMPICGetMask      Token = 0x13
	TokenVMPICEOI          Token = 0x14
	TokenVMPICIAck         Token = 0x15
	TokenVMPICGetActivity  Token = 0x16
	TokenDoorbellSend      Token = 0x20

	tokenCount = 0x21
)

// Status codes returned in r3.
const (
	StatusOK            uint64 = 0
	StatusEPERM         uint64 = 1
	StatusEINVAL        uint64 = 22
	StatusConfig        uint64 = 1025
	StatusInvalidState  uint64 = 1026
	StatusUnimplemented uint64 = 1027
)

// SpuriousVector is returned by an acknowledge that finds nothing to
// deliver.
const SpuriousVector uint64 = 0xffff

// ErrPermissionDenied is returned when a guest reprograms a source the
// hypervisor has locked.
var ErrPermissionDenied = errors.New("hcall: permission denied")

var (
	errVectorRange = errors.New("hcall: vector out of range")
	errOtherCore   = errors.New("hcall: source is delivered to another core")
)

// Regs is the general purpose register file of the calling core.
type Regs struct {
	GPR [32]uint64
}

// Resampler re-asserts a physical line that is still held high.
type Resampler interface {
	Resample(c spinlock.CPU, line uint32)
}

// Context is what a hypercall knows about its caller.
type Context struct {
	// CPU is the physical core taking the trap.
	CPU spinlock.CPU

	// VPIC is the calling virtual core's interrupt controller.
	VPIC *vpic.Table

	// Handles is the calling guest's handle table.
	Handles *handle.Table

	// Kick is invoked after an EOI that leaves work deliverable.
	Kick vpic.Unblocker

	// Lines, if set, is asked to resample a hardware line after the guest
	// unmasks the source shadowing it.
	Lines Resampler

	Log *slog.Logger
}

type handler func(ctx *Context, regs *Regs) error

var handlers [tokenCount]handler

func init() {
	handlers[TokenVMPICSetIntConfig] = setIntConfig
	handlers[TokenVMPICGetIntConfig] = getIntConfig
	handlers[TokenVMPICSetMask] = setMask
	handlers[TokenVMPICGetMask] = getMask
	handlers[TokenVMPICEOI] = eoi
	handlers[TokenVMPICIAck] = iack
	handlers[TokenVMPICGetActivity] = getActivity
	handlers[TokenDoorbellSend] = doorbellSend
}

// Dispatch runs the hypercall selected by r11 and writes its status to r3.
// Every failure is attributed to the guest; none of them is fatal to the
// hypervisor.
func Dispatch(ctx *Context, regs *Regs) {
	token := regs.GPR[11]
	if token >= tokenCount || handlers[token] == nil {
		logger(ctx).Debug("hcall: unimplemented", "token", token)
		regs.GPR[3] = StatusUnimplemented
		return
	}
	if err := handlers[token](ctx, regs); err != nil {
		logger(ctx).Debug("hcall: failed", "token", Token(token).String(), "err", err)
		regs.GPR[3] = Status(err)
		return
	}
	regs.GPR[3] = StatusOK
}

// Status maps an error to the code reported to the guest.
func Status(err error) uint64 {
	switch {
	case err == nil:
		return StatusOK
	case errors.Is(err, ErrPermissionDenied):
		return StatusEPERM
	case errors.Is(err, vpic.ErrNotActive):
		return StatusInvalidState
	case errors.Is(err, vpic.ErrRegistryFull):
		return StatusConfig
	default:
		// Bad handles, slots, priorities, vectors and routes.
		return StatusEINVAL
	}
}

func (t Token) String() string {
	switch t {
	case TokenVMPICSetIntConfig:
		return "vmpic_set_int_config"
	case TokenVMPICGetIntConfig:
		return "vmpic_get_int_config"
	case TokenVMPICSetMask:
		return "vmpic_set_mask"
	case TokenVMPICGetMask:
		return "vmpic_get_mask"
	case TokenVMPICGetActivity:
		return "vmpic_get_activity"
	case TokenVMPICEOI:
		return "vmpic_eoi"
	case TokenVMPICIAck:
		return "vmpic_iack"
	case TokenDoorbellSend:
		return "doorbell_send"
	default:
		return "unknown"
	}
}

func logger(ctx *Context) *slog.Logger {
	if ctx.Log != nil {
		return ctx.Log
	}
	return slog.Default()
}

// r3 = handle, r4 = priority, r5 = vector, r6 = masked.
func setIntConfig(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	if intr.Locked {
		return ErrPermissionDenied
	}
	if regs.GPR[4] > vpic.MaxPriority {
		return vpic.ErrInvalidPriority
	}
	if regs.GPR[5] > 0xffff {
		return errVectorRange
	}
	prev, err := intr.Table.Source(ctx.CPU, intr.Slot)
	if err != nil {
		return err
	}
	masked := regs.GPR[6] != 0
	if err := intr.Table.Configure(ctx.CPU, intr.Slot, vpic.Config{
		Priority: uint8(regs.GPR[4]),
		Vector:   uint16(regs.GPR[5]),
		Masked:   masked,
	}); err != nil {
		return err
	}
	if prev.Masked && !masked {
		resample(ctx, prev.Route)
	}
	return nil
}

// r3 = handle, r4 = mask.
func setMask(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	if intr.Locked {
		return ErrPermissionDenied
	}
	masked := regs.GPR[4] != 0
	was, err := intr.Table.SetMasked(ctx.CPU, intr.Slot, masked)
	if err != nil {
		return err
	}
	if was && !masked {
		src, err := intr.Table.Source(ctx.CPU, intr.Slot)
		if err != nil {
			return err
		}
		resample(ctx, src.Route)
	}
	return nil
}

// r3 = handle; returns r4 = masked.
func getMask(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	_, masked, err := intr.Table.State(ctx.CPU, intr.Slot)
	if err != nil {
		return err
	}
	regs.GPR[4] = boolReg(masked)
	return nil
}

// r3 = handle; returns r4 = 1 while the source is in service.
func getActivity(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	state, _, err := intr.Table.State(ctx.CPU, intr.Slot)
	if err != nil {
		return err
	}
	regs.GPR[4] = boolReg(state == vpic.StateActive)
	return nil
}

func resample(ctx *Context, route vpic.Route) {
	if line, ok := route.IRQ(); ok && ctx.Lines != nil {
		ctx.Lines.Resample(ctx.CPU, line)
	}
}

// r3 = handle; returns r4 = priority, r5 = vector, r6 = masked,
// r7 = hardware backed.
func getIntConfig(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	src, err := intr.Table.Source(ctx.CPU, intr.Slot)
	if err != nil {
		return err
	}
	regs.GPR[4] = uint64(src.Priority)
	regs.GPR[5] = uint64(src.Vector)
	regs.GPR[6] = boolReg(src.Masked)
	regs.GPR[7] = boolReg(src.HardwareBacked())
	return nil
}

// r3 = handle of the source being retired.
func eoi(ctx *Context, regs *Regs) error {
	intr, err := interruptArg(ctx, regs.GPR[3])
	if err != nil {
		return err
	}
	if intr.Table != ctx.VPIC {
		return errOtherCore
	}
	if err := intr.Table.EOI(ctx.CPU, intr.Slot); err != nil {
		return err
	}
	if ctx.VPIC.Deliverable() && ctx.Kick != nil {
		ctx.Kick.Unblock()
	}
	return nil
}

// Returns r4 = vector (SpuriousVector when nothing is deliverable),
// r5 = handle of the delivered source.
func iack(ctx *Context, regs *Regs) error {
	d, ok := ctx.VPIC.Acknowledge(ctx.CPU)
	if !ok {
		regs.GPR[4] = SpuriousVector
		regs.GPR[5] = 0
		return nil
	}
	h, bound := ctx.Handles.ForSlot(ctx.VPIC, d.Slot)
	if !bound {
		// Every allocated source is bound when the partition is built.
		panic("hcall: acknowledged source has no guest handle")
	}
	regs.GPR[4] = uint64(d.Vector)
	regs.GPR[5] = uint64(h)
	return nil
}

// r3 = doorbell send handle.
func doorbellSend(ctx *Context, regs *Regs) error {
	if regs.GPR[3] > math.MaxUint32 {
		return handle.ErrInvalidHandle
	}
	db, err := ctx.Handles.Doorbell(handle.Handle(regs.GPR[3]))
	if err != nil {
		return err
	}
	db.Ring(ctx.CPU)
	return nil
}

func interruptArg(ctx *Context, reg uint64) (handle.Interrupt, error) {
	if reg > math.MaxUint32 {
		return handle.Interrupt{}, handle.ErrInvalidHandle
	}
	return ctx.Handles.Interrupt(handle.Handle(reg))
}

func boolReg(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
