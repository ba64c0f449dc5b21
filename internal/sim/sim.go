// Package sim drives a built system: one goroutine per virtual core runs
// the block, acknowledge and EOI cycle while ringer goroutines ring
// doorbells and pulse physical lines.
package sim

import (
	"context"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vpic/internal/doorbell"
	"github.com/tinyrange/vpic/internal/hcall"
	"github.com/tinyrange/vpic/internal/partition"
	"github.com/tinyrange/vpic/internal/sched"
	"github.com/tinyrange/vpic/internal/spinlock"
	"github.com/tinyrange/vpic/internal/vpic"
	"golang.org/x/sync/errgroup"
)

// Options controls a run.
type Options struct {
	// Rounds is how many times each sender rings each of its doorbells
	// and each line is pulsed.
	Rounds int

	// Lines are physical lines pulsed once per round.
	Lines []uint32

	// Restarts is how many times every partition is restarted and the
	// workload run again after the first pass.
	Restarts int

	// Progress, if set, is called after every ring or pulse.
	Progress func()

	Log *slog.Logger
}

// CoreReport is what one virtual core saw.
type CoreReport struct {
	Guest     string
	VCPU      uint32
	CPU       spinlock.CPU
	Delivered uint64
	Vectors   map[uint16]uint64
	VPIC      vpic.Stats
	Sched     sched.Stats
}

// DoorbellReport is the activity of one doorbell.
type DoorbellReport struct {
	Name      string
	Receivers int
	Rings     uint64
	Asserted  uint64
}

// Report summarizes a run.
type Report struct {
	Cores     []CoreReport
	Doorbells []DoorbellReport
	Unrouted  uint64
	Passes    int
}

// Delivered returns the total number of interrupts acknowledged.
func (r Report) Delivered() uint64 {
	var n uint64
	for _, c := range r.Cores {
		n += c.Delivered
	}
	return n
}

type core struct {
	guest *partition.Guest
	v     *partition.VCPU
	hctx  *hcall.Context
	log   *slog.Logger

	stopped   atomic.Bool
	mu        sync.Mutex
	delivered uint64
	vectors   map[uint16]uint64
	failures  []error
}

// Run executes the workload described by opts against sys and returns
// once every ringer has finished and every core has drained.
func Run(ctx context.Context, sys *partition.System, opts Options) (Report, error) {
	l := opts.Log
	if l == nil {
		l = slog.Default()
	}

	var cores []*core
	next := partition.BootCPU + 1
	for _, g := range sys.Guests {
		for i, v := range g.VCPUs {
			c := &core{
				guest:   g,
				v:       v,
				hctx:    g.HcallContext(i, l),
				log:     l.With("guest", g.Name, "vcpu", i),
				vectors: make(map[uint16]uint64),
			}
			v.Sched.Handle(sched.EventVINT, c.service)
			v.Sched.Handle(sched.EventStop, func() { c.stopped.Store(true) })
			cores = append(cores, c)
			if cpu := v.Sched.CPU(); cpu >= next {
				next = cpu + 1
			}
		}
	}

	passes := 0
	for pass := 0; pass <= opts.Restarts; pass++ {
		if pass > 0 {
			if err := sys.Restart(partition.BootCPU); err != nil {
				return report(sys, cores, passes), err
			}
		}
		err := runPass(ctx, sys, cores, next, opts, l)
		passes++
		if err != nil {
			return report(sys, cores, passes), err
		}
	}
	return report(sys, cores, passes), nil
}

// runPass starts every core, runs the ringers to completion and stops the
// cores once they have drained.
func runPass(ctx context.Context, sys *partition.System, cores []*core, next spinlock.CPU, opts Options, l *slog.Logger) error {
	for _, c := range cores {
		c.stopped.Store(false)
	}

	coreCtx, cancelCores := context.WithCancel(ctx)
	defer cancelCores()
	var coreGroup errgroup.Group
	for _, c := range cores {
		coreGroup.Go(func() error { return c.run(coreCtx) })
	}

	ringers, ringCtx := errgroup.WithContext(ctx)
	for _, g := range sys.Guests {
		for _, db := range sys.Doorbells {
			h, ok := g.SendHandle(db.Name())
			if !ok {
				continue
			}
			hctx := &hcall.Context{CPU: next, Handles: g.Handles, Log: l}
			next++
			ringers.Go(func() error {
				return ring(ringCtx, hctx, uint64(h), opts)
			})
		}
	}
	if len(opts.Lines) > 0 {
		cpu := next
		ringers.Go(func() error {
			for i := 0; i < opts.Rounds; i++ {
				if err := ringCtx.Err(); err != nil {
					return err
				}
				for _, line := range opts.Lines {
					sys.Router.Pulse(cpu, line)
					progress(opts)
				}
				runtime.Gosched()
			}
			return nil
		})
	}

	ringErr := ringers.Wait()
	for _, c := range cores {
		c.v.Sched.Post(sched.EventStop)
	}
	if err := coreGroup.Wait(); err != nil && ringErr == nil {
		ringErr = err
	}

	for _, c := range cores {
		c.mu.Lock()
		failures := c.failures
		c.mu.Unlock()
		if len(failures) > 0 {
			return failures[0]
		}
	}
	return ringErr
}

func ring(ctx context.Context, hctx *hcall.Context, h uint64, opts Options) error {
	for i := 0; i < opts.Rounds; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		regs := &hcall.Regs{}
		regs.GPR[11] = uint64(hcall.TokenDoorbellSend)
		regs.GPR[3] = h
		hcall.Dispatch(hctx, regs)
		if regs.GPR[3] != hcall.StatusOK {
			return fmt.Errorf("sim: %s: doorbell send handle %d: status %d",
				hctx.Handles.Guest(), h, regs.GPR[3])
		}
		progress(opts)
		runtime.Gosched()
	}
	return nil
}

func progress(opts Options) {
	if opts.Progress != nil {
		opts.Progress()
	}
}

// run is the virtual core's idle loop.
func (c *core) run(ctx context.Context) error {
	s := c.v.Sched
	for {
		w := s.PrepareToBlock()
		if c.v.VPIC.Deliverable() {
			s.Post(sched.EventVINT)
		}
		if s.HasEvents() {
			w.Cancel()
		} else if err := w.Block(ctx); err != nil {
			return err
		}
		s.Drain()
		if c.stopped.Load() {
			c.service()
			return nil
		}
	}
}

// service acknowledges and retires interrupts until the controller
// reports spurious.
func (c *core) service() {
	for {
		regs := &hcall.Regs{}
		regs.GPR[11] = uint64(hcall.TokenVMPICIAck)
		hcall.Dispatch(c.hctx, regs)
		if regs.GPR[3] != hcall.StatusOK {
			c.fail(fmt.Errorf("sim: %s vcpu %d: iack status %d",
				c.guest.Name, c.v.VPIC.VCPU(), regs.GPR[3]))
			return
		}
		vector := regs.GPR[4]
		if vector == hcall.SpuriousVector {
			return
		}
		h := regs.GPR[5]

		c.mu.Lock()
		c.delivered++
		c.vectors[uint16(vector)]++
		c.mu.Unlock()

		regs = &hcall.Regs{}
		regs.GPR[11] = uint64(hcall.TokenVMPICEOI)
		regs.GPR[3] = h
		hcall.Dispatch(c.hctx, regs)
		if regs.GPR[3] != hcall.StatusOK {
			c.fail(fmt.Errorf("sim: %s vcpu %d: eoi handle %d status %d",
				c.guest.Name, c.v.VPIC.VCPU(), h, regs.GPR[3]))
			return
		}
	}
}

func (c *core) fail(err error) {
	c.log.Error("sim: core failed", "err", err)
	c.mu.Lock()
	c.failures = append(c.failures, err)
	c.mu.Unlock()
}

func report(sys *partition.System, cores []*core, passes int) Report {
	rep := Report{Passes: passes}
	for _, c := range cores {
		c.mu.Lock()
		vectors := make(map[uint16]uint64, len(c.vectors))
		for k, v := range c.vectors {
			vectors[k] = v
		}
		rep.Cores = append(rep.Cores, CoreReport{
			Guest:     c.guest.Name,
			VCPU:      c.v.VPIC.VCPU(),
			CPU:       c.v.Sched.CPU(),
			Delivered: c.delivered,
			Vectors:   vectors,
			VPIC:      c.v.VPIC.Stats(),
			Sched:     c.v.Sched.Stats(),
		})
		c.mu.Unlock()
	}
	for _, db := range sys.Doorbells {
		rep.Doorbells = append(rep.Doorbells, doorbellReport(db))
	}
	rep.Unrouted = sys.Router.Unrouted()
	return rep
}

func doorbellReport(db *doorbell.Doorbell) DoorbellReport {
	rings, asserted := db.Stats()
	return DoorbellReport{
		Name:      db.Name(),
		Receivers: len(db.Receivers(partition.BootCPU)),
		Rings:     rings,
		Asserted:  asserted,
	}
}
