package partition

import (
	"fmt"
	"log/slog"

	"github.com/tinyrange/vpic/internal/doorbell"
	"github.com/tinyrange/vpic/internal/handle"
	"github.com/tinyrange/vpic/internal/hcall"
	"github.com/tinyrange/vpic/internal/irq"
	"github.com/tinyrange/vpic/internal/sched"
	"github.com/tinyrange/vpic/internal/spinlock"
	"github.com/tinyrange/vpic/internal/vpic"
)

// BootCPU is the physical core that builds the system. Virtual cores are
// placed on the cores after it.
const BootCPU spinlock.CPU = 0

// VCPU is one virtual core of a guest.
type VCPU struct {
	Sched *sched.VCPU
	VPIC  *vpic.Table
}

// Guest is a built partition.
type Guest struct {
	Name    string
	VCPUs   []*VCPU
	Handles *handle.Table

	router  *irq.Router
	sources []builtSource
	sends   []endpoint
	recvs   []endpoint
}

type builtSource struct {
	name   string
	handle handle.Handle
	irq    *uint32
	vcpu   uint32
}

type endpoint struct {
	doorbell string
	handle   handle.Handle
	vcpu     uint32
}

// HcallContext returns the hypercall context of virtual core i. Kicks
// from EOI are posted as EventVINT.
func (g *Guest) HcallContext(i int, l *slog.Logger) *hcall.Context {
	v := g.VCPUs[i]
	return &hcall.Context{
		CPU:     v.Sched.CPU(),
		VPIC:    v.VPIC,
		Handles: g.Handles,
		Kick:    vpic.UnblockFunc(v.Sched.Poster(sched.EventVINT)),
		Lines:   g.router,
		Log:     l,
	}
}

// Source returns the handle of the interrupt source called name.
func (g *Guest) Source(name string) (handle.Handle, bool) {
	for _, s := range g.sources {
		if s.name == name {
			return s.handle, true
		}
	}
	return 0, false
}

// SendHandle returns the guest's send handle for doorbell db.
func (g *Guest) SendHandle(db string) (handle.Handle, bool) {
	return lookupEndpoint(g.sends, db)
}

// ReceiveHandle returns the interrupt handle of the guest's receive
// endpoint on doorbell db.
func (g *Guest) ReceiveHandle(db string) (handle.Handle, bool) {
	return lookupEndpoint(g.recvs, db)
}

func lookupEndpoint(eps []endpoint, db string) (handle.Handle, bool) {
	for _, e := range eps {
		if e.doorbell == db {
			return e.handle, true
		}
	}
	return 0, false
}

// System is every guest and doorbell built from one Config.
type System struct {
	Guests    []*Guest
	Doorbells []*doorbell.Doorbell
	Router    *irq.Router

	log     *slog.Logger
	initial []programmed
}

// programmed is the build-time configuration of one slot.
type programmed struct {
	table *vpic.Table
	slot  int
	cfg   vpic.Config
}

// Guest returns the guest called name.
func (s *System) Guest(name string) *Guest {
	for _, g := range s.Guests {
		if g.Name == name {
			return g
		}
	}
	return nil
}

// Doorbell returns the doorbell called name.
func (s *System) Doorbell(name string) *doorbell.Doorbell {
	for _, d := range s.Doorbells {
		if d.Name() == name {
			return d
		}
	}
	return nil
}

// VCPUs returns every virtual core in build order.
func (s *System) VCPUs() []*VCPU {
	var out []*VCPU
	for _, g := range s.Guests {
		out = append(out, g.VCPUs...)
	}
	return out
}

// Restart models a restart of every partition: each interrupt controller
// is reset, dropping pending and in-service sources, and then reprogrammed
// with the configuration it was built with.
func (s *System) Restart(c spinlock.CPU) error {
	for _, v := range s.VCPUs() {
		v.VPIC.Reset(c)
	}
	for _, p := range s.initial {
		if err := p.table.Configure(c, p.slot, p.cfg); err != nil {
			return fmt.Errorf("partition: restart vcpu %d slot %d: %w", p.table.VCPU(), p.slot, err)
		}
	}
	s.log.Info("partition: restarted", "guests", len(s.Guests))
	return nil
}

// Build creates the system described by cfg. Handle tables are sealed
// before Build returns.
func Build(cfg Config, l *slog.Logger) (*System, error) {
	if l == nil {
		l = slog.Default()
	}
	cfg.Guests = append([]GuestConfig(nil), cfg.Guests...)
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	sys := &System{Router: irq.NewRouter(l), log: l}
	next := BootCPU + 1
	for _, gc := range cfg.Guests {
		g := &Guest{Name: gc.Name, Handles: handle.NewTable(gc.Name), router: sys.Router}
		for i := 0; i < gc.VCPUs; i++ {
			v := &VCPU{
				Sched: sched.New(uint32(i), next),
				VPIC:  vpic.New(uint32(i)),
			}
			next++
			v.VPIC.SetLogger(l.With("guest", gc.Name))
			v.VPIC.SetUnblocker(vpic.UnblockFunc(v.Sched.Poster(sched.EventVINT)))
			g.VCPUs = append(g.VCPUs, v)
		}
		for _, sc := range gc.Sources {
			if err := sys.addSource(g, sc); err != nil {
				return nil, err
			}
		}
		sys.Guests = append(sys.Guests, g)
	}

	for _, dc := range cfg.Doorbells {
		if err := sys.addDoorbell(dc); err != nil {
			return nil, err
		}
	}

	for _, g := range sys.Guests {
		g.Handles.Seal()
		l.Info("partition: guest ready", "guest", g.Name,
			"vcpus", len(g.VCPUs), "handles", g.Handles.Len())
	}
	return sys, nil
}

func (s *System) addSource(g *Guest, sc SourceConfig) error {
	v := g.VCPUs[sc.VCPU]
	route := vpic.DestVCPU(sc.VCPU)
	if sc.IRQ != nil {
		route = vpic.RealIRQ(*sc.IRQ)
	}
	slot, err := s.allocate(v.VPIC, route, vpic.Config{
		Priority: sc.Priority,
		Vector:   sc.Vector,
		Masked:   sc.Masked,
	})
	if err != nil {
		return fmt.Errorf("%w: guest %q source %q: %w", ErrConfig, g.Name, sc.Name, err)
	}
	if sc.IRQ != nil {
		if err := s.Router.Bind(BootCPU, *sc.IRQ, v.VPIC, slot); err != nil {
			return fmt.Errorf("%w: guest %q source %q: %w", ErrConfig, g.Name, sc.Name, err)
		}
	}
	h, err := g.Handles.BindInterrupt(sc.Name, handle.Interrupt{
		Table:  v.VPIC,
		Slot:   slot,
		Locked: sc.Locked,
	})
	if err != nil {
		return fmt.Errorf("%w: guest %q source %q: %w", ErrConfig, g.Name, sc.Name, err)
	}
	g.sources = append(g.sources, builtSource{name: sc.Name, handle: h, irq: sc.IRQ, vcpu: sc.VCPU})
	return nil
}

func (s *System) addDoorbell(dc DoorbellConfig) error {
	db := doorbell.New(dc.Name, s.log)

	for _, rc := range dc.Receivers {
		g := s.Guest(rc.Guest)
		v := g.VCPUs[rc.VCPU]
		slot, err := s.allocate(v.VPIC, vpic.DestVCPU(rc.VCPU), vpic.Config{
			Priority: rc.Priority,
			Vector:   rc.Vector,
			Masked:   rc.Masked,
		})
		if err != nil {
			return fmt.Errorf("%w: doorbell %q receiver %q: %w", ErrConfig, dc.Name, rc.Guest, err)
		}
		if err := db.RegisterReceiver(BootCPU, doorbell.Receiver{Table: v.VPIC, Slot: slot}); err != nil {
			return fmt.Errorf("%w: %w", ErrConfig, err)
		}
		h, err := g.Handles.BindInterrupt(dc.Name, handle.Interrupt{Table: v.VPIC, Slot: slot})
		if err != nil {
			return fmt.Errorf("%w: doorbell %q receiver %q: %w", ErrConfig, dc.Name, rc.Guest, err)
		}
		g.recvs = append(g.recvs, endpoint{doorbell: dc.Name, handle: h, vcpu: rc.VCPU})
	}

	for _, name := range dc.Senders {
		g := s.Guest(name)
		h, err := g.Handles.BindDoorbell(dc.Name, db)
		if err != nil {
			return fmt.Errorf("%w: doorbell %q sender %q: %w", ErrConfig, dc.Name, name, err)
		}
		g.sends = append(g.sends, endpoint{doorbell: dc.Name, handle: h})
	}

	s.Doorbells = append(s.Doorbells, db)
	return nil
}

func (s *System) allocate(tbl *vpic.Table, route vpic.Route, cfg vpic.Config) (int, error) {
	slot, err := tbl.Allocate(BootCPU, route)
	if err != nil {
		return 0, err
	}
	if err := tbl.Configure(BootCPU, slot, cfg); err != nil {
		return 0, err
	}
	s.initial = append(s.initial, programmed{table: tbl, slot: slot, cfg: cfg})
	return slot, nil
}
