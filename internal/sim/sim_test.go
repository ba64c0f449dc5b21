package sim

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/tinyrange/vpic/internal/partition"
)

const workload = `
version: v1.0.0
guests:
  - name: a
    vcpus: 2
    sources:
      - name: nic
        irq: 50
        vcpu: 1
        priority: 9
        vector: 0x32
  - name: b
doorbells:
  - name: a-to-b
    senders: [a]
    receivers:
      - {guest: b, priority: 4, vector: 0x40}
  - name: b-to-a
    senders: [b]
    receivers:
      - {guest: a, vcpu: 0, priority: 6, vector: 0x41}
      - {guest: a, vcpu: 1, priority: 2, vector: 0x42}
`

func buildWorkload(t *testing.T) *partition.System {
	t.Helper()
	cfg, err := partition.Parse([]byte(workload))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	sys, err := partition.Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	return sys
}

func TestRunDeliversEveryLatchedAssertion(t *testing.T) {
	sys := buildWorkload(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	var ticks atomic.Int64
	rep, err := Run(ctx, sys, Options{
		Rounds:   500,
		Lines:    []uint32{50},
		Progress: func() { ticks.Add(1) },
	})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if ticks.Load() != 3*500 {
		t.Fatalf("progress ticks = %d", ticks.Load())
	}

	var asserted uint64
	for _, d := range rep.Doorbells {
		if d.Rings != 500 {
			t.Fatalf("doorbell %s rang %d times", d.Name, d.Rings)
		}
		if d.Asserted == 0 {
			t.Fatalf("doorbell %s never asserted", d.Name)
		}
		asserted += d.Asserted
	}

	var acks, eois, fresh uint64
	for _, c := range rep.Cores {
		if c.VPIC.BadEOIs != 0 {
			t.Fatalf("%s/%d: %d bad EOIs", c.Guest, c.VCPU, c.VPIC.BadEOIs)
		}
		acks += c.VPIC.Acknowledges
		eois += c.VPIC.EOIs
		fresh += c.Delivered
	}
	if acks != eois || acks != fresh {
		t.Fatalf("acks %d, eois %d, delivered %d", acks, eois, fresh)
	}

	// The nic line is the only non-doorbell source.
	var nic uint64
	for _, c := range rep.Cores {
		nic += c.Vectors[0x32]
	}
	if nic == 0 || nic > 500 {
		t.Fatalf("nic delivered %d times", nic)
	}
	if rep.Delivered() != asserted+nic {
		t.Fatalf("delivered %d, doorbell assertions %d + nic %d", rep.Delivered(), asserted, nic)
	}

	for _, v := range sys.VCPUs() {
		if v.VPIC.Deliverable() {
			t.Fatalf("vcpu %d left work pending", v.VPIC.VCPU())
		}
		if _, active := v.VPIC.Bitmaps(); active != 0 {
			t.Fatalf("vcpu %d left sources in service: %#x", v.VPIC.VCPU(), active)
		}
	}
}

func TestRunHonoursCancellation(t *testing.T) {
	sys := buildWorkload(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, sys, Options{Rounds: 1 << 20}); err == nil {
		t.Fatalf("cancelled run reported success")
	}
}

func TestRunWithoutWork(t *testing.T) {
	sys := buildWorkload(t)
	rep, err := Run(context.Background(), sys, Options{})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Delivered() != 0 {
		t.Fatalf("delivered %d with no rounds", rep.Delivered())
	}
	if len(rep.Cores) != 3 {
		t.Fatalf("cores = %d", len(rep.Cores))
	}
}

func TestRunRestartsBetweenPasses(t *testing.T) {
	sys := buildWorkload(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	rep, err := Run(ctx, sys, Options{Rounds: 100, Restarts: 2})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if rep.Passes != 3 {
		t.Fatalf("passes = %d, want 3", rep.Passes)
	}
	var asserted uint64
	for _, d := range rep.Doorbells {
		if d.Rings != 300 {
			t.Fatalf("doorbell %s rang %d times over three passes", d.Name, d.Rings)
		}
		asserted += d.Asserted
	}
	if rep.Delivered() != asserted {
		t.Fatalf("delivered %d, latched %d", rep.Delivered(), asserted)
	}

	// Restart reprograms every source, so the receivers stay unmasked.
	b := sys.Guest("b")
	h, _ := b.ReceiveHandle("a-to-b")
	intr, err := b.Handles.Interrupt(h)
	if err != nil {
		t.Fatalf("lookup: %v", err)
	}
	src, _ := intr.Table.Source(0, intr.Slot)
	if src.Masked || src.Priority != 4 || src.Vector != 0x40 {
		t.Fatalf("receiver after restarts = %+v", src)
	}
}
