package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tinyrange/vpic/internal/partition"
	"github.com/tinyrange/vpic/internal/sim"
)

func TestPrintTableAligns(t *testing.T) {
	var buf bytes.Buffer
	printTable(&buf, [][]string{{"A", "B"}, {"wide cell", "x"}, {"é", "y"}})
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 3 {
		t.Fatalf("lines = %q", lines)
	}
	col := strings.Index(lines[1], "x")
	if strings.Index(lines[0], "B") != col {
		t.Fatalf("columns misaligned:\n%s", buf.String())
	}
	if lines[2] != "é"+strings.Repeat(" ", 10)+"y" {
		t.Fatalf("wide rune padded wrong: %q", lines[2])
	}
}

func TestPrintReport(t *testing.T) {
	var buf bytes.Buffer
	printReport(&buf, sim.Report{
		Cores: []sim.CoreReport{{
			Guest:     "linux",
			Delivered: 3,
			Vectors:   map[uint16]uint64{0x41: 2, 0x32: 1},
		}},
		Doorbells: []sim.DoorbellReport{{Name: "b-to-a", Receivers: 2, Rings: 4, Asserted: 6}},
	})
	out := buf.String()
	for _, want := range []string{"0x32:1 0x41:2", "25.0%", "delivered 3 interrupts"} {
		if !strings.Contains(out, want) {
			t.Fatalf("report missing %q:\n%s", want, out)
		}
	}
}

func TestPrintHandles(t *testing.T) {
	cfg, err := partition.Load("system.example.yaml")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	sys, err := partition.Build(cfg, nil)
	if err != nil {
		t.Fatalf("build: %v", err)
	}

	var buf bytes.Buffer
	printHandles(&buf, sys)
	out := buf.String()
	for _, want := range []string{"watchdog", "irq:40 locked", "broadcast", "1 receivers", "2 receivers"} {
		if !strings.Contains(out, want) {
			t.Fatalf("handle table missing %q:\n%s", want, out)
		}
	}
}
