package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/vpic/internal/handle"
	"github.com/tinyrange/vpic/internal/partition"
	"github.com/tinyrange/vpic/internal/sim"
	"golang.org/x/term"
)

func run() error {
	config := flag.String("config", "", "partition configuration (YAML)")
	rounds := flag.Int("rounds", 10000, "rings per doorbell sender and pulses per line")
	pulse := flag.Bool("pulse", true, "pulse every hardware line once per round")
	dtbDir := flag.String("dtb", "", "write each guest's device tree blob to this directory")
	restarts := flag.Int("restarts", 0, "restart every partition and rerun the workload this many times")
	dump := flag.Bool("dump", false, "print the normalized configuration and exit")
	handles := flag.Bool("handles", false, "print every guest's handle table and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	quiet := flag.Bool("quiet", false, "do not show a progress bar")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, `vpicsim - exercise virtual interrupt controllers and doorbells

USAGE:
  vpicsim -config system.yaml [flags]

Every virtual core runs on its own goroutine, blocking until an interrupt
is deliverable and then acknowledging and retiring it through the
hypercall interface. One ringer goroutine per doorbell sender rings its
doorbell -rounds times.

FLAGS:
`)
		flag.PrintDefaults()
	}
	flag.Parse()

	if *config == "" {
		flag.Usage()
		os.Exit(1)
	}

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(log)

	cfg, err := partition.Load(*config)
	if err != nil {
		return err
	}
	if *dump {
		out, err := partition.Marshal(cfg)
		if err != nil {
			return fmt.Errorf("encode configuration: %w", err)
		}
		_, err = os.Stdout.Write(out)
		return err
	}

	sys, err := partition.Build(cfg, log)
	if err != nil {
		return err
	}

	if *dtbDir != "" {
		if err := writeDeviceTrees(sys, *dtbDir); err != nil {
			return err
		}
	}
	if *handles {
		printHandles(os.Stdout, sys)
		return nil
	}

	opts := sim.Options{Rounds: *rounds, Restarts: *restarts, Log: log}
	if *pulse {
		opts.Lines = sys.Router.Lines()
	}

	var bar *progressbar.ProgressBar
	if !*quiet && term.IsTerminal(int(os.Stderr.Fd())) {
		total := int64(*rounds) * int64(senders(sys)+len(opts.Lines)) * int64(*restarts+1)
		bar = progressbar.NewOptions64(total,
			progressbar.OptionSetWriter(os.Stderr),
			progressbar.OptionSetDescription("ringing"),
			progressbar.OptionShowCount(),
			progressbar.OptionThrottle(100_000_000),
			progressbar.OptionClearOnFinish(),
		)
		opts.Progress = func() { _ = bar.Add(1) }
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	rep, runErr := sim.Run(ctx, sys, opts)
	if bar != nil {
		_ = bar.Finish()
	}
	printReport(os.Stdout, rep)
	if runErr != nil {
		return fmt.Errorf("run: %w", runErr)
	}
	return nil
}

func senders(sys *partition.System) int {
	n := 0
	for _, g := range sys.Guests {
		for _, db := range sys.Doorbells {
			if _, ok := g.SendHandle(db.Name()); ok {
				n++
			}
		}
	}
	return n
}

func writeDeviceTrees(sys *partition.System, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create %s: %w", dir, err)
	}
	for _, g := range sys.Guests {
		blob, err := g.DeviceTreeBlob()
		if err != nil {
			return err
		}
		path := filepath.Join(dir, g.Name+".dtb")
		if err := os.WriteFile(path, blob, 0o644); err != nil {
			return fmt.Errorf("write %s: %w", path, err)
		}
		slog.Info("wrote device tree", "guest", g.Name, "path", path, "bytes", len(blob))
	}
	return nil
}

const maxNameWidth = 24

func printHandles(w io.Writer, sys *partition.System) {
	rows := [][]string{{"GUEST", "HANDLE", "KIND", "NAME", "TARGET"}}
	for _, g := range sys.Guests {
		g.Handles.Each(func(h handle.Handle, e handle.Entry) {
			target := ""
			switch e.Kind {
			case handle.KindInterrupt:
				src, err := e.Interrupt.Table.Source(partition.BootCPU, e.Interrupt.Slot)
				if err != nil {
					target = err.Error()
					break
				}
				target = fmt.Sprintf("vcpu %d slot %d %s", e.Interrupt.Table.VCPU(), e.Interrupt.Slot, src.Route)
				if e.Interrupt.Locked {
					target += " locked"
				}
			case handle.KindDoorbell:
				target = fmt.Sprintf("%d receivers", len(e.Doorbell.Receivers(partition.BootCPU)))
			}
			rows = append(rows, []string{
				ansi.Truncate(g.Name, maxNameWidth, "…"),
				fmt.Sprint(h),
				e.Kind.String(),
				ansi.Truncate(e.Name, maxNameWidth, "…"),
				target,
			})
		})
	}
	printTable(w, rows)
}

func printReport(w io.Writer, rep sim.Report) {
	rows := [][]string{{"GUEST", "VCPU", "CPU", "DELIVERED", "ASSERTS", "MASKED", "WAKEUPS", "SPURIOUS", "BAD EOI", "BLOCKS", "VECTORS"}}
	for _, c := range rep.Cores {
		rows = append(rows, []string{
			ansi.Truncate(c.Guest, maxNameWidth, "…"),
			fmt.Sprint(c.VCPU),
			fmt.Sprint(c.CPU),
			fmt.Sprint(c.Delivered),
			fmt.Sprint(c.VPIC.Asserts),
			fmt.Sprint(c.VPIC.MaskedAsserts),
			fmt.Sprint(c.VPIC.Wakeups),
			fmt.Sprint(c.VPIC.Spurious),
			fmt.Sprint(c.VPIC.BadEOIs),
			fmt.Sprint(c.Sched.Blocks),
			vectors(c.Vectors),
		})
	}
	printTable(w, rows)
	fmt.Fprintln(w)

	rows = [][]string{{"DOORBELL", "RECEIVERS", "RINGS", "ASSERTED", "COALESCED"}}
	for _, d := range rep.Doorbells {
		rows = append(rows, []string{
			ansi.Truncate(d.Name, maxNameWidth, "…"),
			fmt.Sprint(d.Receivers),
			fmt.Sprint(d.Rings),
			fmt.Sprint(d.Asserted),
			fmt.Sprint(coalesced(d)),
		})
	}
	printTable(w, rows)

	fmt.Fprintf(w, "\ndelivered %d interrupts in %d passes", rep.Delivered(), rep.Passes)
	if rep.Unrouted > 0 {
		fmt.Fprintf(w, ", %d signals on unrouted lines", rep.Unrouted)
	}
	fmt.Fprintln(w)
}

// coalesced is the share of receiver assertions that found their source
// already pending or masked.
func coalesced(d sim.DoorbellReport) string {
	total := d.Rings * uint64(d.Receivers)
	if total == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*(1-float64(d.Asserted)/float64(total)))
}

func vectors(m map[uint16]uint64) string {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, int(k))
	}
	sort.Ints(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%#x:%d", k, m[uint16(k)]))
	}
	return strings.Join(parts, " ")
}

func printTable(w io.Writer, rows [][]string) {
	if len(rows) == 0 {
		return
	}
	widths := make([]int, len(rows[0]))
	for _, row := range rows {
		for i, cell := range row {
			widths[i] = max(widths[i], ansi.StringWidth(cell))
		}
	}
	for _, row := range rows {
		var b strings.Builder
		for i, cell := range row {
			if i > 0 {
				b.WriteString("  ")
			}
			b.WriteString(cell)
			if i < len(row)-1 {
				b.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(cell)))
			}
		}
		fmt.Fprintln(w, b.String())
	}
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vpicsim: %v\n", err)
		os.Exit(1)
	}
}
