// Command trapreplay replays a recorded trap trace against a cell
// configuration and reports how each trap was resolved.
package main

import (
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"

	"github.com/charmbracelet/x/ansi"
	"github.com/schollz/progressbar/v3"
	"github.com/tinyrange/trapcore/internal/cell"
	"github.com/tinyrange/trapcore/internal/timeslice"
	"github.com/tinyrange/trapcore/internal/trap"
	"golang.org/x/term"
)

const (
	sgrGreen  = "\x1b[32m"
	sgrYellow = "\x1b[33m"
	sgrRed    = "\x1b[31m"
	sgrReset  = "\x1b[0m"
)

type row struct {
	index   string
	cpu     string
	kind    string
	action  string
	pc      string
	comment string
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "trapreplay: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := flag.String("config", "", "Cell configuration (YAML)")
	tracePath := flag.String("trace", "", "Trap trace to replay (YAML)")
	timeslicePath := flag.String("timeslice", "", "Write per-trap latencies to this file")
	metricsJSON := flag.Bool("json", false, "Print metrics as JSON")
	verbose := flag.Bool("v", false, "Enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s -config cell.yaml -trace traps.yaml\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Replay recorded traps against a cell's handler table.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	if *configPath == "" || *tracePath == "" {
		flag.Usage()
		return fmt.Errorf("-config and -trace are required")
	}

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg, err := cell.LoadConfig(*configPath)
	if err != nil {
		return err
	}
	tr, err := cell.LoadTrace(*tracePath)
	if err != nil {
		return err
	}

	opts := cell.Options{Logger: logger}
	if *timeslicePath != "" {
		f, err := os.Create(*timeslicePath)
		if err != nil {
			return fmt.Errorf("create timeslice file: %w", err)
		}
		defer f.Close()

		w, err := timeslice.NewWriter(f)
		if err != nil {
			return err
		}
		defer func() {
			if err := w.Close(); err != nil {
				slog.Warn("failed to flush timeslice file", "error", err)
			}
			if n := w.Dropped(); n > 0 {
				slog.Warn("timeslice records dropped", "count", n)
			}
		}()
		opts.Observer = w
	}

	c, err := cell.New(cfg, opts)
	if err != nil {
		return err
	}
	slog.Info("Replaying traps", "cell", c.Name(), "arch", cfg.Arch, "traps", len(tr.Traps))

	color := term.IsTerminal(int(os.Stdout.Fd()))

	var pb *progressbar.ProgressBar
	if term.IsTerminal(int(os.Stderr.Fd())) && !*verbose {
		pb = progressbar.Default(int64(len(tr.Traps)), "replaying")
		defer pb.Close()
	}

	rows := make([]row, 0, len(tr.Traps))
	for i, e := range tr.Traps {
		rows = append(rows, replay(c, i, e))
		if pb != nil {
			pb.Add(1)
		}
	}
	if pb != nil {
		pb.Finish()
	}

	printRows(os.Stdout, rows, color)

	if stopped, reason := c.Terminated(); stopped {
		fmt.Printf("\ncell %s terminated: %s\n", c.Name(), reason)
	}

	m := c.Core().Metrics()
	if *metricsJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(m)
	}
	fmt.Printf("\ntraps=%d resumed=%d injected=%d terminated=%d avg=%dns\n",
		m.Traps, m.Resumed, m.Injected, m.Terminated, m.AvgTrapNs)
	return nil
}

func replay(c *cell.Cell, i int, e cell.TraceEntry) row {
	r := row{
		index:   fmt.Sprintf("%d", i),
		cpu:     fmt.Sprintf("cpu%d", e.CPU),
		comment: e.Comment,
	}

	frame, err := e.Frame()
	if err != nil {
		r.action = sgrRed + err.Error() + sgrReset
		return r
	}

	out, err := c.Trap(&frame, e.Raw())
	switch {
	case errors.Is(err, cell.ErrTerminated):
		r.kind = "-"
		r.action = sgrRed + "refused" + sgrReset
		return r
	case err != nil:
		r.kind = "-"
		r.action = sgrRed + err.Error() + sgrReset
		return r
	}

	r.kind = out.Kind.String()
	r.pc = fmt.Sprintf("%#x -> %#x", e.PC, frame.PC)

	switch out.Action {
	case trap.ActionResume:
		r.action = sgrGreen + out.Action.String() + sgrReset
	case trap.ActionInjectFault:
		// Stand in for the architecture layer delivering the fault.
		if f, ok := c.TakePendingFault(e.CPU); ok {
			r.action = sgrYellow + fmt.Sprintf("%s %s", out.Action, f) + sgrReset
		} else {
			r.action = sgrYellow + out.Action.String() + sgrReset
		}
	default:
		r.action = sgrRed + fmt.Sprintf("%s (%s)", out.Action, out.Reason) + sgrReset
	}
	return r
}

func printRows(w io.Writer, rows []row, color bool) {
	header := row{index: "#", cpu: "CPU", kind: "KIND", pc: "PC", action: "ACTION", comment: "NOTE"}
	all := append([]row{header}, rows...)

	cols := func(r row) []string {
		return []string{r.index, r.cpu, r.kind, r.pc, r.action, r.comment}
	}

	widths := make([]int, 6)
	for _, r := range all {
		for i, s := range cols(r) {
			widths[i] = max(widths[i], ansi.StringWidth(s))
		}
	}

	for _, r := range all {
		var sb strings.Builder
		for i, s := range cols(r) {
			if !color {
				s = ansi.Strip(s)
			}
			sb.WriteString(s)
			if i < len(widths)-1 {
				sb.WriteString(strings.Repeat(" ", widths[i]-ansi.StringWidth(s)+2))
			}
		}
		fmt.Fprintln(w, strings.TrimRight(sb.String(), " "))
	}
}
