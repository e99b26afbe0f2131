package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tinyrange/trapcore/internal/timeslice"
)

type timesliceRecord struct {
	Kind   string
	Action string
	Count  int
	Sum    time.Duration
	Min    time.Duration
	Max    time.Duration
}

func (r *timesliceRecord) String() string {
	return fmt.Sprintf("% 24s action=% 15s count=% 8d sum=% 16s min=% 16s max=% 16s avg=% 16s",
		r.Kind, r.Action, r.Count,
		r.Sum,
		r.Min,
		r.Max,
		r.Sum/time.Duration(r.Count),
	)
}

func (r *timesliceRecord) Add(duration time.Duration) {
	r.Count++
	r.Sum += duration
	if r.Min == 0 || duration < r.Min {
		r.Min = duration
	}
	if r.Max == 0 || duration > r.Max {
		r.Max = duration
	}
}

func main() {
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)

	filename := fs.String("filename", "", "Trap trace file to read")
	sums := fs.Bool("sums", false, "Print per kind and action sums of trap durations")

	if err := fs.Parse(os.Args[1:]); err != nil {
		os.Exit(1)
	}

	if *filename == "" {
		fs.Usage()
		os.Exit(1)
	}

	f, err := os.Open(*filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to open timeslice file: %v\n", err)
		os.Exit(1)
	}
	defer f.Close()

	if *sums {
		type key struct{ kind, action string }
		records := map[key]*timesliceRecord{}
		displayOrder := []key{}
		if err := timeslice.ReadAll(f, func(rec timeslice.Record) error {
			k := key{rec.Kind, rec.Action}
			record, ok := records[k]
			if !ok {
				displayOrder = append(displayOrder, k)
				record = &timesliceRecord{Kind: rec.Kind, Action: rec.Action}
				records[k] = record
			}
			record.Add(rec.Duration)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
		for _, k := range displayOrder {
			fmt.Printf("%s\n", records[k].String())
		}
	} else {
		if err := timeslice.ReadAll(f, func(rec timeslice.Record) error {
			fmt.Printf("cpu%d %s %s %s\n", rec.CPU, rec.Kind, rec.Action, rec.Duration)
			return nil
		}); err != nil {
			fmt.Fprintf(os.Stderr, "failed to read timeslice file: %v\n", err)
			os.Exit(1)
		}
	}
}
