package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"time"

	"tqcore/internal/kernel"
	"tqcore/internal/scenario"
)

func main() {
	file := flag.String("f", "scenario.yml", "scenario file")
	csvPath := flag.String("csv", "", "write the event trace to this CSV file")
	quiet := flag.Bool("q", false, "do not print the trace")
	linger := flag.Duration("run", 0, "keep ticking in real time for this long after the steps")
	flag.Parse()

	// Read the scenario
	f, err := scenario.Load(*file)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	fmt.Printf("Loaded scenario %q: %d threads, %d steps\n", f.Name, len(f.Threads), len(f.Steps))

	var opts []kernel.Option
	if !*quiet {
		opts = append(opts, kernel.WithOutput(os.Stdout))
	}
	r, err := scenario.New(f, opts...)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	sys := r.System()
	if *csvPath != "" {
		if err := sys.Log().EnableCSV(*csvPath); err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		defer sys.Log().Close()
	}

	code := 0
	if err := r.Run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		code = 2
	}

	if *linger > 0 && code == 0 {
		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
		ctx, cancelTimeout := context.WithTimeout(ctx, *linger)
		if err := sys.Run(ctx); err != nil {
			fmt.Fprintln(os.Stderr, err)
			code = 2
		}
		cancelTimeout()
		cancel()
	}

	for _, res := range r.Resources() {
		owner := "-"
		if o := res.Owner(); o != nil {
			owner = o.Name
		}
		fmt.Printf("resource %-8s owner %-8s waiters %d\n", res.Name(), owner, res.Len())
	}
	fmt.Printf("finished at tick %d (%s)\n", sys.Now(), time.Duration(sys.Now())*time.Duration(sys.Config().TickMS)*time.Millisecond)

	if code != 0 {
		sys.Log().Close()
		os.Exit(code)
	}
}
