// Command kexec-run loads a compiled function file, binds
// JSON-encoded argument values, executes it, waits until every result
// has settled, and prints the results as one JSON array. It is an outer, optional convenience binary: the core
// executor (package exec) remains free of any CLI or wire protocol.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/grailbio/base/status"

	"github.com/Mshaffar/kexec/avalue"
	"github.com/Mshaffar/kexec/bfile"
	"github.com/Mshaffar/kexec/exec"
	"github.com/Mshaffar/kexec/hostctx"
	"github.com/Mshaffar/kexec/kernel"
	"github.com/Mshaffar/kexec/kernel/builtins"
	"github.com/Mshaffar/kexec/locs"
	"github.com/Mshaffar/kexec/log"
)

func usage() {
	fmt.Fprintf(os.Stderr, "usage: kexec-run [-args <args.json>] [-timeout <duration>] <function.kx>\n")
	flag.PrintDefaults()
}

func main() {
	log.Std.Level = log.InfoLevel
	argsPath := flag.String("args", "-", "path to a JSON array of argument values, or - for stdin")
	timeout := flag.Duration("timeout", 0, "overall execution timeout (0 = none)")
	pollRate := flag.Float64("poll-rate", 20, "maximum pending-result polls per second")
	debug := flag.Bool("debug", false, "enable debug logging of firing-loop transitions")
	flag.Usage = usage
	flag.Parse()

	if flag.NArg() != 1 {
		usage()
		os.Exit(2)
	}
	if *debug {
		log.Std.Level = log.DebugLevel
	}

	if err := run(flag.Arg(0), *argsPath, *timeout, *pollRate); err != nil {
		log.Fatalf("kexec-run: %v", err)
	}
}

func run(fnPath, argsPath string, timeout time.Duration, pollRate float64) error {
	fnBytes, err := os.ReadFile(fnPath)
	if err != nil {
		return err
	}
	fn, err := bfile.NewLoader().DecodeBytes(fnBytes)
	if err != nil {
		return err
	}

	argVals, err := readArgs(argsPath)
	if err != nil {
		return err
	}
	if len(argVals) != fn.NumArgs {
		return fmt.Errorf("function wants %d arguments, got %d", fn.NumArgs, len(argVals))
	}
	arguments := make([]*avalue.AsyncValue, len(argVals))
	for i, v := range argVals {
		arguments[i] = avalue.NewConcrete(normalizeArg(v))
	}

	ctx := context.Background()
	var cancel context.CancelFunc
	if timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}
	host := hostctx.New(ctx, hostctx.DefaultConfig())

	registry := kernel.NewRegistry()
	builtins.Register(registry)
	locHandler := locs.New(fn.Locations)

	statusRoot := new(status.Status)
	group := statusRoot.Group("kexec-run")

	results := make([]*avalue.AsyncValue, len(fn.ResultRegisters))
	stats, err := exec.Execute(host, fn, registry, locHandler, arguments, results, exec.Config{
		Log:    log.Std,
		Status: group,
	})
	if err != nil {
		return err
	}

	if err := waitForResults(ctx, results, pollRate); err != nil {
		return err
	}

	log.Std.Printf("fired=%d short-circuited=%d peak-worklist-depth=%d wall=%s",
		stats.Fired.Load(), stats.ShortCircuited.Load(), stats.PeakWorklistDepth.Load(), stats.Wall)

	out := make([]interface{}, len(results))
	for i, r := range results {
		switch r.State() {
		case avalue.Concrete:
			out[i] = r.Value()
		case avalue.Error:
			out[i] = map[string]string{"error": r.Err().Error()}
		}
		r.DropRef(1)
	}
	return json.NewEncoder(os.Stdout).Encode(out)
}

// waitForResults blocks until every result has settled (Concrete or
// Error), polling at a rate-limited cadence the way reflow's cmd
// tools throttle their own status-refresh loops rather than busy-spin
// on pending work.
func waitForResults(ctx context.Context, results []*avalue.AsyncValue, pollRate float64) error {
	lim := rate.NewLimiter(rate.Limit(pollRate), 1)
	g, ctx := errgroup.WithContext(ctx)
	for _, r := range results {
		r := r
		g.Go(func() error {
			for !r.IsAvailable() {
				if err := lim.Wait(ctx); err != nil {
					return err
				}
			}
			return nil
		})
	}
	return g.Wait()
}

func readArgs(path string) ([]interface{}, error) {
	var r io.Reader
	if path == "-" {
		r = os.Stdin
	} else {
		f, err := os.Open(path)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}
	dec := json.NewDecoder(r)
	dec.UseNumber()
	var vals []interface{}
	if err := dec.Decode(&vals); err != nil {
		return nil, err
	}
	return vals, nil
}

// normalizeArg converts a json.Number (readArgs decodes every JSON
// number this way, rather than json's default float64, precisely so
// this conversion is lossless) into the Go type the reference kernels
// in package builtins expect: an int wherever the literal has no
// fractional part, and a float64 otherwise. Values of any other JSON
// type pass through unchanged.
func normalizeArg(v interface{}) interface{} {
	n, ok := v.(json.Number)
	if !ok {
		return v
	}
	if i, err := n.Int64(); err == nil {
		return int(i)
	}
	f, err := n.Float64()
	if err != nil {
		return v
	}
	return f
}
