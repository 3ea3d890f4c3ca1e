package cmd

import (
	"context"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manenim/redline/pkg/limiter"
)

type probeArgs struct {
	typ      string
	name     string
	limit    int64
	interval string
	refill   float64
}

var probeFlags probeArgs

var probeCmd = &cobra.Command{
	Use:   "probe",
	Short: "Inspect the shared state of a limiter",
	Long: `Read the state a limiter keeps in Redis without consuming capacity.

The limiter is identified by type, name and the parameters it was built
with, since remaining capacity depends on them.

Examples:
  redline probe --type bucket --name login --limit 10 --interval minute
  redline probe --type concurrent --name jobs --limit 4`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		conn, _, err := connect(zap.NewNop())
		if err != nil {
			return err
		}
		defer conn.Close()
		return probe(cmd.Context(), cmd.OutOrStdout(), conn, probeFlags)
	},
}

func init() {
	f := probeCmd.Flags()
	f.StringVar(&probeFlags.typ, "type", limiter.TypeFixedWindow,
		"limiter type: bucket, window, leaky_bucket, points or concurrent")
	f.StringVar(&probeFlags.name, "name", "", "limiter name")
	f.Int64Var(&probeFlags.limit, "limit", 0, "limit, bucket size, capacity or slot count")
	f.StringVar(&probeFlags.interval, "interval", "second", "window or drain interval")
	f.Float64Var(&probeFlags.refill, "refill", 0, "points refilled per second")
	_ = probeCmd.MarkFlagRequired("name")
	_ = probeCmd.MarkFlagRequired("limit")
	rootCmd.AddCommand(probeCmd)
}

func probe(ctx context.Context, out io.Writer, conn *limiter.Connection, a probeArgs) error {
	switch a.typ {
	case limiter.TypeFixedWindow, limiter.TypeSlidingWindow, limiter.TypeLeakyBucket:
		iv, err := limiter.ParseInterval(a.interval)
		if err != nil {
			return err
		}
		return probeInterval(ctx, out, conn, a, iv)
	case limiter.TypePoints:
		p, err := conn.Points(a.name, a.limit, a.refill)
		if err != nil {
			return err
		}
		avail, err := p.AvailablePoints(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, p)
		fmt.Fprintf(out, "  available: %.2f\n", avail)
		return nil
	case limiter.TypeConcurrent:
		s, err := conn.Semaphore(a.name, a.limit)
		if err != nil {
			return err
		}
		held, err := s.Held(ctx)
		if err != nil {
			return err
		}
		m, err := s.Metrics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, s)
		fmt.Fprintf(out, "  held:      %d\n", held)
		fmt.Fprintf(out, "  acquired:  %d (%d immediately, %d after waiting %.3fs)\n",
			m.Held, m.Immediate, m.Waited, m.WaitTime)
		fmt.Fprintf(out, "  held time: %.3fs\n", m.HeldTime)
		fmt.Fprintf(out, "  overages:  %d\n", m.Overages)
		fmt.Fprintf(out, "  reclaimed: %d\n", m.Reclaimed)
		return nil
	default:
		return fmt.Errorf("unknown limiter type %q", a.typ)
	}
}

func probeInterval(ctx context.Context, out io.Writer, conn *limiter.Connection, a probeArgs, iv limiter.Interval) error {
	switch a.typ {
	case limiter.TypeFixedWindow:
		fw, err := conn.FixedWindow(a.name, a.limit, iv)
		if err != nil {
			return err
		}
		n, err := fw.Remaining(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, fw)
		fmt.Fprintf(out, "  remaining: %d\n", n)
	case limiter.TypeSlidingWindow:
		sw, err := conn.SlidingWindow(a.name, a.limit, iv)
		if err != nil {
			return err
		}
		n, err := sw.Remaining(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, sw)
		fmt.Fprintf(out, "  remaining: %d\n", n)
	default:
		lb, err := conn.LeakyBucket(a.name, a.limit, iv)
		if err != nil {
			return err
		}
		level, err := lb.Level(ctx)
		if err != nil {
			return err
		}
		m, err := lb.Metrics(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, lb)
		fmt.Fprintf(out, "  level:     %.2f\n", level)
		fmt.Fprintf(out, "  hits:      %d\n", m.Hits)
		fmt.Fprintf(out, "  misses:    %d\n", m.Misses)
		fmt.Fprintf(out, "  slept:     %.3fs\n", m.SleepTime)
	}
	return nil
}
