package cmd

import (
	"context"
	"fmt"
	"sync"

	"github.com/spf13/cobra"

	"github.com/cnc-go/cnc/internal/metrics"
	"github.com/cnc-go/cnc/internal/tag"
	"github.com/cnc-go/cnc/internal/transport"
	"github.com/cnc-go/cnc/pkg/cnc"
)

var fanoutN int

// fanoutCmd runs the chained fan-out graph: step t reads item t-1 and puts
// item t, seeded at -1.
var fanoutCmd = &cobra.Command{
	Use:   "fanout",
	Short: "Run the chained fan-out/fan-in sample graph",
	Run: func(cmd *cobra.Command, args []string) {
		_ = loadConfig()
		ctx := cnc.NewLocalContext()
		defer ctx.Close()

		items := cnc.NewItemCollection[int, int](ctx, "chain", nil, tag.IntCodec{}, tag.IntCodec{})
		steps := cnc.NewStepCollection(ctx, "accumulate", nil, tag.IntCodec{},
			func(t int, s *cnc.Step) error {
				prev := items.Get(s, t-1)
				items.Put(t, prev+t)
				return nil
			})
		tags := cnc.NewTagCollection[int](ctx, "control")
		tags.Prescribe(steps)

		items.Put(-1, -1)
		for i := 0; i < fanoutN; i++ {
			tags.Put(i)
		}
		if err := ctx.Wait(context.Background()); err != nil {
			exitWithError("waiting for quiescence", err)
		}

		last, err := items.GetEnv(fanoutN - 1)
		if err != nil {
			exitWithError("reading final item", err)
		}
		fmt.Printf("chain[%d] = %d\n", fanoutN-1, last)
		fmt.Println(metrics.Default.Report())
	},
}

var parallelN int

// parallelCmd runs the integer-range sample: body(i) accumulates i into a
// shared sum.
var parallelCmd = &cobra.Command{
	Use:   "parallel",
	Short: "Run the parallel_for sample over an integer range",
	Run: func(cmd *cobra.Command, args []string) {
		_ = loadConfig()
		ctx := cnc.NewLocalContext()
		defer ctx.Close()

		var mu sync.Mutex
		sum := 0
		cnc.ParallelFor(ctx, 0, parallelN, 1, func(i int) {
			mu.Lock()
			sum += i
			mu.Unlock()
		})
		fmt.Printf("sum[0..%d) = %d\n", parallelN, sum)
		fmt.Println(metrics.Default.Report())
	},
}

var (
	reduceN     int
	reduceLate  bool
	reduceNodes int
)

// reduceCmd runs the asynchronous reduction sample: all inputs fold into
// out-tag 0 under addition, optionally across a local multi-process cluster
// over the in-process transport.
var reduceCmd = &cobra.Command{
	Use:   "reduce",
	Short: "Run the asynchronous reduction sample",
	Run: func(cmd *cobra.Command, args []string) {
		base := loadConfig()
		nodes := reduceNodes
		if nodes < 1 {
			nodes = 1
		}
		cluster := transport.NewCluster(nodes)
		defer cluster.CloseAll()
		peers := make([]string, nodes)
		for i := range peers {
			peers[i] = "local"
		}

		ctxs := make([]*cnc.Context, nodes)
		ins := make([]*cnc.ItemCollection[int, int], nodes)
		countsByPid := make([]*cnc.ItemCollection[int, int], nodes)
		outs := make([]*cnc.ItemCollection[int, int], nodes)
		for pid := 0; pid < nodes; pid++ {
			cfg := *base
			cfg.Node.Pid = pid
			cfg.Node.Peers = peers
			ctxs[pid] = cnc.NewContext(&cfg, cluster.Node(pid))
			ins[pid] = cnc.NewItemCollection[int, int](ctxs[pid], "in", nil, tag.IntCodec{}, tag.IntCodec{})
			countsByPid[pid] = cnc.NewItemCollection[int, int](ctxs[pid], "counts", nil, tag.IntCodec{}, tag.IntCodec{})
			outs[pid] = cnc.NewItemCollection[int, int](ctxs[pid], "out", nil, tag.IntCodec{}, tag.IntCodec{})
			cnc.NewReduction(ctxs[pid], "sum", ins[pid],
				func(int) (bool, int) { return true, 0 },
				func(a, b int) int { return a + b }, 0,
				countsByPid[pid], outs[pid])
		}

		if !reduceLate {
			countsByPid[0].Put(0, reduceN)
		}
		for i := 0; i < reduceN; i++ {
			ins[i%nodes].Put(i, i)
		}
		if reduceLate {
			countsByPid[0].Put(0, -1)
		}

		errs := make(chan error, nodes)
		for pid := 0; pid < nodes; pid++ {
			pid := pid
			go func() { errs <- ctxs[pid].Wait(context.Background()) }()
		}
		for pid := 0; pid < nodes; pid++ {
			if err := <-errs; err != nil {
				exitWithError("waiting for quiescence", err)
			}
		}

		total, err := outs[0].GetEnv(0)
		if err != nil {
			exitWithError("reading reduction result", err)
		}
		fmt.Printf("sum[0..%d) = %d over %d process(es)\n", reduceN, total, nodes)
		fmt.Println(metrics.Default.Report())
	},
}

func init() {
	fanoutCmd.Flags().IntVarP(&fanoutN, "count", "n", 100, "number of chained steps")
	parallelCmd.Flags().IntVarP(&parallelN, "count", "n", 1000, "range upper bound")
	reduceCmd.Flags().IntVarP(&reduceN, "count", "n", 16, "number of reduction inputs")
	reduceCmd.Flags().BoolVar(&reduceLate, "late-count", false,
		"deliver the count as a late flush flag instead of an exact value")
	reduceCmd.Flags().IntVar(&reduceNodes, "nodes", 1,
		"simulated process count over the in-process transport")
}
