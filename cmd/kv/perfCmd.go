package kv

import (
	"context"
	"encoding/csv"
	"fmt"
	"log"
	"math"
	"os"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/ValentinKolb/kvengine/cmd/util"
	"github.com/ValentinKolb/kvengine/rpc/common"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	perfTestCmd = &cobra.Command{
		Use:     "perf",
		Short:   "Performance testing tool for the engine",
		RunE:    runPerf,
		PreRunE: processPerfConfig,
	}
	perfKeyPrefix        = "__perf"
	perfLargeValueSizeKB = 100
	perfNumThreads       = 10
	perfKeySpread        = 100
	perfBatchSize        = 10
	perfSkip             = make([]string, 0)
)

// benchmark is one perf test. setup runs before the timer starts, op once per iteration.
type benchmark struct {
	name  string
	setup func(ctx context.Context, keys []string) error
	op    func(ctx context.Context, keys []string, i int) error
}

func init() {
	key := "skip"
	perfTestCmd.Flags().String(key, "", util.WrapString("Benchmarks to skip (comma separated - e.g. set,mget)"))
	key = "threads"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Number of goroutines per CPU issuing requests"))
	key = "large-value-size"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How large the value for the set-large test should be (in KB)"))
	key = "keys"
	perfTestCmd.Flags().Int(key, 100, util.WrapString("How many different keys to use for the tests"))
	key = "batch-size"
	perfTestCmd.Flags().Int(key, 10, util.WrapString("Commands per batch for the pipeline and transaction tests"))
	key = "csv"
	perfTestCmd.Flags().String(key, "", util.WrapString("Optional path to save benchmark results as CSV"))
}

func processPerfConfig(cmd *cobra.Command, _ []string) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	perfLargeValueSizeKB = viper.GetInt("large-value-size")
	perfKeySpread = max(viper.GetInt("keys"), 1)
	perfNumThreads = viper.GetInt("threads")
	perfBatchSize = max(viper.GetInt("batch-size"), 1)
	perfSkip = strings.Split(viper.GetString("skip"), ",")
	return nil
}

func runPerf(_ *cobra.Command, _ []string) error {
	config := util.GetClientConfig()
	fmt.Println("Performance testing tool for the engine")
	fmt.Println()
	fmt.Println("Configuration:")
	fmt.Println(config.String())
	fmt.Printf("Threads: %d\n\n", perfNumThreads)

	results := make(map[string]testing.BenchmarkResult)
	for _, bm := range benchmarks() {
		if shouldSkip(bm.name) {
			printResult(bm.name, testing.BenchmarkResult{})
			continue
		}
		res := testing.Benchmark(func(b *testing.B) { runBenchmark(b, bm) })
		results[bm.name] = res
		printResult(bm.name, res)
	}

	if csvPath := viper.GetString("csv"); csvPath != "" {
		fmt.Printf("\nExporting results to CSV: %s\n", csvPath)
		if err := writeResultsToCSV(csvPath, results, config); err != nil {
			return fmt.Errorf("failed to export results to CSV: %v", err)
		}
		fmt.Println("Export complete")
	}
	return nil
}

func benchmarks() []benchmark {
	largeValue := strings.Repeat("x", perfLargeValueSizeKB*1024)
	fill := func(ctx context.Context, keys []string) error {
		for _, k := range keys {
			if _, err := engine.Exec(ctx, common.NewCommand("SET", k, "test"), nil); err != nil {
				return err
			}
		}
		return nil
	}

	return []benchmark{
		{name: "set", op: func(ctx context.Context, keys []string, i int) error {
			_, err := engine.Exec(ctx, common.NewCommand("SET", keys[i%len(keys)], "test"), nil)
			return err
		}},
		{name: "set-large", op: func(ctx context.Context, keys []string, i int) error {
			_, err := engine.Exec(ctx, common.NewCommand("SET", keys[i%len(keys)], largeValue), nil)
			return err
		}},
		{name: "get", setup: fill, op: func(ctx context.Context, keys []string, i int) error {
			_, err := engine.Exec(ctx, common.NewCommand("GET", keys[i%len(keys)]), nil)
			return err
		}},
		// keys spread over all slots, the engine splits and reassembles
		{name: "mget", setup: fill, op: func(ctx context.Context, keys []string, i int) error {
			n := min(perfBatchSize, len(keys))
			args := make([]string, n)
			for j := range args {
				args[j] = keys[(i+j)%len(keys)]
			}
			_, err := engine.Exec(ctx, common.NewCommand("MGET", args...), nil)
			return err
		}},
		{name: "pipeline", op: func(ctx context.Context, keys []string, i int) error {
			b := common.NewBatch(false)
			for j := 0; j < perfBatchSize; j++ {
				b.Add("SET", keys[(i+j)%len(keys)], "test")
			}
			_, err := engine.ExecBatch(ctx, b)
			return err
		}},
		{name: "transaction", op: func(ctx context.Context, _ []string, i int) error {
			b := common.NewBatch(true)
			counter := fmt.Sprintf("{%s}:counter-%d", perfKeyPrefix, i%perfKeySpread)
			for j := 0; j < perfBatchSize; j++ {
				b.Add("INCR", counter)
			}
			_, err := engine.ExecBatch(ctx, b)
			return err
		}},
		{name: "mixed", setup: fill, op: func(ctx context.Context, keys []string, i int) error {
			k := keys[i%len(keys)]
			var err error
			switch i % 3 {
			case 0:
				_, err = engine.Exec(ctx, common.NewCommand("SET", k, "test"), nil)
			case 1:
				_, err = engine.Exec(ctx, common.NewCommand("GET", k), nil)
			case 2:
				_, err = engine.Exec(ctx, common.NewCommand("EXISTS", k), nil)
			}
			return err
		}},
	}
}

// runBenchmark runs bm on its own key set and deletes the keys afterwards
func runBenchmark(b *testing.B, bm benchmark) {
	ctx := context.Background()
	keys := make([]string, perfKeySpread)
	for i := range keys {
		keys[i] = fmt.Sprintf("%s-%s-%d", perfKeyPrefix, bm.name, i)
	}

	if bm.setup != nil {
		if err := bm.setup(ctx, keys); err != nil {
			log.Printf("(%s) - setup failed: %v\n", bm.name, err)
			return
		}
	}
	b.Cleanup(func() {
		if _, err := engine.Exec(ctx, common.NewCommand("DEL", keys...), nil); err != nil {
			log.Printf("(%s) - error deleting keys: %v\n", bm.name, err)
		}
	})

	b.SetParallelism(perfNumThreads)
	b.ResetTimer()
	b.RunParallel(func(pb *testing.PB) {
		counter := 0
		for pb.Next() {
			if err := bm.op(ctx, keys, counter); err != nil {
				log.Printf("(%s) - error: %v\n", bm.name, err)
			}
			counter++
		}
	})
}

// --------------------------------------------------------------------------
// Helper
// --------------------------------------------------------------------------

func shouldSkip(test string) bool {
	for _, skip := range perfSkip {
		if test == strings.TrimSpace(skip) {
			return true
		}
	}
	return false
}

// printResult prints the result of a benchmark test in a formatted way
func printResult(test string, result testing.BenchmarkResult) {
	if result.NsPerOp() == 0 {
		fmt.Printf("%-20sskipped\n", test)
		return
	}

	nsPerOp := math.Max(float64(result.NsPerOp()), 1)
	opsPerSec := 1.0 / (nsPerOp / 1e9)
	fmt.Printf("%-20s%.0fns/op (%s/op)\t%.0f ops/sec\n", test, nsPerOp, time.Duration(nsPerOp), opsPerSec)
}

// writeResultsToCSV writes benchmark results to a CSV file
func writeResultsToCSV(csvPath string, results map[string]testing.BenchmarkResult, config common.ClientConfig) error {
	file, err := os.Create(csvPath)
	if err != nil {
		return fmt.Errorf("failed to create CSV file: %v", err)
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{
		"Test", "NsPerOp", "DurationPerOp", "OpsPerSec",
		"Addresses", "ClusterMode", "Transport", "RequestTimeout", "Socket", "Serializer",
		"Threads", "LargeValueSizeKB", "Keys", "BatchSize",
	}
	if err := writer.Write(header); err != nil {
		return fmt.Errorf("failed to write CSV header: %v", err)
	}

	for test, result := range results {
		nsPerOp := math.Max(float64(result.NsPerOp()), 1)
		row := []string{
			test,
			fmt.Sprintf("%.0f", nsPerOp),
			time.Duration(nsPerOp).String(),
			fmt.Sprintf("%.0f", 1.0/(nsPerOp/1e9)),
			strings.Join(config.Addresses, ";"),
			strconv.FormatBool(config.ClusterMode),
			config.Transport,
			config.RequestTimeout.String(),
			viper.GetString("socket"),
			viper.GetString("serializer"),
			strconv.Itoa(perfNumThreads),
			strconv.Itoa(perfLargeValueSizeKB),
			strconv.Itoa(perfKeySpread),
			strconv.Itoa(perfBatchSize),
		}
		if err := writer.Write(row); err != nil {
			return fmt.Errorf("failed to write row for test %s: %v", test, err)
		}
	}
	return nil
}
