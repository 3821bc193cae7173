package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/tangzhangming/pulse"
)

var (
	configPath = flag.String("config", "", "Path to pulse.toml (default: search upward from cwd)")
	workers    = flag.Int("workers", 0, "Background worker count (0 = auto)")
	n          = flag.Int("n", 1_000_000, "Problem size for the demo workloads")
	logMode    = flag.String("log", "dev", "Log mode: off, dev, prod")
	dumpState  = flag.Bool("dump", false, "Print a scheduler state snapshot after the run")
)

func main() {
	flag.Parse()

	cfg := pulse.DefaultConfig()

	// 配置文件优先，命令行覆盖
	path := *configPath
	if path == "" {
		if wd, err := os.Getwd(); err == nil {
			path = pulse.FindConfigFile(wd)
		}
	}
	if path != "" {
		loaded, err := pulse.LoadConfig(path)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
			os.Exit(1)
		}
		cfg = *loaded
	}
	if *workers > 0 {
		cfg.BackgroundWorkerCount = *workers
	}
	cfg.LogMode = *logMode

	if err := pulse.InitWithConfig(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	defer pulse.Deinit()

	fmt.Printf("pulse demo: %d workers, n=%d\n", pulse.NumWorkers(), *n)

	// 并行 for：填表
	data := make([]int, *n)
	start := time.Now()
	pulse.ParallelFor(*n, data, func(t *pulse.Task, ctx []int, i int) {
		ctx[i] = i * 2
	})
	fmt.Printf("  parallel for   : %v\n", time.Since(start))

	// 并行归约：求和
	start = time.Now()
	sum := pulse.ParallelReduce(*n, 0.0, struct{}{},
		func(t *pulse.Task, _ struct{}, i int) float64 { return float64(i) },
		func(a, b float64) float64 { return a + b })
	fmt.Printf("  parallel reduce: %v (sum=%.0f)\n", time.Since(start), sum)

	// 嵌套 join：斐波那契树
	start = time.Now()
	fib := fibJoin(30)
	fmt.Printf("  nested join    : %v (fib(30)=%d)\n", time.Since(start), fib)

	if p := pulse.DefaultPool(); p != nil {
		stats := p.Stats()
		fmt.Printf("  jobs shared=%d stolen=%d reclaimed=%d\n",
			stats.JobsShared, stats.JobsStolen, stats.JobsReclaimed)

		if *dumpState {
			snapshot, err := p.DumpState()
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error dumping state: %v\n", err)
				os.Exit(1)
			}
			fmt.Println(string(snapshot))
		}
	}
}

// fibJoin 用嵌套 join 计算斐波那契数（演示不规则递归负载）
func fibJoin(n int) int {
	if n < 20 {
		return fibSeq(n)
	}
	a, b := pulse.Join(
		func(t *pulse.Task, k int) int { return fibJoin(k) },
		func(t *pulse.Task, k int) int { return fibJoin(k) },
		n-1, n-2)
	return a + b
}

func fibSeq(n int) int {
	if n < 2 {
		return n
	}
	return fibSeq(n-1) + fibSeq(n-2)
}
