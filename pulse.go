// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 运行时面向共享内存多核上的分治并行：join 的开销在几十纳秒量级，
// 比经典的 Chase-Lev 工作窃取调度低一到两个数量级，同时靠
// 心跳公示 + 主动窃取在不规则负载上保持良好的均衡。
//
// 本文件实现进程级单例池和高层原语：Join、ParallelFor、ParallelReduce。
package pulse

import "sync"

// ============================================================================
// 进程级单例池
// ============================================================================

// global 进程级池单例
//
// 生命周期绑定进程：显式 Init 便于测试，高层原语首次使用时自动初始化。
// Deinit 之后原语回退到顺序执行，不会复活池。
var global struct {
	mu       sync.Mutex
	pool     *Pool
	deinited bool
}

// Init 用默认配置初始化进程级池
//
// 幂等：已初始化时是空操作。启动失败属于致命错误，直接 panic。
func Init() {
	if err := InitWithConfig(DefaultConfig()); err != nil {
		panic("pulse: 池初始化失败: " + err.Error())
	}
}

// InitWithConfig 用给定配置初始化进程级池
//
// 幂等：已初始化时是空操作并返回 nil。
func InitWithConfig(cfg Config) error {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.pool != nil {
		return nil
	}
	p, err := NewPool(cfg)
	if err != nil {
		return err
	}
	p.Start()
	global.pool = p
	global.deinited = false
	return nil
}

// Deinit 关闭进程级池
//
// 等待全部线程退出。未初始化时是空操作。
func Deinit() {
	global.mu.Lock()
	p := global.pool
	global.pool = nil
	global.deinited = true
	global.mu.Unlock()

	if p != nil {
		p.Stop()
	}
}

// IsInitialized 进程级池是否已初始化
func IsInitialized() bool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.pool != nil
}

// NumWorkers 进程级池的后台工作线程数，未初始化时为 0
func NumWorkers() int {
	global.mu.Lock()
	defer global.mu.Unlock()
	if global.pool == nil {
		return 0
	}
	return global.pool.NumWorkers()
}

// DefaultPool 返回进程级池，未初始化时为 nil
func DefaultPool() *Pool {
	global.mu.Lock()
	defer global.mu.Unlock()
	return global.pool
}

// ensurePool 自动初始化便捷路径
//
// 未初始化且没有 Deinit 过时，用默认配置拉起池。
// Deinit 之后返回 nil，调用方回退到顺序执行。
func ensurePool() *Pool {
	global.mu.Lock()
	if global.pool != nil || global.deinited {
		p := global.pool
		global.mu.Unlock()
		return p
	}
	global.mu.Unlock()

	Init()
	return DefaultPool()
}

// detachedTask 构造一个不挂在任何池上的任务句柄
//
// 顺序回退路径使用：fork 照常入队，join 永远原地弹出执行，
// 心跳标志永远不会被置位。
func detachedTask() *Task {
	w := &Worker{id: -1}
	return &Task{worker: w, tail: &w.head}
}

// ============================================================================
// Join
// ============================================================================

// Join fork-join 原语
//
// 并行执行 fnA 和 fnB 并返回两个结果。并行只是可能而非保证：
// fnB 的任务未被窃取时由当前线程原地执行。
//
// 已在池的执行帧内时（当前 goroutine 登记了任务句柄）直接走快速路径；
// 否则经由池的外部线程入口进入；没有池时顺序执行。
func Join[IA, IB, RA, RB any](fnA func(*Task, IA) RA, fnB func(*Task, IB) RB, a IA, b IB) (RA, RB) {
	if t := currentTask(); t != nil {
		return joinOn(t, fnA, fnB, a, b)
	}

	p := ensurePool()
	if p == nil {
		t := detachedTask()
		ra := fnA(t, a)
		rb := fnB(t, b)
		return ra, rb
	}

	res := Call(p, func(t *Task, _ struct{}) joinResult[RA, RB] {
		ra, rb := joinOn(t, fnA, fnB, a, b)
		return joinResult[RA, RB]{ra: ra, rb: rb}
	}, struct{}{})
	return res.ra, res.rb
}

// joinResult Join 慢路径穿过池入口时的结果对
type joinResult[RA, RB any] struct {
	ra RA
	rb RB
}

// joinOn 快速路径：为 fnB 建 Future 并 fork，原地执行 fnA，然后 join
func joinOn[IA, IB, RA, RB any](t *Task, fnA func(*Task, IA) RA, fnB func(*Task, IB) RB, a IA, b IB) (RA, RB) {
	t.Tick()

	var fut Future[IB, RB]
	fut.Fork(t, fnB, b)

	ra := fnA(t, a)

	rb, stolen := fut.Join(t)
	if !stolen {
		rb = fnB(t, b)
	}
	return ra, rb
}

// ============================================================================
// ParallelFor
// ============================================================================

// forInput 右半区间的递归参数
type forInput[C any] struct {
	lo, hi int
	ctx    C
	body   func(*Task, C, int)
	grain  int
}

// forTail 右半区间的处理入口（作为 Future 的用户函数，不捕获任何变量）
func forTail[C any](t *Task, in forInput[C]) struct{} {
	forRange(t, in.lo, in.hi, in.ctx, in.body, in.grain)
	return struct{}{}
}

// forRange 在 [lo, hi) 上二分递归
//
// 区间不大于粒度时原地顺序执行；否则 fork 右半、递归左半、join。
func forRange[C any](t *Task, lo, hi int, ctx C, body func(*Task, C, int), grain int) {
	t.Tick()

	if hi-lo <= grain {
		for i := lo; i < hi; i++ {
			body(t, ctx, i)
		}
		return
	}

	mid := lo + (hi-lo)/2

	var fut Future[forInput[C], struct{}]
	fut.Fork(t, forTail[C], forInput[C]{lo: mid, hi: hi, ctx: ctx, body: body, grain: grain})

	forRange(t, lo, mid, ctx, body, grain)

	if _, stolen := fut.Join(t); !stolen {
		forRange(t, mid, hi, ctx, body, grain)
	}
}

// ParallelFor 在 [0, n) 上并行执行 body，使用默认粒度
//
// 每个下标恰好传给 body 一次。n <= 0 时是空操作。
func ParallelFor[C any](n int, ctx C, body func(*Task, C, int)) {
	ParallelForWithGrain(n, ctx, body, DefaultGrain)
}

// ParallelForWithGrain 在 [0, n) 上并行执行 body，指定粒度
func ParallelForWithGrain[C any](n int, ctx C, body func(*Task, C, int), grain int) {
	if n <= 0 {
		return
	}
	if grain < 1 {
		grain = 1
	}

	if t := currentTask(); t != nil {
		forRange(t, 0, n, ctx, body, grain)
		return
	}

	p := ensurePool()
	if p == nil {
		t := detachedTask()
		for i := 0; i < n; i++ {
			body(t, ctx, i)
		}
		return
	}

	Call(p, func(t *Task, _ struct{}) struct{} {
		forRange(t, 0, n, ctx, body, grain)
		return struct{}{}
	}, struct{}{})
}

// ============================================================================
// ParallelReduce
// ============================================================================

// reduceInput 右半区间的递归参数
type reduceInput[C, R any] struct {
	lo, hi  int
	ctx     C
	mapFn   func(*Task, C, int) R
	combine func(R, R) R
	grain   int
}

// reduceTail 右半区间的处理入口
func reduceTail[C, R any](t *Task, in reduceInput[C, R]) R {
	return reduceRange(t, in.lo, in.hi, in.ctx, in.mapFn, in.combine, in.grain)
}

// reduceRange 在 [lo, hi) 上二分归约，lo < hi
func reduceRange[C, R any](t *Task, lo, hi int, ctx C, mapFn func(*Task, C, int) R, combine func(R, R) R, grain int) R {
	t.Tick()

	if hi-lo <= grain {
		acc := mapFn(t, ctx, lo)
		for i := lo + 1; i < hi; i++ {
			acc = combine(acc, mapFn(t, ctx, i))
		}
		return acc
	}

	mid := lo + (hi-lo)/2

	var fut Future[reduceInput[C, R], R]
	fut.Fork(t, reduceTail[C, R], reduceInput[C, R]{
		lo: mid, hi: hi, ctx: ctx, mapFn: mapFn, combine: combine, grain: grain,
	})

	left := reduceRange(t, lo, mid, ctx, mapFn, combine, grain)

	right, stolen := fut.Join(t)
	if !stolen {
		right = reduceRange(t, mid, hi, ctx, mapFn, combine, grain)
	}
	return combine(left, right)
}

// ParallelReduce 在 [0, n) 上并行归约，使用默认粒度
//
// combine 必须满足结合律；运行时不要求交换律。
// n <= 0 时返回 identity。
func ParallelReduce[C, R any](n int, identity R, ctx C, mapFn func(*Task, C, int) R, combine func(R, R) R) R {
	return ParallelReduceWithGrain(n, identity, ctx, mapFn, combine, DefaultGrain)
}

// ParallelReduceWithGrain 在 [0, n) 上并行归约，指定粒度
func ParallelReduceWithGrain[C, R any](n int, identity R, ctx C, mapFn func(*Task, C, int) R, combine func(R, R) R, grain int) R {
	if n <= 0 {
		return identity
	}
	if grain < 1 {
		grain = 1
	}

	if t := currentTask(); t != nil {
		return combine(identity, reduceRange(t, 0, n, ctx, mapFn, combine, grain))
	}

	p := ensurePool()
	if p == nil {
		t := detachedTask()
		acc := identity
		for i := 0; i < n; i++ {
			acc = combine(acc, mapFn(t, ctx, i))
		}
		return acc
	}

	total := Call(p, func(t *Task, _ struct{}) R {
		return reduceRange(t, 0, n, ctx, mapFn, combine, grain)
	}, struct{}{})
	return combine(identity, total)
}
