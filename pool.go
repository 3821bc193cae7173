// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现线程池：工作线程生命周期、心跳 ticker、
// 以及被窃取任务发布与消费的会合点。
package pulse

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/encoding/json"
	uatomic "go.uber.org/atomic"
	"go.uber.org/zap"
)

// ============================================================================
// 线程池
// ============================================================================
//
// 防止反复引入的问题:
// 1. 池锁只在心跳公示和被窃取任务交接时持有，绝不覆盖用户代码执行
// 2. 公示时间标签在池锁内单调分配，最旧优先的选择因此是确定性的
// 3. 每次成功公示后必须 Signal 条件变量（停泊线程的活性依赖于此）
// 4. 按需工作线程在 call 返回前必须从工作线程表上摘除

const (
	// maxWorkers 工作线程数上限
	maxWorkers = 256

	// onDemandSlack 为按需工作线程预留的表容量
	onDemandSlack = 16
)

// Pool 线程池
//
// 持有全部工作线程、心跳 ticker 和被窃取任务的会合点。
// 互斥锁保护工作线程表、共享任务槽和单调标签计数器。
type Pool struct {
	// mu 池锁
	mu sync.Mutex

	// cond 空闲工作线程停泊的条件变量（关联 mu）
	cond *sync.Cond

	// workers 工作线程表（池锁保护）
	// 前 bgCount 个是后台线程，之后是 call 挂入的按需线程
	workers []*Worker

	// bgCount 后台工作线程数
	bgCount int

	// heartbeatInterval 心跳周期
	// ticker 把它摊到各工作线程上：每 interval/n 置位一个标志，
	// n 是工作线程表的当前长度（含按需线程）
	heartbeatInterval time.Duration

	// nextJobTime 公示时间标签计数器（池锁保护）
	nextJobTime uint64

	// nextWorkerID 工作线程 ID 分配器（池锁保护）
	nextWorkerID int

	// idleCount 停泊在条件变量上的工作线程数
	// fork 热路径上无锁读取（主动窃取判定）
	idleCount atomic.Int32

	// stopping 停止标志（池锁保护）
	stopping bool

	// stopCh ticker 停止信号
	stopCh chan struct{}

	// wg 等待全部后台线程和 ticker 退出
	wg sync.WaitGroup

	// readyWg 等待每个后台线程发出一次就绪信号
	readyWg sync.WaitGroup

	// started 是否已启动（池锁保护）
	started bool

	// logger 生命周期日志
	// 默认为 Nop，绝不出现在 tick/fork/join 热路径上
	logger *zap.Logger

	// stats 统计
	stats poolCounters
}

// poolCounters 池内部计数器
type poolCounters struct {
	// jobsShared 心跳公示的任务数
	jobsShared uatomic.Int64

	// jobsStolen 被其他线程认领走的任务数
	jobsStolen uatomic.Int64

	// jobsReclaimed 公示后无人认领、被发起方收回的任务数
	jobsReclaimed uatomic.Int64
}

// NewPool 创建线程池
//
// 配置无效时返回错误。创建后需调用 Start 才会开始工作。
func NewPool(cfg Config) (*Pool, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	logger, err := cfg.BuildLogger()
	if err != nil {
		return nil, err
	}

	p := &Pool{
		bgCount:           cfg.workerCount(),
		heartbeatInterval: cfg.interval(),
		stopCh:            make(chan struct{}),
		logger:            logger,
	}
	p.cond = sync.NewCond(&p.mu)
	p.workers = make([]*Worker, 0, p.bgCount+onDemandSlack)
	return p, nil
}

// Start 启动线程池
//
// 拉起所有后台工作线程和心跳 ticker，阻塞到每个后台线程就绪。
// 重复调用是空操作。
func (p *Pool) Start() {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true

	for i := 0; i < p.bgCount; i++ {
		w := newWorker(p.nextWorkerID, p)
		p.nextWorkerID++
		p.workers = append(p.workers, w)
		p.wg.Add(1)
		p.readyWg.Add(1)
		go w.run()
	}
	p.wg.Add(1)
	go p.tickerLoop()
	p.mu.Unlock()

	p.readyWg.Wait()

	p.logger.Info("worker pool started",
		zap.Int("workers", p.bgCount),
		zap.Duration("heartbeat_interval", p.heartbeatInterval))
}

// Stop 停止线程池
//
// 置位停止标志、广播条件变量、回收 ticker，等待全部线程退出。
// 正在执行的任务会运行到结束。重复调用是空操作。
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.started || p.stopping {
		p.mu.Unlock()
		return
	}
	p.stopping = true
	p.cond.Broadcast()
	p.mu.Unlock()

	close(p.stopCh)
	p.wg.Wait()

	p.logger.Info("worker pool stopped",
		zap.Int64("jobs_shared", p.stats.jobsShared.Load()),
		zap.Int64("jobs_stolen", p.stats.jobsStolen.Load()),
		zap.Int64("jobs_reclaimed", p.stats.jobsReclaimed.Load()))
}

// NumWorkers 后台工作线程数
func (p *Pool) NumWorkers() int {
	return p.bgCount
}

// ============================================================================
// 心跳
// ============================================================================

// heartbeat 心跳冷路径
//
// 只在 owner 线程上调用：要么 tick 观察到标志被置位，
// 要么 fork 观察到有空闲线程（主动窃取）。
//
// 在池锁内：若共享槽空闲，从本地队列头部 shift 最旧的排队任务，
// 挂接执行态记录完成 queued -> executing 转换，连同下一个单调标签
// 放进共享槽，并 Signal 条件变量。最后清除心跳标志。
//
// 排序保证：任一时刻全部共享任务中标签最小者公示得最久，
// 任何找活干的线程都会先选中它。
func (p *Pool) heartbeat(w *Worker, t *Task) {
	p.mu.Lock()
	if w.sharedJob == nil {
		if j := w.head.shift(&t.tail); j != nil {
			j.exec = acquireExecState()
			w.sharedJob = j
			w.jobTime = p.nextJobTime
			p.nextJobTime++
			p.stats.jobsShared.Inc()
			p.cond.Signal()
		}
	}
	w.heartbeat.Store(false)
	w.stats.heartbeats.Inc()
	p.mu.Unlock()
}

// claimOldestSharedLocked 认领全池最旧的共享任务（须持有池锁）
//
// 选择严格由公示时间标签决定；标签由单调计数器分配不会相等，
// 遍历顺序（工作线程表序）作为确定性的兜底。
// 认领即清空对应的共享槽。没有可认领的任务时返回 nil。
func (p *Pool) claimOldestSharedLocked() *Job {
	var best *Worker
	for _, w := range p.workers {
		if w.sharedJob != nil && (best == nil || w.jobTime < best.jobTime) {
			best = w
		}
	}
	if best == nil {
		return nil
	}
	j := best.sharedJob
	best.sharedJob = nil
	p.stats.jobsStolen.Inc()
	return j
}

// tickerLoop 心跳 ticker 线程
//
// 轮转置位各工作线程的心跳标志，每次置位后睡 interval/n。
// 标志本身只有 monotonic 语义。
func (p *Pool) tickerLoop() {
	defer p.wg.Done()

	p.logger.Debug("heartbeat ticker started")
	i := 0
	for {
		select {
		case <-p.stopCh:
			p.logger.Debug("heartbeat ticker stopped")
			return
		default:
		}

		p.mu.Lock()
		n := len(p.workers)
		if n > 0 {
			p.workers[i%n].heartbeat.Store(true)
			i++
		}
		p.mu.Unlock()

		time.Sleep(p.heartbeatInterval / time.Duration(max(n, 1)))
	}
}

// ============================================================================
// 外部线程入口
// ============================================================================

// Call 从外部（非工作）线程进入池
//
// 在调用者线程上构造一个临时工作线程，挂入工作线程表，
// 在其上构造任务句柄并调用 fn，返回前摘除临时线程。
// 这是外部线程使用池的唯一入口，不会成为常驻成员。
func Call[I, O any](p *Pool, fn func(*Task, I) O, arg I) O {
	w := p.newTransientWorker()
	t := Task{worker: w, tail: &w.head}

	gid, prev := setCurrentTask(&t)
	defer func() {
		restoreCurrentTask(gid, prev)
		p.removeWorker(w)
	}()

	return fn(&t, arg)
}

// newTransientWorker 创建并挂入一个按需工作线程
func (p *Pool) newTransientWorker() *Worker {
	p.mu.Lock()
	w := newWorker(p.nextWorkerID, p)
	p.nextWorkerID++
	p.workers = append(p.workers, w)
	p.mu.Unlock()
	return w
}

// removeWorker 按标识摘除一个按需工作线程
func (p *Pool) removeWorker(w *Worker) {
	p.mu.Lock()
	for i, cur := range p.workers {
		if cur == w {
			p.workers = append(p.workers[:i], p.workers[i+1:]...)
			break
		}
	}
	p.mu.Unlock()
}

// ============================================================================
// 统计与调试
// ============================================================================

// PoolStats 线程池统计快照
type PoolStats struct {
	Workers       int   // 后台工作线程数
	IdleWorkers   int32 // 停泊中的工作线程数
	JobsShared    int64 // 心跳公示的任务数
	JobsStolen    int64 // 被认领走的任务数
	JobsReclaimed int64 // 被发起方收回的任务数
}

// Stats 获取统计快照
func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Workers:       p.bgCount,
		IdleWorkers:   p.idleCount.Load(),
		JobsShared:    p.stats.jobsShared.Load(),
		JobsStolen:    p.stats.jobsStolen.Load(),
		JobsReclaimed: p.stats.jobsReclaimed.Load(),
	}
}

// DumpState 输出调度器状态的 JSON 快照（用于调试）
func (p *Pool) DumpState() ([]byte, error) {
	p.mu.Lock()
	workerStats := make([]WorkerStats, len(p.workers))
	for i, w := range p.workers {
		workerStats[i] = w.statsLocked()
	}
	state := map[string]interface{}{
		"backgroundWorkers": p.bgCount,
		"totalWorkers":      len(p.workers),
		"idleWorkers":       p.idleCount.Load(),
		"nextJobTime":       p.nextJobTime,
		"stopping":          p.stopping,
		"jobsShared":        p.stats.jobsShared.Load(),
		"jobsStolen":        p.stats.jobsStolen.Load(),
		"jobsReclaimed":     p.stats.jobsReclaimed.Load(),
		"workerStats":       workerStats,
	}
	p.mu.Unlock()

	return json.Marshal(state)
}

// defaultWorkerCount 默认后台工作线程数
func defaultWorkerCount() int {
	return max(1, runtime.NumCPU()-1)
}
