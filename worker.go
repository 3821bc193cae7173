// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现工作线程（Worker）：本地队列、心跳标志和共享任务槽。
package pulse

import (
	"sync/atomic"

	uatomic "go.uber.org/atomic"
)

// ============================================================================
// 工作线程
// ============================================================================
//
// 防止反复引入的问题:
// 1. 本地队列字段只允许 owner 线程读写，shift 还必须额外持有池锁
// 2. 共享任务槽容量为 1，读写都在池锁内
// 3. 心跳标志只用 monotonic 语义，丢一次心跳无害（下一次会纠正）
// 4. 认领共享任务后必须先出锁再执行，绝不在池锁内运行用户代码

// Worker 工作线程
//
// 每个工作线程拥有：
//   - 带哨兵头的本地任务队列（owner 独占，无同步）
//   - 心跳标志（由 ticker 线程置位，由 owner 在服务心跳时清除）
//   - 一个共享任务槽（向其他工作线程公示最旧的排队任务）
//
// 后台工作线程在池启动时创建、池销毁时回收；
// 外部线程通过 pool 的 call 入口临时挂入一个按需工作线程。
type Worker struct {
	// id 工作线程 ID
	id int

	// pool 所属线程池
	// 脱离池运行的顺序回退路径下为 nil
	pool *Pool

	// head 本地队列哨兵头
	// head.next 指向最旧的排队任务
	head Job

	// heartbeat 心跳标志
	// 初始化为 false：工作线程启动后的第一次 tick 可能是空操作，
	// 直到 ticker 的第一个脉冲轮到本线程。
	heartbeat atomic.Bool

	// sharedJob 共享任务槽（池锁保护）
	// 指向一个 executing 状态的 Job，等待任意工作线程认领
	sharedJob *Job

	// jobTime 公示时间标签（池锁保护）
	// 任务进入共享槽时由池的单调计数器分配，用于最旧优先选取
	jobTime uint64

	// stats 统计
	stats workerCounters
}

// workerCounters 工作线程内部计数器
type workerCounters struct {
	// executed 在本线程上执行完成的被窃取任务数
	executed uatomic.Int64

	// heartbeats 服务过的心跳次数
	heartbeats uatomic.Int64
}

// newWorker 创建工作线程
func newWorker(id int, pool *Pool) *Worker {
	return &Worker{
		id:   id,
		pool: pool,
	}
}

// ID 获取工作线程 ID
func (w *Worker) ID() int {
	return w.id
}

// run 后台工作线程主循环
//
// 在独立的 goroutine 中运行：
//  1. 在池锁内寻找全池最旧的共享任务
//  2. 找到则出锁执行，执行完回到第 1 步
//  3. 没有任务则递增空闲计数并停泊在池的条件变量上
func (w *Worker) run() {
	p := w.pool
	defer p.wg.Done()

	// 就绪信号只发一次
	p.readyWg.Done()

	p.mu.Lock()
	for {
		if p.stopping {
			break
		}
		if j := p.claimOldestSharedLocked(); j != nil {
			p.mu.Unlock()
			w.executeJob(j, &w.head)
			p.mu.Lock()
			continue
		}
		p.idleCount.Add(1)
		p.cond.Wait()
		p.idleCount.Add(-1)
	}
	p.mu.Unlock()
}

// executeJob 在本线程上执行一个被认领的任务
//
// tail 是嵌套 push 应当续接的队列尾：后台主循环传入 &w.head
// （此时本地队列必为空），协助等待路径传入当前任务句柄的尾指针。
// 任务句柄在执行期间登记为当前 goroutine 的任务，执行结束后恢复。
func (w *Worker) executeJob(j *Job, tail *Job) {
	t := Task{worker: w, tail: tail}
	gid, prev := setCurrentTask(&t)
	j.handler(&t, j)
	restoreCurrentTask(gid, prev)

	w.stats.executed.Inc()
}

// queueLen 本地队列长度（仅测试和调试用，owner 线程调用）
func (w *Worker) queueLen() int {
	n := 0
	for j := w.head.next; j != nil; j = j.next {
		n++
	}
	return n
}

// ============================================================================
// 统计信息
// ============================================================================

// WorkerStats 工作线程统计快照
type WorkerStats struct {
	ID         int   // 线程 ID
	Executed   int64 // 执行的被窃取任务数
	Heartbeats int64 // 服务过的心跳次数
	HasShared  bool  // 共享槽是否被占用
	JobTime    uint64 // 共享槽任务的公示时间标签
}

// statsLocked 采集统计快照（须持有池锁）
func (w *Worker) statsLocked() WorkerStats {
	return WorkerStats{
		ID:         w.id,
		Executed:   w.stats.executed.Load(),
		Heartbeats: w.stats.heartbeats.Load(),
		HasShared:  w.sharedJob != nil,
		JobTime:    w.jobTime,
	}
}
