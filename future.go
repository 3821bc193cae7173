// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现栈上分配的类型化 Future：fork 把第二个任务拼接进本地队列，
// join 收取其结果。
package pulse

import "unsafe"

// ============================================================================
// Future
// ============================================================================

// Future 类型化的 fork/join 对象
//
// I 是输入类型，O 是输出类型。Future 在分治递归的每个栈帧上
// 以值的形式声明。Fork 把内嵌 Job 的地址链入工作线程的本地队列，
// Go 的逃逸分析因此把 Future 移到堆上：每次 Fork 伴随一次堆分配。
//
// 生命周期约束：
//   - Future 不得比 fork 时使用的任务句柄活得更久；
//   - fork 之后、销毁之前必须恰好调用一次 Join 或 TryJoin；
//   - 同一帧内 fork 多个 Future 时必须按 fork 的逆序 join（栈式纪律）。
type Future[I, O any] struct {
	// job 内嵌任务节点
	// 必须是第一个字段：处理函数通过 Job 指针原地恢复外层 Future
	job Job

	// fn 用户函数，fork 时写入
	fn func(*Task, I) O

	// input 输入槽，fork 时写入
	input I
}

// futureRun 被窃取任务的处理函数
//
// 在认领该任务的工作线程 w' 上调用：t 是在 w' 上重建的任务句柄。
// 调用用户函数，把结果写进执行态记录，然后触发完成信号。
// 只有被公示过的任务才会走到这里，执行态记录必定已挂接。
func futureRun[I, O any](t *Task, j *Job) {
	f := (*Future[I, O])(unsafe.Pointer(j))
	res := f.fn(t, f.input)

	es := j.exec
	es.result = res
	es.done.set()
}

// Fork 把内嵌任务推入任务句柄所在工作线程的本地队列
//
// 前置条件：t 在调用线程自己的工作线程上；Future 处于 pending 状态。
// 推入后任务进入 queued 状态。
//
// 若池的空闲线程计数大于零，立即走一次心跳路径公示最旧的排队任务：
// 有线程停泊时花一次原子读换掉它们的唤醒延迟（主动窃取）。
func (f *Future[I, O]) Fork(t *Task, fn func(*Task, I) O, input I) {
	if f.job.handler != nil {
		panic("pulse: Future 已经 fork 过")
	}
	f.fn = fn
	f.input = input
	f.job.push(&t.tail, futureRun[I, O])

	if p := t.worker.pool; p != nil && p.idleCount.Load() > 0 {
		p.heartbeat(t.worker, t)
	}
}

// Join 收取结果
//
// 断言 fork 已经发生，随后等价于 TryJoin。
// 返回 (结果, true) 表示任务被窃取并在别处执行完成；
// 返回 (零值, false) 表示任务仍在本地（已弹出或被回收），
// 调用方必须原地执行用户函数。调用模式固定为：
//
//	if rb, ok := fut.Join(t); !ok { rb = fnB(t, inputB) }
func (f *Future[I, O]) Join(t *Task) (O, bool) {
	if f.job.handler == nil {
		panic("pulse: Join 先于 Fork 调用")
	}
	return f.TryJoin(t)
}

// TryJoin 对任务状态的幂等观察，即使没 fork 过也安全
//
//	pending   -> 无事发生，返回 (零值, false)
//	queued    -> 原地弹出，返回 (零值, false)，调用方原地执行
//	executing -> 进入冷等待路径，返回 (结果, true)
func (f *Future[I, O]) TryJoin(t *Task) (O, bool) {
	var zero O
	j := &f.job
	if j.handler == nil {
		// pending：fork 没有发生
		return zero, false
	}
	if j.prev != nil {
		// queued：仍在本地队列尾部
		j.pop(&t.tail)
		return zero, false
	}
	return f.wait(t)
}

// ============================================================================
// 冷等待路径
// ============================================================================

// wait 任务已被公示或窃取时的等待路径
//
// 走到这里时本地队列必为空：比本任务旧的节点都先被 shift 走了，
// 比它新的节点都已按栈式纪律 join 完毕。因此先把尾指针复位到哨兵头，
// 协助执行期间的嵌套 push 才能续接在正确的位置上。
//
// 随后的纪律保证等待线程在别处还有活可干时绝不无限期停泊：
//  1. 在池锁内检查任务是否还躺在自己的共享槽里没被认领，
//     是则收回：清槽、释放执行态记录，按"未被窃取"返回；
//  2. 否则在完成信号触发前反复认领全池最旧的共享任务，出锁执行；
//  3. 到处都没有共享任务而本任务仍未完成时，出锁停泊在完成信号上；
//  4. 信号触发后读出结果字，释放执行态记录，按"已被窃取"返回。
func (f *Future[I, O]) wait(t *Task) (O, bool) {
	var zero O
	w := t.worker
	p := w.pool
	es := f.job.exec

	t.tail = &w.head

	p.mu.Lock()
	for {
		if w.sharedJob == &f.job {
			// 还没人认领，收回
			w.sharedJob = nil
			p.mu.Unlock()
			f.job.exec = nil
			releaseExecState(es)
			p.stats.jobsReclaimed.Inc()
			return zero, false
		}
		if es.done.isSet() {
			break
		}
		j := p.claimOldestSharedLocked()
		if j == nil {
			break
		}
		p.mu.Unlock()
		w.executeJob(j, t.tail)
		p.mu.Lock()
	}
	p.mu.Unlock()

	es.done.wait()
	res := es.result.(O)
	f.job.exec = nil
	releaseExecState(es)
	return res, true
}
