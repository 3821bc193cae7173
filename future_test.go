// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件包含 Future 和冷等待路径的测试用例。
// 运行时使用 -race 标志检测竞态条件：
//
//	go test -race -v .
package pulse

import "testing"

// double 测试用用户函数
func double(t *Task, x int) int { return x * 2 }

// newIdlePool 构造一个未启动的池：没有后台线程和 ticker，
// 心跳和认领路径可以完全确定性地驱动
func newIdlePool(t *testing.T) *Pool {
	t.Helper()
	p, err := NewPool(DefaultConfig())
	if err != nil {
		t.Fatalf("NewPool failed: %v", err)
	}
	return p
}

// ============================================================================
// 本地路径测试
// ============================================================================

// TestFutureLocalPop 未被窃取的 Future：push -> 本地 pop -> 调用方原地执行。
// 完成信号从不触发，执行态记录从不分配。
func TestFutureLocalPop(t *testing.T) {
	task := detachedTask()

	var fut Future[int, int]
	fut.Fork(task, double, 21)

	if fut.job.state() != jobQueued {
		t.Fatalf("Expected queued after fork, got %v", fut.job.state())
	}

	res, stolen := fut.Join(task)
	if stolen {
		t.Fatal("Job on a detached task can never be stolen")
	}
	if res != 0 {
		t.Error("Not-stolen join must return the zero value")
	}
	if fut.job.exec != nil {
		t.Error("Execute state must never be allocated on the local path")
	}

	// 调用方契约：未被窃取时原地执行
	if got := double(task, 21); got != 42 {
		t.Errorf("Expected 42, got %d", got)
	}
}

func TestFutureTryJoinPending(t *testing.T) {
	task := detachedTask()

	// fork 没有发生，TryJoin 是安全的空操作
	var fut Future[int, int]
	res, stolen := fut.TryJoin(task)
	if stolen || res != 0 {
		t.Error("TryJoin on a pending future should be a no-op")
	}
}

func TestFutureJoinBeforeForkPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Join before Fork should panic")
		}
	}()
	task := detachedTask()
	var fut Future[int, int]
	fut.Join(task)
}

func TestFutureForkTwicePanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("Second Fork should panic")
		}
	}()
	task := detachedTask()
	var fut Future[int, int]
	fut.Fork(task, double, 1)
	fut.Fork(task, double, 2)
}

// ============================================================================
// 公示与回收测试
// ============================================================================

func TestHeartbeatPublishesOldest(t *testing.T) {
	p := newIdlePool(t)
	w := p.newTransientWorker()
	defer p.removeWorker(w)
	task := &Task{worker: w, tail: &w.head}

	var futA, futB Future[int, int]
	futA.Fork(task, double, 1)
	futB.Fork(task, double, 2)

	// 置位心跳标志并 tick：最旧的 a 被公示
	w.heartbeat.Store(true)
	task.Tick()

	if w.sharedJob != &futA.job {
		t.Fatal("Heartbeat should advertise the oldest queued job")
	}
	if futA.job.state() != jobExecuting {
		t.Errorf("Advertised job should be executing, got %v", futA.job.state())
	}
	if futA.job.exec == nil {
		t.Error("Advertised job must carry an execute state")
	}
	if w.heartbeat.Load() {
		t.Error("Tick should clear the heartbeat flag")
	}
	if got := p.Stats().JobsShared; got != 1 {
		t.Errorf("Expected 1 shared job, got %d", got)
	}

	// 槽容量为 1：槽被占用时心跳不再公示
	w.heartbeat.Store(true)
	task.Tick()
	if w.sharedJob != &futA.job || futB.job.state() != jobQueued {
		t.Error("Occupied slot must block further advertisement")
	}

	// 清理：按 fork 逆序 join（b 仍在队列里原地弹出，a 走回收）
	if _, stolen := futB.Join(task); stolen {
		t.Error("b should still be queued")
	}
	if _, stolen := futA.Join(task); stolen {
		t.Error("Unclaimed advertised job should be reclaimed, not stolen")
	}
}

func TestFutureReclaim(t *testing.T) {
	p := newIdlePool(t)
	w := p.newTransientWorker()
	defer p.removeWorker(w)
	task := &Task{worker: w, tail: &w.head}

	var fut Future[int, int]
	fut.Fork(task, double, 21)

	w.heartbeat.Store(true)
	task.Tick()
	if w.sharedJob != &fut.job {
		t.Fatal("Job should sit in the shared slot")
	}

	// 无人认领：join 收回任务
	res, stolen := fut.Join(task)
	if stolen || res != 0 {
		t.Fatal("Reclaimed join must report not-stolen")
	}
	if w.sharedJob != nil {
		t.Error("Reclaim should clear the shared slot")
	}
	if fut.job.exec != nil {
		t.Error("Reclaim should release the execute state")
	}
	if got := p.Stats().JobsReclaimed; got != 1 {
		t.Errorf("Expected 1 reclaimed job, got %d", got)
	}

	// 回收后尾指针回到哨兵头，队列可以继续使用
	if task.tail != &w.head {
		t.Error("Reclaim should restore the tail to the sentinel")
	}
	var fut2 Future[int, int]
	fut2.Fork(task, double, 5)
	if _, stolen := fut2.Join(task); stolen {
		t.Error("Fresh fork after reclaim should pop locally")
	}
}

// ============================================================================
// 远端执行测试
// ============================================================================

func TestFutureRemoteExecution(t *testing.T) {
	p := newIdlePool(t)
	w1 := p.newTransientWorker()
	w2 := p.newTransientWorker()
	defer p.removeWorker(w1)
	defer p.removeWorker(w2)
	task := &Task{worker: w1, tail: &w1.head}

	var fut Future[int, int]
	fut.Fork(task, double, 21)

	w1.heartbeat.Store(true)
	task.Tick()

	// 模拟另一个工作线程认领并执行
	p.mu.Lock()
	j := p.claimOldestSharedLocked()
	p.mu.Unlock()
	if j != &fut.job {
		t.Fatal("Claim should return the advertised job")
	}
	w2.executeJob(j, &w2.head)

	if !fut.job.exec.done.isSet() {
		t.Fatal("Remote execution should set the completion signal")
	}

	res, stolen := fut.Join(task)
	if !stolen {
		t.Fatal("Join should report the job as stolen")
	}
	if res != 42 {
		t.Errorf("Expected 42, got %d", res)
	}
	if fut.job.exec != nil {
		t.Error("Join should release the execute state")
	}
	if got := p.Stats().JobsStolen; got != 1 {
		t.Errorf("Expected 1 stolen job, got %d", got)
	}
}

// TestClaimOldestAcrossWorkers 属性：认领严格按公示时间标签选最旧
func TestClaimOldestAcrossWorkers(t *testing.T) {
	p := newIdlePool(t)
	w1 := p.newTransientWorker()
	w2 := p.newTransientWorker()
	defer p.removeWorker(w1)
	defer p.removeWorker(w2)
	t1 := &Task{worker: w1, tail: &w1.head}
	t2 := &Task{worker: w2, tail: &w2.head}

	var futA, futB Future[int, int]
	// w2 先公示，标签更小
	futB.Fork(t2, double, 2)
	w2.heartbeat.Store(true)
	t2.Tick()

	futA.Fork(t1, double, 1)
	w1.heartbeat.Store(true)
	t1.Tick()

	if !(w2.jobTime < w1.jobTime) {
		t.Fatal("Job time tags must be monotonically increasing")
	}

	p.mu.Lock()
	first := p.claimOldestSharedLocked()
	second := p.claimOldestSharedLocked()
	third := p.claimOldestSharedLocked()
	p.mu.Unlock()

	if first != &futB.job {
		t.Error("First claim should take the oldest tag")
	}
	if second != &futA.job {
		t.Error("Second claim should take the remaining job")
	}
	if third != nil {
		t.Error("Third claim should find nothing")
	}

	// 清理：两个任务都执行掉再 join
	w1.executeJob(first, &w1.head)
	w2.executeJob(second, &w2.head)
	if res, stolen := futB.Join(t2); !stolen || res != 4 {
		t.Error("b should complete remotely with result 4")
	}
	if res, stolen := futA.Join(t1); !stolen || res != 2 {
		t.Error("a should complete remotely with result 2")
	}
}
