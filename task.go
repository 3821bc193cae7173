// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现任务句柄（Task）和 goroutine 局部的当前任务登记表。
package pulse

import (
	"sync"

	"github.com/petermattis/goid"
)

// ============================================================================
// 任务句柄
// ============================================================================

// Task 任务句柄
//
// 两个指针：工作线程引用和本地队列尾指针。
// 在每次进入池的入口处新建，之后按引用传入用户回调，
// 嵌套的 fork/join 共享同一个句柄（因此共享同一个尾指针）。
//
// 不变量：tail 始终指向本地队列当前的尾节点（队列为空时指向哨兵头）。
type Task struct {
	// worker 所在工作线程
	worker *Worker

	// tail 本地队列尾指针
	tail *Job
}

// Tick 心跳检查
//
// 热路径上只有一次 monotonic 读。标志被置位时进入心跳冷路径：
// 公示本地队列里最旧的排队任务（见 Pool.heartbeat）。
// 分治递归的每一层都应调用一次。
func (t *Task) Tick() {
	if t.worker.heartbeat.Load() {
		t.worker.pool.heartbeat(t.worker, t)
	}
}

// CallOn 在给定任务上执行一个函数帧
//
// 低层接口：先做一次心跳检查，再调用 fn。
// 高层原语内部即以此模式推进递归。
func CallOn[I, O any](t *Task, fn func(*Task, I) O, arg I) O {
	t.Tick()
	return fn(t, arg)
}

// ============================================================================
// 当前任务登记表
// ============================================================================
//
// Join 等高层原语的快速路径依赖"当前 goroutine 正在哪个任务上执行"。
// Go 没有 goroutine 局部存储，这里用 goroutine id 做键的并发表代替，
// 在每次进入池（执行被窃取任务、pool call）时以 save/restore 方式包夹。

// currentTasks goroutine id -> *Task
var currentTasks sync.Map

// currentTask 返回当前 goroutine 的任务句柄，不在池内时返回 nil
func currentTask() *Task {
	if v, ok := currentTasks.Load(goid.Get()); ok {
		return v.(*Task)
	}
	return nil
}

// setCurrentTask 登记当前任务，返回 goroutine id 和被覆盖的旧值
func setCurrentTask(t *Task) (gid int64, prev *Task) {
	gid = goid.Get()
	if v, ok := currentTasks.Load(gid); ok {
		prev = v.(*Task)
	}
	currentTasks.Store(gid, t)
	return gid, prev
}

// restoreCurrentTask 恢复被覆盖的旧值
func restoreCurrentTask(gid int64, prev *Task) {
	if prev != nil {
		currentTasks.Store(gid, prev)
	} else {
		currentTasks.Delete(gid)
	}
}
