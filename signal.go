// Package pulse 实现了基于心跳调度的 fork-join 并行运行时。
//
// 本文件实现单次触发的完成信号，自适应 spin -> yield -> park 等待。
package pulse

import (
	"runtime"
	"sync/atomic"
)

// ============================================================================
// 完成信号
// ============================================================================

const (
	// sigPending 初始状态，尚无等待者
	sigPending uint32 = iota

	// sigWaiting 有等待者已停泊
	sigWaiting

	// sigDone 信号已触发
	sigDone
)

const (
	// signalSpinRounds 自旋轮数
	// 每轮的自旋次数按指数增长
	signalSpinRounds = 6

	// signalYieldRounds 让出调度器的轮数
	signalYieldRounds = 4
)

// signal 单次触发的完成信号
//
// 状态机：PENDING -> (WAITING | DONE)，DONE 为终态。
// set 与 wait 之间构成 release/acquire 边：
// 执行线程在 set 之前写入的结果，对每个观察到 DONE 的等待者可见。
type signal struct {
	// state 三态字
	state atomic.Uint32

	// ch 停泊通道
	// set 通过 close 唤醒所有已停泊的等待者
	ch chan struct{}
}

// reset 复位信号（对象池复用前调用）
//
// 只能在没有任何等待者和触发者的情况下调用。
func (s *signal) reset() {
	s.state.Store(sigPending)
	s.ch = make(chan struct{})
}

// set 触发信号
//
// 原子换入 DONE；若此前已有停泊的等待者，关闭通道唤醒它们。
// 只能调用一次。
func (s *signal) set() {
	if s.state.Swap(sigDone) == sigWaiting {
		close(s.ch)
	}
}

// isSet 信号是否已触发
func (s *signal) isSet() bool {
	return s.state.Load() == sigDone
}

// wait 等待信号触发
//
// 先以指数递增的次数自旋，再让出调度器，最后停泊在通道上。
// 返回时信号必定处于 DONE 状态。
func (s *signal) wait() {
	// 自旋阶段
	spins := 1
	for round := 0; round < signalSpinRounds; round++ {
		for i := 0; i < spins; i++ {
			if s.isSet() {
				return
			}
		}
		spins <<= 1
	}

	// 让出阶段
	for round := 0; round < signalYieldRounds; round++ {
		if s.isSet() {
			return
		}
		runtime.Gosched()
	}

	// 停泊阶段
	// 第一个等待者把状态换成 WAITING；后续等待者直接跟着停泊。
	// CAS 失败且状态是 DONE 说明触发者抢先换入，无需停泊。
	for {
		switch s.state.Load() {
		case sigDone:
			return
		case sigWaiting:
			<-s.ch
			return
		}
		if s.state.CompareAndSwap(sigPending, sigWaiting) {
			<-s.ch
			return
		}
	}
}
