// This file declares the platform hooks behind Monitor.SetPriority and the
// shared PriorityClass type.
//
// Build-tag conventions for platform-specific implementations:
//
//	priority_linux.go (//go:build linux) — sched_setscheduler / setpriority
//	priority_stub.go  (//go:build !linux) — scheduling control unavailable
//
// Platform-specific files register their implementation via init():
//
//	func init() { applyThreadPriority = setLinuxThreadPriority }
//
// When no platform registration has occurred, SetPriority reports false for
// every request, which satisfies the contract: the scheduling hint is an
// optional optimisation and never affects detection correctness.
package monitor

// PriorityClass selects the scheduling class requested via SetPriority.
type PriorityClass int

const (
	// ClassNormal adjusts the niceness of the polling thread within the
	// default time-sharing scheduler. level is a nice value (-20..19).
	ClassNormal PriorityClass = iota
	// ClassFIFO requests the real-time first-in-first-out scheduler.
	// level is a real-time priority (1..99). Needs CAP_SYS_NICE.
	ClassFIFO
	// ClassRoundRobin requests the real-time round-robin scheduler.
	// level is a real-time priority (1..99). Needs CAP_SYS_NICE.
	ClassRoundRobin
)

// applyThreadPriority is the registered platform-specific implementation.
// nil when the platform offers no thread scheduling control.
var applyThreadPriority func(tid int, class PriorityClass, level int) error

// lockToThread pins the calling goroutine to its OS thread and records the
// thread ID in s when the platform can resolve one. The default
// implementation is a no-op; priority_linux.go replaces it.
var lockToThread = func(*session) {}
