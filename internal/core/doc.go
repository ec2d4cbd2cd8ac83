// Package core provides the domain models for external worker invocation.
//
// A Task describes one process launch as the scheduler sees it: a resolved
// command, a resource cost, a typed dependency set, an optional marker
// artifact and a stage-specific strategy.
//
// # Design Principles
//
//  1. Dependency keys are typed values (TaskID), never formatted strings
//  2. A Task carries no behaviour of its own; stage behaviour lives in Kind
//  3. Completion is observable from outside the process (exit plus artifact)
//
// # Core Types
//
// Task: one external worker invocation.
// Command: program, argument template and bound parameters.
// Launcher / Process: start a worker in its own process group and observe it.
package core
