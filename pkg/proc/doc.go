// Package proc is a low-level package that provides the primitives used to
// replay a recording against live tracees.
//
// proc implements:
// * Task, the single point of control of one traced thread
// * ThreadGroup, the set of tasks sharing a thread group id
// * AddressSpace, the bookkeeping of the mappings replay creates
// * RemoteSyscalls, syscall injection into a stopped task
//
// All interaction with the operating system goes through the Tracer
// interface, implemented with ptrace by pkg/proc/native.
package proc
