// Package trap classifies guest traps, dispatches them to emulation
// handlers and decides how the guest continues.
//
// Each trap runs through a fixed pipeline on the CPU that took it:
//
//	Raw -> Architecture.Classify -> Table.Dispatch -> Retire -> Resolve
//
// and ends in exactly one Action: the guest resumes, receives an injected
// architectural fault, or its cell is terminated. The Table and Core are
// built once during cell setup and never change afterwards, so the
// pipeline itself needs no locking. Handlers that touch state shared
// between CPUs bring their own synchronization.
package trap
