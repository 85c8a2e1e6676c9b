// Package supervisor owns the OS processes behind command executions.
//
// Every command runs as "<shell> -c <command>" in a fresh process group, so
// Terminate reaches the whole pipeline rather than just the shell. Terminate
// sends SIGTERM and returns; a watchdog sends SIGKILL if the group outlives
// the grace window.
//
// Output arrives as ordered byte chunks on one channel per stream. Once the
// process is reaped, readers get a bounded drain period; a background child
// that keeps the pipe open past it is cut off so the execution can finish.
package supervisor
