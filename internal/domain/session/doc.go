// Package session owns terminal sessions and the commands run in them.
//
// A Store holds every session. Each session has its own working directory,
// environment snapshot, history, recall list, event bus and password
// mediator, and at most one active execution. Run returns once a command is
// accepted; output and the single end event arrive through Subscribe.
//
// Some commands never reach the shell:
//   - clear and cls empty the history
//   - a bare cd is resolved in-process
//
// A compound command starting with cd runs in the shell and reports its
// final directory through a marker line that is filtered from the output.
// The session adopts that directory only when the command succeeds.
//
// An ssh command line asks for a password the way an elevated command does
// and then connects in the background. Once an interactive remote shell is
// attached, every command except clear is written to it, with the same
// marker trailer reporting the remote directory. The connection's
// execution stays active until the remote shell exits or is cancelled.
//
// Example:
//
//	store := session.NewStore(opts, prober, metrics, logger)
//	info, _ := store.CreateSession(session.CreateOptions{})
//	sub, _ := store.Subscribe(info.ID)
//	execID, _ := store.Run(ctx, info.ID, "ls -la")
//	for ev := range sub.Events() {
//		if ev.ExecutionID == execID && ev.IsTerminal() {
//			break
//		}
//	}
package session
