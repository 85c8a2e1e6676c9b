// Package stream delivers execution output to session observers.
//
// Each execution produces, per session bus:
//
//	command_output*  (stdout lines, in order)
//	command_error*   (stderr lines, in order)
//	command_end      (exactly once, last)
//
// Lines within one stream keep their order. Between stdout and stderr the
// order is arrival order at the supervisor's readers and is not
// deterministic: a program that writes to both streams may see its lines
// interleaved differently from run to run.
//
// Subscribers attach with Bus.Subscribe and detach with Subscription.Close.
// Events are not replayed to late subscribers.
package stream
