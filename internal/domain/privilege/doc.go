// Package privilege mediates elevated commands.
//
// A command starting with the elevation keyword switches the session prompt
// into secret capture. Keystrokes are buffered here and echoed as '*'; the
// buffer is handed to the supervisor on submit and written to the child's
// stdin, then zeroed. Secret values never reach the event stream, the
// history, or the logs.
//
// Rewrite assumes a sudo-compatible -S flag.
package privilege
