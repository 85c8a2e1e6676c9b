// Package remote opens ssh connections on behalf of a session.
//
// ParseCommand recognises an ssh command line. Dialer.Open authenticates with
// the password collected by the privilege mediator, or with the identity
// file named on the command line, and starts either the remote command or a
// login shell. No terminal is requested, so remote output arrives as plain
// lines and the remote shell does not echo its input.
//
// Host keys are checked against a known_hosts file. An unknown host is
// trusted and recorded on first contact; a host whose key has changed is
// refused.
package remote
