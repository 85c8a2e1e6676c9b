// Package completion suggests command-line completions.
//
// The first word completes against a fixed list of common commands and the
// executables on the search path. Later words complete against the
// filesystem relative to the session's working directory; "cd" only offers
// directories and, unlike other commands, offers them for an empty
// argument. Glob arguments are expanded with doublestar.
package completion
