// Package vcs reads version-control metadata for the prompt.
//
// Only the current git branch is exposed. The label is best-effort: a
// directory outside a repository has no branch, which is not an error.
package vcs
