// Package paths resolves user-supplied directory arguments against a
// session's working directory.
//
// # Resolution rules
//
//	"", "~", "~/"   -> home directory
//	"~/x"           -> home joined with x
//	"/abs/path"     -> cleaned absolute path
//	"rel/../path"   -> joined with the working directory and cleaned
//
// # Usage
//
//	target, err := paths.ResolveDir(cwd, home, "../src")
//	if errors.Is(err, paths.ErrNotFound) {
//	    // report "Directory not found: ../src"
//	}
package paths
