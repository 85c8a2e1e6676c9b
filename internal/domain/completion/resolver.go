package completion

import (
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/charlievieth/fastwalk"

	"github.com/GriffinCanCode/AgentOS/shelld/internal/shared/paths"
)

// CommonCommands are always offered for the first word.
var CommonCommands = []string{
	"cd", "ls", "pwd", "mkdir", "touch", "cat", "echo", "grep", "find", "cp", "mv", "rm",
	"tar", "gzip", "ssh", "curl", "wget", "history", "exit", "clear", "top", "ps", "kill",
	"ping",
}

// DefaultMaxResults caps a single suggestion list.
const DefaultMaxResults = 256

// Options configures a Resolver.
type Options struct {
	// Home expands "~". Empty selects the invoking user's home.
	Home string
	// SearchPath is scanned for executables when completing the first word.
	// Empty disables the scan.
	SearchPath string
	// Commands replaces CommonCommands when non-nil.
	Commands   []string
	MaxResults int
}

// Resolver produces completions for a partially typed command line. It
// holds no per-session state; the working directory is passed per call.
type Resolver struct {
	home     string
	path     string
	commands []string
	max      int
}

// NewResolver creates a resolver.
func NewResolver(opts Options) *Resolver {
	if opts.Home == "" {
		opts.Home = paths.Home()
	}
	if opts.Commands == nil {
		opts.Commands = CommonCommands
	}
	if opts.MaxResults <= 0 {
		opts.MaxResults = DefaultMaxResults
	}
	return &Resolver{
		home:     opts.Home,
		path:     opts.SearchPath,
		commands: opts.Commands,
		max:      opts.MaxResults,
	}
}

// Suggest returns complete replacement lines for input, resolved against
// dir. The list is sorted case-insensitively; the first entry is the
// default choice.
func (r *Resolver) Suggest(dir, input string) []string {
	if strings.TrimSpace(input) == "" {
		return nil
	}

	fields := strings.Fields(input)
	trailing := strings.HasSuffix(input, " ") || strings.HasSuffix(input, "\t")

	if len(fields) == 1 && !trailing {
		word := fields[0]
		if strings.ContainsRune(word, '/') {
			return r.finish(r.paths(dir, input[:len(input)-len(word)], word, false))
		}
		return r.finish(r.executables(input[:len(input)-len(word)], word))
	}

	cmd := fields[0]
	arg := ""
	if !trailing {
		arg = fields[len(fields)-1]
	}
	if arg == "" && cmd != "cd" {
		return nil
	}
	return r.finish(r.paths(dir, input[:len(input)-len(arg)], arg, cmd == "cd"))
}

func (r *Resolver) executables(lead, word string) []string {
	lower := strings.ToLower(word)
	var out []string
	for _, c := range r.commands {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			out = append(out, lead+c)
		}
	}
	for _, c := range scanExecutables(r.path) {
		if strings.HasPrefix(strings.ToLower(c), lower) {
			out = append(out, lead+c)
		}
	}
	return out
}

// paths completes arg, keeping lead (the text before it) untouched.
func (r *Resolver) paths(dir, lead, arg string, dirsOnly bool) []string {
	if hasMeta(arg) {
		return r.glob(dir, lead, arg, dirsOnly)
	}

	shown, partial := splitPartial(arg)
	search := r.lookupDir(dir, shown)

	entries, err := os.ReadDir(search)
	if err != nil {
		return nil
	}

	lower := strings.ToLower(partial)
	showHidden := strings.HasPrefix(partial, ".")

	var out []string
	for _, e := range entries {
		name := e.Name()
		if strings.HasPrefix(name, ".") && !showHidden {
			continue
		}
		if !strings.HasPrefix(strings.ToLower(name), lower) {
			continue
		}
		isDir := isDirEntry(search, e)
		if dirsOnly && !isDir {
			continue
		}
		if isDir {
			name += "/"
		}
		out = append(out, lead+shown+name)
	}
	return out
}

func (r *Resolver) glob(dir, lead, arg string, dirsOnly bool) []string {
	pattern := paths.ExpandTilde(arg, r.home)
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(dir, pattern)
	}

	matches, err := doublestar.FilepathGlob(pattern)
	if err != nil {
		return nil
	}

	var out []string
	for _, m := range matches {
		info, err := os.Stat(m)
		if err != nil {
			continue
		}
		if dirsOnly && !info.IsDir() {
			continue
		}
		text := r.display(dir, arg, m)
		if info.IsDir() {
			text += "/"
		}
		out = append(out, lead+text)
	}
	return out
}

// display renders match in the same form the user typed: tilde, absolute or
// relative.
func (r *Resolver) display(dir, arg, match string) string {
	switch {
	case strings.HasPrefix(arg, "~"):
		if rel, err := filepath.Rel(r.home, match); err == nil {
			return "~/" + rel
		}
	case filepath.IsAbs(arg):
		return match
	default:
		if rel, err := filepath.Rel(dir, match); err == nil {
			return rel
		}
	}
	return match
}

func (r *Resolver) lookupDir(dir, shown string) string {
	if shown == "" {
		return dir
	}
	return paths.Join(dir, r.home, shown)
}

func (r *Resolver) finish(out []string) []string {
	if len(out) == 0 {
		return nil
	}
	slices.SortFunc(out, compareFold)
	out = slices.Compact(out)
	if len(out) > r.max {
		out = out[:r.max]
	}
	return out
}

// splitPartial splits at the last separator: "src/ma" -> ("src/", "ma").
func splitPartial(arg string) (dir, partial string) {
	i := strings.LastIndexByte(arg, '/')
	if i < 0 {
		return "", arg
	}
	return arg[:i+1], arg[i+1:]
}

func hasMeta(s string) bool {
	return strings.ContainsAny(s, "*?[{")
}

func isDirEntry(parent string, e fs.DirEntry) bool {
	if e.IsDir() {
		return true
	}
	if e.Type()&fs.ModeSymlink == 0 {
		return false
	}
	info, err := os.Stat(filepath.Join(parent, e.Name()))
	return err == nil && info.IsDir()
}

func compareFold(a, b string) int {
	if c := strings.Compare(strings.ToLower(a), strings.ToLower(b)); c != 0 {
		return c
	}
	return strings.Compare(a, b)
}

// scanExecutables lists executable names directly inside each directory of
// searchPath.
func scanExecutables(searchPath string) []string {
	if searchPath == "" {
		return nil
	}

	var (
		mu    sync.Mutex
		names []string
	)
	conf := fastwalk.Config{Follow: false}

	for _, root := range filepath.SplitList(searchPath) {
		if root == "" {
			continue
		}
		// /bin is commonly a symlink to /usr/bin.
		if resolved, err := filepath.EvalSymlinks(root); err == nil {
			root = resolved
		}
		_ = fastwalk.Walk(&conf, root, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil
			}
			if p == root {
				return nil
			}
			if d.IsDir() {
				return filepath.SkipDir
			}
			if !isExecutable(p, d) {
				return nil
			}
			mu.Lock()
			names = append(names, d.Name())
			mu.Unlock()
			return nil
		})
	}
	return names
}

func isExecutable(p string, d fs.DirEntry) bool {
	var info fs.FileInfo
	var err error
	if d.Type()&fs.ModeSymlink != 0 {
		info, err = os.Stat(p)
	} else {
		info, err = d.Info()
	}
	if err != nil {
		return false
	}
	return info.Mode().IsRegular() && info.Mode().Perm()&0o111 != 0
}
