package ignore

import (
	"bufio"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/bmatcuk/doublestar/v4"
)

// UserIgnoreFile is the repo-local override file, same syntax as gitignore.
const UserIgnoreFile = ".osgrepignore"

// defaultPatterns exclude artifacts that are never useful to index:
// lockfiles, binary blobs, notebooks, compiled output, VCS metadata.
var defaultPatterns = []string{
	"package-lock.json",
	"yarn.lock",
	"pnpm-lock.yaml",
	"Cargo.lock",
	"go.sum",
	"poetry.lock",
	"uv.lock",
	"*.ipynb",
	"*.min.js",
	"*.map",
	"*.wasm",
	"*.so",
	"*.dylib",
	"*.dll",
	"*.a",
	"*.o",
	"*.pyc",
	"*.class",
	"*.jar",
	"*.png",
	"*.jpg",
	"*.jpeg",
	"*.gif",
	"*.ico",
	"*.pdf",
	"*.zip",
	"*.gz",
	"*.tar",
	"node_modules/",
	"dist/",
	"build/",
	"target/",
	"vendor/",
	"__pycache__/",
	".git/",
}

type pattern struct {
	glob    string // doublestar glob, relative to base
	base    string // directory the pattern is anchored to
	negate  bool
	dirOnly bool
}

// Filter decides per-path inclusion by merging built-in defaults, the
// repository's .gitignore files, and the top-level user ignore file. The
// user file has the highest precedence; later patterns win within a source.
type Filter struct {
	root     string
	patterns []pattern

	memo sync.Map // path -> bool
}

// New builds a filter for root. Missing ignore files are fine.
func New(root string) (*Filter, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	f := &Filter{root: abs}
	for _, p := range defaultPatterns {
		f.add(p, abs)
	}
	f.loadIgnoreFiles(abs)
	f.loadFile(filepath.Join(abs, UserIgnoreFile), abs)
	return f, nil
}

// loadIgnoreFiles collects .gitignore files across the tree, root first so
// nested files take precedence over shallower ones.
func (f *Filter) loadIgnoreFiles(root string) {
	_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || name == "node_modules") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Name() == ".gitignore" {
			f.loadFile(path, filepath.Dir(path))
		}
		return nil
	})
}

func (f *Filter) loadFile(path, base string) {
	file, err := os.Open(path)
	if err != nil {
		return
	}
	defer func() { _ = file.Close() }()

	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		f.add(line, base)
	}
}

func (f *Filter) add(line, base string) {
	p := pattern{base: base}
	if strings.HasPrefix(line, "!") {
		p.negate = true
		line = line[1:]
	}
	if strings.HasSuffix(line, "/") {
		p.dirOnly = true
		line = strings.TrimSuffix(line, "/")
	}
	anchored := strings.HasPrefix(line, "/")
	line = strings.TrimPrefix(line, "/")
	if !anchored && !strings.Contains(line, "/") {
		// bare names match at any depth, per gitignore
		line = "**/" + line
	}
	p.glob = line
	f.patterns = append(f.patterns, p)
}

// Ignored reports whether path should be excluded from indexing. Hidden
// path components are always ignored. Results are memoized per path.
func (f *Filter) Ignored(path string) bool {
	if v, ok := f.memo.Load(path); ok {
		return v.(bool)
	}
	res := f.evaluate(path)
	f.memo.Store(path, res)
	return res
}

func (f *Filter) evaluate(path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return true
	}
	rel, err := filepath.Rel(f.root, abs)
	if err != nil || strings.HasPrefix(rel, "..") {
		return true
	}
	rel = filepath.ToSlash(rel)
	for _, part := range strings.Split(rel, "/") {
		if strings.HasPrefix(part, ".") && part != "." {
			return true
		}
	}

	ignored := false
	for _, p := range f.patterns {
		relToBase := rel
		if p.base != f.root {
			r, err := filepath.Rel(p.base, abs)
			if err != nil || strings.HasPrefix(r, "..") {
				continue
			}
			relToBase = filepath.ToSlash(r)
		}
		if f.matches(p, relToBase) {
			ignored = !p.negate
		}
	}
	return ignored
}

func (f *Filter) matches(p pattern, rel string) bool {
	// a pattern naming a directory claims everything underneath it
	if ok, _ := doublestar.Match(p.glob+"/**", rel); ok {
		return true
	}
	if p.dirOnly {
		// dir-only patterns never match a file path directly
		return false
	}
	ok, _ := doublestar.Match(p.glob, rel)
	return ok
}
