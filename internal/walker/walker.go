package walker

import (
	"bufio"
	"bytes"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
)

// Walker enumerates candidate files under a root. When the root is a
// tracked git repository, git's listing of tracked files plus untracked
// files that are not ignored is used, which honors the repository's own
// ignore semantics; otherwise a recursive walk is used.
type Walker struct {
	logger *zap.Logger
}

func New(logger *zap.Logger) *Walker {
	return &Walker{logger: logger}
}

// Walk returns absolute paths of regular files under root. Errors on
// individual subdirectories are logged and skipped.
func (w *Walker) Walk(root string) ([]string, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	if paths, ok := w.gitListing(abs); ok {
		return paths, nil
	}
	return w.walkDir(abs)
}

// gitListing shells out to git ls-files; ok is false when root is not a
// repository or git is unavailable.
func (w *Walker) gitListing(root string) ([]string, bool) {
	if _, err := os.Stat(filepath.Join(root, ".git")); err != nil {
		return nil, false
	}
	cmd := exec.Command("git", "-C", root, "ls-files", "-z", "--cached", "--others", "--exclude-standard")
	out, err := cmd.Output()
	if err != nil {
		w.logger.Debug("git ls-files failed, falling back to directory walk", zap.Error(err))
		return nil, false
	}
	var paths []string
	scanner := bufio.NewScanner(bytes.NewReader(out))
	scanner.Split(splitNull)
	for scanner.Scan() {
		rel := scanner.Text()
		if rel == "" {
			continue
		}
		p := filepath.Join(root, rel)
		if fi, err := os.Stat(p); err == nil && fi.Mode().IsRegular() {
			paths = append(paths, p)
		}
	}
	return paths, true
}

func (w *Walker) walkDir(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			w.logger.Warn("walk error, skipping", zap.String("path", path), zap.Error(err))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() {
			if path != root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() {
			paths = append(paths, path)
		}
		return nil
	})
	return paths, err
}

func splitNull(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexByte(data, 0); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}
