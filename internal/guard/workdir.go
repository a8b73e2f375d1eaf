package guard

import (
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/kandev/conductor/internal/common/errors"
)

// CheckWorkDir rejects a working directory that is missing, not a directory,
// or outside every root in roots. Symlinks are resolved on both sides before
// comparing. An empty roots list allows any directory.
func CheckWorkDir(dir string, roots []string) error {
	if dir == "" {
		return apperrors.Validation("no working directory given")
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return apperrors.Validation("invalid working directory %q", dir)
	}
	if fi, err := os.Stat(abs); err != nil || !fi.IsDir() {
		return apperrors.Validation("working directory %q does not exist", dir)
	}
	if len(roots) == 0 {
		return nil
	}
	resolved, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return apperrors.Validation("invalid working directory %q", dir)
	}
	for _, root := range roots {
		r, err := resolveRoot(root)
		if err != nil {
			continue
		}
		if within(resolved, r) {
			return nil
		}
	}
	return apperrors.Validation("working directory %q is outside the allowed roots", dir)
}

// resolveRoot returns the absolute, symlink-free form of root. A root that
// does not exist yet is compared in its cleaned absolute form.
func resolveRoot(root string) (string, error) {
	r, err := filepath.Abs(root)
	if err != nil {
		return "", err
	}
	if resolved, err := filepath.EvalSymlinks(r); err == nil {
		return resolved, nil
	}
	return r, nil
}

func within(path, root string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil {
		return false
	}
	return rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator)))
}
