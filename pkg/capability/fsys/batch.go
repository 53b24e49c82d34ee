package fsys

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"ford/pkg/capability"
)

// ErrRollback is joined into the returned error when a failed batch could not be fully undone.
var ErrRollback = errors.New("rollback incomplete")

type original struct {
	path    string
	existed bool
	content []byte
}

// Resolve joins a change path onto root. Absolute paths are returned cleaned.
func Resolve(root, path string) string {
	if filepath.IsAbs(path) {
		return filepath.Clean(path)
	}
	return filepath.Join(root, path)
}

// ReadOriginals returns the current content of every path under root. Missing files are absent
// from the result.
func ReadOriginals(ctx context.Context, files capability.Filesystem, root string, paths []string) (map[string]string, error) {
	out := make(map[string]string, len(paths))
	for _, p := range paths {
		data, err := files.Read(ctx, Resolve(root, p))
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out[p] = string(data)
	}
	return out, nil
}

// ApplyBatch applies changes as one unit. Every original is captured before the first write; if
// any write or removal fails, the files already touched are restored in reverse order and the
// batch leaves no net change.
func ApplyBatch(ctx context.Context, files capability.Filesystem, root string, changes []capability.FileChange) error {
	originals := make([]original, 0, len(changes))
	seen := make(map[string]bool, len(changes))
	for _, ch := range changes {
		path := Resolve(root, ch.Path)
		if seen[path] {
			return fmt.Errorf("change set touches %s twice", ch.Path)
		}
		seen[path] = true

		data, err := files.Read(ctx, path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
			originals = append(originals, original{path: path})
		case err != nil:
			return fmt.Errorf("snapshot %s: %w", ch.Path, err)
		default:
			originals = append(originals, original{path: path, existed: true, content: data})
		}
	}

	for i, ch := range changes {
		path := originals[i].path
		var err error
		if ch.Delete {
			err = files.Remove(ctx, path)
		} else {
			err = files.Write(ctx, path, []byte(ch.Content))
		}
		if err != nil {
			applyErr := fmt.Errorf("apply %s (%d of %d): %w", ch.Path, i+1, len(changes), err)
			// Include the failed entry: a partial write may have landed.
			if rbErr := rollback(context.WithoutCancel(ctx), files, originals[:i+1]); rbErr != nil {
				return errors.Join(applyErr, rbErr)
			}
			return applyErr
		}
	}
	return nil
}

func rollback(ctx context.Context, files capability.Filesystem, touched []original) error {
	var errs []error
	for i := len(touched) - 1; i >= 0; i-- {
		o := touched[i]
		var err error
		if o.existed {
			err = files.Write(ctx, o.path, o.content)
		} else {
			err = files.Remove(ctx, o.path)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("restore %s: %w", o.path, err))
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrRollback, errors.Join(errs...))
	}
	return nil
}
