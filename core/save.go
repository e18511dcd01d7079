package apkpack

import (
	"fmt"
	"os"
	"path/filepath"
)

// SaveFile writes an archive to path.
//
// Uses atomic writes (temp file + rename) so a failed write never leaves a
// partial archive behind. Parent directories are created as needed.
func SaveFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create output directory: %w", err)
	}
	if err := writeFileAtomic(path, data); err != nil {
		return fmt.Errorf("write %s: %w", path, err)
	}
	return nil
}

// writeFileAtomic writes data to a temp file in the target's directory,
// syncs it and renames it over target. The temp file is removed on any
// failure.
func writeFileAtomic(target string, data []byte) (err error) {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".apkpack-*")
	if err != nil {
		return err
	}
	defer func() {
		if err != nil {
			tmp.Close()
			os.Remove(tmp.Name())
		}
	}()

	if _, err = tmp.Write(data); err != nil {
		return err
	}
	if err = tmp.Sync(); err != nil {
		return err
	}
	if err = tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
