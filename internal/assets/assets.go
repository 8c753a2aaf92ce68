// Package assets loads the deployment-supplied runner/adapter source
// bundles from disk into the file-path -> content maps InstallRunnerAssets
// expects (spec §4.4 item 1). The bundle itself (the runner harness run
// inside each session's container) ships separately from this module;
// this package only knows how to read it off disk at startup.
package assets

import (
	"fmt"
	"os"
	"path/filepath"
)

// LoadBundle walks dir and returns every regular file's contents keyed by
// its path relative to dir, using forward slashes regardless of host OS.
// A dir that does not exist yields an empty bundle rather than an error,
// so a host can run without agent-runner assets configured (A1-only, or
// local development).
func LoadBundle(dir string) (map[string]string, error) {
	bundle := make(map[string]string)
	if dir == "" {
		return bundle, nil
	}
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return bundle, nil
	}

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		bundle[filepath.ToSlash(rel)] = string(content)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("loading asset bundle from %s: %w", dir, err)
	}
	return bundle, nil
}
