// Package bootstrap seeds a fresh deployment with a starter knowledge tree
// so the router and personas have something to work with before operators
// upload their own documents.
package bootstrap

import (
	"embed"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
)

//go:embed seed
var seedFS embed.FS

// EnsureKnowledgeFiles copies the embedded starter documents into the
// knowledge root. Existing files are never overwritten, so operator edits
// survive restarts. Returns the relative paths of the files created.
func EnsureKnowledgeFiles(root string) ([]string, error) {
	var created []string

	err := fs.WalkDir(seedFS, "seed", func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		rel, err := filepath.Rel("seed", path)
		if err != nil {
			return err
		}
		ok, err := seedFile(root, rel, path)
		if err != nil {
			slog.Warn("failed to seed knowledge document", "file", rel, "error", err)
			return nil
		}
		if ok {
			created = append(created, rel)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if len(created) > 0 {
		slog.Info("knowledge tree seeded", "root", root, "files", len(created))
	}
	return created, nil
}

// seedFile writes one embedded document if it doesn't exist yet.
func seedFile(root, rel, embedded string) (bool, error) {
	dst := filepath.Join(root, rel)
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return false, err
	}

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := seedFS.ReadFile(embedded)
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
