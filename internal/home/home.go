package home

import (
	"fmt"
	"os"
	"path/filepath"
)

const (
	// DefaultDirName is the default name for the sitelink home directory.
	DefaultDirName = ".sitelink"

	// ObjectsDirName is the subdirectory backing the filesystem object
	// store (tiles, pages, sheet records).
	ObjectsDirName = "objects"

	// UploadsDirName is the subdirectory for in-flight plan PDF uploads.
	UploadsDirName = "uploads"

	// ConfigFileName is the default config file name.
	ConfigFileName = "config.yaml"
)

// Dir represents the sitelink home directory structure.
type Dir struct {
	path string
}

// New creates a new Dir with the given path.
// If path is empty, uses the default (~/.sitelink).
func New(path string) (*Dir, error) {
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		path = filepath.Join(home, DefaultDirName)
	}

	return &Dir{path: path}, nil
}

// Path returns the root path of the home directory.
func (d *Dir) Path() string {
	return d.path
}

// ObjectsPath returns the filesystem object store root.
func (d *Dir) ObjectsPath() string {
	return filepath.Join(d.path, ObjectsDirName)
}

// UploadsPath returns the directory for in-flight plan uploads.
func (d *Dir) UploadsPath() string {
	return filepath.Join(d.path, UploadsDirName)
}

// UploadPDFPath returns where an upload's raw plan PDF is staged.
func (d *Dir) UploadPDFPath(uploadID string) string {
	return filepath.Join(d.UploadsPath(), uploadID+".pdf")
}

// ConfigPath returns the path to the default config file.
func (d *Dir) ConfigPath() string {
	return filepath.Join(d.path, ConfigFileName)
}

// EnsureExists creates the home directory and subdirectories if they
// don't exist.
func (d *Dir) EnsureExists() error {
	for _, dir := range []string{d.ObjectsPath(), d.UploadsPath()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create %s: %w", dir, err)
		}
	}
	return nil
}

// Exists returns true if the home directory exists.
func (d *Dir) Exists() bool {
	_, err := os.Stat(d.path)
	return err == nil
}

// ConfigExists returns true if the config file exists in the home directory.
func (d *Dir) ConfigExists() bool {
	_, err := os.Stat(d.ConfigPath())
	return err == nil
}
