package keystore

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Layout places named files in a directory structure.
type Layout interface {
	Name() string
	Naming() Naming
	PathFor(root string, id Identity) (string, error)
	Scan(root string) ([]Entry, error)
}

// Entry is one file found by Scan. Err is set when the name did not decode.
type Entry struct {
	Path     string
	Identity Identity
	Err      error
}

// FlatLayout keeps every file directly under root.
type FlatLayout struct {
	Scheme Naming
}

// TreeLayout nests files as root/<chain>/<kind>/<file>.
type TreeLayout struct {
	Scheme Naming
}

// rootDir holds chain-less entries in TreeLayout.
const rootDir = "_root"

func (l FlatLayout) Name() string { return "flat" }

func (l FlatLayout) Naming() Naming { return orV2(l.Scheme) }

func (l FlatLayout) PathFor(root string, id Identity) (string, error) {
	name, err := l.Naming().Encode(id)
	if err != nil {
		return "", err
	}
	return filepath.Join(root, name), nil
}

func (l FlatLayout) Scan(root string) ([]Entry, error) {
	return scan(root, l.Naming(), 0)
}

func (l TreeLayout) Name() string { return "tree" }

func (l TreeLayout) Naming() Naming { return orV2(l.Scheme) }

func (l TreeLayout) PathFor(root string, id Identity) (string, error) {
	name, err := l.Naming().Encode(id)
	if err != nil {
		return "", err
	}
	dir := string(id.Chain)
	if dir == "" {
		dir = rootDir
	}
	return filepath.Join(root, dir, string(id.Kind), name), nil
}

func (l TreeLayout) Scan(root string) ([]Entry, error) {
	return scan(root, l.Naming(), 2)
}

// LayoutByName returns a layout for a config name.
func LayoutByName(name string, naming Naming) (Layout, error) {
	switch name {
	case "flat":
		return FlatLayout{Scheme: naming}, nil
	case "tree", "":
		return TreeLayout{Scheme: naming}, nil
	}
	return nil, fmt.Errorf("unknown layout: %s", name)
}

func orV2(n Naming) Naming {
	if n == nil {
		return NamingV2{}
	}
	return n
}

// scan walks root to the given depth, skipping hidden files and directories.
func scan(root string, naming Naming, depth int) ([]Entry, error) {
	if _, err := os.Stat(root); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	var entries []Entry
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if path == root {
			return nil
		}
		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		rel, _ := filepath.Rel(root, path)
		level := strings.Count(rel, string(filepath.Separator))
		if d.IsDir() {
			if level >= depth {
				return filepath.SkipDir
			}
			return nil
		}
		if level != depth || !d.Type().IsRegular() {
			return nil
		}
		id, derr := naming.Decode(d.Name())
		entries = append(entries, Entry{Path: path, Identity: id, Err: derr})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan %s: %w", root, err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Path < entries[j].Path })
	return entries, nil
}
