// Package source adapts a directory tree of code files into a ModuleSource.
//
// Every regular file with a recognised extension is one module. The module name
// is its path relative to the root without the extension, with separators
// replaced by dots: "model/openai.py" is module "model.openai". Hidden entries
// and directories starting with "_" are skipped.
package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"strings"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/util"

	"modhub/internal/module/identity"
	"modhub/internal/module/ports"
	"modhub/pkg/platform/sentinel"
)

// DefaultExtensions are the file extensions treated as module source.
var DefaultExtensions = []string{".go", ".py", ".ts", ".js", ".rs"}

var _ ports.ModuleSource = (*DirSource)(nil)

// DirSource is a ModuleSource backed by a billy filesystem.
type DirSource struct {
	identity.Deriver
	fs         billy.Filesystem
	extensions []string
}

// Option configures a DirSource.
type Option func(*DirSource)

// WithExtensions overrides the module file extensions. Order matters when two
// files share a module name: the earlier extension wins.
func WithExtensions(exts ...string) Option {
	return func(s *DirSource) {
		if len(exts) > 0 {
			s.extensions = exts
		}
	}
}

// WithDeriver replaces the default SHA-256/ed25519 identity primitives.
func WithDeriver(d identity.Deriver) Option {
	return func(s *DirSource) {
		if d != nil {
			s.Deriver = d
		}
	}
}

// NewDirSource constructs a source rooted at fs.
func NewDirSource(fs billy.Filesystem, opts ...Option) *DirSource {
	s := &DirSource{
		Deriver:    identity.Default{},
		fs:         fs,
		extensions: DefaultExtensions,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ListModuleNames walks the tree and returns one name per module file.
func (s *DirSource) ListModuleNames(ctx context.Context) ([]string, error) {
	seen := make(map[string]struct{})
	var names []string
	err := util.Walk(s.fs, "/", func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if p != "/" && skipEntry(info.Name()) {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.IsDir() || !info.Mode().IsRegular() {
			return nil
		}
		name, ok := s.moduleName(p)
		if !ok {
			return nil
		}
		if _, dup := seen[name]; !dup {
			seen[name] = struct{}{}
			names = append(names, name)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: walk modules: %w", sentinel.ErrUnavailable, err)
	}
	return names, nil
}

// ReadCode reads the file backing a module name.
func (s *DirSource) ReadCode(ctx context.Context, name string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" || strings.Contains(name, "..") {
		return nil, fmt.Errorf("module %q: %w", name, sentinel.ErrNotFound)
	}
	base := strings.ReplaceAll(name, ".", "/")
	for _, ext := range s.extensions {
		code, err := util.ReadFile(s.fs, base+ext)
		if err == nil {
			return code, nil
		}
		if !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: read module %q: %w", sentinel.ErrUnavailable, name, err)
		}
	}
	return nil, fmt.Errorf("module %q: %w", name, sentinel.ErrNotFound)
}

func (s *DirSource) moduleName(p string) (string, bool) {
	ext := path.Ext(p)
	if !s.hasExtension(ext) {
		return "", false
	}
	rel := strings.TrimPrefix(strings.TrimSuffix(p, ext), "/")
	// Dots inside path segments would make the name ambiguous.
	if rel == "" || strings.Contains(rel, ".") {
		return "", false
	}
	return strings.ReplaceAll(rel, "/", "."), true
}

func (s *DirSource) hasExtension(ext string) bool {
	for _, e := range s.extensions {
		if e == ext {
			return true
		}
	}
	return false
}

func skipEntry(name string) bool {
	return strings.HasPrefix(name, ".") || strings.HasPrefix(name, "_")
}

// Files lists regular, non-hidden files under root, relative to root.
func Files(fsys billy.Filesystem, root string) ([]string, error) {
	root = path.Clean("/" + root)
	var files []string
	err := util.Walk(fsys, root, func(p string, info fs.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if p != root && strings.HasPrefix(info.Name(), ".") {
			if info.IsDir() {
				return fs.SkipDir
			}
			return nil
		}
		if info.Mode().IsRegular() {
			files = append(files, strings.TrimPrefix(strings.TrimPrefix(p, root), "/"))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list files under %s: %w", root, err)
	}
	return files, nil
}
