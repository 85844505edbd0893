package ports

//go:generate mockgen -source=ports.go -destination=mocks/mocks.go -package=mocks

import (
	"context"

	"modhub/internal/module/identity"
)

// ModuleSource enumerates modules and provides the primitives their identity
// is derived from. The registry cache and module service depend on this port;
// source.DirSource is the filesystem adapter.
type ModuleSource interface {
	identity.Deriver

	// ListModuleNames returns every module the source knows about, unordered.
	ListModuleNames(ctx context.Context) ([]string, error)

	// ReadCode returns the source text of a module.
	// Returns an error wrapping sentinel.ErrNotFound for unknown names.
	ReadCode(ctx context.Context, name string) ([]byte, error)
}
