//go:build wireinject
// +build wireinject

package di

import (
	"context"

	"brain2-uow/internal/config"

	"github.com/google/wire"
)

// InitializeContainer creates a fully wired container. The returned cleanup closes
// store connections.
func InitializeContainer(ctx context.Context, cfg *config.Config) (*Container, func(), error) {
	wire.Build(SuperSet)
	return nil, nil, nil // Wire will replace this
}
