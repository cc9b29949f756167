package scaler

import (
	"context"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"
)

// Guard pairs a quiesce with exactly one restore. Defer Restore right after
// NewGuard; it does nothing unless at least one controller was scaled down.
type Guard struct {
	scaler      *Scaler
	controllers types.Controllers
	scaled      bool
	restored    bool
}

func NewGuard(s *Scaler, controllers types.Controllers) *Guard {
	return &Guard{scaler: s, controllers: controllers}
}

// Quiesce scales the captured controllers to zero and waits for drain.
// Calling it again after a successful quiesce is a no-op.
func (g *Guard) Quiesce(ctx context.Context, namespace string, claims []string) error {
	if g.scaled {
		return nil
	}
	if g.controllers.Len() == 0 {
		g.scaler.logger.Info().Msg("No controllers to scale")
		return nil
	}
	n, err := g.scaler.Quiesce(ctx, namespace, g.controllers, claims)
	if n > 0 {
		g.scaled = true
	}
	return err
}

// Scaled reports whether any controller has been scaled down.
func (g *Guard) Scaled() bool {
	return g.scaled
}

// Restore puts every captured controller back to its original replica count.
// Only the first call does anything. Failures are logged as warnings.
func (g *Guard) Restore(ctx context.Context) {
	if g.restored || !g.scaled {
		return
	}
	g.restored = true

	// The run context may already be cancelled; restoration still has to happen.
	ctx = context.WithoutCancel(ctx)
	if err := g.scaler.Restore(ctx, g.controllers); err != nil {
		g.scaler.logger.Warn().Err(err).Msg("Some controllers were not restored")
		return
	}
	g.scaler.logger.Info().Int("controllers", g.controllers.Len()).Msg("All controllers restored")
}
