package main

import (
	"context"
	"fmt"
	"io"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/discovery"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/migrate"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/scaler"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"
)

type migration struct {
	pod        types.PodRef
	discoverer *discovery.Discoverer
	scaler     *scaler.Scaler
	engine     *migrate.Engine
}

// run discovers the pod's claims, quiesces their controllers and migrates the
// claims one by one. Controllers are restored before run returns, whatever
// the outcome. Results are returned for every claim that was attempted.
func (m *migration) run(ctx context.Context) ([]types.ClaimResult, error) {
	claims, err := m.discoverer.ClaimsForPod(ctx, m.pod)
	if err != nil {
		return nil, fmt.Errorf("discovering claims: %w", err)
	}
	controllers, err := m.discoverer.Controllers(ctx, m.pod.Namespace, claims)
	if err != nil {
		return nil, fmt.Errorf("discovering controllers: %w", err)
	}

	guard := scaler.NewGuard(m.scaler, controllers)
	defer guard.Restore(ctx)

	if err := guard.Quiesce(ctx, m.pod.Namespace, claims); err != nil {
		return nil, fmt.Errorf("quiescing controllers: %w", err)
	}

	var results []types.ClaimResult
	for _, claim := range claims {
		res, err := m.engine.Migrate(ctx, claim)
		results = append(results, res)
		if err != nil {
			return results, fmt.Errorf("migrating claim %s: %w", claim, err)
		}
	}
	return results, nil
}

func printSummary(w io.Writer, results []types.ClaimResult, dryRun bool) {
	if len(results) == 0 {
		return
	}
	title := "Migration Summary"
	if dryRun {
		title = "DRY RUN Summary"
	}
	fmt.Fprintf(w, "\n=== %s ===\n", title)
	for _, r := range results {
		switch r.State {
		case types.StateBound:
			fmt.Fprintf(w, "  OK    %s -> %s (%s)\n", r.Claim, r.PVName, r.VolumeID)
		case types.StateSkippedIneligible:
			fmt.Fprintf(w, "  SKIP  %s: %s\n", r.Claim, r.Reason)
		case types.StateFailed:
			fmt.Fprintf(w, "  FAIL  %s (%s): %v\n", r.Claim, stepDetail(r), r.Err)
		default:
			fmt.Fprintf(w, "  PLAN  %s -> %s\n", r.Claim, r.PVName)
		}
	}
}

// stepDetail names the artifacts created before a failure so they can be
// cleaned up by hand.
func stepDetail(r types.ClaimResult) string {
	switch {
	case r.VolumeID != "":
		return "snapshot " + r.SnapshotID + ", volume " + r.VolumeID
	case r.SnapshotID != "":
		return "snapshot " + r.SnapshotID
	default:
		return "no artifacts"
	}
}
