// Package migrate moves the volume behind a single claim into the target zone.
//
// Each claim walks a fixed state machine: eligibility check, snapshot, volume
// recreation, manifest application and rebind confirmation. Claims that are
// not eligible are skipped; any other failure is returned to the caller and
// aborts the run.
package migrate

import (
	"context"
	"fmt"
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/manifest"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/poll"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	k8stypes "k8s.io/apimachinery/pkg/types"
	"k8s.io/client-go/kubernetes"
)

const (
	// LegacyVolumeType is the only volume type that is migrated.
	LegacyVolumeType = "gp2"

	timestampFormat = "20060102150405"

	claimGoneInterval = 2 * time.Second
	claimGoneAttempts = 60
	rebindInterval    = 5 * time.Second
	rebindAttempts    = 60
)

var retainPatch = []byte(`{"spec":{"persistentVolumeReclaimPolicy":"Retain"}}`)

// Cloud is the block storage provider.
type Cloud interface {
	DescribeVolume(ctx context.Context, volumeID string) (types.VolumeRecord, error)
	CreateSnapshot(ctx context.Context, volumeID, description string) (types.SnapshotRecord, error)
	WaitSnapshotCompleted(ctx context.Context, snapshotID string) error
	CreateVolumeFromSnapshot(ctx context.Context, src types.VolumeRecord, snapshotID, zone, name string) (types.VolumeRecord, error)
	WaitVolumeAvailable(ctx context.Context, volumeID string) error
}

// Archiver keeps a copy of the original manifests before they are replaced.
type Archiver interface {
	Archive(ctx context.Context, pvc *corev1.PersistentVolumeClaim, pv *corev1.PersistentVolume, at time.Time) (string, error)
}

// Config selects what the engine migrates and where to.
type Config struct {
	Namespace  string
	TargetZone string
	DryRun     bool
}

// Engine migrates claims one at a time.
type Engine struct {
	client    kubernetes.Interface
	cloud     Cloud
	archiver  Archiver
	cfg       Config
	clock     clock.Clock
	claimGone poll.Poller
	rebind    poll.Poller
	logger    zerolog.Logger
}

func New(client kubernetes.Interface, cloud Cloud, cfg Config) *Engine {
	logger := log.WithComponent("migrate")
	return &Engine{
		client:    client,
		cloud:     cloud,
		cfg:       cfg,
		clock:     clock.WallClock,
		claimGone: poll.New(claimGoneInterval, claimGoneAttempts, logger),
		rebind:    poll.New(rebindInterval, rebindAttempts, logger),
		logger:    logger,
	}
}

// WithArchiver archives the original claim and volume before the claim is deleted.
func (e *Engine) WithArchiver(a Archiver) *Engine {
	e.archiver = a
	return e
}

// WithClock sets the time source used for artifact names.
func (e *Engine) WithClock(c clock.Clock) *Engine {
	e.clock = c
	return e
}

// WithPollers replaces the claim deletion and rebind waits.
func (e *Engine) WithPollers(claimGone, rebind poll.Poller) *Engine {
	e.claimGone = claimGone
	e.rebind = rebind
	return e
}

// Migrate runs the state machine for one claim. Ineligible claims come back
// as StateSkippedIneligible with a nil error. A non-nil error always comes
// with StateFailed.
func (e *Engine) Migrate(ctx context.Context, claim string) (types.ClaimResult, error) {
	res := types.ClaimResult{Claim: claim, State: types.StateDiscovered}
	logger := e.logger.With().Str("claim", e.cfg.Namespace+"/"+claim).Logger()

	pvc, pv, vol, reason, err := e.resolve(ctx, claim)
	if err != nil {
		return e.fail(res, err)
	}
	if reason != "" {
		res.State = types.StateSkippedIneligible
		res.Reason = reason
		logger.Info().Str("reason", reason).Msg("Skipping claim")
		return res, nil
	}

	startedAt := e.clock.Now().UTC()
	ts := startedAt.Format(timestampFormat)
	artifactName := fmt.Sprintf("migrate-gp2-%s-%s-%s", e.cfg.Namespace, claim, ts)
	logger.Info().Str("volume", vol.ID).Str("from", vol.Zone).Str("to", e.cfg.TargetZone).Msg("Migrating claim")

	res.State = types.StateSnapshotPending
	snap, err := e.cloud.CreateSnapshot(ctx, vol.ID, artifactName)
	if err != nil {
		return e.fail(res, err)
	}
	res.SnapshotID = snap.ID
	if err := e.cloud.WaitSnapshotCompleted(ctx, snap.ID); err != nil {
		return e.fail(res, err)
	}
	res.State = types.StateSnapshotReady
	logger.Info().Str("snapshot", snap.ID).Msg("Snapshot completed")

	res.State = types.StateVolumeCreating
	newVol, err := e.cloud.CreateVolumeFromSnapshot(ctx, vol, snap.ID, e.cfg.TargetZone, artifactName)
	if err != nil {
		return e.fail(res, err)
	}
	res.VolumeID = newVol.ID
	if err := e.cloud.WaitVolumeAvailable(ctx, newVol.ID); err != nil {
		return e.fail(res, err)
	}
	res.State = types.StateVolumeReady

	newPV := manifest.PersistentVolume(pv, manifest.VolumeParams{
		Name:           pv.Name + "-migrated-" + ts,
		VolumeID:       newVol.ID,
		Zone:           e.cfg.TargetZone,
		FSType:         vol.FSType,
		Driver:         vol.Driver,
		ClaimNamespace: e.cfg.Namespace,
		ClaimName:      claim,
	})
	newClaim := manifest.SanitizeClaim(pvc)
	res.PVName = newPV.Name

	if e.cfg.DryRun {
		e.logIntended(logger, pv.Name, newPV, newClaim)
		res.Reason = "dry run"
		return res, nil
	}

	e.retainSource(ctx, logger, pv)

	if e.archiver != nil {
		path, err := e.archiver.Archive(ctx, pvc, pv, startedAt)
		if err != nil {
			return e.fail(res, fmt.Errorf("archiving manifests of %s: %w", claim, err))
		}
		res.ArchivePath = path
	}

	if _, err := e.client.CoreV1().PersistentVolumes().Create(ctx, newPV, metav1.CreateOptions{}); err != nil {
		return e.fail(res, fmt.Errorf("creating persistent volume %s: %w", newPV.Name, err))
	}
	logger.Info().Str("pv", newPV.Name).Msg("Created persistent volume")

	if err := e.replaceClaim(ctx, logger, newClaim); err != nil {
		return e.fail(res, err)
	}
	res.State = types.StateManifestApplied

	if err := e.waitBound(ctx, claim, newPV.Name); err != nil {
		return e.fail(res, err)
	}
	res.State = types.StateBound
	logger.Info().Str("pv", newPV.Name).Str("volume", newVol.ID).Msg("Claim rebound")
	return res, nil
}

// resolve loads the claim, its volume and the provider record. A non-empty
// reason means the claim is not eligible.
func (e *Engine) resolve(ctx context.Context, claim string) (*corev1.PersistentVolumeClaim, *corev1.PersistentVolume, types.VolumeRecord, string, error) {
	var vol types.VolumeRecord

	pvc, err := e.client.CoreV1().PersistentVolumeClaims(e.cfg.Namespace).Get(ctx, claim, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil, vol, "claim not found", nil
	}
	if err != nil {
		return nil, nil, vol, "", fmt.Errorf("getting claim %s: %w", claim, err)
	}
	if pvc.Spec.VolumeName == "" {
		return nil, nil, vol, "claim is not bound", nil
	}

	pv, err := e.client.CoreV1().PersistentVolumes().Get(ctx, pvc.Spec.VolumeName, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, nil, vol, fmt.Sprintf("bound volume %s not found", pvc.Spec.VolumeName), nil
	}
	if err != nil {
		return nil, nil, vol, "", fmt.Errorf("getting persistent volume %s: %w", pvc.Spec.VolumeName, err)
	}

	src, err := manifest.ParseSource(pv)
	if errors.Is(err, errors.NotValid) {
		return nil, nil, vol, err.Error(), nil
	}
	if err != nil {
		return nil, nil, vol, "", err
	}

	vol, err = e.cloud.DescribeVolume(ctx, src.VolumeID)
	if err != nil {
		return nil, nil, vol, "", err
	}
	vol.FSType = src.FSType
	vol.Driver = src.Driver

	switch {
	case vol.Type != LegacyVolumeType:
		return nil, nil, vol, fmt.Sprintf("volume type is %s", vol.Type), nil
	case vol.Zone == e.cfg.TargetZone:
		return nil, nil, vol, "volume is already in " + vol.Zone, nil
	}
	return pvc, pv, vol, "", nil
}

// retainSource keeps the source volume when its claim goes away. Failure is
// only a warning.
func (e *Engine) retainSource(ctx context.Context, logger zerolog.Logger, pv *corev1.PersistentVolume) {
	if pv.Spec.PersistentVolumeReclaimPolicy == corev1.PersistentVolumeReclaimRetain {
		return
	}
	_, err := e.client.CoreV1().PersistentVolumes().Patch(ctx, pv.Name, k8stypes.MergePatchType, retainPatch, metav1.PatchOptions{})
	if err != nil {
		logger.Warn().Err(err).Str("pv", pv.Name).Msg("Failed to set reclaim policy to Retain")
		return
	}
	logger.Info().Str("pv", pv.Name).Msg("Set reclaim policy to Retain")
}

// replaceClaim deletes the claim, waits until it is gone and creates newClaim.
// Once the delete is issued the sequence ignores cancellation, so an interrupt
// cannot leave the claim deleted and not recreated.
func (e *Engine) replaceClaim(ctx context.Context, logger zerolog.Logger, newClaim *corev1.PersistentVolumeClaim) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("replacing claim %s: %w", newClaim.Name, err)
	}
	ctx = context.WithoutCancel(ctx)
	claims := e.client.CoreV1().PersistentVolumeClaims(newClaim.Namespace)

	if err := claims.Delete(ctx, newClaim.Name, metav1.DeleteOptions{}); err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("deleting claim %s: %w", newClaim.Name, err)
	}
	err := e.claimGone.Until(ctx, "claim "+newClaim.Name+" to be deleted", func(ctx context.Context) (bool, error) {
		_, err := claims.Get(ctx, newClaim.Name, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return true, nil
		}
		return false, err
	})
	if err != nil {
		return err
	}

	if _, err := claims.Create(ctx, newClaim, metav1.CreateOptions{}); err != nil {
		return fmt.Errorf("recreating claim %s: %w", newClaim.Name, err)
	}
	logger.Info().Msg("Recreated claim")
	return nil
}

func (e *Engine) waitBound(ctx context.Context, claim, pvName string) error {
	claims := e.client.CoreV1().PersistentVolumeClaims(e.cfg.Namespace)
	return e.rebind.Until(ctx, "claim "+claim+" to bind to "+pvName, func(ctx context.Context) (bool, error) {
		pvc, err := claims.Get(ctx, claim, metav1.GetOptions{})
		if apierrors.IsNotFound(err) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		return pvc.Spec.VolumeName == pvName, nil
	})
}

func (e *Engine) logIntended(logger zerolog.Logger, sourcePV string, pv *corev1.PersistentVolume, pvc *corev1.PersistentVolumeClaim) {
	logger = logger.With().Bool("dry_run", true).Logger()
	logger.Info().Str("pv", sourcePV).Msg("Would set reclaim policy to Retain")
	if e.archiver != nil {
		logger.Info().Msg("Would archive original manifests")
	}
	for _, obj := range []any{pv, pvc} {
		data, err := manifest.YAML(obj)
		if err != nil {
			logger.Warn().Err(err).Msg("Failed to render manifest")
			continue
		}
		logger.Info().Msg("Would apply:\n" + string(data))
	}
	logger.Info().Str("claim", pvc.Name).Msg("Would delete and recreate claim")
}

func (e *Engine) fail(res types.ClaimResult, err error) (types.ClaimResult, error) {
	res.State = types.StateFailed
	res.Err = err
	return res, err
}
