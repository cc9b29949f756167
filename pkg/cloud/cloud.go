// Package cloud wraps the EC2 calls needed to copy an EBS volume into another
// availability zone. Provider responses are parsed once into typed records.
package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	jujuerrors "github.com/juju/errors"
	"github.com/rs/zerolog"
)

const (
	// DryRunSnapshotID and DryRunVolumeID stand in for real identifiers in dry-run mode.
	DryRunSnapshotID = "snap-dry-run"
	DryRunVolumeID   = "vol-dry-run"

	snapshotPollInterval = 15 * time.Second
	snapshotMaxWait      = 60 * time.Minute
	volumePollInterval   = 5 * time.Second
	volumeMaxWait        = 10 * time.Minute
)

// EC2API is the subset of the EC2 client used here.
type EC2API interface {
	DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
}

// Client performs volume operations against a single region.
type Client struct {
	ec2    EC2API
	dryRun bool
	logger zerolog.Logger
}

// New loads the default AWS configuration for region and returns a Client.
func New(ctx context.Context, region string, dryRun bool) (*Client, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("loading AWS config: %w", err)
	}
	return NewWithAPI(ec2.NewFromConfig(cfg), dryRun), nil
}

// NewWithAPI returns a Client backed by api.
func NewWithAPI(api EC2API, dryRun bool) *Client {
	return &Client{ec2: api, dryRun: dryRun, logger: log.WithComponent("cloud")}
}

// DescribeVolume returns the provider's view of a volume. FSType and Driver
// are left for the caller, which knows them from the PersistentVolume.
func (c *Client) DescribeVolume(ctx context.Context, volumeID string) (types.VolumeRecord, error) {
	out, err := c.ec2.DescribeVolumes(ctx, &ec2.DescribeVolumesInput{
		VolumeIds: []string{volumeID},
	})
	if err != nil {
		return types.VolumeRecord{}, apiError("describing volume "+volumeID, err)
	}
	if len(out.Volumes) == 0 {
		return types.VolumeRecord{}, jujuerrors.NotFoundf("volume %s", volumeID)
	}
	return volumeRecord(out.Volumes[0]), nil
}

// CreateSnapshot starts a snapshot of the volume. It does not wait for completion.
func (c *Client) CreateSnapshot(ctx context.Context, volumeID, description string) (types.SnapshotRecord, error) {
	rec := types.SnapshotRecord{Description: description, VolumeID: volumeID}
	if c.dryRun {
		c.logger.Info().Bool("dry_run", true).Str("volume", volumeID).Str("description", description).Msg("Would create snapshot")
		rec.ID = DryRunSnapshotID
		return rec, nil
	}

	out, err := c.ec2.CreateSnapshot(ctx, &ec2.CreateSnapshotInput{
		VolumeId:    aws.String(volumeID),
		Description: aws.String(description),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeSnapshot,
			Tags:         nameTags(description),
		}},
	})
	if err != nil {
		return rec, apiError("creating snapshot of "+volumeID, err)
	}
	rec.ID = aws.ToString(out.SnapshotId)
	c.logger.Info().Str("snapshot", rec.ID).Str("volume", volumeID).Msg("Snapshot started")
	return rec, nil
}

// WaitSnapshotCompleted blocks until the snapshot reaches the completed state.
func (c *Client) WaitSnapshotCompleted(ctx context.Context, snapshotID string) error {
	if c.dryRun {
		return nil
	}
	waiter := ec2.NewSnapshotCompletedWaiter(c.ec2, func(o *ec2.SnapshotCompletedWaiterOptions) {
		o.MinDelay = snapshotPollInterval
		o.MaxDelay = snapshotPollInterval
	})
	c.logger.Info().Str("snapshot", snapshotID).Msg("Waiting for snapshot to complete")
	if err := waiter.Wait(ctx, &ec2.DescribeSnapshotsInput{SnapshotIds: []string{snapshotID}}, snapshotMaxWait); err != nil {
		return waitError("snapshot "+snapshotID+" to complete", err)
	}
	return nil
}

// CreateVolumeFromSnapshot creates a copy of src in zone from the snapshot.
// IOPS and throughput are only passed for volume types that accept them.
func (c *Client) CreateVolumeFromSnapshot(ctx context.Context, src types.VolumeRecord, snapshotID, zone, name string) (types.VolumeRecord, error) {
	in := createVolumeInput(src, snapshotID, zone, name)
	if c.dryRun {
		c.logger.Info().Bool("dry_run", true).Str("snapshot", snapshotID).Str("zone", zone).
			Str("type", src.Type).Int32("size_gib", src.SizeGiB).Msg("Would create volume")
		rec := src
		rec.ID = DryRunVolumeID
		rec.Zone = zone
		return rec, nil
	}

	out, err := c.ec2.CreateVolume(ctx, in)
	if err != nil {
		return types.VolumeRecord{}, apiError("creating volume from "+snapshotID, err)
	}
	rec := src
	rec.ID = aws.ToString(out.VolumeId)
	rec.Zone = zone
	c.logger.Info().Str("volume", rec.ID).Str("zone", zone).Msg("Volume creation started")
	return rec, nil
}

// WaitVolumeAvailable blocks until the volume reaches the available state.
func (c *Client) WaitVolumeAvailable(ctx context.Context, volumeID string) error {
	if c.dryRun {
		return nil
	}
	waiter := ec2.NewVolumeAvailableWaiter(c.ec2, func(o *ec2.VolumeAvailableWaiterOptions) {
		o.MinDelay = volumePollInterval
		o.MaxDelay = volumePollInterval
	})
	c.logger.Info().Str("volume", volumeID).Msg("Waiting for volume to become available")
	if err := waiter.Wait(ctx, &ec2.DescribeVolumesInput{VolumeIds: []string{volumeID}}, volumeMaxWait); err != nil {
		return waitError("volume "+volumeID+" to become available", err)
	}
	return nil
}

func createVolumeInput(src types.VolumeRecord, snapshotID, zone, name string) *ec2.CreateVolumeInput {
	in := &ec2.CreateVolumeInput{
		AvailabilityZone: aws.String(zone),
		SnapshotId:       aws.String(snapshotID),
		VolumeType:       ec2types.VolumeType(src.Type),
		Size:             aws.Int32(src.SizeGiB),
		TagSpecifications: []ec2types.TagSpecification{{
			ResourceType: ec2types.ResourceTypeVolume,
			Tags:         nameTags(name),
		}},
	}
	if SupportsIOPS(src.Type) && src.IOPS != nil {
		in.Iops = aws.Int32(*src.IOPS)
	}
	if SupportsThroughput(src.Type) && src.Throughput != nil {
		in.Throughput = aws.Int32(*src.Throughput)
	}
	if src.Encrypted {
		in.Encrypted = aws.Bool(true)
		if src.KMSKeyID != "" {
			in.KmsKeyId = aws.String(src.KMSKeyID)
		}
	}
	return in
}

// SupportsIOPS reports whether the volume type accepts a provisioned IOPS value.
func SupportsIOPS(volumeType string) bool {
	switch ec2types.VolumeType(volumeType) {
	case ec2types.VolumeTypeIo1, ec2types.VolumeTypeIo2, ec2types.VolumeTypeGp3:
		return true
	}
	return false
}

// SupportsThroughput reports whether the volume type accepts a throughput value.
func SupportsThroughput(volumeType string) bool {
	return ec2types.VolumeType(volumeType) == ec2types.VolumeTypeGp3
}

func volumeRecord(v ec2types.Volume) types.VolumeRecord {
	return types.VolumeRecord{
		ID:         aws.ToString(v.VolumeId),
		Type:       string(v.VolumeType),
		Zone:       aws.ToString(v.AvailabilityZone),
		SizeGiB:    aws.ToInt32(v.Size),
		IOPS:       v.Iops,
		Throughput: v.Throughput,
		Encrypted:  aws.ToBool(v.Encrypted),
		KMSKeyID:   aws.ToString(v.KmsKeyId),
	}
}

func nameTags(name string) []ec2types.Tag {
	return []ec2types.Tag{{Key: aws.String("Name"), Value: aws.String(name)}}
}

func apiError(op string, err error) error {
	var ae smithy.APIError
	if errors.As(err, &ae) {
		return fmt.Errorf("%s: %s: %w", op, ae.ErrorCode(), err)
	}
	return fmt.Errorf("%s: %w", op, err)
}

func waitError(what string, err error) error {
	// Waiters report an exhausted max wait as a plain fmt error, worded
	// "exceeded max wait time for <Name> waiter" in service/ec2 v1.193.0.
	// TestWaitError_SDKTimeout pins the wording.
	if strings.Contains(err.Error(), "exceeded max wait time") {
		return jujuerrors.Timeoutf("waiting for %s: %v", what, err)
	}
	return apiError("waiting for "+what, err)
}
