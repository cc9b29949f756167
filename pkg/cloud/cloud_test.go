package cloud

import (
	"context"
	"testing"
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/smithy-go"
	jujuerrors "github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// mockEC2Client implements EC2API with per-method overrides.
type mockEC2Client struct {
	DescribeVolumesFunc   func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error)
	CreateSnapshotFunc    func(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error)
	DescribeSnapshotsFunc func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error)
	CreateVolumeFunc      func(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error)
}

func (m *mockEC2Client) DescribeVolumes(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
	return m.DescribeVolumesFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) CreateSnapshot(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
	return m.CreateSnapshotFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) DescribeSnapshots(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
	return m.DescribeSnapshotsFunc(ctx, params, optFns...)
}

func (m *mockEC2Client) CreateVolume(ctx context.Context, params *ec2.CreateVolumeInput, optFns ...func(*ec2.Options)) (*ec2.CreateVolumeOutput, error) {
	return m.CreateVolumeFunc(ctx, params, optFns...)
}

func TestDescribeVolume(t *testing.T) {
	mock := &mockEC2Client{
		DescribeVolumesFunc: func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
			require.Equal(t, []string{"vol-1"}, params.VolumeIds)
			return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{{
				VolumeId:         aws.String("vol-1"),
				VolumeType:       ec2types.VolumeTypeGp2,
				AvailabilityZone: aws.String("eu-west-1a"),
				Size:             aws.Int32(100),
				Iops:             aws.Int32(300),
				Encrypted:        aws.Bool(true),
				KmsKeyId:         aws.String("arn:aws:kms:key/1"),
			}}}, nil
		},
	}

	rec, err := NewWithAPI(mock, false).DescribeVolume(context.Background(), "vol-1")
	require.NoError(t, err)
	assert.Equal(t, "gp2", rec.Type)
	assert.Equal(t, "eu-west-1a", rec.Zone)
	assert.Equal(t, int32(100), rec.SizeGiB)
	assert.True(t, rec.Encrypted)
	assert.Equal(t, "arn:aws:kms:key/1", rec.KMSKeyID)
	assert.Nil(t, rec.Throughput)
}

func TestDescribeVolume_NotFound(t *testing.T) {
	mock := &mockEC2Client{
		DescribeVolumesFunc: func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
			return &ec2.DescribeVolumesOutput{}, nil
		},
	}

	_, err := NewWithAPI(mock, false).DescribeVolume(context.Background(), "vol-1")
	require.Error(t, err)
	assert.True(t, jujuerrors.Is(err, jujuerrors.NotFound))
}

func TestDescribeVolume_APIErrorCode(t *testing.T) {
	mock := &mockEC2Client{
		DescribeVolumesFunc: func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
			return nil, &smithy.GenericAPIError{Code: "UnauthorizedOperation", Message: "denied"}
		},
	}

	_, err := NewWithAPI(mock, false).DescribeVolume(context.Background(), "vol-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UnauthorizedOperation")
}

func TestCreateSnapshot_Tagged(t *testing.T) {
	var got *ec2.CreateSnapshotInput
	mock := &mockEC2Client{
		CreateSnapshotFunc: func(ctx context.Context, params *ec2.CreateSnapshotInput, optFns ...func(*ec2.Options)) (*ec2.CreateSnapshotOutput, error) {
			got = params
			return &ec2.CreateSnapshotOutput{SnapshotId: aws.String("snap-1")}, nil
		},
	}

	rec, err := NewWithAPI(mock, false).CreateSnapshot(context.Background(), "vol-1", "migrate-gp2-prod-data-web-0-20260101000000")
	require.NoError(t, err)
	assert.Equal(t, "snap-1", rec.ID)
	require.NotNil(t, got)
	assert.Equal(t, "vol-1", aws.ToString(got.VolumeId))
	assert.Equal(t, "migrate-gp2-prod-data-web-0-20260101000000", aws.ToString(got.Description))
	require.Len(t, got.TagSpecifications, 1)
	assert.Equal(t, "migrate-gp2-prod-data-web-0-20260101000000", aws.ToString(got.TagSpecifications[0].Tags[0].Value))
}

func TestDryRunMakesNoCalls(t *testing.T) {
	// Nil Func fields panic if called.
	c := NewWithAPI(&mockEC2Client{}, true)
	ctx := context.Background()

	snap, err := c.CreateSnapshot(ctx, "vol-1", "desc")
	require.NoError(t, err)
	assert.Equal(t, DryRunSnapshotID, snap.ID)
	require.NoError(t, c.WaitSnapshotCompleted(ctx, snap.ID))

	vol, err := c.CreateVolumeFromSnapshot(ctx, types.VolumeRecord{ID: "vol-1", Type: "gp2", SizeGiB: 10}, snap.ID, "eu-west-1b", "desc")
	require.NoError(t, err)
	assert.Equal(t, DryRunVolumeID, vol.ID)
	assert.Equal(t, "eu-west-1b", vol.Zone)
	require.NoError(t, c.WaitVolumeAvailable(ctx, vol.ID))
}

func TestWaitSnapshotCompleted(t *testing.T) {
	mock := &mockEC2Client{
		DescribeSnapshotsFunc: func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
			return &ec2.DescribeSnapshotsOutput{Snapshots: []ec2types.Snapshot{{
				SnapshotId: aws.String("snap-1"),
				State:      ec2types.SnapshotStateCompleted,
			}}}, nil
		},
	}
	require.NoError(t, NewWithAPI(mock, false).WaitSnapshotCompleted(context.Background(), "snap-1"))
}

func TestWaitSnapshotCompleted_ErrorState(t *testing.T) {
	mock := &mockEC2Client{
		DescribeSnapshotsFunc: func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
			return &ec2.DescribeSnapshotsOutput{Snapshots: []ec2types.Snapshot{{
				SnapshotId: aws.String("snap-1"),
				State:      ec2types.SnapshotStateError,
			}}}, nil
		},
	}
	err := NewWithAPI(mock, false).WaitSnapshotCompleted(context.Background(), "snap-1")
	require.Error(t, err)
	assert.False(t, jujuerrors.Is(err, jujuerrors.Timeout))
}

func TestWaitVolumeAvailable(t *testing.T) {
	mock := &mockEC2Client{
		DescribeVolumesFunc: func(ctx context.Context, params *ec2.DescribeVolumesInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVolumesOutput, error) {
			return &ec2.DescribeVolumesOutput{Volumes: []ec2types.Volume{{
				VolumeId: aws.String("vol-2"),
				State:    ec2types.VolumeStateAvailable,
			}}}, nil
		},
	}
	require.NoError(t, NewWithAPI(mock, false).WaitVolumeAvailable(context.Background(), "vol-2"))
}

func TestCreateVolumeInput(t *testing.T) {
	tests := []struct {
		name           string
		src            types.VolumeRecord
		wantIOPS       bool
		wantThroughput bool
	}{
		{
			name: "gp2 drops iops",
			src:  types.VolumeRecord{Type: "gp2", SizeGiB: 50, IOPS: aws.Int32(150)},
		},
		{
			name:     "io1 keeps iops",
			src:      types.VolumeRecord{Type: "io1", SizeGiB: 50, IOPS: aws.Int32(1000)},
			wantIOPS: true,
		},
		{
			name:           "gp3 keeps iops and throughput",
			src:            types.VolumeRecord{Type: "gp3", SizeGiB: 50, IOPS: aws.Int32(3000), Throughput: aws.Int32(125)},
			wantIOPS:       true,
			wantThroughput: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := createVolumeInput(tt.src, "snap-1", "eu-west-1b", "name")
			assert.Equal(t, "eu-west-1b", aws.ToString(in.AvailabilityZone))
			assert.Equal(t, "snap-1", aws.ToString(in.SnapshotId))
			assert.Equal(t, ec2types.VolumeType(tt.src.Type), in.VolumeType)
			assert.Equal(t, tt.src.SizeGiB, aws.ToInt32(in.Size))
			assert.Equal(t, tt.wantIOPS, in.Iops != nil)
			assert.Equal(t, tt.wantThroughput, in.Throughput != nil)
			assert.Nil(t, in.Encrypted)
		})
	}
}

func TestCreateVolumeInput_Encryption(t *testing.T) {
	src := types.VolumeRecord{Type: "gp2", SizeGiB: 20, Encrypted: true, KMSKeyID: "key-1"}
	in := createVolumeInput(src, "snap-1", "eu-west-1b", "name")
	assert.True(t, aws.ToBool(in.Encrypted))
	assert.Equal(t, "key-1", aws.ToString(in.KmsKeyId))
}

func TestWaitError_SDKTimeout(t *testing.T) {
	mock := &mockEC2Client{
		DescribeSnapshotsFunc: func(ctx context.Context, params *ec2.DescribeSnapshotsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSnapshotsOutput, error) {
			return &ec2.DescribeSnapshotsOutput{Snapshots: []ec2types.Snapshot{{
				SnapshotId: aws.String("snap-1"),
				State:      ec2types.SnapshotStatePending,
			}}}, nil
		},
	}
	// A max wait below the minimum delay gives up after the first attempt.
	waiter := ec2.NewSnapshotCompletedWaiter(mock)
	sdkErr := waiter.Wait(context.Background(), &ec2.DescribeSnapshotsInput{SnapshotIds: []string{"snap-1"}}, time.Millisecond)
	require.Error(t, sdkErr)

	err := waitError("snapshot snap-1 to complete", sdkErr)
	assert.True(t, jujuerrors.Is(err, jujuerrors.Timeout), "SDK timeout %q not classified as Timeout", sdkErr)
}

func TestWaitError_APIFailureIsNotTimeout(t *testing.T) {
	err := waitError("volume vol-1 to become available", &smithy.GenericAPIError{Code: "InvalidVolume.NotFound", Message: "gone"})
	assert.False(t, jujuerrors.Is(err, jujuerrors.Timeout))
	assert.Contains(t, err.Error(), "InvalidVolume.NotFound")
}
