package manifest

import (
	"fmt"
	"maps"
	"strings"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/juju/errors"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"sigs.k8s.io/yaml"
)

const (
	// EBSCSIDriver is the only CSI driver whose volumes are migrated.
	EBSCSIDriver = "ebs.csi.aws.com"
	// DefaultFSType applies when the source does not name a filesystem.
	DefaultFSType = "ext4"

	annBindCompleted     = "pv.kubernetes.io/bind-completed"
	annBoundByCtrl       = "pv.kubernetes.io/bound-by-controller"
	annSelectedNode      = "volume.kubernetes.io/selected-node"
	inTreeVolumeIDPrefix = "aws://"
)

// Source is the storage location of a PersistentVolume.
type Source struct {
	VolumeID string
	Driver   string // types.DriverCSI or types.DriverInTree
	FSType   string
}

// ParseSource extracts the EBS volume behind pv. Volumes that are not EBS
// backed return an error satisfying errors.Is(err, errors.NotValid).
func ParseSource(pv *corev1.PersistentVolume) (Source, error) {
	if csi := pv.Spec.CSI; csi != nil {
		if csi.Driver != EBSCSIDriver {
			return Source{}, errors.NotValidf("CSI driver %q", csi.Driver)
		}
		return Source{
			VolumeID: csi.VolumeHandle,
			Driver:   types.DriverCSI,
			FSType:   fsTypeOrDefault(csi.FSType),
		}, nil
	}
	if ebs := pv.Spec.AWSElasticBlockStore; ebs != nil {
		return Source{
			VolumeID: inTreeVolumeID(ebs.VolumeID),
			Driver:   types.DriverInTree,
			FSType:   fsTypeOrDefault(ebs.FSType),
		}, nil
	}
	return Source{}, errors.NotValidf("volume source of %s (not EBS backed)", pv.Name)
}

// inTreeVolumeID accepts both "vol-123" and "aws://zone/vol-123".
func inTreeVolumeID(id string) string {
	if i := strings.LastIndex(id, "/"); i >= 0 {
		return id[i+1:]
	}
	return id
}

// InTreeVolumeID returns the in-tree location string for a volume in zone.
func InTreeVolumeID(zone, volumeID string) string {
	return inTreeVolumeIDPrefix + zone + "/" + volumeID
}

func fsTypeOrDefault(fsType string) string {
	if fsType == "" {
		return DefaultFSType
	}
	return fsType
}

// VolumeParams names the new volume and the claim it is reserved for.
type VolumeParams struct {
	Name           string
	VolumeID       string
	Zone           string
	FSType         string
	Driver         string
	ClaimNamespace string
	ClaimName      string
}

// PersistentVolume composes a PersistentVolume for the new volume. Capacity,
// access modes, storage class, volume mode and mount options come from src.
// The volume is pre-bound to the claim and restricted to the target zone.
func PersistentVolume(src *corev1.PersistentVolume, p VolumeParams) *corev1.PersistentVolume {
	policy := corev1.PersistentVolumeReclaimDelete
	if src.Spec.PersistentVolumeReclaimPolicy == corev1.PersistentVolumeReclaimRetain {
		policy = corev1.PersistentVolumeReclaimRetain
	}

	pv := &corev1.PersistentVolume{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolume"},
		ObjectMeta: metav1.ObjectMeta{
			Name:   p.Name,
			Labels: map[string]string{corev1.LabelTopologyZone: p.Zone},
		},
		Spec: corev1.PersistentVolumeSpec{
			Capacity:                      src.Spec.Capacity.DeepCopy(),
			AccessModes:                   append([]corev1.PersistentVolumeAccessMode(nil), src.Spec.AccessModes...),
			PersistentVolumeReclaimPolicy: policy,
			StorageClassName:              src.Spec.StorageClassName,
			VolumeMode:                    src.Spec.VolumeMode,
			MountOptions:                  append([]string(nil), src.Spec.MountOptions...),
			ClaimRef: &corev1.ObjectReference{
				Kind:       "PersistentVolumeClaim",
				APIVersion: "v1",
				Namespace:  p.ClaimNamespace,
				Name:       p.ClaimName,
			},
			NodeAffinity: &corev1.VolumeNodeAffinity{
				Required: &corev1.NodeSelector{
					NodeSelectorTerms: []corev1.NodeSelectorTerm{{
						MatchExpressions: []corev1.NodeSelectorRequirement{{
							Key:      corev1.LabelTopologyZone,
							Operator: corev1.NodeSelectorOpIn,
							Values:   []string{p.Zone},
						}},
					}},
				},
			},
		},
	}

	fsType := fsTypeOrDefault(p.FSType)
	if p.Driver == types.DriverInTree {
		pv.Spec.AWSElasticBlockStore = &corev1.AWSElasticBlockStoreVolumeSource{
			VolumeID: InTreeVolumeID(p.Zone, p.VolumeID),
			FSType:   fsType,
		}
	} else {
		pv.Spec.CSI = &corev1.CSIPersistentVolumeSource{
			Driver:       EBSCSIDriver,
			VolumeHandle: p.VolumeID,
			FSType:       fsType,
		}
	}
	return pv
}

// SanitizeClaim returns a copy of pvc that can be created again and bind to a
// pre-bound volume instead of triggering dynamic provisioning.
func SanitizeClaim(pvc *corev1.PersistentVolumeClaim) *corev1.PersistentVolumeClaim {
	out := &corev1.PersistentVolumeClaim{
		TypeMeta: metav1.TypeMeta{APIVersion: "v1", Kind: "PersistentVolumeClaim"},
		ObjectMeta: metav1.ObjectMeta{
			Name:            pvc.Name,
			Namespace:       pvc.Namespace,
			Labels:          maps.Clone(pvc.Labels),
			Annotations:     maps.Clone(pvc.Annotations),
			OwnerReferences: append([]metav1.OwnerReference(nil), pvc.OwnerReferences...),
		},
		Spec: *pvc.Spec.DeepCopy(),
	}
	out.Spec.VolumeName = ""

	for _, key := range []string{annBindCompleted, annBoundByCtrl, annSelectedNode} {
		delete(out.Annotations, key)
	}
	if len(out.Annotations) == 0 {
		out.Annotations = nil
	}
	return out
}

// YAML renders a composed object for logs and archives.
func YAML(obj any) ([]byte, error) {
	data, err := yaml.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("rendering manifest: %w", err)
	}
	return data, nil
}
