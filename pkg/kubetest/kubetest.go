// Package kubetest holds fixtures for tests that drive a fake clientset.
package kubetest

import (
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/poll"

	"github.com/juju/clock/testclock"
	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/runtime"
	"k8s.io/client-go/kubernetes/fake"
	k8stesting "k8s.io/client-go/testing"
	"k8s.io/utils/ptr"
)

// FastPoller keeps the production interval but runs it on a clock dilated
// a thousand times, so the full attempt bound passes in milliseconds.
func FastPoller(attempts int) poll.Poller {
	return poll.Poller{
		Clock:    testclock.NewDilatedWallClock(time.Millisecond),
		Interval: 5 * time.Second,
		Attempts: attempts,
		Logger:   zerolog.Nop(),
	}
}

// ClaimVolume is a pod volume named after the claim it mounts.
func ClaimVolume(claim string) corev1.Volume {
	return corev1.Volume{
		Name: claim,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{ClaimName: claim},
		},
	}
}

// EBSVolume is a 20Gi gp2 CSI volume with the Delete reclaim policy.
func EBSVolume(name, volumeID string) *corev1.PersistentVolume {
	return &corev1.PersistentVolume{
		ObjectMeta: metav1.ObjectMeta{Name: name},
		Spec: corev1.PersistentVolumeSpec{
			Capacity:                      corev1.ResourceList{corev1.ResourceStorage: resource.MustParse("20Gi")},
			AccessModes:                   []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			PersistentVolumeReclaimPolicy: corev1.PersistentVolumeReclaimDelete,
			StorageClassName:              "gp2",
			PersistentVolumeSource: corev1.PersistentVolumeSource{
				CSI: &corev1.CSIPersistentVolumeSource{Driver: "ebs.csi.aws.com", VolumeHandle: volumeID, FSType: "ext4"},
			},
		},
	}
}

// BoundClaim is a claim bound to pvName, annotated the way the volume
// controller leaves it. An empty pvName gives an unbound claim.
func BoundClaim(namespace, name, pvName string) *corev1.PersistentVolumeClaim {
	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{Name: name, Namespace: namespace},
		Spec: corev1.PersistentVolumeClaimSpec{
			StorageClassName: ptr.To("gp2"),
			AccessModes:      []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			VolumeName:       pvName,
		},
	}
	if pvName != "" {
		pvc.Annotations = map[string]string{"pv.kubernetes.io/bind-completed": "yes"}
		pvc.Status.Phase = corev1.ClaimBound
	}
	return pvc
}

// BindOnCreate stands in for the volume controller: a created claim is bound
// to the persistent volume created most recently before it.
func BindOnCreate(client *fake.Clientset) {
	var lastPV string
	client.PrependReactor("create", "persistentvolumes", func(action k8stesting.Action) (bool, runtime.Object, error) {
		lastPV = action.(k8stesting.CreateAction).GetObject().(*corev1.PersistentVolume).Name
		return false, nil, nil
	})
	client.PrependReactor("create", "persistentvolumeclaims", func(action k8stesting.Action) (bool, runtime.Object, error) {
		action.(k8stesting.CreateAction).GetObject().(*corev1.PersistentVolumeClaim).Spec.VolumeName = lastPV
		return false, nil, nil
	})
}
