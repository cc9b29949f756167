package discovery

import (
	"context"
	"testing"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/juju/errors"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"
	"k8s.io/utils/ptr"
)

func claimVolume(name, claim string) corev1.Volume {
	return corev1.Volume{
		Name: name,
		VolumeSource: corev1.VolumeSource{
			PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
				ClaimName: claim,
			},
		},
	}
}

func podRef(namespace, name string) types.PodRef {
	return types.PodRef{Namespace: namespace, Name: name}
}

func TestPodClaims_DedupAndOrder(t *testing.T) {
	spec := &corev1.PodSpec{
		Volumes: []corev1.Volume{
			claimVolume("data", "data-web-0"),
			{
				Name: "config",
				VolumeSource: corev1.VolumeSource{
					ConfigMap: &corev1.ConfigMapVolumeSource{
						LocalObjectReference: corev1.LocalObjectReference{Name: "cfg"},
					},
				},
			},
			claimVolume("logs", "logs-web-0"),
			claimVolume("data-again", "data-web-0"),
		},
	}

	got := podClaims(spec)
	if len(got) != 2 {
		t.Fatalf("podClaims() = %v, want 2 claims", got)
	}
	if got[0] != "data-web-0" || got[1] != "logs-web-0" {
		t.Errorf("podClaims() = %v, want [data-web-0 logs-web-0]", got)
	}
}

func TestClaimsForPod_NotFound(t *testing.T) {
	disc := New(fake.NewSimpleClientset())

	_, err := disc.ClaimsForPod(context.Background(), podRef("prod", "web"))
	if err == nil {
		t.Fatal("expected error for missing pod")
	}
	if !errors.Is(err, errors.NotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
}

func TestClaimsForPod_NoClaims(t *testing.T) {
	pod := &corev1.Pod{ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod"}}
	disc := New(fake.NewSimpleClientset(pod))

	_, err := disc.ClaimsForPod(context.Background(), podRef("prod", "web"))
	if err == nil {
		t.Fatal("expected error for pod without claims")
	}
	if !errors.Is(err, errors.NotFound) {
		t.Errorf("error = %v, want NotFound", err)
	}
}

func TestClaimsForPod(t *testing.T) {
	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod"},
		Spec: corev1.PodSpec{
			Volumes: []corev1.Volume{
				claimVolume("data", "data-web-0"),
				claimVolume("logs", "logs-web-0"),
			},
		},
	}
	disc := New(fake.NewSimpleClientset(pod))

	claims, err := disc.ClaimsForPod(context.Background(), podRef("prod", "web"))
	if err != nil {
		t.Fatalf("ClaimsForPod() error: %v", err)
	}
	if len(claims) != 2 || claims[0] != "data-web-0" || claims[1] != "logs-web-0" {
		t.Errorf("claims = %v, want [data-web-0 logs-web-0]", claims)
	}
}

func TestIsOrdinalClaim(t *testing.T) {
	tests := []struct {
		claim string
		want  bool
	}{
		{"data-web-0", true},
		{"data-web-12", true},
		{"data-web-", false},
		{"data-web-01", false},
		{"data-web-0-extra", false},
		{"data-web-canary-0", false},
		{"logs-web-0", false},
	}
	for _, tt := range tests {
		if got := isOrdinalClaim(tt.claim, "data-web-"); got != tt.want {
			t.Errorf("isOrdinalClaim(%q) = %v, want %v", tt.claim, got, tt.want)
		}
	}
}

func TestControllers_StatefulSetClaimTemplate(t *testing.T) {
	ss := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "web", Namespace: "prod"},
		Spec: appsv1.StatefulSetSpec{
			Replicas: ptr.To(int32(3)),
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{
				{ObjectMeta: metav1.ObjectMeta{Name: "data"}},
			},
		},
	}
	unrelated := &appsv1.StatefulSet{
		ObjectMeta: metav1.ObjectMeta{Name: "web-canary", Namespace: "prod"},
		Spec: appsv1.StatefulSetSpec{
			Replicas: ptr.To(int32(1)),
			VolumeClaimTemplates: []corev1.PersistentVolumeClaim{
				{ObjectMeta: metav1.ObjectMeta{Name: "data"}},
			},
		},
	}

	disc := New(fake.NewSimpleClientset(ss, unrelated))
	got, err := disc.Controllers(context.Background(), "prod", []string{"data-web-0"})
	if err != nil {
		t.Fatalf("Controllers() error: %v", err)
	}

	refs := got.All()
	if len(refs) != 1 {
		t.Fatalf("expected 1 controller, got %d: %v", len(refs), refs)
	}
	if refs[0].Kind != "StatefulSet" || refs[0].Name != "web" {
		t.Errorf("controller = %s, want StatefulSet/web", refs[0])
	}
	if refs[0].OriginalReplicas != 3 {
		t.Errorf("OriginalReplicas = %d, want 3", refs[0].OriginalReplicas)
	}
}

func TestControllers_DeploymentTemplateMount(t *testing.T) {
	dep := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "api", Namespace: "prod"},
		Spec: appsv1.DeploymentSpec{
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Volumes: []corev1.Volume{claimVolume("data", "api-data")},
				},
			},
		},
	}
	other := &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Name: "worker", Namespace: "prod"},
		Spec: appsv1.DeploymentSpec{
			Replicas: ptr.To(int32(4)),
			Template: corev1.PodTemplateSpec{
				Spec: corev1.PodSpec{
					Volumes: []corev1.Volume{claimVolume("data", "worker-data")},
				},
			},
		},
	}

	disc := New(fake.NewSimpleClientset(dep, other))
	got, err := disc.Controllers(context.Background(), "prod", []string{"api-data"})
	if err != nil {
		t.Fatalf("Controllers() error: %v", err)
	}

	refs := got.All()
	if len(refs) != 1 {
		t.Fatalf("expected 1 controller, got %d", len(refs))
	}
	if refs[0].Name != "api" || refs[0].Kind != "Deployment" {
		t.Errorf("controller = %s, want Deployment/api", refs[0])
	}
	// Unset replicas defaults to 1.
	if refs[0].OriginalReplicas != 1 {
		t.Errorf("OriginalReplicas = %d, want 1", refs[0].OriginalReplicas)
	}
}

func TestControllers_None(t *testing.T) {
	disc := New(fake.NewSimpleClientset())
	got, err := disc.Controllers(context.Background(), "prod", []string{"data-web-0"})
	if err != nil {
		t.Fatalf("Controllers() error: %v", err)
	}
	if got.Len() != 0 {
		t.Errorf("expected no controllers, got %d", got.Len())
	}
}
