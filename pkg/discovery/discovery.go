package discovery

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	appsv1 "k8s.io/api/apps/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

// Discoverer resolves the claims mounted by a pod and the controllers that reference them.
type Discoverer struct {
	client kubernetes.Interface
	logger zerolog.Logger
}

func New(client kubernetes.Interface) *Discoverer {
	return &Discoverer{client: client, logger: log.WithComponent("discovery")}
}

// ClaimsForPod returns the claims mounted by the pod, deduplicated, in volume order.
func (d *Discoverer) ClaimsForPod(ctx context.Context, ref types.PodRef) ([]string, error) {
	pod, err := d.client.CoreV1().Pods(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if apierrors.IsNotFound(err) {
		return nil, errors.NotFoundf("pod %s", ref)
	}
	if err != nil {
		return nil, fmt.Errorf("getting pod %s: %w", ref, err)
	}

	claims := podClaims(&pod.Spec)
	if len(claims) == 0 {
		return nil, errors.NotFoundf("persistent volume claims mounted by pod %s", ref)
	}

	d.logger.Debug().Str("pod", ref.String()).Strs("claims", claims).Msg("Resolved pod claims")
	return claims, nil
}

// Controllers returns every Deployment and StatefulSet in the namespace whose pods
// use one of the claims. An empty result is not an error.
func (d *Discoverer) Controllers(ctx context.Context, namespace string, claims []string) (types.Controllers, error) {
	wanted := make(map[string]bool, len(claims))
	for _, c := range claims {
		wanted[c] = true
	}

	var refs []types.ControllerRef

	deps, err := d.client.AppsV1().Deployments(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return types.Controllers{}, fmt.Errorf("listing deployments: %w", err)
	}
	for i := range deps.Items {
		dep := &deps.Items[i]
		if !templateMounts(&dep.Spec.Template.Spec, wanted) {
			continue
		}
		d.logger.Debug().Str("controller", types.KindDeployment+"/"+dep.Name).Msg("Deployment references target claim")
		refs = append(refs, deploymentInfo(dep))
	}

	sets, err := d.client.AppsV1().StatefulSets(namespace).List(ctx, metav1.ListOptions{})
	if err != nil {
		return types.Controllers{}, fmt.Errorf("listing statefulsets: %w", err)
	}
	for i := range sets.Items {
		ss := &sets.Items[i]
		if !templateMounts(&ss.Spec.Template.Spec, wanted) && !claimTemplateMatches(ss, claims) {
			continue
		}
		d.logger.Debug().Str("controller", types.KindStatefulSet+"/"+ss.Name).Msg("StatefulSet references target claim")
		refs = append(refs, statefulSetInfo(ss))
	}

	if len(refs) == 0 {
		d.logger.Info().Str("namespace", namespace).Msg("No controllers reference the target claims")
	}
	return types.NewControllers(refs), nil
}

func podClaims(spec *corev1.PodSpec) []string {
	seen := make(map[string]bool)
	var claims []string
	for _, vol := range spec.Volumes {
		if vol.PersistentVolumeClaim == nil {
			continue
		}
		name := vol.PersistentVolumeClaim.ClaimName
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		claims = append(claims, name)
	}
	return claims
}

func templateMounts(spec *corev1.PodSpec, wanted map[string]bool) bool {
	for _, vol := range spec.Volumes {
		if vol.PersistentVolumeClaim != nil && wanted[vol.PersistentVolumeClaim.ClaimName] {
			return true
		}
	}
	return false
}

// claimTemplateMatches reports whether any claim follows the per-replica
// naming <template>-<statefulset>-<ordinal> for this StatefulSet.
func claimTemplateMatches(ss *appsv1.StatefulSet, claims []string) bool {
	for _, tmpl := range ss.Spec.VolumeClaimTemplates {
		prefix := tmpl.Name + "-" + ss.Name + "-"
		for _, claim := range claims {
			if isOrdinalClaim(claim, prefix) {
				return true
			}
		}
	}
	return false
}

func isOrdinalClaim(claim, prefix string) bool {
	ordinal, ok := strings.CutPrefix(claim, prefix)
	if !ok || ordinal == "" {
		return false
	}
	n, err := strconv.Atoi(ordinal)
	return err == nil && n >= 0 && strconv.Itoa(n) == ordinal
}

func deploymentInfo(dep *appsv1.Deployment) types.ControllerRef {
	var replicas int32 = 1
	if dep.Spec.Replicas != nil {
		replicas = *dep.Spec.Replicas
	}
	return types.ControllerRef{
		Kind:             types.KindDeployment,
		Name:             dep.Name,
		Namespace:        dep.Namespace,
		OriginalReplicas: replicas,
	}
}

func statefulSetInfo(ss *appsv1.StatefulSet) types.ControllerRef {
	var replicas int32 = 1
	if ss.Spec.Replicas != nil {
		replicas = *ss.Spec.Replicas
	}
	return types.ControllerRef{
		Kind:             types.KindStatefulSet,
		Name:             ss.Name,
		Namespace:        ss.Namespace,
		OriginalReplicas: replicas,
	}
}
