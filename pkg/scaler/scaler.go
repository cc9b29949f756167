package scaler

import (
	"context"
	"fmt"
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/poll"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes"
)

const (
	drainInterval = 5 * time.Second
	drainAttempts = 60
)

// Scaler scales controllers to zero, waits for their pods to go away,
// and restores the original replica counts.
type Scaler struct {
	client kubernetes.Interface
	dryRun bool
	logger zerolog.Logger
	drain  poll.Poller
}

func New(client kubernetes.Interface, dryRun bool) *Scaler {
	logger := log.WithComponent("scaler")
	return &Scaler{
		client: client,
		dryRun: dryRun,
		logger: logger,
		drain:  poll.New(drainInterval, drainAttempts, logger),
	}
}

// WithPoller replaces the drain poller.
func (s *Scaler) WithPoller(p poll.Poller) *Scaler {
	s.drain = p
	return s
}

// Quiesce scales every controller to zero and waits until no pod using one of
// the claims is still running. It returns how many controllers were actually
// scaled, which is meaningful even when an error is returned.
func (s *Scaler) Quiesce(ctx context.Context, namespace string, controllers types.Controllers, claims []string) (int, error) {
	scaled, err := s.ScaleDown(ctx, controllers)
	if err != nil {
		return scaled, err
	}
	if s.dryRun {
		s.logger.Info().Bool("dry_run", true).Strs("claims", claims).Msg("Would wait for pods using target claims to terminate")
		return scaled, nil
	}
	return scaled, s.WaitDrained(ctx, namespace, claims)
}

// ScaleDown sets every controller to 0 replicas.
func (s *Scaler) ScaleDown(ctx context.Context, controllers types.Controllers) (int, error) {
	scaled := 0
	for _, c := range controllers.All() {
		if s.dryRun {
			s.logger.Info().Bool("dry_run", true).Str("controller", c.String()).Int32("replicas", c.OriginalReplicas).Msg("Would scale to 0")
			continue
		}
		s.logger.Info().Str("controller", c.String()).Int32("was", c.OriginalReplicas).Msg("Scaling to 0")
		if err := s.setReplicas(ctx, c, 0); err != nil {
			return scaled, fmt.Errorf("scaling down %s: %w", c, err)
		}
		scaled++
	}
	return scaled, nil
}

// WaitDrained blocks until no pod in the namespace mounting one of the claims
// is in a phase other than Succeeded.
func (s *Scaler) WaitDrained(ctx context.Context, namespace string, claims []string) error {
	wanted := make(map[string]bool, len(claims))
	for _, c := range claims {
		wanted[c] = true
	}

	return s.drain.Until(ctx, "pods using target claims to terminate", func(ctx context.Context) (bool, error) {
		pods, err := s.client.CoreV1().Pods(namespace).List(ctx, metav1.ListOptions{})
		if err != nil {
			return false, fmt.Errorf("listing pods: %w", err)
		}
		var running []string
		for i := range pods.Items {
			pod := &pods.Items[i]
			if pod.Status.Phase == corev1.PodSucceeded {
				continue
			}
			if podUsesClaim(pod, wanted) {
				running = append(running, pod.Name)
			}
		}
		if len(running) > 0 {
			s.logger.Debug().Strs("pods", running).Msg("Pods still using target claims")
			return false, nil
		}
		return true, nil
	})
}

// Restore sets every controller back to its original replica count. A failure
// for one controller is logged and does not stop the others.
func (s *Scaler) Restore(ctx context.Context, controllers types.Controllers) error {
	var firstErr error
	for _, c := range controllers.All() {
		s.logger.Info().Str("controller", c.String()).Int32("replicas", c.OriginalReplicas).Msg("Restoring replicas")
		if err := s.setReplicas(ctx, c, c.OriginalReplicas); err != nil {
			s.logger.Warn().Err(err).Str("controller", c.String()).Msg("Failed to restore replicas")
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

func podUsesClaim(pod *corev1.Pod, wanted map[string]bool) bool {
	for _, vol := range pod.Spec.Volumes {
		if vol.PersistentVolumeClaim != nil && wanted[vol.PersistentVolumeClaim.ClaimName] {
			return true
		}
	}
	return false
}

func (s *Scaler) setReplicas(ctx context.Context, c types.ControllerRef, replicas int32) error {
	switch c.Kind {
	case types.KindDeployment:
		dep, err := s.client.AppsV1().Deployments(c.Namespace).Get(ctx, c.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		dep.Spec.Replicas = &replicas
		_, err = s.client.AppsV1().Deployments(c.Namespace).Update(ctx, dep, metav1.UpdateOptions{})
		return err

	case types.KindStatefulSet:
		ss, err := s.client.AppsV1().StatefulSets(c.Namespace).Get(ctx, c.Name, metav1.GetOptions{})
		if err != nil {
			return err
		}
		ss.Spec.Replicas = &replicas
		_, err = s.client.AppsV1().StatefulSets(c.Namespace).Update(ctx, ss, metav1.UpdateOptions{})
		return err

	default:
		return fmt.Errorf("unsupported controller kind: %s", c.Kind)
	}
}
