package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/backup"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/cloud"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/discovery"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/migrate"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/r2"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/scaler"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/types"

	"github.com/juju/errors"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

type options struct {
	namespace         string
	pod               string
	targetZone        string
	region            string
	kubeContext       string
	kubeconfig        string
	dryRun            bool
	verbose           bool
	logJSON           bool
	backupDir         string
	backupCredentials string
}

func (o *options) addFlags(fs *flag.FlagSet) {
	fs.StringVarP(&o.namespace, "namespace", "n", "", "Kubernetes namespace of the pod (required)")
	fs.StringVarP(&o.pod, "pod", "p", "", "Pod whose claims are migrated (required)")
	fs.StringVarP(&o.targetZone, "target-zone", "z", "", "Availability zone to move volumes to (required)")
	fs.StringVarP(&o.region, "region", "r", "", "AWS region of the volumes (required)")
	fs.StringVar(&o.kubeContext, "context", "", "Kubeconfig context to use")
	fs.StringVar(&o.kubeconfig, "kubeconfig", "", "Path to kubeconfig (default: in-cluster or ~/.kube/config)")
	fs.BoolVar(&o.dryRun, "dry-run", false, "Show what would be done without doing it")
	fs.BoolVarP(&o.verbose, "verbose", "v", false, "Verbose output")
	fs.BoolVar(&o.logJSON, "log-json", false, "Write logs as JSON")
	fs.StringVar(&o.backupDir, "backup-dir", "", "Archive original claim and volume manifests to this directory")
	fs.StringVar(&o.backupCredentials, "backup-credentials", "", "R2 credentials JSON; uploads archives from --backup-dir")
}

func (o *options) validate() error {
	var missing []string
	for _, f := range []struct{ name, value string }{
		{"--namespace", o.namespace},
		{"--pod", o.pod},
		{"--target-zone", o.targetZone},
		{"--region", o.region},
	} {
		if f.value == "" {
			missing = append(missing, f.name)
		}
	}
	if len(missing) > 0 {
		return errors.NewNotValid(nil, "missing required flags: "+strings.Join(missing, ", "))
	}
	if o.backupCredentials != "" && o.backupDir == "" {
		return errors.NewNotValid(nil, "--backup-credentials requires --backup-dir")
	}
	return nil
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	cmd := &cobra.Command{
		Use:   "gp2-zone-migrate",
		Short: "Move the gp2 EBS volumes of a pod into another availability zone",
		Long: `gp2-zone-migrate scales down the controllers of a pod, snapshots every gp2
volume behind the pod's claims, recreates the volumes in the target zone and
rebinds the claims to them. Original replica counts are restored on exit.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			log.Init(log.Config{Verbose: opts.verbose, JSONOutput: opts.logJSON})
			if err := opts.validate(); err != nil {
				_ = cmd.Usage()
				return err
			}
			return execute(cmd.Context(), opts, cmd.OutOrStdout())
		},
	}
	opts.addFlags(cmd.Flags())
	return cmd
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	err := newRootCmd().ExecuteContext(ctx)
	cancel()
	if err != nil {
		log.Logger.Error().Err(err).Msg("Migration failed")
		os.Exit(1)
	}
}

func execute(ctx context.Context, opts *options, out io.Writer) error {
	client, err := buildClient(opts.kubeconfig, opts.kubeContext)
	if err != nil {
		return fmt.Errorf("creating Kubernetes client: %w", err)
	}
	cloudClient, err := cloud.New(ctx, opts.region, opts.dryRun)
	if err != nil {
		return err
	}

	engine := migrate.New(client, cloudClient, migrate.Config{
		Namespace:  opts.namespace,
		TargetZone: opts.targetZone,
		DryRun:     opts.dryRun,
	})
	if opts.backupDir != "" {
		bk := backup.New(opts.backupDir, backup.DefaultFormat)
		if opts.backupCredentials != "" {
			creds, err := r2.LoadCredentials(opts.backupCredentials)
			if err != nil {
				return err
			}
			uploader, err := r2.New(creds)
			if err != nil {
				return err
			}
			bk.WithUploader(uploader)
		}
		engine.WithArchiver(bk)
	}

	m := &migration{
		pod:        types.PodRef{Namespace: opts.namespace, Name: opts.pod},
		discoverer: discovery.New(client),
		scaler:     scaler.New(client, opts.dryRun),
		engine:     engine,
	}
	results, err := m.run(ctx)
	printSummary(out, results, opts.dryRun)
	return err
}

func buildClient(kubeconfig, kubeContext string) (kubernetes.Interface, error) {
	var config *rest.Config
	var err error

	if kubeconfig == "" && kubeContext == "" {
		config, err = rest.InClusterConfig()
	}
	if config == nil {
		loadingRules := clientcmd.NewDefaultClientConfigLoadingRules()
		loadingRules.ExplicitPath = kubeconfig
		overrides := &clientcmd.ConfigOverrides{CurrentContext: kubeContext}
		config, err = clientcmd.NewNonInteractiveDeferredLoadingClientConfig(loadingRules, overrides).ClientConfig()
	}
	if err != nil {
		return nil, err
	}

	return kubernetes.NewForConfig(config)
}
