package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/log"
	"github.com/bitia-ru/k8s-gp2-zone-migrate/pkg/manifest"

	"github.com/rs/zerolog"
	corev1 "k8s.io/api/core/v1"
)

// DefaultFormat names manifest archives.
const DefaultFormat = "{namespace}_{pvc}_{date}.tar.gz"

// Uploader stores a local archive remotely.
type Uploader interface {
	Upload(ctx context.Context, archivePath, key string) error
}

// Backuper writes tar.gz archives of a claim and its volume before they are replaced.
type Backuper struct {
	outputDir    string
	outputFormat string
	uploader     Uploader
	logger       zerolog.Logger
}

func New(outputDir, outputFormat string) *Backuper {
	if outputFormat == "" {
		outputFormat = DefaultFormat
	}
	return &Backuper{
		outputDir:    outputDir,
		outputFormat: outputFormat,
		logger:       log.WithComponent("backup"),
	}
}

// WithUploader uploads every archive after it is written.
func (b *Backuper) WithUploader(u Uploader) *Backuper {
	b.uploader = u
	return b
}

type entry struct {
	name string
	data []byte
}

// Archive writes the claim and volume manifests to a single archive and
// returns its path. at stamps the archive name and entries.
func (b *Backuper) Archive(ctx context.Context, pvc *corev1.PersistentVolumeClaim, pv *corev1.PersistentVolume, at time.Time) (string, error) {
	pvcCopy := pvc.DeepCopy()
	pvcCopy.APIVersion, pvcCopy.Kind = "v1", "PersistentVolumeClaim"
	pvCopy := pv.DeepCopy()
	pvCopy.APIVersion, pvCopy.Kind = "v1", "PersistentVolume"

	claimYAML, err := manifest.YAML(pvcCopy)
	if err != nil {
		return "", err
	}
	volumeYAML, err := manifest.YAML(pvCopy)
	if err != nil {
		return "", err
	}

	if err := os.MkdirAll(b.outputDir, 0755); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}
	archiveName := FormatName(b.outputFormat, pvc.Namespace, pvc.Name, at)
	archivePath := filepath.Join(b.outputDir, archiveName)

	size, err := createTarGz(archivePath, at, []entry{
		{name: "persistentvolumeclaim.yaml", data: claimYAML},
		{name: "persistentvolume.yaml", data: volumeYAML},
	})
	if err != nil {
		return "", fmt.Errorf("creating archive: %w", err)
	}
	b.logger.Info().Str("archive", archivePath).Int64("bytes", size).Msg("Archived original manifests")

	if b.uploader != nil {
		key := path.Join(pvc.Namespace, archiveName)
		if err := b.uploader.Upload(ctx, archivePath, key); err != nil {
			return archivePath, fmt.Errorf("uploading archive: %w", err)
		}
	}
	return archivePath, nil
}

// FormatName expands the archive name template. {date} uses the same UTC
// stamp as the snapshot and volume names.
func FormatName(outputFormat, namespace, pvcName string, at time.Time) string {
	date := at.UTC().Format("20060102150405")
	name := outputFormat
	name = strings.ReplaceAll(name, "{namespace}", namespace)
	name = strings.ReplaceAll(name, "{pvc}", pvcName)
	name = strings.ReplaceAll(name, "{date}", date)
	return name
}

func createTarGz(archivePath string, modTime time.Time, entries []entry) (int64, error) {
	file, err := os.Create(archivePath)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	gzWriter := gzip.NewWriter(file)
	defer gzWriter.Close()

	tarWriter := tar.NewWriter(gzWriter)
	defer tarWriter.Close()

	for _, e := range entries {
		header := &tar.Header{
			Name:    e.name,
			Mode:    0644,
			Size:    int64(len(e.data)),
			ModTime: modTime,
		}
		if err := tarWriter.WriteHeader(header); err != nil {
			os.Remove(archivePath)
			return 0, fmt.Errorf("writing tar header: %w", err)
		}
		if _, err := tarWriter.Write(e.data); err != nil {
			os.Remove(archivePath)
			return 0, err
		}
	}

	// Flush everything before getting file size
	if err := tarWriter.Close(); err != nil {
		return 0, err
	}
	if err := gzWriter.Close(); err != nil {
		return 0, err
	}

	stat, err := file.Stat()
	if err != nil {
		return 0, err
	}
	return stat.Size(), nil
}
