package stages

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// Artifact keys recorded on the job by the prepare and metadata stages.
const (
	ArtifactFile        = "file"
	ArtifactDescription = "description"
	artifactMetadata    = "metadata:"
)

// MetadataArtifactKey returns the artifact key holding the metadata file for
// one destination.
func MetadataArtifactKey(destination string) string {
	return artifactMetadata + destination
}

// Preparer assembles the staging directory for a renamed job: the media file
// under its release name plus a plain-text description.
type Preparer struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewPreparer builds the staging preparer.
func NewPreparer(cfg *config.Config, logger *slog.Logger) *Preparer {
	return &Preparer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "preparer"),
	}
}

// Execute stages the source file under its release name. Hardlinks avoid
// copying when staging shares a filesystem with intake; otherwise the file
// is copied through a temp name so a crash never leaves a truncated artifact.
func (p *Preparer) Execute(ctx context.Context, job *queue.Job) error {
	if job.ReleaseName == "" {
		return services.Wrap(services.KindValidation, "prepare", "stage artifact", "job has no release name", nil)
	}

	releaseDir := filepath.Join(p.cfg.Paths.StagingDir, job.ReleaseName)
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "create release dir", err)
	}

	target := filepath.Join(releaseDir, job.ReleaseName+filepath.Ext(job.SourcePath))
	if err := p.place(job.SourcePath, target); err != nil {
		return err
	}

	description, err := p.writeDescription(releaseDir, job)
	if err != nil {
		return err
	}

	if job.Artifacts == nil {
		job.Artifacts = make(map[string]string)
	}
	job.Artifacts[ArtifactFile] = target
	job.Artifacts[ArtifactDescription] = description

	p.logger.InfoContext(ctx, "artifact staged",
		logging.String("release_dir", releaseDir),
		logging.String("artifact", target))
	return nil
}

// HealthCheck verifies the staging directory is usable.
func (p *Preparer) HealthCheck(ctx context.Context) stage.Health {
	if err := os.MkdirAll(p.cfg.Paths.StagingDir, 0o755); err != nil {
		return stage.Unhealthy("preparer", fmt.Sprintf("staging dir: %v", err))
	}
	return stage.Healthy("preparer")
}

// place links or copies source to target. An existing target with the same
// size is reused, which keeps replays after a crash cheap.
func (p *Preparer) place(source, target string) error {
	sourceInfo, err := os.Stat(source)
	if err != nil {
		return services.Wrap(services.KindNotFound, "prepare", "stage artifact",
			fmt.Sprintf("source file %s disappeared", source), err)
	}
	if targetInfo, err := os.Stat(target); err == nil && targetInfo.Size() == sourceInfo.Size() {
		return nil
	}
	os.Remove(target)

	if err := os.Link(source, target); err == nil {
		return nil
	}
	return copyFile(source, target)
}

func copyFile(source, target string) error {
	in, err := os.Open(source)
	if err != nil {
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "open source", err)
	}
	defer in.Close()

	tmp := target + ".partial"
	out, err := os.Create(tmp)
	if err != nil {
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "create staging file", err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		os.Remove(tmp)
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "copy into staging", err)
	}
	if err := out.Close(); err != nil {
		os.Remove(tmp)
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "flush staging file", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return services.Wrap(services.KindFatal, "prepare", "stage artifact", "finalize staging file", err)
	}
	return nil
}

func (p *Preparer) writeDescription(releaseDir string, job *queue.Job) (string, error) {
	info, err := ParseMediaInfo(job.MediaInfoJSON)
	if err != nil {
		return "", err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\n", job.Title)
	fmt.Fprintf(&b, "Release: %s\n", job.ReleaseName)
	fmt.Fprintf(&b, "Container: %s\n", info.Container)
	if res := info.Resolution(); res != "" {
		fmt.Fprintf(&b, "Resolution: %s\n", res)
	}
	fmt.Fprintf(&b, "Video: %s\n", info.VideoCodec)
	fmt.Fprintf(&b, "Audio: %s (%d tracks)\n", info.AudioCodec, info.AudioTracks)
	fmt.Fprintf(&b, "Duration: %.0f seconds\n", info.DurationSecs)
	fmt.Fprintf(&b, "Size: %d bytes\n", info.SizeBytes)

	path := filepath.Join(releaseDir, "DESCRIPTION.txt")
	if err := os.WriteFile(path, []byte(b.String()), 0o644); err != nil {
		return "", services.Wrap(services.KindFatal, "prepare", "write description", "write description artifact", err)
	}
	return path, nil
}
