package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// DestinationMetadata is the per-site metadata document uploaded alongside
// the artifact.
type DestinationMetadata struct {
	Destination string  `json:"destination"`
	Category    string  `json:"category"`
	Title       string  `json:"title"`
	ReleaseName string  `json:"release_name"`
	Year        int     `json:"year,omitempty"`
	Container   string  `json:"container"`
	Resolution  string  `json:"resolution,omitempty"`
	VideoCodec  string  `json:"video_codec"`
	AudioCodec  string  `json:"audio_codec"`
	AudioTracks int     `json:"audio_tracks"`
	Duration    float64 `json:"duration_secs"`
	SizeBytes   int64   `json:"size_bytes"`
}

// MetadataGenerator renders one metadata document per enabled destination
// into the job's staging directory.
type MetadataGenerator struct {
	cfg    *config.Config
	logger *slog.Logger
}

// NewMetadataGenerator builds the metadata stage.
func NewMetadataGenerator(cfg *config.Config, logger *slog.Logger) *MetadataGenerator {
	return &MetadataGenerator{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "metagen"),
	}
}

// Execute writes metadata files keyed per destination into the job's
// artifact map. With no enabled destination there is nothing to render, and
// the later upload stage will reject the job with a clearer error.
func (g *MetadataGenerator) Execute(ctx context.Context, job *queue.Job) error {
	if job.ReleaseName == "" {
		return services.Wrap(services.KindValidation, "metadata", "render metadata", "job has no release name", nil)
	}
	info, err := ParseMediaInfo(job.MediaInfoJSON)
	if err != nil {
		return err
	}

	releaseDir := filepath.Join(g.cfg.Paths.StagingDir, job.ReleaseName)
	if err := os.MkdirAll(releaseDir, 0o755); err != nil {
		return services.Wrap(services.KindFatal, "metadata", "render metadata", "create release dir", err)
	}

	if job.Artifacts == nil {
		job.Artifacts = make(map[string]string)
	}
	for _, name := range g.cfg.EnabledDestinations() {
		site := g.cfg.Destinations.Sites[name]
		doc := DestinationMetadata{
			Destination: name,
			Category:    site.Category,
			Title:       job.Title,
			ReleaseName: job.ReleaseName,
			Year:        YearFromPath(job.SourcePath),
			Container:   info.Container,
			Resolution:  info.Resolution(),
			VideoCodec:  info.VideoCodec,
			AudioCodec:  info.AudioCodec,
			AudioTracks: info.AudioTracks,
			Duration:    info.DurationSecs,
			SizeBytes:   info.SizeBytes,
		}
		encoded, err := json.MarshalIndent(doc, "", "  ")
		if err != nil {
			return services.Wrap(services.KindFatal, "metadata", "render metadata", "encode metadata", err)
		}

		path := filepath.Join(releaseDir, fmt.Sprintf("metadata.%s.json", name))
		if err := os.WriteFile(path, encoded, 0o644); err != nil {
			return services.Wrap(services.KindFatal, "metadata", "render metadata",
				fmt.Sprintf("write metadata for %s", name), err)
		}
		job.Artifacts[MetadataArtifactKey(name)] = path
	}

	g.logger.InfoContext(ctx, "metadata rendered",
		logging.Int("destinations", len(g.cfg.EnabledDestinations())))
	return nil
}

// HealthCheck always passes; rendering needs only the staging directory,
// which the preparer already verifies.
func (g *MetadataGenerator) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("metagen")
}
