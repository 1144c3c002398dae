package stages

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// Renamer computes the canonical release name from a job's title and
// analysis result.
type Renamer struct {
	logger *slog.Logger
	caser  cases.Caser
}

// NewRenamer builds the release renamer.
func NewRenamer(cfg *config.Config, logger *slog.Logger) *Renamer {
	return &Renamer{
		logger: logging.NewComponentLogger(logger, "renamer"),
		caser:  cases.Title(language.English),
	}
}

// Execute derives and records the release name. The analyze stage must have
// run first.
func (r *Renamer) Execute(ctx context.Context, job *queue.Job) error {
	if job.Title == "" {
		return services.Wrap(services.KindValidation, "rename", "build release name", "job has no title", nil)
	}
	info, err := ParseMediaInfo(job.MediaInfoJSON)
	if err != nil {
		return err
	}

	name := r.BuildReleaseName(job.Title, YearFromPath(job.SourcePath), info)
	if name == "" {
		return services.Wrap(services.KindValidation, "rename", "build release name",
			fmt.Sprintf("title %q reduced to an empty release name", job.Title), nil)
	}
	job.ReleaseName = name

	r.logger.InfoContext(ctx, "release name assigned", logging.String("release_name", name))
	return nil
}

// HealthCheck always passes; renaming has no external dependencies.
func (r *Renamer) HealthCheck(ctx context.Context) stage.Health {
	return stage.Healthy("renamer")
}

// BuildReleaseName renders Title.Year.Resolution.Codec with filesystem-safe
// dot separators. Missing parts are omitted rather than padded.
func (r *Renamer) BuildReleaseName(title string, year int, info MediaInfo) string {
	normalized := strings.ReplaceAll(strings.ToLower(title), "&", " and ")
	normalized = strings.ReplaceAll(normalized, "'", "")
	parts := []string{sanitizeTitle(r.caser.String(normalized))}
	if year > 0 {
		parts = append(parts, strconv.Itoa(year))
	}
	if res := info.Resolution(); res != "" {
		parts = append(parts, res)
	}
	if codec := codecLabel(info.VideoCodec); codec != "" {
		parts = append(parts, codec)
	}

	joined := strings.Join(parts, ".")
	for strings.Contains(joined, "..") {
		joined = strings.ReplaceAll(joined, "..", ".")
	}
	return strings.Trim(joined, ".")
}

var unsafeRunes = regexp.MustCompile(`[^A-Za-z0-9.-]+`)

// sanitizeTitle converts a cased display title into a dot-separated release
// token.
func sanitizeTitle(title string) string {
	title = unsafeRunes.ReplaceAllString(title, ".")
	return strings.Trim(title, ".")
}

func codecLabel(codec string) string {
	switch strings.ToLower(codec) {
	case "h264", "avc":
		return "x264"
	case "h265", "hevc":
		return "x265"
	case "av1":
		return "AV1"
	case "":
		return ""
	default:
		return strings.ToUpper(codec)
	}
}

var yearPattern = regexp.MustCompile(`(?:^|[^0-9])((?:19|20)\d{2})(?:[^0-9]|$)`)

// YearFromPath extracts a plausible release year from the filename.
func YearFromPath(path string) int {
	base := filepath.Base(path)
	match := yearPattern.FindStringSubmatch(base)
	if match == nil {
		return 0
	}
	year, _ := strconv.Atoi(match[1])
	return year
}
