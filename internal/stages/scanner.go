// Package stages contains the pipeline's stage handlers: intake scanning,
// media analysis, release renaming, staging preparation, and metadata
// generation. Upload fan-out lives in the uploader package.
package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// Scanner validates intake files before the pipeline spends work on them.
type Scanner struct {
	cfg    *config.Config
	logger *slog.Logger

	// freeBytes is replaceable in tests.
	freeBytes func(path string) (uint64, error)
}

// NewScanner builds the intake scanner.
func NewScanner(cfg *config.Config, logger *slog.Logger) *Scanner {
	return &Scanner{
		cfg:       cfg,
		logger:    logging.NewComponentLogger(logger, "scanner"),
		freeBytes: statfsFree,
	}
}

// Execute checks the source file's existence, extension, and readability,
// verifies staging free space, and records the inferred title.
func (s *Scanner) Execute(ctx context.Context, job *queue.Job) error {
	info, err := os.Stat(job.SourcePath)
	if err != nil {
		if os.IsNotExist(err) {
			return services.Wrap(services.KindNotFound, "scan", "stat source",
				fmt.Sprintf("source file %s does not exist", job.SourcePath), err)
		}
		return services.Wrap(services.KindFatal, "scan", "stat source", "inspect source file", err)
	}
	if info.IsDir() {
		return services.Wrap(services.KindValidation, "scan", "stat source",
			fmt.Sprintf("%s is a directory, not a media file", job.SourcePath), nil)
	}
	if info.Size() == 0 {
		return services.Wrap(services.KindValidation, "scan", "stat source",
			fmt.Sprintf("%s is empty", job.SourcePath), nil)
	}

	ext := strings.ToLower(filepath.Ext(job.SourcePath))
	if !s.extensionAllowed(ext) {
		return services.Wrap(services.KindValidation, "scan", "check extension",
			fmt.Sprintf("extension %q is not in the allowed set", ext), nil)
	}

	file, err := os.Open(job.SourcePath)
	if err != nil {
		return services.Wrap(services.KindValidation, "scan", "open source",
			fmt.Sprintf("source file %s is not readable", job.SourcePath), err)
	}
	file.Close()

	if err := s.checkFreeSpace(info.Size()); err != nil {
		return err
	}

	if job.Title == "" {
		job.Title = InferTitle(job.SourcePath)
	}
	s.logger.InfoContext(ctx, "source validated",
		logging.String("source", job.SourcePath),
		logging.String("title", job.Title),
		logging.Int64("size_bytes", info.Size()))
	return nil
}

// HealthCheck verifies the staging directory exists and is writable.
func (s *Scanner) HealthCheck(ctx context.Context) stage.Health {
	if err := os.MkdirAll(s.cfg.Paths.StagingDir, 0o755); err != nil {
		return stage.Unhealthy("scanner", fmt.Sprintf("staging dir: %v", err))
	}
	probe := filepath.Join(s.cfg.Paths.StagingDir, ".gantry-health")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return stage.Unhealthy("scanner", fmt.Sprintf("staging dir not writable: %v", err))
	}
	os.Remove(probe)
	return stage.Healthy("scanner")
}

func (s *Scanner) extensionAllowed(ext string) bool {
	for _, allowed := range s.cfg.Scanner.AllowedExtensions {
		if ext == allowed {
			return true
		}
	}
	return false
}

// checkFreeSpace requires room in staging for a copy of the source plus the
// configured floor.
func (s *Scanner) checkFreeSpace(sourceSize int64) error {
	if err := os.MkdirAll(s.cfg.Paths.StagingDir, 0o755); err != nil {
		return services.Wrap(services.KindFatal, "scan", "check free space", "create staging dir", err)
	}
	free, err := s.freeBytes(s.cfg.Paths.StagingDir)
	if err != nil {
		return services.Wrap(services.KindFatal, "scan", "check free space", "query filesystem", err)
	}
	required := uint64(sourceSize) + uint64(s.cfg.Scanner.MinFreeMiB)*1024*1024
	if free < required {
		return services.Wrap(services.KindValidation, "scan", "check free space",
			fmt.Sprintf("staging has %d MiB free, need %d MiB", free/1024/1024, required/1024/1024), nil)
	}
	return nil
}

func statfsFree(path string) (uint64, error) {
	var stat unix.Statfs_t
	if err := unix.Statfs(path, &stat); err != nil {
		return 0, err
	}
	return stat.Bavail * uint64(stat.Bsize), nil
}

// InferTitle derives a human title from a media filename: separators become
// spaces and trailing release tokens are dropped.
func InferTitle(path string) string {
	name := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	name = strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(name)

	words := strings.Fields(name)
	kept := make([]string, 0, len(words))
	for _, word := range words {
		if isReleaseToken(word) {
			break
		}
		kept = append(kept, word)
	}
	if len(kept) == 0 {
		kept = words
	}
	return strings.Join(kept, " ")
}

var releaseTokens = map[string]struct{}{
	"480p": {}, "720p": {}, "1080p": {}, "2160p": {}, "4k": {},
	"x264": {}, "x265": {}, "h264": {}, "h265": {}, "hevc": {}, "av1": {},
	"bluray": {}, "webrip": {}, "webdl": {}, "web": {}, "hdtv": {}, "remux": {},
	"proper": {}, "repack": {},
}

func isReleaseToken(word string) bool {
	lower := strings.ToLower(word)
	if _, ok := releaseTokens[lower]; ok {
		return true
	}
	// A bare year marks the end of the title in most release names.
	if len(lower) == 4 && (strings.HasPrefix(lower, "19") || strings.HasPrefix(lower, "20")) {
		for _, r := range lower {
			if r < '0' || r > '9' {
				return false
			}
		}
		return true
	}
	return false
}
