package stages

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
	"gantry/internal/services"
	"gantry/internal/stage"
)

// MediaInfo is the normalized analysis result stored on the job.
type MediaInfo struct {
	Container    string  `json:"container"`
	DurationSecs float64 `json:"duration_secs"`
	SizeBytes    int64   `json:"size_bytes"`
	Width        int     `json:"width"`
	Height       int     `json:"height"`
	VideoCodec   string  `json:"video_codec"`
	AudioCodec   string  `json:"audio_codec"`
	AudioTracks  int     `json:"audio_tracks"`
}

// Resolution renders the conventional vertical-resolution label.
func (m MediaInfo) Resolution() string {
	switch {
	case m.Height >= 2100:
		return "2160p"
	case m.Height >= 1000:
		return "1080p"
	case m.Height >= 700:
		return "720p"
	case m.Height > 0:
		return "480p"
	default:
		return ""
	}
}

// ParseMediaInfo decodes the analysis JSON persisted on a job.
func ParseMediaInfo(raw string) (MediaInfo, error) {
	var info MediaInfo
	if raw == "" {
		return info, services.Wrap(services.KindFatal, "analyze", "parse media info", "job has no analysis result", nil)
	}
	if err := json.Unmarshal([]byte(raw), &info); err != nil {
		return info, services.Wrap(services.KindFatal, "analyze", "parse media info", "decode analysis result", err)
	}
	return info, nil
}

// ProbeRunner executes the media probe binary and returns its stdout.
type ProbeRunner func(ctx context.Context, binary string, args ...string) ([]byte, error)

// Analyzer extracts container and stream details via ffprobe.
type Analyzer struct {
	cfg    *config.Config
	logger *slog.Logger
	run    ProbeRunner
}

// NewAnalyzer builds the media analyzer.
func NewAnalyzer(cfg *config.Config, logger *slog.Logger) *Analyzer {
	return &Analyzer{
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "analyzer"),
		run:    runProbe,
	}
}

// Execute probes the source file and records the normalized result on the
// job. Probe failures are fatal; a file ffprobe cannot read will not improve
// on retry.
func (a *Analyzer) Execute(ctx context.Context, job *queue.Job) error {
	timeout := time.Duration(a.cfg.Workflow.CallTimeout) * time.Second
	probeCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	output, err := a.run(probeCtx, a.cfg.FFprobeBinary(),
		"-v", "error",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		job.SourcePath)
	if err != nil {
		if services.IsCancelled(ctx.Err()) {
			return services.Wrap(services.KindCancelled, "analyze", "probe", "probe cancelled", ctx.Err())
		}
		return services.Wrap(services.KindFatal, "analyze", "probe",
			fmt.Sprintf("ffprobe failed for %s", job.SourcePath), err)
	}

	info, err := parseProbeOutput(output)
	if err != nil {
		return err
	}
	if info.VideoCodec == "" {
		return services.Wrap(services.KindValidation, "analyze", "probe",
			fmt.Sprintf("%s has no video stream", job.SourcePath), nil)
	}

	encoded, err := json.Marshal(info)
	if err != nil {
		return services.Wrap(services.KindFatal, "analyze", "probe", "encode analysis result", err)
	}
	job.MediaInfoJSON = string(encoded)

	a.logger.InfoContext(ctx, "analysis complete",
		logging.String("container", info.Container),
		logging.String("resolution", info.Resolution()),
		logging.String("video_codec", info.VideoCodec),
		logging.Int("audio_tracks", info.AudioTracks))
	return nil
}

// HealthCheck verifies the probe binary is on PATH.
func (a *Analyzer) HealthCheck(ctx context.Context) stage.Health {
	if _, err := exec.LookPath(a.cfg.FFprobeBinary()); err != nil {
		return stage.Unhealthy("analyzer", fmt.Sprintf("%s not found on PATH", a.cfg.FFprobeBinary()))
	}
	return stage.Healthy("analyzer")
}

func runProbe(ctx context.Context, binary string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...)
	var stderr strings.Builder
	cmd.Stderr = &stderr
	output, err := cmd.Output()
	if err != nil {
		if msg := strings.TrimSpace(stderr.String()); msg != "" {
			return nil, fmt.Errorf("%w: %s", err, msg)
		}
		return nil, err
	}
	return output, nil
}

// probeResult mirrors the subset of ffprobe's JSON output we consume.
type probeResult struct {
	Format struct {
		FormatName string `json:"format_name"`
		Duration   string `json:"duration"`
		Size       string `json:"size"`
	} `json:"format"`
	Streams []struct {
		CodecType string `json:"codec_type"`
		CodecName string `json:"codec_name"`
		Width     int    `json:"width"`
		Height    int    `json:"height"`
	} `json:"streams"`
}

func parseProbeOutput(output []byte) (MediaInfo, error) {
	var probe probeResult
	if err := json.Unmarshal(output, &probe); err != nil {
		return MediaInfo{}, services.Wrap(services.KindFatal, "analyze", "probe", "decode ffprobe output", err)
	}

	info := MediaInfo{Container: firstToken(probe.Format.FormatName)}
	if probe.Format.Duration != "" {
		info.DurationSecs, _ = strconv.ParseFloat(probe.Format.Duration, 64)
	}
	if probe.Format.Size != "" {
		info.SizeBytes, _ = strconv.ParseInt(probe.Format.Size, 10, 64)
	}
	for _, stream := range probe.Streams {
		switch stream.CodecType {
		case "video":
			if info.VideoCodec == "" {
				info.VideoCodec = stream.CodecName
				info.Width = stream.Width
				info.Height = stream.Height
			}
		case "audio":
			info.AudioTracks++
			if info.AudioCodec == "" {
				info.AudioCodec = stream.CodecName
			}
		}
	}
	return info, nil
}

func firstToken(list string) string {
	if idx := strings.IndexByte(list, ','); idx >= 0 {
		return list[:idx]
	}
	return list
}
