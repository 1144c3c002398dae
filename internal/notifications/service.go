// Package notifications sends operator push notifications through ntfy.
package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"gantry/internal/config"
	"gantry/internal/logging"
	"gantry/internal/queue"
)

// Service publishes operator-facing events. Implementations must never block
// the pipeline on delivery problems; failures are logged and dropped.
type Service interface {
	ApprovalRequested(ctx context.Context, job *queue.Job)
	Published(ctx context.Context, job *queue.Job, succeeded, skipped []string)
	JobFailed(ctx context.Context, job *queue.Job, cause error)
	Test(ctx context.Context) error
}

// NewFromConfig returns an ntfy-backed service, or a no-op one when no topic
// is configured.
func NewFromConfig(cfg *config.Config, logger *slog.Logger) Service {
	if strings.TrimSpace(cfg.Notifications.NtfyTopic) == "" {
		return NoopService{}
	}
	return &NtfyService{
		topic:  strings.TrimSpace(cfg.Notifications.NtfyTopic),
		cfg:    cfg,
		logger: logging.NewComponentLogger(logger, "notifications"),
		client: &http.Client{Timeout: time.Duration(cfg.Notifications.RequestTimeout) * time.Second},
	}
}

// NoopService drops every notification.
type NoopService struct{}

func (NoopService) ApprovalRequested(context.Context, *queue.Job) {}

func (NoopService) Published(context.Context, *queue.Job, []string, []string) {}

func (NoopService) JobFailed(context.Context, *queue.Job, error) {}

func (NoopService) Test(context.Context) error { return nil }

// NtfyService posts messages to an ntfy topic.
type NtfyService struct {
	topic  string
	cfg    *config.Config
	logger *slog.Logger
	client *http.Client
}

// ApprovalRequested notifies that a job is waiting at the approval gate.
func (s *NtfyService) ApprovalRequested(ctx context.Context, job *queue.Job) {
	if !s.cfg.Notifications.Approvals {
		return
	}
	s.publish(ctx, "Approval needed",
		fmt.Sprintf("Job #%d (%s) is ready for review. Approve with: gantry approve %d", job.ID, job.Title, job.ID),
		"high", "bell")
}

// Published notifies that a job finished its upload fan-out.
func (s *NtfyService) Published(ctx context.Context, job *queue.Job, succeeded, skipped []string) {
	if !s.cfg.Notifications.Uploads {
		return
	}
	message := fmt.Sprintf("%s published to %s", job.ReleaseName, joinOrNone(succeeded))
	if len(skipped) > 0 {
		message += fmt.Sprintf(" (already on %s)", strings.Join(skipped, ", "))
	}
	s.publish(ctx, "Upload complete", message, "default", "white_check_mark")
}

// JobFailed notifies that a job halted with an error.
func (s *NtfyService) JobFailed(ctx context.Context, job *queue.Job, cause error) {
	if !s.cfg.Notifications.Errors {
		return
	}
	s.publish(ctx, "Job failed",
		fmt.Sprintf("Job #%d (%s): %v", job.ID, job.Title, cause),
		"high", "rotating_light")
}

// Test sends a connectivity probe and reports delivery errors to the caller.
func (s *NtfyService) Test(ctx context.Context) error {
	return s.send(ctx, "Test notification", "gantry can reach this topic", "default", "wave")
}

func (s *NtfyService) publish(ctx context.Context, title, message, priority, tags string) {
	if err := s.send(ctx, title, message, priority, tags); err != nil {
		s.logger.WarnContext(ctx, "notification dropped",
			logging.String("title", title),
			logging.Error(err))
	}
}

func (s *NtfyService) send(ctx context.Context, title, message, priority, tags string) error {
	// The topic may be a bare ntfy.sh topic name or a full server URL.
	endpoint := s.topic
	if !strings.HasPrefix(endpoint, "http://") && !strings.HasPrefix(endpoint, "https://") {
		endpoint = "https://ntfy.sh/" + endpoint
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(message))
	if err != nil {
		return err
	}
	req.Header.Set("Title", title)
	req.Header.Set("Priority", priority)
	req.Header.Set("Tags", tags)

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("ntfy returned HTTP %d", resp.StatusCode)
	}
	return nil
}

func joinOrNone(names []string) string {
	if len(names) == 0 {
		return "no new destinations"
	}
	return strings.Join(names, ", ")
}
