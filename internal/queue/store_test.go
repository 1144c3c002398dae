package queue_test

import (
	"context"
	"testing"
	"time"

	"gantry/internal/queue"
	"gantry/internal/testsupport"
)

func TestNewJobRoundTrip(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/incoming/sample.mkv", "Sample")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	if job.ID == 0 {
		t.Fatal("expected job ID to be assigned")
	}
	if job.Status != queue.StatusPending {
		t.Fatalf("new job status = %s", job.Status)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched == nil || fetched.SourcePath != "/media/incoming/sample.mkv" {
		t.Fatalf("unexpected fetched job: %#v", fetched)
	}
	if fetched.Artifacts == nil || len(fetched.Artifacts) != 0 {
		t.Fatalf("expected empty artifacts map, got %#v", fetched.Artifacts)
	}
}

func TestNewJobDeduplicatesSourcePath(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	first, err := store.NewJob(ctx, "/media/incoming/dup.mkv", "Dup")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	second, err := store.NewJob(ctx, "/media/incoming/dup.mkv", "Dup")
	if err != nil {
		t.Fatalf("NewJob repeat failed: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same job for same source path, got %d and %d", first.ID, second.ID)
	}
}

func TestUpdatePersistsCheckpointsAndArtifacts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/incoming/chk.mkv", "Chk")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	now := time.Now().UTC()
	job.SetCheckpoint(queue.StageScan, now)
	job.SetCheckpoint(queue.StageAnalyze, now)
	job.Status = queue.StatusAnalyzed
	job.Artifacts["description"] = "/staging/chk/description.txt"
	job.MediaInfoJSON = `{"container":"matroska"}`
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	fetched, err := store.GetByID(ctx, job.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if !fetched.CheckpointSet(queue.StageScan) || !fetched.CheckpointSet(queue.StageAnalyze) {
		t.Fatal("expected scan and analyze checkpoints to survive")
	}
	if fetched.CheckpointSet(queue.StageRename) {
		t.Fatal("rename checkpoint should be unset")
	}
	if fetched.Artifacts["description"] != "/staging/chk/description.txt" {
		t.Fatalf("artifacts = %#v", fetched.Artifacts)
	}
}

func TestClearCheckpointsFromResetsExactSuffix(t *testing.T) {
	job := &queue.Job{}
	now := time.Now().UTC()
	for _, stage := range queue.Stages() {
		job.SetCheckpoint(stage, now)
	}
	job.ApprovalRequestedAt = &now
	job.ApprovedAt = &now

	job.ClearCheckpointsFrom(queue.StageRename)

	if !job.CheckpointSet(queue.StageScan) || !job.CheckpointSet(queue.StageAnalyze) {
		t.Fatal("checkpoints before the reset stage must be preserved")
	}
	for _, stage := range []queue.Stage{queue.StageRename, queue.StagePrepare, queue.StageMetadata, queue.StageUpload} {
		if job.CheckpointSet(stage) {
			t.Fatalf("checkpoint %s should be cleared", stage)
		}
	}
	if job.ApprovedAt == nil {
		t.Fatal("resetting after analyze must keep approval")
	}

	job.ClearCheckpointsFrom(queue.StageAnalyze)
	if job.ApprovedAt != nil || job.ApprovalRequestedAt != nil {
		t.Fatal("resetting analyze must clear approval state")
	}
	if !job.CheckpointSet(queue.StageScan) {
		t.Fatal("scan checkpoint must survive analyze reset")
	}
}

func TestStatusFromCheckpoints(t *testing.T) {
	now := time.Now().UTC()
	cases := []struct {
		name  string
		setup func(j *queue.Job)
		want  queue.Status
	}{
		{"empty", func(j *queue.Job) {}, queue.StatusPending},
		{"scanned", func(j *queue.Job) { j.SetCheckpoint(queue.StageScan, now) }, queue.StatusScanned},
		{"analyzed", func(j *queue.Job) {
			j.SetCheckpoint(queue.StageScan, now)
			j.SetCheckpoint(queue.StageAnalyze, now)
		}, queue.StatusAnalyzed},
		{"approved", func(j *queue.Job) {
			j.SetCheckpoint(queue.StageAnalyze, now)
			j.ApprovedAt = &now
		}, queue.StatusApproved},
		{"awaiting", func(j *queue.Job) {
			j.SetCheckpoint(queue.StageAnalyze, now)
			j.ApprovalRequestedAt = &now
		}, queue.StatusPendingApproval},
		{"metadata", func(j *queue.Job) { j.SetCheckpoint(queue.StageMetadata, now) }, queue.StatusMetadataGenerated},
		{"uploaded", func(j *queue.Job) { j.SetCheckpoint(queue.StageUpload, now) }, queue.StatusUploaded},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			job := &queue.Job{}
			tc.setup(job)
			if got := job.StatusFromCheckpoints(); got != tc.want {
				t.Fatalf("StatusFromCheckpoints = %s, want %s", got, tc.want)
			}
		})
	}
}

func TestDestinationStatusUpsertAndTerminal(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/incoming/dest.mkv", "Dest")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	ds := &queue.DestinationStatus{
		JobID:       job.ID,
		Destination: "alpha",
		Status:      queue.DestPending,
	}
	if err := store.UpsertDestinationStatus(ctx, ds); err != nil {
		t.Fatalf("Upsert failed: %v", err)
	}
	ds.Status = queue.DestSuccess
	ds.ExternalID = "t-123"
	ds.ExternalURL = "https://tracker.example.org/t/123"
	if err := store.UpsertDestinationStatus(ctx, ds); err != nil {
		t.Fatalf("Upsert update failed: %v", err)
	}

	statuses, err := store.DestinationStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("DestinationStatuses failed: %v", err)
	}
	got := statuses["alpha"]
	if got.Status != queue.DestSuccess || got.ExternalID != "t-123" {
		t.Fatalf("unexpected status row: %#v", got)
	}
	if !got.Terminal() {
		t.Fatal("success must be terminal")
	}

	if err := store.DeleteDestinationStatuses(ctx, job.ID, "alpha"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	statuses, err = store.DestinationStatuses(ctx, job.ID)
	if err != nil {
		t.Fatalf("DestinationStatuses after delete failed: %v", err)
	}
	if len(statuses) != 0 {
		t.Fatalf("expected no rows after delete, got %#v", statuses)
	}
}

func TestNextRunnableSkipsWaitingAndTerminalJobs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	waiting, err := store.NewJob(ctx, "/media/a.mkv", "A")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	waiting.Status = queue.StatusPendingApproval
	if err := store.Update(ctx, waiting); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	done, err := store.NewJob(ctx, "/media/b.mkv", "B")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	done.Status = queue.StatusUploaded
	if err := store.Update(ctx, done); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	runnable, err := store.NewJob(ctx, "/media/c.mkv", "C")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	next, err := store.NextRunnable(ctx, time.Now())
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next == nil || next.ID != runnable.ID {
		t.Fatalf("NextRunnable = %#v, want job %d", next, runnable.ID)
	}
}

func TestNextRunnableExcludesFullySkippedUploads(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/skipped.mkv", "Skipped")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	job.Status = queue.StatusMetadataGenerated
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// With no destination rows the upload stage still has work to do.
	next, err := store.NextRunnable(ctx, time.Now())
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next == nil || next.ID != job.ID {
		t.Fatal("job with no destination rows should be runnable")
	}

	for _, dest := range []string{"alpha", "beta"} {
		if err := store.UpsertDestinationStatus(ctx, &queue.DestinationStatus{
			JobID: job.ID, Destination: dest, Status: queue.DestSkippedDuplicate,
		}); err != nil {
			t.Fatalf("Upsert failed: %v", err)
		}
	}

	next, err = store.NextRunnable(ctx, time.Now())
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next != nil {
		t.Fatalf("all-skipped job should not be runnable, got %#v", next)
	}
}

func TestNextRunnableHonorsRetryCutoff(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/failed.mkv", "Failed")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}
	job.SetFailed("upload: network flake", true)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	// Cutoff before the failure: too soon to retry.
	next, err := store.NextRunnable(ctx, time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next != nil {
		t.Fatalf("failure should not be retried before cutoff, got %#v", next)
	}

	// Cutoff after the failure: eligible again.
	next, err = store.NextRunnable(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next == nil || next.ID != job.ID {
		t.Fatal("retryable failure should become runnable after cutoff")
	}

	// Fatal failures never requeue.
	job.SetFailed("scan: file vanished", false)
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	next, err = store.NextRunnable(ctx, time.Now().Add(time.Hour))
	if err != nil {
		t.Fatalf("NextRunnable failed: %v", err)
	}
	if next != nil {
		t.Fatalf("fatal failure should stay parked, got %#v", next)
	}
}

func TestApproveAndRetryFailed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	job, err := store.NewJob(ctx, "/media/approve.mkv", "Approve")
	if err != nil {
		t.Fatalf("NewJob failed: %v", err)
	}

	if _, err := store.Approve(ctx, job.ID); err == nil {
		t.Fatal("approving a pending job should fail")
	}

	now := time.Now().UTC()
	job.SetCheckpoint(queue.StageScan, now)
	job.SetCheckpoint(queue.StageAnalyze, now)
	job.Status = queue.StatusPendingApproval
	job.ApprovalRequestedAt = &now
	if err := store.Update(ctx, job); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	approved, err := store.Approve(ctx, job.ID)
	if err != nil {
		t.Fatalf("Approve failed: %v", err)
	}
	if approved.Status != queue.StatusApproved || approved.ApprovedAt == nil {
		t.Fatalf("unexpected approved job: %#v", approved)
	}

	approved.SetFailed("rename: disk full", true)
	if err := store.Update(ctx, approved); err != nil {
		t.Fatalf("Update failed: %v", err)
	}

	requeued, err := store.RetryFailed(ctx, approved.ID)
	if err != nil {
		t.Fatalf("RetryFailed failed: %v", err)
	}
	if requeued != 1 {
		t.Fatalf("requeued = %d, want 1", requeued)
	}
	fetched, err := store.GetByID(ctx, approved.ID)
	if err != nil {
		t.Fatalf("GetByID failed: %v", err)
	}
	if fetched.Status != queue.StatusApproved {
		t.Fatalf("retried job status = %s, want approved", fetched.Status)
	}
	if fetched.ErrorMessage != "" {
		t.Fatalf("error message should be cleared, got %q", fetched.ErrorMessage)
	}
}

func TestSummaryCounts(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	ctx := context.Background()
	states := []queue.Status{queue.StatusPending, queue.StatusPendingApproval, queue.StatusUploaded, queue.StatusFailed, queue.StatusRenamed}
	for i, status := range states {
		job, err := store.NewJob(ctx, "/media/s"+string(rune('a'+i))+".mkv", "S")
		if err != nil {
			t.Fatalf("NewJob failed: %v", err)
		}
		job.Status = status
		if err := store.Update(ctx, job); err != nil {
			t.Fatalf("Update failed: %v", err)
		}
	}

	summary, err := store.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary failed: %v", err)
	}
	if summary.Total != 5 || summary.Pending != 1 || summary.AwaitingApproval != 1 ||
		summary.Uploaded != 1 || summary.Failed != 1 || summary.Processing != 1 {
		t.Fatalf("unexpected summary: %#v", summary)
	}
}
