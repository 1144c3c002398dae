package queue

import (
	"strings"
	"time"
)

// Status represents the lifecycle of a publishing job.
type Status string

const (
	StatusPending           Status = "pending"
	StatusScanned           Status = "scanned"
	StatusAnalyzed          Status = "analyzed"
	StatusPendingApproval   Status = "pending_approval"
	StatusApproved          Status = "approved"
	StatusRenamed           Status = "renamed"
	StatusPreparing         Status = "preparing"
	StatusMetadataGenerated Status = "metadata_generated"
	StatusUploaded          Status = "uploaded"
	StatusFailed            Status = "failed"
)

var allStatuses = []Status{
	StatusPending,
	StatusScanned,
	StatusAnalyzed,
	StatusPendingApproval,
	StatusApproved,
	StatusRenamed,
	StatusPreparing,
	StatusMetadataGenerated,
	StatusUploaded,
	StatusFailed,
}

var statusSet = func() map[Status]struct{} {
	set := make(map[Status]struct{}, len(allStatuses))
	for _, status := range allStatuses {
		set[status] = struct{}{}
	}
	return set
}()

// AllStatuses returns the ordered list of known statuses.
func AllStatuses() []Status {
	cp := make([]Status, len(allStatuses))
	copy(cp, allStatuses)
	return cp
}

// ParseStatus converts a string into a known Status.
func ParseStatus(value string) (Status, bool) {
	normalized := Status(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := statusSet[normalized]
	return normalized, ok
}

// Stage identifies one checkpointable unit of pipeline work.
type Stage string

const (
	StageScan     Stage = "scan"
	StageAnalyze  Stage = "analyze"
	StageRename   Stage = "rename"
	StagePrepare  Stage = "prepare"
	StageMetadata Stage = "metadata"
	StageUpload   Stage = "upload"
)

var stageOrder = []Stage{
	StageScan,
	StageAnalyze,
	StageRename,
	StagePrepare,
	StageMetadata,
	StageUpload,
}

var stageRank = func() map[Stage]int {
	ranks := make(map[Stage]int, len(stageOrder))
	for i, stage := range stageOrder {
		ranks[stage] = i
	}
	return ranks
}()

// Stages returns the pipeline stages in execution order.
func Stages() []Stage {
	cp := make([]Stage, len(stageOrder))
	copy(cp, stageOrder)
	return cp
}

// ParseStage converts a string into a known Stage.
func ParseStage(value string) (Stage, bool) {
	normalized := Stage(strings.ToLower(strings.TrimSpace(value)))
	_, ok := stageRank[normalized]
	return normalized, ok
}

// Job represents one media file moving through the publishing pipeline.
type Job struct {
	ID            int64
	SourcePath    string
	Title         string
	ReleaseName   string
	Status        Status
	MediaInfoJSON string
	Artifacts     map[string]string
	ErrorMessage  string
	Retryable     bool

	ScannedAt           *time.Time
	AnalyzedAt          *time.Time
	RenamedAt           *time.Time
	PreparedAt          *time.Time
	MetadataGeneratedAt *time.Time
	UploadedAt          *time.Time
	ApprovalRequestedAt *time.Time
	ApprovedAt          *time.Time

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Checkpoint returns a pointer to the timestamp field recording completion of
// the given stage.
func (j *Job) Checkpoint(stage Stage) **time.Time {
	switch stage {
	case StageScan:
		return &j.ScannedAt
	case StageAnalyze:
		return &j.AnalyzedAt
	case StageRename:
		return &j.RenamedAt
	case StagePrepare:
		return &j.PreparedAt
	case StageMetadata:
		return &j.MetadataGeneratedAt
	case StageUpload:
		return &j.UploadedAt
	default:
		return nil
	}
}

// CheckpointSet reports whether the stage has a completion timestamp.
func (j *Job) CheckpointSet(stage Stage) bool {
	field := j.Checkpoint(stage)
	return field != nil && *field != nil
}

// SetCheckpoint records stage completion at the given time.
func (j *Job) SetCheckpoint(stage Stage, at time.Time) {
	if field := j.Checkpoint(stage); field != nil {
		utc := at.UTC()
		*field = &utc
	}
}

// ClearCheckpointsFrom removes the checkpoints at and after the given stage.
// Resetting at or before the analyze stage also clears approval state, since
// the approval gate reviews analysis output.
func (j *Job) ClearCheckpointsFrom(stage Stage) {
	rank, ok := stageRank[stage]
	if !ok {
		return
	}
	for _, candidate := range stageOrder[rank:] {
		if field := j.Checkpoint(candidate); field != nil {
			*field = nil
		}
	}
	if rank <= stageRank[StageAnalyze] {
		j.ApprovalRequestedAt = nil
		j.ApprovedAt = nil
	}
}

// StatusFromCheckpoints derives the status implied by the job's surviving
// checkpoints, used after a reset or manual retry.
func (j *Job) StatusFromCheckpoints() Status {
	switch {
	case j.UploadedAt != nil:
		return StatusUploaded
	case j.MetadataGeneratedAt != nil:
		return StatusMetadataGenerated
	case j.PreparedAt != nil:
		return StatusPreparing
	case j.RenamedAt != nil:
		return StatusRenamed
	case j.AnalyzedAt != nil:
		switch {
		case j.ApprovedAt != nil:
			return StatusApproved
		case j.ApprovalRequestedAt != nil:
			return StatusPendingApproval
		default:
			return StatusAnalyzed
		}
	case j.ScannedAt != nil:
		return StatusScanned
	default:
		return StatusPending
	}
}

// SetFailed marks the job as failed with the given error message. Prior
// checkpoints are left untouched so the next pass resumes at the failed stage.
func (j *Job) SetFailed(message string, retryable bool) {
	j.Status = StatusFailed
	j.ErrorMessage = message
	j.Retryable = retryable
}

// DestinationStatusCode represents the per-destination upload outcome.
type DestinationStatusCode string

const (
	DestPending          DestinationStatusCode = "pending"
	DestRetrying         DestinationStatusCode = "retrying"
	DestSuccess          DestinationStatusCode = "success"
	DestFailed           DestinationStatusCode = "failed"
	DestSkippedDuplicate DestinationStatusCode = "skipped_duplicate"
)

// DestinationStatus records the outcome of uploading one job to one destination.
type DestinationStatus struct {
	JobID       int64
	Destination string
	Status      DestinationStatusCode
	RetryCount  int
	LastError   string
	ExternalID  string
	ExternalURL string
	UpdatedAt   time.Time
}

// Terminal reports whether the destination outcome is final. Terminal rows
// are never re-attempted without an explicit re-upload request.
func (d DestinationStatus) Terminal() bool {
	return d.Status == DestSuccess || d.Status == DestSkippedDuplicate
}

// HealthSummary describes aggregated job counts per key lifecycle states.
type HealthSummary struct {
	Total            int
	Pending          int
	AwaitingApproval int
	Processing       int
	Uploaded         int
	Failed           int
}
