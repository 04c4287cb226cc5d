package pipeline

import (
	"time"

	"github.com/kalambet/lazarus/internal/compat"
	"github.com/kalambet/lazarus/internal/patch"
	"github.com/kalambet/lazarus/internal/storage"
)

// Stage names one step of a job run.
type Stage string

const (
	StageFetch   Stage = "fetch"
	StageAnalyze Stage = "analyze"
	StageFix     Stage = "fix"
	StageBuild   Stage = "build"
	StageUpload  Stage = "upload"
)

// Outcome tags of completed jobs. Failed jobs use their failure kind.
const (
	OutcomeAlreadyCompatible = "already_compatible"
	OutcomeFixed             = "fixed"
	OutcomeBuildSkipped      = "build_skipped"
)

// BuildOutcome describes the BUILD stage of a run.
type BuildOutcome struct {
	Succeeded  bool     `json:"succeeded"`
	Skipped    bool     `json:"skipped"`
	SkipReason string   `json:"skip_reason,omitempty"`
	Artifacts  []string `json:"artifacts,omitempty"`
}

// UploadOutcome describes the UPLOAD stage of a run.
type UploadOutcome struct {
	Attempted       bool `json:"attempted"`
	Uploaded        bool `json:"uploaded"`
	Reauthenticated bool `json:"reauthenticated"`
}

// ProcessResult is the record of one job run. It is persisted with the job.
type ProcessResult struct {
	JobID            int64              `json:"job_id"`
	Package          string             `json:"package"`
	Version          string             `json:"version"`
	Status           storage.Status     `json:"status"`
	Outcome          string             `json:"outcome,omitempty"`
	IssuesFound      int                `json:"issues_found"`
	IssuesFixed      int                `json:"issues_fixed"`
	FixMethod        storage.FixMethod  `json:"fix_method"`
	AttemptedFixes   int                `json:"attempted_fixes,omitempty"`
	AttemptedMethod  storage.FixMethod  `json:"attempted_method,omitempty"`
	Unresolved       []string           `json:"unresolved,omitempty"`
	Conflicts        int                `json:"conflicts"`
	Build            BuildOutcome       `json:"build"`
	Upload           UploadOutcome      `json:"upload"`
	PublishedVersion string             `json:"published_version,omitempty"`
	Diff             patch.Stats        `json:"diff"`
	FailureKind      compat.FailureKind `json:"failure_kind,omitempty"`
	FailedStage      Stage              `json:"failed_stage,omitempty"`
	Reason           string             `json:"reason,omitempty"`
	Retried          bool               `json:"retried,omitempty"`
	Aborted          bool               `json:"aborted,omitempty"`
	Duration         time.Duration      `json:"duration_ns"`
}

// BatchResult aggregates the runs of one RunBatch call.
type BatchResult struct {
	Processed    int             `json:"processed"`
	Complete     int             `json:"complete"`
	Failed       int             `json:"failed"`
	NeedsReview  int             `json:"needs_review"`
	BuildSkipped int             `json:"build_skipped"`
	Retried      int             `json:"retried"`
	Aborted      int             `json:"aborted"`
	Results      []ProcessResult `json:"results"`
}

func (b *BatchResult) add(r ProcessResult) {
	b.Processed++
	switch {
	case r.Aborted:
		b.Aborted++
	case r.Retried:
		b.Retried++
	case r.Status == storage.StatusComplete:
		b.Complete++
		if r.Build.Skipped {
			b.BuildSkipped++
		}
	case r.Status == storage.StatusNeedsReview:
		b.NeedsReview++
	case r.Status == storage.StatusFailed:
		b.Failed++
	}
	b.Results = append(b.Results, r)
}
