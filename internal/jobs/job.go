package jobs

import (
	"encoding/json"
	"time"

	"video-overlay/internal/database"
	"video-overlay/internal/overlay"
	"video-overlay/internal/pipeline"
)

// State is the externally visible lifecycle of a job.
type State string

// Job states.
const (
	StateQueued    State = database.JobQueued
	StateRunning   State = database.JobRunning
	StateComplete  State = database.JobComplete
	StateFailed    State = database.JobFailed
	StateCancelled State = database.JobCancelled
)

// Terminal reports whether the job has finished.
func (s State) Terminal() bool {
	return s == StateComplete || s == StateFailed || s == StateCancelled
}

// Request describes the work for one job.
type Request struct {
	// Source is a local path or http(s) URL.
	Source string
	// Name is shown instead of Source when set, e.g. an upload's filename.
	Name string
	// Temporary sources are removed once the job finishes.
	Temporary bool

	Overlay          overlay.Options
	Bitrate          int
	KeyFrameInterval int
	BatchSize        int
}

// Job is a snapshot of a job's status.
type Job struct {
	ID            string          `json:"id"`
	Source        string          `json:"source"`
	Overlay       overlay.Options `json:"overlay"`
	State         State           `json:"state"`
	Stage         string          `json:"stage,omitempty"`
	Progress      float64         `json:"progress"`
	FramesDecoded int             `json:"framesDecoded"`
	FramesEncoded int             `json:"framesEncoded"`
	ChunksMuxed   int             `json:"chunksMuxed,omitempty"`
	Cached        bool            `json:"cached,omitempty"`
	Error         string          `json:"error,omitempty"`
	ErrorKind     string          `json:"errorKind,omitempty"`
	OutputSize    int64           `json:"outputSize,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
	CompletedAt   *time.Time      `json:"completedAt,omitempty"`

	outputPath string
}

func (j *Job) applyProgress(p pipeline.Progress) {
	j.Stage = p.State.String()
	j.Progress = float64(p.Percent)
	j.FramesDecoded = p.FramesDecoded
	j.FramesEncoded = p.FramesEncoded
	j.ChunksMuxed = p.ChunksMuxed
	j.UpdatedAt = time.Now()
}

func (j *Job) record() *database.Job {
	opts, err := json.Marshal(j.Overlay)
	if err != nil {
		opts = []byte("{}")
	}
	return &database.Job{
		ID:        j.ID,
		Source:    j.Source,
		Options:   string(opts),
		State:     string(j.State),
		CreatedAt: j.CreatedAt,
	}
}

func fromRecord(rec *database.Job) *Job {
	job := &Job{
		ID:            rec.ID,
		Source:        rec.Source,
		State:         State(rec.State),
		Progress:      rec.Progress,
		FramesDecoded: rec.FramesDecoded,
		FramesEncoded: rec.FramesEncoded,
		Error:         rec.Error,
		ErrorKind:     rec.ErrorKind,
		OutputSize:    rec.OutputSize,
		CreatedAt:     rec.CreatedAt,
		UpdatedAt:     rec.UpdatedAt,
		CompletedAt:   rec.CompletedAt,
		outputPath:    rec.OutputPath,
	}
	if err := json.Unmarshal([]byte(rec.Options), &job.Overlay); err != nil {
		log.Debug("Job %s has unreadable options: %v", rec.ID, err)
	}
	return job
}
