package database

import "time"

// Job states as stored in the jobs table.
const (
	JobQueued    = "queued"
	JobRunning   = "running"
	JobComplete  = "complete"
	JobFailed    = "failed"
	JobCancelled = "cancelled"
)

// Job is one row of job history. Options holds the overlay options as JSON.
type Job struct {
	ID            string     `json:"id"`
	Source        string     `json:"source"`
	Options       string     `json:"-"`
	CacheKey      string     `json:"-"`
	State         string     `json:"state"`
	Progress      float64    `json:"progress"`
	FramesDecoded int        `json:"framesDecoded"`
	FramesEncoded int        `json:"framesEncoded"`
	Error         string     `json:"error,omitempty"`
	ErrorKind     string     `json:"errorKind,omitempty"`
	OutputPath    string     `json:"-"`
	OutputSize    int64      `json:"outputSize,omitempty"`
	CreatedAt     time.Time  `json:"createdAt"`
	UpdatedAt     time.Time  `json:"updatedAt"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
}

// Terminal reports whether the job can no longer change state.
func (j *Job) Terminal() bool {
	switch j.State {
	case JobComplete, JobFailed, JobCancelled:
		return true
	}
	return false
}
