package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/uptrace/bun"

	"github.com/codyaverett/container-codes/id"
	"github.com/codyaverett/container-codes/job"
)

// jobModel is the row shape of codes_jobs. Nested spec structures live
// in JSONB columns; the fields the lease scan filters and orders on are
// first-class columns.
type jobModel struct {
	bun.BaseModel `bun:"table:codes_jobs"`

	ID             string          `bun:"id,pk"`
	Name           string          `bun:"name,notnull"`
	Image          string          `bun:"image,notnull"`
	Command        json.RawMessage `bun:"command,notnull,type:jsonb"`
	Env            json.RawMessage `bun:"env,type:jsonb"`
	InputFiles     json.RawMessage `bun:"input_files,type:jsonb"`
	OutputPatterns json.RawMessage `bun:"output_patterns,type:jsonb"`
	Resources      json.RawMessage `bun:"resources,notnull,type:jsonb"`
	Priority       string          `bun:"priority,notnull,default:'normal'"`
	PriorityRank   int             `bun:"priority_rank,notnull,default:1"`
	RetryPolicy    json.RawMessage `bun:"retry_policy,notnull,type:jsonb"`

	State           string          `bun:"state,notnull,default:'queued'"`
	Phase           string          `bun:"phase,notnull,default:''"`
	AttemptCount    int             `bun:"attempt_count,notnull,default:0"`
	CancelRequested bool            `bun:"cancel_requested,notnull,default:false"`
	Failure         json.RawMessage `bun:"failure,type:jsonb"`
	WorkerID        string          `bun:"worker_id"`

	LeaseAcquiredAt *time.Time `bun:"lease_acquired_at"`
	LeaseExpiresAt  *time.Time `bun:"lease_expires_at"`
	NotBefore       *time.Time `bun:"not_before"`

	Usage     json.RawMessage `bun:"usage,notnull,type:jsonb"`
	Artifacts json.RawMessage `bun:"artifacts,type:jsonb"`

	CreatedAt   time.Time  `bun:"created_at,notnull,default:current_timestamp"`
	UpdatedAt   time.Time  `bun:"updated_at,notnull,default:current_timestamp"`
	StartedAt   *time.Time `bun:"started_at"`
	CompletedAt *time.Time `bun:"completed_at"`
}

func toJobModel(j *job.Job) (*jobModel, error) {
	m := &jobModel{
		ID:              j.ID.String(),
		Name:            j.Name,
		Image:           j.Image,
		Priority:        string(j.Priority),
		PriorityRank:    j.Priority.Rank(),
		State:           string(j.State),
		Phase:           string(j.Phase),
		AttemptCount:    j.AttemptCount,
		CancelRequested: j.CancelRequested,
		WorkerID:        j.WorkerID.String(),
		CreatedAt:       j.CreatedAt,
		UpdatedAt:       j.UpdatedAt,
		StartedAt:       j.StartedAt,
		CompletedAt:     j.CompletedAt,
	}

	for _, f := range []struct {
		dst *json.RawMessage
		src any
		col string
	}{
		{&m.Command, j.Command, "command"},
		{&m.Env, j.Env, "env"},
		{&m.InputFiles, j.InputFiles, "input_files"},
		{&m.OutputPatterns, j.OutputPatterns, "output_patterns"},
		{&m.Resources, j.Resources, "resources"},
		{&m.RetryPolicy, j.RetryPolicy, "retry_policy"},
		{&m.Usage, j.Usage, "usage"},
		{&m.Artifacts, j.Artifacts, "artifacts"},
	} {
		data, err := json.Marshal(f.src)
		if err != nil {
			return nil, fmt.Errorf("containercodes/postgres: marshal %s: %w", f.col, err)
		}
		*f.dst = data
	}
	if j.Failure != nil {
		data, err := json.Marshal(j.Failure)
		if err != nil {
			return nil, fmt.Errorf("containercodes/postgres: marshal failure: %w", err)
		}
		m.Failure = data
	}

	if !j.LeaseAcquiredAt.IsZero() {
		t := j.LeaseAcquiredAt
		m.LeaseAcquiredAt = &t
	}
	if !j.LeaseExpiresAt.IsZero() {
		t := j.LeaseExpiresAt
		m.LeaseExpiresAt = &t
	}
	if !j.NotBefore.IsZero() {
		t := j.NotBefore
		m.NotBefore = &t
	}
	return m, nil
}

func fromJobModel(m *jobModel) (*job.Job, error) {
	parsedID, err := id.ParseJobID(m.ID)
	if err != nil {
		return nil, fmt.Errorf("containercodes/postgres: parse job id %q: %w", m.ID, err)
	}

	j := &job.Job{
		ID:              parsedID,
		Name:            m.Name,
		Image:           m.Image,
		Priority:        job.Priority(m.Priority),
		State:           job.State(m.State),
		Phase:           job.Phase(m.Phase),
		AttemptCount:    m.AttemptCount,
		CancelRequested: m.CancelRequested,
		CreatedAt:       m.CreatedAt,
		UpdatedAt:       m.UpdatedAt,
		StartedAt:       m.StartedAt,
		CompletedAt:     m.CompletedAt,
	}

	for _, f := range []struct {
		src json.RawMessage
		dst any
		col string
	}{
		{m.Command, &j.Command, "command"},
		{m.Env, &j.Env, "env"},
		{m.InputFiles, &j.InputFiles, "input_files"},
		{m.OutputPatterns, &j.OutputPatterns, "output_patterns"},
		{m.Resources, &j.Resources, "resources"},
		{m.RetryPolicy, &j.RetryPolicy, "retry_policy"},
		{m.Usage, &j.Usage, "usage"},
		{m.Artifacts, &j.Artifacts, "artifacts"},
	} {
		if len(f.src) == 0 {
			continue
		}
		if err := json.Unmarshal(f.src, f.dst); err != nil {
			return nil, fmt.Errorf("containercodes/postgres: unmarshal %s: %w", f.col, err)
		}
	}
	if len(m.Failure) > 0 {
		var failure job.Failure
		if err := json.Unmarshal(m.Failure, &failure); err != nil {
			return nil, fmt.Errorf("containercodes/postgres: unmarshal failure: %w", err)
		}
		j.Failure = &failure
	}

	if m.WorkerID != "" {
		if parsed, wErr := id.ParseWorkerID(m.WorkerID); wErr == nil {
			j.WorkerID = parsed
		}
	}
	if m.LeaseAcquiredAt != nil {
		j.LeaseAcquiredAt = *m.LeaseAcquiredAt
	}
	if m.LeaseExpiresAt != nil {
		j.LeaseExpiresAt = *m.LeaseExpiresAt
	}
	if m.NotBefore != nil {
		j.NotBefore = *m.NotBefore
	}
	return j, nil
}
