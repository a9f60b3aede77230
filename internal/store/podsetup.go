package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Provisioning phases for a PodSetupState, in pipeline order.
const (
	PhaseCreating     = "creating"
	PhaseStarting     = "starting"
	PhaseBooting      = "booting"
	PhaseInstalling   = "installing"
	PhaseSmokeTesting = "smoke_testing"
	PhaseRegistering  = "registering"
	PhaseReady        = "ready"
	PhaseFailed       = "failed"
)

// PodSetupState is the transient lifecycle record for an ephemeral
// provisioned instance, persisted so restarts don't orphan visibility.
type PodSetupState struct {
	InstanceID   string
	PodID        sql.NullString
	Persistent   bool
	Phase        string
	StepLog      string // JSON array of structured step records
	ErrorMessage sql.NullString
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

const podSetupColumns = `instance_id, pod_id, persistent, phase, step_log, error_message, created_at, updated_at`

func scanPodSetupState(row interface{ Scan(...any) error }) (*PodSetupState, error) {
	var p PodSetupState
	var persistent int
	err := row.Scan(&p.InstanceID, &p.PodID, &persistent, &p.Phase, &p.StepLog, &p.ErrorMessage,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	p.Persistent = persistent != 0
	return &p, nil
}

// CreatePodSetupState inserts the initial record for a provisioning run.
func (s *Store) CreatePodSetupState(ctx context.Context, p *PodSetupState) error {
	now := time.Now().UTC()
	p.CreatedAt, p.UpdatedAt = now, now
	if p.Phase == "" {
		p.Phase = PhaseCreating
	}
	if p.StepLog == "" {
		p.StepLog = "[]"
	}
	persistent := 0
	if p.Persistent {
		persistent = 1
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO pod_setup_states (`+podSetupColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		p.InstanceID, p.PodID, persistent, p.Phase, p.StepLog, p.ErrorMessage, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert pod setup state: %w", err)
	}
	return nil
}

// GetPodSetupState fetches a setup state by instance id.
func (s *Store) GetPodSetupState(ctx context.Context, instanceID string) (*PodSetupState, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+podSetupColumns+` FROM pod_setup_states WHERE instance_id = ?`, instanceID)
	p, err := scanPodSetupState(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pod setup state: %w", err)
	}
	return p, nil
}

// ListPodSetupStates returns every in-flight or terminal setup record.
func (s *Store) ListPodSetupStates(ctx context.Context) ([]*PodSetupState, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+podSetupColumns+` FROM pod_setup_states ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list pod setup states: %w", err)
	}
	defer rows.Close()

	var out []*PodSetupState
	for rows.Next() {
		p, err := scanPodSetupState(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pod setup state: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AdvancePodSetupPhase transitions a setup state to a new phase, optionally
// attaching the provider's pod_id once known and appending to the step log.
func (s *Store) AdvancePodSetupPhase(ctx context.Context, instanceID, phase, stepLog string, podID *string) error {
	now := time.Now().UTC()
	if podID != nil {
		_, err := s.db.ExecContext(ctx, `
			UPDATE pod_setup_states SET phase = ?, step_log = ?, pod_id = ?, updated_at = ?
			WHERE instance_id = ?`,
			phase, stepLog, *podID, now, instanceID)
		if err != nil {
			return fmt.Errorf("advance pod setup phase: %w", err)
		}
		return nil
	}
	_, err := s.db.ExecContext(ctx, `
		UPDATE pod_setup_states SET phase = ?, step_log = ?, updated_at = ?
		WHERE instance_id = ?`,
		phase, stepLog, now, instanceID)
	if err != nil {
		return fmt.Errorf("advance pod setup phase: %w", err)
	}
	return nil
}

// FailPodSetup marks a setup state failed with a structured error message.
func (s *Store) FailPodSetup(ctx context.Context, instanceID, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE pod_setup_states SET phase = ?, error_message = ?, updated_at = ?
		WHERE instance_id = ?`,
		PhaseFailed, errMsg, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("fail pod setup: %w", err)
	}
	return nil
}

// SetPodPersistent flips the persistent flag (the operator "keep this
// pod" toggle).
func (s *Store) SetPodPersistent(ctx context.Context, instanceID string, persistent bool) error {
	v := 0
	if persistent {
		v = 1
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE pod_setup_states SET persistent = ?, updated_at = ? WHERE instance_id = ?`,
		v, time.Now().UTC(), instanceID)
	if err != nil {
		return fmt.Errorf("set pod persistent: %w", err)
	}
	return nil
}

// DeletePodSetupState removes the transient record after cleanup.
func (s *Store) DeletePodSetupState(ctx context.Context, instanceID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM pod_setup_states WHERE instance_id = ?`, instanceID)
	if err != nil {
		return fmt.Errorf("delete pod setup state: %w", err)
	}
	return nil
}
