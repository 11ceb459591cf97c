package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SelectorSettings is the per-project Task Selector configuration.
type SelectorSettings struct {
	ID              uuid.UUID
	ProjectID       uuid.UUID
	Enabled         bool
	IntervalSeconds int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// ReviewSettings is the per-project Review Automation configuration.
type ReviewSettings struct {
	ID               uuid.UUID
	ProjectID        uuid.UUID
	Enabled          bool
	AutoMergeEnabled bool
	RunTestsEnabled  bool
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

const defaultSelectorInterval = 60

// UpsertSelectorSettings creates or updates the selector settings row for a
// project.
func (s *Store) UpsertSelectorSettings(projectID uuid.UUID, enabled bool, intervalSeconds int) (*SelectorSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if intervalSeconds <= 0 {
		intervalSeconds = defaultSelectorInterval
	}
	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO selector_settings (id, project_id, enabled, interval_seconds, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		     enabled = excluded.enabled,
		     interval_seconds = excluded.interval_seconds,
		     updated_at = excluded.updated_at`,
		uuid.NewString(), projectID.String(), boolToInt(enabled), intervalSeconds, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting selector settings: %w", err)
	}
	return s.selectorSettings(projectID)
}

// SetSelectorEnabled flips the selector feature, using the default interval
// when the row does not exist yet.
func (s *Store) SetSelectorEnabled(projectID uuid.UUID, enabled bool) (*SelectorSettings, error) {
	existing, err := s.SelectorSettingsByProject(projectID)
	if err != nil {
		return nil, err
	}
	interval := defaultSelectorInterval
	if existing != nil {
		interval = existing.IntervalSeconds
	}
	return s.UpsertSelectorSettings(projectID, enabled, interval)
}

// SelectorSettingsByProject fetches the selector settings, nil when unset.
func (s *Store) SelectorSettingsByProject(projectID uuid.UUID) (*SelectorSettings, error) {
	set, err := s.selectorSettings(projectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return set, err
}

func (s *Store) selectorSettings(projectID uuid.UUID) (*SelectorSettings, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, enabled, interval_seconds, created_at, updated_at
		 FROM selector_settings WHERE project_id = ?`,
		projectID.String(),
	)
	var (
		set                  SelectorSettings
		idRaw, projRaw       string
		enabled              int
		createdMs, updatedMs int64
	)
	err := row.Scan(&idRaw, &projRaw, &enabled, &set.IntervalSeconds, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	if set.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, fmt.Errorf("parsing settings id: %w", err)
	}
	if set.ProjectID, err = uuid.Parse(projRaw); err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	set.Enabled = enabled != 0
	set.CreatedAt = msToTime(createdMs)
	set.UpdatedAt = msToTime(updatedMs)
	return &set, nil
}

// EnabledSelectorProjects returns settings for every project with the
// selector enabled.
func (s *Store) EnabledSelectorProjects() ([]*SelectorSettings, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, enabled, interval_seconds, created_at, updated_at
		 FROM selector_settings WHERE enabled = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying enabled selector projects: %w", err)
	}
	defer rows.Close()

	var out []*SelectorSettings
	for rows.Next() {
		var (
			set                  SelectorSettings
			idRaw, projRaw       string
			enabled              int
			createdMs, updatedMs int64
		)
		if err := rows.Scan(&idRaw, &projRaw, &enabled, &set.IntervalSeconds, &createdMs, &updatedMs); err != nil {
			return nil, err
		}
		if set.ID, err = uuid.Parse(idRaw); err != nil {
			return nil, fmt.Errorf("parsing settings id: %w", err)
		}
		if set.ProjectID, err = uuid.Parse(projRaw); err != nil {
			return nil, fmt.Errorf("parsing project id: %w", err)
		}
		set.Enabled = enabled != 0
		set.CreatedAt = msToTime(createdMs)
		set.UpdatedAt = msToTime(updatedMs)
		out = append(out, &set)
	}
	return out, rows.Err()
}

// UpsertReviewSettings creates or updates the review settings row.
func (s *Store) UpsertReviewSettings(projectID uuid.UUID, enabled, autoMerge, runTests bool) (*ReviewSettings, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMilli()
	_, err := s.db.Exec(
		`INSERT INTO review_settings (id, project_id, enabled, auto_merge_enabled, run_tests_enabled, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(project_id) DO UPDATE SET
		     enabled = excluded.enabled,
		     auto_merge_enabled = excluded.auto_merge_enabled,
		     run_tests_enabled = excluded.run_tests_enabled,
		     updated_at = excluded.updated_at`,
		uuid.NewString(), projectID.String(), boolToInt(enabled), boolToInt(autoMerge),
		boolToInt(runTests), now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("upserting review settings: %w", err)
	}
	return s.reviewSettings(projectID)
}

// SetReviewEnabled flips the review feature. Enabling a fresh project
// defaults both sub-features on.
func (s *Store) SetReviewEnabled(projectID uuid.UUID, enabled bool) (*ReviewSettings, error) {
	existing, err := s.ReviewSettingsByProject(projectID)
	if err != nil {
		return nil, err
	}
	autoMerge, runTests := true, true
	if existing != nil {
		autoMerge, runTests = existing.AutoMergeEnabled, existing.RunTestsEnabled
	}
	return s.UpsertReviewSettings(projectID, enabled, autoMerge, runTests)
}

// ReviewSettingsByProject fetches the review settings, nil when unset.
func (s *Store) ReviewSettingsByProject(projectID uuid.UUID) (*ReviewSettings, error) {
	set, err := s.reviewSettings(projectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return set, err
}

func (s *Store) reviewSettings(projectID uuid.UUID) (*ReviewSettings, error) {
	row := s.db.QueryRow(
		`SELECT id, project_id, enabled, auto_merge_enabled, run_tests_enabled, created_at, updated_at
		 FROM review_settings WHERE project_id = ?`,
		projectID.String(),
	)
	return scanReviewSettings(row)
}

func scanReviewSettings(row rowScanner) (*ReviewSettings, error) {
	var (
		set                         ReviewSettings
		idRaw, projRaw              string
		enabled, autoMerge, runTest int
		createdMs, updatedMs        int64
	)
	err := row.Scan(&idRaw, &projRaw, &enabled, &autoMerge, &runTest, &createdMs, &updatedMs)
	if err != nil {
		return nil, err
	}
	if set.ID, err = uuid.Parse(idRaw); err != nil {
		return nil, fmt.Errorf("parsing settings id: %w", err)
	}
	if set.ProjectID, err = uuid.Parse(projRaw); err != nil {
		return nil, fmt.Errorf("parsing project id: %w", err)
	}
	set.Enabled = enabled != 0
	set.AutoMergeEnabled = autoMerge != 0
	set.RunTestsEnabled = runTest != 0
	set.CreatedAt = msToTime(createdMs)
	set.UpdatedAt = msToTime(updatedMs)
	return &set, nil
}

// EnabledReviewProjects returns settings for every project with review
// automation enabled.
func (s *Store) EnabledReviewProjects() ([]*ReviewSettings, error) {
	rows, err := s.db.Query(
		`SELECT id, project_id, enabled, auto_merge_enabled, run_tests_enabled, created_at, updated_at
		 FROM review_settings WHERE enabled = 1 ORDER BY created_at`,
	)
	if err != nil {
		return nil, fmt.Errorf("querying enabled review projects: %w", err)
	}
	defer rows.Close()

	var out []*ReviewSettings
	for rows.Next() {
		set, err := scanReviewSettings(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, set)
	}
	return out, rows.Err()
}
