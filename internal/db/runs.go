package db

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/brokenlines/internal/refit"
)

// Track statuses.
const (
	StatusFitted   = "fitted"
	StatusRejected = "rejected"
)

// ErrRunNotFound is returned for an unknown run id.
var ErrRunNotFound = errors.New("db: run not found")

// Run is one refit job.
type Run struct {
	RunID      string          `json:"run_id"`
	Label      string          `json:"label"`
	ParamsJSON json.RawMessage `json:"params_json,omitempty"`
	StartedAt  int64           `json:"started_at"`
	FinishedAt *int64          `json:"finished_at,omitempty"`
}

// TrackFit is the stored outcome of one track.
type TrackFit struct {
	TrackID    string  `json:"track_id"`
	RunID      string  `json:"run_id"`
	TrackIndex int     `json:"track_index"`
	Status     string  `json:"status"`
	Chi2       float64 `json:"chi2"`
	Ndf        int     `json:"ndf"`
	LostWeight float64 `json:"lost_weight"`
	CreatedAt  int64   `json:"created_at"`
}

// HitResidual is the stored residual of one measured hit.
type HitResidual struct {
	HitID         int      `json:"hit_id"`
	Sensor        string   `json:"sensor"`
	Residual      float64  `json:"residual"`
	MeasError     float64  `json:"meas_error"`
	ResError      float64  `json:"res_error"`
	DownWeight    float64  `json:"down_weight"`
	Unbiased      *float64 `json:"unbiased,omitempty"`
	UnbiasedError *float64 `json:"unbiased_error,omitempty"`
}

// StartRun creates a run. params, if not nil, is stored as JSON.
func (db *DB) StartRun(label string, params any) (*Run, error) {
	run := &Run{
		RunID:     uuid.New().String(),
		Label:     label,
		StartedAt: time.Now().UnixNano(),
	}
	var paramsStr interface{}
	if params != nil {
		b, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal run params: %w", err)
		}
		run.ParamsJSON = b
		paramsStr = string(b)
	}
	_, err := db.Exec(`INSERT INTO fit_runs (run_id, label, params_json, started_at) VALUES (?, ?, ?, ?)`,
		run.RunID, run.Label, paramsStr, run.StartedAt)
	if err != nil {
		return nil, fmt.Errorf("insert run: %w", err)
	}
	return run, nil
}

// FinishRun stamps the end time of a run.
func (db *DB) FinishRun(runID string) error {
	res, err := db.Exec(`UPDATE fit_runs SET finished_at = ? WHERE run_id = ?`, time.Now().UnixNano(), runID)
	if err != nil {
		return fmt.Errorf("finish run: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

// GetRun returns a run by id.
func (db *DB) GetRun(runID string) (*Run, error) {
	var r Run
	var params sql.NullString
	var finished sql.NullInt64
	err := db.QueryRow(`SELECT run_id, label, params_json, started_at, finished_at FROM fit_runs WHERE run_id = ?`, runID).
		Scan(&r.RunID, &r.Label, &params, &r.StartedAt, &finished)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	if params.Valid {
		r.ParamsJSON = json.RawMessage(params.String)
	}
	if finished.Valid {
		r.FinishedAt = &finished.Int64
	}
	return &r, nil
}

// RecordTrack stores a fit result and its residuals in one transaction and
// returns the generated track id.
func (db *DB) RecordTrack(runID string, index int, status string, res *refit.FitResult) (string, error) {
	tf := TrackFit{
		TrackID:    uuid.New().String(),
		RunID:      runID,
		TrackIndex: index,
		Status:     status,
		Chi2:       res.Chi2,
		Ndf:        res.Ndf,
		LostWeight: res.LostWeight,
		CreatedAt:  time.Now().UnixNano(),
	}

	tx, err := db.Begin()
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	_, err = tx.Exec(`
		INSERT INTO track_fits (track_id, run_id, track_index, status, chi2, ndf, lost_weight, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		tf.TrackID, tf.RunID, tf.TrackIndex, tf.Status, tf.Chi2, tf.Ndf, tf.LostWeight, tf.CreatedAt)
	if err != nil {
		return "", fmt.Errorf("insert track: %w", err)
	}

	stmt, err := tx.Prepare(`
		INSERT INTO hit_residuals (track_id, hit_id, sensor, residual, meas_error, res_error, down_weight, unbiased, unbiased_error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return "", err
	}
	defer stmt.Close()
	for _, r := range res.Residuals {
		var ub, ubErr interface{}
		if r.Unbiased != nil {
			ub, ubErr = r.Unbiased.Value, r.Unbiased.ResError
		}
		if _, err := stmt.Exec(tf.TrackID, r.ID, r.Sensor, r.Value, r.MeasError, r.ResError, r.DownWeight, ub, ubErr); err != nil {
			return "", fmt.Errorf("insert residual of hit %d: %w", r.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return tf.TrackID, nil
}

// TrackFits returns the tracks of a run in index order.
func (db *DB) TrackFits(runID string) ([]TrackFit, error) {
	rows, err := db.Query(`
		SELECT track_id, run_id, track_index, status, chi2, ndf, lost_weight, created_at
		FROM track_fits WHERE run_id = ? ORDER BY track_index`, runID)
	if err != nil {
		return nil, fmt.Errorf("query tracks: %w", err)
	}
	defer rows.Close()

	var out []TrackFit
	for rows.Next() {
		var t TrackFit
		if err := rows.Scan(&t.TrackID, &t.RunID, &t.TrackIndex, &t.Status, &t.Chi2, &t.Ndf, &t.LostWeight, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Residuals returns the residuals of a track ordered by hit id.
func (db *DB) Residuals(trackID string) ([]HitResidual, error) {
	rows, err := db.Query(`
		SELECT hit_id, sensor, residual, meas_error, res_error, down_weight, unbiased, unbiased_error
		FROM hit_residuals WHERE track_id = ? ORDER BY hit_id`, trackID)
	if err != nil {
		return nil, fmt.Errorf("query residuals: %w", err)
	}
	defer rows.Close()

	var out []HitResidual
	for rows.Next() {
		var h HitResidual
		var ub, ubErr sql.NullFloat64
		if err := rows.Scan(&h.HitID, &h.Sensor, &h.Residual, &h.MeasError, &h.ResError, &h.DownWeight, &ub, &ubErr); err != nil {
			return nil, err
		}
		if ub.Valid {
			h.Unbiased = &ub.Float64
		}
		if ubErr.Valid {
			h.UnbiasedError = &ubErr.Float64
		}
		out = append(out, h)
	}
	return out, rows.Err()
}

// SensorSummary aggregates the residuals of one sensor.
type SensorSummary struct {
	Sensor string  `json:"sensor"`
	Hits   int     `json:"hits"`
	Mean   float64 `json:"mean"`
	RMS    float64 `json:"rms"`
	// MeanPull is the mean of residual / residual error.
	MeanPull float64 `json:"mean_pull"`
}

// RunSummary aggregates a run.
type RunSummary struct {
	Run         *Run            `json:"run"`
	Tracks      int             `json:"tracks"`
	Fitted      int             `json:"fitted"`
	Rejected    int             `json:"rejected"`
	MeanChi2Ndf float64         `json:"mean_chi2_ndf"`
	Sensors     []SensorSummary `json:"sensors"`
}

// Summary returns the aggregate statistics of a run.
func (db *DB) Summary(runID string) (*RunSummary, error) {
	run, err := db.GetRun(runID)
	if err != nil {
		return nil, err
	}
	s := &RunSummary{Run: run}

	var meanChi2Ndf sql.NullFloat64
	err = db.QueryRow(`
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0),
		       AVG(CASE WHEN status = ? AND ndf > 0 THEN chi2 / ndf END)
		FROM track_fits WHERE run_id = ?`,
		StatusFitted, StatusRejected, StatusFitted, runID).
		Scan(&s.Tracks, &s.Fitted, &s.Rejected, &meanChi2Ndf)
	if err != nil {
		return nil, fmt.Errorf("summarise tracks: %w", err)
	}
	s.MeanChi2Ndf = meanChi2Ndf.Float64

	rows, err := db.Query(`
		SELECT h.sensor, COUNT(*), AVG(h.residual), AVG(h.residual * h.residual),
		       AVG(CASE WHEN h.res_error > 0 THEN h.residual / h.res_error END)
		FROM hit_residuals h JOIN track_fits t ON t.track_id = h.track_id
		WHERE t.run_id = ? AND t.status = ?
		GROUP BY h.sensor ORDER BY h.sensor`, runID, StatusFitted)
	if err != nil {
		return nil, fmt.Errorf("summarise residuals: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var ss SensorSummary
		var meanSq float64
		var pull sql.NullFloat64
		if err := rows.Scan(&ss.Sensor, &ss.Hits, &ss.Mean, &meanSq, &pull); err != nil {
			return nil, err
		}
		ss.RMS = math.Sqrt(meanSq)
		ss.MeanPull = pull.Float64
		s.Sensors = append(s.Sensors, ss)
	}
	return s, rows.Err()
}

// ListRuns returns all runs, newest first.
func (db *DB) ListRuns() ([]Run, error) {
	rows, err := db.Query(`SELECT run_id FROM fit_runs ORDER BY started_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("query runs: %w", err)
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	// single connection: the cursor is closed before the lookups
	out := make([]Run, 0, len(ids))
	for _, id := range ids {
		r, err := db.GetRun(id)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, nil
}
