package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"

	"spa_call_booking/internal/models"
)

// callKey 未收到start的通话没有Twilio标识，退回会话ID
func callKey(summary models.CallSummary) string {
	if summary.CallID != "" {
		return summary.CallID
	}
	return summary.SessionID
}

func callNotFound(callID string) error {
	return models.NewError(models.KindNotFound, fmt.Sprintf("No call was found with id %s.", callID))
}

type callRow struct {
	CallID       string `db:"call_id"`
	SessionID    string `db:"session_id"`
	CallerPhone  string `db:"caller_phone"`
	StreamSID    string `db:"stream_sid"`
	Phase        string `db:"phase"`
	TwilioStatus string `db:"twilio_status"`
	BookingID    int64  `db:"booking_id"`
	StartedAt    string `db:"started_at"`
	DurationMS   int64  `db:"duration_ms"`
	Reason       string `db:"reason"`
	UpdatedAt    string `db:"updated_at"`
}

func (r callRow) toModel() models.CallRecord {
	rec := models.CallRecord{
		CallSummary: models.CallSummary{
			SessionID:   r.SessionID,
			CallID:      r.CallID,
			CallerPhone: r.CallerPhone,
			StreamSID:   r.StreamSID,
			Phase:       r.Phase,
			BookingID:   r.BookingID,
			Duration:    time.Duration(r.DurationMS) * time.Millisecond,
			Reason:      r.Reason,
		},
		TwilioStatus: r.TwilioStatus,
	}
	rec.StartedAt, _ = time.Parse(time.RFC3339Nano, r.StartedAt)
	rec.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return rec
}

// SaveCall 写入通话汇总
func (s *SQLiteStore) SaveCall(ctx context.Context, summary models.CallSummary) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (call_id, session_id, caller_phone, stream_sid, phase, booking_id, started_at, duration_ms, reason, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET
			session_id = excluded.session_id,
			caller_phone = excluded.caller_phone,
			stream_sid = excluded.stream_sid,
			phase = excluded.phase,
			booking_id = excluded.booking_id,
			started_at = excluded.started_at,
			duration_ms = excluded.duration_ms,
			reason = excluded.reason,
			updated_at = excluded.updated_at`,
		callKey(summary), summary.SessionID, summary.CallerPhone, summary.StreamSID, summary.Phase,
		summary.BookingID, summary.StartedAt.UTC().Format(time.RFC3339Nano), summary.Duration.Milliseconds(),
		summary.Reason, s.now())
	if err != nil {
		return fmt.Errorf("保存通话记录失败: %w", err)
	}
	return nil
}

// UpdateCallStatus 记录Twilio状态
func (s *SQLiteStore) UpdateCallStatus(ctx context.Context, callID, status string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return models.NewError(models.KindValidation, "A call id is required.")
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO call_sessions (call_id, twilio_status, updated_at) VALUES (?, ?, ?)
		 ON CONFLICT (call_id) DO UPDATE SET twilio_status = excluded.twilio_status, updated_at = excluded.updated_at`,
		callID, status, s.now())
	if err != nil {
		return fmt.Errorf("更新通话状态失败: %w", err)
	}
	return nil
}

// GetCall 查询通话记录
func (s *SQLiteStore) GetCall(ctx context.Context, callID string) (models.CallRecord, error) {
	var row callRow
	err := s.db.GetContext(ctx, &row,
		`SELECT call_id, session_id, caller_phone, stream_sid, phase, twilio_status, booking_id,
			started_at, duration_ms, reason, updated_at
		 FROM call_sessions WHERE call_id = ?`, callID)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CallRecord{}, callNotFound(callID)
	}
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("查询通话记录失败: %w", err)
	}
	return row.toModel(), nil
}

// SaveCall 写入通话汇总
func (s *PostgresStore) SaveCall(ctx context.Context, summary models.CallSummary) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_sessions (call_id, session_id, caller_phone, stream_sid, phase, booking_id, started_at, duration_ms, reason, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		 ON CONFLICT (call_id) DO UPDATE SET
			session_id = EXCLUDED.session_id,
			caller_phone = EXCLUDED.caller_phone,
			stream_sid = EXCLUDED.stream_sid,
			phase = EXCLUDED.phase,
			booking_id = EXCLUDED.booking_id,
			started_at = EXCLUDED.started_at,
			duration_ms = EXCLUDED.duration_ms,
			reason = EXCLUDED.reason,
			updated_at = EXCLUDED.updated_at`,
		callKey(summary), summary.SessionID, summary.CallerPhone, summary.StreamSID, summary.Phase,
		summary.BookingID, summary.StartedAt.UTC(), summary.Duration.Milliseconds(), summary.Reason, s.opts.Now().UTC())
	if err != nil {
		return fmt.Errorf("保存通话记录失败: %w", err)
	}
	return nil
}

// UpdateCallStatus 记录Twilio状态
func (s *PostgresStore) UpdateCallStatus(ctx context.Context, callID, status string) error {
	callID = strings.TrimSpace(callID)
	if callID == "" {
		return models.NewError(models.KindValidation, "A call id is required.")
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO call_sessions (call_id, twilio_status, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (call_id) DO UPDATE SET twilio_status = EXCLUDED.twilio_status, updated_at = EXCLUDED.updated_at`,
		callID, status, s.opts.Now().UTC())
	if err != nil {
		return fmt.Errorf("更新通话状态失败: %w", err)
	}
	return nil
}

// GetCall 查询通话记录
func (s *PostgresStore) GetCall(ctx context.Context, callID string) (models.CallRecord, error) {
	var (
		rec        models.CallRecord
		startedAt  *time.Time
		durationMS int64
	)
	err := s.pool.QueryRow(ctx,
		`SELECT call_id, session_id, caller_phone, stream_sid, phase, twilio_status, booking_id,
			started_at, duration_ms, reason, updated_at
		 FROM call_sessions WHERE call_id = $1`, callID).Scan(
		&rec.CallID, &rec.SessionID, &rec.CallerPhone, &rec.StreamSID, &rec.Phase, &rec.TwilioStatus,
		&rec.BookingID, &startedAt, &durationMS, &rec.Reason, &rec.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.CallRecord{}, callNotFound(callID)
	}
	if err != nil {
		return models.CallRecord{}, fmt.Errorf("查询通话记录失败: %w", err)
	}
	if startedAt != nil {
		rec.StartedAt = *startedAt
	}
	rec.Duration = time.Duration(durationMS) * time.Millisecond
	return rec, nil
}
