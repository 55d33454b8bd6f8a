package pg

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"rollcall.org/internal/audit"
)

var _ audit.Repository = (*Store)(nil)

func (s *Store) CreateMany(ctx context.Context, records []audit.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, rec := range records {
		status := rec.Status
		if status == "" {
			status = audit.StatusPending
		}
		if _, err := tx.ExecContext(ctx, `
			insert into verification_audit(
				request_id, recipient_id, initiator_id, session_id,
				scope_ref, threshold, expires_at, status, created_at, updated_at
			) values ($1,$2,$3,$4,nullif($5,''),$6,$7,$8,now(),now())
		`, rec.RequestID, rec.RecipientID, rec.InitiatorID, rec.SessionID,
			rec.ScopeRef, rec.Threshold, rec.ExpiresAt, string(status)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) MarkCompleted(ctx context.Context, requestID, recipientID string, matched bool) error {
	// The status predicate carries the transition rules: a match may override
	// an earlier no-match, a no-match only lands on pending rows.
	var res sql.Result
	var err error
	if matched {
		res, err = s.db.ExecContext(ctx, `
			update verification_audit
			set status=$3, updated_at=now()
			where request_id=$1 and recipient_id=$2 and status in ($4,$5)
		`, requestID, recipientID,
			string(audit.StatusCompletedMatch),
			string(audit.StatusPending), string(audit.StatusCompletedNoMatch))
	} else {
		res, err = s.db.ExecContext(ctx, `
			update verification_audit
			set status=$3, updated_at=now()
			where request_id=$1 and recipient_id=$2 and status=$4
		`, requestID, recipientID,
			string(audit.StatusCompletedNoMatch), string(audit.StatusPending))
	}
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		// Distinguish a missing row from a row already in a terminal state.
		var one int
		err := s.db.QueryRowContext(ctx, `
			select 1 from verification_audit where request_id=$1 and recipient_id=$2
		`, requestID, recipientID).Scan(&one)
		if errors.Is(err, sql.ErrNoRows) {
			return audit.ErrNoRows
		}
		return err
	}
	return nil
}

func (s *Store) SetNotificationID(ctx context.Context, requestID, recipientID, notificationID string) error {
	res, err := s.db.ExecContext(ctx, `
		update verification_audit
		set notification_id=$3, updated_at=now()
		where request_id=$1 and recipient_id=$2
	`, requestID, recipientID, notificationID)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return audit.ErrNoRows
	}
	return nil
}

func (s *Store) CancelByRequestID(ctx context.Context, requestID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update verification_audit
		set status=$2, updated_at=now()
		where request_id=$1 and status=$3
	`, requestID, string(audit.StatusCancelled), string(audit.StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) CancelBySessionID(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		update verification_audit
		set status=$2, updated_at=now()
		where session_id=$1 and status=$3
	`, sessionID, string(audit.StatusCancelled), string(audit.StatusPending))
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *Store) FindActiveBySessionID(ctx context.Context, sessionID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+`
		where session_id=$1 and status=$2
		order by request_id, recipient_id
	`, sessionID, string(audit.StatusPending))
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

func (s *Store) ListByRequestID(ctx context.Context, requestID string) ([]audit.Record, error) {
	rows, err := s.db.QueryContext(ctx, auditSelect+`
		where request_id=$1
		order by recipient_id
	`, requestID)
	if err != nil {
		return nil, err
	}
	return scanRecords(rows)
}

const auditSelect = `
	select request_id, recipient_id, initiator_id, session_id,
		coalesce(scope_ref,''), threshold, expires_at,
		coalesce(notification_id,''), status, created_at, updated_at
	from verification_audit
`

func scanRecords(rows *sql.Rows) ([]audit.Record, error) {
	defer rows.Close()
	var res []audit.Record
	for rows.Next() {
		var rec audit.Record
		var status string
		var expires, created, updated time.Time
		if err := rows.Scan(&rec.RequestID, &rec.RecipientID, &rec.InitiatorID,
			&rec.SessionID, &rec.ScopeRef, &rec.Threshold, &expires,
			&rec.NotificationID, &status, &created, &updated); err != nil {
			return nil, err
		}
		rec.ExpiresAt = expires
		rec.Status = audit.Status(status)
		rec.CreatedAt = created
		rec.UpdatedAt = updated
		res = append(res, rec)
	}
	return res, rows.Err()
}
