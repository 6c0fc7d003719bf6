package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"tabletop/internal/domain"
)

// SQLite implements Store over a modernc.org/sqlite connection.
type SQLite struct {
	DB *sql.DB
}

// NewSQLite wraps an open database handle with migrations already run.
func NewSQLite(db *sql.DB) *SQLite {
	return &SQLite{DB: db}
}

func (s *SQLite) PutScenario(ctx context.Context, sc domain.Scenario) error {
	doc, err := json.Marshal(sc)
	if err != nil {
		return fmt.Errorf("marshal scenario: %w", err)
	}
	_, err = s.DB.ExecContext(ctx, `INSERT INTO scenarios(id,title,doc_json,created_at) VALUES (?,?,?,?)`,
		sc.ID, sc.Title, string(doc), sc.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert scenario: %w", err)
	}
	return nil
}

func (s *SQLite) GetScenario(ctx context.Context, id string) (domain.Scenario, error) {
	var doc string
	err := s.DB.QueryRowContext(ctx, `SELECT doc_json FROM scenarios WHERE id=?`, id).Scan(&doc)
	if err == sql.ErrNoRows {
		return domain.Scenario{}, ErrNotFound
	}
	if err != nil {
		return domain.Scenario{}, err
	}
	var sc domain.Scenario
	if err := json.Unmarshal([]byte(doc), &sc); err != nil {
		return domain.Scenario{}, fmt.Errorf("unmarshal scenario %s: %w", id, err)
	}
	return sc, nil
}

func (s *SQLite) ListScenarios(ctx context.Context) ([]domain.Scenario, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT doc_json FROM scenarios ORDER BY created_at DESC, id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Scenario
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			return nil, err
		}
		var sc domain.Scenario
		if err := json.Unmarshal([]byte(doc), &sc); err != nil {
			return nil, err
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

func (s *SQLite) CreateSession(ctx context.Context, sess domain.Session) error {
	participants, settings, scores, err := sessionBlobs(sess)
	if err != nil {
		return err
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO sessions(id,scenario_id,tenant_id,status,participants_json,settings_json,scores_json,created_at,started_at,ended_at)
		 VALUES (?,?,?,?,?,?,?,?,?,?)`,
		sess.ID, sess.ScenarioID, sess.TenantID, string(sess.Status),
		participants, settings, scores, sess.CreatedAt, sess.StartedAt, sess.EndedAt)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

func (s *SQLite) GetSession(ctx context.Context, id string) (domain.Session, error) {
	row := s.DB.QueryRowContext(ctx,
		`SELECT id,scenario_id,tenant_id,status,participants_json,settings_json,scores_json,created_at,started_at,ended_at
		 FROM sessions WHERE id=?`, id)
	return scanSession(row.Scan)
}

func (s *SQLite) UpdateSession(ctx context.Context, sess domain.Session) error {
	participants, settings, scores, err := sessionBlobs(sess)
	if err != nil {
		return err
	}
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET status=?,participants_json=?,settings_json=?,scores_json=?,started_at=?,ended_at=? WHERE id=?`,
		string(sess.Status), participants, settings, scores, sess.StartedAt, sess.EndedAt, sess.ID)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	affected, _ := res.RowsAffected()
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLite) ListSessions(ctx context.Context, tenantID string, status domain.SessionStatus) ([]domain.Session, error) {
	query := `SELECT id,scenario_id,tenant_id,status,participants_json,settings_json,scores_json,created_at,started_at,ended_at FROM sessions`
	var (
		clauses []string
		args    []any
	)
	if tenantID != "" {
		clauses = append(clauses, "tenant_id=?")
		args = append(args, tenantID)
	}
	if status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, string(status))
	}
	for i, c := range clauses {
		if i == 0 {
			query += " WHERE " + c
		} else {
			query += " AND " + c
		}
	}
	query += " ORDER BY created_at DESC, id"
	rows, err := s.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Session
	for rows.Next() {
		sess, err := scanSession(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendDecision(ctx context.Context, d domain.Decision) error {
	params, err := json.Marshal(d.Parameters)
	if err != nil {
		return fmt.Errorf("marshal decision parameters: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO decisions(id,session_id,role,action,rationale,parameters_json,ts) VALUES (?,?,?,?,?,?,?)`,
		d.ID, d.SessionID, d.Role, d.Action, d.Rationale, string(params), d.Timestamp)
	if err != nil {
		return fmt.Errorf("insert decision: %w", err)
	}
	return nil
}

func (s *SQLite) ListDecisions(ctx context.Context, sessionID string) ([]domain.Decision, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,session_id,role,action,rationale,parameters_json,ts FROM decisions WHERE session_id=? ORDER BY ts, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Decision
	for rows.Next() {
		var (
			d      domain.Decision
			params string
		)
		if err := rows.Scan(&d.ID, &d.SessionID, &d.Role, &d.Action, &d.Rationale, &params, &d.Timestamp); err != nil {
			return nil, err
		}
		if params != "" && params != "null" {
			if err := json.Unmarshal([]byte(params), &d.Parameters); err != nil {
				return nil, err
			}
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *SQLite) AppendAuditEvent(ctx context.Context, e domain.AuditEvent) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("marshal audit metadata: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO audit_events(id,session_id,type,ts,actor,metadata_json) VALUES (?,?,?,?,?,?)`,
		e.ID, e.SessionID, string(e.Type), e.Timestamp, e.Actor, string(meta))
	if err != nil {
		return fmt.Errorf("insert audit event: %w", err)
	}
	return nil
}

func (s *SQLite) ListAuditEvents(ctx context.Context, sessionID string) ([]domain.AuditEvent, error) {
	rows, err := s.DB.QueryContext(ctx,
		`SELECT id,session_id,type,ts,actor,metadata_json FROM audit_events WHERE session_id=? ORDER BY ts, seq`, sessionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.AuditEvent
	for rows.Next() {
		var (
			e    domain.AuditEvent
			kind string
			meta string
		)
		if err := rows.Scan(&e.ID, &e.SessionID, &kind, &e.Timestamp, &e.Actor, &meta); err != nil {
			return nil, err
		}
		e.Type = domain.AuditEventType(kind)
		if meta != "" && meta != "null" {
			if err := json.Unmarshal([]byte(meta), &e.Metadata); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *SQLite) PutAAR(ctx context.Context, report domain.AAR) error {
	content, err := json.Marshal(report.Content)
	if err != nil {
		return fmt.Errorf("marshal aar content: %w", err)
	}
	signature, err := json.Marshal(report.Signature)
	if err != nil {
		return fmt.Errorf("marshal aar signature: %w", err)
	}
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO aars(session_id,format,generated_at,content_json,signature_json) VALUES (?,?,?,?,?)
		 ON CONFLICT(session_id,format) DO UPDATE SET generated_at=excluded.generated_at,
		 content_json=excluded.content_json, signature_json=excluded.signature_json`,
		report.SessionID, report.Format, report.GeneratedAt, string(content), string(signature))
	if err != nil {
		return fmt.Errorf("upsert aar: %w", err)
	}
	return nil
}

func (s *SQLite) GetAAR(ctx context.Context, sessionID, format string) (domain.AAR, error) {
	var (
		report    domain.AAR
		content   string
		signature string
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT session_id,format,generated_at,content_json,signature_json FROM aars WHERE session_id=? AND format=?`,
		sessionID, format).Scan(&report.SessionID, &report.Format, &report.GeneratedAt, &content, &signature)
	if err == sql.ErrNoRows {
		return domain.AAR{}, ErrNotFound
	}
	if err != nil {
		return domain.AAR{}, err
	}
	if err := json.Unmarshal([]byte(content), &report.Content); err != nil {
		return domain.AAR{}, err
	}
	if err := json.Unmarshal([]byte(signature), &report.Signature); err != nil {
		return domain.AAR{}, err
	}
	return report, nil
}

// PurgeSession deletes all four artifact classes for a session in one
// transaction, so a failure leaves everything intact. An unknown id
// succeeds with nothing to do.
func (s *SQLite) PurgeSession(ctx context.Context, sessionID string) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	for _, stmt := range []string{
		`DELETE FROM aars WHERE session_id=?`,
		`DELETE FROM audit_events WHERE session_id=?`,
		`DELETE FROM decisions WHERE session_id=?`,
		`DELETE FROM sessions WHERE id=?`,
	} {
		if _, err := tx.ExecContext(ctx, stmt, sessionID); err != nil {
			return fmt.Errorf("purge session %s: %w", sessionID, err)
		}
	}
	return tx.Commit()
}

func (s *SQLite) SessionsCreatedBefore(ctx context.Context, cutoff time.Time) ([]string, error) {
	rows, err := s.DB.QueryContext(ctx, `SELECT id FROM sessions WHERE created_at < ? ORDER BY created_at`,
		domain.RFC3339(cutoff))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SQLite) Close() error {
	return s.DB.Close()
}

func sessionBlobs(sess domain.Session) (participants, settings, scores string, err error) {
	p, err := json.Marshal(sess.Participants)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal participants: %w", err)
	}
	st, err := json.Marshal(sess.Settings)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal settings: %w", err)
	}
	sc, err := json.Marshal(sess.Scores)
	if err != nil {
		return "", "", "", fmt.Errorf("marshal scores: %w", err)
	}
	return string(p), string(st), string(sc), nil
}

func scanSession(scan func(dest ...any) error) (domain.Session, error) {
	var (
		sess         domain.Session
		status       string
		participants string
		settings     string
		scores       string
	)
	err := scan(&sess.ID, &sess.ScenarioID, &sess.TenantID, &status,
		&participants, &settings, &scores, &sess.CreatedAt, &sess.StartedAt, &sess.EndedAt)
	if err == sql.ErrNoRows {
		return sess, ErrNotFound
	}
	if err != nil {
		return sess, err
	}
	sess.Status = domain.SessionStatus(status)
	if participants != "" && participants != "null" {
		if err := json.Unmarshal([]byte(participants), &sess.Participants); err != nil {
			return sess, err
		}
	}
	if settings != "" && settings != "null" {
		if err := json.Unmarshal([]byte(settings), &sess.Settings); err != nil {
			return sess, err
		}
	}
	if scores != "" && scores != "null" {
		if err := json.Unmarshal([]byte(scores), &sess.Scores); err != nil {
			return sess, err
		}
	}
	return sess, nil
}
