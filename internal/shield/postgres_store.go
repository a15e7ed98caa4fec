package shield

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// PostgresStore persists shield events and enforcements in PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

var _ Store = (*PostgresStore)(nil)

// Migrate creates the shield tables. The goose migrations under migrations/
// carry the same DDL for deployments that manage schema out of band.
func (p *PostgresStore) Migrate(ctx context.Context) error {
	_, err := p.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS shield_events (
			id            VARCHAR(40) PRIMARY KEY,
			user_id       VARCHAR(128) NOT NULL,
			app           VARCHAR(64) NOT NULL,
			level         VARCHAR(32) NOT NULL,
			type          VARCHAR(40) NOT NULL,
			context       JSONB NOT NULL DEFAULT '{}',
			risk_score    DOUBLE PRECISION,
			risk_factors  JSONB NOT NULL DEFAULT '[]',
			confidence    DOUBLE PRECISION NOT NULL DEFAULT 0,
			status        VARCHAR(20) NOT NULL DEFAULT 'pending',
			case_id       VARCHAR(40),
			created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_shield_events_user ON shield_events(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_events_app_type ON shield_events(app, type, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_events_score ON shield_events(risk_score, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_events_device ON shield_events((context->>'device_id'), created_at DESC);

		CREATE TABLE IF NOT EXISTS shield_enforcements (
			id                VARCHAR(40) PRIMARY KEY,
			user_id           VARCHAR(128) NOT NULL,
			app               VARCHAR(64) NOT NULL,
			level             VARCHAR(32) NOT NULL,
			case_id           VARCHAR(40),
			related_events    JSONB NOT NULL DEFAULT '[]',
			risk_score        DOUBLE PRECISION NOT NULL,
			confidence        DOUBLE PRECISION NOT NULL,
			risk_factors      JSONB NOT NULL DEFAULT '[]',
			action            VARCHAR(30) NOT NULL,
			reason            TEXT NOT NULL DEFAULT '',
			affected_features JSONB NOT NULL DEFAULT '[]',
			restrictions      JSONB NOT NULL DEFAULT '{}',
			duration_hours    INTEGER,
			status            VARCHAR(20) NOT NULL DEFAULT 'pending',
			activated_at      TIMESTAMPTZ,
			expires_at        TIMESTAMPTZ,
			review            JSONB NOT NULL DEFAULT '{}',
			appeals           JSONB NOT NULL DEFAULT '[]',
			audit             JSONB NOT NULL DEFAULT '[]',
			delivery          JSONB NOT NULL DEFAULT '{}',
			created_at        TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at        TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE INDEX IF NOT EXISTS idx_shield_enf_user ON shield_enforcements(user_id, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_enf_app_action ON shield_enforcements(app, action, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_enf_score ON shield_enforcements(risk_score, created_at DESC);
		CREATE INDEX IF NOT EXISTS idx_shield_enf_expiry ON shield_enforcements(expires_at) WHERE status = 'active';
	`)
	return err
}

// --- events ---

const eventColumns = `id, user_id, app, level, type, context, risk_score,
	risk_factors, confidence, status, case_id, created_at, updated_at`

func (p *PostgresStore) CreateEvent(ctx context.Context, ev *Event) error {
	contextJSON, err := json.Marshal(ev.Context)
	if err != nil {
		return err
	}
	factorsJSON, err := json.Marshal(stringsOrEmpty(ev.RiskFactors))
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO shield_events (
			id, user_id, app, level, type, context, risk_score,
			risk_factors, confidence, status, case_id, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		ev.ID, ev.UserID, ev.App, ev.Level, string(ev.Type), contextJSON,
		nullFloat(ev.RiskScore), factorsJSON, ev.Confidence, string(ev.Status),
		nullString(ev.CaseID), ev.CreatedAt, ev.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetEvent(ctx context.Context, id string) (*Event, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+eventColumns+` FROM shield_events WHERE id = $1`, id)
	ev, err := scanEvent(row)
	if err == sql.ErrNoRows {
		return nil, ErrEventNotFound
	}
	return ev, err
}

func (p *PostgresStore) UpdateEvent(ctx context.Context, ev *Event) error {
	factorsJSON, err := json.Marshal(stringsOrEmpty(ev.RiskFactors))
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE shield_events SET
			risk_score = $1, risk_factors = $2, confidence = $3,
			status = $4, case_id = $5, updated_at = $6
		WHERE id = $7`,
		nullFloat(ev.RiskScore), factorsJSON, ev.Confidence,
		string(ev.Status), nullString(ev.CaseID), ev.UpdatedAt, ev.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEventNotFound
	}
	return nil
}

func (p *PostgresStore) ListEvents(ctx context.Context, f EventFilter) ([]*Event, error) {
	query := `SELECT ` + eventColumns + ` FROM shield_events WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if f.UserID != "" {
		add(" AND user_id = $%d", f.UserID)
	}
	if f.App != "" {
		add(" AND app = $%d", f.App)
	}
	if f.Type != "" {
		add(" AND type = $%d", string(f.Type))
	}
	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if f.MinScore > 0 {
		add(" AND risk_score >= $%d", f.MinScore)
	}
	if !f.Since.IsZero() {
		add(" AND created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add(" AND created_at <= $%d", f.Until)
	}
	if !f.BeforeCreatedAt.IsZero() {
		args = append(args, f.BeforeCreatedAt, f.BeforeID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) ListUserEvents(ctx context.Context, userID string, since time.Time, limit int) ([]*Event, error) {
	return p.ListEvents(ctx, EventFilter{UserID: userID, Since: since, Limit: limit})
}

func (p *PostgresStore) CountUserEvents(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := p.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM shield_events
		WHERE user_id = $1 AND created_at >= $2`, userID, since).Scan(&n)
	return n, err
}

func (p *PostgresStore) ListEventsByDevice(ctx context.Context, deviceID string, since time.Time) ([]*Event, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+eventColumns+` FROM shield_events
		WHERE context->>'device_id' = $1 AND created_at >= $2
		ORDER BY created_at DESC`, deviceID, since)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEvents(rows)
}

func (p *PostgresStore) ListActiveUsers(ctx context.Context, since time.Time, minScore float64, limit int) ([]UserApp, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT DISTINCT user_id, app FROM shield_events
		WHERE created_at >= $1 AND risk_score >= $2
		LIMIT $3`, since, minScore, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []UserApp
	for rows.Next() {
		var ua UserApp
		if err := rows.Scan(&ua.UserID, &ua.App); err != nil {
			return nil, err
		}
		result = append(result, ua)
	}
	return result, rows.Err()
}

// --- enforcements ---

const enforcementColumns = `id, user_id, app, level, case_id, related_events,
	risk_score, confidence, risk_factors, action, reason, affected_features,
	restrictions, duration_hours, status, activated_at, expires_at,
	review, appeals, audit, delivery, created_at, updated_at`

func (p *PostgresStore) CreateEnforcement(ctx context.Context, e *Enforcement) error {
	cols, err := marshalEnforcementJSON(e)
	if err != nil {
		return err
	}
	_, err = p.db.ExecContext(ctx, `
		INSERT INTO shield_enforcements (
			id, user_id, app, level, case_id, related_events,
			risk_score, confidence, risk_factors, action, reason,
			affected_features, restrictions, duration_hours, status,
			activated_at, expires_at, review, appeals, audit, delivery,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
			$12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22, $23)`,
		e.ID, e.UserID, e.App, e.Level, nullString(e.CaseID), cols.related,
		e.RiskScore, e.Confidence, cols.factors, string(e.Action), e.Reason,
		cols.features, cols.restrictions, nullInt(e.DurationHours), string(e.Status),
		nullTime(e.ActivatedAt), nullTime(e.ExpiresAt), cols.review, cols.appeals,
		cols.audit, cols.delivery, e.CreatedAt, e.UpdatedAt,
	)
	return err
}

func (p *PostgresStore) GetEnforcement(ctx context.Context, id string) (*Enforcement, error) {
	row := p.db.QueryRowContext(ctx,
		`SELECT `+enforcementColumns+` FROM shield_enforcements WHERE id = $1`, id)
	e, err := scanEnforcement(row)
	if err == sql.ErrNoRows {
		return nil, ErrEnforcementNotFound
	}
	return e, err
}

func (p *PostgresStore) UpdateEnforcement(ctx context.Context, e *Enforcement) error {
	cols, err := marshalEnforcementJSON(e)
	if err != nil {
		return err
	}
	result, err := p.db.ExecContext(ctx, `
		UPDATE shield_enforcements SET
			status = $1, activated_at = $2, expires_at = $3, review = $4,
			appeals = $5, audit = $6, delivery = $7, updated_at = $8
		WHERE id = $9`,
		string(e.Status), nullTime(e.ActivatedAt), nullTime(e.ExpiresAt),
		cols.review, cols.appeals, cols.audit, cols.delivery, e.UpdatedAt, e.ID,
	)
	if err != nil {
		return err
	}
	rows, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rows == 0 {
		return ErrEnforcementNotFound
	}
	return nil
}

func (p *PostgresStore) ListEnforcements(ctx context.Context, f EnforcementFilter) ([]*Enforcement, error) {
	query := `SELECT ` + enforcementColumns + ` FROM shield_enforcements WHERE 1=1`
	var args []any
	add := func(clause string, v any) {
		args = append(args, v)
		query += fmt.Sprintf(clause, len(args))
	}

	if f.UserID != "" {
		add(" AND user_id = $%d", f.UserID)
	}
	if f.App != "" {
		add(" AND app = $%d", f.App)
	}
	if f.Action != "" {
		add(" AND action = $%d", string(f.Action))
	}
	if f.Status != "" {
		add(" AND status = $%d", string(f.Status))
	}
	if !f.Since.IsZero() {
		add(" AND created_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add(" AND created_at <= $%d", f.Until)
	}
	if !f.BeforeCreatedAt.IsZero() {
		args = append(args, f.BeforeCreatedAt, f.BeforeID)
		query += fmt.Sprintf(" AND (created_at, id) < ($%d, $%d)", len(args)-1, len(args))
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEnforcements(rows)
}

func (p *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]*Enforcement, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT `+enforcementColumns+` FROM shield_enforcements
		WHERE status = 'active' AND expires_at IS NOT NULL AND expires_at <= $1
		ORDER BY expires_at ASC
		LIMIT $2`, before, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()
	return scanEnforcements(rows)
}

// --- scanning helpers ---

type rowScanner interface {
	Scan(dest ...any) error
}

func scanEvent(row rowScanner) (*Event, error) {
	ev := &Event{}
	var (
		typ, status       string
		contextJSON       []byte
		factorsJSON       []byte
		riskScore         sql.NullFloat64
		caseID            sql.NullString
	)
	err := row.Scan(&ev.ID, &ev.UserID, &ev.App, &ev.Level, &typ, &contextJSON,
		&riskScore, &factorsJSON, &ev.Confidence, &status, &caseID,
		&ev.CreatedAt, &ev.UpdatedAt)
	if err != nil {
		return nil, err
	}
	ev.Type = EventType(typ)
	ev.Status = InvestigationStatus(status)
	if riskScore.Valid {
		s := riskScore.Float64
		ev.RiskScore = &s
	}
	if caseID.Valid {
		ev.CaseID = caseID.String
	}
	if err := json.Unmarshal(contextJSON, &ev.Context); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(factorsJSON, &ev.RiskFactors); err != nil {
		return nil, err
	}
	return ev, nil
}

func scanEvents(rows *sql.Rows) ([]*Event, error) {
	var result []*Event
	for rows.Next() {
		ev, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ev)
	}
	return result, rows.Err()
}

func scanEnforcement(row rowScanner) (*Enforcement, error) {
	e := &Enforcement{}
	var (
		action, status                         string
		caseID                                 sql.NullString
		relatedJSON, factorsJSON, featuresJSON []byte
		restrictionsJSON, reviewJSON           []byte
		appealsJSON, auditJSON, deliveryJSON   []byte
		durationHours                          sql.NullInt64
		activatedAt, expiresAt                 sql.NullTime
	)
	err := row.Scan(&e.ID, &e.UserID, &e.App, &e.Level, &caseID, &relatedJSON,
		&e.RiskScore, &e.Confidence, &factorsJSON, &action, &e.Reason,
		&featuresJSON, &restrictionsJSON, &durationHours, &status,
		&activatedAt, &expiresAt, &reviewJSON, &appealsJSON, &auditJSON,
		&deliveryJSON, &e.CreatedAt, &e.UpdatedAt)
	if err != nil {
		return nil, err
	}
	e.Action = Action(action)
	e.Status = EnforcementStatus(status)
	if caseID.Valid {
		e.CaseID = caseID.String
	}
	if durationHours.Valid {
		h := int(durationHours.Int64)
		e.DurationHours = &h
	}
	if activatedAt.Valid {
		t := activatedAt.Time
		e.ActivatedAt = &t
	}
	if expiresAt.Valid {
		t := expiresAt.Time
		e.ExpiresAt = &t
	}
	for _, pair := range []struct {
		raw []byte
		dst any
	}{
		{relatedJSON, &e.RelatedEventIDs},
		{factorsJSON, &e.RiskFactors},
		{featuresJSON, &e.AffectedFeatures},
		{restrictionsJSON, &e.Restrictions},
		{reviewJSON, &e.Review},
		{appealsJSON, &e.Appeals},
		{auditJSON, &e.Audit},
		{deliveryJSON, &e.Delivery},
	} {
		if err := json.Unmarshal(pair.raw, pair.dst); err != nil {
			return nil, err
		}
	}
	return e, nil
}

func scanEnforcements(rows *sql.Rows) ([]*Enforcement, error) {
	var result []*Enforcement
	for rows.Next() {
		e, err := scanEnforcement(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

type enforcementJSON struct {
	related, factors, features, restrictions []byte
	review, appeals, audit, delivery         []byte
}

func marshalEnforcementJSON(e *Enforcement) (*enforcementJSON, error) {
	out := &enforcementJSON{}
	for _, pair := range []struct {
		dst *[]byte
		src any
	}{
		{&out.related, stringsOrEmpty(e.RelatedEventIDs)},
		{&out.factors, stringsOrEmpty(e.RiskFactors)},
		{&out.features, stringsOrEmpty(e.AffectedFeatures)},
		{&out.restrictions, e.Restrictions},
		{&out.review, e.Review},
		{&out.appeals, appealsOrEmpty(e.Appeals)},
		{&out.audit, auditOrEmpty(e.Audit)},
		{&out.delivery, e.Delivery},
	} {
		raw, err := json.Marshal(pair.src)
		if err != nil {
			return nil, err
		}
		*pair.dst = raw
	}
	return out, nil
}

func stringsOrEmpty(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

func appealsOrEmpty(a []Appeal) []Appeal {
	if a == nil {
		return []Appeal{}
	}
	return a
}

func auditOrEmpty(a []AuditEntry) []AuditEntry {
	if a == nil {
		return []AuditEntry{}
	}
	return a
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func nullInt(i *int) sql.NullInt64 {
	if i == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(*i), Valid: true}
}

func nullTime(t *time.Time) sql.NullTime {
	if t == nil {
		return sql.NullTime{}
	}
	return sql.NullTime{Time: *t, Valid: true}
}
