package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"

	"github.com/sells-group/inbox-cli/internal/db"
	"github.com/sells-group/inbox-cli/internal/model"
)

// PostgresStore implements Store using pgxpool.
type PostgresStore struct {
	pool    db.Pool
	closeFn func()
}

// PoolConfig holds optional connection pool tuning parameters.
type PoolConfig struct {
	MaxConns int32 `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns int32 `yaml:"min_conns" mapstructure:"min_conns"`
}

// NewPostgres creates a PostgresStore with a connection pool.
func NewPostgres(ctx context.Context, connString string, poolCfg *PoolConfig) (*PostgresStore, error) {
	pgxCfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: parse config")
	}

	maxConns := int32(10)
	minConns := int32(2)
	if poolCfg != nil {
		if poolCfg.MaxConns > 0 {
			maxConns = poolCfg.MaxConns
		}
		if poolCfg.MinConns > 0 {
			minConns = poolCfg.MinConns
		}
	}
	pgxCfg.MaxConns = maxConns
	pgxCfg.MinConns = minConns
	pgxCfg.MaxConnLifetime = 30 * time.Minute
	pgxCfg.MaxConnIdleTime = 5 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, pgxCfg)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: create pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, eris.Wrap(err, "postgres: ping")
	}
	return &PostgresStore{pool: pool, closeFn: pool.Close}, nil
}

// Pool returns the underlying database pool.
func (s *PostgresStore) Pool() db.Pool {
	return s.pool
}

const postgresMigration = `
CREATE TABLE IF NOT EXISTS email_accounts (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id      TEXT NOT NULL CHECK (tenant_id <> ''),
	user_id        TEXT NOT NULL,
	address        TEXT NOT NULL,
	provider       TEXT,
	is_active      BOOLEAN NOT NULL DEFAULT true,
	last_synced_at TIMESTAMPTZ,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS emails (
	id                  TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id           TEXT NOT NULL CHECK (tenant_id <> ''),
	account_id          TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	thread_id           TEXT,
	sender              TEXT NOT NULL,
	subject             TEXT NOT NULL,
	snippet             TEXT,
	received_at         TIMESTAMPTZ NOT NULL,
	is_vip              BOOLEAN NOT NULL DEFAULT false,
	tags                JSONB,
	created_at          TIMESTAMPTZ NOT NULL DEFAULT now(),
	CONSTRAINT uq_emails_tenant_provider UNIQUE (tenant_id, external_message_id)
);

CREATE TABLE IF NOT EXISTS work_items (
	id              TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id       TEXT NOT NULL CHECK (tenant_id <> ''),
	email_id        TEXT NOT NULL REFERENCES emails(id),
	state           TEXT NOT NULL,
	confidence_band TEXT NOT NULL,
	owner_type      TEXT NOT NULL,
	owner_id        TEXT,
	resolution_lock BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
	closed_at       TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL CHECK (tenant_id <> ''),
	work_item_id TEXT NOT NULL REFERENCES work_items(id),
	reason       TEXT NOT NULL,
	context      JSONB,
	state        TEXT NOT NULL DEFAULT 'PENDING',
	claimed_by   TEXT,
	claimed_at   TIMESTAMPTZ,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	resolved_at  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS hitl_decisions (
	id             TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	request_id     TEXT NOT NULL REFERENCES hitl_requests(id),
	agent_id       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	modified_draft TEXT,
	feedback_notes TEXT,
	created_at     TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE OR REPLACE RULE hitl_decisions_no_update AS ON UPDATE TO hitl_decisions DO INSTEAD NOTHING;
CREATE OR REPLACE RULE hitl_decisions_no_delete AS ON DELETE TO hitl_decisions DO INSTEAD NOTHING;

CREATE TABLE IF NOT EXISTS safety_flags (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated_by TEXT
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	metrics     JSONB,
	error       TEXT,
	started_at  TIMESTAMPTZ NOT NULL DEFAULT now(),
	finished_at TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS failed_records (
	id          TEXT PRIMARY KEY DEFAULT gen_random_uuid()::text,
	tenant_id   TEXT NOT NULL,
	run_id      TEXT,
	external_id TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL DEFAULT 'transient',
	created_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_email_accounts_user ON email_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_work_items_tenant_state ON work_items(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_work_items_email ON work_items(email_id);
CREATE INDEX IF NOT EXISTS idx_hitl_requests_tenant_state ON hitl_requests(tenant_id, state, created_at);
CREATE INDEX IF NOT EXISTS idx_hitl_decisions_request ON hitl_decisions(request_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at DESC);
CREATE INDEX IF NOT EXISTS idx_failed_records_tenant ON failed_records(tenant_id);
`

func (s *PostgresStore) Ping(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, "SELECT 1")
	return eris.Wrap(err, "postgres: ping")
}

func (s *PostgresStore) Migrate(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, postgresMigration)
	return eris.Wrap(err, "postgres: migrate")
}

func (s *PostgresStore) Close() error {
	if s.closeFn != nil {
		s.closeFn()
	}
	return nil
}

// --- Accounts ---

func (s *PostgresStore) CreateAccount(ctx context.Context, acct *model.EmailAccount) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO email_accounts (`+accountColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		acct.ID, acct.TenantID, acct.UserID, acct.Address, acct.Provider, acct.IsActive,
		timeArg(acct.LastSyncedAt), acct.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: insert account")
}

func (s *PostgresStore) GetAccountByUser(ctx context.Context, userID string) (*model.EmailAccount, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE user_id = $1 AND is_active ORDER BY created_at ASC LIMIT 1`,
		userID,
	)
	a, err := scanAccount(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: no active account for user %s", userID)
	}
	return a, eris.Wrapf(err, "postgres: get account for user %s", userID)
}

func (s *PostgresStore) ListActiveAccounts(ctx context.Context) ([]model.EmailAccount, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE is_active ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list accounts")
	}
	defer rows.Close()

	var out []model.EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list accounts iterate")
}

func (s *PostgresStore) TouchAccountSync(ctx context.Context, accountID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE email_accounts SET last_synced_at = $1 WHERE id = $2`, at.UTC(), accountID)
	if err != nil {
		return eris.Wrapf(err, "postgres: touch account %s", accountID)
	}
	return checkTag(tag, "account", accountID)
}

// --- Message metadata and work items ---

func (s *PostgresStore) FindEmail(ctx context.Context, tenantID, externalID string) (*model.EmailMessage, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE tenant_id = $1 AND external_message_id = $2`,
		tenantID, externalID,
	)
	e, err := scanEmail(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "postgres: find email %s", externalID)
}

func (s *PostgresStore) GetEmail(ctx context.Context, id string) (*model.EmailMessage, error) {
	e, err := scanEmail(s.pool.QueryRow(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: email %s", id)
	}
	return e, eris.Wrapf(err, "postgres: get email %s", id)
}

func (s *PostgresStore) CreateWorkItem(ctx context.Context, email *model.EmailMessage, item *model.WorkItem) error {
	tags, err := marshalTags(email.Tags)
	if err != nil {
		return err
	}

	return db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`INSERT INTO emails (`+emailColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
			 ON CONFLICT ON CONSTRAINT uq_emails_tenant_provider DO NOTHING`,
			email.ID, email.TenantID, email.AccountID, email.ExternalMessageID, email.ThreadID,
			email.Sender, email.Subject, email.Snippet, email.ReceivedAt.UTC(), email.IsVIP, tags,
			email.CreatedAt.UTC(),
		)
		if err != nil {
			if db.IsUniqueViolation(err) {
				return eris.Wrapf(model.ErrDuplicate, "postgres: email %s", email.ExternalMessageID)
			}
			return eris.Wrap(err, "postgres: insert email")
		}
		if tag.RowsAffected() == 0 {
			return eris.Wrapf(model.ErrDuplicate, "postgres: email %s", email.ExternalMessageID)
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO work_items (`+workItemColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			item.ID, item.TenantID, item.EmailID, string(item.State), string(item.ConfidenceBand),
			string(item.OwnerType), item.OwnerID, item.ResolutionLock, item.CreatedAt.UTC(),
			item.UpdatedAt.UTC(), timeArg(item.ClosedAt),
		)
		return eris.Wrap(err, "postgres: insert work item")
	})
}

func (s *PostgresStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	return pgWorkItem(s.pool.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1`, id), id)
}

func pgWorkItem(row scannable, id string) (*model.WorkItem, error) {
	w, err := scanWorkItem(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: work item %s", id)
	}
	return w, eris.Wrapf(err, "postgres: get work item %s", id)
}

func (s *PostgresStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any
	argN := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argN)
		args = append(args, filter.TenantID)
		argN++
	}
	if filter.State != "" {
		query += fmt.Sprintf(` AND state = $%d`, argN)
		args = append(args, string(filter.State))
		argN++
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argN)
	args = append(args, limit)
	argN++

	if filter.Offset > 0 {
		query += fmt.Sprintf(` OFFSET $%d`, argN)
		args = append(args, filter.Offset)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list work items")
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan work item")
		}
		items = append(items, *w)
	}
	return items, eris.Wrap(rows.Err(), "postgres: list work items iterate")
}

func (s *PostgresStore) MutateWorkItem(ctx context.Context, id string, fn func(item *model.WorkItem) error) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := pgWorkItem(tx.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := pgUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (s *PostgresStore) CloseWorkItem(ctx context.Context, id string, now time.Time) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := pgWorkItem(tx.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, id), id)
		if err != nil {
			return err
		}
		if err := w.Close(now); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := pgUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`UPDATE hitl_requests SET state = $1, resolved_at = $2 WHERE work_item_id = $3 AND state IN ($4, $5)`,
			string(model.HitlRejected), now.UTC(), id, string(model.HitlPending), string(model.HitlClaimed),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: reject open hitl requests for %s", id)
		}
		out = w
		return nil
	})
	return out, err
}

func pgUpdateWorkItem(ctx context.Context, tx pgx.Tx, w *model.WorkItem) error {
	tag, err := tx.Exec(ctx,
		`UPDATE work_items SET state = $1, confidence_band = $2, owner_type = $3, owner_id = $4,
		 resolution_lock = $5, updated_at = $6, closed_at = $7 WHERE id = $8`,
		string(w.State), string(w.ConfidenceBand), string(w.OwnerType), w.OwnerID,
		w.ResolutionLock, w.UpdatedAt.UTC(), timeArg(w.ClosedAt), w.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: update work item %s", w.ID)
	}
	return checkTag(tag, "work item", w.ID)
}

// --- HITL ---

func (s *PostgresStore) EscalateWorkItem(ctx context.Context, workItemID string, fn EscalateFunc) (*model.HitlRequest, error) {
	var out *model.HitlRequest
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		w, err := pgWorkItem(tx.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, workItemID), workItemID)
		if err != nil {
			return err
		}
		req, err := fn(w)
		if err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := pgUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO hitl_requests (`+hitlColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			req.ID, req.TenantID, req.WorkItemID, req.Reason, contextArg(req.Context), string(req.State),
			req.ClaimedBy, timeArg(req.ClaimedAt), req.CreatedAt.UTC(), timeArg(req.ResolvedAt),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert hitl request")
		}
		out = req
		return nil
	})
	return out, err
}

func (s *PostgresStore) GetHitlRequest(ctx context.Context, id string) (*model.HitlRequest, error) {
	return pgHitl(s.pool.QueryRow(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id = $1`, id), id)
}

func pgHitl(row scannable, id string) (*model.HitlRequest, error) {
	r, err := scanHitl(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "postgres: hitl request %s", id)
	}
	return r, eris.Wrapf(err, "postgres: get hitl request %s", id)
}

func (s *PostgresStore) ListPendingHitl(ctx context.Context, tenantID string) ([]model.HitlRequest, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+hitlColumns+` FROM hitl_requests WHERE tenant_id = $1 AND state = $2
		 ORDER BY created_at ASC, id ASC`,
		tenantID, string(model.HitlPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list pending hitl")
	}
	defer rows.Close()

	var out []model.HitlRequest
	for rows.Next() {
		r, err := scanHitl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan hitl request")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list pending hitl iterate")
}

func (s *PostgresStore) CountPendingHitl(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM hitl_requests WHERE state = $1`, string(model.HitlPending)).Scan(&n)
	return n, eris.Wrap(err, "postgres: count pending hitl")
}

func (s *PostgresStore) ClaimHitlRequest(ctx context.Context, id, agentID string, at time.Time) (*model.HitlRequest, error) {
	row := s.pool.QueryRow(ctx,
		`UPDATE hitl_requests SET state = $1, claimed_by = $2, claimed_at = $3
		 WHERE id = $4 AND state = $5 RETURNING `+hitlColumns,
		string(model.HitlClaimed), agentID, at.UTC(), id, string(model.HitlPending),
	)
	r, err := scanHitl(row)
	if err == nil {
		return r, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, eris.Wrapf(err, "postgres: claim hitl request %s", id)
	}

	// Lost the race or was never pending.
	current, err := s.GetHitlRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	return nil, current.Claim(agentID, at)
}

func (s *PostgresStore) ResolveHitl(ctx context.Context, decision *model.HitlDecision, fn ResolveFunc) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := db.WithTx(ctx, s.pool, func(tx pgx.Tx) error {
		req, err := pgHitl(tx.QueryRow(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id = $1 FOR UPDATE`, decision.RequestID), decision.RequestID)
		if err != nil {
			return err
		}
		w, err := pgWorkItem(tx.QueryRow(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = $1 FOR UPDATE`, req.WorkItemID), req.WorkItemID)
		if err != nil {
			return err
		}
		prev := req.State
		if err := fn(req, w); err != nil {
			return err
		}

		tag, err := tx.Exec(ctx,
			`UPDATE hitl_requests SET state = $1, resolved_at = $2 WHERE id = $3 AND state = $4`,
			string(req.State), timeArg(req.ResolvedAt), req.ID, string(prev),
		)
		if err != nil {
			return eris.Wrapf(err, "postgres: update hitl request %s", req.ID)
		}
		if tag.RowsAffected() == 0 {
			return &model.TransitionError{Entity: "hitl request", ID: req.ID, Op: "resolve", From: "changed concurrently"}
		}

		w.UpdatedAt = time.Now().UTC()
		if err := pgUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}

		_, err = tx.Exec(ctx,
			`INSERT INTO hitl_decisions (`+decisionColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			decision.ID, decision.RequestID, decision.AgentID, string(decision.Outcome),
			decision.ModifiedDraft, decision.FeedbackNotes, decision.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "postgres: insert hitl decision")
		}
		out = w
		return nil
	})
	return out, err
}

func (s *PostgresStore) ListDecisions(ctx context.Context, requestID string) ([]model.HitlDecision, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM hitl_decisions WHERE request_id = $1 ORDER BY created_at ASC, id ASC`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list decisions")
	}
	defer rows.Close()

	var out []model.HitlDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list decisions iterate")
}

// --- Safety flags ---

func (s *PostgresStore) GetSafetyFlag(ctx context.Context, key string) (*model.SafetyFlag, error) {
	var f model.SafetyFlag
	var by sql.NullString
	err := s.pool.QueryRow(ctx,
		`SELECT key, value, updated_at, updated_by FROM safety_flags WHERE key = $1`, key,
	).Scan(&f.Key, &f.Value, &f.UpdatedAt, &by)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "postgres: get safety flag %s", key)
	}
	f.UpdatedBy = by.String
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func (s *PostgresStore) SetSafetyFlag(ctx context.Context, flag *model.SafetyFlag) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO safety_flags (key, value, updated_at, updated_by) VALUES ($1, $2, $3, $4)
		 ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at, updated_by = EXCLUDED.updated_by`,
		flag.Key, flag.Value, flag.UpdatedAt.UTC(), flag.UpdatedBy,
	)
	return eris.Wrapf(err, "postgres: set safety flag %s", flag.Key)
}

// --- Ingestion runs ---

func (s *PostgresStore) CreateIngestRun(ctx context.Context, tenantID, userID string) (*model.IngestRun, error) {
	run := &model.IngestRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO ingest_runs (id, tenant_id, user_id, status, started_at) VALUES ($1, $2, $3, $4, $5)`,
		run.ID, run.TenantID, run.UserID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: insert ingest run")
	}
	return run, nil
}

func (s *PostgresStore) CompleteIngestRun(ctx context.Context, runID string, metrics model.RunMetrics) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, metrics, "")
}

func (s *PostgresStore) FailIngestRun(ctx context.Context, runID string, metrics model.RunMetrics, errMsg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, metrics, errMsg)
}

func (s *PostgresStore) finishRun(ctx context.Context, runID string, status model.RunStatus, metrics model.RunMetrics, errMsg string) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return eris.Wrap(err, "postgres: marshal run metrics")
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE ingest_runs SET status = $1, metrics = $2, error = $3, finished_at = $4 WHERE id = $5`,
		string(status), string(metricsJSON), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "postgres: finish ingest run %s", runID)
	}
	return checkTag(tag, "ingest run", runID)
}

func (s *PostgresStore) ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingest_runs WHERE 1=1`
	var args []any
	argN := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argN)
		args = append(args, filter.TenantID)
		argN++
	}
	if filter.Status != "" {
		query += fmt.Sprintf(` AND status = $%d`, argN)
		args = append(args, string(filter.Status))
		argN++
	}
	if !filter.StartedAfter.IsZero() {
		query += fmt.Sprintf(` AND started_at >= $%d`, argN)
		args = append(args, filter.StartedAfter.UTC())
		argN++
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list ingest runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan ingest run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "postgres: list ingest runs iterate")
}

// --- Dead letter queue ---

func (s *PostgresStore) EnqueueFailedRecord(ctx context.Context, rec *model.FailedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.pool.Exec(ctx,
		`INSERT INTO failed_records (`+failedColumns+`) VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		rec.ID, rec.TenantID, rec.RunID, rec.ExternalID, rec.Error, rec.ErrorType, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "postgres: enqueue failed record")
}

func (s *PostgresStore) ListFailedRecords(ctx context.Context, filter DLQFilter) ([]model.FailedRecord, error) {
	query := `SELECT ` + failedColumns + ` FROM failed_records WHERE 1=1`
	var args []any
	argN := 1

	if filter.TenantID != "" {
		query += fmt.Sprintf(` AND tenant_id = $%d`, argN)
		args = append(args, filter.TenantID)
		argN++
	}
	if filter.ErrorType != "" {
		query += fmt.Sprintf(` AND error_type = $%d`, argN)
		args = append(args, filter.ErrorType)
		argN++
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += fmt.Sprintf(` LIMIT $%d`, argN)
	args = append(args, limit)

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "postgres: list failed records")
	}
	defer rows.Close()

	var out []model.FailedRecord
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, eris.Wrap(err, "postgres: scan failed record")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "postgres: list failed records iterate")
}

func (s *PostgresStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM failed_records`).Scan(&n)
	return n, eris.Wrap(err, "postgres: count dlq")
}

func checkTag(tag pgconn.CommandTag, entity, id string) error {
	if tag.RowsAffected() == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
