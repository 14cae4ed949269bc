package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sells-group/inbox-cli/internal/model"
)

// SQLiteStore implements Store using modernc.org/sqlite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLite opens a SQLite database at the given path and configures WAL mode.
// Pragmas are carried in the DSN so every pooled connection gets them, and
// transactions take the write lock up front to avoid upgrade deadlocks.
func NewSQLite(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", sqliteDSN(path))
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: open")
	}
	if err := db.Ping(); err != nil {
		db.Close() //nolint:errcheck
		return nil, eris.Wrap(err, "sqlite: ping")
	}
	return &SQLiteStore{db: db}, nil
}

func sqliteDSN(path string) string {
	sep := "?"
	if strings.Contains(path, "?") {
		sep = "&"
	}
	return path + sep + strings.Join([]string{
		"_pragma=journal_mode(WAL)",
		"_pragma=busy_timeout(5000)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(ON)",
		"_txlock=immediate",
	}, "&")
}

const sqliteMigration = `
CREATE TABLE IF NOT EXISTS email_accounts (
	id             TEXT PRIMARY KEY,
	tenant_id      TEXT NOT NULL CHECK (tenant_id <> ''),
	user_id        TEXT NOT NULL,
	address        TEXT NOT NULL,
	provider       TEXT,
	is_active      INTEGER NOT NULL DEFAULT 1,
	last_synced_at DATETIME,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TABLE IF NOT EXISTS emails (
	id                  TEXT PRIMARY KEY,
	tenant_id           TEXT NOT NULL CHECK (tenant_id <> ''),
	account_id          TEXT NOT NULL,
	external_message_id TEXT NOT NULL,
	thread_id           TEXT,
	sender              TEXT NOT NULL,
	subject             TEXT NOT NULL,
	snippet             TEXT,
	received_at         DATETIME NOT NULL,
	is_vip              INTEGER NOT NULL DEFAULT 0,
	tags                TEXT,
	created_at          DATETIME NOT NULL DEFAULT (datetime('now')),
	CONSTRAINT uq_emails_tenant_provider UNIQUE (tenant_id, external_message_id)
);

CREATE TABLE IF NOT EXISTS work_items (
	id              TEXT PRIMARY KEY,
	tenant_id       TEXT NOT NULL CHECK (tenant_id <> ''),
	email_id        TEXT NOT NULL REFERENCES emails(id),
	state           TEXT NOT NULL,
	confidence_band TEXT NOT NULL,
	owner_type      TEXT NOT NULL,
	owner_id        TEXT,
	resolution_lock INTEGER NOT NULL DEFAULT 0,
	created_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_at      DATETIME NOT NULL DEFAULT (datetime('now')),
	closed_at       DATETIME
);

CREATE TABLE IF NOT EXISTS hitl_requests (
	id           TEXT PRIMARY KEY,
	tenant_id    TEXT NOT NULL CHECK (tenant_id <> ''),
	work_item_id TEXT NOT NULL REFERENCES work_items(id),
	reason       TEXT NOT NULL,
	context      TEXT,
	state        TEXT NOT NULL DEFAULT 'PENDING',
	claimed_by   TEXT,
	claimed_at   DATETIME,
	created_at   DATETIME NOT NULL DEFAULT (datetime('now')),
	resolved_at  DATETIME
);

CREATE TABLE IF NOT EXISTS hitl_decisions (
	id             TEXT PRIMARY KEY,
	request_id     TEXT NOT NULL REFERENCES hitl_requests(id),
	agent_id       TEXT NOT NULL,
	outcome        TEXT NOT NULL,
	modified_draft TEXT,
	feedback_notes TEXT,
	created_at     DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE TRIGGER IF NOT EXISTS hitl_decisions_no_update
BEFORE UPDATE ON hitl_decisions
BEGIN
	SELECT RAISE(ABORT, 'hitl_decisions is append-only');
END;

CREATE TABLE IF NOT EXISTS safety_flags (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at DATETIME NOT NULL DEFAULT (datetime('now')),
	updated_by TEXT
);

CREATE TABLE IF NOT EXISTS ingest_runs (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	user_id     TEXT NOT NULL,
	status      TEXT NOT NULL DEFAULT 'running',
	metrics     TEXT,
	error       TEXT,
	started_at  DATETIME NOT NULL DEFAULT (datetime('now')),
	finished_at DATETIME
);

CREATE TABLE IF NOT EXISTS failed_records (
	id          TEXT PRIMARY KEY,
	tenant_id   TEXT NOT NULL,
	run_id      TEXT,
	external_id TEXT NOT NULL,
	error       TEXT NOT NULL,
	error_type  TEXT NOT NULL,
	created_at  DATETIME NOT NULL DEFAULT (datetime('now'))
);

CREATE INDEX IF NOT EXISTS idx_email_accounts_user ON email_accounts(user_id);
CREATE INDEX IF NOT EXISTS idx_work_items_tenant_state ON work_items(tenant_id, state);
CREATE INDEX IF NOT EXISTS idx_work_items_email ON work_items(email_id);
CREATE INDEX IF NOT EXISTS idx_hitl_requests_tenant_state ON hitl_requests(tenant_id, state, created_at);
CREATE INDEX IF NOT EXISTS idx_hitl_decisions_request ON hitl_decisions(request_id);
CREATE INDEX IF NOT EXISTS idx_ingest_runs_started ON ingest_runs(started_at);
CREATE INDEX IF NOT EXISTS idx_failed_records_tenant ON failed_records(tenant_id);
`

func (s *SQLiteStore) Migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, sqliteMigration)
	return eris.Wrap(err, "sqlite: migrate")
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// --- Accounts ---

func (s *SQLiteStore) CreateAccount(ctx context.Context, acct *model.EmailAccount) error {
	if acct.ID == "" {
		acct.ID = uuid.New().String()
	}
	if acct.CreatedAt.IsZero() {
		acct.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO email_accounts (`+accountColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		acct.ID, acct.TenantID, acct.UserID, acct.Address, acct.Provider, acct.IsActive,
		timeArg(acct.LastSyncedAt), acct.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: insert account")
}

func (s *SQLiteStore) GetAccountByUser(ctx context.Context, userID string) (*model.EmailAccount, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE user_id = ? AND is_active = 1 ORDER BY created_at ASC LIMIT 1`,
		userID,
	)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: no active account for user %s", userID)
	}
	return a, eris.Wrapf(err, "sqlite: get account for user %s", userID)
}

func (s *SQLiteStore) ListActiveAccounts(ctx context.Context) ([]model.EmailAccount, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM email_accounts WHERE is_active = 1 ORDER BY created_at ASC`)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list accounts")
	}
	defer rows.Close()

	var out []model.EmailAccount
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan account")
		}
		out = append(out, *a)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list accounts iterate")
}

func (s *SQLiteStore) TouchAccountSync(ctx context.Context, accountID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE email_accounts SET last_synced_at = ? WHERE id = ?`, at.UTC(), accountID)
	if err != nil {
		return eris.Wrapf(err, "sqlite: touch account %s", accountID)
	}
	return checkRowsAffected(res, "account", accountID)
}

// --- Message metadata and work items ---

func (s *SQLiteStore) FindEmail(ctx context.Context, tenantID, externalID string) (*model.EmailMessage, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+emailColumns+` FROM emails WHERE tenant_id = ? AND external_message_id = ?`,
		tenantID, externalID,
	)
	e, err := scanEmail(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return e, eris.Wrapf(err, "sqlite: find email %s", externalID)
}

func (s *SQLiteStore) GetEmail(ctx context.Context, id string) (*model.EmailMessage, error) {
	e, err := scanEmail(s.db.QueryRowContext(ctx, `SELECT `+emailColumns+` FROM emails WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: email %s", id)
	}
	return e, eris.Wrapf(err, "sqlite: get email %s", id)
}

func (s *SQLiteStore) CreateWorkItem(ctx context.Context, email *model.EmailMessage, item *model.WorkItem) error {
	tags, err := marshalTags(email.Tags)
	if err != nil {
		return err
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx,
			`INSERT INTO emails (`+emailColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			 ON CONFLICT (tenant_id, external_message_id) DO NOTHING`,
			email.ID, email.TenantID, email.AccountID, email.ExternalMessageID, email.ThreadID,
			email.Sender, email.Subject, email.Snippet, email.ReceivedAt.UTC(), email.IsVIP, tags,
			email.CreatedAt.UTC(),
		)
		if err != nil {
			if isSQLiteUnique(err) {
				return eris.Wrapf(model.ErrDuplicate, "sqlite: email %s", email.ExternalMessageID)
			}
			return eris.Wrap(err, "sqlite: insert email")
		}
		if n, err := res.RowsAffected(); err != nil {
			return eris.Wrap(err, "sqlite: rows affected")
		} else if n == 0 {
			return eris.Wrapf(model.ErrDuplicate, "sqlite: email %s", email.ExternalMessageID)
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO work_items (`+workItemColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			item.ID, item.TenantID, item.EmailID, string(item.State), string(item.ConfidenceBand),
			string(item.OwnerType), item.OwnerID, item.ResolutionLock, item.CreatedAt.UTC(),
			item.UpdatedAt.UTC(), timeArg(item.ClosedAt),
		)
		return eris.Wrap(err, "sqlite: insert work item")
	})
}

func (s *SQLiteStore) GetWorkItem(ctx context.Context, id string) (*model.WorkItem, error) {
	return getWorkItem(s.db.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id), id)
}

func getWorkItem(row scannable, id string) (*model.WorkItem, error) {
	w, err := scanWorkItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: work item %s", id)
	}
	return w, eris.Wrapf(err, "sqlite: get work item %s", id)
}

func (s *SQLiteStore) ListWorkItems(ctx context.Context, filter WorkItemFilter) ([]model.WorkItem, error) {
	query := `SELECT ` + workItemColumns + ` FROM work_items WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.State != "" {
		query += ` AND state = ?`
		args = append(args, string(filter.State))
	}
	query += ` ORDER BY created_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	if filter.Offset > 0 {
		query += ` OFFSET ?`
		args = append(args, filter.Offset)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list work items")
	}
	defer rows.Close()

	var items []model.WorkItem
	for rows.Next() {
		w, err := scanWorkItem(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan work item")
		}
		items = append(items, *w)
	}
	return items, eris.Wrap(rows.Err(), "sqlite: list work items iterate")
}

func (s *SQLiteStore) MutateWorkItem(ctx context.Context, id string, fn func(item *model.WorkItem) error) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := getWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		if err := fn(w); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := sqliteUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	return out, err
}

func (s *SQLiteStore) CloseWorkItem(ctx context.Context, id string, now time.Time) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := getWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, id), id)
		if err != nil {
			return err
		}
		if err := w.Close(now); err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := sqliteUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE hitl_requests SET state = ?, resolved_at = ? WHERE work_item_id = ? AND state IN (?, ?)`,
			string(model.HitlRejected), now.UTC(), id, string(model.HitlPending), string(model.HitlClaimed),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: reject open hitl requests for %s", id)
		}
		out = w
		return nil
	})
	return out, err
}

func sqliteUpdateWorkItem(ctx context.Context, tx *sql.Tx, w *model.WorkItem) error {
	res, err := tx.ExecContext(ctx,
		`UPDATE work_items SET state = ?, confidence_band = ?, owner_type = ?, owner_id = ?,
		 resolution_lock = ?, updated_at = ?, closed_at = ? WHERE id = ?`,
		string(w.State), string(w.ConfidenceBand), string(w.OwnerType), w.OwnerID,
		w.ResolutionLock, w.UpdatedAt.UTC(), timeArg(w.ClosedAt), w.ID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: update work item %s", w.ID)
	}
	return checkRowsAffected(res, "work item", w.ID)
}

// --- HITL ---

func (s *SQLiteStore) EscalateWorkItem(ctx context.Context, workItemID string, fn EscalateFunc) (*model.HitlRequest, error) {
	var out *model.HitlRequest
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		w, err := getWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, workItemID), workItemID)
		if err != nil {
			return err
		}
		req, err := fn(w)
		if err != nil {
			return err
		}
		w.UpdatedAt = time.Now().UTC()
		if err := sqliteUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO hitl_requests (`+hitlColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			req.ID, req.TenantID, req.WorkItemID, req.Reason, contextArg(req.Context), string(req.State),
			req.ClaimedBy, timeArg(req.ClaimedAt), req.CreatedAt.UTC(), timeArg(req.ResolvedAt),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert hitl request")
		}
		out = req
		return nil
	})
	return out, err
}

func (s *SQLiteStore) GetHitlRequest(ctx context.Context, id string) (*model.HitlRequest, error) {
	return getHitl(s.db.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id = ?`, id), id)
}

func getHitl(row scannable, id string) (*model.HitlRequest, error) {
	r, err := scanHitl(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, eris.Wrapf(model.ErrNotFound, "sqlite: hitl request %s", id)
	}
	return r, eris.Wrapf(err, "sqlite: get hitl request %s", id)
}

func (s *SQLiteStore) ListPendingHitl(ctx context.Context, tenantID string) ([]model.HitlRequest, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+hitlColumns+` FROM hitl_requests WHERE tenant_id = ? AND state = ?
		 ORDER BY created_at ASC, rowid ASC`,
		tenantID, string(model.HitlPending),
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list pending hitl")
	}
	defer rows.Close()

	var out []model.HitlRequest
	for rows.Next() {
		r, err := scanHitl(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan hitl request")
		}
		out = append(out, *r)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list pending hitl iterate")
}

func (s *SQLiteStore) CountPendingHitl(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM hitl_requests WHERE state = ?`, string(model.HitlPending)).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count pending hitl")
}

func (s *SQLiteStore) ClaimHitlRequest(ctx context.Context, id, agentID string, at time.Time) (*model.HitlRequest, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE hitl_requests SET state = ?, claimed_by = ?, claimed_at = ? WHERE id = ? AND state = ?`,
		string(model.HitlClaimed), agentID, at.UTC(), id, string(model.HitlPending),
	)
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: claim hitl request %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: rows affected")
	}

	current, err := s.GetHitlRequest(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == 0 {
		// Lost the race or was never pending.
		return nil, current.Claim(agentID, at)
	}
	return current, nil
}

func (s *SQLiteStore) ResolveHitl(ctx context.Context, decision *model.HitlDecision, fn ResolveFunc) (*model.WorkItem, error) {
	var out *model.WorkItem
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		req, err := getHitl(tx.QueryRowContext(ctx, `SELECT `+hitlColumns+` FROM hitl_requests WHERE id = ?`, decision.RequestID), decision.RequestID)
		if err != nil {
			return err
		}
		w, err := getWorkItem(tx.QueryRowContext(ctx, `SELECT `+workItemColumns+` FROM work_items WHERE id = ?`, req.WorkItemID), req.WorkItemID)
		if err != nil {
			return err
		}
		prev := req.State
		if err := fn(req, w); err != nil {
			return err
		}

		res, err := tx.ExecContext(ctx,
			`UPDATE hitl_requests SET state = ?, resolved_at = ? WHERE id = ? AND state = ?`,
			string(req.State), timeArg(req.ResolvedAt), req.ID, string(prev),
		)
		if err != nil {
			return eris.Wrapf(err, "sqlite: update hitl request %s", req.ID)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return &model.TransitionError{Entity: "hitl request", ID: req.ID, Op: "resolve", From: "changed concurrently"}
		}

		w.UpdatedAt = time.Now().UTC()
		if err := sqliteUpdateWorkItem(ctx, tx, w); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx,
			`INSERT INTO hitl_decisions (`+decisionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
			decision.ID, decision.RequestID, decision.AgentID, string(decision.Outcome),
			decision.ModifiedDraft, decision.FeedbackNotes, decision.CreatedAt.UTC(),
		)
		if err != nil {
			return eris.Wrap(err, "sqlite: insert hitl decision")
		}
		out = w
		return nil
	})
	return out, err
}

func (s *SQLiteStore) ListDecisions(ctx context.Context, requestID string) ([]model.HitlDecision, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+decisionColumns+` FROM hitl_decisions WHERE request_id = ? ORDER BY created_at ASC, rowid ASC`,
		requestID,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list decisions")
	}
	defer rows.Close()

	var out []model.HitlDecision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan decision")
		}
		out = append(out, *d)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list decisions iterate")
}

// --- Safety flags ---

func (s *SQLiteStore) GetSafetyFlag(ctx context.Context, key string) (*model.SafetyFlag, error) {
	var f model.SafetyFlag
	var by sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT key, value, updated_at, updated_by FROM safety_flags WHERE key = ?`, key,
	).Scan(&f.Key, &f.Value, &f.UpdatedAt, &by)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, eris.Wrapf(err, "sqlite: get safety flag %s", key)
	}
	f.UpdatedBy = by.String
	f.UpdatedAt = f.UpdatedAt.UTC()
	return &f, nil
}

func (s *SQLiteStore) SetSafetyFlag(ctx context.Context, flag *model.SafetyFlag) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO safety_flags (key, value, updated_at, updated_by) VALUES (?, ?, ?, ?)
		 ON CONFLICT (key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at, updated_by = excluded.updated_by`,
		flag.Key, flag.Value, flag.UpdatedAt.UTC(), flag.UpdatedBy,
	)
	return eris.Wrapf(err, "sqlite: set safety flag %s", flag.Key)
}

// --- Ingestion runs ---

func (s *SQLiteStore) CreateIngestRun(ctx context.Context, tenantID, userID string) (*model.IngestRun, error) {
	run := &model.IngestRun{
		ID:        uuid.New().String(),
		TenantID:  tenantID,
		UserID:    userID,
		Status:    model.RunStatusRunning,
		StartedAt: time.Now().UTC(),
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO ingest_runs (id, tenant_id, user_id, status, started_at) VALUES (?, ?, ?, ?, ?)`,
		run.ID, run.TenantID, run.UserID, string(run.Status), run.StartedAt,
	)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: insert ingest run")
	}
	return run, nil
}

func (s *SQLiteStore) CompleteIngestRun(ctx context.Context, runID string, metrics model.RunMetrics) error {
	return s.finishRun(ctx, runID, model.RunStatusComplete, metrics, "")
}

func (s *SQLiteStore) FailIngestRun(ctx context.Context, runID string, metrics model.RunMetrics, errMsg string) error {
	return s.finishRun(ctx, runID, model.RunStatusFailed, metrics, errMsg)
}

func (s *SQLiteStore) finishRun(ctx context.Context, runID string, status model.RunStatus, metrics model.RunMetrics, errMsg string) error {
	metricsJSON, err := json.Marshal(metrics)
	if err != nil {
		return eris.Wrap(err, "sqlite: marshal run metrics")
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_runs SET status = ?, metrics = ?, error = ?, finished_at = ? WHERE id = ?`,
		string(status), string(metricsJSON), errMsg, time.Now().UTC(), runID,
	)
	if err != nil {
		return eris.Wrapf(err, "sqlite: finish ingest run %s", runID)
	}
	return checkRowsAffected(res, "ingest run", runID)
}

func (s *SQLiteStore) ListIngestRuns(ctx context.Context, filter RunFilter) ([]model.IngestRun, error) {
	query := `SELECT ` + runColumns + ` FROM ingest_runs WHERE 1=1`
	var args []any

	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}
	if !filter.StartedAfter.IsZero() {
		query += ` AND started_at >= ?`
		args = append(args, filter.StartedAfter.UTC())
	}
	query += ` ORDER BY started_at DESC`

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list ingest runs")
	}
	defer rows.Close()

	var runs []model.IngestRun
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan ingest run")
		}
		runs = append(runs, *r)
	}
	return runs, eris.Wrap(rows.Err(), "sqlite: list ingest runs iterate")
}

// --- Dead letter queue ---

func (s *SQLiteStore) EnqueueFailedRecord(ctx context.Context, rec *model.FailedRecord) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO failed_records (`+failedColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.TenantID, rec.RunID, rec.ExternalID, rec.Error, rec.ErrorType, rec.CreatedAt.UTC(),
	)
	return eris.Wrap(err, "sqlite: enqueue failed record")
}

func (s *SQLiteStore) ListFailedRecords(ctx context.Context, filter DLQFilter) ([]model.FailedRecord, error) {
	query := `SELECT ` + failedColumns + ` FROM failed_records WHERE 1=1`
	var args []any
	if filter.TenantID != "" {
		query += ` AND tenant_id = ?`
		args = append(args, filter.TenantID)
	}
	if filter.ErrorType != "" {
		query += ` AND error_type = ?`
		args = append(args, filter.ErrorType)
	}
	query += ` ORDER BY created_at DESC`
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, eris.Wrap(err, "sqlite: list failed records")
	}
	defer rows.Close()

	var out []model.FailedRecord
	for rows.Next() {
		f, err := scanFailed(rows)
		if err != nil {
			return nil, eris.Wrap(err, "sqlite: scan failed record")
		}
		out = append(out, *f)
	}
	return out, eris.Wrap(rows.Err(), "sqlite: list failed records iterate")
}

func (s *SQLiteStore) CountDLQ(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM failed_records`).Scan(&n)
	return n, eris.Wrap(err, "sqlite: count dlq")
}

// --- helpers ---

func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return eris.Wrap(err, "sqlite: begin tx")
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return eris.Wrap(tx.Commit(), "sqlite: commit tx")
}

func isSQLiteUnique(err error) bool {
	var se *sqlite.Error
	if !errors.As(err, &se) {
		return false
	}
	return se.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE || se.Code() == sqlite3.SQLITE_CONSTRAINT_PRIMARYKEY
}

func checkRowsAffected(res sql.Result, entity, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return eris.Wrap(err, "rows affected")
	}
	if n == 0 {
		return eris.Wrapf(model.ErrNotFound, "%s %s", entity, id)
	}
	return nil
}
