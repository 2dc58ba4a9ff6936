package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/R3E-Network/sessionpay/internal/app/domain/attestation"
	"github.com/R3E-Network/sessionpay/internal/app/domain/pricefeed"
	"github.com/R3E-Network/sessionpay/internal/app/domain/session"
	"github.com/R3E-Network/sessionpay/internal/app/storage"
	"github.com/R3E-Network/sessionpay/internal/chain"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
)

// Store implements the storage interfaces backed by PostgreSQL.
type Store struct {
	db *sqlx.DB
}

var _ storage.SessionStore = (*Store)(nil)
var _ storage.EventStore = (*Store)(nil)
var _ storage.AttestationStore = (*Store)(nil)
var _ storage.PriceFeedStore = (*Store)(nil)

// New creates a Store using the provided database handle.
func New(db *sql.DB) *Store {
	return &Store{db: sqlx.NewDb(db, "postgres")}
}

// Open connects with lib/pq and verifies the connection.
func Open(ctx context.Context, dsn string) (*Store, *sql.DB, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{db: db}, db.DB, nil
}

const uniqueViolation = "23505"

func translate(err error, what string) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%s: %w", what, storage.ErrNotFound)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == uniqueViolation {
		return fmt.Errorf("%s: %w", what, storage.ErrExists)
	}
	return err
}

// --- SessionStore -----------------------------------------------------------

type sessionRow struct {
	RequestID chain.Hash    `db:"request_id"`
	Payer     chain.Address `db:"payer"`
	Provider  chain.Address `db:"provider"`
	Token     chain.Address `db:"token"`
	Amount    string        `db:"amount"`
	CreatedAt time.Time     `db:"created_at"`
	Settled   bool          `db:"settled"`
	Outcome   string        `db:"outcome"`
	Model     string        `db:"model"`
	InputHash chain.Hash    `db:"input_hash"`
	OutputRef string        `db:"output_ref"`
	SettledAt sql.NullTime  `db:"settled_at"`
}

const sessionColumns = `request_id, payer, provider, token, amount, created_at, settled, outcome, model, input_hash, output_ref, settled_at`

func (r sessionRow) toDomain() (session.Session, error) {
	amount, ok := new(big.Int).SetString(r.Amount, 10)
	if !ok {
		return session.Session{}, fmt.Errorf("session %s: invalid stored amount %q", r.RequestID, r.Amount)
	}
	s := session.Session{
		RequestID: r.RequestID,
		Payer:     r.Payer,
		Provider:  r.Provider,
		Token:     r.Token,
		Amount:    amount,
		CreatedAt: r.CreatedAt.UTC(),
		Settled:   r.Settled,
		Outcome:   session.Outcome(r.Outcome),
		Model:     r.Model,
		InputHash: r.InputHash,
		OutputRef: r.OutputRef,
	}
	if r.SettledAt.Valid {
		s.SettledAt = r.SettledAt.Time.UTC()
	}
	return s, nil
}

func (s *Store) CreateSession(ctx context.Context, sess session.Session) (session.Session, error) {
	if sess.Outcome == "" {
		sess.Outcome = session.OutcomeNone
	}
	amount := "0"
	if sess.Amount != nil {
		amount = sess.Amount.String()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_sessions (`+sessionColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NULL)
	`, sess.RequestID, sess.Payer, sess.Provider, sess.Token, amount, sess.CreatedAt,
		sess.Settled, string(sess.Outcome), sess.Model, sess.InputHash, sess.OutputRef)
	if err != nil {
		return session.Session{}, translate(err, "session "+sess.RequestID.Hex())
	}
	return sess.Clone(), nil
}

func (s *Store) GetSession(ctx context.Context, requestID chain.Hash) (session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		SELECT `+sessionColumns+`
		FROM sessionpay_sessions
		WHERE request_id = $1
	`, requestID)
	if err != nil {
		return session.Session{}, translate(err, "session "+requestID.Hex())
	}
	return row.toDomain()
}

func (s *Store) SettleSession(ctx context.Context, st session.Settlement) (session.Session, error) {
	var row sessionRow
	err := s.db.GetContext(ctx, &row, `
		UPDATE sessionpay_sessions
		SET settled = true, outcome = $2, settled_at = $3,
		    output_ref = CASE WHEN $4 = '' THEN output_ref ELSE $4 END
		WHERE request_id = $1 AND settled = false
		RETURNING `+sessionColumns, st.RequestID, string(st.Outcome), st.SettledAt, st.OutputRef)
	if errors.Is(err, sql.ErrNoRows) {
		// Distinguish a missing session from one that was already settled.
		if _, getErr := s.GetSession(ctx, st.RequestID); getErr != nil {
			return session.Session{}, getErr
		}
		return session.Session{}, fmt.Errorf("session %s: %w", st.RequestID, storage.ErrAlreadySettled)
	}
	if err != nil {
		return session.Session{}, err
	}
	return row.toDomain()
}

func (s *Store) ListSessions(ctx context.Context, filter session.Filter) ([]session.Session, error) {
	var (
		clauses []string
		args    []any
	)
	if !filter.Payer.IsZero() {
		args = append(args, filter.Payer)
		clauses = append(clauses, fmt.Sprintf("payer = $%d", len(args)))
	}
	if !filter.Provider.IsZero() {
		args = append(args, filter.Provider)
		clauses = append(clauses, fmt.Sprintf("provider = $%d", len(args)))
	}
	if filter.Settled != nil {
		args = append(args, *filter.Settled)
		clauses = append(clauses, fmt.Sprintf("settled = $%d", len(args)))
	}

	query := `SELECT ` + sessionColumns + ` FROM sessionpay_sessions`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, request_id`
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []sessionRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]session.Session, 0, len(rows))
	for _, r := range rows {
		sess, err := r.toDomain()
		if err != nil {
			return nil, err
		}
		result = append(result, sess)
	}
	return result, nil
}

func (s *Store) DeleteSession(ctx context.Context, requestID chain.Hash) error {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM sessionpay_sessions
		WHERE request_id = $1 AND settled = false
	`, requestID)
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", requestID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) ReopenSession(ctx context.Context, requestID chain.Hash) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE sessionpay_sessions
		SET settled = false, outcome = $2, output_ref = '', settled_at = NULL
		WHERE request_id = $1
	`, requestID, string(session.OutcomeNone))
	if err != nil {
		return err
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("session %s: %w", requestID, storage.ErrNotFound)
	}
	return nil
}

func (s *Store) LoadEngineState(ctx context.Context) (session.EngineState, bool, error) {
	var row struct {
		Owner       chain.Address `db:"owner"`
		Paused      bool          `db:"paused"`
		RefundDelay int64         `db:"refund_delay_seconds"`
	}
	err := s.db.GetContext(ctx, &row, `
		SELECT owner, paused, refund_delay_seconds
		FROM sessionpay_engine_state
		WHERE id = 1
	`)
	if errors.Is(err, sql.ErrNoRows) {
		return session.EngineState{}, false, nil
	}
	if err != nil {
		return session.EngineState{}, false, err
	}
	return session.EngineState{
		Owner:       row.Owner,
		Paused:      row.Paused,
		RefundDelay: time.Duration(row.RefundDelay) * time.Second,
	}, true, nil
}

func (s *Store) SaveEngineState(ctx context.Context, st session.EngineState) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_engine_state (id, owner, paused, refund_delay_seconds, updated_at)
		VALUES (1, $1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE
		SET owner = EXCLUDED.owner, paused = EXCLUDED.paused,
		    refund_delay_seconds = EXCLUDED.refund_delay_seconds, updated_at = EXCLUDED.updated_at
	`, st.Owner, st.Paused, int64(st.RefundDelay/time.Second), time.Now().UTC())
	return err
}

// --- EventStore -------------------------------------------------------------

func (s *Store) AppendEvents(ctx context.Context, events []session.Event) ([]session.Event, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	out := make([]session.Event, 0, len(events))
	for _, evt := range events {
		payload, err := json.Marshal(evt)
		if err != nil {
			return nil, err
		}
		var requestID any
		if !evt.RequestID.IsZero() {
			requestID = evt.RequestID
		}
		var seq uint64
		if err := tx.GetContext(ctx, &seq, `
			INSERT INTO sessionpay_events (type, request_id, payload, tx_hash, block, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING seq
		`, string(evt.Type), requestID, payload, evt.TxHash, evt.Block, evt.Timestamp); err != nil {
			return nil, err
		}
		evt = evt.Clone()
		evt.Seq = seq
		out = append(out, evt)
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *Store) ListEvents(ctx context.Context, filter session.EventFilter) ([]session.Event, error) {
	args := []any{filter.SinceSeq}
	query := `SELECT seq, payload FROM sessionpay_events WHERE seq > $1`
	if !filter.RequestID.IsZero() {
		args = append(args, filter.RequestID)
		query += fmt.Sprintf(" AND request_id = $%d", len(args))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		query += fmt.Sprintf(" AND type = $%d", len(args))
	}
	query += " ORDER BY seq"
	if filter.Limit > 0 {
		args = append(args, filter.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	var rows []struct {
		Seq     uint64 `db:"seq"`
		Payload []byte `db:"payload"`
	}
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]session.Event, 0, len(rows))
	for _, r := range rows {
		var evt session.Event
		if err := json.Unmarshal(r.Payload, &evt); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", r.Seq, err)
		}
		evt.Seq = r.Seq
		result = append(result, evt)
	}
	return result, nil
}

// --- AttestationStore -------------------------------------------------------

func (s *Store) CreateSchema(ctx context.Context, schema attestation.Schema) (attestation.Schema, error) {
	if schema.CreatedAt.IsZero() {
		schema.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_schemas (uid, schema, resolver, revocable, registrar, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, schema.UID, schema.Schema, schema.Resolver, schema.Revocable, schema.Registrar, schema.CreatedAt)
	if err != nil {
		return attestation.Schema{}, translate(err, "schema "+schema.UID.Hex())
	}
	return schema, nil
}

func (s *Store) GetSchema(ctx context.Context, uid chain.Hash) (attestation.Schema, error) {
	var schema attestation.Schema
	row := s.db.QueryRowxContext(ctx, `
		SELECT uid, schema, resolver, revocable, registrar, created_at
		FROM sessionpay_schemas
		WHERE uid = $1
	`, uid)
	if err := row.Scan(&schema.UID, &schema.Schema, &schema.Resolver, &schema.Revocable, &schema.Registrar, &schema.CreatedAt); err != nil {
		return attestation.Schema{}, translate(err, "schema "+uid.Hex())
	}
	return schema, nil
}

type attestationRow struct {
	UID            chain.Hash    `db:"uid"`
	SchemaUID      chain.Hash    `db:"schema_uid"`
	Recipient      chain.Address `db:"recipient"`
	Attester       chain.Address `db:"attester"`
	RefUID         chain.Hash    `db:"ref_uid"`
	Revocable      bool          `db:"revocable"`
	ExpirationTime sql.NullTime  `db:"expiration_time"`
	RevocationTime sql.NullTime  `db:"revocation_time"`
	Data           []byte        `db:"data"`
	CreatedAt      time.Time     `db:"created_at"`
}

const attestationColumns = `uid, schema_uid, recipient, attester, ref_uid, revocable, expiration_time, revocation_time, data, created_at`

func (r attestationRow) toDomain() attestation.Attestation {
	att := attestation.Attestation{
		UID:       r.UID,
		SchemaUID: r.SchemaUID,
		Recipient: r.Recipient,
		Attester:  r.Attester,
		RefUID:    r.RefUID,
		Revocable: r.Revocable,
		Data:      r.Data,
		CreatedAt: r.CreatedAt.UTC(),
	}
	if r.ExpirationTime.Valid {
		att.ExpirationTime = r.ExpirationTime.Time.UTC()
	}
	if r.RevocationTime.Valid {
		att.RevocationTime = r.RevocationTime.Time.UTC()
	}
	return att
}

func nullTime(t time.Time) sql.NullTime {
	return sql.NullTime{Time: t, Valid: !t.IsZero()}
}

func (s *Store) CreateAttestation(ctx context.Context, att attestation.Attestation) (attestation.Attestation, error) {
	if att.CreatedAt.IsZero() {
		att.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_attestations (`+attestationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`, att.UID, att.SchemaUID, att.Recipient, att.Attester, att.RefUID, att.Revocable,
		nullTime(att.ExpirationTime), nullTime(att.RevocationTime), att.Data, att.CreatedAt)
	if err != nil {
		return attestation.Attestation{}, translate(err, "attestation "+att.UID.Hex())
	}
	return att, nil
}

func (s *Store) GetAttestation(ctx context.Context, uid chain.Hash) (attestation.Attestation, error) {
	var row attestationRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT `+attestationColumns+`
		FROM sessionpay_attestations
		WHERE uid = $1
	`, uid); err != nil {
		return attestation.Attestation{}, translate(err, "attestation "+uid.Hex())
	}
	return row.toDomain(), nil
}

func (s *Store) ListAttestations(ctx context.Context, recipient chain.Address) ([]attestation.Attestation, error) {
	var rows []attestationRow
	var err error
	if recipient.IsZero() {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+attestationColumns+`
			FROM sessionpay_attestations
			ORDER BY created_at
		`)
	} else {
		err = s.db.SelectContext(ctx, &rows, `
			SELECT `+attestationColumns+`
			FROM sessionpay_attestations
			WHERE recipient = $1
			ORDER BY created_at
		`, recipient)
	}
	if err != nil {
		return nil, err
	}
	result := make([]attestation.Attestation, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

// --- PriceFeedStore ---------------------------------------------------------

type feedRow struct {
	ID               string    `db:"id"`
	BaseAsset        string    `db:"base_asset"`
	QuoteAsset       string    `db:"quote_asset"`
	Pair             string    `db:"pair"`
	SourceURL        string    `db:"source_url"`
	PricePath        string    `db:"price_path"`
	DeviationPercent float64   `db:"deviation_percent"`
	Heartbeat        string    `db:"heartbeat"`
	Active           bool      `db:"active"`
	CreatedAt        time.Time `db:"created_at"`
	UpdatedAt        time.Time `db:"updated_at"`
}

const feedColumns = `id, base_asset, quote_asset, pair, source_url, price_path, deviation_percent, heartbeat, active, created_at, updated_at`

func (r feedRow) toDomain() pricefeed.Feed {
	return pricefeed.Feed{
		ID:               r.ID,
		BaseAsset:        r.BaseAsset,
		QuoteAsset:       r.QuoteAsset,
		Pair:             r.Pair,
		SourceURL:        r.SourceURL,
		PricePath:        r.PricePath,
		DeviationPercent: r.DeviationPercent,
		Heartbeat:        r.Heartbeat,
		Active:           r.Active,
		CreatedAt:        r.CreatedAt.UTC(),
		UpdatedAt:        r.UpdatedAt.UTC(),
	}
}

func (s *Store) CreatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	if feed.ID == "" {
		feed.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	feed.CreatedAt = now
	feed.UpdatedAt = now

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_price_feeds (`+feedColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, feed.ID, feed.BaseAsset, feed.QuoteAsset, feed.Pair, feed.SourceURL, feed.PricePath,
		feed.DeviationPercent, feed.Heartbeat, feed.Active, feed.CreatedAt, feed.UpdatedAt)
	if err != nil {
		return pricefeed.Feed{}, translate(err, "price feed "+feed.Pair)
	}
	return feed, nil
}

func (s *Store) UpdatePriceFeed(ctx context.Context, feed pricefeed.Feed) (pricefeed.Feed, error) {
	existing, err := s.GetPriceFeed(ctx, feed.ID)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	feed.CreatedAt = existing.CreatedAt
	feed.UpdatedAt = time.Now().UTC()

	_, err = s.db.ExecContext(ctx, `
		UPDATE sessionpay_price_feeds
		SET source_url = $2, price_path = $3, deviation_percent = $4, heartbeat = $5, active = $6, updated_at = $7
		WHERE id = $1
	`, feed.ID, feed.SourceURL, feed.PricePath, feed.DeviationPercent, feed.Heartbeat, feed.Active, feed.UpdatedAt)
	if err != nil {
		return pricefeed.Feed{}, err
	}
	return feed, nil
}

func (s *Store) GetPriceFeed(ctx context.Context, id string) (pricefeed.Feed, error) {
	var row feedRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+feedColumns+` FROM sessionpay_price_feeds WHERE id = $1`, id); err != nil {
		return pricefeed.Feed{}, translate(err, "price feed "+id)
	}
	return row.toDomain(), nil
}

func (s *Store) GetPriceFeedByPair(ctx context.Context, pair string) (pricefeed.Feed, error) {
	var row feedRow
	if err := s.db.GetContext(ctx, &row, `SELECT `+feedColumns+` FROM sessionpay_price_feeds WHERE upper(pair) = upper($1)`, pair); err != nil {
		return pricefeed.Feed{}, translate(err, "price feed "+pair)
	}
	return row.toDomain(), nil
}

func (s *Store) ListPriceFeeds(ctx context.Context) ([]pricefeed.Feed, error) {
	var rows []feedRow
	if err := s.db.SelectContext(ctx, &rows, `SELECT `+feedColumns+` FROM sessionpay_price_feeds ORDER BY pair`); err != nil {
		return nil, err
	}
	result := make([]pricefeed.Feed, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

type snapshotRow struct {
	ID          string    `db:"id"`
	FeedID      string    `db:"feed_id"`
	Pair        string    `db:"pair"`
	Price       float64   `db:"price"`
	Source      string    `db:"source"`
	CollectedAt time.Time `db:"collected_at"`
	CreatedAt   time.Time `db:"created_at"`
}

func (r snapshotRow) toDomain() pricefeed.Snapshot {
	return pricefeed.Snapshot{
		ID:          r.ID,
		FeedID:      r.FeedID,
		Pair:        r.Pair,
		Price:       r.Price,
		Source:      r.Source,
		CollectedAt: r.CollectedAt.UTC(),
		CreatedAt:   r.CreatedAt.UTC(),
	}
}

func (s *Store) CreatePriceSnapshot(ctx context.Context, snap pricefeed.Snapshot) (pricefeed.Snapshot, error) {
	if snap.ID == "" {
		snap.ID = uuid.NewString()
	}
	now := time.Now().UTC()
	snap.CreatedAt = now
	if snap.CollectedAt.IsZero() {
		snap.CollectedAt = now
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO sessionpay_price_snapshots (id, feed_id, pair, price, source, collected_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, snap.ID, snap.FeedID, snap.Pair, snap.Price, snap.Source, snap.CollectedAt, snap.CreatedAt)
	if err != nil {
		return pricefeed.Snapshot{}, translate(err, "snapshot "+snap.ID)
	}
	return snap, nil
}

func (s *Store) ListPriceSnapshots(ctx context.Context, feedID string, limit int) ([]pricefeed.Snapshot, error) {
	query := `
		SELECT id, feed_id, pair, price, source, collected_at, created_at
		FROM sessionpay_price_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC`
	args := []any{feedID}
	if limit > 0 {
		query += ` LIMIT $2`
		args = append(args, limit)
	}
	var rows []snapshotRow
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, err
	}
	result := make([]pricefeed.Snapshot, 0, len(rows))
	for _, r := range rows {
		result = append(result, r.toDomain())
	}
	return result, nil
}

func (s *Store) LatestPriceSnapshot(ctx context.Context, feedID string) (pricefeed.Snapshot, error) {
	var row snapshotRow
	if err := s.db.GetContext(ctx, &row, `
		SELECT id, feed_id, pair, price, source, collected_at, created_at
		FROM sessionpay_price_snapshots
		WHERE feed_id = $1
		ORDER BY collected_at DESC
		LIMIT 1
	`, feedID); err != nil {
		return pricefeed.Snapshot{}, translate(err, "snapshot for feed "+feedID)
	}
	return row.toDomain(), nil
}
