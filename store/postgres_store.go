package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/clubpass/club-pass-bot/types"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jackc/pgx/v5/stdlib"
	"github.com/pressly/goose/v3"
)

type PostgresStore struct {
	pool *pgxpool.Pool
}

const (
	queryTimeout = 5 * time.Second
	txTimeout    = 10 * time.Second
)

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		dsn = buildPostgresDSNFromEnv()
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	s := &PostgresStore{pool: pool}
	if err := s.runMigrations(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PostgresStore) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func buildPostgresDSNFromEnv() string {
	host := strings.TrimSpace(os.Getenv("POSTGRES_HOST"))
	if host == "" {
		host = "localhost"
	}
	port := strings.TrimSpace(os.Getenv("POSTGRES_PORT"))
	if port == "" {
		port = "5432"
	}
	db := strings.TrimSpace(os.Getenv("POSTGRES_DB"))
	if db == "" {
		db = "club_pass"
	}
	user := strings.TrimSpace(os.Getenv("POSTGRES_USER"))
	if user == "" {
		user = "club_pass"
	}
	pass := os.Getenv("POSTGRES_PASSWORD")
	return fmt.Sprintf("postgres://%s:%s@%s:%s/%s?sslmode=disable", urlEscape(user), urlEscape(pass), host, port, db)
}

func urlEscape(s string) string {
	r := strings.NewReplacer(
		"%", "%25",
		":", "%3A",
		"/", "%2F",
		"@", "%40",
		"?", "%3F",
		"#", "%23",
		"[", "%5B",
		"]", "%5D",
	)
	return r.Replace(s)
}

func (s *PostgresStore) runMigrations(ctx context.Context) error {
	db := stdlib.OpenDB(*s.pool.Config().ConnConfig)
	defer db.Close()

	if err := goose.SetDialect("postgres"); err != nil {
		return err
	}
	return goose.UpContext(ctx, db, "migrations")
}

func isUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505" && pgErr.ConstraintName == constraint
}

func (s *PostgresStore) UpsertSubscriber(ctx context.Context, sub types.Subscriber) (*types.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var out types.Subscriber
	err := s.pool.QueryRow(ctx, `
INSERT INTO subscribers (telegram_user_id, username, first_name)
VALUES ($1, $2, $3)
ON CONFLICT (telegram_user_id) DO UPDATE SET
  username = EXCLUDED.username,
  first_name = EXCLUDED.first_name,
  updated_at = NOW()
RETURNING id, telegram_user_id, username, first_name, created_at, updated_at
`, sub.TelegramUserID, strings.TrimSpace(sub.Username), strings.TrimSpace(sub.FirstName)).
		Scan(&out.ID, &out.TelegramUserID, &out.Username, &out.FirstName, &out.CreatedAt, &out.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetSubscriberByTelegramID(ctx context.Context, telegramUserID int64) (*types.Subscriber, error) {
	return s.getSubscriber(ctx, `WHERE telegram_user_id = $1`, telegramUserID)
}

func (s *PostgresStore) GetSubscriber(ctx context.Context, id int64) (*types.Subscriber, error) {
	return s.getSubscriber(ctx, `WHERE id = $1`, id)
}

func (s *PostgresStore) getSubscriber(ctx context.Context, where string, arg any) (*types.Subscriber, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var out types.Subscriber
	err := s.pool.QueryRow(ctx, `
SELECT id, telegram_user_id, username, first_name, created_at, updated_at
FROM subscribers
`+where, arg).Scan(&out.ID, &out.TelegramUserID, &out.Username, &out.FirstName, &out.CreatedAt, &out.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &out, nil
}

func (s *PostgresStore) GetPlan(ctx context.Context, id int64) (*types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var p types.Plan
	err := s.pool.QueryRow(ctx, `
SELECT id, name, description, price, duration_days, channel_id, created_at
FROM plans
WHERE id = $1
`, id).Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.DurationDays, &p.ChannelID, &p.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *PostgresStore) ListPlans(ctx context.Context) ([]*types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, name, description, price, duration_days, channel_id, created_at
FROM plans
ORDER BY price, id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	plans := make([]*types.Plan, 0)
	for rows.Next() {
		var p types.Plan
		if err := rows.Scan(&p.ID, &p.Name, &p.Description, &p.Price, &p.DurationDays, &p.ChannelID, &p.CreatedAt); err != nil {
			return nil, err
		}
		plans = append(plans, &p)
	}
	return plans, rows.Err()
}

func (s *PostgresStore) UpsertPlan(ctx context.Context, p types.Plan) (*types.Plan, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var out types.Plan
	err := s.pool.QueryRow(ctx, `
INSERT INTO plans (name, description, price, duration_days, channel_id)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (name) DO UPDATE SET
  description = EXCLUDED.description,
  price = EXCLUDED.price,
  duration_days = EXCLUDED.duration_days,
  channel_id = EXCLUDED.channel_id
RETURNING id, name, description, price, duration_days, channel_id, created_at
`, strings.TrimSpace(p.Name), strings.TrimSpace(p.Description), p.Price, p.DurationDays, p.ChannelID).
		Scan(&out.ID, &out.Name, &out.Description, &out.Price, &out.DurationDays, &out.ChannelID, &out.CreatedAt)
	if err != nil {
		return nil, err
	}
	return &out, nil
}

const subscriptionColumns = `id, subscriber_id, plan_id, channel_id, start_date, end_date, is_active,
invite_link, payment_charge_id, reminder_sent, expiry_notice_sent, terminal_reason, created_at, updated_at`

func scanSubscription(row pgx.Row) (*types.Subscription, error) {
	var sub types.Subscription
	err := row.Scan(&sub.ID, &sub.SubscriberID, &sub.PlanID, &sub.ChannelID, &sub.StartDate, &sub.EndDate,
		&sub.IsActive, &sub.InviteLink, &sub.PaymentChargeID, &sub.ReminderSent, &sub.ExpiryNoticeSent,
		&sub.TerminalReason, &sub.CreatedAt, &sub.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sub, nil
}

func (s *PostgresStore) InsertSubscription(ctx context.Context, sub *types.Subscription) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	err := s.pool.QueryRow(ctx, `
INSERT INTO subscriptions (subscriber_id, plan_id, channel_id, start_date, end_date, is_active,
  invite_link, payment_charge_id, reminder_sent, expiry_notice_sent, terminal_reason)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
RETURNING id, created_at, updated_at
`, sub.SubscriberID, sub.PlanID, sub.ChannelID, sub.StartDate, sub.EndDate, sub.IsActive,
		sub.InviteLink, sub.PaymentChargeID, sub.ReminderSent, sub.ExpiryNoticeSent, sub.TerminalReason).
		Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if isUniqueViolation(err, "subscriptions_one_active") {
		return types.ErrActiveExists
	}
	if isUniqueViolation(err, "subscriptions_charge_id") {
		return types.ErrDuplicateCharge
	}
	return err
}

func (s *PostgresStore) GetSubscription(ctx context.Context, id int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE id = $1
`, id))
}

func (s *PostgresStore) GetActiveSubscription(ctx context.Context, subscriberID, channelID int64) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE subscriber_id = $1 AND channel_id = $2 AND is_active
`, subscriberID, channelID))
}

func (s *PostgresStore) ListActiveBySubscriber(ctx context.Context, subscriberID int64) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, `WHERE subscriber_id = $1 AND is_active ORDER BY end_date, id`, subscriberID)
}

func (s *PostgresStore) GetSubscriptionByChargeID(ctx context.Context, chargeID string) (*types.Subscription, error) {
	chargeID = strings.TrimSpace(chargeID)
	if chargeID == "" {
		return nil, types.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE payment_charge_id = $1
`, chargeID))
}

func (s *PostgresStore) GetSubscriptionByInviteLink(ctx context.Context, link string) (*types.Subscription, error) {
	link = strings.TrimSpace(link)
	if link == "" {
		return nil, types.ErrNotFound
	}
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return scanSubscription(s.pool.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE invite_link = $1
`, link))
}

func (s *PostgresStore) UpdateSubscription(ctx context.Context, sub *types.Subscription) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	tag, err := s.pool.Exec(ctx, `
UPDATE subscriptions SET
  start_date = $2,
  end_date = $3,
  is_active = $4,
  invite_link = $5,
  payment_charge_id = $6,
  reminder_sent = $7,
  expiry_notice_sent = $8,
  terminal_reason = $9,
  updated_at = NOW()
WHERE id = $1
`, sub.ID, sub.StartDate, sub.EndDate, sub.IsActive, sub.InviteLink, sub.PaymentChargeID,
		sub.ReminderSent, sub.ExpiryNoticeSent, sub.TerminalReason)
	if isUniqueViolation(err, "subscriptions_charge_id") {
		return types.ErrDuplicateCharge
	}
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return types.ErrNotFound
	}
	return nil
}

// ExtendSubscription adds days on top of max(end_date, now) under a row
// lock, so a replayed payment racing another extension cannot double-apply.
func (s *PostgresStore) ExtendSubscription(ctx context.Context, id int64, days int, resetReminder bool, chargeID string) (*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, txTimeout)
	defer cancel()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	now := time.Now().UTC()
	cur, err := scanSubscription(tx.QueryRow(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
WHERE id = $1
FOR UPDATE
`, id))
	if err != nil {
		return nil, err
	}

	chargeID = strings.TrimSpace(chargeID)
	if chargeID != "" && cur.PaymentChargeID == chargeID {
		return cur, types.ErrDuplicateCharge
	}

	base := now
	if cur.EndDate.After(base) {
		base = cur.EndDate
	}
	newEnd := base.AddDate(0, 0, days)

	keepCharge := cur.PaymentChargeID
	if chargeID != "" {
		keepCharge = chargeID
	}

	newReminder := cur.ReminderSent
	if resetReminder {
		newReminder = false
	}

	out, err := scanSubscription(tx.QueryRow(ctx, `
UPDATE subscriptions SET
  end_date = $2,
  is_active = TRUE,
  reminder_sent = $3,
  expiry_notice_sent = FALSE,
  terminal_reason = '',
  payment_charge_id = $4,
  updated_at = NOW()
WHERE id = $1
RETURNING `+subscriptionColumns+`
`, id, newEnd, newReminder, keepCharge))
	if isUniqueViolation(err, "subscriptions_charge_id") {
		return nil, types.ErrDuplicateCharge
	}
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *PostgresStore) ListExpiringWithin(ctx context.Context, now time.Time, window time.Duration) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, `
WHERE is_active AND end_date > $1 AND end_date <= $2
ORDER BY end_date, id`, now, now.Add(window))
}

func (s *PostgresStore) ListExpired(ctx context.Context, now time.Time) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, `
WHERE is_active AND end_date <= $1
ORDER BY end_date, id`, now)
}

func (s *PostgresStore) ListExpiredBetween(ctx context.Context, t0, t1 time.Time) ([]*types.Subscription, error) {
	return s.listSubscriptions(ctx, `
WHERE end_date > $1 AND end_date <= $2
ORDER BY end_date, id`, t0, t1)
}

func (s *PostgresStore) listSubscriptions(ctx context.Context, tail string, args ...any) ([]*types.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT `+subscriptionColumns+`
FROM subscriptions
`+tail, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	subs := make([]*types.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, err
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func (s *PostgresStore) InsertPaymentError(ctx context.Context, pe *types.PaymentError) error {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	return s.pool.QueryRow(ctx, `
INSERT INTO payment_errors (telegram_user_id, plan_id, charge_id, amount, currency,
  error_message, invoice_payload, raw_payload, stack_trace)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
RETURNING id, created_at
`, pe.TelegramUserID, pe.PlanID, strings.TrimSpace(pe.ChargeID), pe.Amount, strings.TrimSpace(pe.Currency),
		pe.ErrorMessage, pe.InvoicePayload, pe.RawPayload, pe.StackTrace).
		Scan(&pe.ID, &pe.CreatedAt)
}

func (s *PostgresStore) ListUnresolvedPaymentErrors(ctx context.Context) ([]*types.PaymentError, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	rows, err := s.pool.Query(ctx, `
SELECT id, telegram_user_id, plan_id, charge_id, amount, currency, error_message,
  invoice_payload, raw_payload, stack_trace, is_resolved, resolution_notes, resolved_at, created_at
FROM payment_errors
WHERE NOT is_resolved
ORDER BY created_at, id
`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]*types.PaymentError, 0)
	for rows.Next() {
		var pe types.PaymentError
		if err := rows.Scan(&pe.ID, &pe.TelegramUserID, &pe.PlanID, &pe.ChargeID, &pe.Amount, &pe.Currency,
			&pe.ErrorMessage, &pe.InvoicePayload, &pe.RawPayload, &pe.StackTrace, &pe.IsResolved,
			&pe.ResolutionNotes, &pe.ResolvedAt, &pe.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, &pe)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ResolvePaymentError(ctx context.Context, id int64, notes string) (*types.PaymentError, error) {
	ctx, cancel := context.WithTimeout(ctx, queryTimeout)
	defer cancel()
	var pe types.PaymentError
	err := s.pool.QueryRow(ctx, `
UPDATE payment_errors SET
  is_resolved = TRUE,
  resolution_notes = $2,
  resolved_at = NOW()
WHERE id = $1
RETURNING id, telegram_user_id, plan_id, charge_id, amount, currency, error_message,
  invoice_payload, raw_payload, stack_trace, is_resolved, resolution_notes, resolved_at, created_at
`, id, strings.TrimSpace(notes)).
		Scan(&pe.ID, &pe.TelegramUserID, &pe.PlanID, &pe.ChargeID, &pe.Amount, &pe.Currency,
			&pe.ErrorMessage, &pe.InvoicePayload, &pe.RawPayload, &pe.StackTrace, &pe.IsResolved,
			&pe.ResolutionNotes, &pe.ResolvedAt, &pe.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, types.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &pe, nil
}
