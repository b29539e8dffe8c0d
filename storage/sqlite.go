package storage

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"petanque-manager.app/cloud/internal/logger"
	"petanque-manager.app/cloud/models"
)

//go:embed migrations/*.sql
var migrations embed.FS

type SQLiteStorage struct {
	db   *sql.DB
	path string
	now  func() time.Time
}

// NewSQLiteStorage opens the database at path and brings its schema up to date.
func NewSQLiteStorage(path string) (*SQLiteStorage, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	// A single connection serialises writers and keeps the busy handler out of the hot path.
	db.SetMaxOpenConns(1)

	if err := Migrate(db); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &SQLiteStorage{db: db, path: path, now: time.Now}, nil
}

// Migrate applies every pending embedded migration to db.
func Migrate(db *sql.DB) error {
	src, err := iofs.New(migrations, "migrations")
	if err != nil {
		return fmt.Errorf("load migrations: %w", err)
	}
	driver, err := migratesqlite.WithInstance(db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("migration driver: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("migration setup: %w", err)
	}
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return err
	}
	version, dirty, err := m.Version()
	if err == nil {
		logger.Debug("Database schema ready", map[string]interface{}{
			"version": version,
			"dirty":   dirty,
		})
	}
	return nil
}

func (s *SQLiteStorage) FindPlanByID(ctx context.Context, id string) (*models.Plan, error) {
	return s.findPlan(ctx, "id", id)
}

func (s *SQLiteStorage) FindPlanByCode(ctx context.Context, code string) (*models.Plan, error) {
	return s.findPlan(ctx, "code", code)
}

func (s *SQLiteStorage) findPlan(ctx context.Context, column, value string) (*models.Plan, error) {
	query := `SELECT id, code, name, billing_period, included_seats, provider_price_id, active FROM plans WHERE ` + column + ` = ?`

	var plan models.Plan
	var period string
	err := s.db.QueryRowContext(ctx, query, value).Scan(
		&plan.ID,
		&plan.Code,
		&plan.Name,
		&period,
		&plan.IncludedSeats,
		&plan.ProviderPriceRef,
		&plan.Active,
	)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	plan.BillingPeriod = models.Cadence(period)
	return &plan, nil
}

func (s *SQLiteStorage) SavePlan(ctx context.Context, plan *models.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	query := `INSERT INTO plans (id, code, name, billing_period, included_seats, provider_price_id, active)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET code = excluded.code, name = excluded.name,
			billing_period = excluded.billing_period, included_seats = excluded.included_seats,
			provider_price_id = excluded.provider_price_id, active = excluded.active`

	_, err := s.db.ExecContext(ctx, query,
		plan.ID,
		plan.Code,
		plan.Name,
		string(plan.BillingPeriod),
		plan.IncludedSeats,
		plan.ProviderPriceRef,
		plan.Active,
	)
	if err != nil {
		return fmt.Errorf("failed to save plan: %w", classify(err))
	}
	return nil
}

func (s *SQLiteStorage) ResolveOrCreateUser(ctx context.Context, email string) (*models.User, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO users (id, email, created_at) VALUES (?, ?, ?) ON CONFLICT (email) DO NOTHING`,
		uuid.NewString(), email, toUnix(s.now()),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create user: %w", err)
	}

	var user models.User
	var created int64
	err = s.db.QueryRowContext(ctx, `SELECT id, email, created_at FROM users WHERE email = ?`, email).Scan(
		&user.ID,
		&user.Email,
		&created,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load user: %w", err)
	}
	user.CreatedAt = fromUnix(created)
	return &user, nil
}

const subscriptionColumns = `id, user_id, plan_id, status, started_at, current_period_end, provider,
	provider_customer_id, provider_subscription_id, provider_session_id, created_at, updated_at`

func (s *SQLiteStorage) SelectSubscriptions(ctx context.Context, filter Filter) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	where, args := whereClause(filter)

	rows, err := s.db.QueryContext(ctx, `SELECT `+subscriptionColumns+` FROM subscriptions WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query subscriptions: %w", err)
	}
	return scanSubscriptions(rows)
}

func (s *SQLiteStorage) InsertSubscription(ctx context.Context, sub *models.Subscription) error {
	return insertSubscription(ctx, s.db, sub, s.now())
}

func (s *SQLiteStorage) UpdateSubscriptions(ctx context.Context, filter Filter, patch models.SubscriptionPatch) ([]*models.Subscription, error) {
	if err := filter.validateSubscription(); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return s.SelectSubscriptions(ctx, filter)
	}

	sets := []string{"updated_at = ?"}
	setArgs := []interface{}{toUnix(s.now())}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		setArgs = append(setArgs, string(*patch.Status))
	}
	if patch.CurrentPeriodEnd != nil {
		sets = append(sets, "current_period_end = ?")
		setArgs = append(setArgs, toUnix(*patch.CurrentPeriodEnd))
	}
	where, whereArgs := whereClause(filter)

	query := `UPDATE subscriptions SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + subscriptionColumns
	rows, err := s.db.QueryContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update subscriptions: %w", classify(err))
	}
	return scanSubscriptions(rows)
}

const licenseColumns = `id, subscription_id, user_id, license_key, status, label, max_devices, created_at, expires_at, updated_at`

func (s *SQLiteStorage) SelectLicenses(ctx context.Context, filter Filter) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	where, args := whereClause(filter)

	rows, err := s.db.QueryContext(ctx, `SELECT `+licenseColumns+` FROM license_keys WHERE `+where+` ORDER BY created_at`, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query licenses: %w", err)
	}
	return scanLicenses(rows)
}

func (s *SQLiteStorage) InsertLicense(ctx context.Context, license *models.LicenseKey) error {
	return insertLicense(ctx, s.db, license, s.now())
}

func (s *SQLiteStorage) UpdateLicenses(ctx context.Context, filter Filter, patch models.LicensePatch) ([]*models.LicenseKey, error) {
	if err := filter.validateLicense(); err != nil {
		return nil, err
	}
	if patch.IsEmpty() {
		return s.SelectLicenses(ctx, filter)
	}

	sets := []string{"updated_at = ?"}
	setArgs := []interface{}{toUnix(s.now())}
	if patch.Status != nil {
		sets = append(sets, "status = ?")
		setArgs = append(setArgs, string(*patch.Status))
	}
	if patch.ExpiresAt != nil {
		sets = append(sets, "expires_at = ?")
		setArgs = append(setArgs, toUnix(*patch.ExpiresAt))
	}
	where, whereArgs := whereClause(filter)

	query := `UPDATE license_keys SET ` + strings.Join(sets, ", ") + ` WHERE ` + where + ` RETURNING ` + licenseColumns
	rows, err := s.db.QueryContext(ctx, query, append(setArgs, whereArgs...)...)
	if err != nil {
		return nil, fmt.Errorf("failed to update licenses: %w", classify(err))
	}
	return scanLicenses(rows)
}

func (s *SQLiteStorage) IssueSubscription(ctx context.Context, sub *models.Subscription, license *models.LicenseKey) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
			logger.Error("Failed to roll back issuance", map[string]interface{}{"error": err.Error()})
		}
	}()

	now := s.now()
	if err := insertSubscription(ctx, tx, sub, now); err != nil {
		return err
	}
	license.SubscriptionID = sub.ID
	if err := insertLicense(ctx, tx, license, now); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit issuance: %w", err)
	}
	return nil
}

func (s *SQLiteStorage) EventProcessed(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM processed_events WHERE id = ?)`, id).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to look up event: %w", err)
	}
	return exists, nil
}

func (s *SQLiteStorage) RecordEvent(ctx context.Context, id, kind string) (bool, error) {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO processed_events (id, kind, processed_at) VALUES (?, ?, ?)`,
		id, kind, toUnix(s.now()),
	)
	if err == nil {
		return true, nil
	}
	if errors.Is(classify(err), ErrDuplicate) {
		return false, nil
	}
	return false, fmt.Errorf("failed to record event: %w", err)
}

func (s *SQLiteStorage) Close() error {
	return s.db.Close()
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func insertSubscription(ctx context.Context, db execer, sub *models.Subscription, now time.Time) error {
	if sub.ID == "" {
		sub.ID = uuid.NewString()
	}
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = now.UTC()
	}
	sub.UpdatedAt = now.UTC()

	var session sql.NullString
	if sub.ProviderSessionRef != "" {
		session = sql.NullString{String: sub.ProviderSessionRef, Valid: true}
	}

	_, err := db.ExecContext(ctx, `INSERT INTO subscriptions (`+subscriptionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.ID,
		sub.UserID,
		sub.PlanID,
		string(sub.Status),
		toUnix(sub.StartedAt),
		toUnix(sub.CurrentPeriodEnd),
		sub.Provider,
		sub.ProviderCustomerRef,
		sub.ProviderSubscriptionRef,
		session,
		toUnix(sub.CreatedAt),
		toUnix(sub.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert subscription: %w", classify(err))
	}
	return nil
}

func insertLicense(ctx context.Context, db execer, license *models.LicenseKey, now time.Time) error {
	if license.ID == "" {
		license.ID = uuid.NewString()
	}
	if license.CreatedAt.IsZero() {
		license.CreatedAt = now.UTC()
	}
	license.UpdatedAt = now.UTC()

	_, err := db.ExecContext(ctx, `INSERT INTO license_keys (`+licenseColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		license.ID,
		license.SubscriptionID,
		license.UserID,
		license.Key,
		string(license.Status),
		license.Label,
		license.MaxDevices,
		toUnix(license.CreatedAt),
		toUnix(license.ExpiresAt),
		toUnix(license.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to insert license: %w", classify(err))
	}
	return nil
}

func scanSubscriptions(rows *sql.Rows) ([]*models.Subscription, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var subs []*models.Subscription
	for rows.Next() {
		var sub models.Subscription
		var status string
		var session sql.NullString
		var started, periodEnd, created, updated int64
		err := rows.Scan(
			&sub.ID,
			&sub.UserID,
			&sub.PlanID,
			&status,
			&started,
			&periodEnd,
			&sub.Provider,
			&sub.ProviderCustomerRef,
			&sub.ProviderSubscriptionRef,
			&session,
			&created,
			&updated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		sub.Status = models.SubscriptionStatus(status)
		sub.ProviderSessionRef = session.String
		sub.StartedAt = fromUnix(started)
		sub.CurrentPeriodEnd = fromUnix(periodEnd)
		sub.CreatedAt = fromUnix(created)
		sub.UpdatedAt = fromUnix(updated)
		subs = append(subs, &sub)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating subscriptions: %w", err)
	}
	return subs, nil
}

func scanLicenses(rows *sql.Rows) ([]*models.LicenseKey, error) {
	defer func() {
		if err := rows.Close(); err != nil {
			logger.Error("Failed to close rows", map[string]interface{}{"error": err.Error()})
		}
	}()

	var licenses []*models.LicenseKey
	for rows.Next() {
		var license models.LicenseKey
		var status string
		var created, expires, updated int64
		err := rows.Scan(
			&license.ID,
			&license.SubscriptionID,
			&license.UserID,
			&license.Key,
			&status,
			&license.Label,
			&license.MaxDevices,
			&created,
			&expires,
			&updated,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan license: %w", err)
		}
		license.Status = models.LicenseStatus(status)
		license.CreatedAt = fromUnix(created)
		license.ExpiresAt = fromUnix(expires)
		license.UpdatedAt = fromUnix(updated)
		licenses = append(licenses, &license)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating licenses: %w", err)
	}
	return licenses, nil
}

// whereClause renders a validated filter. Field names come from a fixed set
// and are safe to interpolate.
func whereClause(filter Filter) (string, []interface{}) {
	parts := make([]string, 0, len(filter))
	args := make([]interface{}, 0, len(filter))
	for _, c := range filter {
		switch c.Op {
		case OpEq:
			parts = append(parts, c.Field+" = ?")
			args = append(args, c.Value)
		case OpAtOrBefore:
			parts = append(parts, c.Field+" <= ?")
			args = append(args, toUnix(c.Time))
		}
	}
	return strings.Join(parts, " AND "), args
}

func classify(err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		if sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique || sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
			return fmt.Errorf("%w: %v", ErrDuplicate, err)
		}
	}
	return err
}

func toUnix(t time.Time) int64 {
	return t.UTC().UnixNano()
}

func fromUnix(n int64) time.Time {
	return time.Unix(0, n).UTC()
}
