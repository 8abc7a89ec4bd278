package accountdb

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrAccountExists возвращается при конфликте имени аккаунта.
var ErrAccountExists = errors.New("account already exists")

// PostgresRepository — Repository поверх pgx pool.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository создаёт репозиторий.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

var _ Repository = (*PostgresRepository)(nil)

// CreateAccount вставляет аккаунт; для почтовой регистрации помечает его
// NOT_ACTIVATED и минтит код активации в той же транзакции.
func (r *PostgresRepository) CreateAccount(ctx context.Context, accountName, passwordHash string, mail bool, data []byte) (string, error) {
	accountName = strings.ToLower(accountName)

	var flags uint32
	email := ""
	if mail {
		flags = FlagNotActivated
		email = accountName
	}

	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx,
		`INSERT INTO accounts (account_name, login_name, password, email, flags, deadline, data, created_at)
		 VALUES ($1, $1, $2, $3, $4, 0, $5, $6)`,
		accountName, passwordHash, email, flags, data, time.Now(),
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return "", ErrAccountExists
		}
		return "", fmt.Errorf("creating account %q: %w", accountName, err)
	}

	var code string
	if mail {
		code = uuid.NewString()
		_, err = tx.Exec(ctx,
			`INSERT INTO account_codes (code, account_name, kind, created_at)
			 VALUES ($1, $2, $3, $4)`,
			code, accountName, CodeKindActivate, time.Now(),
		)
		if err != nil {
			return "", fmt.Errorf("minting activation code for %q: %w", accountName, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing account %q: %w", accountName, err)
	}
	slog.Info("account created", "account", accountName, "mail", mail)
	return code, nil
}

// QueryLogin возвращает аккаунт по login-имени; nil, nil если не найден.
func (r *PostgresRepository) QueryLogin(ctx context.Context, loginName string) (*Account, error) {
	loginName = strings.ToLower(loginName)
	var acc Account
	err := r.pool.QueryRow(ctx,
		`SELECT account_name, login_name, password, email, flags, deadline, dbid, data, created_at
		 FROM accounts WHERE login_name = $1`, loginName,
	).Scan(&acc.AccountName, &acc.LoginName, &acc.PasswordHash, &acc.Email,
		&acc.Flags, &acc.Deadline, &acc.DBID, &acc.Data, &acc.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("querying account %q: %w", loginName, err)
	}
	return &acc, nil
}

// RequestPasswordReset минтит одноразовый код сброса пароля.
func (r *PostgresRepository) RequestPasswordReset(ctx context.Context, accountName string) (string, string, error) {
	accountName = strings.ToLower(accountName)

	var email string
	err := r.pool.QueryRow(ctx,
		`SELECT email FROM accounts WHERE account_name = $1`, accountName,
	).Scan(&email)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", "", fmt.Errorf("account %q not found", accountName)
		}
		return "", "", fmt.Errorf("querying account %q: %w", accountName, err)
	}

	code := uuid.NewString()
	_, err = r.pool.Exec(ctx,
		`INSERT INTO account_codes (code, account_name, kind, created_at)
		 VALUES ($1, $2, $3, $4)`,
		code, accountName, CodeKindReset, time.Now(),
	)
	if err != nil {
		return "", "", fmt.Errorf("minting reset code for %q: %w", accountName, err)
	}
	return email, code, nil
}

// ConsumeCode гасит код и применяет его эффект.
func (r *PostgresRepository) ConsumeCode(ctx context.Context, code string, kind int) (bool, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("beginning tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var accountName string
	err = tx.QueryRow(ctx,
		`DELETE FROM account_codes WHERE code = $1 AND kind = $2 RETURNING account_name`,
		code, kind,
	).Scan(&accountName)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, fmt.Errorf("consuming code: %w", err)
	}

	switch kind {
	case CodeKindActivate:
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET flags = flags & ~$1::int WHERE account_name = $2`,
			int32(FlagNotActivated), accountName,
		)
	case CodeKindBindMail:
		_, err = tx.Exec(ctx,
			`UPDATE accounts SET email = login_name WHERE account_name = $1`,
			accountName,
		)
	case CodeKindReset:
		// Сам сброс завершает отдельный поток смены пароля; код лишь
		// подтверждает владение почтой.
	default:
		return false, fmt.Errorf("unknown code kind %d", kind)
	}
	if err != nil {
		return false, fmt.Errorf("applying code effect: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("committing code: %w", err)
	}
	slog.Info("code consumed", "account", accountName, "kind", kind)
	return true, nil
}

// UpdateLastLogin обновляет отметку входа.
func (r *PostgresRepository) UpdateLastLogin(ctx context.Context, accountName string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE accounts SET last_login = $1 WHERE account_name = $2`,
		time.Now(), strings.ToLower(accountName),
	)
	if err != nil {
		return fmt.Errorf("updating last login for %q: %w", accountName, err)
	}
	return nil
}
