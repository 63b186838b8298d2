package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Account is a persistent user record. ChatIdentity, LinkCode and
// LinkRequestedBy are empty when unset; LinkCodeExpiresAt is nil when no
// code is pending.
type Account struct {
	ID                string
	Email             string
	ChatIdentity      string
	LinkCode          string
	LinkCodeExpiresAt *time.Time
	LinkRequestedBy   string
	CreatedAt         time.Time
}

const accountColumns = `id, email, chat_identity, link_code, link_code_expires_at, link_requested_by, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAccount(row rowScanner) (*Account, error) {
	var (
		a                             Account
		chatIdentity, code, requester sql.NullString
		expires                       sql.NullInt64
		created                       int64
	)
	if err := row.Scan(&a.ID, &a.Email, &chatIdentity, &code, &expires, &requester, &created); err != nil {
		return nil, err
	}
	a.ChatIdentity = chatIdentity.String
	a.LinkCode = code.String
	a.LinkRequestedBy = requester.String
	if expires.Valid {
		t := fromMillis(expires.Int64)
		a.LinkCodeExpiresAt = &t
	}
	a.CreatedAt = fromMillis(created)
	return &a, nil
}

func (s *Store) accountWhere(ctx context.Context, op, clause string, arg any) (*Account, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()
	row := s.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE `+clause+`;`, arg)
	a, err := scanAccount(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return a, nil
}

// AccountByChatIdentity returns the account bound to chatIdentity.
func (s *Store) AccountByChatIdentity(ctx context.Context, chatIdentity string) (*Account, error) {
	return s.accountWhere(ctx, "account by chat identity", `chat_identity = ?`, chatIdentity)
}

// AccountByEmail looks an account up case-insensitively.
func (s *Store) AccountByEmail(ctx context.Context, email string) (*Account, error) {
	return s.accountWhere(ctx, "account by email", `email = ?`, strings.TrimSpace(email))
}

// AccountByLinkCode returns the account holding code, expired or not.
func (s *Store) AccountByLinkCode(ctx context.Context, code string) (*Account, error) {
	return s.accountWhere(ctx, "account by link code", `link_code = ?`, code)
}

func (s *Store) AccountByID(ctx context.Context, id string) (*Account, error) {
	return s.accountWhere(ctx, "account by id", `id = ?`, id)
}

// CreateAccount inserts an unbound account. Emails are stored lower-cased.
func (s *Store) CreateAccount(ctx context.Context, email string) (*Account, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return nil, fmt.Errorf("create account: empty email")
	}
	a := &Account{ID: uuid.NewString(), Email: email, CreatedAt: s.now().UTC().Truncate(time.Millisecond)}

	ctx, cancel := s.opContext(ctx)
	defer cancel()
	err := retryOnBusy(ctx, 3, func() error {
		_, err := s.db.ExecContext(ctx, `INSERT INTO accounts (id, email, created_at) VALUES (?, ?, ?);`,
			a.ID, a.Email, toMillis(a.CreatedAt))
		return err
	})
	if isUniqueViolation(err) {
		return nil, ErrEmailTaken
	}
	if err != nil {
		return nil, fmt.Errorf("create account: %w", err)
	}
	return a, nil
}

// IssueLinkCode stores a pending code on the account and records which chat
// identity asked for it. Codes previously requested by the same chat
// identity on other accounts are cleared in the same transaction, so a chat
// identity holds at most one pending code.
func (s *Store) IssueLinkCode(ctx context.Context, accountID, code string, expiresAt time.Time, requestedBy string) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	err := retryOnBusy(ctx, 3, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback() }()

		if _, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET link_code = NULL, link_code_expires_at = NULL, link_requested_by = NULL
			WHERE link_requested_by = ? AND id <> ?;
		`, requestedBy, accountID); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, `
			UPDATE accounts
			SET link_code = ?, link_code_expires_at = ?, link_requested_by = ?
			WHERE id = ?;
		`, code, toMillis(expiresAt), requestedBy, accountID)
		if err != nil {
			return err
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return tx.Commit()
	})
	switch {
	case err == nil:
		return nil
	case errors.Is(err, ErrNotFound):
		return ErrNotFound
	case isUniqueViolation(err):
		return ErrLinkCodeTaken
	default:
		return fmt.Errorf("issue link code: %w", err)
	}
}

// ClearLinkCode removes the pending code only if it is still code. It
// reports whether anything was cleared.
func (s *Store) ClearLinkCode(ctx context.Context, accountID, code string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts
			SET link_code = NULL, link_code_expires_at = NULL, link_requested_by = NULL
			WHERE id = ? AND link_code = ?;
		`, accountID, code)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("clear link code: %w", err)
	}
	return n > 0, nil
}

// BindChatIdentity consumes code and binds chatIdentity to the account in a
// single conditional update. The update only applies while the code is
// still present and unexpired at now and the account is unbound or already
// bound to chatIdentity. A lost race returns ErrLinkCodeConsumed.
func (s *Store) BindChatIdentity(ctx context.Context, accountID, code, chatIdentity string, now time.Time) error {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts
			SET chat_identity = ?, link_code = NULL, link_code_expires_at = NULL, link_requested_by = NULL
			WHERE id = ?
			  AND link_code = ?
			  AND link_code_expires_at > ?
			  AND (chat_identity IS NULL OR chat_identity = ?);
		`, chatIdentity, accountID, code, toMillis(now), chatIdentity)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if isUniqueViolation(err) {
		return ErrChatIdentityTaken
	}
	if err != nil {
		return fmt.Errorf("bind chat identity: %w", err)
	}
	if n == 0 {
		return ErrLinkCodeConsumed
	}
	return nil
}

// UnbindChatIdentity clears chatIdentity from whichever account holds it.
// It reports whether an account was unbound.
func (s *Store) UnbindChatIdentity(ctx context.Context, chatIdentity string) (bool, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE accounts SET chat_identity = NULL WHERE chat_identity = ?;`, chatIdentity)
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("unbind chat identity: %w", err)
	}
	return n > 0, nil
}

// SweepExpiredLinkCodes clears codes that expired before cutoff. The linker
// still detects and reports expiry for codes younger than cutoff.
func (s *Store) SweepExpiredLinkCodes(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	var n int64
	err := retryOnBusy(ctx, 3, func() error {
		res, err := s.db.ExecContext(ctx, `
			UPDATE accounts
			SET link_code = NULL, link_code_expires_at = NULL, link_requested_by = NULL
			WHERE link_code IS NOT NULL AND link_code_expires_at < ?;
		`, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, _ = res.RowsAffected()
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("sweep link codes: %w", err)
	}
	return n, nil
}
