package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrInvalidUserID      = errors.New("invalid user ID")
	ErrEmailExists        = errors.New("email already registered")
	ErrSubdomainTaken     = errors.New("subdomain already taken")
	ErrVMNotProvisionable = errors.New("vm is not in a provisionable state")
	ErrVMNotRecoverable   = errors.New("vm is not in the error state")
)

const userColumns = `id, email, password_hash, created_at, updated_at,
	vm_status, vm_subdomain, vm_ip, vm_server_id, vm_auth_secret_hash,
	vm_provisioned_at, vm_registered_at, vm_last_error`

// Store persists user accounts and their VM lifecycle columns.
type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// CreateUser inserts a new account with a pending VM.
func (s *Store) CreateUser(ctx context.Context, email, passwordHash string) (*User, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (email, password_hash)
		VALUES ($1, $2)
		RETURNING `+userColumns,
		email, passwordHash)

	user, err := scanUser(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrEmailExists
		}
		return nil, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

// GetUserByID retrieves an account by its UUID.
func (s *Store) GetUserByID(ctx context.Context, userID string) (*User, error) {
	pgID, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, pgID)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserByEmail(ctx context.Context, email string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE email = $1`, email)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by email: %w", err)
	}
	return user, nil
}

func (s *Store) GetUserBySubdomain(ctx context.Context, subdomain string) (*User, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+userColumns+` FROM users WHERE vm_subdomain = $1`, subdomain)
	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, fmt.Errorf("get user by subdomain: %w", err)
	}
	return user, nil
}

// ListUsersByVMStatus returns every user whose VM is in the given state,
// oldest account first. The health sweep uses this to find ready VMs.
func (s *Store) ListUsersByVMStatus(ctx context.Context, status VMStatus) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE vm_status = $1
		ORDER BY created_at`,
		string(status))
	if err != nil {
		return nil, fmt.Errorf("list users by vm status: %w", err)
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users by vm status: %w", err)
	}
	return result, nil
}

// ListUsersWithVM returns every user that ever had a subdomain assigned,
// regardless of the VM's current state. The admin fleet view uses this.
func (s *Store) ListUsersWithVM(ctx context.Context) ([]User, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+userColumns+` FROM users
		WHERE vm_subdomain IS NOT NULL
		ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list users with vm: %w", err)
	}
	defer rows.Close()

	var result []User
	for rows.Next() {
		user, err := scanUser(rows)
		if err != nil {
			return nil, fmt.Errorf("scan user: %w", err)
		}
		result = append(result, *user)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list users with vm: %w", err)
	}
	return result, nil
}

// IsSubdomainTaken reports whether any user already holds the subdomain.
func (s *Store) IsSubdomainTaken(ctx context.Context, subdomain string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM users WHERE vm_subdomain = $1)`, subdomain).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check subdomain: %w", err)
	}
	return exists, nil
}

// BeginProvisioning atomically moves a user into the provisioning state,
// assigning the subdomain and the hash of the boot auth secret. The WHERE
// clause restricts the transition to pending or error so two concurrent
// provision requests cannot both proceed. A subdomain assigned by an
// earlier attempt is kept (COALESCE) and never reassigned.
func (s *Store) BeginProvisioning(ctx context.Context, userID, subdomain, authSecretHash string) (*User, error) {
	pgID, err := parseUserID(userID)
	if err != nil {
		return nil, err
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE users
		SET vm_status = 'provisioning',
		    vm_subdomain = COALESCE(vm_subdomain, $2),
		    vm_auth_secret_hash = $3,
		    vm_last_error = NULL,
		    updated_at = now()
		WHERE id = $1 AND vm_status IN ('pending', 'error')
		RETURNING `+userColumns,
		pgID, subdomain, authSecretHash)

	user, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrVMNotProvisionable
		}
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrSubdomainTaken
		}
		return nil, fmt.Errorf("begin provisioning: %w", err)
	}

	slog.Info("VM provisioning started", "user_id", userID, "subdomain", user.VMSubdomain)
	return user, nil
}

// SetVMServer records the compute instance once the provider reports it running.
func (s *Store) SetVMServer(ctx context.Context, userID, serverID, ip string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET vm_server_id = $2, vm_ip = $3, updated_at = now()
		WHERE id = $1`,
		pgID, serverID, ip)
	if err != nil {
		return fmt.Errorf("set vm server: %w", err)
	}
	return nil
}

// CompleteProvisioning marks the VM ready after all provisioning steps passed.
func (s *Store) CompleteProvisioning(ctx context.Context, userID string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET vm_status = 'ready', vm_provisioned_at = now(), vm_last_error = NULL, updated_at = now()
		WHERE id = $1`,
		pgID)
	if err != nil {
		return fmt.Errorf("complete provisioning: %w", err)
	}

	slog.Info("VM marked ready", "user_id", userID)
	return nil
}

// MarkVMError demotes the VM to the error state with a reason. Used both
// for failed provisioning runs and for health-check demotion.
func (s *Store) MarkVMError(ctx context.Context, userID, reason string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET vm_status = 'error', vm_last_error = $2, updated_at = now()
		WHERE id = $1`,
		pgID, pgtype.Text{String: reason, Valid: reason != ""})
	if err != nil {
		return fmt.Errorf("mark vm error: %w", err)
	}

	slog.Warn("VM marked as error", "user_id", userID, "reason", reason)
	return nil
}

// MarkVMRegistered records the boot callback from the VM itself.
func (s *Store) MarkVMRegistered(ctx context.Context, userID string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET vm_registered_at = now(), updated_at = now()
		WHERE id = $1`,
		pgID)
	if err != nil {
		return fmt.Errorf("mark vm registered: %w", err)
	}
	return nil
}

// RecoverVM flips an errored VM back to ready. The conditional update makes
// the operation fail cleanly when the VM is in any other state; there is no
// automatic error -> ready edge anywhere else.
func (s *Store) RecoverVM(ctx context.Context, userID string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	tag, err := s.pool.Exec(ctx, `
		UPDATE users
		SET vm_status = 'ready', vm_last_error = NULL, updated_at = now()
		WHERE id = $1 AND vm_status = 'error'`,
		pgID)
	if err != nil {
		return fmt.Errorf("recover vm: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrVMNotRecoverable
	}

	slog.Info("VM recovered from error state", "user_id", userID)
	return nil
}

// MarkVMDeprovisioned retires the VM. The subdomain stays on the record so
// it is never handed to another user.
func (s *Store) MarkVMDeprovisioned(ctx context.Context, userID string) error {
	pgID, err := parseUserID(userID)
	if err != nil {
		return err
	}

	_, err = s.pool.Exec(ctx, `
		UPDATE users
		SET vm_status = 'deprovisioned', vm_ip = NULL, vm_server_id = NULL, updated_at = now()
		WHERE id = $1`,
		pgID)
	if err != nil {
		return fmt.Errorf("mark vm deprovisioned: %w", err)
	}

	slog.Info("VM deprovisioned", "user_id", userID)
	return nil
}

func parseUserID(userID string) (pgtype.UUID, error) {
	parsed, err := uuid.Parse(userID)
	if err != nil {
		return pgtype.UUID{}, ErrInvalidUserID
	}
	return pgtype.UUID{Bytes: parsed, Valid: true}, nil
}

func scanUser(row pgx.Row) (*User, error) {
	var (
		id             pgtype.UUID
		email          string
		passwordHash   string
		createdAt      pgtype.Timestamp
		updatedAt      pgtype.Timestamp
		vmStatus       string
		subdomain      pgtype.Text
		ip             pgtype.Text
		serverID       pgtype.Text
		authSecretHash pgtype.Text
		provisionedAt  pgtype.Timestamp
		registeredAt   pgtype.Timestamp
		lastError      pgtype.Text
	)

	err := row.Scan(&id, &email, &passwordHash, &createdAt, &updatedAt,
		&vmStatus, &subdomain, &ip, &serverID, &authSecretHash,
		&provisionedAt, &registeredAt, &lastError)
	if err != nil {
		return nil, err
	}

	user := &User{
		ID:               uuid.UUID(id.Bytes).String(),
		Email:            email,
		PasswordHash:     passwordHash,
		CreatedAt:        createdAt.Time,
		UpdatedAt:        updatedAt.Time,
		VMStatus:         VMStatus(vmStatus),
		VMSubdomain:      subdomain.String,
		VMIP:             ip.String,
		VMServerID:       serverID.String,
		VMAuthSecretHash: authSecretHash.String,
		VMLastError:      lastError.String,
	}

	if provisionedAt.Valid {
		user.VMProvisionedAt = &provisionedAt.Time
	}
	if registeredAt.Valid {
		user.VMRegisteredAt = &registeredAt.Time
	}

	return user, nil
}
