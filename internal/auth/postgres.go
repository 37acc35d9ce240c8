package auth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

var _ Store = (*PGStore)(nil)

// PGStore implements Store using PostgreSQL. Correctness under many
// concurrent instances relies on the database's single-statement
// atomicity, never on in-process locking.
type PGStore struct {
	db *sql.DB
}

func NewPGStore(db *sql.DB) *PGStore {
	return &PGStore{db: db}
}

func (s *PGStore) Users() UserStore       { return &pgUserStore{db: s.db} }
func (s *PGStore) Roles() RoleStore       { return &pgRoleStore{db: s.db} }
func (s *PGStore) Sessions() SessionStore { return &pgSessionStore{db: s.db} }

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func marshalPermissions(doc *PermissionNode) (any, error) {
	if doc == nil {
		return nil, nil
	}
	raw, err := doc.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("encode permissions: %w", err)
	}
	return raw, nil
}

func scanPermissions(raw []byte) (*PermissionNode, error) {
	doc, err := ParsePermissions(raw)
	if err != nil {
		return nil, fmt.Errorf("stored permission document: %w", err)
	}
	return doc, nil
}

// User store ---------------------------------------------------------------

type pgUserStore struct{ db *sql.DB }

const userColumns = `id, username, email, password_hash, first_name, last_name, role_id, permissions, is_active, last_login, created_at, updated_at`

func (s *pgUserStore) Create(ctx context.Context, u *User) error {
	perms, err := marshalPermissions(u.Permissions)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`insert into users(username, email, password_hash, first_name, last_name, role_id, permissions, is_active)
		 values($1,$2,$3,$4,$5,$6,$7,$8)
		 returning id, created_at, updated_at`,
		u.Username, u.Email, u.PasswordHash, u.FirstName, u.LastName, nullableID(u.RoleID), perms, u.IsActive,
	).Scan(&u.ID, &u.CreatedAt, &u.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: username or email already taken", ErrConflict)
	}
	return err
}

func (s *pgUserStore) Find(ctx context.Context, id int64) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where id=$1`, id))
}

func (s *pgUserStore) FindByUsername(ctx context.Context, username string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where username=$1`, username))
}

func (s *pgUserStore) FindByEmail(ctx context.Context, email string) (*User, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+userColumns+` from users where lower(email)=lower($1)`, email))
}

func (s *pgUserStore) List(ctx context.Context) ([]*User, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+userColumns+` from users order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []*User
	for rows.Next() {
		u, err := scanUser(rows)
		if err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

func (s *pgUserStore) Update(ctx context.Context, u *User) error {
	res, err := s.db.ExecContext(ctx,
		`update users set email=$2, first_name=$3, last_name=$4, role_id=$5, is_active=$6, updated_at=now() where id=$1`,
		u.ID, u.Email, u.FirstName, u.LastName, nullableID(u.RoleID), u.IsActive)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: email already taken", ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) UpdatePassword(ctx context.Context, userID int64, passwordHash string) error {
	res, err := s.db.ExecContext(ctx,
		`update users set password_hash=$2, updated_at=now() where id=$1`, userID, passwordHash)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) UpdatePermissions(ctx context.Context, userID int64, doc *PermissionNode) error {
	perms, err := marshalPermissions(doc)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update users set permissions=$2, updated_at=now() where id=$1`, userID, perms)
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgUserStore) TouchLastLogin(ctx context.Context, userID int64, at time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`update users set last_login=$2 where id=$1`, userID, at)
	return err
}

func (s *pgUserStore) CountByRole(ctx context.Context, roleID int64) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`select count(*) from users where role_id=$1`, roleID).Scan(&count)
	return count, err
}

func (s *pgUserStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from users where id=$1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: user still owns records; transfer ownership first", ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *pgUserStore) scanOne(row *sql.Row) (*User, error) {
	u, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return u, nil
}

func scanUser(row rowScanner) (*User, error) {
	var (
		u         User
		roleID    sql.NullInt64
		perms     []byte
		lastLogin sql.NullTime
	)
	if err := row.Scan(&u.ID, &u.Username, &u.Email, &u.PasswordHash, &u.FirstName, &u.LastName,
		&roleID, &perms, &u.IsActive, &lastLogin, &u.CreatedAt, &u.UpdatedAt); err != nil {
		return nil, err
	}
	if roleID.Valid {
		u.RoleID = roleID.Int64
	}
	if lastLogin.Valid {
		t := lastLogin.Time
		u.LastLogin = &t
	}
	doc, err := scanPermissions(perms)
	if err != nil {
		return nil, err
	}
	u.Permissions = doc
	return &u, nil
}

func nullableID(id int64) any {
	if id <= 0 {
		return nil
	}
	return id
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// Role store ---------------------------------------------------------------

type pgRoleStore struct{ db *sql.DB }

const roleColumns = `id, name, description, permissions, created_at, updated_at`

func (s *pgRoleStore) Create(ctx context.Context, r *Role) error {
	perms, err := marshalPermissions(r.Permissions)
	if err != nil {
		return err
	}
	err = s.db.QueryRowContext(ctx,
		`insert into roles(name, description, permissions) values($1,$2,$3)
		 returning id, created_at, updated_at`,
		r.Name, r.Description, perms,
	).Scan(&r.ID, &r.CreatedAt, &r.UpdatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: role name already taken", ErrConflict)
	}
	return err
}

func (s *pgRoleStore) Find(ctx context.Context, id int64) (*Role, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where id=$1`, id))
}

func (s *pgRoleStore) FindByName(ctx context.Context, name string) (*Role, error) {
	return s.scanOne(s.db.QueryRowContext(ctx,
		`select `+roleColumns+` from roles where name=$1`, name))
}

func (s *pgRoleStore) List(ctx context.Context) ([]*Role, error) {
	rows, err := s.db.QueryContext(ctx,
		`select `+roleColumns+` from roles order by id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var roles []*Role
	for rows.Next() {
		r, err := scanRole(rows)
		if err != nil {
			return nil, err
		}
		roles = append(roles, r)
	}
	return roles, rows.Err()
}

func (s *pgRoleStore) Update(ctx context.Context, r *Role) error {
	perms, err := marshalPermissions(r.Permissions)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`update roles set name=$2, description=$3, permissions=$4, updated_at=now() where id=$1`,
		r.ID, r.Name, r.Description, perms)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: role name already taken", ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgRoleStore) Delete(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `delete from roles where id=$1`, id)
	if isForeignKeyViolation(err) {
		return fmt.Errorf("%w: role is still referenced", ErrConflict)
	}
	if err != nil {
		return err
	}
	return requireRow(res)
}

func (s *pgRoleStore) scanOne(row *sql.Row) (*Role, error) {
	r, err := scanRole(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return r, nil
}

func scanRole(row rowScanner) (*Role, error) {
	var (
		r     Role
		perms []byte
	)
	if err := row.Scan(&r.ID, &r.Name, &r.Description, &perms, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	doc, err := scanPermissions(perms)
	if err != nil {
		return nil, err
	}
	r.Permissions = doc
	return &r, nil
}

// Session store ------------------------------------------------------------

type pgSessionStore struct{ db *sql.DB }

func (s *pgSessionStore) Create(ctx context.Context, userID int64, tokenHash string, expiresAt time.Time) (*Session, error) {
	sess := &Session{
		UserID:    userID,
		TokenHash: tokenHash,
		ExpiresAt: expiresAt,
		IsActive:  true,
	}
	err := s.db.QueryRowContext(ctx,
		`insert into user_sessions(user_id, token_hash, expires_at, is_active)
		 values($1,$2,$3,true)
		 returning id, created_at`,
		userID, tokenHash, expiresAt,
	).Scan(&sess.ID, &sess.CreatedAt)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

func (s *pgSessionStore) FindActiveByHash(ctx context.Context, tokenHash string) (*Session, error) {
	var sess Session
	err := s.db.QueryRowContext(ctx,
		`select id, user_id, token_hash, expires_at, is_active, created_at
		 from user_sessions
		 where token_hash=$1 and is_active and expires_at > now()`,
		tokenHash,
	).Scan(&sess.ID, &sess.UserID, &sess.TokenHash, &sess.ExpiresAt, &sess.IsActive, &sess.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}

func (s *pgSessionStore) Deactivate(ctx context.Context, sessionID int64) error {
	// Zero rows affected means the session was already inactive;
	// deactivation is idempotent.
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set is_active=false where id=$1 and is_active`, sessionID)
	return err
}

func (s *pgSessionStore) DeactivateAllForUser(ctx context.Context, userID int64) error {
	_, err := s.db.ExecContext(ctx,
		`update user_sessions set is_active=false where user_id=$1 and is_active`, userID)
	return err
}

func (s *pgSessionStore) SweepExpired(ctx context.Context) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`update user_sessions set is_active=false where is_active and expires_at <= now()`)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
