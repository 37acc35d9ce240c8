package auth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockStore(t *testing.T) (*PGStore, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock: %v", err)
	}
	t.Cleanup(func() {
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
		db.Close()
	})
	return NewPGStore(db), mock
}

func userRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "username", "email", "password_hash", "first_name", "last_name",
		"role_id", "permissions", "is_active", "last_login", "created_at", "updated_at",
	})
}

func TestPGUserFindByEmail(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`select .+ from users where lower\(email\)=lower\(\$1\)`).
		WithArgs("chen@clinic.example").
		WillReturnRows(userRows().AddRow(
			7, "dr.chen", "chen@clinic.example", "hash", "Wei", "Chen",
			3, []byte(`{"patients":{"read":false}}`), true, nil, now, now,
		))

	u, err := store.Users().FindByEmail(context.Background(), "chen@clinic.example")
	if err != nil {
		t.Fatalf("FindByEmail: %v", err)
	}
	if u.ID != 7 || u.RoleID != 3 {
		t.Fatalf("unexpected user: %+v", u)
	}
	if v, ok := u.Permissions.Lookup("patients.read"); !ok || v {
		t.Fatal("permission overrides not decoded")
	}
	if u.LastLogin != nil {
		t.Fatal("null last_login should stay nil")
	}
}

func TestPGUserFindNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`select .+ from users where id=\$1`).
		WithArgs(int64(99)).
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Users().Find(context.Background(), 99); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGUserFindRejectsCorruptPermissions(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	mock.ExpectQuery(`select .+ from users where id=\$1`).
		WithArgs(int64(7)).
		WillReturnRows(userRows().AddRow(
			7, "dr.chen", "chen@clinic.example", "hash", "", "",
			nil, []byte(`{"patients":1}`), true, nil, now, now,
		))

	if _, err := store.Users().Find(context.Background(), 7); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("err = %v, want ErrInvalidInput", err)
	}
}

func TestPGUserCreateMapsUniqueViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`insert into users`).
		WillReturnError(&pgconn.PgError{Code: "23505"})

	err := store.Users().Create(context.Background(), &User{
		Username: "dr.chen",
		Email:    "chen@clinic.example",
	})
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestPGUserDeleteMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`delete from users where id=\$1`).
		WithArgs(int64(7)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	if err := store.Users().Delete(context.Background(), 7); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestPGUserUpdateMissingRow(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`update users set email=`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := store.Users().Update(context.Background(), &User{ID: 42, Email: "x@y.z"})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGRoleDeleteMapsForeignKeyViolation(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`delete from roles where id=\$1`).
		WithArgs(int64(3)).
		WillReturnError(&pgconn.PgError{Code: "23503"})

	if err := store.Roles().Delete(context.Background(), 3); !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
}

func TestPGSessionCreate(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()
	exp := now.Add(24 * time.Hour)

	mock.ExpectQuery(`insert into user_sessions\(user_id, token_hash, expires_at, is_active\)`).
		WithArgs(int64(7), "fingerprint", exp).
		WillReturnRows(sqlmock.NewRows([]string{"id", "created_at"}).AddRow(11, now))

	sess, err := store.Sessions().Create(context.Background(), 7, "fingerprint", exp)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if sess.ID != 11 || !sess.IsActive || sess.UserID != 7 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestPGSessionFindActiveByHashFiltersInSQL(t *testing.T) {
	store, mock := newMockStore(t)
	now := time.Now()

	// Both gating conditions live in the query itself so an inactive or
	// expired row can never come back.
	mock.ExpectQuery(`from user_sessions\s+where token_hash=\$1 and is_active and expires_at > now\(\)`).
		WithArgs("fingerprint").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "user_id", "token_hash", "expires_at", "is_active", "created_at",
		}).AddRow(11, 7, "fingerprint", now.Add(time.Hour), true, now))

	sess, err := store.Sessions().FindActiveByHash(context.Background(), "fingerprint")
	if err != nil {
		t.Fatalf("FindActiveByHash: %v", err)
	}
	if sess.UserID != 7 {
		t.Fatalf("unexpected session: %+v", sess)
	}
}

func TestPGSessionFindActiveByHashNotFound(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectQuery(`from user_sessions`).
		WithArgs("gone").
		WillReturnError(sql.ErrNoRows)

	if _, err := store.Sessions().FindActiveByHash(context.Background(), "gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestPGSessionDeactivateIdempotent(t *testing.T) {
	store, mock := newMockStore(t)

	// Zero rows affected is success: the session was already inactive.
	mock.ExpectExec(`update user_sessions set is_active=false where id=\$1 and is_active`).
		WithArgs(int64(11)).
		WillReturnResult(sqlmock.NewResult(0, 0))

	if err := store.Sessions().Deactivate(context.Background(), 11); err != nil {
		t.Fatalf("Deactivate: %v", err)
	}
}

func TestPGSessionDeactivateAllForUserIsSetBased(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`update user_sessions set is_active=false where user_id=\$1 and is_active`).
		WithArgs(int64(7)).
		WillReturnResult(sqlmock.NewResult(0, 4))

	if err := store.Sessions().DeactivateAllForUser(context.Background(), 7); err != nil {
		t.Fatalf("DeactivateAllForUser: %v", err)
	}
}

func TestPGSessionSweepExpired(t *testing.T) {
	store, mock := newMockStore(t)

	mock.ExpectExec(`update user_sessions set is_active=false where is_active and expires_at <= now\(\)`).
		WillReturnResult(sqlmock.NewResult(0, 3))

	swept, err := store.Sessions().SweepExpired(context.Background())
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if swept != 3 {
		t.Fatalf("swept = %d, want 3", swept)
	}
}
