// Package maildb manages the virtual mail tables that Postfix and
// Dovecot query for delivery and authentication: virtual_domains,
// virtual_users, and virtual_aliases. Every external value is run
// through the validators before it reaches a statement, and all
// statements use placeholders.
package maildb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/go-sql-driver/mysql"

	"github.com/ceymail/ceymail-mc/internal/validate"
)

var (
	// ErrNotFound reports a row that does not exist.
	ErrNotFound = errors.New("not found")

	// ErrDuplicate reports a unique-key conflict.
	ErrDuplicate = errors.New("already exists")
)

// Domain is a row of virtual_domains.
type Domain struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// User is a row of virtual_users. Password holds the hashed value,
// never plaintext.
type User struct {
	ID       int64  `json:"id"`
	DomainID int64  `json:"domain_id"`
	Email    string `json:"email"`
	Password string `json:"-"`
}

// Alias is a row of virtual_aliases.
type Alias struct {
	ID          int64  `json:"id"`
	DomainID    int64  `json:"domain_id"`
	Source      string `json:"source"`
	Destination string `json:"destination"`
}

// DB wraps the mail database pool.
type DB struct {
	sql *sql.DB
}

// Open configures a pool against the mail database. It does not dial;
// use Ping to verify connectivity.
func Open(dsn string) (*DB, error) {
	pool, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mail database: %w", err)
	}
	pool.SetMaxOpenConns(10)
	pool.SetMaxIdleConns(2)
	pool.SetConnMaxIdleTime(5 * time.Minute)
	return &DB{sql: pool}, nil
}

// Ping verifies the database is reachable.
func (d *DB) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return d.sql.PingContext(ctx)
}

func (d *DB) Close() error {
	return d.sql.Close()
}

// mapErr translates driver errors into the package sentinels.
func mapErr(err error) error {
	var my *mysql.MySQLError
	// 1062 is ER_DUP_ENTRY.
	if errors.As(err, &my) && my.Number == 1062 {
		return fmt.Errorf("%w: %s", ErrDuplicate, my.Message)
	}
	return err
}

// CreateDomain inserts a virtual domain and returns its id.
func (d *DB) CreateDomain(ctx context.Context, name string) (int64, error) {
	if err := validate.Domain(name); err != nil {
		return 0, err
	}

	res, err := d.sql.ExecContext(ctx, "INSERT INTO virtual_domains (name) VALUES (?)", name)
	if err != nil {
		return 0, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	log.Printf("maildb: created domain %s (id %d)", name, id)
	return id, nil
}

// ListDomains returns all virtual domains ordered by name.
func (d *DB) ListDomains(ctx context.Context) ([]Domain, error) {
	rows, err := d.sql.QueryContext(ctx, "SELECT id, name FROM virtual_domains ORDER BY name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var domains []Domain
	for rows.Next() {
		var dom Domain
		if err := rows.Scan(&dom.ID, &dom.Name); err != nil {
			return nil, err
		}
		domains = append(domains, dom)
	}
	return domains, rows.Err()
}

// GetDomain looks up a domain by id.
func (d *DB) GetDomain(ctx context.Context, id int64) (Domain, error) {
	var dom Domain
	err := d.sql.QueryRowContext(ctx,
		"SELECT id, name FROM virtual_domains WHERE id = ?", id).Scan(&dom.ID, &dom.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Domain{}, fmt.Errorf("domain id %d: %w", id, ErrNotFound)
	}
	return dom, err
}

// GetDomainByName looks up a domain by name.
func (d *DB) GetDomainByName(ctx context.Context, name string) (Domain, error) {
	var dom Domain
	err := d.sql.QueryRowContext(ctx,
		"SELECT id, name FROM virtual_domains WHERE name = ?", name).Scan(&dom.ID, &dom.Name)
	if errors.Is(err, sql.ErrNoRows) {
		return Domain{}, fmt.Errorf("domain %s: %w", name, ErrNotFound)
	}
	return dom, err
}

// DeleteDomain removes a domain along with its users and aliases, in
// one transaction so a failure leaves the tables untouched.
func (d *DB) DeleteDomain(ctx context.Context, id int64) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM virtual_aliases WHERE domain_id = ?", id); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM virtual_users WHERE domain_id = ?", id); err != nil {
		return err
	}

	res, err := tx.ExecContext(ctx, "DELETE FROM virtual_domains WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("domain id %d: %w", id, ErrNotFound)
	}

	if err := tx.Commit(); err != nil {
		return err
	}
	log.Printf("maildb: deleted domain id %d", id)
	return nil
}

// CreateUser inserts a mailbox user with a hashed password and returns
// its id. The plaintext password is validated for strength and then
// discarded.
func (d *DB) CreateUser(ctx context.Context, domainID int64, email, password string) (int64, error) {
	if err := validate.Email(email); err != nil {
		return 0, err
	}
	if err := validate.Password(password); err != nil {
		return 0, err
	}
	hash, err := HashPassword(password)
	if err != nil {
		return 0, fmt.Errorf("hash password: %w", err)
	}

	res, err := d.sql.ExecContext(ctx,
		"INSERT INTO virtual_users (domain_id, email, password) VALUES (?, ?, ?)",
		domainID, email, hash)
	if err != nil {
		return 0, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	log.Printf("maildb: created user %s (id %d)", email, id)
	return id, nil
}

// ListUsers returns all mailbox users ordered by email.
func (d *DB) ListUsers(ctx context.Context) ([]User, error) {
	return d.queryUsers(ctx,
		"SELECT id, domain_id, email, password FROM virtual_users ORDER BY email")
}

// ListUsersByDomain returns the mailbox users of one domain.
func (d *DB) ListUsersByDomain(ctx context.Context, domainID int64) ([]User, error) {
	return d.queryUsers(ctx,
		"SELECT id, domain_id, email, password FROM virtual_users WHERE domain_id = ? ORDER BY email",
		domainID)
}

func (d *DB) queryUsers(ctx context.Context, query string, args ...any) ([]User, error) {
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var users []User
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.DomainID, &u.Email, &u.Password); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}

// ChangePassword rehashes and stores a new password for a user.
func (d *DB) ChangePassword(ctx context.Context, userID int64, newPassword string) error {
	if err := validate.Password(newPassword); err != nil {
		return err
	}
	hash, err := HashPassword(newPassword)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}

	res, err := d.sql.ExecContext(ctx,
		"UPDATE virtual_users SET password = ? WHERE id = ?", hash, userID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user id %d: %w", userID, ErrNotFound)
	}
	log.Printf("maildb: changed password for user id %d", userID)
	return nil
}

// DeleteUser removes a mailbox user.
func (d *DB) DeleteUser(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM virtual_users WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("user id %d: %w", id, ErrNotFound)
	}
	log.Printf("maildb: deleted user id %d", id)
	return nil
}

// CreateAlias inserts a forwarding alias and returns its id.
func (d *DB) CreateAlias(ctx context.Context, domainID int64, source, destination string) (int64, error) {
	if err := validate.Email(source); err != nil {
		return 0, fmt.Errorf("source: %w", err)
	}
	if err := validate.Email(destination); err != nil {
		return 0, fmt.Errorf("destination: %w", err)
	}

	res, err := d.sql.ExecContext(ctx,
		"INSERT INTO virtual_aliases (domain_id, source, destination) VALUES (?, ?, ?)",
		domainID, source, destination)
	if err != nil {
		return 0, mapErr(err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	log.Printf("maildb: created alias %s -> %s (id %d)", source, destination, id)
	return id, nil
}

// ListAliases returns all aliases ordered by source.
func (d *DB) ListAliases(ctx context.Context) ([]Alias, error) {
	return d.queryAliases(ctx,
		"SELECT id, domain_id, source, destination FROM virtual_aliases ORDER BY source")
}

// ListAliasesByDomain returns the aliases of one domain.
func (d *DB) ListAliasesByDomain(ctx context.Context, domainID int64) ([]Alias, error) {
	return d.queryAliases(ctx,
		"SELECT id, domain_id, source, destination FROM virtual_aliases WHERE domain_id = ? ORDER BY source",
		domainID)
}

func (d *DB) queryAliases(ctx context.Context, query string, args ...any) ([]Alias, error) {
	rows, err := d.sql.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var aliases []Alias
	for rows.Next() {
		var a Alias
		if err := rows.Scan(&a.ID, &a.DomainID, &a.Source, &a.Destination); err != nil {
			return nil, err
		}
		aliases = append(aliases, a)
	}
	return aliases, rows.Err()
}

// DeleteAlias removes an alias.
func (d *DB) DeleteAlias(ctx context.Context, id int64) error {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM virtual_aliases WHERE id = ?", id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return fmt.Errorf("alias id %d: %w", id, ErrNotFound)
	}
	log.Printf("maildb: deleted alias id %d", id)
	return nil
}
