package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"net"
	"sort"

	"github.com/lib/pq"

	"contactlink/internal/contact/models"
	"contactlink/pkg/platform/sentinel"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// PostgresStore persists contacts in PostgreSQL.
// This store is pure I/O; the merge rules belong in the service.
type PostgresStore struct {
	db querier
	// lockRows adds FOR UPDATE to closure reads. Only meaningful inside a
	// transaction, where the locks are held until commit.
	lockRows bool
}

// NewPostgres constructs a store for reads outside a transaction.
func NewPostgres(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// NewPostgresTx constructs a store bound to tx. Closure reads lock the rows
// they return.
func NewPostgresTx(tx *sql.Tx) *PostgresStore {
	return &PostgresStore{db: tx, lockRows: true}
}

const contactColumns = `id, email, phone_number, linked_id, link_precedence, created_at, updated_at, deleted_at`

func (s *PostgresStore) FindByAttributes(ctx context.Context, email, phone string) ([]*models.Contact, error) {
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE deleted_at IS NULL
		  AND (($1 <> '' AND email = $1) OR ($2 <> '' AND phone_number = $2))
		ORDER BY created_at ASC, id ASC
	` + s.lockClause()
	contacts, err := s.queryContacts(ctx, query, email, phone)
	if err != nil {
		return nil, classify("find contacts by attributes", err)
	}
	return contacts, nil
}

func (s *PostgresStore) FindByIDOrLinkedIDIn(ctx context.Context, ids []int64) ([]*models.Contact, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	query := `
		SELECT ` + contactColumns + `
		FROM contacts
		WHERE deleted_at IS NULL
		  AND (id = ANY($1) OR linked_id = ANY($1))
		ORDER BY created_at ASC, id ASC
	` + s.lockClause()
	contacts, err := s.queryContacts(ctx, query, pq.Array(ids))
	if err != nil {
		return nil, classify("find contacts by id or linked id", err)
	}
	return contacts, nil
}

func (s *PostgresStore) FindByID(ctx context.Context, id int64) (*models.Contact, error) {
	query := `SELECT ` + contactColumns + ` FROM contacts WHERE id = $1`
	contact, err := scanContact(s.db.QueryRowContext(ctx, query, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, sentinel.ErrNotFound
		}
		return nil, classify("find contact by id", err)
	}
	return contact, nil
}

func (s *PostgresStore) Insert(ctx context.Context, contact *models.Contact) (*models.Contact, error) {
	if contact == nil {
		return nil, fmt.Errorf("insert contact: contact is required")
	}
	query := `
		INSERT INTO contacts (email, phone_number, linked_id, link_precedence, created_at, updated_at)
		VALUES (NULLIF($1, ''), NULLIF($2, ''), $3, $4, $5, $6)
		RETURNING ` + contactColumns
	created, err := scanContact(s.db.QueryRowContext(ctx, query,
		contact.Email,
		contact.PhoneNumber,
		contact.LinkedID,
		string(contact.LinkPrecedence),
		contact.CreatedAt,
		contact.UpdatedAt,
	))
	if err != nil {
		return nil, classify("insert contact", err)
	}
	return created, nil
}

func (s *PostgresStore) Update(ctx context.Context, id int64, update models.LinkUpdate) (*models.Contact, error) {
	query := `
		UPDATE contacts
		SET link_precedence = $2,
			linked_id = $3,
			updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
		RETURNING ` + contactColumns
	updated, err := scanContact(s.db.QueryRowContext(ctx, query,
		id,
		string(update.LinkPrecedence),
		update.LinkedID,
		update.UpdatedAt,
	))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("update contact %d: %w", id, sentinel.ErrNotFound)
		}
		return nil, classify("update contact", err)
	}
	return updated, nil
}

// LockAttributes takes transaction-scoped advisory locks on the request's
// attribute values. Row locks cannot cover values no row carries yet, so
// without this two first sightings of one phone number would both insert a
// primary. Keys are locked in sorted order to avoid deadlocks.
func (s *PostgresStore) LockAttributes(ctx context.Context, email, phone string) error {
	var keys []string
	if email != "" {
		keys = append(keys, "email:"+email)
	}
	if phone != "" {
		keys = append(keys, "phone:"+phone)
	}
	sort.Strings(keys)
	for _, key := range keys {
		if _, err := s.db.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, key); err != nil {
			return classify("lock contact attributes", err)
		}
	}
	return nil
}

func (s *PostgresStore) lockClause() string {
	if s.lockRows {
		return "FOR UPDATE"
	}
	return ""
}

func (s *PostgresStore) queryContacts(ctx context.Context, query string, args ...any) ([]*models.Contact, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var contacts []*models.Contact
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		contacts = append(contacts, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return contacts, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanContact(row rowScanner) (*models.Contact, error) {
	var (
		c          models.Contact
		email      sql.NullString
		phone      sql.NullString
		linkedID   sql.NullInt64
		precedence string
		deletedAt  sql.NullTime
	)
	if err := row.Scan(&c.ID, &email, &phone, &linkedID, &precedence, &c.CreatedAt, &c.UpdatedAt, &deletedAt); err != nil {
		return nil, err
	}
	c.Email = email.String
	c.PhoneNumber = phone.String
	c.LinkPrecedence = models.LinkPrecedence(precedence)
	if linkedID.Valid {
		id := linkedID.Int64
		c.LinkedID = &id
	}
	if deletedAt.Valid {
		t := deletedAt.Time
		c.DeletedAt = &t
	}
	return &c, nil
}

// classify wraps err with op and tags connection-level failures as
// sentinel.ErrUnavailable, constraint violations as ErrInvalidState, data
// exceptions as ErrInvalidInput and cancelled statements as
// context.DeadlineExceeded.
func classify(op string, err error) error {
	if isUnavailable(err) {
		return fmt.Errorf("%s: %w: %w", op, sentinel.ErrUnavailable, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch {
		case pqErr.Code.Class() == "23":
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrInvalidState, err)
		case pqErr.Code.Class() == "22":
			return fmt.Errorf("%s: %w: %w", op, sentinel.ErrInvalidInput, err)
		case pqErr.Code == "57014":
			return fmt.Errorf("%s: %w: %w", op, context.DeadlineExceeded, err)
		}
	}
	return fmt.Errorf("%s: %w", op, err)
}

func isUnavailable(err error) bool {
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code.Class() {
		case "08", "53", "57": // connection, insufficient resources, operator intervention
			return pqErr.Code != "57014" // query_canceled surfaces as a timeout
		}
	}
	return false
}
