package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/dockyard/internal/core/crypto"
	"github.com/artpar/dockyard/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db      *sqlx.DB
	secrets secrets
}

// Option configures a SQLiteStore.
type Option func(*SQLiteStore)

// WithEncryptionKey seals connection TLS material at rest with a 32-byte key.
func WithEncryptionKey(key []byte) Option {
	return func(s *SQLiteStore) {
		s.secrets.key = key
	}
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string, opts ...Option) (*SQLiteStore, error) {
	// Open database connection
	db, err := sqlx.Open("sqlite3", dsn+"?_foreign_keys=on")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite serializes writers; a single connection also keeps :memory: databases shared.
	db.SetMaxOpenConns(1)

	// Test connection
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	// Run migrations
	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	s := &SQLiteStore{db: db}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// =============================================================================
// Secrets
// =============================================================================

// secrets seals and opens TLS columns. Without a key values pass through.
type secrets struct {
	key []byte
}

func (s secrets) seal(value string) (string, error) {
	if len(s.key) == 0 {
		return value, nil
	}
	return crypto.SealString(value, s.key)
}

func (s secrets) open(value string) (string, error) {
	if !crypto.IsSealed(value) {
		return value, nil
	}
	if len(s.key) == 0 {
		return "", errors.New("sealed value but no encryption key configured")
	}
	return crypto.OpenString(value, s.key)
}

// =============================================================================
// Connection Operations
// =============================================================================

// connectionRow represents a connection row in the database.
type connectionRow struct {
	ID                  string `db:"id"`
	OwnerID             string `db:"owner_id"`
	Name                string `db:"name"`
	Host                string `db:"host"`
	Port                int    `db:"port"`
	TLSCA               string `db:"tls_ca"`
	TLSCert             string `db:"tls_cert"`
	TLSKey              string `db:"tls_key"`
	AutoReconnect       bool   `db:"auto_reconnect"`
	ConnectionTimeoutMS int64  `db:"connection_timeout_ms"`
	Location            string `db:"location"`
	CreatedAt           string `db:"created_at"`
	UpdatedAt           string `db:"updated_at"`
}

func (s *SQLiteStore) CreateConnection(ctx context.Context, conn *domain.Connection) error {
	return createConnection(ctx, s.db, s.secrets, conn)
}

func (s *SQLiteStore) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	return getConnection(ctx, s.db, s.secrets, id, "")
}

func (s *SQLiteStore) GetConnectionForOwner(ctx context.Context, id, ownerID string) (*domain.Connection, error) {
	return getConnection(ctx, s.db, s.secrets, id, ownerID)
}

func (s *SQLiteStore) UpdateConnection(ctx context.Context, conn *domain.Connection) error {
	return updateConnection(ctx, s.db, s.secrets, conn)
}

func (s *SQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	return deleteConnection(ctx, s.db, id)
}

func (s *SQLiteStore) ListConnectionsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Connection, error) {
	return listConnectionsByOwner(ctx, s.db, s.secrets, ownerID, opts)
}

// =============================================================================
// Deployment Operations
// =============================================================================

// deploymentRow represents a deployment row in the database.
type deploymentRow struct {
	ID           string  `db:"id"`
	OwnerID      string  `db:"owner_id"`
	ConnectionID string  `db:"connection_id"`
	Name         string  `db:"name"`
	Description  string  `db:"description"`
	Manifest     string  `db:"manifest"`
	EnvOverrides string  `db:"env_overrides"`
	PullLatest   bool    `db:"pull_latest"`
	Status       string  `db:"status"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	StartedAt    *string `db:"started_at"`
	StoppedAt    *string `db:"stopped_at"`
}

func (s *SQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id, "")
}

func (s *SQLiteStore) GetDeploymentForOwner(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.db, id, ownerID)
}

func (s *SQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.db, deployment)
}

func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.db, id)
}

func (s *SQLiteStore) ListDeploymentsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, "ListDeploymentsByOwner", "owner_id", ownerID, opts)
}

func (s *SQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.db, "ListDeploymentsByStatus", "status", string(status), opts)
}

func (s *SQLiteStore) CountDeploymentsByConnection(ctx context.Context, connectionID string) (int, error) {
	return countDeploymentsByConnection(ctx, s.db, connectionID)
}

// =============================================================================
// Resource Operations
// =============================================================================

// resourceRow represents a resource row in the database.
type resourceRow struct {
	ID            string `db:"id"`
	DeploymentID  string `db:"deployment_id"`
	ConnectionID  string `db:"connection_id"`
	ServiceName   string `db:"service_name"`
	ContainerID   string `db:"container_id"`
	ContainerName string `db:"container_name"`
	Image         string `db:"image"`
	Status        string `db:"status"`
	CreatedAt     string `db:"created_at"`
	UpdatedAt     string `db:"updated_at"`
}

func (s *SQLiteStore) CreateResource(ctx context.Context, resource *domain.Resource) error {
	return createResource(ctx, s.db, resource)
}

func (s *SQLiteStore) UpdateResource(ctx context.Context, resource *domain.Resource) error {
	return updateResource(ctx, s.db, resource)
}

func (s *SQLiteStore) ListResourcesByDeployment(ctx context.Context, deploymentID string) ([]domain.Resource, error) {
	return listResourcesByDeployment(ctx, s.db, deploymentID)
}

func (s *SQLiteStore) DeleteResourcesByDeployment(ctx context.Context, deploymentID string) (int, error) {
	return deleteResourcesByDeployment(ctx, s.db, deploymentID)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx, secrets: s.secrets}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx      *sqlx.Tx
	secrets secrets
}

func (s *txSQLiteStore) CreateConnection(ctx context.Context, conn *domain.Connection) error {
	return createConnection(ctx, s.tx, s.secrets, conn)
}

func (s *txSQLiteStore) GetConnection(ctx context.Context, id string) (*domain.Connection, error) {
	return getConnection(ctx, s.tx, s.secrets, id, "")
}

func (s *txSQLiteStore) GetConnectionForOwner(ctx context.Context, id, ownerID string) (*domain.Connection, error) {
	return getConnection(ctx, s.tx, s.secrets, id, ownerID)
}

func (s *txSQLiteStore) UpdateConnection(ctx context.Context, conn *domain.Connection) error {
	return updateConnection(ctx, s.tx, s.secrets, conn)
}

func (s *txSQLiteStore) DeleteConnection(ctx context.Context, id string) error {
	return deleteConnection(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListConnectionsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Connection, error) {
	return listConnectionsByOwner(ctx, s.tx, s.secrets, ownerID, opts)
}

func (s *txSQLiteStore) CreateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return createDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) GetDeployment(ctx context.Context, id string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id, "")
}

func (s *txSQLiteStore) GetDeploymentForOwner(ctx context.Context, id, ownerID string) (*domain.Deployment, error) {
	return getDeployment(ctx, s.tx, id, ownerID)
}

func (s *txSQLiteStore) UpdateDeployment(ctx context.Context, deployment *domain.Deployment) error {
	return updateDeployment(ctx, s.tx, deployment)
}

func (s *txSQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	return deleteDeployment(ctx, s.tx, id)
}

func (s *txSQLiteStore) ListDeploymentsByOwner(ctx context.Context, ownerID string, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, "ListDeploymentsByOwner", "owner_id", ownerID, opts)
}

func (s *txSQLiteStore) ListDeploymentsByStatus(ctx context.Context, status domain.DeploymentStatus, opts ListOptions) ([]domain.Deployment, error) {
	return listDeployments(ctx, s.tx, "ListDeploymentsByStatus", "status", string(status), opts)
}

func (s *txSQLiteStore) CountDeploymentsByConnection(ctx context.Context, connectionID string) (int, error) {
	return countDeploymentsByConnection(ctx, s.tx, connectionID)
}

func (s *txSQLiteStore) CreateResource(ctx context.Context, resource *domain.Resource) error {
	return createResource(ctx, s.tx, resource)
}

func (s *txSQLiteStore) UpdateResource(ctx context.Context, resource *domain.Resource) error {
	return updateResource(ctx, s.tx, resource)
}

func (s *txSQLiteStore) ListResourcesByDeployment(ctx context.Context, deploymentID string) ([]domain.Resource, error) {
	return listResourcesByDeployment(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) DeleteResourcesByDeployment(ctx context.Context, deploymentID string) (int, error) {
	return deleteResourcesByDeployment(ctx, s.tx, deploymentID)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions - Connections
// =============================================================================

func connectionParams(sec secrets, op string, conn *domain.Connection) (map[string]any, error) {
	var material domain.TLSMaterial
	if conn.TLS != nil {
		material = *conn.TLS
	}

	sealed := make([]string, 0, 3)
	for _, v := range []string{material.CA, material.Cert, material.Key} {
		s, err := sec.seal(v)
		if err != nil {
			return nil, NewStoreError(op, "connection", conn.ID, "failed to encrypt tls material", ErrInvalidData)
		}
		sealed = append(sealed, s)
	}

	return map[string]any{
		"id":                    conn.ID,
		"owner_id":              conn.OwnerID,
		"name":                  conn.Name,
		"host":                  conn.Host,
		"port":                  conn.Port,
		"tls_ca":                sealed[0],
		"tls_cert":              sealed[1],
		"tls_key":               sealed[2],
		"auto_reconnect":        conn.AutoReconnect,
		"connection_timeout_ms": conn.ConnectionTimeout.Milliseconds(),
		"location":              conn.Location,
		"created_at":            formatTime(conn.CreatedAt),
		"updated_at":            formatTime(conn.UpdatedAt),
	}, nil
}

func createConnection(ctx context.Context, exec executor, sec secrets, conn *domain.Connection) error {
	row, err := connectionParams(sec, "CreateConnection", conn)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO connections (
			id, owner_id, name, host, port, tls_ca, tls_cert, tls_key,
			auto_reconnect, connection_timeout_ms, location, created_at, updated_at
		) VALUES (
			:id, :owner_id, :name, :host, :port, :tls_ca, :tls_cert, :tls_key,
			:auto_reconnect, :connection_timeout_ms, :location, :created_at, :updated_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: connections.id") {
			return NewStoreError("CreateConnection", "connection", conn.ID, "connection with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateConnection", "connection", conn.ID, err.Error(), err)
	}

	return nil
}

func getConnection(ctx context.Context, exec executor, sec secrets, id, ownerID string) (*domain.Connection, error) {
	op := "GetConnection"
	query := `SELECT * FROM connections WHERE id = ?`
	args := []any{id}
	if ownerID != "" {
		op = "GetConnectionForOwner"
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	var row connectionRow
	if err := exec.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError(op, "connection", id, "connection not found", ErrNotFound)
		}
		return nil, NewStoreError(op, "connection", id, err.Error(), err)
	}

	return rowToConnection(sec, &row)
}

func updateConnection(ctx context.Context, exec executor, sec secrets, conn *domain.Connection) error {
	row, err := connectionParams(sec, "UpdateConnection", conn)
	if err != nil {
		return err
	}

	query := `
		UPDATE connections SET
			name = :name,
			host = :host,
			port = :port,
			tls_ca = :tls_ca,
			tls_cert = :tls_cert,
			tls_key = :tls_key,
			auto_reconnect = :auto_reconnect,
			connection_timeout_ms = :connection_timeout_ms,
			location = :location,
			updated_at = :updated_at
		WHERE id = :id AND owner_id = :owner_id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateConnection", "connection", conn.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateConnection", "connection", conn.ID, "connection not found", ErrNotFound)
	}

	return nil
}

func deleteConnection(ctx context.Context, exec executor, id string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM connections WHERE id = ?`, id)
	if err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("DeleteConnection", "connection", id, "connection is referenced by deployments", ErrForeignKey)
		}
		return NewStoreError("DeleteConnection", "connection", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteConnection", "connection", id, "connection not found", ErrNotFound)
	}

	return nil
}

func listConnectionsByOwner(ctx context.Context, exec executor, sec secrets, ownerID string, opts ListOptions) ([]domain.Connection, error) {
	opts = opts.Normalize()
	query := `SELECT * FROM connections WHERE owner_id = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`

	var rows []connectionRow
	if err := exec.SelectContext(ctx, &rows, query, ownerID, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError("ListConnectionsByOwner", "connection", "", err.Error(), err)
	}

	conns := make([]domain.Connection, 0, len(rows))
	for _, row := range rows {
		conn, err := rowToConnection(sec, &row)
		if err != nil {
			return nil, err
		}
		conns = append(conns, *conn)
	}

	return conns, nil
}

func rowToConnection(sec secrets, row *connectionRow) (*domain.Connection, error) {
	opened := make([]string, 0, 3)
	for _, v := range []string{row.TLSCA, row.TLSCert, row.TLSKey} {
		s, err := sec.open(v)
		if err != nil {
			return nil, NewStoreError("rowToConnection", "connection", row.ID, "failed to decrypt tls material", ErrInvalidData)
		}
		opened = append(opened, s)
	}

	conn := &domain.Connection{
		ID:                row.ID,
		OwnerID:           row.OwnerID,
		Name:              row.Name,
		Host:              row.Host,
		Port:              row.Port,
		AutoReconnect:     row.AutoReconnect,
		ConnectionTimeout: time.Duration(row.ConnectionTimeoutMS) * time.Millisecond,
		Location:          row.Location,
		CreatedAt:         parseTime(row.CreatedAt),
		UpdatedAt:         parseTime(row.UpdatedAt),
	}

	material := &domain.TLSMaterial{CA: opened[0], Cert: opened[1], Key: opened[2]}
	if !material.IsZero() {
		conn.TLS = material
	}

	return conn, nil
}

// =============================================================================
// Shared Implementation Functions - Deployments
// =============================================================================

func deploymentParams(op string, deployment *domain.Deployment) (map[string]any, error) {
	overrides := deployment.EnvOverrides
	if overrides == nil {
		overrides = map[string]string{}
	}
	overridesJSON, err := json.Marshal(overrides)
	if err != nil {
		return nil, NewStoreError(op, "deployment", deployment.ID, "failed to serialize env overrides", ErrInvalidData)
	}

	return map[string]any{
		"id":            deployment.ID,
		"owner_id":      deployment.OwnerID,
		"connection_id": deployment.ConnectionID,
		"name":          deployment.Name,
		"description":   deployment.Description,
		"manifest":      deployment.Manifest,
		"env_overrides": string(overridesJSON),
		"pull_latest":   deployment.PullLatest,
		"status":        string(deployment.Status),
		"error_message": deployment.ErrorMessage,
		"created_at":    formatTime(deployment.CreatedAt),
		"updated_at":    formatTime(deployment.UpdatedAt),
		"started_at":    formatTimePtr(deployment.StartedAt),
		"stopped_at":    formatTimePtr(deployment.StoppedAt),
	}, nil
}

func createDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("CreateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO deployments (
			id, owner_id, connection_id, name, description, manifest,
			env_overrides, pull_latest, status, error_message,
			created_at, updated_at, started_at, stopped_at
		) VALUES (
			:id, :owner_id, :connection_id, :name, :description, :manifest,
			:env_overrides, :pull_latest, :status, :error_message,
			:created_at, :updated_at, :started_at, :stopped_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: deployments.id") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "deployment with this ID already exists", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateDeployment", "deployment", deployment.ID, "connection not found", ErrForeignKey)
		}
		return NewStoreError("CreateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	return nil
}

func getDeployment(ctx context.Context, exec executor, id, ownerID string) (*domain.Deployment, error) {
	op := "GetDeployment"
	query := `SELECT * FROM deployments WHERE id = ?`
	args := []any{id}
	if ownerID != "" {
		op = "GetDeploymentForOwner"
		query += ` AND owner_id = ?`
		args = append(args, ownerID)
	}

	var row deploymentRow
	if err := exec.GetContext(ctx, &row, query, args...); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError(op, "deployment", id, "deployment not found", ErrNotFound)
		}
		return nil, NewStoreError(op, "deployment", id, err.Error(), err)
	}

	return rowToDeployment(&row)
}

func updateDeployment(ctx context.Context, exec executor, deployment *domain.Deployment) error {
	row, err := deploymentParams("UpdateDeployment", deployment)
	if err != nil {
		return err
	}

	query := `
		UPDATE deployments SET
			name = :name,
			description = :description,
			manifest = :manifest,
			env_overrides = :env_overrides,
			pull_latest = :pull_latest,
			status = :status,
			error_message = :error_message,
			updated_at = :updated_at,
			started_at = :started_at,
			stopped_at = :stopped_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateDeployment", "deployment", deployment.ID, "deployment not found", ErrNotFound)
	}

	return nil
}

func deleteDeployment(ctx context.Context, exec executor, id string) error {
	result, err := exec.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return NewStoreError("DeleteDeployment", "deployment", id, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("DeleteDeployment", "deployment", id, "deployment not found", ErrNotFound)
	}

	return nil
}

// listDeployments filters on a single trusted column name.
func listDeployments(ctx context.Context, exec executor, op, column, value string, opts ListOptions) ([]domain.Deployment, error) {
	opts = opts.Normalize()
	query := fmt.Sprintf(`SELECT * FROM deployments WHERE %s = ? ORDER BY created_at DESC LIMIT ? OFFSET ?`, column)

	var rows []deploymentRow
	if err := exec.SelectContext(ctx, &rows, query, value, opts.Limit, opts.Offset); err != nil {
		return nil, NewStoreError(op, "deployment", "", err.Error(), err)
	}

	deployments := make([]domain.Deployment, 0, len(rows))
	for _, row := range rows {
		deployment, err := rowToDeployment(&row)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, *deployment)
	}

	return deployments, nil
}

func countDeploymentsByConnection(ctx context.Context, exec executor, connectionID string) (int, error) {
	var count int
	if err := exec.GetContext(ctx, &count, `SELECT COUNT(*) FROM deployments WHERE connection_id = ?`, connectionID); err != nil {
		return 0, NewStoreError("CountDeploymentsByConnection", "deployment", connectionID, err.Error(), err)
	}
	return count, nil
}

func rowToDeployment(row *deploymentRow) (*domain.Deployment, error) {
	overrides := map[string]string{}
	if row.EnvOverrides != "" {
		if err := json.Unmarshal([]byte(row.EnvOverrides), &overrides); err != nil {
			return nil, NewStoreError("rowToDeployment", "deployment", row.ID, "failed to parse env overrides", ErrInvalidData)
		}
	}

	return &domain.Deployment{
		ID:           row.ID,
		OwnerID:      row.OwnerID,
		ConnectionID: row.ConnectionID,
		Name:         row.Name,
		Description:  row.Description,
		Manifest:     row.Manifest,
		EnvOverrides: overrides,
		PullLatest:   row.PullLatest,
		Status:       domain.DeploymentStatus(row.Status),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
		StartedAt:    parseTimePtr(row.StartedAt),
		StoppedAt:    parseTimePtr(row.StoppedAt),
	}, nil
}

// =============================================================================
// Shared Implementation Functions - Resources
// =============================================================================

func createResource(ctx context.Context, exec executor, resource *domain.Resource) error {
	var connectionID string
	err := exec.GetContext(ctx, &connectionID, `SELECT connection_id FROM deployments WHERE id = ?`, resource.DeploymentID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return NewStoreError("CreateResource", "resource", resource.ID, "deployment not found", ErrForeignKey)
		}
		return NewStoreError("CreateResource", "resource", resource.ID, err.Error(), err)
	}
	if connectionID != resource.ConnectionID {
		return NewStoreError("CreateResource", "resource", resource.ID,
			fmt.Sprintf("connection %s differs from deployment connection %s", resource.ConnectionID, connectionID),
			ErrConnectionMismatch)
	}

	query := `
		INSERT INTO resources (
			id, deployment_id, connection_id, service_name, container_id,
			container_name, image, status, created_at, updated_at
		) VALUES (
			:id, :deployment_id, :connection_id, :service_name, :container_id,
			:container_name, :image, :status, :created_at, :updated_at
		)`

	row := map[string]any{
		"id":             resource.ID,
		"deployment_id":  resource.DeploymentID,
		"connection_id":  resource.ConnectionID,
		"service_name":   resource.ServiceName,
		"container_id":   resource.ContainerID,
		"container_name": resource.ContainerName,
		"image":          resource.Image,
		"status":         string(resource.Status),
		"created_at":     formatTime(resource.CreatedAt),
		"updated_at":     formatTime(resource.UpdatedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: resources.id") {
			return NewStoreError("CreateResource", "resource", resource.ID, "resource with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateResource", "resource", resource.ID, err.Error(), err)
	}

	return nil
}

func updateResource(ctx context.Context, exec executor, resource *domain.Resource) error {
	query := `UPDATE resources SET status = ?, updated_at = ? WHERE id = ?`

	result, err := exec.ExecContext(ctx, query, string(resource.Status), formatTime(resource.UpdatedAt), resource.ID)
	if err != nil {
		return NewStoreError("UpdateResource", "resource", resource.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateResource", "resource", resource.ID, "resource not found", ErrNotFound)
	}

	return nil
}

func listResourcesByDeployment(ctx context.Context, exec executor, deploymentID string) ([]domain.Resource, error) {
	// rowid keeps creation order when timestamps collide
	query := `SELECT * FROM resources WHERE deployment_id = ? ORDER BY created_at ASC, rowid ASC`

	var rows []resourceRow
	if err := exec.SelectContext(ctx, &rows, query, deploymentID); err != nil {
		return nil, NewStoreError("ListResourcesByDeployment", "resource", "", err.Error(), err)
	}

	resources := make([]domain.Resource, 0, len(rows))
	for _, row := range rows {
		resources = append(resources, domain.Resource{
			ID:            row.ID,
			DeploymentID:  row.DeploymentID,
			ConnectionID:  row.ConnectionID,
			ServiceName:   row.ServiceName,
			ContainerID:   row.ContainerID,
			ContainerName: row.ContainerName,
			Image:         row.Image,
			Status:        domain.ResourceStatus(row.Status),
			CreatedAt:     parseTime(row.CreatedAt),
			UpdatedAt:     parseTime(row.UpdatedAt),
		})
	}

	return resources, nil
}

func deleteResourcesByDeployment(ctx context.Context, exec executor, deploymentID string) (int, error) {
	result, err := exec.ExecContext(ctx, `DELETE FROM resources WHERE deployment_id = ?`, deploymentID)
	if err != nil {
		return 0, NewStoreError("DeleteResourcesByDeployment", "resource", deploymentID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	return int(rowsAffected), nil
}

// =============================================================================
// Time Helpers
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(time.RFC3339Nano, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil {
		return nil
	}
	t := parseTime(*s)
	return &t
}
