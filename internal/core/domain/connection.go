package domain

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// =============================================================================
// Connection Errors
// =============================================================================

var (
	ErrInvalidHost    = errors.New("connection host is required")
	ErrInvalidPort    = errors.New("connection port must be between 1 and 65535")
	ErrInvalidTimeout = errors.New("connection timeout must be at least 1s")
	ErrIncompleteTLS  = errors.New("tls client certificate and key must be provided together")
	ErrInvalidName    = errors.New("connection name is required")
)

// =============================================================================
// Connection Defaults
// =============================================================================

const (
	// DefaultConnectionTimeout bounds a single health-check ping.
	DefaultConnectionTimeout = 30 * time.Second

	// MinConnectionTimeout is the smallest accepted ping timeout.
	MinConnectionTimeout = time.Second
)

// =============================================================================
// Connection
// =============================================================================

// TLSMaterial holds PEM encoded client TLS material for a remote engine.
type TLSMaterial struct {
	CA   string `json:"ca,omitempty"`
	Cert string `json:"cert,omitempty"`
	Key  string `json:"key,omitempty"`
}

// IsZero reports whether no TLS material is set.
func (t *TLSMaterial) IsZero() bool {
	return t == nil || (t.CA == "" && t.Cert == "" && t.Key == "")
}

// Connection describes a remote container engine endpoint owned by a user.
type Connection struct {
	ID                string        `json:"id"`
	OwnerID           string        `json:"owner_id"`
	Name              string        `json:"name"`
	Host              string        `json:"host"`
	Port              int           `json:"port"`
	TLS               *TLSMaterial  `json:"tls,omitempty"`
	AutoReconnect     bool          `json:"auto_reconnect"`
	ConnectionTimeout time.Duration `json:"connection_timeout"`
	Location          string        `json:"location,omitempty"`
	CreatedAt         time.Time     `json:"created_at"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// NewConnection creates a validated connection with defaults applied.
func NewConnection(ownerID, name, host string, port int) (*Connection, error) {
	now := time.Now().UTC()
	c := &Connection{
		ID:                uuid.New().String(),
		OwnerID:           ownerID,
		Name:              strings.TrimSpace(name),
		Host:              strings.TrimSpace(host),
		Port:              port,
		ConnectionTimeout: DefaultConnectionTimeout,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return c, nil
}

// Validate checks the connection fields.
func (c *Connection) Validate() error {
	if c.Name == "" {
		return ErrInvalidName
	}
	if c.Host == "" || strings.ContainsAny(c.Host, " /") {
		return ErrInvalidHost
	}
	if c.Port < 1 || c.Port > 65535 {
		return ErrInvalidPort
	}
	if c.ConnectionTimeout < MinConnectionTimeout {
		return ErrInvalidTimeout
	}
	if c.TLS != nil && (c.TLS.Cert == "") != (c.TLS.Key == "") {
		return ErrIncompleteTLS
	}
	return nil
}

// Address returns the engine address in the tcp://host:port form.
func (c *Connection) Address() string {
	return fmt.Sprintf("tcp://%s:%d", c.Host, c.Port)
}

// UsesTLS reports whether the connection carries any TLS material.
func (c *Connection) UsesTLS() bool {
	return !c.TLS.IsZero()
}

// Fingerprint identifies the version of the connection a session was built from.
// A session is reusable only while the fingerprint is unchanged.
func (c *Connection) Fingerprint() string {
	return c.ID + "@" + c.UpdatedAt.UTC().Format(time.RFC3339Nano)
}

// Touch bumps UpdatedAt after a mutation.
func (c *Connection) Touch() {
	c.UpdatedAt = time.Now().UTC()
}
