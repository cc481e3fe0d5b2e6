package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewConnection_Defaults(t *testing.T) {
	c, err := NewConnection("user-1", " prod ", " 10.0.0.5 ", 2376)
	require.NoError(t, err)

	assert.NotEmpty(t, c.ID)
	assert.Equal(t, "prod", c.Name)
	assert.Equal(t, "10.0.0.5", c.Host)
	assert.Equal(t, DefaultConnectionTimeout, c.ConnectionTimeout)
	assert.False(t, c.AutoReconnect)
	assert.False(t, c.UsesTLS())
	assert.Equal(t, "tcp://10.0.0.5:2376", c.Address())
}

func TestConnection_Validate(t *testing.T) {
	valid := func() *Connection {
		return &Connection{Name: "prod", Host: "engine.local", Port: 2375, ConnectionTimeout: DefaultConnectionTimeout}
	}

	tests := []struct {
		name    string
		mutate  func(c *Connection)
		wantErr error
	}{
		{"valid", func(c *Connection) {}, nil},
		{"no name", func(c *Connection) { c.Name = "" }, ErrInvalidName},
		{"no host", func(c *Connection) { c.Host = "" }, ErrInvalidHost},
		{"host with scheme", func(c *Connection) { c.Host = "tcp://x" }, ErrInvalidHost},
		{"port zero", func(c *Connection) { c.Port = 0 }, ErrInvalidPort},
		{"port too large", func(c *Connection) { c.Port = 70000 }, ErrInvalidPort},
		{"timeout too small", func(c *Connection) { c.ConnectionTimeout = 500 * time.Millisecond }, ErrInvalidTimeout},
		{"cert without key", func(c *Connection) { c.TLS = &TLSMaterial{Cert: "pem"} }, ErrIncompleteTLS},
		{"key without cert", func(c *Connection) { c.TLS = &TLSMaterial{Key: "pem"} }, ErrIncompleteTLS},
		{"ca only", func(c *Connection) { c.TLS = &TLSMaterial{CA: "pem"} }, nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == nil {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, tt.wantErr)
			}
		})
	}
}

func TestConnection_FingerprintChangesOnTouch(t *testing.T) {
	c, err := NewConnection("user-1", "prod", "engine.local", 2375)
	require.NoError(t, err)

	before := c.Fingerprint()
	time.Sleep(time.Millisecond)
	c.Touch()
	assert.NotEqual(t, before, c.Fingerprint())
}

func TestTLSMaterial_IsZero(t *testing.T) {
	var nilTLS *TLSMaterial
	assert.True(t, nilTLS.IsZero())
	assert.True(t, (&TLSMaterial{}).IsZero())
	assert.False(t, (&TLSMaterial{CA: "x"}).IsZero())
}

// =============================================================================
// Resource Tests
// =============================================================================

func TestNewResource_CopiesConnection(t *testing.T) {
	d, err := NewDeployment("user-1", "conn-7", "blog", testManifest, nil)
	require.NoError(t, err)

	r, err := NewResource(d, "web", "abc123", "web-x1", "nginx")
	require.NoError(t, err)

	assert.Equal(t, d.ID, r.DeploymentID)
	assert.Equal(t, "conn-7", r.ConnectionID)
	assert.Equal(t, ResourceCreated, r.Status)
}

func TestNewResource_Invalid(t *testing.T) {
	d, err := NewDeployment("user-1", "conn-7", "blog", testManifest, nil)
	require.NoError(t, err)

	_, err = NewResource(nil, "web", "abc", "web-1", "nginx")
	assert.ErrorIs(t, err, ErrResourceDeployment)

	_, err = NewResource(d, "web", "", "web-1", "nginx")
	assert.ErrorIs(t, err, ErrResourceContainerID)
}

func TestResource_SetStatus(t *testing.T) {
	r := &Resource{Status: ResourceRunning}
	assert.False(t, r.SetStatus(ResourceRunning))
	assert.True(t, r.SetStatus(ResourceExited))
	assert.Equal(t, ResourceExited, r.Status)
}

func TestResourceStatusFromState(t *testing.T) {
	assert.Equal(t, ResourceRunning, ResourceStatusFromState("running"))
	assert.Equal(t, ResourceRunning, ResourceStatusFromState("restarting"))
	assert.Equal(t, ResourceCreated, ResourceStatusFromState("created"))
	assert.Equal(t, ResourceExited, ResourceStatusFromState("exited"))
	assert.Equal(t, ResourceExited, ResourceStatusFromState("dead"))
}
