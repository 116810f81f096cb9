// Package device holds the identity context every mutation is stamped
// with: the stable per-install device identifier and the currently
// authenticated user.
//
// The context is an explicit dependency injected into the store and the
// sync orchestrator at construction time, with clear login/logout
// boundaries, rather than ambient package-level state.
package device

import "sync"

// Context carries the provenance identity for local mutations.
//
// DeviceID is assigned once per install (the store persists it) and
// never changes. UserID is set on login and cleared on logout; writes
// performed while no user is set are stamped with an empty user id and
// adopted by the next authenticated user on push.
type Context struct {
	mu       sync.RWMutex
	deviceID string
	userID   string
}

// NewContext returns an empty identity context. The store fills in the
// device id when it is opened.
func NewContext() *Context {
	return &Context{}
}

// DeviceID returns the stable per-install device identifier.
func (c *Context) DeviceID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.deviceID
}

// SetDeviceID records the persisted device identifier. Called once by
// the store after reading or generating it.
func (c *Context) SetDeviceID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.deviceID = id
}

// UserID returns the authenticated user id, or "" when logged out.
func (c *Context) UserID() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID
}

// Login sets the authenticated user for subsequent mutations.
func (c *Context) Login(userID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = userID
}

// Logout clears the authenticated user. The device id is retained.
func (c *Context) Logout() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.userID = ""
}
