package kvpool

import "context"

// Conn is the minimal contract the pool needs from a live key-value store
// connection. Implementations wrap the real transport handle.
type Conn interface {
	Ping(ctx context.Context) error
	Close() error
}

// Factory mints new connections. Connect must return a connection that is
// already verified reachable (a failed ping counts as a creation failure).
type Factory interface {
	Connect(ctx context.Context) (Conn, error)
}

// Status is the lifecycle state of a pooled connection.
type Status string

const (
	StatusConnecting Status = "connecting"
	StatusReady      Status = "ready"
	StatusClosed     Status = "closed"
)

// PooledConn wraps one live connection handle. It is owned exclusively by
// the pool: callers must hand it back with Release (or use WithConn) and
// must never close the underlying connection themselves.
type PooledConn struct {
	ID     int
	conn   Conn
	status Status // guarded by the pool mutex
}

// Conn returns the underlying connection for performing key-value operations.
func (pc *PooledConn) Conn() Conn {
	return pc.conn
}
