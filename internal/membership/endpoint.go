package membership

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// DirectoryType classifies the directory behind an endpoint.
type DirectoryType int

const (
	DirectoryTypeUnknown DirectoryType = iota
	DirectoryTypeAD
	DirectoryTypeADAM
)

func (t DirectoryType) String() string {
	switch t {
	case DirectoryTypeAD:
		return "AD"
	case DirectoryTypeADAM:
		return "ADAM"
	default:
		return "Unknown"
	}
}

// Endpoint is the negotiated connection descriptor. All exported fields are
// fixed once Negotiate returns; only the concurrent bind flag and the shared
// validation session change afterwards.
type Endpoint struct {
	Server        string
	Port          int
	PortSpecified bool
	Protection    ldapclient.Protection
	Mechanism     ldapclient.Mechanism
	DirectoryType DirectoryType

	ContainerDN         string
	CreationContainerDN string
	PartitionDN         string // ADAM only
	SchemaNamingContext string

	// AD only
	ForestName            string
	DomainName            string
	NetBIOSDomainName     string
	NativeLockoutDuration time.Duration

	ServerSearchTimeout time.Duration

	credential     ldapclient.Credential
	dialer         ldapclient.Dialer
	pool           *ldapclient.SessionPool
	concurrentBind atomic.Bool

	mu     sync.RWMutex
	shared ldapclient.Session
	closed bool
}

// ConcurrentBindSupported reports whether credential checks may share one
// connection in fast concurrent bind mode.
func (e *Endpoint) ConcurrentBindSupported() bool {
	return e.concurrentBind.Load()
}

// disableConcurrentBind permanently switches validation to per-call
// connections and closes the shared session. It never turns the flag back on.
func (e *Endpoint) disableConcurrentBind(ctx context.Context, reason error) {
	if !e.concurrentBind.CompareAndSwap(true, false) {
		return
	}

	fields := map[string]any{"server": e.Server}
	if reason != nil {
		fields["reason"] = reason.Error()
	}
	tflog.SubsystemWarn(ctx, "membership", "Fast concurrent bind disabled", fields)

	e.mu.Lock()
	if e.shared != nil {
		_ = e.shared.Close()
		e.shared = nil
	}
	e.mu.Unlock()
}

// Target returns the dial target for the negotiated server and protection.
func (e *Endpoint) Target() ldapclient.Target {
	return ldapclient.Target{Host: e.Server, Port: e.Port, Protection: e.Protection}
}

// openSession dials the endpoint and binds with cred.
func (e *Endpoint) openSession(ctx context.Context, cred ldapclient.Credential, mech ldapclient.Mechanism) (ldapclient.Session, error) {
	return dialAndBind(ctx, e.dialer, e.Target(), cred, mech)
}

// serviceSession opens a session bound with the configured service credential.
func (e *Endpoint) serviceSession(ctx context.Context) (ldapclient.Session, error) {
	return e.openSession(ctx, e.credential, e.Mechanism)
}

func (e *Endpoint) initPool(size int) {
	e.pool = ldapclient.NewSessionPool(e.serviceSession, size)
}

// Search runs req on a pooled service session. The server-side time limit
// is applied when the request does not carry one.
func (e *Endpoint) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if req.TimeLimit == 0 {
		req.TimeLimit = e.ServerSearchTimeout
	}

	var result *ldapclient.SearchResult
	err := e.pool.Do(ctx, func(s ldapclient.Session) error {
		var err error
		result, err = s.Search(ctx, req)
		return err
	})
	return result, err
}

// Modify applies req on a pooled service session.
func (e *Endpoint) Modify(ctx context.Context, req *ldapclient.ModifyRequest) error {
	return e.pool.Do(ctx, func(s ldapclient.Session) error {
		return s.Modify(ctx, req)
	})
}

// PoolStats reports service session pool usage.
func (e *Endpoint) PoolStats() ldapclient.PoolStats {
	if e.pool == nil {
		return ldapclient.PoolStats{}
	}
	return e.pool.Stats()
}

var errEndpointClosed = errors.New("endpoint is closed")

// sharedSession returns the shared validation session, dialling it on first
// use. The session is switched into fast concurrent bind mode before any
// bind, as the directory only accepts the request on an unbound connection.
// The returned release func must be called once the caller is done; it
// holds the read lock so the session cannot be replaced underneath.
func (e *Endpoint) sharedSession(ctx context.Context) (ldapclient.Session, func(), error) {
	e.mu.RLock()
	if e.shared != nil {
		return e.shared, e.mu.RUnlock, nil
	}
	e.mu.RUnlock()

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil, nil, errEndpointClosed
	}
	if !e.concurrentBind.Load() {
		e.mu.Unlock()
		return nil, nil, ldapclient.ErrFastBindUnsupported
	}
	if e.shared == nil {
		session, err := e.dialer.Dial(ctx, e.Target())
		if err != nil {
			e.mu.Unlock()
			return nil, nil, err
		}
		if err := session.EnableFastConcurrentBind(ctx); err != nil {
			_ = session.Close()
			e.mu.Unlock()
			return nil, nil, err
		}
		ldapclient.LogConnectionEvent(ctx, "fast_bind_enabled", map[string]any{
			"server": e.Server,
		})
		e.shared = session
	}
	e.mu.Unlock()

	// Another goroutine may drop the session between Unlock and RLock; retry.
	return e.sharedSession(ctx)
}

// dropShared closes the shared session if it is still the one that failed.
func (e *Endpoint) dropShared(ctx context.Context, failed ldapclient.Session) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.shared != nil && e.shared == failed {
		_ = e.shared.Close()
		e.shared = nil
		ldapclient.LogConnectionEvent(ctx, "connection_lost", map[string]any{
			"server": e.Server,
		})
	}
}

// Close releases the shared session and every pooled session.
func (e *Endpoint) Close() error {
	e.mu.Lock()
	e.closed = true
	if e.shared != nil {
		_ = e.shared.Close()
		e.shared = nil
	}
	e.mu.Unlock()

	if e.pool != nil {
		return e.pool.Close()
	}
	return nil
}
