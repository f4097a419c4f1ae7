package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// FastConcurrentBindOID is the extended operation (and supportedExtension value)
// that switches an Active Directory connection into fast concurrent bind mode.
const FastConcurrentBindOID = "1.2.840.113556.1.4.1781"

// Session is one open connection to a directory server.
//
// Implementations must be safe for concurrent use: requests are multiplexed
// by message ID on the underlying connection.
type Session interface {
	// Bind authenticates the session with the given mechanism.
	Bind(ctx context.Context, cred Credential, mech Mechanism) error

	Search(ctx context.Context, req *SearchRequest) (*SearchResult, error)

	// Modify applies every change in req as a single request.
	Modify(ctx context.Context, req *ModifyRequest) error

	// EnableFastConcurrentBind switches the session into fast concurrent bind
	// mode. After it succeeds binds only verify credentials.
	EnableFastConcurrentBind(ctx context.Context) error

	Target() Target

	Close() error
}

// Dialer opens sessions.
type Dialer interface {
	Dial(ctx context.Context, target Target) (Session, error)
}

// NetDialer dials real directory servers using go-ldap.
type NetDialer struct {
	Config *DialConfig
}

// NewNetDialer creates a dialer, falling back to DefaultDialConfig when cfg is nil.
func NewNetDialer(cfg *DialConfig) *NetDialer {
	if cfg == nil {
		cfg = DefaultDialConfig()
	}
	return &NetDialer{Config: cfg}
}

var _ Dialer = (*NetDialer)(nil)

// Dial connects to target. TLS targets use LDAPS; the others use plain LDAP.
// Sign-and-seal targets authenticate with Negotiate, but the NTLM and GSSAPI
// binds do not set up a security layer, so traffic after the bind is
// neither signed nor encrypted.
func (d *NetDialer) Dial(ctx context.Context, target Target) (Session, error) {
	start := time.Now()
	url := target.URL()

	LogConnectionEvent(ctx, "connection_attempt", map[string]any{
		"url":        url,
		"protection": target.Protection.String(),
	})

	if target.Protection == ProtectionSignAndSeal {
		tflog.SubsystemWarn(ctx, "ldap", "Directory traffic is not encrypted", map[string]any{
			"url":        url,
			"protection": target.Protection.String(),
		})
	}

	opts := []ldap.DialOpt{}
	if d.Config.Timeout > 0 {
		opts = append(opts, ldap.DialWithDialer(newNetDialer(d.Config.Timeout)))
	}
	if target.Protection == ProtectionTLS {
		opts = append(opts, ldap.DialWithTLSConfig(tlsConfigFor(d.Config.TLSConfig, target.Host)))
	}

	conn, err := ldap.DialURL(url, opts...)
	if err != nil {
		LogConnectionEvent(ctx, "connection_failed", map[string]any{
			"url":   url,
			"error": err.Error(),
		})
		return nil, NewLDAPError("dial", fmt.Errorf("failed to connect to %s: %w", url, err))
	}

	if d.Config.Timeout > 0 {
		conn.SetTimeout(d.Config.Timeout)
	}

	LogConnectionEvent(ctx, "connection_established", map[string]any{
		"url":         url,
		"duration_ms": time.Since(start).Milliseconds(),
	})

	return &directorySession{conn: conn, target: target, config: d.Config}, nil
}

// directorySession wraps *ldap.Conn as a Session.
type directorySession struct {
	conn   *ldap.Conn
	target Target
	config *DialConfig
}

func (s *directorySession) Target() Target {
	return s.target
}

func (s *directorySession) Bind(ctx context.Context, cred Credential, mech Mechanism) error {
	var err error

	switch mech {
	case MechanismSimple:
		if cred.IsDefault() {
			return NewLDAPError("bind", errors.New("simple bind requires an explicit credential"))
		}
		err = s.conn.Bind(cred.BindName(), cred.Password)
	case MechanismNegotiate:
		err = s.negotiate(ctx, cred)
	default:
		return NewLDAPError("bind", fmt.Errorf("unsupported mechanism %d", mech))
	}

	if err != nil {
		return NewLDAPError("bind", err)
	}
	return nil
}

// negotiate prefers Kerberos when a realm is configured or no explicit
// credential was given, and NTLM otherwise.
func (s *directorySession) negotiate(ctx context.Context, cred Credential) error {
	if cred.IsDefault() || s.config.KerberosRealm != "" {
		return performKerberosBind(ctx, s.conn, s.config, cred, s.target.Host)
	}

	domain, user := cred.SplitDomain()
	return s.conn.NTLMBind(domain, user, cred.Password)
}

func (s *directorySession) Search(ctx context.Context, req *SearchRequest) (*SearchResult, error) {
	timeLimit := 0
	if req.TimeLimit > 0 {
		timeLimit = int(req.TimeLimit / time.Second)
	}

	searchReq := ldap.NewSearchRequest(
		req.BaseDN,
		req.Scope.toLDAP(),
		ldap.NeverDerefAliases,
		req.SizeLimit,
		timeLimit,
		false,
		req.Filter,
		req.Attributes,
		nil,
	)

	tflog.SubsystemTrace(ctx, "ldap", "Search", map[string]any{
		"base_dn": req.BaseDN,
		"filter":  req.Filter,
		"scope":   int(req.Scope),
	})

	result, err := s.conn.Search(searchReq)
	if err != nil {
		ldapErr := NewLDAPError("search", err)
		ldapErr.DN = req.BaseDN
		return nil, ldapErr
	}

	return &SearchResult{Entries: result.Entries}, nil
}

func (s *directorySession) Modify(ctx context.Context, req *ModifyRequest) error {
	modifyReq := ldap.NewModifyRequest(req.DN, nil)
	for name, values := range req.ReplaceAttributes {
		modifyReq.Replace(name, values)
	}

	if err := s.conn.Modify(modifyReq); err != nil {
		ldapErr := NewLDAPError("modify", err)
		ldapErr.DN = req.DN
		return ldapErr
	}

	tflog.SubsystemTrace(ctx, "ldap", "Modify", map[string]any{
		"dn":         req.DN,
		"attributes": len(req.ReplaceAttributes),
	})
	return nil
}

func (s *directorySession) EnableFastConcurrentBind(ctx context.Context) error {
	if _, err := s.conn.Extended(ldap.NewExtendedRequest(FastConcurrentBindOID, nil)); err != nil {
		tflog.SubsystemDebug(ctx, "ldap", "Fast concurrent bind rejected", map[string]any{
			"error": err.Error(),
		})
		return FastBindError(err)
	}
	return nil
}

// fastBindRejections are the result codes a server answers with when it
// will not enable fast concurrent bind on a connection.
var fastBindRejections = map[uint16]bool{
	ldap.LDAPResultOperationsError:              true,
	ldap.LDAPResultProtocolError:                true,
	ldap.LDAPResultUnwillingToPerform:           true,
	ldap.LDAPResultUnavailableCriticalExtension: true,
}

// FastBindError wraps a failed fast concurrent bind request. Only a refusal
// by the server carries ErrFastBindUnsupported; transport failures are
// returned as plain LDAP errors so callers can retry them.
func FastBindError(err error) error {
	if err == nil {
		return nil
	}
	ldapErr := WrapError("extended", err)
	if fastBindRejections[resultCode(err)] {
		return errors.Join(ErrFastBindUnsupported, ldapErr)
	}
	return ldapErr
}

func (s *directorySession) Close() error {
	s.conn.Close()
	return nil
}

func newNetDialer(timeout time.Duration) *net.Dialer {
	return &net.Dialer{Timeout: timeout}
}

// tlsConfigFor clones base and pins ServerName to host.
func tlsConfigFor(base *tls.Config, host string) *tls.Config {
	var cfg *tls.Config
	if base != nil {
		cfg = base.Clone()
	} else {
		cfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	if cfg.ServerName == "" {
		cfg.ServerName = host
	}
	return cfg
}
