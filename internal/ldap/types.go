package ldap

import (
	"crypto/tls"
	"fmt"
	"strings"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// Well-known LDAP ports.
const (
	DefaultLDAPPort      = 389
	DefaultLDAPSPort     = 636
	GlobalCatalogPort    = 3268
	GlobalCatalogSSLPort = 3269
)

// Protection selects how the transport to the directory is secured.
type Protection int

const (
	ProtectionNone Protection = iota
	ProtectionTLS
	ProtectionSignAndSeal
)

// String returns string representation of the protection mode.
func (p Protection) String() string {
	switch p {
	case ProtectionNone:
		return "None"
	case ProtectionTLS:
		return "TLS"
	case ProtectionSignAndSeal:
		return "SignAndSeal"
	default:
		return "Unknown"
	}
}

// Encrypted reports whether traffic after the bind is encrypted on the wire.
// Only TLS is: sign-and-seal authenticates with Negotiate but the binds
// used do not negotiate a SASL security layer.
func (p Protection) Encrypted() bool {
	return p == ProtectionTLS
}

// Mechanism defines authentication method types.
type Mechanism int

const (
	MechanismSimple    Mechanism = iota // LDAP simple bind
	MechanismNegotiate                  // Kerberos (GSSAPI) or NTLM
)

// String returns string representation of authentication mechanism.
func (m Mechanism) String() string {
	switch m {
	case MechanismSimple:
		return "Simple"
	case MechanismNegotiate:
		return "Negotiate"
	default:
		return "Unknown"
	}
}

// Credential identifies the principal a session binds as.
// A zero Credential stands for the process's own identity (Kerberos ccache or keytab).
type Credential struct {
	Username string
	Password string
	Domain   string // NetBIOS domain, empty when the username carries its own qualifier
}

// IsDefault reports whether the credential carries no explicit username or password.
func (c Credential) IsDefault() bool {
	return c.Username == "" && c.Password == ""
}

// BindName returns the name used for simple and NTLM binds.
func (c Credential) BindName() string {
	if c.Domain == "" || strings.ContainsAny(c.Username, `\@`) {
		return c.Username
	}
	return c.Domain + `\` + c.Username
}

// SplitDomain separates a DOMAIN\user name into its parts.
func (c Credential) SplitDomain() (domain, user string) {
	if i := strings.Index(c.Username, `\`); i >= 0 {
		return c.Username[:i], c.Username[i+1:]
	}
	return c.Domain, c.Username
}

// Target is a single directory endpoint together with the protection to use against it.
type Target struct {
	Host       string
	Port       int
	Protection Protection
}

// Address returns host:port.
func (t Target) Address() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// URL returns the go-ldap dial URL for the target.
func (t Target) URL() string {
	scheme := "ldap"
	if t.Protection == ProtectionTLS {
		scheme = "ldaps"
	}
	return fmt.Sprintf("%s://%s", scheme, t.Address())
}

// DialConfig holds transport settings shared by every session.
type DialConfig struct {
	Timeout   time.Duration // Connect and per-request timeout (client-side)
	TLSConfig *tls.Config

	// Kerberos settings used by the Negotiate mechanism
	KerberosRealm  string
	KerberosConfig string // Path to krb5.conf
	KerberosKeytab string
	KerberosCCache string
	KerberosSPN    string // Overrides ldap/<host>
}

// DefaultDialConfig returns a secure default configuration.
func DefaultDialConfig() *DialConfig {
	return &DialConfig{
		Timeout: 30 * time.Second,
		TLSConfig: &tls.Config{
			MinVersion: tls.VersionTLS12,
		},
	}
}

// SearchRequest encapsulates LDAP search parameters.
type SearchRequest struct {
	BaseDN     string
	Scope      SearchScope
	Filter     string
	Attributes []string
	SizeLimit  int
	TimeLimit  time.Duration // Server-side limit, zero for none
}

// SearchResult contains search results.
type SearchResult struct {
	Entries []*ldap.Entry
}

// First returns the first entry or nil.
func (r *SearchResult) First() *ldap.Entry {
	if r == nil || len(r.Entries) == 0 {
		return nil
	}
	return r.Entries[0]
}

// ModifyRequest encapsulates LDAP modify parameters.
// All changes are sent in one request and applied atomically by the server.
type ModifyRequest struct {
	DN                string
	ReplaceAttributes map[string][]string
}

// SearchScope defines LDAP search scope.
type SearchScope int

const (
	ScopeBaseObject SearchScope = iota
	ScopeSingleLevel
	ScopeWholeSubtree
)

func (s SearchScope) toLDAP() int {
	switch s {
	case ScopeSingleLevel:
		return ldap.ScopeSingleLevel
	case ScopeWholeSubtree:
		return ldap.ScopeWholeSubtree
	default:
		return ldap.ScopeBaseObject
	}
}
