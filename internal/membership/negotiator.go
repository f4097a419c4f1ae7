package membership

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// usersContainerWKGUID is the well-known GUID of the default Users container.
const usersContainerWKGUID = "a9d1ca15768811d1aded00c04fd8d5cd"

// NegotiateOptions tunes negotiation beyond the connection string.
type NegotiateOptions struct {
	// PreferPDC switches an AD endpoint to the PDC emulator when the
	// configured server name is a domain with a PDC SRV record.
	PreferPDC bool

	Discovery           *ldapclient.SRVDiscovery
	ServerSearchTimeout time.Duration
	PoolSize            int
}

// probeOutcome tells the negotiator what to do after a candidate fails.
type probeOutcome int

const (
	probeSuccess probeOutcome = iota
	probeRetryNext
	probeFallback // skip to the sign-and-seal candidate
	probeFatal
)

// probe is one protection/mechanism combination to try.
type probe struct {
	protection    ldapclient.Protection
	mechanism     ldapclient.Mechanism
	onRejected    probeOutcome
	onUnavailable probeOutcome
}

// candidateProbes returns the ordered probe list for a protection request.
func candidateProbes(requested ConnectionProtection, cred ldapclient.Credential) ([]probe, error) {
	switch requested {
	case ConnectionProtectionNone:
		if cred.IsDefault() {
			return nil, &UnsupportedDirectoryError{Reason: "default credentials cannot be used without connection protection"}
		}
		return []probe{
			{ldapclient.ProtectionNone, ldapclient.MechanismSimple, probeFatal, probeFatal},
		}, nil

	case ConnectionProtectionSecure:
		signAndSeal := probe{ldapclient.ProtectionSignAndSeal, ldapclient.MechanismNegotiate, probeFatal, probeFatal}
		if cred.IsDefault() {
			return []probe{
				{ldapclient.ProtectionTLS, ldapclient.MechanismNegotiate, probeFatal, probeRetryNext},
				signAndSeal,
			}, nil
		}
		return []probe{
			{ldapclient.ProtectionTLS, ldapclient.MechanismSimple, probeRetryNext, probeFallback},
			{ldapclient.ProtectionTLS, ldapclient.MechanismNegotiate, probeFatal, probeRetryNext},
			signAndSeal,
		}, nil

	default:
		return nil, configError("connection_protection", "unknown value %q", requested)
	}
}

// classify maps a probe error to the outcome configured for it.
func (p probe) classify(err error) probeOutcome {
	switch {
	case err == nil:
		return probeSuccess
	case ldapclient.IsServerUnavailable(err):
		return p.onUnavailable
	case ldapclient.IsAuthenticationError(err):
		return p.onRejected
	default:
		return probeFatal
	}
}

// targetPort picks the explicit port or the default for the protection.
func targetPort(path *ldapclient.ADsPath, protection ldapclient.Protection) int {
	if path.PortSpecified() {
		return path.Port
	}
	if protection == ldapclient.ProtectionTLS {
		return ldapclient.DefaultLDAPSPort
	}
	return ldapclient.DefaultLDAPPort
}

// Negotiate probes the server named by adspath, selects a working protection
// and mechanism, classifies the directory and resolves its containers.
func Negotiate(ctx context.Context, dialer ldapclient.Dialer, adspath string, cred ldapclient.Credential,
	requested ConnectionProtection, opts NegotiateOptions) (*Endpoint, error) {
	path, err := ldapclient.ParseADsPath(adspath)
	if err != nil {
		return nil, &ConfigurationError{Setting: "connection_string", Reason: "malformed connection string", Cause: err}
	}

	probes, err := candidateProbes(requested, cred)
	if err != nil {
		return nil, err
	}

	session, selected, err := runProbes(ctx, dialer, path, cred, probes)
	if err != nil {
		return nil, err
	}
	defer session.Close()

	ep := &Endpoint{
		Server:              path.Host,
		Port:                targetPort(path, selected.protection),
		PortSpecified:       path.PortSpecified(),
		Protection:          selected.protection,
		Mechanism:           selected.mechanism,
		ServerSearchTimeout: opts.ServerSearchTimeout,
		credential:          cred,
		dialer:              dialer,
	}

	if err := ep.discover(ctx, session, path.Container, opts); err != nil {
		return nil, err
	}

	ep.initPool(opts.PoolSize)

	tflog.SubsystemInfo(ctx, "membership", "Directory endpoint negotiated", map[string]any{
		"server":          ep.Server,
		"port":            ep.Port,
		"protection":      ep.Protection.String(),
		"mechanism":       ep.Mechanism.String(),
		"directory_type":  ep.DirectoryType.String(),
		"container":       ep.ContainerDN,
		"concurrent_bind": ep.ConcurrentBindSupported(),
	})
	return ep, nil
}

// runProbes walks the candidate list and returns the first bound session.
func runProbes(ctx context.Context, dialer ldapclient.Dialer, path *ldapclient.ADsPath, cred ldapclient.Credential,
	probes []probe) (ldapclient.Session, probe, error) {
	for i := 0; i < len(probes); {
		p := probes[i]
		target := ldapclient.Target{Host: path.Host, Port: targetPort(path, p.protection), Protection: p.protection}

		session, err := dialAndBind(ctx, dialer, target, cred, p.mechanism)
		outcome := p.classify(err)

		fields := map[string]any{
			"server":     target.Address(),
			"protection": p.protection.String(),
			"mechanism":  p.mechanism.String(),
		}
		if err != nil {
			fields["error"] = err.Error()
		}
		tflog.SubsystemDebug(ctx, "membership", "Negotiation probe", fields)

		switch outcome {
		case probeSuccess:
			return session, p, nil
		case probeRetryNext:
			i++
		case probeFallback:
			next := slices.IndexFunc(probes[i+1:], func(c probe) bool {
				return c.protection == ldapclient.ProtectionSignAndSeal
			})
			if next < 0 {
				return nil, p, unreachable(path, p, err)
			}
			i += next + 1
		default:
			return nil, p, unreachable(path, p, err)
		}
	}

	// The last candidate is always fatal on failure; this is unreachable.
	return nil, probe{}, &AuthorityUnreachableError{Server: path.Host}
}

func unreachable(path *ldapclient.ADsPath, p probe, cause error) error {
	return &AuthorityUnreachableError{Server: path.Host, Protection: p.protection.String(), Cause: cause}
}

func dialAndBind(ctx context.Context, dialer ldapclient.Dialer, target ldapclient.Target, cred ldapclient.Credential,
	mech ldapclient.Mechanism) (ldapclient.Session, error) {
	session, err := dialer.Dial(ctx, target)
	if err != nil {
		return nil, err
	}
	if err := session.Bind(ctx, cred, mech); err != nil {
		_ = session.Close()
		return nil, err
	}
	return session, nil
}

// discover fills in everything that is read from the directory after the
// transport has been chosen.
func (e *Endpoint) discover(ctx context.Context, session ldapclient.Session, container string, opts NegotiateOptions) error {
	root, err := ldapclient.ReadRootDSE(ctx, session)
	if err != nil {
		return &AuthorityUnreachableError{Server: e.Server, Protection: e.Protection.String(), Cause: err}
	}

	switch {
	case root.HasCapability(ldapclient.CapabilityADAM):
		e.DirectoryType = DirectoryTypeADAM
	case root.HasCapability(ldapclient.CapabilityActiveDirectory):
		e.DirectoryType = DirectoryTypeAD
	default:
		return &UnsupportedDirectoryError{Reason: "server is neither Active Directory nor ADAM"}
	}

	if e.DirectoryType == DirectoryTypeADAM && e.Protection == ldapclient.ProtectionSignAndSeal {
		return &UnsupportedDirectoryError{Reason: "ADAM does not support sign-and-seal authentication for its users"}
	}

	if e.DirectoryType == DirectoryTypeAD &&
		(e.Port == ldapclient.GlobalCatalogPort || e.Port == ldapclient.GlobalCatalogSSLPort) {
		return configError("connection_string", "global catalog port %d is not supported", e.Port)
	}

	e.SchemaNamingContext = root.SchemaNamingContext

	if err := e.resolveContainers(ctx, session, root, container); err != nil {
		return err
	}

	schema := newDirectorySchema(searcherWithTimeout{session, e.ServerSearchTimeout}, e.SchemaNamingContext)
	if err := checkSuperior(ctx, session, schema, e.CreationContainerDN, e.ServerSearchTimeout); err != nil {
		return err
	}

	if e.Protection != ldapclient.ProtectionSignAndSeal && root.HasExtension(ldapclient.FastConcurrentBindOID) {
		e.concurrentBind.Store(true)
	}

	switch e.DirectoryType {
	case DirectoryTypeADAM:
		partition, err := partitionFor(e.ContainerDN, root.NamingContexts)
		if err != nil {
			return err
		}
		e.PartitionDN = partition

	case DirectoryTypeAD:
		if err := e.discoverDomain(ctx, session, root); err != nil {
			return err
		}
		e.credential.Domain = e.NetBIOSDomainName

		if opts.PreferPDC {
			e.selectPDC(ctx, opts.Discovery)
		}
	}

	return nil
}

// resolveContainers sets ContainerDN and CreationContainerDN.
func (e *Endpoint) resolveContainers(ctx context.Context, session ldapclient.Session, root *ldapclient.RootDSE, container string) error {
	if container == "" {
		if e.DirectoryType == DirectoryTypeADAM {
			return configError("connection_string", "a container must be specified for ADAM")
		}
		if root.DefaultNamingContext == "" {
			return configError("connection_string", "server does not advertise a default naming context")
		}
		e.ContainerDN = root.DefaultNamingContext

		wellKnown := fmt.Sprintf("<WKGUID=%s,%s>", usersContainerWKGUID, root.DefaultNamingContext)
		users, err := canonicalDN(ctx, session, wellKnown, e.ServerSearchTimeout)
		if err != nil {
			return &ContainerNotFoundError{Container: wellKnown, Cause: err}
		}
		e.CreationContainerDN = users
		return nil
	}

	dn, err := canonicalDN(ctx, session, container, e.ServerSearchTimeout)
	if err != nil {
		return &ContainerNotFoundError{Container: container, Cause: err}
	}
	e.ContainerDN = dn
	e.CreationContainerDN = dn
	return nil
}

// canonicalDN reads the distinguished name of the object at dn.
func canonicalDN(ctx context.Context, s searcher, dn string, timeout time.Duration) (string, error) {
	result, err := s.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     dn,
		Scope:      ldapclient.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"distinguishedName"},
		TimeLimit:  timeout,
	})
	if err != nil {
		return "", err
	}
	entry := result.First()
	if entry == nil {
		return "", fmt.Errorf("no object at %s", dn)
	}
	if v := entry.GetAttributeValue("distinguishedName"); v != "" {
		return v, nil
	}
	return entry.DN, nil
}

// checkSuperior verifies that a user object may be created under dn.
func checkSuperior(ctx context.Context, session ldapclient.Session, schema *directorySchema, dn string, timeout time.Duration) error {
	result, err := session.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     dn,
		Scope:      ldapclient.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"objectClass"},
		TimeLimit:  timeout,
	})
	if err != nil {
		return &ContainerNotFoundError{Container: dn, Cause: err}
	}
	entry := result.First()
	if entry == nil {
		return &ContainerNotFoundError{Container: dn}
	}

	superiors, err := schema.possibleSuperiors(ctx, "user")
	if err != nil {
		return &ConfigurationError{Setting: "connection_string", Reason: "reading user class schema", Cause: err}
	}

	classes := entry.GetAttributeValues("objectClass")
	for _, class := range classes {
		if superiors[strings.ToLower(class)] {
			return nil
		}
	}
	return &InvalidSuperiorError{Container: dn, ObjectClasses: classes}
}

// partitionFor returns the longest naming context containing dn.
func partitionFor(dn string, namingContexts []string) (string, error) {
	var best string
	var bestLen int
	for _, nc := range namingContexts {
		ok, err := ldapclient.IsDNSuffix(dn, nc)
		if err != nil || !ok {
			continue
		}
		if l := len(nc); l > bestLen {
			best, bestLen = nc, l
		}
	}
	if best == "" {
		return "", configError("connection_string", "container %q is not in any application partition", dn)
	}
	return best, nil
}

// discoverDomain reads the AD domain names and lockout policy.
func (e *Endpoint) discoverDomain(ctx context.Context, session ldapclient.Session, root *ldapclient.RootDSE) error {
	domain, err := ldapclient.DNToDNSName(root.DefaultNamingContext)
	if err != nil {
		return &ConfigurationError{Setting: "connection_string", Reason: "invalid default naming context", Cause: err}
	}
	e.DomainName = domain

	forestDN := root.RootDomainNamingContext
	if forestDN == "" {
		forestDN = root.DefaultNamingContext
	}
	if forest, err := ldapclient.DNToDNSName(forestDN); err == nil {
		e.ForestName = forest
	}

	e.NetBIOSDomainName = e.netBIOSName(ctx, session, root)

	result, err := session.Search(ctx, &ldapclient.SearchRequest{
		BaseDN:     root.DefaultNamingContext,
		Scope:      ldapclient.ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: []string{"lockoutDuration"},
		TimeLimit:  e.ServerSearchTimeout,
	})
	if err != nil {
		return &ConfigurationError{Setting: "connection_string", Reason: "reading domain lockout policy", Cause: err}
	}
	if entry := result.First(); entry != nil {
		d, err := ldapclient.ParseIntervalDuration(entry.GetAttributeValue("lockoutDuration"))
		if err != nil {
			return &ConfigurationError{Setting: "connection_string", Reason: "invalid lockoutDuration", Cause: err}
		}
		e.NativeLockoutDuration = d
	}
	return nil
}

// netBIOSName reads the domain's crossRef. When it cannot be read the first
// DNS label is used.
func (e *Endpoint) netBIOSName(ctx context.Context, session ldapclient.Session, root *ldapclient.RootDSE) string {
	fallback := strings.ToUpper(strings.SplitN(e.DomainName, ".", 2)[0])
	if root.ConfigurationNamingContext == "" {
		return fallback
	}

	result, err := session.Search(ctx, &ldapclient.SearchRequest{
		BaseDN: "CN=Partitions," + root.ConfigurationNamingContext,
		Scope:  ldapclient.ScopeSingleLevel,
		Filter: fmt.Sprintf("(&(objectClass=crossRef)(nCName=%s))",
			ldapclient.EscapeFilterValue(root.DefaultNamingContext)),
		Attributes: []string{"nETBIOSName"},
		TimeLimit:  e.ServerSearchTimeout,
	})
	if err != nil {
		tflog.SubsystemDebug(ctx, "membership", "NetBIOS name lookup failed", map[string]any{
			"error": err.Error(),
		})
		return fallback
	}
	if entry := result.First(); entry != nil {
		if name := entry.GetAttributeValue("nETBIOSName"); name != "" {
			return name
		}
	}
	return fallback
}

// selectPDC points the endpoint at the PDC emulator when the configured
// server name resolves to one.
func (e *Endpoint) selectPDC(ctx context.Context, discovery *ldapclient.SRVDiscovery) {
	if discovery == nil {
		discovery = ldapclient.NewSRVDiscovery(nil)
	}

	pdc, err := discovery.DiscoverPDC(ctx, e.Server)
	if err != nil {
		tflog.SubsystemDebug(ctx, "membership", "No PDC record for server, keeping configured server", map[string]any{
			"server": e.Server,
			"error":  err.Error(),
		})
		return
	}

	tflog.SubsystemInfo(ctx, "membership", "Using PDC emulator", map[string]any{
		"server": e.Server,
		"pdc":    pdc.Host,
	})
	e.Server = pdc.Host
}

// searcherWithTimeout applies a server time limit to every search.
type searcherWithTimeout struct {
	s       searcher
	timeout time.Duration
}

func (s searcherWithTimeout) Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	if req.TimeLimit == 0 {
		req.TimeLimit = s.timeout
	}
	return s.s.Search(ctx, req)
}
