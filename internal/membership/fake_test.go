package membership

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// fakeDirectory is an in-memory directory server reachable through
// fakeDirectory.Dial.
type fakeDirectory struct {
	mu        sync.Mutex
	root      map[string][]string
	entries   map[string]map[string][]string // lowercased DN -> attributes
	dns       map[string]string              // lowercased DN -> DN as written
	aliases   map[string]string              // lowercased base -> lowercased DN
	passwords map[string]string              // lowercased bind name -> password
	attempts  []string
	binds     []string // bind names, in order
	modifies  []ldapclient.ModifyRequest

	// dialErr and bindErr script transport and bind failures. fastBindErr
	// is the raw LDAP error returned for the fast concurrent bind request.
	dialErr     func(target ldapclient.Target) error
	bindErr     func(target ldapclient.Target, cred ldapclient.Credential, mech ldapclient.Mechanism) error
	fastBindErr error

	dials     atomic.Int32
	open      atomic.Int32
	fastBinds atomic.Int32
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		root:      map[string][]string{},
		entries:   map[string]map[string][]string{},
		dns:       map[string]string{},
		aliases:   map[string]string{},
		passwords: map[string]string{},
	}
}

func (d *fakeDirectory) add(dn string, attrs map[string][]string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	key := strings.ToLower(dn)
	d.entries[key] = attrs
	d.dns[key] = dn
}

func (d *fakeDirectory) alias(base, dn string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.aliases[strings.ToLower(base)] = strings.ToLower(dn)
}

func (d *fakeDirectory) setPassword(bindName, password string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.passwords[strings.ToLower(bindName)] = password
}

func (d *fakeDirectory) attr(dn, name string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, v := range d.entries[strings.ToLower(dn)] {
		if strings.EqualFold(k, name) && len(v) > 0 {
			return v[0]
		}
	}
	return ""
}

func (d *fakeDirectory) setAttr(dn, name string, values ...string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.entries[strings.ToLower(dn)][name] = values
}

func (d *fakeDirectory) modifyLog() []ldapclient.ModifyRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.modifies)
}

func (d *fakeDirectory) attemptLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.attempts)
}

func (d *fakeDirectory) bindLog() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return slices.Clone(d.binds)
}

func (d *fakeDirectory) Dial(_ context.Context, target ldapclient.Target) (ldapclient.Session, error) {
	d.dials.Add(1)
	if d.dialErr != nil {
		if err := d.dialErr(target); err != nil {
			return nil, err
		}
	}
	d.open.Add(1)
	return &fakeSession{dir: d, target: target}, nil
}

var _ ldapclient.Dialer = (*fakeDirectory)(nil)

func invalidCredentials() error {
	return ldapclient.NewLDAPError("bind", ldap.NewError(ldap.LDAPResultInvalidCredentials, errors.New("80090308: LdapErr: DSID-0C09044E")))
}

func strongAuthRequired() error {
	return ldapclient.NewLDAPError("bind", ldap.NewError(ldap.LDAPResultStrongAuthRequired, errors.New("strong auth required")))
}

func serverUnavailable() error {
	return ldapclient.NewLDAPError("dial", ldap.NewError(ldap.ErrorNetwork, &net.OpError{Op: "dial", Err: errors.New("connection refused")}))
}

func unwillingToPerform() error {
	return ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("00002035: LdapErr: DSID-0C090F5D, comment: The server is unwilling to process the request"))
}

func noSuchObject(dn string) error {
	return ldapclient.NewLDAPError("search", ldap.NewError(ldap.LDAPResultNoSuchObject, fmt.Errorf("no such object: %s", dn)))
}

// fakeSession follows Active Directory in refusing fast concurrent bind on
// a connection that has already been bound.
type fakeSession struct {
	dir    *fakeDirectory
	target ldapclient.Target
	closed atomic.Bool
	bound  atomic.Bool
	fast   atomic.Bool
}

func (s *fakeSession) Target() ldapclient.Target { return s.target }

func (s *fakeSession) Bind(_ context.Context, cred ldapclient.Credential, mech ldapclient.Mechanism) error {
	d := s.dir
	d.mu.Lock()
	d.attempts = append(d.attempts, s.target.Protection.String()+"/"+mech.String())
	d.binds = append(d.binds, cred.BindName())
	d.mu.Unlock()

	if !s.fast.Load() {
		s.bound.Store(true)
	}

	if d.bindErr != nil {
		if err := d.bindErr(s.target, cred, mech); err != nil {
			return err
		}
	}
	if cred.IsDefault() {
		return nil
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if want, ok := d.passwords[strings.ToLower(cred.BindName())]; ok && want == cred.Password {
		return nil
	}
	return invalidCredentials()
}

func (s *fakeSession) Search(_ context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error) {
	d := s.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	if req.BaseDN == "" && req.Scope == ldapclient.ScopeBaseObject {
		return &ldapclient.SearchResult{Entries: []*ldap.Entry{ldap.NewEntry("", maps.Clone(d.root))}}, nil
	}

	filter, err := parseFilter(req.Filter)
	if err != nil {
		return nil, ldapclient.NewLDAPError("search", ldap.NewError(ldap.LDAPResultFilterError, err))
	}

	baseKey := strings.ToLower(req.BaseDN)
	if alias, ok := d.aliases[baseKey]; ok {
		baseKey = alias
	}
	if _, ok := d.entries[baseKey]; !ok {
		return nil, noSuchObject(req.BaseDN)
	}
	base, err := ldap.ParseDN(d.dns[baseKey])
	if err != nil {
		return nil, err
	}

	var keys []string
	for key := range d.entries {
		dn, err := ldap.ParseDN(d.dns[key])
		if err != nil {
			continue
		}
		var inScope bool
		switch req.Scope {
		case ldapclient.ScopeBaseObject:
			inScope = key == baseKey
		case ldapclient.ScopeSingleLevel:
			inScope = len(dn.RDNs) == len(base.RDNs)+1 && base.AncestorOfFold(dn)
		case ldapclient.ScopeWholeSubtree:
			inScope = key == baseKey || base.AncestorOfFold(dn)
		}
		if inScope && filter.match(d.entries[key]) {
			keys = append(keys, key)
		}
	}
	slices.Sort(keys)

	result := &ldapclient.SearchResult{}
	for _, key := range keys {
		attrs := make(map[string][]string, len(d.entries[key]))
		for k, v := range d.entries[key] {
			attrs[k] = slices.Clone(v)
		}
		result.Entries = append(result.Entries, ldap.NewEntry(d.dns[key], attrs))
	}
	return result, nil
}

func (s *fakeSession) Modify(_ context.Context, req *ldapclient.ModifyRequest) error {
	d := s.dir
	d.mu.Lock()
	defer d.mu.Unlock()

	attrs, ok := d.entries[strings.ToLower(req.DN)]
	if !ok {
		return noSuchObject(req.DN)
	}
	for name, values := range req.ReplaceAttributes {
		for existing := range attrs {
			if strings.EqualFold(existing, name) {
				delete(attrs, existing)
			}
		}
		attrs[name] = slices.Clone(values)
	}
	d.modifies = append(d.modifies, ldapclient.ModifyRequest{DN: req.DN, ReplaceAttributes: maps.Clone(req.ReplaceAttributes)})
	return nil
}

func (s *fakeSession) EnableFastConcurrentBind(context.Context) error {
	s.dir.fastBinds.Add(1)
	if s.dir.fastBindErr != nil {
		return ldapclient.FastBindError(s.dir.fastBindErr)
	}
	if s.bound.Load() {
		return ldapclient.FastBindError(unwillingToPerform())
	}
	s.fast.Store(true)
	return nil
}

func (s *fakeSession) Close() error {
	if s.closed.CompareAndSwap(false, true) {
		s.dir.open.Add(-1)
	}
	return nil
}

// filterNode is a parsed search filter. Extensible matches always match.
type filterNode struct {
	op       byte // '&', '|', '!', '=' equality, 'p' presence, 'x' extensible
	attr     string
	value    string
	children []*filterNode
}

func parseFilter(s string) (*filterNode, error) {
	node, rest, err := parseFilterAt(s)
	if err != nil {
		return nil, err
	}
	if rest != "" {
		return nil, fmt.Errorf("trailing data %q", rest)
	}
	return node, nil
}

func parseFilterAt(s string) (*filterNode, string, error) {
	if !strings.HasPrefix(s, "(") || len(s) < 2 {
		return nil, s, fmt.Errorf("expected ( at %q", s)
	}
	s = s[1:]

	switch s[0] {
	case '&', '|', '!':
		node := &filterNode{op: s[0]}
		s = s[1:]
		for strings.HasPrefix(s, "(") {
			child, rest, err := parseFilterAt(s)
			if err != nil {
				return nil, rest, err
			}
			node.children = append(node.children, child)
			s = rest
		}
		if !strings.HasPrefix(s, ")") {
			return nil, s, fmt.Errorf("expected ) at %q", s)
		}
		return node, s[1:], nil
	default:
		end := strings.IndexByte(s, ')')
		if end < 0 {
			return nil, s, fmt.Errorf("unterminated item %q", s)
		}
		attr, value, ok := strings.Cut(s[:end], "=")
		if !ok {
			return nil, s, fmt.Errorf("invalid item %q", s[:end])
		}
		node := &filterNode{op: '=', attr: attr, value: unescapeFilterValue(value)}
		switch {
		case strings.HasSuffix(attr, ":"):
			node.op = 'x'
		case value == "*":
			node.op = 'p'
		}
		return node, s[end+1:], nil
	}
}

func unescapeFilterValue(v string) string {
	var b strings.Builder
	for i := 0; i < len(v); i++ {
		if v[i] == '\\' && i+2 < len(v) {
			if n, err := strconv.ParseUint(v[i+1:i+3], 16, 8); err == nil {
				b.WriteByte(byte(n))
				i += 2
				continue
			}
		}
		b.WriteByte(v[i])
	}
	return b.String()
}

func (n *filterNode) match(attrs map[string][]string) bool {
	switch n.op {
	case '&':
		for _, c := range n.children {
			if !c.match(attrs) {
				return false
			}
		}
		return true
	case '|':
		for _, c := range n.children {
			if c.match(attrs) {
				return true
			}
		}
		return false
	case '!':
		return len(n.children) == 1 && !n.children[0].match(attrs)
	case 'x':
		return true
	}

	if strings.EqualFold(n.attr, "objectClass") && n.op == 'p' {
		return true
	}
	for name, values := range attrs {
		if !strings.EqualFold(name, n.attr) {
			continue
		}
		if n.op == 'p' {
			return len(values) > 0
		}
		for _, v := range values {
			if strings.EqualFold(v, n.value) {
				return true
			}
		}
	}
	return false
}

// Fixture names.
const (
	adDomainDN   = "DC=corp,DC=example,DC=com"
	adUsersDN    = "CN=Users," + adDomainDN
	adConfigDN   = "CN=Configuration," + adDomainDN
	adSchemaDN   = "CN=Schema," + adConfigDN
	adServer     = "dc01.corp.example.com"
	adamRootDN   = "O=Apps"
	adamPeopleDN = "CN=People," + adamRootDN
	adamSchemaDN = "CN=Schema,CN=Configuration,CN={6C2B6B5E-0D5A-4B2E-9F39-6E1D3C3E5A10}"

	serviceUser     = "svc@corp.example.com"
	servicePassword = "svc-password"

	aliceDN = "CN=Alice,CN=Users," + adDomainDN
	carolDN = "CN=Carol,CN=Users," + adDomainDN
	bobDN   = "CN=Bob," + adamPeopleDN
)

var fixtureNow = time.Date(2025, time.June, 1, 12, 0, 0, 0, time.UTC)

func fixedClock() time.Time { return fixtureNow }

// addSchema installs a minimal user class hierarchy and attribute set.
func addSchema(d *fakeDirectory, schemaDN string, superiors ...string) {
	d.add(schemaDN, map[string][]string{"objectClass": {"top", "dMD"}})

	class := func(name, parent string, attrs map[string][]string) {
		a := map[string][]string{
			"objectClass":     {"top", "classSchema"},
			"lDAPDisplayName": {name},
			"subClassOf":      {parent},
		}
		maps.Copy(a, attrs)
		d.add("CN="+name+","+schemaDN, a)
	}
	class("top", "top", map[string][]string{
		"systemMayContain": {"whenCreated", "objectGUID", "objectCategory"},
	})
	class("person", "top", map[string][]string{
		"systemMustContain": {"cn"},
		"mayContain":        {"comment"},
	})
	class("organizationalPerson", "person", map[string][]string{
		"mayContain":    {"mail", "otherMailbox"},
		"possSuperiors": {"organizationalUnit"},
	})
	class("user", "organizationalPerson", map[string][]string{
		"systemMayContain":    {"sAMAccountName", "userPrincipalName", "pwdLastSet", "lockoutTime", "userAccountControl"},
		"mayContain":          {"passwordQuestion", "passwordAnswer", "failedAnswerCount", "failedAnswerTime"},
		"auxiliaryClass":      {"answerTracking"},
		"systemPossSuperiors": superiors,
	})
	class("answerTracking", "top", map[string][]string{
		"mayContain": {"failedAnswerLockout"},
	})

	attribute := func(name string, syntax AttributeSyntax, single bool, rangeUpper int) {
		a := map[string][]string{
			"objectClass":     {"top", "attributeSchema"},
			"lDAPDisplayName": {name},
			"attributeSyntax": {string(syntax)},
			"isSingleValued":  {strings.ToUpper(strconv.FormatBool(single))},
		}
		if rangeUpper > 0 {
			a["rangeUpper"] = []string{strconv.Itoa(rangeUpper)}
		}
		d.add("CN="+name+","+schemaDN, a)
	}
	attribute("sAMAccountName", SyntaxDirectoryString, true, 256)
	attribute("userPrincipalName", SyntaxDirectoryString, true, 1024)
	attribute("mail", SyntaxDirectoryString, true, 256)
	attribute("otherMailbox", SyntaxDirectoryString, false, 0)
	attribute("passwordQuestion", SyntaxDirectoryString, true, 256)
	attribute("passwordAnswer", SyntaxDirectoryString, true, 128)
	attribute("failedAnswerCount", SyntaxInteger, true, 0)
	attribute("failedAnswerTime", SyntaxLargeInteger, true, 0)
	attribute("failedAnswerLockout", SyntaxLargeInteger, true, 0)
	attribute("employeeID", SyntaxDirectoryString, true, 16)
}

// newADDirectory returns an Active Directory domain with users alice and carol.
func newADDirectory() *fakeDirectory {
	d := newFakeDirectory()
	d.root = map[string][]string{
		"defaultNamingContext":       {adDomainDN},
		"schemaNamingContext":        {adSchemaDN},
		"configurationNamingContext": {adConfigDN},
		"rootDomainNamingContext":    {adDomainDN},
		"dnsHostName":                {adServer},
		"namingContexts":             {adDomainDN, adConfigDN, adSchemaDN},
		"supportedCapabilities":      {ldapclient.CapabilityActiveDirectory},
		"supportedExtension":         {ldapclient.FastConcurrentBindOID},
	}

	d.add(adDomainDN, map[string][]string{
		"objectClass":     {"top", "domain", "domainDNS"},
		"lockoutDuration": {"-18000000000"},
	})
	d.add(adUsersDN, map[string][]string{"objectClass": {"top", "container"}})
	d.alias(fmt.Sprintf("<WKGUID=%s,%s>", usersContainerWKGUID, adDomainDN), adUsersDN)
	d.add("OU=Groups,"+adDomainDN, map[string][]string{"objectClass": {"top", "group"}})

	d.add(adConfigDN, map[string][]string{"objectClass": {"top", "configuration"}})
	d.add("CN=Partitions,"+adConfigDN, map[string][]string{"objectClass": {"top", "crossRefContainer"}})
	d.add("CN=CORP,CN=Partitions,"+adConfigDN, map[string][]string{
		"objectClass": {"top", "crossRef"},
		"nCName":      {adDomainDN},
		"nETBIOSName": {"CORP"},
	})
	addSchema(d, adSchemaDN, "container", "domainDNS", "builtinDomain")

	d.add(aliceDN, map[string][]string{
		"objectClass":                        {"top", "person", "organizationalPerson", "user"},
		"objectCategory":                     {"person"},
		"sAMAccountName":                     {"alice"},
		"userPrincipalName":                  {"alice@corp.example.com"},
		"mail":                               {"alice@example.com"},
		"comment":                            {"first user"},
		"objectSid":                          {"S-1-5-21-1004336348-1177238915-682003330-1104"},
		"objectGUID":                         {"6ba7b810-9dad-11d1-80b4-00c04fd430c8"},
		"whenCreated":                        {"20240102030405.0Z"},
		"pwdLastSet":                         {ldapclient.FormatFileTime(time.Date(2025, time.May, 1, 8, 0, 0, 0, time.UTC))},
		"userAccountControl":                 {"512"},
		"msDS-User-Account-Control-Computed": {"0"},
		"lockoutTime":                        {"0"},
	})
	d.add(carolDN, map[string][]string{
		"objectClass":                        {"top", "person", "organizationalPerson", "user"},
		"objectCategory":                     {"person"},
		"sAMAccountName":                     {"carol"},
		"userPrincipalName":                  {"carol"},
		"objectSid":                          {"S-1-5-21-1004336348-1177238915-682003330-1105"},
		"whenCreated":                        {"20240102030405Z"},
		"userAccountControl":                 {"514"},
		"msDS-User-Account-Control-Computed": {"0"},
	})

	d.setPassword(serviceUser, servicePassword)
	d.setPassword("alice@corp.example.com", "correct-password")
	d.setPassword(`CORP\alice`, "correct-password")
	d.setPassword(`CORP\carol`, "carol-password")
	return d
}

// newADAMDirectory returns an ADAM instance with user bob.
func newADAMDirectory() *fakeDirectory {
	d := newFakeDirectory()
	d.root = map[string][]string{
		"schemaNamingContext":   {adamSchemaDN},
		"namingContexts":        {adamRootDN, adamSchemaDN},
		"supportedCapabilities": {ldapclient.CapabilityADAM, ldapclient.CapabilityActiveDirectory},
	}

	d.add(adamRootDN, map[string][]string{"objectClass": {"top", "organization"}})
	d.add(adamPeopleDN, map[string][]string{"objectClass": {"top", "container"}})
	addSchema(d, adamSchemaDN, "container", "organization")

	d.add(bobDN, map[string][]string{
		"objectClass":                        {"top", "person", "organizationalPerson", "user"},
		"userPrincipalName":                  {"bob@apps"},
		"objectSid":                          {"S-1-372222798-3919851120-1104"},
		"whenCreated":                        {"20240102030405.0Z"},
		"msDS-User-Account-Control-Computed": {"0"},
		"msDS-UserAccountDisabled":           {"FALSE"},
	})

	d.setPassword("CN=svc,"+adamRootDN, servicePassword)
	d.setPassword("bob@apps", "bob-password")
	return d
}

func serviceCredential() ldapclient.Credential {
	return ldapclient.Credential{Username: serviceUser, Password: servicePassword}
}

// fakeResolver answers SRV lookups from a map keyed by query name.
type fakeResolver map[string][]*net.SRV

func (r fakeResolver) LookupSRV(_ context.Context, _, _, name string) (string, []*net.SRV, error) {
	records, ok := r[name]
	if !ok {
		return "", nil, &net.DNSError{Err: "no such host", Name: name, IsNotFound: true}
	}
	return name, records, nil
}
