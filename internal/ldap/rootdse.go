package ldap

import (
	"context"
	"errors"
	"slices"
	"strings"
)

// Capability and extension OIDs advertised in the root DSE.
const (
	CapabilityActiveDirectory = "1.2.840.113556.1.4.800"
	CapabilityADAM            = "1.2.840.113556.1.4.1851"
)

// RootDSE holds the server capabilities and naming contexts read from the
// root DSE entry.
type RootDSE struct {
	DefaultNamingContext       string
	SchemaNamingContext        string
	ConfigurationNamingContext string
	RootDomainNamingContext    string
	DNSHostName                string
	NamingContexts             []string
	SupportedCapabilities      []string
	SupportedExtensions        []string
}

var errNoRootDSE = errors.New("root DSE not returned")

var rootDSEAttributes = []string{
	"defaultNamingContext",
	"schemaNamingContext",
	"configurationNamingContext",
	"rootDomainNamingContext",
	"dnsHostName",
	"namingContexts",
	"supportedCapabilities",
	"supportedExtension",
}

// ReadRootDSE reads the root DSE through an already bound session.
func ReadRootDSE(ctx context.Context, session Session) (*RootDSE, error) {
	result, err := session.Search(ctx, &SearchRequest{
		BaseDN:     "",
		Scope:      ScopeBaseObject,
		Filter:     "(objectClass=*)",
		Attributes: rootDSEAttributes,
	})
	if err != nil {
		return nil, WrapError("read root DSE", err)
	}

	entry := result.First()
	if entry == nil {
		return nil, NewLDAPError("read root DSE", errNoRootDSE)
	}

	return &RootDSE{
		DefaultNamingContext:       entry.GetAttributeValue("defaultNamingContext"),
		SchemaNamingContext:        entry.GetAttributeValue("schemaNamingContext"),
		ConfigurationNamingContext: entry.GetAttributeValue("configurationNamingContext"),
		RootDomainNamingContext:    entry.GetAttributeValue("rootDomainNamingContext"),
		DNSHostName:                entry.GetAttributeValue("dnsHostName"),
		NamingContexts:             entry.GetAttributeValues("namingContexts"),
		SupportedCapabilities:      entry.GetAttributeValues("supportedCapabilities"),
		SupportedExtensions:        entry.GetAttributeValues("supportedExtension"),
	}, nil
}

// HasCapability reports whether the server advertises oid in supportedCapabilities.
func (r *RootDSE) HasCapability(oid string) bool {
	return slices.ContainsFunc(r.SupportedCapabilities, func(v string) bool {
		return strings.TrimSpace(v) == oid
	})
}

// HasExtension reports whether the server advertises oid in supportedExtension.
func (r *RootDSE) HasExtension(oid string) bool {
	return slices.ContainsFunc(r.SupportedExtensions, func(v string) bool {
		return strings.TrimSpace(v) == oid
	})
}
