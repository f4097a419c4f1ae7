package ldap

import (
	"fmt"
	"strings"

	"github.com/go-ldap/ldap/v3"
)

// NormalizeDNCase normalizes the attribute type descriptors in a Distinguished Name
// to uppercase to match Active Directory's canonical format.
//
// Input:  "cn=john,ou=users,dc=example,dc=com"
// Output: "CN=john,OU=users,DC=example,DC=com"
func NormalizeDNCase(dn string) (string, error) {
	dn = strings.TrimSpace(dn)
	if dn == "" {
		return "", nil
	}

	parsedDN, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	return reconstructDNWithUppercaseTypes(parsedDN), nil
}

// reconstructDNWithUppercaseTypes rebuilds a DN from parsed components
// with attribute type descriptors in uppercase.
func reconstructDNWithUppercaseTypes(parsedDN *ldap.DN) string {
	rdnStrings := make([]string, 0, len(parsedDN.RDNs))

	for _, rdn := range parsedDN.RDNs {
		attrStrings := make([]string, 0, len(rdn.Attributes))
		for _, attr := range rdn.Attributes {
			attrStrings = append(attrStrings, strings.ToUpper(attr.Type)+"="+escapeAttributeValue(attr.Value))
		}
		rdnStrings = append(rdnStrings, strings.Join(attrStrings, "+"))
	}

	return strings.Join(rdnStrings, ",")
}

// IsDNSuffix reports whether suffix equals dn or is one of its ancestors,
// comparing case-insensitively.
func IsDNSuffix(dn, suffix string) (bool, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return false, fmt.Errorf("invalid DN syntax: %w", err)
	}
	parsedSuffix, err := ldap.ParseDN(suffix)
	if err != nil {
		return false, fmt.Errorf("invalid DN syntax: %w", err)
	}

	return parsedSuffix.EqualFold(parsed) || parsedSuffix.AncestorOfFold(parsed), nil
}

// DNToDNSName converts the DC components of a naming context into a DNS name.
// "DC=corp,DC=example,DC=com" becomes "corp.example.com".
func DNToDNSName(dn string) (string, error) {
	parsed, err := ldap.ParseDN(dn)
	if err != nil {
		return "", fmt.Errorf("invalid DN syntax: %w", err)
	}

	var labels []string
	for _, rdn := range parsed.RDNs {
		for _, attr := range rdn.Attributes {
			if strings.EqualFold(attr.Type, "DC") {
				labels = append(labels, attr.Value)
			}
		}
	}

	if len(labels) == 0 {
		return "", fmt.Errorf("no domain components in %q", dn)
	}
	return strings.Join(labels, "."), nil
}
