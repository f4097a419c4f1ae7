package membership

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// maxClassDepth bounds the subClassOf walk.
const maxClassDepth = 32

// searcher is satisfied by both a raw Session and an Endpoint.
type searcher interface {
	Search(ctx context.Context, req *ldapclient.SearchRequest) (*ldapclient.SearchResult, error)
}

var classSchemaAttributes = []string{
	"lDAPDisplayName",
	"subClassOf",
	"possSuperiors",
	"systemPossSuperiors",
	"mustContain",
	"systemMustContain",
	"mayContain",
	"systemMayContain",
	"auxiliaryClass",
	"systemAuxiliaryClass",
}

// directorySchema reads classSchema and attributeSchema objects from the
// schema naming context.
type directorySchema struct {
	search   searcher
	schemaNC string
}

func newDirectorySchema(s searcher, schemaNC string) *directorySchema {
	return &directorySchema{search: s, schemaNC: schemaNC}
}

var _ SchemaSource = (*directorySchema)(nil)

func (d *directorySchema) classEntry(ctx context.Context, name string) (*ldap.Entry, error) {
	result, err := d.search.Search(ctx, &ldapclient.SearchRequest{
		BaseDN: d.schemaNC,
		Scope:  ldapclient.ScopeSingleLevel,
		Filter: fmt.Sprintf("(&(objectClass=classSchema)(lDAPDisplayName=%s))",
			ldapclient.EscapeFilterValue(name)),
		Attributes: classSchemaAttributes,
	})
	if err != nil {
		return nil, err
	}
	entry := result.First()
	if entry == nil {
		return nil, fmt.Errorf("class %q not found in schema", name)
	}
	return entry, nil
}

// classChain returns the class and every class it derives from, most
// specific first, ending at top.
func (d *directorySchema) classChain(ctx context.Context, name string) ([]*ldap.Entry, error) {
	var chain []*ldap.Entry
	seen := make(map[string]bool)

	for range maxClassDepth {
		key := strings.ToLower(name)
		if seen[key] {
			break
		}
		seen[key] = true

		entry, err := d.classEntry(ctx, name)
		if err != nil {
			return nil, err
		}
		chain = append(chain, entry)

		parent := entry.GetAttributeValue("subClassOf")
		if parent == "" || strings.EqualFold(parent, name) {
			break
		}
		name = parent
	}

	return chain, nil
}

// possibleSuperiors returns the lowercased classes allowed to contain
// objects of class name.
func (d *directorySchema) possibleSuperiors(ctx context.Context, name string) (map[string]bool, error) {
	chain, err := d.classChain(ctx, name)
	if err != nil {
		return nil, err
	}

	superiors := make(map[string]bool)
	for _, class := range chain {
		for _, attr := range []string{"possSuperiors", "systemPossSuperiors"} {
			for _, v := range class.GetAttributeValues(attr) {
				superiors[strings.ToLower(v)] = true
			}
		}
	}
	return superiors, nil
}

// UserClassAttributes returns the lowercased names of every attribute a
// user object may carry, including those of its auxiliary classes.
func (d *directorySchema) UserClassAttributes(ctx context.Context) (map[string]bool, error) {
	attrs := make(map[string]bool)
	visited := make(map[string]bool)

	var collect func(name string) error
	collect = func(name string) error {
		chain, err := d.classChain(ctx, name)
		if err != nil {
			return err
		}
		for _, class := range chain {
			className := strings.ToLower(class.GetAttributeValue("lDAPDisplayName"))
			if visited[className] {
				continue
			}
			visited[className] = true

			for _, attr := range []string{"mustContain", "systemMustContain", "mayContain", "systemMayContain"} {
				for _, v := range class.GetAttributeValues(attr) {
					attrs[strings.ToLower(v)] = true
				}
			}
			for _, attr := range []string{"auxiliaryClass", "systemAuxiliaryClass"} {
				for _, aux := range class.GetAttributeValues(attr) {
					if err := collect(aux); err != nil {
						return err
					}
				}
			}
		}
		return nil
	}

	if err := collect("user"); err != nil {
		return nil, err
	}
	return attrs, nil
}

// Attribute looks up an attributeSchema object by lDAPDisplayName.
func (d *directorySchema) Attribute(ctx context.Context, name string) (*AttributeDefinition, error) {
	result, err := d.search.Search(ctx, &ldapclient.SearchRequest{
		BaseDN: d.schemaNC,
		Scope:  ldapclient.ScopeSingleLevel,
		Filter: fmt.Sprintf("(&(objectClass=attributeSchema)(lDAPDisplayName=%s))",
			ldapclient.EscapeFilterValue(name)),
		Attributes: []string{"lDAPDisplayName", "attributeSyntax", "isSingleValued", "rangeUpper"},
	})
	if err != nil {
		return nil, err
	}
	entry := result.First()
	if entry == nil {
		return nil, nil
	}

	def := &AttributeDefinition{
		Name:         entry.GetAttributeValue("lDAPDisplayName"),
		Syntax:       AttributeSyntax(entry.GetAttributeValue("attributeSyntax")),
		SingleValued: strings.EqualFold(entry.GetAttributeValue("isSingleValued"), "TRUE"),
		RangeUpper:   -1,
	}
	if v := entry.GetAttributeValue("rangeUpper"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			def.RangeUpper = n
		}
	}
	return def, nil
}
