package membership

import (
	"context"
	"strings"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// AttributeSyntax is an attributeSchema attributeSyntax OID.
type AttributeSyntax string

const (
	SyntaxDirectoryString AttributeSyntax = "2.5.5.12"
	SyntaxInteger         AttributeSyntax = "2.5.5.9"
	SyntaxLargeInteger    AttributeSyntax = "2.5.5.16"
)

// LogicalField names a provider field that is mapped to a directory attribute.
type LogicalField int

const (
	FieldUsername LogicalField = iota
	FieldEmail
	FieldPasswordQuestion
	FieldPasswordAnswer
	FieldFailedAnswerCount
	FieldFailedAnswerTime
	FieldFailedAnswerLockoutTime
)

// String returns the setting name that configures the field.
func (f LogicalField) String() string {
	switch f {
	case FieldUsername:
		return "attribute_map_username"
	case FieldEmail:
		return "attribute_map_email"
	case FieldPasswordQuestion:
		return "attribute_map_password_question"
	case FieldPasswordAnswer:
		return "attribute_map_password_answer"
	case FieldFailedAnswerCount:
		return "attribute_map_failed_password_answer_count"
	case FieldFailedAnswerTime:
		return "attribute_map_failed_password_answer_time"
	case FieldFailedAnswerLockoutTime:
		return "attribute_map_failed_password_answer_lockout_time"
	default:
		return "unknown"
	}
}

func (f LogicalField) expectedSyntax() AttributeSyntax {
	switch f {
	case FieldFailedAnswerCount:
		return SyntaxInteger
	case FieldFailedAnswerTime, FieldFailedAnswerLockoutTime:
		return SyntaxLargeInteger
	default:
		return SyntaxDirectoryString
	}
}

// AttributeDefinition is the part of an attributeSchema object the mapper checks.
type AttributeDefinition struct {
	Name         string
	Syntax       AttributeSyntax
	SingleValued bool
	RangeUpper   int // -1 when unbounded
}

// SchemaSource answers the schema questions the mapper needs.
type SchemaSource interface {
	// UserClassAttributes returns the lowercased must/may attributes of the
	// user class, its superclasses and auxiliary classes.
	UserClassAttributes(ctx context.Context) (map[string]bool, error)

	// Attribute returns nil, nil when the attribute does not exist.
	Attribute(ctx context.Context, name string) (*AttributeDefinition, error)
}

// ResolvedAttribute is a validated mapping target.
type ResolvedAttribute struct {
	Name      string
	MaxLength int // -1 when unbounded
}

// IsSet reports whether the mapping was configured.
func (r ResolvedAttribute) IsSet() bool {
	return r.Name != ""
}

// AttributeMapping holds the resolved mapping of every logical field.
type AttributeMapping struct {
	Username                ResolvedAttribute
	Email                   ResolvedAttribute
	PasswordQuestion        ResolvedAttribute
	PasswordAnswer          ResolvedAttribute
	FailedAnswerCount       ResolvedAttribute
	FailedAnswerTime        ResolvedAttribute
	FailedAnswerLockoutTime ResolvedAttribute
}

func (m *AttributeMapping) set(field LogicalField, r ResolvedAttribute) {
	switch field {
	case FieldUsername:
		m.Username = r
	case FieldEmail:
		m.Email = r
	case FieldPasswordQuestion:
		m.PasswordQuestion = r
	case FieldPasswordAnswer:
		m.PasswordAnswer = r
	case FieldFailedAnswerCount:
		m.FailedAnswerCount = r
	case FieldFailedAnswerTime:
		m.FailedAnswerTime = r
	case FieldFailedAnswerLockoutTime:
		m.FailedAnswerLockoutTime = r
	}
}

// UsernameIsUPN reports whether usernames are user principal names.
func (m *AttributeMapping) UsernameIsUPN() bool {
	return strings.EqualFold(m.Username.Name, "userPrincipalName")
}

// reservedAttributes are read or written by the provider itself and cannot
// be claimed by a mapping.
var reservedAttributes = []string{
	"objectclass",
	"objectsid",
	"comment",
	"whencreated",
	"pwdlastset",
	"msds-user-account-control-computed",
	"lockouttime",
}

// usernameAttributes lists the attributes a username may map to.
var usernameAttributes = map[DirectoryType][]string{
	DirectoryTypeAD:   {"sAMAccountName", "userPrincipalName"},
	DirectoryTypeADAM: {"userPrincipalName"},
}

// SchemaAttributeMapper validates attribute mappings against the directory schema.
type SchemaAttributeMapper struct {
	source     SchemaSource
	dirType    DirectoryType
	inUse      map[string]bool
	classAttrs map[string]bool
}

// NewSchemaAttributeMapper creates a mapper with the reserved attributes
// already marked as in use.
func NewSchemaAttributeMapper(source SchemaSource, dirType DirectoryType) *SchemaAttributeMapper {
	inUse := make(map[string]bool, len(reservedAttributes)+1)
	for _, name := range reservedAttributes {
		inUse[name] = true
	}
	if dirType == DirectoryTypeAD {
		inUse["useraccountcontrol"] = true
	} else {
		inUse["msds-useraccountdisabled"] = true
	}

	return &SchemaAttributeMapper{
		source:  source,
		dirType: dirType,
		inUse:   inUse,
	}
}

// Resolve validates supplied as the attribute for field and claims it.
func (m *SchemaAttributeMapper) Resolve(ctx context.Context, field LogicalField, supplied string) (string, int, error) {
	supplied = strings.TrimSpace(supplied)
	if supplied == "" {
		return "", 0, &MappingError{Mapping: field.String(), Reason: "must not be empty"}
	}

	if field == FieldUsername {
		return m.resolveUsername(ctx, supplied)
	}

	key := strings.ToLower(supplied)
	if m.inUse[key] {
		return "", 0, &MappingError{Mapping: field.String(), Attribute: supplied, Reason: "attribute is already in use"}
	}

	if m.classAttrs == nil {
		attrs, err := m.source.UserClassAttributes(ctx)
		if err != nil {
			return "", 0, &MappingError{Mapping: field.String(), Attribute: supplied, Reason: "reading user class schema", Cause: err}
		}
		m.classAttrs = attrs
	}
	if !m.classAttrs[key] {
		return "", 0, &MappingError{Mapping: field.String(), Attribute: supplied, Reason: "attribute is not defined on the user class"}
	}

	def, err := m.source.Attribute(ctx, supplied)
	if err != nil {
		return "", 0, &MappingError{Mapping: field.String(), Attribute: supplied, Reason: "reading attribute schema", Cause: err}
	}
	if def == nil {
		return "", 0, &MappingError{Mapping: field.String(), Attribute: supplied, Reason: "attribute is not defined in the schema"}
	}
	if err := checkMapping(field, def); err != nil {
		return "", 0, err
	}

	m.inUse[key] = true
	name := def.Name
	if name == "" {
		name = supplied
	}
	tflog.SubsystemDebug(ctx, "membership", "Attribute mapping resolved", map[string]any{
		"mapping":    field.String(),
		"attribute":  name,
		"max_length": def.RangeUpper,
	})
	return name, def.RangeUpper, nil
}

func (m *SchemaAttributeMapper) resolveUsername(ctx context.Context, supplied string) (string, int, error) {
	name, err := checkUsernameMapping(m.dirType, supplied)
	if err != nil {
		return "", 0, err
	}
	m.inUse[strings.ToLower(name)] = true

	// The length bound is informational; a schema read failure leaves it unbounded.
	maxLength := -1
	if def, err := m.source.Attribute(ctx, name); err == nil && def != nil {
		maxLength = def.RangeUpper
	}
	return name, maxLength, nil
}

// checkMapping applies the syntax and single-value rules to a non-username mapping.
func checkMapping(field LogicalField, def *AttributeDefinition) error {
	if want := field.expectedSyntax(); def.Syntax != want {
		return &MappingError{
			Mapping:   field.String(),
			Attribute: def.Name,
			Reason:    "attribute syntax " + string(def.Syntax) + " does not match expected " + string(want),
		}
	}
	if !def.SingleValued {
		return &MappingError{Mapping: field.String(), Attribute: def.Name, Reason: "attribute must be single-valued"}
	}
	return nil
}

// checkUsernameMapping returns the canonical spelling of supplied when it is
// allowed for the directory type.
func checkUsernameMapping(dirType DirectoryType, supplied string) (string, error) {
	for _, allowed := range usernameAttributes[dirType] {
		if strings.EqualFold(allowed, supplied) {
			return allowed, nil
		}
	}
	return "", &MappingError{
		Mapping:   FieldUsername.String(),
		Attribute: supplied,
		Reason:    "must be one of " + strings.Join(usernameAttributes[dirType], ", ") + " for " + dirType.String(),
	}
}

// resolveMappings resolves every configured mapping in a fixed order so the
// in-use bookkeeping is deterministic.
func resolveMappings(ctx context.Context, mapper *SchemaAttributeMapper, s *Settings) (*AttributeMapping, error) {
	mapping := &AttributeMapping{}
	fields := []struct {
		field LogicalField
		value string
	}{
		{FieldUsername, s.AttributeMapUsername},
		{FieldEmail, s.AttributeMapEmail},
		{FieldPasswordQuestion, s.AttributeMapPasswordQuestion},
		{FieldPasswordAnswer, s.AttributeMapPasswordAnswer},
		{FieldFailedAnswerCount, s.AttributeMapFailedPasswordAnswerCount},
		{FieldFailedAnswerTime, s.AttributeMapFailedPasswordAnswerTime},
		{FieldFailedAnswerLockoutTime, s.AttributeMapFailedPasswordAnswerLockoutTime},
	}

	for _, f := range fields {
		if f.field != FieldUsername && strings.TrimSpace(f.value) == "" {
			continue
		}
		name, maxLength, err := mapper.Resolve(ctx, f.field, f.value)
		if err != nil {
			return nil, err
		}
		mapping.set(f.field, ResolvedAttribute{Name: name, MaxLength: maxLength})
	}
	return mapping, nil
}
