package provider

import (
	"context"
	"errors"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/int64validator"
	"github.com/hashicorp/terraform-plugin-framework-validators/providervalidator"
	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/provider"
	"github.com/hashicorp/terraform-plugin-framework/provider/schema"
	"github.com/hashicorp/terraform-plugin-framework/resource"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/isometry/terraform-provider-admembership/internal/membership"
	"github.com/isometry/terraform-provider-admembership/internal/provider/validators"
)

// Ensure MembershipProvider satisfies various provider interfaces.
var _ provider.Provider = &MembershipProvider{}
var _ provider.ProviderWithFunctions = &MembershipProvider{}
var _ provider.ProviderWithEphemeralResources = &MembershipProvider{}
var _ provider.ProviderWithConfigValidators = &MembershipProvider{}

// MembershipProvider defines the provider implementation.
type MembershipProvider struct {
	// version is set to the provider version on release, "dev" when the
	// provider is built and ran locally, and "test" when running acceptance
	// testing.
	version string

	// active is the membership provider handed to data sources by the most
	// recent Configure.
	mu     sync.Mutex
	active *membership.Provider
}

// MembershipProviderModel describes the provider data model.
type MembershipProviderModel struct {
	// Connection
	ConnectionString     types.String `tfsdk:"connection_string"`
	ConnectionProtection types.String `tfsdk:"connection_protection"`
	Username             types.String `tfsdk:"username"`
	Password             types.String `tfsdk:"password"`
	ConnectTimeout       types.Int64  `tfsdk:"connect_timeout"`

	// Kerberos
	KerberosRealm  types.String `tfsdk:"kerberos_realm"`
	KerberosConfig types.String `tfsdk:"kerberos_config"`
	KerberosKeytab types.String `tfsdk:"kerberos_keytab"`
	KerberosCCache types.String `tfsdk:"kerberos_ccache"`
	KerberosSPN    types.String `tfsdk:"kerberos_spn"`

	// TLS
	TLSCACertFile types.String `tfsdk:"tls_ca_cert_file"`
	SkipTLSVerify types.Bool   `tfsdk:"skip_tls_verify"`

	// Search timeouts
	ClientSearchTimeout types.Int64  `tfsdk:"client_search_timeout"`
	ServerSearchTimeout types.Int64  `tfsdk:"server_search_timeout"`
	TimeoutUnit         types.String `tfsdk:"timeout_unit"`

	// Password reset and answer lockout
	EnablePasswordReset                  types.Bool  `tfsdk:"enable_password_reset"`
	RequiresQuestionAndAnswer            types.Bool  `tfsdk:"requires_question_and_answer"`
	MaxInvalidPasswordAttempts           types.Int64 `tfsdk:"max_invalid_password_attempts"`
	PasswordAttemptWindow                types.Int64 `tfsdk:"password_attempt_window"`
	PasswordAnswerAttemptLockoutDuration types.Int64 `tfsdk:"password_answer_attempt_lockout_duration"`

	// Password policy
	MinRequiredPasswordLength            types.Int64  `tfsdk:"min_required_password_length"`
	MinRequiredNonAlphanumericCharacters types.Int64  `tfsdk:"min_required_non_alphanumeric_characters"`
	PasswordStrengthRegularExpression    types.String `tfsdk:"password_strength_regular_expression"`

	// Attribute mappings
	AttributeMapUsername                        types.String `tfsdk:"attribute_map_username"`
	AttributeMapEmail                           types.String `tfsdk:"attribute_map_email"`
	AttributeMapPasswordQuestion                types.String `tfsdk:"attribute_map_password_question"`
	AttributeMapPasswordAnswer                  types.String `tfsdk:"attribute_map_password_answer"`
	AttributeMapFailedPasswordAnswerCount       types.String `tfsdk:"attribute_map_failed_password_answer_count"`
	AttributeMapFailedPasswordAnswerTime        types.String `tfsdk:"attribute_map_failed_password_answer_time"`
	AttributeMapFailedPasswordAnswerLockoutTime types.String `tfsdk:"attribute_map_failed_password_answer_lockout_time"`
}

func (p *MembershipProvider) Metadata(ctx context.Context, req provider.MetadataRequest, resp *provider.MetadataResponse) {
	resp.TypeName = "admembership"
	resp.Version = p.version
}

// envDescription appends the environment variable fallback to a description.
func envDescription(description, attribute string) string {
	return description + " Can be set via the `" + envVarName(attribute) + "` environment variable."
}

func (p *MembershipProvider) Schema(ctx context.Context, req provider.SchemaRequest, resp *provider.SchemaResponse) {
	optionalString := func(description, attribute string, validators ...validator.String) schema.StringAttribute {
		return schema.StringAttribute{
			MarkdownDescription: envDescription(description, attribute),
			Optional:            true,
			Validators:          validators,
		}
	}
	optionalInt := func(description, attribute string, validators ...validator.Int64) schema.Int64Attribute {
		return schema.Int64Attribute{
			MarkdownDescription: envDescription(description, attribute),
			Optional:            true,
			Validators:          validators,
		}
	}
	optionalBool := func(description, attribute string) schema.BoolAttribute {
		return schema.BoolAttribute{
			MarkdownDescription: envDescription(description, attribute),
			Optional:            true,
		}
	}

	resp.Schema = schema.Schema{
		MarkdownDescription: "The directory membership provider authenticates and inspects user accounts stored in " +
			"Active Directory or ADAM. On configuration it negotiates a secure connection, classifies the directory " +
			"and validates the attribute mappings against the directory schema.",
		Attributes: map[string]schema.Attribute{
			// Connection
			"connection_string": optionalString(
				"ADsPath of the directory, `LDAP://server[:port][/container]` "+
					"(e.g., `LDAP://dc01.example.com/CN=Users,DC=example,DC=com`). "+
					"The container may be omitted for Active Directory.",
				"connection_string", validators.ADsPath()),
			"connection_protection": optionalString(
				"Transport protection: `Secure` (TLS, falling back to sign-and-seal) or `None`. Defaults to `Secure`. "+
					"Sign-and-seal authenticates with Negotiate but does not encrypt traffic after the bind; "+
					"only TLS encrypts searches and lockout updates.",
				"connection_protection",
				stringvalidator.OneOfCaseInsensitive(string(membership.ConnectionProtectionSecure), string(membership.ConnectionProtectionNone))),
			"username": optionalString(
				"Service account used for searches and lockout writes. Omit to use the process credentials.",
				"username"),
			"password": schema.StringAttribute{
				MarkdownDescription: envDescription("Password of the service account.", "password"),
				Optional:            true,
				Sensitive:           true,
			},
			"connect_timeout": optionalInt(
				"Connection timeout in seconds. Defaults to `30`.",
				"connect_timeout", int64validator.AtLeast(1)),

			// Kerberos
			"kerberos_realm": optionalString(
				"Kerberos realm for the Negotiate mechanism (e.g., `EXAMPLE.COM`).", "kerberos_realm"),
			"kerberos_config": optionalString(
				"Path to the Kerberos configuration file. Defaults to the system default.", "kerberos_config"),
			"kerberos_keytab": optionalString(
				"Path to a Kerberos keytab for the service account.", "kerberos_keytab"),
			"kerberos_ccache": optionalString(
				"Path to a Kerberos credential cache holding existing tickets.", "kerberos_ccache"),
			"kerberos_spn": optionalString(
				"Override Service Principal Name, `ldap/<hostname>`, for servers addressed by IP.", "kerberos_spn"),

			// TLS
			"tls_ca_cert_file": optionalString(
				"Path to a CA certificate file used to verify the directory's certificate.", "tls_ca_cert_file"),
			"skip_tls_verify": optionalBool(
				"Skip TLS certificate verification. Not recommended for production. Defaults to `false`.",
				"skip_tls_verify"),

			// Search timeouts
			"client_search_timeout": optionalInt(
				"Client-side limit for each directory request, in `timeout_unit`. Unset by default.",
				"client_search_timeout", int64validator.AtLeast(1)),
			"server_search_timeout": optionalInt(
				"Server-side search time limit, in `timeout_unit`. Unset by default.",
				"server_search_timeout", int64validator.AtLeast(1)),
			"timeout_unit": optionalString(
				"Unit of the search timeouts: `Seconds`, `Minutes`, `Hours` or `Days`. Defaults to `Minutes`.",
				"timeout_unit", stringvalidator.OneOfCaseInsensitive("Seconds", "Minutes", "Hours", "Days")),

			// Password reset and answer lockout
			"enable_password_reset": optionalBool(
				"Track failed password answers and lock accounts out after too many. "+
					"Requires `requires_question_and_answer` and the three failed answer mappings. Defaults to `false`.",
				"enable_password_reset"),
			"requires_question_and_answer": optionalBool(
				"Whether a password question and answer are required. Defaults to `false`.",
				"requires_question_and_answer"),
			"max_invalid_password_attempts": optionalInt(
				"Failed password answers allowed within `password_attempt_window` before lockout. Defaults to `5`.",
				"max_invalid_password_attempts", int64validator.AtLeast(1)),
			"password_attempt_window": optionalInt(
				"Window in minutes over which failed password answers are counted. Defaults to `10`.",
				"password_attempt_window", int64validator.AtLeast(1)),
			"password_answer_attempt_lockout_duration": optionalInt(
				"Minutes an account stays locked after too many failed password answers. Defaults to `30`.",
				"password_answer_attempt_lockout_duration", int64validator.AtLeast(1)),

			// Password policy
			"min_required_password_length": optionalInt(
				"Minimum password length. Defaults to `7`.",
				"min_required_password_length", int64validator.Between(0, 128)),
			"min_required_non_alphanumeric_characters": optionalInt(
				"Minimum number of characters that are neither letters nor digits. Defaults to `1`.",
				"min_required_non_alphanumeric_characters", int64validator.Between(0, 128)),
			"password_strength_regular_expression": optionalString(
				"Regular expression a password must match.", "password_strength_regular_expression"),

			// Attribute mappings
			"attribute_map_username": optionalString(
				"Attribute holding the username: `userPrincipalName`, or `sAMAccountName` on Active Directory. "+
					"Defaults to `userPrincipalName`.",
				"attribute_map_username"),
			"attribute_map_email": optionalString(
				"Single-valued string attribute holding the email address. Defaults to `mail`.",
				"attribute_map_email"),
			"attribute_map_password_question": optionalString(
				"Single-valued string attribute holding the password question.", "attribute_map_password_question"),
			"attribute_map_password_answer": optionalString(
				"Single-valued string attribute holding the password answer.", "attribute_map_password_answer"),
			"attribute_map_failed_password_answer_count": optionalString(
				"Single-valued integer attribute holding the failed password answer count.",
				"attribute_map_failed_password_answer_count"),
			"attribute_map_failed_password_answer_time": optionalString(
				"Single-valued large integer attribute holding the time of the last failed password answer.",
				"attribute_map_failed_password_answer_time"),
			"attribute_map_failed_password_answer_lockout_time": optionalString(
				"Single-valued large integer attribute holding the failed password answer lockout time.",
				"attribute_map_failed_password_answer_lockout_time"),
		},
	}
}

// ConfigValidators implements provider.ProviderWithConfigValidators.
func (p *MembershipProvider) ConfigValidators(ctx context.Context) []provider.ConfigValidator {
	return []provider.ConfigValidator{
		// A keytab and a credential cache are alternative Kerberos sources
		providervalidator.Conflicting(
			path.MatchRoot("kerberos_keytab"),
			path.MatchRoot("kerberos_ccache"),
		),
	}
}

func (p *MembershipProvider) Configure(ctx context.Context, req provider.ConfigureRequest, resp *provider.ConfigureResponse) {
	var data MembershipProviderModel

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	ctx = p.configureLogging(ctx)

	tflog.Info(ctx, "Configuring directory membership provider", map[string]any{
		"version": p.version,
	})

	settings := buildSettings(&data)
	if settings.ConnectionString == "" {
		resp.Diagnostics.AddAttributeError(
			path.Root("connection_string"),
			"Missing Connection String",
			"The provider needs the ADsPath of the directory. Set the 'connection_string' attribute or the "+
				envVarName("connection_string")+" environment variable.",
		)
		return
	}

	start := time.Now()
	mp := membership.NewProvider(membership.WithMetrics(membership.NewMetrics(prometheus.NewRegistry())))
	if err := mp.Initialize(ctx, settings); err != nil {
		tflog.Error(ctx, "Membership provider initialization failed", map[string]any{
			"error":       err.Error(),
			"duration_ms": time.Since(start).Milliseconds(),
		})
		resp.Diagnostics.AddError(
			diagnosticSummary(err),
			"The provider could not initialize against the directory. "+
				"Please verify your configuration settings.\n\n"+
				"Error: "+err.Error(),
		)
		return
	}

	ep := mp.Endpoint()
	tflog.Info(ctx, "Directory membership provider configured successfully", map[string]any{
		"duration_ms":     time.Since(start).Milliseconds(),
		"server":          ep.Server,
		"directory_type":  ep.DirectoryType.String(),
		"protection":      ep.Protection.String(),
		"concurrent_bind": ep.ConcurrentBindSupported(),
	})

	p.replaceActive(ctx, mp)

	resp.DataSourceData = mp
	resp.EphemeralResourceData = mp
}

// replaceActive makes next the active membership provider and closes the
// one it replaces, logging that provider's counters. It returns the
// replaced provider, or nil.
func (p *MembershipProvider) replaceActive(ctx context.Context, next *membership.Provider) *membership.Provider {
	p.mu.Lock()
	prev := p.active
	p.active = next
	p.mu.Unlock()

	if prev == nil || prev == next {
		return nil
	}

	tflog.Debug(ctx, "Closing replaced membership provider", prev.Metrics().Snapshot().Fields())
	if err := prev.Close(); err != nil {
		tflog.Warn(ctx, "Failed to close replaced membership provider", map[string]any{
			"error": err.Error(),
		})
	}
	return prev
}

// diagnosticSummary picks a diagnostic title for an initialization error.
func diagnosticSummary(err error) string {
	var (
		unreachable  *membership.AuthorityUnreachableError
		unsupported  *membership.UnsupportedDirectoryError
		mappingError *membership.MappingError
		notFound     *membership.ContainerNotFoundError
	)
	switch {
	case errors.As(err, &unreachable):
		return "Unable to Connect to Directory"
	case errors.As(err, &unsupported):
		return "Unsupported Directory"
	case errors.As(err, &mappingError):
		return "Invalid Attribute Mapping"
	case errors.As(err, &notFound):
		return "Container Not Found"
	case errors.Is(err, membership.ErrConfiguration):
		return "Invalid Provider Configuration"
	default:
		return "Unable to Initialize Membership Provider"
	}
}

// configureLogging sets up logging subsystems and persistent fields.
func (p *MembershipProvider) configureLogging(ctx context.Context) context.Context {
	ctx = initializeLogging(ctx)
	ctx = tflog.SetField(ctx, "provider", "admembership")
	ctx = tflog.SetField(ctx, "provider_version", p.version)

	tflog.Debug(ctx, "Directory membership provider logging configured")

	return ctx
}

// buildSettings constructs membership settings from provider config and
// environment variables. Unset values are left zero so the membership
// defaults apply.
func buildSettings(data *MembershipProviderModel) membership.Settings {
	s := membership.Settings{
		ConnectionString:     getStringValue(data.ConnectionString, "connection_string"),
		ConnectionProtection: getStringValue(data.ConnectionProtection, "connection_protection"),
		ConnectionUsername:   getStringValue(data.Username, "username"),
		ConnectionPassword:   getStringValue(data.Password, "password"),

		KerberosRealm:  getStringValue(data.KerberosRealm, "kerberos_realm"),
		KerberosConfig: getStringValue(data.KerberosConfig, "kerberos_config"),
		KerberosKeytab: getStringValue(data.KerberosKeytab, "kerberos_keytab"),
		KerberosCCache: getStringValue(data.KerberosCCache, "kerberos_ccache"),
		KerberosSPN:    getStringValue(data.KerberosSPN, "kerberos_spn"),

		TLSCACertFile: getStringValue(data.TLSCACertFile, "tls_ca_cert_file"),
		SkipTLSVerify: getBoolValue(data.SkipTLSVerify, "skip_tls_verify", false),

		ClientSearchTimeout: int(getInt64Value(data.ClientSearchTimeout, "client_search_timeout", 0)),
		ServerSearchTimeout: int(getInt64Value(data.ServerSearchTimeout, "server_search_timeout", 0)),
		TimeoutUnit:         getStringValue(data.TimeoutUnit, "timeout_unit"),

		EnablePasswordReset:                  getBoolValue(data.EnablePasswordReset, "enable_password_reset", false),
		RequiresQuestionAndAnswer:            getBoolValue(data.RequiresQuestionAndAnswer, "requires_question_and_answer", false),
		MaxInvalidPasswordAttempts:           int(getInt64Value(data.MaxInvalidPasswordAttempts, "max_invalid_password_attempts", 0)),
		PasswordAttemptWindow:                int(getInt64Value(data.PasswordAttemptWindow, "password_attempt_window", 0)),
		PasswordAnswerAttemptLockoutDuration: int(getInt64Value(data.PasswordAnswerAttemptLockoutDuration, "password_answer_attempt_lockout_duration", 0)),

		MinRequiredPasswordLength:         int(getInt64Value(data.MinRequiredPasswordLength, "min_required_password_length", 0)),
		PasswordStrengthRegularExpression: getStringValue(data.PasswordStrengthRegularExpression, "password_strength_regular_expression"),

		AttributeMapUsername:                        getStringValue(data.AttributeMapUsername, "attribute_map_username"),
		AttributeMapEmail:                           getStringValue(data.AttributeMapEmail, "attribute_map_email"),
		AttributeMapPasswordQuestion:                getStringValue(data.AttributeMapPasswordQuestion, "attribute_map_password_question"),
		AttributeMapPasswordAnswer:                  getStringValue(data.AttributeMapPasswordAnswer, "attribute_map_password_answer"),
		AttributeMapFailedPasswordAnswerCount:       getStringValue(data.AttributeMapFailedPasswordAnswerCount, "attribute_map_failed_password_answer_count"),
		AttributeMapFailedPasswordAnswerTime:        getStringValue(data.AttributeMapFailedPasswordAnswerTime, "attribute_map_failed_password_answer_time"),
		AttributeMapFailedPasswordAnswerLockoutTime: getStringValue(data.AttributeMapFailedPasswordAnswerLockoutTime, "attribute_map_failed_password_answer_lockout_time"),
	}

	if seconds := getInt64Value(data.ConnectTimeout, "connect_timeout", 0); seconds > 0 {
		s.ConnectTimeout = time.Duration(seconds) * time.Second
	}
	// An explicit zero is meaningful here, so only a configured value is passed on.
	if n, ok := lookupInt64(data.MinRequiredNonAlphanumericCharacters, "min_required_non_alphanumeric_characters"); ok {
		v := int(n)
		s.MinRequiredNonAlphanumericCharacters = &v
	}

	return s
}

// Helper functions for configuration value resolution

// envVarName returns the environment variable consulted for an attribute.
func envVarName(attribute string) string {
	return "ADM_" + upperSnake(attribute)
}

func upperSnake(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func getStringValue(configValue types.String, attribute string) string {
	if !configValue.IsNull() && !configValue.IsUnknown() && configValue.ValueString() != "" {
		return configValue.ValueString()
	}
	return os.Getenv(envVarName(attribute))
}

func getBoolValue(configValue types.Bool, attribute string, defaultValue bool) bool {
	if !configValue.IsNull() && !configValue.IsUnknown() {
		return configValue.ValueBool()
	}
	if envValue := os.Getenv(envVarName(attribute)); envValue != "" {
		if parsed, err := strconv.ParseBool(envValue); err == nil {
			return parsed
		}
	}
	return defaultValue
}

func lookupInt64(configValue types.Int64, attribute string) (int64, bool) {
	if !configValue.IsNull() && !configValue.IsUnknown() {
		return configValue.ValueInt64(), true
	}
	if envValue := os.Getenv(envVarName(attribute)); envValue != "" {
		if parsed, err := strconv.ParseInt(envValue, 10, 64); err == nil {
			return parsed, true
		}
	}
	return 0, false
}

func getInt64Value(configValue types.Int64, attribute string, defaultValue int64) int64 {
	if v, ok := lookupInt64(configValue, attribute); ok {
		return v
	}
	return defaultValue
}

func (p *MembershipProvider) Resources(ctx context.Context) []func() resource.Resource {
	return []func() resource.Resource{
		// Accounts are read and checked, never managed
	}
}

func (p *MembershipProvider) EphemeralResources(ctx context.Context) []func() ephemeral.EphemeralResource {
	return []func() ephemeral.EphemeralResource{
		NewCredentialCheckEphemeralResource,
	}
}

func (p *MembershipProvider) DataSources(ctx context.Context) []func() datasource.DataSource {
	return []func() datasource.DataSource{
		NewConnectionDataSource,
		NewUserDataSource,
	}
}

func (p *MembershipProvider) Functions(ctx context.Context) []func() function.Function {
	return []func() function.Function{
		NewParseConnectionStringFunction,
		NewFileTimeFunction,
	}
}

func New(version string) func() provider.Provider {
	return func() provider.Provider {
		return &MembershipProvider{
			version: version,
		}
	}
}
