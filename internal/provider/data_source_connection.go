package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/diag"
	"github.com/hashicorp/terraform-plugin-framework/types"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
	"github.com/isometry/terraform-provider-admembership/internal/membership"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &ConnectionDataSource{}

func NewConnectionDataSource() datasource.DataSource {
	return &ConnectionDataSource{}
}

// ConnectionDataSource exposes the endpoint negotiated during provider configuration.
type ConnectionDataSource struct {
	provider *membership.Provider
}

// ConnectionDataSourceModel describes the data source data model.
type ConnectionDataSourceModel struct {
	ID                 types.String `tfsdk:"id"` // server:port
	Server             types.String `tfsdk:"server"`
	Port               types.Int64  `tfsdk:"port"`
	PortSpecified      types.Bool   `tfsdk:"port_specified"`
	Protection         types.String `tfsdk:"protection"`
	TransportEncrypted types.Bool   `tfsdk:"transport_encrypted"`
	Mechanism          types.String `tfsdk:"mechanism"`
	DirectoryType      types.String `tfsdk:"directory_type"`

	ContainerDN         types.String `tfsdk:"container_dn"`
	CreationContainerDN types.String `tfsdk:"creation_container_dn"`
	PartitionDN         types.String `tfsdk:"partition_dn"`
	SchemaNamingContext types.String `tfsdk:"schema_naming_context"`

	ForestName            types.String `tfsdk:"forest_name"`
	DomainName            types.String `tfsdk:"domain_name"`
	NetBIOSDomainName     types.String `tfsdk:"netbios_domain_name"`
	NativeLockoutDuration types.Int64  `tfsdk:"native_lockout_duration"` // seconds

	ConcurrentBind    types.Bool  `tfsdk:"concurrent_bind"`
	PoolActive        types.Int64 `tfsdk:"pool_active"`
	PoolIdle          types.Int64 `tfsdk:"pool_idle"`
	PoolCreated       types.Int64 `tfsdk:"pool_created"`
	PoolErrors        types.Int64 `tfsdk:"pool_errors"`
	AttributeMappings types.Map   `tfsdk:"attribute_mappings"`

	// Counters since configuration
	ValidationsSucceeded types.Int64 `tfsdk:"validations_succeeded"`
	ValidationsFailed    types.Int64 `tfsdk:"validations_failed"`
	ValidationErrors     types.Int64 `tfsdk:"validation_errors"`
	FailedAnswers        types.Int64 `tfsdk:"failed_answers"`
	AnswerLockouts       types.Int64 `tfsdk:"answer_lockouts"`
	LockoutResets        types.Int64 `tfsdk:"lockout_resets"`
	Unlocks              types.Int64 `tfsdk:"unlocks"`
}

func (d *ConnectionDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_connection"
}

func (d *ConnectionDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	computedString := func(description string) schema.StringAttribute {
		return schema.StringAttribute{MarkdownDescription: description, Computed: true}
	}
	computedInt := func(description string) schema.Int64Attribute {
		return schema.Int64Attribute{MarkdownDescription: description, Computed: true}
	}

	resp.Schema = schema.Schema{
		MarkdownDescription: "Reports the directory endpoint negotiated when the provider was configured: " +
			"the server actually used, its transport protection and bind mechanism, the directory type " +
			"and the resolved attribute mappings. Requires no configuration.",

		Attributes: map[string]schema.Attribute{
			"id":     computedString("Identifier of the endpoint, `server:port`."),
			"server": computedString("Server in use. For Active Directory this is the PDC emulator when it could be discovered."),
			"port":   computedInt("Port in use."),
			"port_specified": schema.BoolAttribute{
				MarkdownDescription: "Whether the port came from the connection string.",
				Computed:            true,
			},
			"protection": computedString("Negotiated transport protection: `TLS`, `SignAndSeal` or `None`. " +
				"`SignAndSeal` only protects the bind; later requests are neither signed nor encrypted."),
			"transport_encrypted": schema.BoolAttribute{
				MarkdownDescription: "Whether searches and lockout updates are encrypted on the wire. True only for `TLS`.",
				Computed:            true,
			},
			"mechanism":      computedString("Bind mechanism: `Negotiate` or `Simple`."),
			"directory_type": computedString("Directory type: `AD` or `ADAM`."),

			"container_dn":          computedString("Container searched for user accounts."),
			"creation_container_dn": computedString("Container new accounts would be created in."),
			"partition_dn":          computedString("Application partition holding the container. ADAM only."),
			"schema_naming_context": computedString("Schema naming context of the directory."),

			"forest_name":         computedString("DNS name of the forest. Active Directory only."),
			"domain_name":         computedString("DNS name of the domain. Active Directory only."),
			"netbios_domain_name": computedString("NetBIOS name of the domain. Active Directory only."),
			"native_lockout_duration": computedInt(
				"Domain lockout duration in seconds, read from the domain's `lockoutDuration`. Active Directory only."),

			"concurrent_bind": schema.BoolAttribute{
				MarkdownDescription: "Whether credential checks share one connection in fast concurrent bind mode.",
				Computed:            true,
			},
			"pool_active":  computedInt("Service sessions currently checked out of the pool."),
			"pool_idle":    computedInt("Service sessions idle in the pool."),
			"pool_created": computedInt("Service sessions created since configuration."),
			"pool_errors":  computedInt("Service session creation failures since configuration."),
			"attribute_mappings": schema.MapAttribute{
				MarkdownDescription: "Resolved directory attribute for each configured mapping, keyed by mapping name.",
				ElementType:         types.StringType,
				Computed:            true,
			},

			"validations_succeeded": computedInt("Credential checks that succeeded since configuration."),
			"validations_failed":    computedInt("Credential checks rejected by the directory since configuration."),
			"validation_errors":     computedInt("Credential checks that failed with an error since configuration."),
			"failed_answers":        computedInt("Failed password answers recorded since configuration."),
			"answer_lockouts":       computedInt("Accounts locked out for failed password answers since configuration."),
			"lockout_resets":        computedInt("Password answer lockouts reset since configuration."),
			"unlocks":               computedInt("Accounts unlocked since configuration."),
		},
	}
}

func (d *ConnectionDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return
	}

	mp, ok := req.ProviderData.(*membership.Provider)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Data Source Configure Type",
			fmt.Sprintf("Expected *membership.Provider, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	d.provider = mp
}

func (d *ConnectionDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data ConnectionDataSourceModel

	ctx = initializeLogging(ctx)

	done := ldapclient.LogDataSourceOperation(ctx, "admembership_connection", "read", nil)

	var ep *membership.Endpoint
	if d.provider != nil {
		ep = d.provider.Endpoint()
	}
	if ep == nil {
		done(membership.ErrNotInitialized)
		resp.Diagnostics.AddError(
			"Unconfigured Provider",
			"The membership provider has not been initialized. Please report this issue to the provider developers.",
		)
		return
	}

	mapping, err := d.provider.Mapping()
	done(err)
	if err != nil {
		resp.Diagnostics.AddError("Error Reading Attribute Mappings", err.Error())
		return
	}

	mapEndpointToModel(ep, &data)
	mapMetricsToModel(d.provider.Metrics().Snapshot(), &data)
	data.AttributeMappings = mappingsToMap(mapping, &resp.Diagnostics)
	if resp.Diagnostics.HasError() {
		return
	}

	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// mapEndpointToModel copies the endpoint descriptor and pool counters into the model.
func mapEndpointToModel(ep *membership.Endpoint, data *ConnectionDataSourceModel) {
	target := ep.Target()
	data.ID = types.StringValue(target.Address())
	data.Server = types.StringValue(ep.Server)
	data.Port = types.Int64Value(int64(ep.Port))
	data.PortSpecified = types.BoolValue(ep.PortSpecified)
	data.Protection = types.StringValue(ep.Protection.String())
	data.TransportEncrypted = types.BoolValue(ep.Protection.Encrypted())
	data.Mechanism = types.StringValue(ep.Mechanism.String())
	data.DirectoryType = types.StringValue(ep.DirectoryType.String())

	data.ContainerDN = types.StringValue(ep.ContainerDN)
	data.CreationContainerDN = types.StringValue(ep.CreationContainerDN)
	data.PartitionDN = optionalString(ep.PartitionDN)
	data.SchemaNamingContext = types.StringValue(ep.SchemaNamingContext)

	data.ForestName = optionalString(ep.ForestName)
	data.DomainName = optionalString(ep.DomainName)
	data.NetBIOSDomainName = optionalString(ep.NetBIOSDomainName)
	if ep.DirectoryType == membership.DirectoryTypeAD {
		data.NativeLockoutDuration = types.Int64Value(int64(ep.NativeLockoutDuration.Seconds()))
	} else {
		data.NativeLockoutDuration = types.Int64Null()
	}

	stats := ep.PoolStats()
	data.ConcurrentBind = types.BoolValue(ep.ConcurrentBindSupported())
	data.PoolActive = types.Int64Value(stats.Active)
	data.PoolIdle = types.Int64Value(int64(stats.Idle))
	data.PoolCreated = types.Int64Value(stats.Created)
	data.PoolErrors = types.Int64Value(stats.Errors)
}

// mappingsToMap converts the configured attribute mappings to a Terraform map.
func mappingsToMap(m membership.AttributeMapping, diags *diag.Diagnostics) types.Map {
	elements := map[string]attr.Value{}
	add := func(key string, r membership.ResolvedAttribute) {
		if r.IsSet() {
			elements[key] = types.StringValue(r.Name)
		}
	}
	add("username", m.Username)
	add("email", m.Email)
	add("password_question", m.PasswordQuestion)
	add("password_answer", m.PasswordAnswer)
	add("failed_password_answer_count", m.FailedAnswerCount)
	add("failed_password_answer_time", m.FailedAnswerTime)
	add("failed_password_answer_lockout_time", m.FailedAnswerLockoutTime)

	result, d := types.MapValue(types.StringType, elements)
	diags.Append(d...)
	return result
}

// mapMetricsToModel copies the provider counters into the model.
func mapMetricsToModel(m membership.MetricsSnapshot, data *ConnectionDataSourceModel) {
	data.ValidationsSucceeded = types.Int64Value(m.ValidationsSucceeded)
	data.ValidationsFailed = types.Int64Value(m.ValidationsFailed)
	data.ValidationErrors = types.Int64Value(m.ValidationErrors)
	data.FailedAnswers = types.Int64Value(m.FailedAnswers)
	data.AnswerLockouts = types.Int64Value(m.AnswerLockouts)
	data.LockoutResets = types.Int64Value(m.LockoutResets)
	data.Unlocks = types.Int64Value(m.Unlocks)
}
