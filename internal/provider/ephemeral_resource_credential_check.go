package provider

import (
	"context"
	"errors"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/ephemeral"
	"github.com/hashicorp/terraform-plugin-framework/ephemeral/schema"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
	"github.com/isometry/terraform-provider-admembership/internal/membership"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ ephemeral.EphemeralResource = &CredentialCheckEphemeralResource{}
var _ ephemeral.EphemeralResourceWithConfigure = &CredentialCheckEphemeralResource{}

func NewCredentialCheckEphemeralResource() ephemeral.EphemeralResource {
	return &CredentialCheckEphemeralResource{}
}

// CredentialCheckEphemeralResource validates a username and password
// without the password ever reaching state.
type CredentialCheckEphemeralResource struct {
	provider *membership.Provider
}

// CredentialCheckModel describes the ephemeral resource data model.
type CredentialCheckModel struct {
	Username types.String `tfsdk:"username"`
	Password types.String `tfsdk:"password"`

	Valid               types.Bool   `tfsdk:"valid"`
	MeetsPasswordPolicy types.Bool   `tfsdk:"meets_password_policy"`
	PolicyError         types.String `tfsdk:"policy_error"`
}

func (r *CredentialCheckEphemeralResource) Metadata(ctx context.Context, req ephemeral.MetadataRequest, resp *ephemeral.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_credential_check"
}

func (r *CredentialCheckEphemeralResource) Schema(ctx context.Context, req ephemeral.SchemaRequest, resp *ephemeral.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Checks a username and password against the directory. A wrong password, a disabled or " +
			"locked out account and an unknown user all report `valid = false`; connection failures are errors. " +
			"The password is also checked against the configured password policy.",

		Attributes: map[string]schema.Attribute{
			"username": schema.StringAttribute{
				MarkdownDescription: "Username to check, in the form of the mapped username attribute.",
				Required:            true,
			},
			"password": schema.StringAttribute{
				MarkdownDescription: "Password to check.",
				Required:            true,
				Sensitive:           true,
			},
			"valid": schema.BoolAttribute{
				MarkdownDescription: "Whether the credentials were accepted by the directory.",
				Computed:            true,
			},
			"meets_password_policy": schema.BoolAttribute{
				MarkdownDescription: "Whether the password satisfies the configured length, character and pattern rules.",
				Computed:            true,
			},
			"policy_error": schema.StringAttribute{
				MarkdownDescription: "Why the password fails the policy. Null when it meets the policy.",
				Computed:            true,
			},
		},
	}
}

func (r *CredentialCheckEphemeralResource) Configure(ctx context.Context, req ephemeral.ConfigureRequest, resp *ephemeral.ConfigureResponse) {
	// Prevent panic if the provider has not been configured.
	if req.ProviderData == nil {
		return
	}

	mp, ok := req.ProviderData.(*membership.Provider)
	if !ok {
		resp.Diagnostics.AddError(
			"Unexpected Ephemeral Resource Configure Type",
			fmt.Sprintf("Expected *membership.Provider, got: %T. Please report this issue to the provider developers.", req.ProviderData),
		)
		return
	}

	r.provider = mp
}

func (r *CredentialCheckEphemeralResource) Open(ctx context.Context, req ephemeral.OpenRequest, resp *ephemeral.OpenResponse) {
	var data CredentialCheckModel

	ctx = initializeLogging(ctx)

	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if r.provider == nil {
		resp.Diagnostics.AddError(
			"Unconfigured Provider",
			"The provider has not been configured. Please report this issue to the provider developers.",
		)
		return
	}

	username := data.Username.ValueString()
	done := ldapclient.LogEphemeralOperation(ctx, "admembership_credential_check", "open", map[string]any{
		"username": username,
	})

	valid, err := r.provider.ValidateUser(ctx, username, data.Password.ValueString())
	done(err)
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Checking Credentials",
			fmt.Sprintf("Could not validate credentials against the directory: %s", err.Error()),
		)
		return
	}

	data.Valid = types.BoolValue(valid)
	data.MeetsPasswordPolicy, data.PolicyError = policyResult(r.provider.CheckPasswordPolicy(data.Password.ValueString()))

	tflog.Debug(ctx, "Credential check completed", map[string]any{
		"username":              username,
		"valid":                 valid,
		"meets_password_policy": data.MeetsPasswordPolicy.ValueBool(),
	})

	resp.Diagnostics.Append(resp.Result.Set(ctx, &data)...)
}

// policyResult converts a password policy check into model values.
// meets_password_policy is null when the check itself could not run.
func policyResult(err error) (types.Bool, types.String) {
	switch {
	case err == nil:
		return types.BoolValue(true), types.StringNull()
	case errors.Is(err, membership.ErrPasswordPolicy):
		return types.BoolValue(false), types.StringValue(err.Error())
	default:
		return types.BoolNull(), types.StringValue(err.Error())
	}
}
