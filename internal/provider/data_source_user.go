package provider

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-framework-validators/stringvalidator"
	"github.com/hashicorp/terraform-plugin-framework/datasource"
	"github.com/hashicorp/terraform-plugin-framework/datasource/schema"
	"github.com/hashicorp/terraform-plugin-framework/path"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
	"github.com/isometry/terraform-provider-admembership/internal/membership"
)

// Ensure provider defined types fully satisfy framework interfaces.
var _ datasource.DataSource = &UserDataSource{}
var _ datasource.DataSourceWithConfigure = &UserDataSource{}

func NewUserDataSource() datasource.DataSource {
	return &UserDataSource{}
}

// UserDataSource looks up one account by its mapped username.
type UserDataSource struct {
	provider *membership.Provider
}

// UserDataSourceModel describes the data source data model.
type UserDataSourceModel struct {
	// Lookup
	Username types.String `tfsdk:"username"`

	// Identity (all computed)
	ID                types.String `tfsdk:"id"`  // SID, the provider user key
	DistinguishedName types.String `tfsdk:"dn"`  // Distinguished Name
	ObjectGUID        types.String `tfsdk:"object_guid"`
	SAMAccountName    types.String `tfsdk:"sam_account_name"` // AD only
	Email             types.String `tfsdk:"email"`
	PasswordQuestion  types.String `tfsdk:"password_question"`
	Comment           types.String `tfsdk:"comment"`

	// Account state
	IsApproved      types.Bool   `tfsdk:"is_approved"`
	IsLockedOut     types.Bool   `tfsdk:"is_locked_out"`
	LastLockoutDate types.String `tfsdk:"last_lockout_date"`

	// Timestamps
	CreationDate            types.String `tfsdk:"creation_date"`
	LastPasswordChangedDate types.String `tfsdk:"last_password_changed_date"`
}

func (d *UserDataSource) Metadata(ctx context.Context, req datasource.MetadataRequest, resp *datasource.MetadataResponse) {
	resp.TypeName = req.ProviderTypeName + "_user"
}

func (d *UserDataSource) Schema(ctx context.Context, req datasource.SchemaRequest, resp *datasource.SchemaResponse) {
	resp.Schema = schema.Schema{
		MarkdownDescription: "Retrieves a directory account by the attribute configured in `attribute_map_username`, " +
			"together with its approval and lockout state. Lockout combines the native directory lockout with " +
			"the provider's password answer lockout.",

		Attributes: map[string]schema.Attribute{
			"username": schema.StringAttribute{
				MarkdownDescription: "The username to look up, matched against the mapped username attribute. " +
					"Example: `alice@example.com`",
				Required: true,
				Validators: []validator.String{
					stringvalidator.LengthAtLeast(1),
				},
			},

			"id": schema.StringAttribute{
				MarkdownDescription: "The Security Identifier (SID) of the user, which serves as the provider user key.",
				Computed:            true,
			},
			"dn": schema.StringAttribute{
				MarkdownDescription: "The Distinguished Name of the user.",
				Computed:            true,
			},
			"object_guid": schema.StringAttribute{
				MarkdownDescription: "The objectGUID of the user.",
				Computed:            true,
			},
			"sam_account_name": schema.StringAttribute{
				MarkdownDescription: "The SAM account name. Null on ADAM.",
				Computed:            true,
			},
			"email": schema.StringAttribute{
				MarkdownDescription: "The value of the mapped email attribute.",
				Computed:            true,
			},
			"password_question": schema.StringAttribute{
				MarkdownDescription: "The value of the mapped password question attribute. " +
					"Null when no password question is mapped.",
				Computed: true,
			},
			"comment": schema.StringAttribute{
				MarkdownDescription: "The comment attribute of the user.",
				Computed:            true,
			},

			"is_approved": schema.BoolAttribute{
				MarkdownDescription: "Whether the account is enabled. On ADAM this reflects `msDS-UserAccountDisabled`.",
				Computed:            true,
			},
			"is_locked_out": schema.BoolAttribute{
				MarkdownDescription: "Whether the account is locked out, natively or by failed password answers.",
				Computed:            true,
			},
			"last_lockout_date": schema.StringAttribute{
				MarkdownDescription: "When the effective lockout began (RFC3339 format). " +
					"`1754-01-01T00:00:00Z` when the account is not locked out.",
				Computed: true,
			},

			"creation_date": schema.StringAttribute{
				MarkdownDescription: "When the user was created (RFC3339 format).",
				Computed:            true,
			},
			"last_password_changed_date": schema.StringAttribute{
				MarkdownDescription: "When the user's password was last set (RFC3339 format). Null when never set.",
				Computed:            true,
			},
		},
	}
}

func (d *UserDataSource) Configure(ctx context.Context, req datasource.ConfigureRequest, resp *datasource.ConfigureResponse) {
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

func (d *UserDataSource) Read(ctx context.Context, req datasource.ReadRequest, resp *datasource.ReadResponse) {
	var data UserDataSourceModel

	// Initialize logging subsystem for consistent logging
	ctx = initializeLogging(ctx)

	// Read Terraform configuration data into the model
	resp.Diagnostics.Append(req.Config.Get(ctx, &data)...)
	if resp.Diagnostics.HasError() {
		return
	}

	if d.provider == nil {
		resp.Diagnostics.AddError(
			"Unconfigured Provider",
			"The provider has not been configured. Please report this issue to the provider developers.",
		)
		return
	}

	username := data.Username.ValueString()
	done := ldapclient.LogDataSourceOperation(ctx, "admembership_user", "read", map[string]any{
		"username": username,
	})

	user, err := d.provider.GetUser(ctx, username)
	done(err)
	if errors.Is(err, membership.ErrUserNotFound) {
		resp.Diagnostics.AddAttributeError(
			path.Root("username"),
			"User Not Found",
			fmt.Sprintf("No user matching %q was found in the directory container.", username),
		)
		return
	}
	if err != nil {
		resp.Diagnostics.AddError(
			"Error Reading User",
			fmt.Sprintf("Could not read directory user: %s", err.Error()),
		)
		return
	}

	tflog.Debug(ctx, "Successfully retrieved directory user", map[string]any{
		"user_dn":       user.DN,
		"user_sid":      user.SID,
		"is_locked_out": user.IsLockedOut,
	})

	mapUserToModel(user, &data)

	// Save data into Terraform state
	resp.Diagnostics.Append(resp.State.Set(ctx, &data)...)
}

// mapUserToModel maps a membership user to the Terraform model.
func mapUserToModel(user *membership.User, data *UserDataSourceModel) {
	data.ID = types.StringValue(user.SID)
	data.DistinguishedName = types.StringValue(user.DN)
	data.ObjectGUID = types.StringValue(user.GUID)
	data.SAMAccountName = optionalString(user.SAMAccountName)
	data.Email = types.StringValue(user.Email)
	data.PasswordQuestion = optionalString(user.PasswordQuestion)
	data.Comment = types.StringValue(user.Comment)

	data.IsApproved = types.BoolValue(user.IsApproved)
	data.IsLockedOut = types.BoolValue(user.IsLockedOut)
	data.LastLockoutDate = types.StringValue(user.LastLockoutDate.UTC().Format(time.RFC3339))

	data.CreationDate = optionalTime(user.CreationDate)
	data.LastPasswordChangedDate = optionalTime(user.LastPasswordChangedDate)
}

func optionalString(s string) types.String {
	if s == "" {
		return types.StringNull()
	}
	return types.StringValue(s)
}

func optionalTime(t time.Time) types.String {
	if t.IsZero() {
		return types.StringNull()
	}
	return types.StringValue(t.UTC().Format(time.RFC3339))
}
