package provider

import (
	"context"
	"fmt"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/types"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

var _ function.Function = &ParseConnectionStringFunction{}

// connectionStringAttrTypes is the object type returned by parse_connection_string.
var connectionStringAttrTypes = map[string]attr.Type{
	"host":      types.StringType,
	"port":      types.Int64Type,
	"container": types.StringType,
}

// ParseConnectionStringFunction implements the parse_connection_string function.
type ParseConnectionStringFunction struct{}

func NewParseConnectionStringFunction() function.Function {
	return &ParseConnectionStringFunction{}
}

// Metadata returns the function name.
func (f ParseConnectionStringFunction) Metadata(_ context.Context, req function.MetadataRequest, resp *function.MetadataResponse) {
	resp.Name = "parse_connection_string"
}

// Definition returns the function schema including parameters and return types.
func (f ParseConnectionStringFunction) Definition(_ context.Context, req function.DefinitionRequest, resp *function.DefinitionResponse) {
	resp.Definition = function.Definition{
		Summary:     "Split an ADsPath connection string into its parts",
		Description: "Parses an LDAP://server[:port][/container] connection string the same way the provider does, returning an object with host, port (0 when not given) and container (empty when not given). The container must be a valid Distinguished Name and is returned with upper-case attribute types.",
		MarkdownDescription: "Parses an `LDAP://server[:port][/container]` connection string the same way the provider does.\n\n" +
			"Returns an object with:\n" +
			"- `host` (string): Server name or address\n" +
			"- `port` (number): Port, `0` when not given\n" +
			"- `container` (string): Container Distinguished Name, empty when not given",
		Parameters: []function.Parameter{
			function.StringParameter{
				Name:                "connection_string",
				Description:         "ADsPath connection string, for example LDAP://dc01.example.com:636/CN=Users,DC=example,DC=com.",
				MarkdownDescription: "ADsPath connection string, for example `LDAP://dc01.example.com:636/CN=Users,DC=example,DC=com`.",
			},
		},
		Return: function.ObjectReturn{
			AttributeTypes: connectionStringAttrTypes,
		},
	}
}

// Run implements the function logic.
func (f ParseConnectionStringFunction) Run(ctx context.Context, req function.RunRequest, resp *function.RunResponse) {
	var connectionString string

	resp.Error = function.ConcatFuncErrors(resp.Error, req.Arguments.Get(ctx, &connectionString))
	if resp.Error != nil {
		return
	}

	parsed, err := ldapclient.ParseADsPath(connectionString)
	if err != nil {
		resp.Error = function.NewArgumentFuncError(0, fmt.Sprintf("Invalid connection string: %s", err.Error()))
		return
	}
	container, err := ldapclient.NormalizeDNCase(parsed.Container)
	if err != nil {
		resp.Error = function.NewArgumentFuncError(0, fmt.Sprintf("Invalid container %q: %s", parsed.Container, err.Error()))
		return
	}

	result, diags := types.ObjectValue(connectionStringAttrTypes, map[string]attr.Value{
		"host":      types.StringValue(parsed.Host),
		"port":      types.Int64Value(int64(parsed.Port)),
		"container": types.StringValue(container),
	})
	resp.Error = function.ConcatFuncErrors(resp.Error, function.FuncErrorFromDiags(ctx, diags))
	if resp.Error != nil {
		return
	}

	resp.Error = function.ConcatFuncErrors(resp.Error, resp.Result.Set(ctx, result))
}
