package provider

import (
	"context"
	"fmt"
	"time"

	"github.com/hashicorp/terraform-plugin-framework/function"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

var _ function.Function = &FileTimeFunction{}

// FileTimeFunction implements the filetime_to_timestamp function.
type FileTimeFunction struct{}

func NewFileTimeFunction() function.Function {
	return &FileTimeFunction{}
}

func (f FileTimeFunction) Metadata(_ context.Context, req function.MetadataRequest, resp *function.MetadataResponse) {
	resp.Name = "filetime_to_timestamp"
}

func (f FileTimeFunction) Definition(_ context.Context, req function.DefinitionRequest, resp *function.DefinitionResponse) {
	resp.Definition = function.Definition{
		Summary:     "Convert a directory Integer8 timestamp to RFC3339",
		Description: "Converts a Large Integer timestamp, such as lockoutTime, pwdLastSet or a failed password answer time, from 100-nanosecond intervals since 1601-01-01 UTC to an RFC3339 timestamp. Zero and the never value (9223372036854775807) return an empty string.",
		MarkdownDescription: "Converts a Large Integer timestamp, such as `lockoutTime`, `pwdLastSet` or a failed password answer time, " +
			"from 100-nanosecond intervals since 1601-01-01 UTC to an RFC3339 timestamp.\n\n" +
			"`0` and the never value (`9223372036854775807`) return an empty string.",
		Parameters: []function.Parameter{
			function.StringParameter{
				Name:        "filetime",
				Description: "Integer8 value in its decimal string form.",
			},
		},
		Return: function.StringReturn{},
	}
}

func (f FileTimeFunction) Run(ctx context.Context, req function.RunRequest, resp *function.RunResponse) {
	var value string

	resp.Error = function.ConcatFuncErrors(resp.Error, req.Arguments.Get(ctx, &value))
	if resp.Error != nil {
		return
	}

	t, err := ldapclient.ParseFileTime(value)
	if err != nil {
		resp.Error = function.NewArgumentFuncError(0, fmt.Sprintf("Invalid filetime: %s", err.Error()))
		return
	}

	var out string
	if !t.IsZero() {
		out = t.Format(time.RFC3339Nano)
	}
	resp.Error = function.ConcatFuncErrors(resp.Error, resp.Result.Set(ctx, out))
}
