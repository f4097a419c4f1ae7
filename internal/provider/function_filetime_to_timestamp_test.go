package provider_test

import (
	"context"
	"testing"

	"github.com/hashicorp/terraform-plugin-framework/attr"
	"github.com/hashicorp/terraform-plugin-framework/function"
	"github.com/hashicorp/terraform-plugin-framework/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/isometry/terraform-provider-admembership/internal/provider"
)

func TestFileTimeFunction_Metadata(t *testing.T) {
	var resp function.MetadataResponse
	provider.NewFileTimeFunction().Metadata(context.Background(), function.MetadataRequest{}, &resp)

	assert.Equal(t, "filetime_to_timestamp", resp.Name)
}

func TestFileTimeToTimestamp(t *testing.T) {
	ctx := context.Background()

	testCases := []struct {
		name        string
		input       string
		expected    string
		expectedErr string
	}{
		{name: "unix epoch", input: "116444736000000000", expected: "1970-01-01T00:00:00Z"},
		{name: "whole seconds", input: "132000000000000000", expected: "2019-04-17T18:40:00Z"},
		{name: "fractional seconds", input: "133500000005000000", expected: "2024-01-17T21:20:00.5Z"},
		{name: "zero", input: "0", expected: ""},
		{name: "empty", input: "", expected: ""},
		{name: "never", input: "9223372036854775807", expected: ""},
		{name: "not a number", input: "yesterday", expectedErr: "Invalid filetime"},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := function.RunRequest{
				Arguments: function.NewArgumentsData([]attr.Value{types.StringValue(tc.input)}),
			}
			resp := function.RunResponse{
				Result: function.NewResultData(types.StringUnknown()),
			}

			provider.NewFileTimeFunction().Run(ctx, req, &resp)

			if tc.expectedErr != "" {
				require.NotNil(t, resp.Error)
				assert.Contains(t, resp.Error.Error(), tc.expectedErr)
				return
			}

			require.Nil(t, resp.Error)
			assert.Equal(t, types.StringValue(tc.expected), resp.Result.Value())
		})
	}
}
