package validators

import (
	"context"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-framework/schema/validator"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

var _ validator.String = adsPathValidator{}

// adsPathValidator checks the LDAP://server[:port][/container] form
// without contacting the directory.
type adsPathValidator struct{}

func (v adsPathValidator) Description(_ context.Context) string {
	return "value must be an ADsPath of the form LDAP://server[:port][/container]"
}

func (v adsPathValidator) MarkdownDescription(_ context.Context) string {
	return "value must be an ADsPath of the form `LDAP://server[:port][/container]`"
}

func (v adsPathValidator) ValidateString(ctx context.Context, request validator.StringRequest, response *validator.StringResponse) {
	if request.ConfigValue.IsNull() || request.ConfigValue.IsUnknown() {
		return
	}

	value := request.ConfigValue.ValueString()

	parsed, err := ldapclient.ParseADsPath(value)
	if err != nil {
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Connection String",
			fmt.Sprintf("The value %q is not a valid ADsPath: %s", value, err.Error()),
		)
		return
	}

	if parsed.Container == "" {
		return
	}
	if _, err := ldap.ParseDN(parsed.Container); err != nil {
		response.Diagnostics.AddAttributeError(
			request.Path,
			"Invalid Connection String",
			fmt.Sprintf("The container %q in %q is not a valid Distinguished Name: %s", parsed.Container, value, err.Error()),
		)
	}
}

// ADsPath returns a validator for membership connection strings. The
// container part, when present, must parse as a Distinguished Name.
//
// Unknown values and null values are skipped from validation.
func ADsPath() validator.String {
	return adsPathValidator{}
}
