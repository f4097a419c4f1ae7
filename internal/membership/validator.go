package membership

import (
	"context"
	"errors"

	"github.com/hashicorp/terraform-plugin-log/tflog"

	ldapclient "github.com/isometry/terraform-provider-admembership/internal/ldap"
)

// CredentialValidator proves a username/password pair by binding with it.
type CredentialValidator struct {
	endpoint  *Endpoint
	mechanism ldapclient.Mechanism
	domain    string
}

// NewCredentialValidator picks the bind mechanism for the endpoint. ADAM
// users always use a simple bind; AD users use Negotiate only when the
// endpoint itself was negotiated with sign-and-seal.
func NewCredentialValidator(endpoint *Endpoint) *CredentialValidator {
	v := &CredentialValidator{endpoint: endpoint, mechanism: ldapclient.MechanismSimple}

	if endpoint.DirectoryType == DirectoryTypeAD {
		v.domain = endpoint.NetBIOSDomainName
		if endpoint.Protection == ldapclient.ProtectionSignAndSeal {
			v.mechanism = ldapclient.MechanismNegotiate
		}
	}
	return v
}

// Mechanism returns the mechanism used for credential checks.
func (v *CredentialValidator) Mechanism() ldapclient.Mechanism {
	return v.mechanism
}

// Validate returns false when the directory rejects the credential and an
// error for any other failure.
func (v *CredentialValidator) Validate(ctx context.Context, username, password string) (bool, error) {
	cred := ldapclient.Credential{Username: username, Password: password, Domain: v.domain}

	if v.endpoint.ConcurrentBindSupported() {
		ok, handled, err := v.validateShared(ctx, cred)
		if handled {
			return ok, err
		}
	}

	return v.validateDedicated(ctx, cred)
}

// validateShared binds on the shared fast-bind session. handled is false
// when fast bind turned out to be unusable and the caller must fall back.
func (v *CredentialValidator) validateShared(ctx context.Context, cred ldapclient.Credential) (ok, handled bool, err error) {
	session, release, err := v.endpoint.sharedSession(ctx)
	if err != nil {
		if errors.Is(err, ldapclient.ErrFastBindUnsupported) {
			v.endpoint.disableConcurrentBind(ctx, err)
			return false, false, nil
		}
		return false, true, err
	}

	err = session.Bind(ctx, cred, v.mechanism)
	release()

	switch {
	case err == nil:
		return true, true, nil
	case ldapclient.IsInvalidCredentials(err):
		return false, true, nil
	case ldapclient.IsServerUnavailable(err):
		v.endpoint.dropShared(ctx, session)
		return false, true, err
	default:
		ldapclient.LogLDAPError(ctx, "membership", "validate_credentials", err, map[string]any{
			"shared": true,
		})
		return false, true, err
	}
}

// validateDedicated dials a connection for this check alone.
func (v *CredentialValidator) validateDedicated(ctx context.Context, cred ldapclient.Credential) (bool, error) {
	session, err := v.endpoint.dialer.Dial(ctx, v.endpoint.Target())
	if err != nil {
		return false, err
	}
	defer session.Close()

	err = session.Bind(ctx, cred, v.mechanism)
	switch {
	case err == nil:
		return true, nil
	case ldapclient.IsInvalidCredentials(err):
		tflog.SubsystemTrace(ctx, "membership", "Credential rejected", nil)
		return false, nil
	default:
		return false, err
	}
}
