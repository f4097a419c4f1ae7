package ldap

import (
	"errors"
	"net"
	"testing"

	"github.com/go-ldap/ldap/v3"
)

func TestFastBindError(t *testing.T) {
	tests := []struct {
		name            string
		err             error
		wantUnsupported bool
		wantUnavailable bool
	}{
		{
			name:            "unwilling to perform",
			err:             ldap.NewError(ldap.LDAPResultUnwillingToPerform, errors.New("00002035: LdapErr: DSID-0C090F5D")),
			wantUnsupported: true,
		},
		{
			name:            "unavailable critical extension",
			err:             ldap.NewError(ldap.LDAPResultUnavailableCriticalExtension, errors.New("unknown extended request")),
			wantUnsupported: true,
		},
		{
			name:            "protocol error",
			err:             ldap.NewError(ldap.LDAPResultProtocolError, errors.New("unsupported extended operation")),
			wantUnsupported: true,
		},
		{
			name:            "operations error",
			err:             ldap.NewError(ldap.LDAPResultOperationsError, errors.New("connection already bound")),
			wantUnsupported: true,
		},
		{
			name:            "network error",
			err:             ldap.NewError(ldap.ErrorNetwork, &net.OpError{Op: "read", Err: errors.New("connection reset by peer")}),
			wantUnavailable: true,
		},
		{
			name: "server busy",
			err:  ldap.NewError(ldap.LDAPResultBusy, errors.New("busy")),
		},
		{
			name:            "wrapped network error",
			err:             NewLDAPError("extended", ldap.NewError(ldap.LDAPResultServerDown, errors.New("server down"))),
			wantUnavailable: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := FastBindError(tt.err)
			if err == nil {
				t.Fatal("FastBindError() = nil")
			}
			if got := errors.Is(err, ErrFastBindUnsupported); got != tt.wantUnsupported {
				t.Errorf("errors.Is(err, ErrFastBindUnsupported) = %v, want %v", got, tt.wantUnsupported)
			}
			if !errors.Is(err, tt.err) {
				t.Errorf("FastBindError() lost the cause: %v", err)
			}
			if tt.wantUnsupported {
				return
			}
			if got := IsServerUnavailable(err); got != tt.wantUnavailable {
				t.Errorf("IsServerUnavailable(err) = %v, want %v", got, tt.wantUnavailable)
			}
		})
	}

	if err := FastBindError(nil); err != nil {
		t.Errorf("FastBindError(nil) = %v, want nil", err)
	}
}

func TestProtection_Encrypted(t *testing.T) {
	tests := []struct {
		protection Protection
		want       bool
	}{
		{ProtectionTLS, true},
		{ProtectionSignAndSeal, false},
		{ProtectionNone, false},
	}

	for _, tt := range tests {
		t.Run(tt.protection.String(), func(t *testing.T) {
			if got := tt.protection.Encrypted(); got != tt.want {
				t.Errorf("%s.Encrypted() = %v, want %v", tt.protection, got, tt.want)
			}
		})
	}
}
