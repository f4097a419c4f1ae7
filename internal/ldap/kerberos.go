package ldap

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/go-ldap/ldap/v3"
	"github.com/go-ldap/ldap/v3/gssapi"
	krb5client "github.com/jcmturner/gokrb5/v8/client"
)

const defaultKrb5Conf = "/etc/krb5.conf"

// performKerberosBind performs a GSSAPI bind on conn for cred.
// A default credential binds as the process identity from the ccache or keytab.
func performKerberosBind(ctx context.Context, conn *ldap.Conn, cfg *DialConfig, cred Credential, host string) error {
	principal, realm := kerberosPrincipal(cfg, cred)

	gssapiClient, err := createGSSAPIClient(ctx, cfg, cred, principal, realm)
	if err != nil {
		LogKerberosEvent(ctx, "authentication_failed", map[string]any{
			"principal": principal,
			"realm":     realm,
			"error":     err.Error(),
		})
		return fmt.Errorf("failed to create GSSAPI client: %w", err)
	}
	defer func() {
		_ = gssapiClient.DeleteSecContext()
	}()

	spn, err := buildServicePrincipal(cfg, host)
	if err != nil {
		return fmt.Errorf("failed to build service principal: %w", err)
	}

	LogKerberosEvent(ctx, "principal_resolved", map[string]any{
		"principal": principal,
		"realm":     realm,
		"spn":       spn,
	})

	return conn.GSSAPIBind(gssapiClient, spn, "")
}

// kerberosPrincipal derives the principal name and realm from cred.
// user@REALM and DOMAIN\user forms are both accepted.
func kerberosPrincipal(cfg *DialConfig, cred Credential) (principal, realm string) {
	realm = cfg.KerberosRealm
	principal = cred.Username

	if i := strings.LastIndex(principal, "@"); i >= 0 {
		if realm == "" {
			realm = principal[i+1:]
		}
		principal = principal[:i]
	} else if _, user := cred.SplitDomain(); user != principal {
		principal = user
	}

	return principal, strings.ToUpper(realm)
}

// createGSSAPIClient creates a GSSAPI client.
// Priority order: explicit password → credential cache → keytab.
func createGSSAPIClient(ctx context.Context, cfg *DialConfig, cred Credential, principal, realm string) (ldap.GSSAPIClient, error) {
	krb5confPath := cfg.KerberosConfig
	if krb5confPath == "" {
		krb5confPath = defaultKrb5Conf
	}

	if !fileExists(krb5confPath) {
		return nil, fmt.Errorf("Kerberos configuration file not found at %s. "+
			"Either create %s or specify a custom path using 'kerberos_config'. "+
			"Example minimal configuration:\n%s",
			krb5confPath, krb5confPath, generateExampleKrb5Conf(realm))
	}

	if cred.Password != "" {
		if realm == "" {
			return nil, fmt.Errorf("kerberos realm is required (set kerberos_realm or use user@REALM)")
		}
		return gssapi.NewClientWithPassword(principal, realm, cred.Password, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	ccache := cfg.KerberosCCache
	if ccache == "" {
		ccache = getDefaultCCachePath()
	}
	if fileExists(ccache) {
		LogKerberosEvent(ctx, "credentials_cached", map[string]any{"ccache": ccache})
		return gssapi.NewClientFromCCache(ccache, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	keytab := cfg.KerberosKeytab
	if keytab == "" {
		keytab = getDefaultKeytabPath()
	}
	if principal != "" && realm != "" && fileExists(keytab) {
		LogKerberosEvent(ctx, "keytab_loaded", map[string]any{"keytab": keytab})
		return gssapi.NewClientWithKeytab(principal, realm, keytab, krb5confPath, krb5client.DisablePAFXFAST(true))
	}

	return nil, fmt.Errorf("no suitable credentials found for Kerberos authentication")
}

// buildServicePrincipal returns the SPN of the directory service on host,
// or cfg.KerberosSPN when one is configured.
func buildServicePrincipal(cfg *DialConfig, host string) (string, error) {
	if cfg != nil && cfg.KerberosSPN != "" {
		return cfg.KerberosSPN, nil
	}

	name, _, _ := strings.Cut(host, ":")
	if name == "" {
		return "", errors.New("service principal needs a host name")
	}
	return "ldap/" + name, nil
}

// envPath reads a Kerberos location from the environment, dropping the
// FILE: residence type.
func envPath(name, fallback string) string {
	if v := os.Getenv(name); v != "" {
		return strings.TrimPrefix(v, "FILE:")
	}
	return fallback
}

func getDefaultCCachePath() string {
	return envPath("KRB5CCNAME", "/tmp/krb5cc_"+strconv.Itoa(os.Getuid()))
}

func getDefaultKeytabPath() string {
	return envPath("KRB5_KTNAME", "/etc/krb5.keytab")
}

func fileExists(path string) bool {
	if path == "" {
		return false
	}
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	return f.Close() == nil
}

// generateExampleKrb5Conf renders a minimal krb5.conf for realm, used as a
// hint when the configuration file is missing.
func generateExampleKrb5Conf(realm string) string {
	if realm == "" {
		realm = "YOUR.REALM.COM"
	}
	domain := strings.ToLower(realm)

	var b strings.Builder
	b.WriteString("[libdefaults]\n")
	b.WriteString("    default_realm = " + realm + "\n")
	b.WriteString("    dns_lookup_kdc = false\n\n")
	b.WriteString("[realms]\n")
	b.WriteString("    " + realm + " = {\n")
	b.WriteString("        kdc = dc." + domain + ":88\n")
	b.WriteString("    }\n\n")
	b.WriteString("[domain_realm]\n")
	b.WriteString("    ." + domain + " = " + realm + "\n")
	return b.String()
}
