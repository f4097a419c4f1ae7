/*
Package ldap provides the directory service client used by the membership provider.

It wraps github.com/go-ldap/ldap/v3 behind two small interfaces so the
membership engine can be exercised against fakes:

  - Dialer: opens a Session to a Target (host, port and protection)
  - Session: bind, search, modify and fast concurrent bind on one connection

# Protection and Mechanisms

A Target carries one of three protection modes:

  - ProtectionNone: plain LDAP, simple bind only
  - ProtectionTLS: LDAPS (port 636 unless configured otherwise)
  - ProtectionSignAndSeal: plain LDAP with a Negotiate bind

The Negotiate mechanism uses Kerberos (GSSAPI through gokrb5) when a realm is
configured or the process identity is used, and NTLM otherwise.

# Active Directory Encodings

Integer8 timestamps (lockoutTime, badPasswordTime and friends) are Windows
FILETIME values; policy intervals such as lockoutDuration are negative
100-nanosecond counts. See FileTimeToTime and ParseIntervalDuration.

# Error Handling

Errors returned by sessions are *LDAPError values carrying the LDAP result
code and a category. IsInvalidCredentials separates a rejected credential
from IsServerUnavailable transport failures.

# Thread Safety

Sessions and SessionPool are safe for concurrent use.
*/
package ldap
