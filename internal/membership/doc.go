/*
Package membership authenticates and inspects user accounts stored in Active
Directory or ADAM.

A Provider is initialized once from Settings. Initialization negotiates a
working transport (Negotiate), classifies the directory, resolves the user
container and validates the configured attribute mappings against the
schema (SchemaAttributeMapper). The resulting Endpoint is then shared by:

  - CredentialValidator, which proves a password by binding with it
  - LockoutTracker, which maintains the failed password answer attributes
    and merges them with the directory's own lockout state

# Negotiation

With ConnectionProtectionSecure the negotiator tries, in order, TLS with a
simple bind, TLS with Negotiate and finally sign-and-seal with Negotiate.
A rejected simple bind moves on to TLS with Negotiate; an unreachable TLS
port skips straight to sign-and-seal. ConnectionProtectionNone binds once
in the clear and requires an explicit credential.

# Credential Checks

When the server advertises fast concurrent bind and the transport is not
sign-and-seal, checks share one connection in fast bind mode. Binds on it
run concurrently under a read lock; replacing it takes the write lock. If
fast bind turns out not to work the endpoint falls back to one connection
per check for the rest of its lifetime.

# Lockout

An account is locked when either the native lockout or the failed answer
lockout is within its duration. When both are, the later timestamp is
reported. All times are UTC. Failed answer writes are not guarded against
concurrent writers; the last write wins.
*/
package membership
