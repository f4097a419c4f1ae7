package provider

import (
	"context"

	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// logSubsystems are the tflog subsystems written to by the provider and the
// packages below it.
var logSubsystems = []string{"provider", "membership", "ldap", "kerberos"}

// initializeLogging registers every logging subsystem on ctx.
// Call it at the start of Configure and of each data source, ephemeral
// resource and function entry point.
func initializeLogging(ctx context.Context) context.Context {
	// Pattern: TF_LOG_PROVIDER_ADMEMBERSHIP_<SUBSYSTEM>
	for _, name := range logSubsystems {
		ctx = tflog.NewSubsystem(ctx, name,
			tflog.WithLevelFromEnv("TF_LOG_PROVIDER_ADMEMBERSHIP_"+upperSnake(name)))
	}
	return ctx
}
