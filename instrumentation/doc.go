// Package instrumentation wires OpenTelemetry metrics and traces through the
// authorization server.
//
// Construct once and hand the instance to the server:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		ServiceName:    "oauthd",
//		ServiceVersion: "1.0.0",
//		Enabled:        true,
//	})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer inst.Shutdown(context.Background())
//	server.SetInstrumentation(inst)
//
// Metrics cover the HTTP layer (request counts and durations), the OAuth
// flows (authorizations, code exchanges, refreshes, revocations, ID tokens,
// registrations), security events (rate limit hits, PKCE failures, code and
// refresh token reuse) and storage (operation counts, durations, and live
// collection sizes via observable gauges). Spans are started for each
// endpoint, grant, and storage call.
//
// With Enabled false, or when no instrumentation is configured at all, every
// provider is a no-op and recording costs nothing.
//
// Telemetry carries metadata only. Token values, authorization codes, client
// secrets, and PKCE verifiers must never appear as attributes; client IPs
// are gated behind Config.LogClientIPs because they may be personal data.
package instrumentation
