// Package instrumentation provides OpenTelemetry metrics and tracing for the
// authorization server.
//
// When Config.Enabled is false every instrument is a no-op. When enabled, metrics
// go through the OpenTelemetry SDK and, with MetricsExporter set to "prometheus",
// are served in Prometheus text format by MetricsHandler:
//
//	inst, err := instrumentation.New(instrumentation.Config{
//		Enabled:         true,
//		MetricsExporter: instrumentation.MetricsExporterPrometheus,
//	})
//	if err != nil {
//		return err
//	}
//	defer inst.Shutdown(context.Background())
//
//	mux.Handle("/metrics", inst.MetricsHandler())
//
// # Available Metrics
//
// HTTP:
//   - oauth.http.requests.total{method, endpoint, status}
//   - oauth.http.request.duration{endpoint}
//
// Flows:
//   - oauth.authorization.started{client_id}
//   - oauth.callback.processed{result}
//   - oauth.code.exchanged{client_id}
//   - oauth.token.refreshed{client_id}
//   - oauth.token.revoked{client_id}
//   - oauth.client.registered{client_type}
//
// Identity provider:
//   - oauth.provider.api.calls.total{provider, operation, result}
//   - oauth.provider.jwks.fetches{forced, result}
//   - oauth.provider.identity.verifications{result}
//
// Storage:
//   - storage.operation.total{operation, result}
//   - storage.snapshot.save.duration{backend}, storage.snapshot.save.failures{backend}
//   - storage.clients.count, storage.access_tokens.count, storage.refresh_tokens.count
//   - storage.pending_authorizations.count, storage.authorization_codes.count
package instrumentation
