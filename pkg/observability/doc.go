// Package observability provides OpenTelemetry tracing and metrics for
// facet runs. Spans cover the run, each phase, and each connector call;
// metrics follow the RED pattern per connector plus a spend counter.
//
// Initialize at bootstrap and shut down on exit:
//
//	obs, err := observability.New(ctx, &observability.Config{
//		ServiceName:  "facet",
//		OTLPEndpoint: "otel-collector:4317",
//		SampleRate:   0.1,
//		Enabled:      true,
//	})
//	defer obs.Shutdown(ctx)
//
// Wrap a connector call:
//
//	callCtx, finish := obs.TrackCall(ctx, "google_places", "enrichment", page)
//	ing, err := fetch(callCtx)
//	finish(err, spec.CostPerCallUSD)
//
// Telemetry is off by default; a disabled provider degrades every call to
// a no-op so call sites never branch on configuration.
package observability
