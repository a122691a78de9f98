// Package telemetry records what converge passes do: OpenTelemetry spans per
// pass and per resource, Prometheus counters and histograms, and a stream of
// structured events.
//
// The Recorder implements engine.Observer, so wiring telemetry into a pass
// is a matter of handing it to the engine:
//
//	tel, err := telemetry.New(ctx, cfg, os.Stdout, logger)
//	if err != nil {
//		return err
//	}
//	defer tel.Shutdown(context.Background())
//
//	eng := engine.New(engine.Config{Logger: logger, Observer: tel.Recorder}, handlers...)
//
// Metrics can be scraped over HTTP in watch mode (Metrics.Serve) or written
// after every pass to a node_exporter textfile (MetricsConfig.TextfilePath).
//
// Events are delivered in order on a single goroutine. JSONLines adapts an
// io.Writer into a subscriber for an append-only audit log.
package telemetry
