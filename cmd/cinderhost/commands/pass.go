package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/pflag"

	"github.com/openfroyo/cinderhost/pkg/engine"
	"github.com/openfroyo/cinderhost/pkg/policy"
	"github.com/openfroyo/cinderhost/pkg/stores"
	"github.com/openfroyo/cinderhost/pkg/telemetry"
)

// passOptions are the telemetry and history flags shared by converge and plan.
type passOptions struct {
	metricsTextfile string
	metricsListen   string
	eventsFile      string
	traceExporter   string
	traceEndpoint   string
	traceInsecure   bool
	keepRuns        int
	noHistory       bool
}

func (o *passOptions) register(flags *pflag.FlagSet) {
	flags.StringVar(&o.metricsTextfile, "metrics-textfile", "", "write metrics for the node_exporter textfile collector after each pass")
	flags.StringVar(&o.eventsFile, "events-file", "", "append run events as JSON lines to this file")
	flags.StringVar(&o.traceExporter, "trace-exporter", "none", "trace exporter (otlp, stdout, none)")
	flags.StringVar(&o.traceEndpoint, "trace-endpoint", "", "OTLP collector endpoint (host:port)")
	flags.BoolVar(&o.traceInsecure, "trace-insecure", false, "disable TLS for the OTLP exporter")
	flags.IntVar(&o.keepRuns, "keep-runs", 100, "runs kept in the history database (0 keeps all)")
	flags.BoolVar(&o.noHistory, "no-history", false, "do not record the pass in the history database")
}

func (o *passOptions) telemetryConfig(hostName string) *telemetry.Config {
	cfg := telemetry.DefaultConfig()
	cfg.ServiceVersion = buildVersion
	cfg.Host = hostName
	cfg.Metrics.TextfilePath = o.metricsTextfile
	cfg.Metrics.ListenAddress = o.metricsListen
	if o.traceExporter != "" && o.traceExporter != "none" {
		cfg.Tracing.Enabled = true
		cfg.Tracing.Exporter = o.traceExporter
		cfg.Tracing.Endpoint = o.traceEndpoint
		cfg.Tracing.Insecure = o.traceInsecure
	}
	return cfg
}

// runtime holds what lives across passes: telemetry and the history store.
type runtime struct {
	opts   passOptions
	sess   *session
	tel    *telemetry.Telemetry
	store  *stores.SQLiteStore
	events io.Closer
	out    io.Writer
}

func newRuntime(ctx context.Context, sess *session, opts passOptions) (*runtime, error) {
	rt := &runtime{opts: opts, sess: sess, out: os.Stdout}

	tel, err := telemetry.New(ctx, opts.telemetryConfig(sess.target.name), os.Stderr, sess.logger)
	if err != nil {
		return nil, err
	}
	rt.tel = tel

	if opts.eventsFile != "" {
		f, err := os.OpenFile(opts.eventsFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
		if err != nil {
			_ = tel.Shutdown(ctx)
			return nil, fmt.Errorf("failed to open events file: %w", err)
		}
		rt.events = f
		tel.Events.Subscribe(telemetry.JSONLines(f, func(err error) {
			sess.logger.Warn().Err(err).Msg("Failed to write event")
		}), nil)
	}

	if !opts.noHistory && stateDB != "" {
		store, err := stores.Open(ctx, stores.Config{Path: stateDB})
		if err != nil {
			_ = rt.close(ctx)
			return nil, err
		}
		rt.store = store
	}

	return rt, nil
}

// pass loads the attributes, builds and checks the plan and applies it.
func (rt *runtime) pass(ctx context.Context, noop bool) (*engine.Report, error) {
	logger := rt.sess.logger

	if err := rt.sess.load(ctx); err != nil {
		rt.tel.Metrics.RecordError(err)
		return nil, err
	}
	plan, err := rt.sess.plan(ctx, noop, func(v policy.Violation) {
		rt.tel.Recorder.PolicyViolation(v.Policy, string(v.Severity), v.Resource, v.Message)
	})
	if err != nil {
		rt.tel.Metrics.RecordError(err)
		return nil, err
	}

	observers := engine.Observers{rt.tel.Recorder}
	if rt.store != nil {
		observers = append(observers, stores.NewJournal(rt.store, rt.sess.target.name, plan.Provider.Backend, logger))
	}

	eng := engine.New(engine.Config{
		Noop:     noop,
		Logger:   logger,
		Observer: observers,
	}, rt.sess.handlers()...)

	report, err := eng.Apply(ctx, plan.Specs, plan.Notifications)

	if rt.store != nil && rt.opts.keepRuns > 0 {
		if pruned, perr := rt.store.PruneRuns(context.WithoutCancel(ctx), rt.opts.keepRuns); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to prune run history")
		} else if pruned > 0 {
			logger.Debug().Int64("pruned", pruned).Msg("Pruned run history")
		}
	}

	if report != nil {
		if perr := printReport(rt.out, report); perr != nil {
			logger.Warn().Err(perr).Msg("Failed to print report")
		}
	}
	return report, err
}

func (rt *runtime) close(ctx context.Context) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if rt.tel != nil {
		keep(rt.tel.Shutdown(ctx))
	}
	if rt.events != nil {
		keep(rt.events.Close())
	}
	if rt.store != nil {
		keep(rt.store.Close())
	}
	return firstErr
}

func printReport(w io.Writer, report *engine.Report) error {
	if jsonOutput {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RESOURCE\tSTATUS\tDURATION\tDETAIL")
	for _, r := range report.Results {
		detail := r.Detail
		if r.Err != nil {
			detail = r.Err.Error()
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", r.ResourceID, r.Status, r.Duration.Round(time.Millisecond), detail)
	}
	if err := tw.Flush(); err != nil {
		return err
	}

	for _, n := range report.Fired {
		fmt.Fprintln(w, n)
	}
	verb := "changed"
	if report.Noop {
		verb = "would change"
	}
	_, err := fmt.Fprintf(w, "\n%d of %d resources %s in %s (run %s)\n",
		report.Changed(), len(report.Results), verb, report.Duration.Round(time.Millisecond), report.RunID)
	return err
}
