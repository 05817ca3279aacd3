// Package metrics records pipeline counters with OpenTelemetry.
//
// Every method is safe on a nil *Metrics, so components can be built
// without instrumentation in tests.
package metrics

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
)

// InstrumentationName is the meter name used by FromGlobal.
const InstrumentationName = "github.com/roach88/dhtcore"

// Metric names.
const (
	NameIntake      = "dhtcore.intake.ops"
	NameValidation  = "dhtcore.validation.outcomes"
	NameIntegration = "dhtcore.integration.ops"
	NamePublish     = "dhtcore.publish.ops"
	NameReceipts    = "dhtcore.receipts"
	NameWarrants    = "dhtcore.warrants.authored"
	NameRunDuration = "dhtcore.workflow.duration"
)

// Intake results.
const (
	IntakeAdmitted    = "admitted"
	IntakeDuplicate   = "duplicate"
	IntakeCounterfeit = "counterfeit"
	IntakeOutOfArc    = "out_of_arc"
)

// Validation outcomes.
const (
	OutcomeValid    = "valid"
	OutcomeRejected = "rejected"
	OutcomeDeferred = "deferred"
)

// Metrics holds the pipeline instruments.
type Metrics struct {
	intake      metric.Int64Counter
	validation  metric.Int64Counter
	integration metric.Int64Counter
	publish     metric.Int64Counter
	receipts    metric.Int64Counter
	warrants    metric.Int64Counter
	runDuration metric.Float64Histogram
}

// New creates the instruments on meter.
func New(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.intake, err = meter.Int64Counter(NameIntake,
		metric.WithDescription("Ops seen by the intake gate, by result"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create intake counter: %w", err)
	}
	if m.validation, err = meter.Int64Counter(NameValidation,
		metric.WithDescription("Validation outcomes, by stage and outcome"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation counter: %w", err)
	}
	if m.integration, err = meter.Int64Counter(NameIntegration,
		metric.WithDescription("Ops integrated, by validation status"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create integration counter: %w", err)
	}
	if m.publish, err = meter.Int64Counter(NamePublish,
		metric.WithDescription("Authored ops handed to the transport"),
		metric.WithUnit("{op}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create publish counter: %w", err)
	}
	if m.receipts, err = meter.Int64Counter(NameReceipts,
		metric.WithDescription("Validation receipts, by direction"),
		metric.WithUnit("{receipt}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create receipt counter: %w", err)
	}
	if m.warrants, err = meter.Int64Counter(NameWarrants,
		metric.WithDescription("Warrants authored, by kind"),
		metric.WithUnit("{warrant}"),
	); err != nil {
		return nil, fmt.Errorf("failed to create warrant counter: %w", err)
	}
	if m.runDuration, err = meter.Float64Histogram(NameRunDuration,
		metric.WithDescription("Workflow run duration in seconds"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5, 5.0),
	); err != nil {
		return nil, fmt.Errorf("failed to create duration histogram: %w", err)
	}
	return m, nil
}

// FromGlobal creates the instruments on the global meter provider.
func FromGlobal() (*Metrics, error) {
	return New(otel.Meter(InstrumentationName))
}

// NewProvider creates an SDK meter provider reading through reader and
// installs it as the global provider.
func NewProvider(reader sdkmetric.Reader) *sdkmetric.MeterProvider {
	p := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	otel.SetMeterProvider(p)
	return p
}

// Intake counts n ops with an intake result.
func (m *Metrics) Intake(ctx context.Context, result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.intake.Add(ctx, int64(n), metric.WithAttributes(attribute.String("result", result)))
}

// Validation counts one outcome of stage ("sys" or "app").
func (m *Metrics) Validation(ctx context.Context, stage, outcome string) {
	if m == nil {
		return
	}
	m.validation.Add(ctx, 1, metric.WithAttributes(
		attribute.String("stage", stage),
		attribute.String("outcome", outcome),
	))
}

// Integrated counts n ops integrated with status.
func (m *Metrics) Integrated(ctx context.Context, status string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.integration.Add(ctx, int64(n), metric.WithAttributes(attribute.String("status", status)))
}

// Published counts n ops handed to the transport.
func (m *Metrics) Published(ctx context.Context, n int) {
	if m == nil || n == 0 {
		return
	}
	m.publish.Add(ctx, int64(n))
}

// Receipt counts one receipt sent or received.
func (m *Metrics) Receipt(ctx context.Context, direction string) {
	if m == nil {
		return
	}
	m.receipts.Add(ctx, 1, metric.WithAttributes(attribute.String("direction", direction)))
}

// Warrant counts one authored warrant of kind.
func (m *Metrics) Warrant(ctx context.Context, kind string) {
	if m == nil {
		return
	}
	m.warrants.Add(ctx, 1, metric.WithAttributes(attribute.String("kind", kind)))
}

// ObserveRun records the duration of one workflow run.
func (m *Metrics) ObserveRun(ctx context.Context, workflow string, d time.Duration) {
	if m == nil {
		return
	}
	m.runDuration.Record(ctx, d.Seconds(), metric.WithAttributes(attribute.String("workflow", workflow)))
}
