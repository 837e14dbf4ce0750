package observability

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const (
	metricBucketsAssigned = "dispatch.buckets.assigned.total"
	metricBucketsResolved = "dispatch.buckets.resolved.total"
	metricLeaseEvents     = "dispatch.leases.total"
	metricPayoutsTotal    = "dispatch.payouts.total"
	metricPayoutAmount    = "dispatch.payouts.amount_usd.total"
	metricHeartbeats      = "dispatch.heartbeats.total"

	attrResult = "result"
	attrReason = "reason"
)

// DispatchMetrics holds OTel instruments for the dispatch engine's core
// business operations: bucket assignment, lease lifecycle, settlement, and
// worker liveness.
type DispatchMetrics struct {
	bucketsAssigned metric.Int64Counter
	bucketsResolved metric.Int64Counter
	leaseEvents     metric.Int64Counter
	payoutsTotal    metric.Int64Counter
	payoutAmount    metric.Float64Counter
	heartbeats      metric.Int64Counter
}

// NewDispatchMetrics creates dispatch metric instruments from the given meter.
func NewDispatchMetrics(mt metric.Meter) (*DispatchMetrics, error) {
	b := newMetricBuilder(mt)

	dm := &DispatchMetrics{
		bucketsAssigned: b.counter(metricBucketsAssigned, "Total bucket assignments handed out", "{bucket}"),
		bucketsResolved: b.counter(metricBucketsResolved, "Total buckets resolved by terminal status", "{bucket}"),
		leaseEvents:     b.counter(metricLeaseEvents, "Total lease lifecycle events", "{event}"),
		payoutsTotal:    b.counter(metricPayoutsTotal, "Total settlements performed", "{payout}"),
		heartbeats:      b.counter(metricHeartbeats, "Total worker heartbeats received", "{heartbeat}"),
	}

	payoutAmount, err := mt.Float64Counter(metricPayoutAmount,
		metric.WithDescription("Total USD moved through settlements"),
		metric.WithUnit("{usd}"),
	)
	b.setErr(metricPayoutAmount, err)
	dm.payoutAmount = payoutAmount

	if b.err != nil {
		return nil, b.err
	}

	return dm, nil
}

// RecordAssignment records a bucket handed out to a worker.
func (dm *DispatchMetrics) RecordAssignment(ctx context.Context) {
	if dm == nil {
		return
	}

	dm.bucketsAssigned.Add(ctx, 1)
}

// RecordResolution records a bucket reaching a terminal status (completed or failed).
func (dm *DispatchMetrics) RecordResolution(ctx context.Context, status string) {
	if dm == nil {
		return
	}

	dm.bucketsResolved.Add(ctx, 1, metric.WithAttributes(attribute.String(attrResult, status)))
}

// RecordLeaseEvent records a lease lifecycle transition (expired, revoked, reinvoked).
func (dm *DispatchMetrics) RecordLeaseEvent(ctx context.Context, reason string) {
	if dm == nil {
		return
	}

	dm.leaseEvents.Add(ctx, 1, metric.WithAttributes(attribute.String(attrReason, reason)))
}

// RecordPayout records a completed settlement and the USD amount it moved.
func (dm *DispatchMetrics) RecordPayout(ctx context.Context, amountUSD float64) {
	if dm == nil {
		return
	}

	dm.payoutsTotal.Add(ctx, 1)
	dm.payoutAmount.Add(ctx, amountUSD)
}

// RecordHeartbeat records a worker liveness ping.
func (dm *DispatchMetrics) RecordHeartbeat(ctx context.Context) {
	if dm == nil {
		return
	}

	dm.heartbeats.Add(ctx, 1)
}
