package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/powerjob/remoting/internal/runtime/jsoncodec"
	loggingpkg "github.com/powerjob/remoting/internal/runtime/logging"
)

// FaultSink receives every fault record observed by a FaultObserver.
type FaultSink interface {
	Report(ctx context.Context, rec FaultRecord) error
}

// SinkFunc adapts a function to FaultSink.
type SinkFunc func(ctx context.Context, rec FaultRecord) error

func (f SinkFunc) Report(ctx context.Context, rec FaultRecord) error { return f(ctx, rec) }

// LogSink writes each record through a ServiceLogger at info level.
type LogSink struct {
	Logger loggingpkg.ServiceLogger
}

func (s LogSink) Report(_ context.Context, rec FaultRecord) error {
	if s.Logger == nil {
		return errors.New("log sink: logger is nil")
	}
	fields := loggingpkg.LogFields{
		"fault_id":   rec.ID,
		"message_id": rec.MessageID,
		"recipient":  rec.Recipient,
		"kind":       string(rec.Kind),
		"reason":     rec.Reason,
		"node":       rec.Node,
		"payload":    rec.PayloadSummary,
	}
	if rec.Sender != nil {
		fields["sender"] = rec.Sender.String()
	}
	s.Logger.Info("[Troubleshooting] undeliverable message", fields)
	return nil
}

// MetricsSink counts records by kind.
type MetricsSink struct {
	counter *prometheus.CounterVec
}

// NewMetricsSink registers remoting_faults_observed_total on registerer. A nil
// registerer means the Prometheus default registerer.
func NewMetricsSink(registerer prometheus.Registerer) (*MetricsSink, error) {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}
	counter, err := registerOrReuse(registerer, prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "faults",
			Name:      "observed_total",
			Help:      "Fault records reported by the fault observer",
		},
		[]string{"kind"},
	))
	if err != nil {
		return nil, err
	}
	return &MetricsSink{counter: counter}, nil
}

func (s *MetricsSink) Report(_ context.Context, rec FaultRecord) error {
	s.counter.WithLabelValues(string(rec.Kind)).Inc()
	return nil
}

// MultiSink reports to every sink in order and joins their errors.
type MultiSink []FaultSink

func (m MultiSink) Report(ctx context.Context, rec FaultRecord) error {
	var errs []error
	for _, sink := range m {
		if sink == nil {
			continue
		}
		if err := sink.Report(ctx, rec); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// FaultObserver returns the handler that decodes fault records and reports
// them to sink. It never fails: decode errors, sink errors and sink panics
// are logged, so the subscription keeps receiving records.
func FaultObserver(sink FaultSink, logger loggingpkg.ServiceLogger) message.NoPublishHandlerFunc {
	if logger == nil {
		logger = loggingpkg.NewNopLogger()
	}
	if sink == nil {
		sink = LogSink{Logger: logger}
	}
	return func(msg *message.Message) error {
		var rec FaultRecord
		if err := jsoncodec.Unmarshal(msg.Payload, &rec); err != nil {
			logger.Error("[Troubleshooting] undecodable fault record", err, loggingpkg.LogFields{"message_uuid": msg.UUID})
			return nil
		}
		if err := report(msg.Context(), sink, rec); err != nil {
			logger.Error("[Troubleshooting] fault sink failed", err, loggingpkg.LogFields{
				"fault_id":  rec.ID,
				"recipient": rec.Recipient,
			})
		}
		return nil
	}
}

func report(ctx context.Context, sink FaultSink, rec FaultRecord) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("fault sink panicked: %v", r)
		}
	}()
	return sink.Report(ctx, rec)
}
