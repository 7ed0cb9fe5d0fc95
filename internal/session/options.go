package session

import (
	"epicore/internal/progress"
	"epicore/internal/provider"
	"epicore/pkg/domain"
)

// ServiceOption customizes service construction.
type ServiceOption func(*Service)

// WithClock overrides the time source used for timestamps and durations.
func WithClock(clock Clock) ServiceOption {
	return func(s *Service) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger installs a structured logger.
func WithLogger(logger Logger) ServiceOption {
	return func(s *Service) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetricsRecorder installs a metrics sink for operation outcomes.
func WithMetricsRecorder(recorder MetricsRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.metrics = recorder
		}
	}
}

// WithTracer installs a tracer wrapping every service operation.
func WithTracer(tracer Tracer) ServiceOption {
	return func(s *Service) {
		if tracer != nil {
			s.tracer = tracer
		}
	}
}

// WithAuditRecorder installs an audit sink.
func WithAuditRecorder(recorder AuditRecorder) ServiceOption {
	return func(s *Service) {
		if recorder != nil {
			s.audit = recorder
		}
	}
}

// WithProvider attaches an artifact provider for cache fallback and persistence.
func WithProvider(p provider.Provider) ServiceOption {
	return func(s *Service) {
		s.provider = p
	}
}

// WithPrerequisiteLoader gates runs on required base data being loaded.
func WithPrerequisiteLoader(loader PrerequisiteLoader) ServiceOption {
	return func(s *Service) {
		s.prereq = loader
	}
}

// WithProgressTransport registers an out-of-band sink for progress events.
func WithProgressTransport(transport progress.Transport) ServiceOption {
	return func(s *Service) {
		s.transport = transport
	}
}

// WithRulesEngine replaces the default registry rule set.
func WithRulesEngine(engine *domain.RulesEngine) ServiceOption {
	return func(s *Service) {
		s.engine = engine
	}
}
