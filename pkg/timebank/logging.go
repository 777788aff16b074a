package timebank

import "context"

// ServiceOption configures a Service instance.
type ServiceOption func(*Service)

// OperationLogger records domain-level events emitted by Service operations.
type OperationLogger interface {
	LogOperation(ctx context.Context, entry OperationLog)
}

// OperationLog describes a state-changing booking or wallet operation.
type OperationLog struct {
	Operation string
	Actor     UserID
	UserID    UserID
	BookingID BookingID
	Amount    Credits
	Attempts  int
	Status    string
	Error     error
}

// Kind classifies the logged error.
func (entry OperationLog) Kind() ErrorKind {
	return KindOf(entry.Error)
}

// WithOperationLogger wires a logger that receives callbacks for every operation.
func WithOperationLogger(logger OperationLogger) ServiceOption {
	return func(service *Service) {
		service.logger = logger
	}
}

// OperationLoggers fans each entry out to every non-nil logger.
type OperationLoggers []OperationLogger

// LogOperation forwards entry to each logger in order.
func (loggers OperationLoggers) LogOperation(ctx context.Context, entry OperationLog) {
	for _, logger := range loggers {
		if logger != nil {
			logger.LogOperation(ctx, entry)
		}
	}
}
