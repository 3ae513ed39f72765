package telemetry

import (
	"github.com/rjboer/iqstream/internal/logging"
)

// StdoutReporter logs each score.
type StdoutReporter struct {
	logger logging.Logger
}

// NewStdoutReporter builds a stdout reporter with the provided logger.
func NewStdoutReporter(logger logging.Logger) StdoutReporter {
	if logger == nil {
		logger = logging.Default()
	}
	return StdoutReporter{logger: logger}
}

func (r StdoutReporter) Report(s Score) {
	fields := []logging.Field{
		{Key: "subsystem", Value: "telemetry"},
		{Key: "score", Value: s.Score},
		{Key: "target_hz", Value: s.TargetHz},
	}
	if s.PeakMag != 0 {
		fields = append(fields,
			logging.Field{Key: "peak_hz", Value: s.PeakHz},
			logging.Field{Key: "peak_mag", Value: s.PeakMag},
		)
	}
	if s.StreamID != "" {
		fields = append(fields, logging.Field{Key: "stream", Value: s.StreamID})
	}
	r.logger.Info("detection score", fields...)
}
