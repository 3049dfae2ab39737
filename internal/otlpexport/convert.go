package otlpexport

import (
	"strings"
	"time"

	collogspb "go.opentelemetry.io/proto/otlp/collector/logs/v1"
	commonpb "go.opentelemetry.io/proto/otlp/common/v1"
	logspb "go.opentelemetry.io/proto/otlp/logs/v1"
	resourcepb "go.opentelemetry.io/proto/otlp/resource/v1"

	"github.com/ceymail/ceymail-mc/internal/model"
)

const (
	scopeName     = "ceymail-mc"
	serviceName   = "ceymail-mc"
	sourceAttrKey = "mail.source"
)

// severityNumber maps a mail-log level onto the OTLP severity scale.
func severityNumber(level model.LogLevel) logspb.SeverityNumber {
	switch level {
	case model.LevelDebug:
		return logspb.SeverityNumber_SEVERITY_NUMBER_DEBUG
	case model.LevelInfo:
		return logspb.SeverityNumber_SEVERITY_NUMBER_INFO
	case model.LevelWarning:
		return logspb.SeverityNumber_SEVERITY_NUMBER_WARN
	case model.LevelError:
		return logspb.SeverityNumber_SEVERITY_NUMBER_ERROR
	default:
		return logspb.SeverityNumber_SEVERITY_NUMBER_UNSPECIFIED
	}
}

func stringValue(s string) *commonpb.AnyValue {
	return &commonpb.AnyValue{Value: &commonpb.AnyValue_StringValue{StringValue: s}}
}

func toLogRecord(e model.LogEntry, observed time.Time) *logspb.LogRecord {
	rec := &logspb.LogRecord{
		ObservedTimeUnixNano: uint64(observed.UnixNano()),
		SeverityNumber:       severityNumber(e.Level),
		SeverityText:         strings.ToUpper(string(e.Level)),
		Body:                 stringValue(e.Message),
	}
	if !e.Timestamp.IsZero() {
		rec.TimeUnixNano = uint64(e.Timestamp.UnixNano())
	}
	if e.Source != "" {
		rec.Attributes = []*commonpb.KeyValue{
			{Key: sourceAttrKey, Value: stringValue(e.Source)},
		}
	}
	return rec
}

// buildRequest wraps one batch in a single resource/scope pair. All
// entries come from the same host and the same watcher, so one resource
// is always correct.
func buildRequest(batch []model.LogEntry, hostname string) *collogspb.ExportLogsServiceRequest {
	observed := time.Now().UTC()
	records := make([]*logspb.LogRecord, 0, len(batch))
	for _, e := range batch {
		records = append(records, toLogRecord(e, observed))
	}

	attrs := []*commonpb.KeyValue{
		{Key: "service.name", Value: stringValue(serviceName)},
	}
	if hostname != "" {
		attrs = append(attrs, &commonpb.KeyValue{Key: "host.name", Value: stringValue(hostname)})
	}

	return &collogspb.ExportLogsServiceRequest{
		ResourceLogs: []*logspb.ResourceLogs{{
			Resource: &resourcepb.Resource{Attributes: attrs},
			ScopeLogs: []*logspb.ScopeLogs{{
				Scope:      &commonpb.InstrumentationScope{Name: scopeName},
				LogRecords: records,
			}},
		}},
	}
}
