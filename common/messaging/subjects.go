// Package messaging defines standard subject names for the flowsink message bus.
package messaging

// Subject constants follow the pattern: {service}.{domain}.{resource}
const (
	// SubjectDLQPrefix prefixes every dead-letter subject.
	SubjectDLQPrefix = "flowsink.dlq"

	// SubjectDLQAll matches every dead-letter subject.
	SubjectDLQAll = SubjectDLQPrefix + ".>"
)

// Header names attached to dead-letter messages.
const (
	HeaderReason    = "Flowsink-Reason"
	HeaderTopic     = "Flowsink-Topic"
	HeaderPartition = "Flowsink-Partition"
	HeaderOffset    = "Flowsink-Offset"
)

// DLQSubject returns the subject for dead-letters with the given reason.
// Example: flowsink.dlq.malformed_payload
func DLQSubject(reason string) string {
	if reason == "" {
		reason = "unknown"
	}
	return SubjectDLQPrefix + "." + reason
}
