package bus

// DeliveryGuarantee selects the publisher's retry behavior.
type DeliveryGuarantee int

const (
	// AtLeastOnce retries transient failures and dead-letters on exhaustion.
	AtLeastOnce DeliveryGuarantee = iota
	// AtMostOnce makes a single best-effort attempt.
	AtMostOnce
)

func (g DeliveryGuarantee) String() string {
	if g == AtMostOnce {
		return "at_most_once"
	}
	return "at_least_once"
}

// PublishOptions controls envelope publishing.
type PublishOptions struct {
	Guarantee     DeliveryGuarantee
	TopicOverride string
	// Key overrides the partition key (default: correlation id).
	Key     string
	Headers map[string]string
	// NoDeadLetter leaves an envelope that exhausted its attempts with the caller
	// instead of depositing it in the dead-letter sink.
	NoDeadLetter bool
}

// Header names written by the publisher and read by the dispatcher.
const (
	HeaderContentType   = "content-type"
	HeaderEventID       = "x-event-id"
	HeaderEventType     = "x-event-type"
	HeaderCorrelationID = "x-correlation-id"
	HeaderCausationID   = "x-causation-id"
	HeaderAttempt       = "x-attempt"

	ContentTypeJSON = "application/json"
)
