package domain

// EventKind is the closed set of processor webhook events the service acts on.
// Anything else parses to EventUnrecognized and is acknowledged without effect.
type EventKind int

const (
	EventUnrecognized EventKind = iota
	EventCaptured
	EventFailed
	EventSettled
)

var eventNames = map[string]EventKind{
	"captured":         EventCaptured,
	"payment.captured": EventCaptured,
	"failed":           EventFailed,
	"payment.failed":   EventFailed,
	"settled":          EventSettled,
	"order.paid":       EventSettled,
}

// ParseEventKind maps a processor event name to its kind.
func ParseEventKind(name string) EventKind {
	if k, ok := eventNames[name]; ok {
		return k
	}
	return EventUnrecognized
}

func (k EventKind) String() string {
	switch k {
	case EventCaptured:
		return "captured"
	case EventFailed:
		return "failed"
	case EventSettled:
		return "settled"
	default:
		return "unrecognized"
	}
}

// WebhookEvent is an authenticated, normalised processor notification.
type WebhookEvent struct {
	// DeliveryID is the processor's envelope id, if any.
	DeliveryID         string
	Name               string
	Kind               EventKind
	ProcessorOrderID   string
	ProcessorPaymentID string
}
