package eventlog

import (
	"fmt"
	"time"

	"github.com/Azure/go-amqp"
)

// Message annotations the service stamps on every stored event
const (
	OffsetAnnotation         = "x-opt-offset"
	SequenceNumberAnnotation = "x-opt-sequence-number"
	EnqueuedTimeAnnotation   = "x-opt-enqueued-time"
	PartitionKeyAnnotation   = "x-opt-partition-key"
)

// SystemProperties are the service-assigned coordinates of an event
type SystemProperties struct {
	Offset         string
	SequenceNumber int64
	EnqueuedTime   time.Time
	PartitionKey   string
}

// EventData is one event read from a partition
type EventData struct {
	// Message content
	Body        []byte
	ContentType string

	// Message metadata
	MessageID     any
	CorrelationID any
	Properties    map[string]any

	SystemProperties SystemProperties

	// Annotations holds every message annotation, including the ones
	// decoded into SystemProperties.
	Annotations map[string]any
}

// newEventData decodes a received message
func newEventData(msg *amqp.Message) *EventData {
	e := &EventData{
		Body:       msg.GetData(),
		Properties: msg.ApplicationProperties,
	}
	if msg.Properties != nil {
		e.MessageID = msg.Properties.MessageID
		e.CorrelationID = msg.Properties.CorrelationID
		if msg.Properties.ContentType != nil {
			e.ContentType = *msg.Properties.ContentType
		}
	}
	if e.Body == nil {
		if b, ok := msg.Value.([]byte); ok {
			e.Body = b
		}
	}
	if len(msg.Annotations) == 0 {
		return e
	}

	e.Annotations = make(map[string]any, len(msg.Annotations))
	for k, v := range msg.Annotations {
		key, ok := k.(string)
		if !ok {
			key = fmt.Sprint(k)
		}
		e.Annotations[key] = v
	}
	sp := &e.SystemProperties
	switch v := e.Annotations[OffsetAnnotation].(type) {
	case string:
		sp.Offset = v
	case int64:
		sp.Offset = fmt.Sprint(v)
	}
	if n, ok := toInt64(e.Annotations[SequenceNumberAnnotation]); ok {
		sp.SequenceNumber = n
	}
	if t, ok := e.Annotations[EnqueuedTimeAnnotation].(time.Time); ok {
		sp.EnqueuedTime = t
	}
	if pk, ok := e.Annotations[PartitionKeyAnnotation].(string); ok {
		sp.PartitionKey = pk
	}
	return e
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case uint64:
		return int64(n), true
	}
	if i, ok := toInt(v); ok {
		return int64(i), true
	}
	return 0, false
}
