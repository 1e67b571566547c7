package types

// EventMessage is the serialized form of a published event.
// The attribute names follow the CloudEvents JSON format.
type EventMessage struct {
	SpecVersion     string         `json:"specversion" msgpack:"specversion"`
	ID              string         `json:"id" msgpack:"id"`
	Type            string         `json:"type" msgpack:"type"`
	Source          string         `json:"source,omitempty" msgpack:"source,omitempty"`
	Subject         string         `json:"subject" msgpack:"subject"`
	Action          string         `json:"action" msgpack:"action"`
	CorrelationID   string         `json:"correlationid,omitempty" msgpack:"correlationid,omitempty"`
	PartitionKey    string         `json:"partitionkey" msgpack:"partitionkey"`
	ETag            string         `json:"etag,omitempty" msgpack:"etag,omitempty"`
	DataContentType string         `json:"datacontenttype" msgpack:"datacontenttype"`
	Data            map[string]any `json:"data,omitempty" msgpack:"data,omitempty"`
}

// SpecVersion is the CloudEvents specification version written to every message
const SpecVersion = "1.0"
