package messaging

import "time"

// Request types carried in the "type" field of an inbound entry. An entry
// with no type field is treated as TypeMessage.
const (
	TypeRegister = "register"
	TypeMessage  = "message"
)

// Reserved field names. Application payload fields must not use these;
// encoding writes them last so the reserved value always wins, and parsing
// strips them back out of the payload.
const (
	fieldType           = "type"
	fieldUserID         = "user_id"
	fieldEndpointID     = "endpoint_id"
	fieldTimestamp      = "timestamp"
	fieldOriginEndpoint = "origin_endpoint_id"
	fieldProcessedAt    = "processed_at"
)

// Request is one inbound entry on the shared topic: either a session
// registration or an application message to be processed and fanned out.
type Request struct {
	Type       string
	UserID     string
	EndpointID string
	Timestamp  string
	// Payload carries the application-specific fields untouched.
	Payload map[string]string
}

// Fields flattens the request into the string-field map a log entry
// carries.
func (r Request) Fields() map[string]string {
	fields := make(map[string]string, len(r.Payload)+4)
	for k, v := range r.Payload {
		fields[k] = v
	}
	typ := r.Type
	if typ == "" {
		typ = TypeMessage
	}
	fields[fieldType] = typ
	fields[fieldUserID] = r.UserID
	fields[fieldEndpointID] = r.EndpointID
	if r.Timestamp != "" {
		fields[fieldTimestamp] = r.Timestamp
	}
	return fields
}

// ParseRequest rebuilds a Request from entry fields. Unknown fields land
// in Payload; reserved fields never do.
func ParseRequest(fields map[string]string) Request {
	req := Request{
		Type:       fields[fieldType],
		UserID:     fields[fieldUserID],
		EndpointID: fields[fieldEndpointID],
		Timestamp:  fields[fieldTimestamp],
	}
	if req.Type == "" {
		req.Type = TypeMessage
	}
	for k, v := range fields {
		switch k {
		case fieldType, fieldUserID, fieldEndpointID, fieldTimestamp:
			continue
		}
		if req.Payload == nil {
			req.Payload = make(map[string]string)
		}
		req.Payload[k] = v
	}
	return req
}

// Response is one reply entry on a target endpoint's private topic. The
// processor appends one Response per fan-out target; OriginEndpoint names
// the endpoint the triggering request came from, so a receiving device can
// tell its own traffic from a sibling's.
type Response struct {
	UserID         string
	OriginEndpoint string
	ProcessedAt    string
	Payload        map[string]string
}

// Fields flattens the response into entry fields.
func (r Response) Fields() map[string]string {
	fields := make(map[string]string, len(r.Payload)+3)
	for k, v := range r.Payload {
		fields[k] = v
	}
	fields[fieldUserID] = r.UserID
	fields[fieldOriginEndpoint] = r.OriginEndpoint
	fields[fieldProcessedAt] = r.ProcessedAt
	return fields
}

// ParseResponse rebuilds a Response from entry fields.
func ParseResponse(fields map[string]string) Response {
	resp := Response{
		UserID:         fields[fieldUserID],
		OriginEndpoint: fields[fieldOriginEndpoint],
		ProcessedAt:    fields[fieldProcessedAt],
	}
	for k, v := range fields {
		switch k {
		case fieldUserID, fieldOriginEndpoint, fieldProcessedAt:
			continue
		}
		if resp.Payload == nil {
			resp.Payload = make(map[string]string)
		}
		resp.Payload[k] = v
	}
	return resp
}

// FromEndpoint reports whether the response was triggered by a request
// sent from the given endpoint.
func (r Response) FromEndpoint(endpointID string) bool {
	return r.OriginEndpoint == endpointID
}

// Now formats the current time the way timestamps travel on the wire.
func Now() string {
	return time.Now().Format(time.RFC3339Nano)
}
