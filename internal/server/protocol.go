package server

import "encoding/json"

// Op names for client requests.
const (
	OpGet                 = "get"
	OpSet                 = "set"
	OpDelete              = "delete"
	OpBatch               = "batch"
	OpSubscribeDoc        = "subscribe_doc"
	OpSubscribeCollection = "subscribe_collection"
	OpUnsubscribe         = "unsubscribe"
)

// Message types sent to clients.
const (
	TypeResult     = "result"
	TypeDoc        = "doc"
	TypeCollection = "collection"
)

// Request is one client operation. ID correlates the eventual result; for
// the subscribe ops it also becomes the subscription id carried by every
// push until an unsubscribe.
type Request struct {
	Op         string          `json:"op"`
	ID         int64           `json:"id"`
	Collection string          `json:"collection,omitempty"`
	Key        string          `json:"key,omitempty"`
	OrderField string          `json:"orderField,omitempty"`
	Value      json.RawMessage `json:"value,omitempty"`
	Writes     []BatchEntry    `json:"writes,omitempty"`
	Sub        int64           `json:"sub,omitempty"`
}

// BatchEntry is one write of a batch request.
type BatchEntry struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	Value      json.RawMessage `json:"value,omitempty"`
	Delete     bool            `json:"delete,omitempty"`
}

// Result answers one request.
type Result struct {
	Type    string          `json:"type"`
	ID      int64           `json:"id"`
	Value   json.RawMessage `json:"value,omitempty"`
	Present bool            `json:"present,omitempty"`
	Error   string          `json:"error,omitempty"`
	Code    string          `json:"code,omitempty"`
}

// DocEvent is a document subscription push.
type DocEvent struct {
	Type    string          `json:"type"`
	Sub     int64           `json:"sub"`
	Value   json.RawMessage `json:"value,omitempty"`
	Present bool            `json:"present"`
}

// CollectionEvent is a collection subscription push.
type CollectionEvent struct {
	Type string    `json:"type"`
	Sub  int64     `json:"sub"`
	Docs []DocBody `json:"docs"`
}

// DocBody is one document of a collection push.
type DocBody struct {
	Key   string          `json:"key"`
	Value json.RawMessage `json:"value"`
}
