// Package types holds the wire types of the hub data API. Every response
// is an envelope of head and body; the head carries node metadata or, when
// the operation failed, the error record. Fields use the snake_case names
// the browser-side clients expect.
package types

// Envelope is the top-level response shape for JSON and data-XFR
// representations.
type Envelope struct {
	Head Head        `json:"head"`
	Body interface{} `json:"body,omitempty"`
}

// Head carries the metadata half of an envelope. Meta and Error are
// mutually exclusive; the envelope is the failure channel, so an error
// still travels with HTTP 200.
type Head struct {
	Meta  *Meta  `json:"meta,omitempty"`
	Error *Error `json:"error,omitempty"`
}

// Meta describes one hub node.
type Meta struct {
	Addr     string `json:"addr"`
	Type     string `json:"type"`
	Mtime    int64  `json:"mtime,omitempty"`
	Size     int64  `json:"size,omitempty"`
	Prev     string `json:"prev,omitempty"`
	Content  string `json:"content,omitempty"`
	Checksum string `json:"checksum,omitempty"`
}

// Error is the head-level failure record.
type Error struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// ChildInfo summarizes one entry of a directory or container listing.
type ChildInfo struct {
	Addr   string `json:"addr"`
	Type   string `json:"type"`
	Mtime  int64  `json:"mtime,omitempty"`
	Size   int64  `json:"size,omitempty"`
	Length int    `json:"length,omitempty"`
}

// Transfer states reported by progress records.
const (
	TransferUploading   = "uploading"
	TransferDownloading = "downloading"
	TransferDone        = "done"
	TransferError       = "error"
)

// Progress is the state of an in-flight upload or download, read back by
// the *_progress verbs.
type Progress struct {
	Size     int64  `json:"size"`
	Received int64  `json:"received"`
	State    string `json:"state"`
}

// BatchResult is one entry of a batch response body. Failed sub-requests
// carry their error here instead of failing the envelope.
type BatchResult struct {
	Result *Envelope `json:"result,omitempty"`
	Error  *Error    `json:"error,omitempty"`
}
