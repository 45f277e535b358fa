package store

// Metadata is the durable record of one completed recording. A row is created
// exactly once by Finalize; until then the recording's chunks are provisional.
type Metadata struct {
	ID       string `json:"id"`
	MimeType string `json:"mimeType"`
	// Duration is wall-clock milliseconds between capture start and stop, not
	// a value derived from the media container.
	Duration int64 `json:"duration"`
	// Size is the total payload bytes accumulated across all chunks.
	Size int64 `json:"size"`
	// CreatedAt is the finalize time in unix milliseconds. Retention age checks
	// use this field.
	CreatedAt int64 `json:"createdAt"`
	// Name is the optional user-assigned display name; nil by default.
	Name *string `json:"name"`
}

// Recording is a metadata row plus the reassembled media bytes.
type Recording struct {
	Metadata
	Data []byte
}
