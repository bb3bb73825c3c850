package models

// ContextEntry is one versioned key in the shared context store. Versions
// strictly increase on every accepted write for the lifetime of the key,
// including across a delete and re-create.
type ContextEntry struct {
	// Key is the entry's key.
	Key string `json:"key"`
	// Value is the stored value.
	Value any `json:"value"`
	// Version is the monotonic version of the entry.
	Version uint64 `json:"version"`
	// LastWriter is the ID of the worker that last wrote the entry.
	LastWriter string `json:"last_writer"`
}
