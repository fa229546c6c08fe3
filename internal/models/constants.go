package models

// Job lifecycle states. pending -> running -> completed|failed.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Cache entry freshness markers.
const (
	CacheValid       = "valid"
	CacheInvalidated = "invalidated"
)

// Change object types and actions sent by the spreadsheet service.
const (
	ObjectSheet = "sheet"
	ObjectRow   = "row"

	ActionCreated = "created"
	ActionUpdated = "updated"
	ActionDeleted = "deleted"
)

// WebSocket message types.
const (
	MessageSheetUpdate = "sheet_update"
	MessageJobUpdate   = "job_update"
)

const (
	// DefaultJobRetentionDays is how long terminal jobs are kept before the sweep purges them.
	DefaultJobRetentionDays = 7

	// WorkerQueueSize is the size of the in-memory job dispatch channel.
	WorkerQueueSize = 1000

	// SubscriberBufferSize is the number of pending frames a WebSocket subscriber may lag behind.
	SubscriberBufferSize = 256
)
