package sqlcgen

import "time"

type ViewSnapshot struct {
	ID          int64
	Seq         int64
	Epoch       int64
	Mode        string
	RecordCount int32
	EdgeCount   int32
	Payload     []byte
	LastError   *string
	CommittedAt time.Time
}
