package model

import "time"

// Incident is a contiguous span of down status for one monitor.
// At most one row per monitor may have a null EndedAt; that is enforced
// by a partial unique index created in db.Init, which is what makes the
// tracker's create-if-absent insert atomic under concurrent workers.
type Incident struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	CreatedAt time.Time `json:"created_at"`

	MonitorID uint       `gorm:"index" json:"monitor_id"`
	StartedAt time.Time  `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
	Cause     string     `json:"cause"`
}

func (i *Incident) Open() bool {
	return i.EndedAt == nil
}
