package domain

import "time"

// BlacklistEvent is the durable audit row written for every blacklist
// decision. Redis holds the live flag; this table keeps the trail after the
// flag has expired.
type BlacklistEvent struct {
	ID uint64 `gorm:"primaryKey;autoIncrement"`

	// Kind is the actor namespace, "ip" or "users".
	Kind  string `gorm:"size:16;not null;index:idx_blacklist_events_actor,priority:1"`
	Actor string `gorm:"size:255;not null;index:idx_blacklist_events_actor,priority:2"`

	Reason string `gorm:"size:1024;not null;default:''"`

	// TTLSeconds is 0 for blacklists without expiry.
	TTLSeconds int64 `gorm:"not null;default:0"`

	CreatedAt time.Time `gorm:"index"`
}
