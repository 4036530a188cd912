package organization

import "time"

type Status string

var (
	Active    Status = "active"
	Suspended Status = "suspended"
	Archived  Status = "archived"
)

func (s Status) String() string {
	switch s {
	case Active, Suspended, Archived:
		return string(s)
	default:
		return ""
	}
}

// Organization is a tenant. Its Timezone anchors the calendar windows used by
// DAILY, WEEKLY and MONTHLY trigger frequencies.
type Organization struct {
	ID        string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt time.Time `gorm:"column:updated_at" json:"updated_at"`
	Name      string    `gorm:"column:name;not null" json:"name"`
	Slug      string    `gorm:"column:slug;uniqueIndex;not null" json:"slug"`
	Timezone  string    `gorm:"column:timezone" json:"timezone"`
	Status    Status    `gorm:"column:status;type:varchar(20)" json:"status"`
}

func (Organization) TableName() string {
	return "organizations"
}
