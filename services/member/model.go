package member

import "time"

// Account is the per-user aggregate. Only the loyalty processor and the
// reversal compensation step mutate it, through Store.ApplyDelta.
type Account struct {
	ID             string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
	OrganizationID string    `gorm:"column:organization_id;uniqueIndex:idx_loyalty_accounts_org_user;not null" json:"organization_id"`
	UserID         string    `gorm:"column:user_id;uniqueIndex:idx_loyalty_accounts_org_user;not null" json:"user_id"`
	TotalPoints    int64     `gorm:"column:total_points;not null;default:0" json:"total_points"`
	TotalXP        int64     `gorm:"column:total_xp;not null;default:0" json:"total_xp"`
	Tier           Tier      `gorm:"column:tier;type:varchar(20);not null" json:"tier"`
	TierSince      time.Time `gorm:"column:tier_since" json:"tier_since"`
	Level          int       `gorm:"column:level;not null;default:1" json:"level"`
}

func (Account) TableName() string {
	return "loyalty_accounts"
}

type TierChange struct {
	ID             string    `gorm:"column:id;primaryKey" json:"id"`
	CreatedAt      time.Time `gorm:"column:created_at" json:"created_at"`
	OrganizationID string    `gorm:"column:organization_id;index:idx_tier_changes_org_user" json:"organization_id"`
	UserID         string    `gorm:"column:user_id;index:idx_tier_changes_org_user" json:"user_id"`
	FromTier       Tier      `gorm:"column:from_tier;type:varchar(20)" json:"from_tier"`
	ToTier         Tier      `gorm:"column:to_tier;type:varchar(20)" json:"to_tier"`
	TotalPoints    int64     `gorm:"column:total_points" json:"total_points"`
}

func (TierChange) TableName() string {
	return "loyalty_tier_changes"
}

// Totals is returned by ApplyDelta.
type Totals struct {
	TotalPoints int64
	TotalXP     int64
	Tier        Tier
	Level       int
}
