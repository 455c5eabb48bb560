package models

import (
	"time"
)

type Referral struct {
	ID         uint  `gorm:"primaryKey"`
	ReferrerID int64 `gorm:"not null;index"`
	ReferredID int64 `gorm:"uniqueIndex;not null"`
	CreatedAt  time.Time
}
