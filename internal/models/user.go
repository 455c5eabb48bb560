package models

import (
	"strconv"
	"time"
)

type User struct {
	ID                 uint    `gorm:"primaryKey"`
	UserID             int64   `gorm:"uniqueIndex;not null"`
	Username           string  `gorm:"size:255"`
	FirstName          string  `gorm:"size:255"`
	ReferralCode       string  `gorm:"size:50;uniqueIndex;not null"`
	ReferredBy         *int64  `gorm:"index"`
	ReferralsCount     int     `gorm:"not null;default:0"`
	CertificateClaimed bool    `gorm:"not null;default:false"`
	CertificateID      *string `gorm:"size:100;uniqueIndex"`
	ClaimedDate        *time.Time
	CreatedAt          time.Time
}

// DisplayName returns the name printed on certificates and lists.
func (u *User) DisplayName() string {
	if u.FirstName != "" {
		return u.FirstName
	}
	return "User " + strconv.FormatInt(u.UserID, 10)
}
