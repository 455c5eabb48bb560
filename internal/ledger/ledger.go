package ledger

import (
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"time"

	"aileaders-bot/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// RequiredReferrals is how many invited users unlock a certificate.
const RequiredReferrals = 10

const codeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

var (
	ErrUserNotFound       = errors.New("user not found")
	ErrAlreadyClaimed     = errors.New("certificate already claimed")
	ErrNotEnoughReferrals = errors.New("not enough referrals")
	ErrCodeSpaceExhausted = errors.New("could not generate a unique code")
)

// Ledger is the transactional core: user registration, referral credit
// and the one-way certificate claim.
type Ledger struct {
	db *gorm.DB
}

func New(db *gorm.DB) *Ledger {
	return &Ledger{db: db}
}

type ReferralEntry struct {
	ReferredID int64
	Username   string
	FirstName  string
	ReferredAt time.Time
}

type Stats struct {
	TotalUsers        int64
	TotalCertificates int64
	TotalReferrals    int64
}

// RegisterUser creates the user on first contact and is a no-op on every
// later call. When the user is new and referredBy names someone else, the
// referral edge and the inviter's counter move in the same transaction as
// the insert.
func (l *Ledger) RegisterUser(userID int64, firstName, username string, referredBy *int64) (*models.User, error) {
	var user models.User
	err := l.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("user_id = ?", userID).First(&user).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		code, err := newReferralCode(tx, userID)
		if err != nil {
			return err
		}

		user = models.User{
			UserID:       userID,
			Username:     username,
			FirstName:    firstName,
			ReferralCode: code,
			ReferredBy:   referredBy,
		}
		if err := tx.Create(&user).Error; err != nil {
			return err
		}

		if referredBy == nil || *referredBy == userID {
			return nil
		}

		// First-write-wins: a user is credited to at most one inviter.
		var credited int64
		if err := tx.Model(&models.Referral{}).Where("referred_id = ?", userID).Count(&credited).Error; err != nil {
			return err
		}
		if credited > 0 {
			return nil
		}

		var referrer models.User
		if err := tx.Where("user_id = ?", *referredBy).First(&referrer).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				// Unknown inviter, register without credit.
				return nil
			}
			return err
		}

		edge := models.Referral{ReferrerID: *referredBy, ReferredID: userID}
		if err := tx.Create(&edge).Error; err != nil {
			return err
		}
		return tx.Model(&models.User{}).Where("user_id = ?", *referredBy).
			UpdateColumn("referrals_count", gorm.Expr("referrals_count + 1")).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		// Lost a concurrent registration of the same user id; the row
		// that committed is the canonical one.
		existing, lookupErr := l.GetUser(userID)
		if lookupErr != nil {
			return nil, lookupErr
		}
		if existing != nil {
			return existing, nil
		}
		return nil, fmt.Errorf("failed to register user %d: %w", userID, err)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// GetUser returns (nil, nil) when the user is unknown.
func (l *Ledger) GetUser(userID int64) (*models.User, error) {
	var user models.User
	err := l.db.Where("user_id = ?", userID).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (l *Ledger) GetUserByReferralCode(code string) (*models.User, error) {
	var user models.User
	err := l.db.Where("referral_code = ?", code).First(&user).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

// ListReferrals returns the users credited to userID in the order they joined.
func (l *Ledger) ListReferrals(userID int64) ([]ReferralEntry, error) {
	var entries []ReferralEntry
	err := l.db.Model(&models.Referral{}).
		Select("referrals.referred_id, users.username, users.first_name, referrals.created_at AS referred_at").
		Joins("JOIN users ON users.user_id = referrals.referred_id").
		Where("referrals.referrer_id = ?", userID).
		Order("referrals.id").
		Scan(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// CanClaimCertificate reports eligibility without touching anything.
// The claim itself re-checks inside its own transaction.
func (l *Ledger) CanClaimCertificate(userID int64) (bool, string, error) {
	user, err := l.GetUser(userID)
	if err != nil {
		return false, "", err
	}
	eligible, reason := evaluateClaim(user)
	return eligible, reason, nil
}

func evaluateClaim(user *models.User) (bool, string) {
	if user == nil {
		return false, "user not found"
	}
	if user.CertificateClaimed {
		return false, "certificate already claimed"
	}
	if user.ReferralsCount < RequiredReferrals {
		remaining := RequiredReferrals - user.ReferralsCount
		return false, fmt.Sprintf("%d more referral(s) needed", remaining)
	}
	return true, "eligible to claim"
}

// ClaimCertificate performs the one-way unclaimed -> claimed transition and
// returns the generated certificate id. The update is guarded by
// certificate_claimed = false, so of any number of concurrent claimers
// exactly one commits; the rest get ErrAlreadyClaimed.
func (l *Ledger) ClaimCertificate(userID int64) (string, error) {
	var certID string
	claim := func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Where("user_id = ?", userID).First(&user).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return ErrUserNotFound
			}
			return err
		}
		if user.CertificateClaimed {
			return ErrAlreadyClaimed
		}
		if user.ReferralsCount < RequiredReferrals {
			return ErrNotEnoughReferrals
		}

		certID = newCertificateID()
		res := tx.Model(&models.User{}).
			Where("user_id = ? AND certificate_claimed = ?", userID, false).
			Updates(map[string]interface{}{
				"certificate_claimed": true,
				"certificate_id":      certID,
				"claimed_date":        time.Now(),
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// A concurrent claim committed first.
			return ErrAlreadyClaimed
		}
		return nil
	}

	var err error
	for attempt := 0; attempt < 3; attempt++ {
		err = l.db.Transaction(claim)
		if !errors.Is(err, gorm.ErrDuplicatedKey) {
			break
		}
		// Certificate id collision, roll the dice again.
	}
	if err != nil {
		return "", err
	}
	return certID, nil
}

// Leaderboard returns the top inviters by referral count.
func (l *Ledger) Leaderboard(limit int) ([]models.User, error) {
	var top []models.User
	err := l.db.Order("referrals_count DESC").Limit(limit).Find(&top).Error
	if err != nil {
		return nil, err
	}
	return top, nil
}

// ListEligibleUnclaimed returns users at or above the threshold who have
// not claimed yet. Used by the reminder sweep.
func (l *Ledger) ListEligibleUnclaimed() ([]models.User, error) {
	var users []models.User
	err := l.db.Where("referrals_count >= ? AND certificate_claimed = ?", RequiredReferrals, false).Find(&users).Error
	if err != nil {
		return nil, err
	}
	return users, nil
}

func (l *Ledger) GetStats() (*Stats, error) {
	var s Stats
	if err := l.db.Model(&models.User{}).Count(&s.TotalUsers).Error; err != nil {
		return nil, err
	}
	if err := l.db.Model(&models.User{}).Where("certificate_claimed = ?", true).Count(&s.TotalCertificates).Error; err != nil {
		return nil, err
	}
	if err := l.db.Model(&models.Referral{}).Count(&s.TotalReferrals).Error; err != nil {
		return nil, err
	}
	return &s, nil
}

// newReferralCode keeps the REF<id><suffix> shape from the share links.
// The unique index on referral_code stays the final arbiter; the loop just
// makes hitting it unlikely.
func newReferralCode(tx *gorm.DB, userID int64) (string, error) {
	for attempt := 0; attempt < 5; attempt++ {
		suffix, err := randomSuffix(5)
		if err != nil {
			return "", err
		}
		code := fmt.Sprintf("REF%d%s", userID, suffix)
		var taken int64
		if err := tx.Model(&models.User{}).Where("referral_code = ?", code).Count(&taken).Error; err != nil {
			return "", err
		}
		if taken == 0 {
			return code, nil
		}
	}
	return "", ErrCodeSpaceExhausted
}

func newCertificateID() string {
	entropy := strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", ""))
	return fmt.Sprintf("CERT-%s-%s", time.Now().Format("200601"), entropy[:8])
}

func randomSuffix(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	var b strings.Builder
	for _, c := range buf {
		b.WriteByte(codeAlphabet[int(c)%len(codeAlphabet)])
	}
	return b.String(), nil
}
