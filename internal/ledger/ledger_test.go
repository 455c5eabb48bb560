package ledger

import (
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"aileaders-bot/internal/models"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

func newTestLedger(t *testing.T) *Ledger {
	t.Helper()

	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	sqlDB, err := db.DB()
	require.NoError(t, err)
	// A single connection keeps the in-memory database shared between
	// gorm sessions and serializes the embedded store under the
	// concurrency tests.
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(&models.User{}, &models.Referral{}))
	return New(db)
}

func ref(v int64) *int64 {
	return &v
}

// registerInvitees registers n fresh users credited to referrerID, with
// platform ids starting at firstID.
func registerInvitees(t *testing.T, l *Ledger, referrerID, firstID int64, n int) {
	t.Helper()
	for i := int64(0); i < int64(n); i++ {
		id := firstID + i
		_, err := l.RegisterUser(id, fmt.Sprintf("Friend%d", i+1), fmt.Sprintf("friend%d", i+1), ref(referrerID))
		require.NoError(t, err)
	}
}

func TestRegisterUserIssuesUniqueCode(t *testing.T) {
	l := newTestLedger(t)

	user, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	require.NotNil(t, user)

	assert.True(t, strings.HasPrefix(user.ReferralCode, "REF100"))
	assert.Len(t, user.ReferralCode, len("REF100")+5)
	assert.Equal(t, 0, user.ReferralsCount)
	assert.False(t, user.CertificateClaimed)
	assert.Nil(t, user.CertificateID)
	assert.Nil(t, user.ClaimedDate)

	byCode, err := l.GetUserByReferralCode(user.ReferralCode)
	require.NoError(t, err)
	require.NotNil(t, byCode)
	assert.Equal(t, int64(100), byCode.UserID)
}

func TestRegisterUserIdempotent(t *testing.T) {
	l := newTestLedger(t)

	first, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)

	_, err = l.RegisterUser(200, "Bob", "bob", nil)
	require.NoError(t, err)

	// A retry, even with a different inviter, changes nothing.
	second, err := l.RegisterUser(100, "Alice", "alice", ref(200))
	require.NoError(t, err)
	assert.Equal(t, first.ReferralCode, second.ReferralCode)
	assert.Equal(t, first.ID, second.ID)

	stats, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(2), stats.TotalUsers)
	assert.Equal(t, int64(0), stats.TotalReferrals)

	bob, err := l.GetUser(200)
	require.NoError(t, err)
	assert.Equal(t, 0, bob.ReferralsCount)
}

func TestSelfReferralIgnored(t *testing.T) {
	l := newTestLedger(t)

	user, err := l.RegisterUser(100, "Alice", "alice", ref(100))
	require.NoError(t, err)
	assert.Equal(t, 0, user.ReferralsCount)

	stats, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(0), stats.TotalReferrals)
}

func TestReferralCredit(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)

	_, err = l.RegisterUser(200, "Bob", "bob", ref(100))
	require.NoError(t, err)

	alice, err := l.GetUser(100)
	require.NoError(t, err)
	assert.Equal(t, 1, alice.ReferralsCount)

	referrals, err := l.ListReferrals(100)
	require.NoError(t, err)
	require.Len(t, referrals, 1)
	assert.Equal(t, int64(200), referrals[0].ReferredID)
	assert.Equal(t, "Bob", referrals[0].FirstName)
	assert.Equal(t, "bob", referrals[0].Username)
	assert.False(t, referrals[0].ReferredAt.IsZero())
}

func TestUnknownInviterRegistersWithoutCredit(t *testing.T) {
	l := newTestLedger(t)

	user, err := l.RegisterUser(200, "Bob", "bob", ref(999))
	require.NoError(t, err)
	require.NotNil(t, user)

	stats, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalUsers)
	assert.Equal(t, int64(0), stats.TotalReferrals)
}

func TestReferredUserCreditedOnlyOnce(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	_, err = l.RegisterUser(300, "Carol", "carol", nil)
	require.NoError(t, err)

	_, err = l.RegisterUser(200, "Bob", "bob", ref(100))
	require.NoError(t, err)
	_, err = l.RegisterUser(200, "Bob", "bob", ref(300))
	require.NoError(t, err)

	alice, err := l.GetUser(100)
	require.NoError(t, err)
	carol, err := l.GetUser(300)
	require.NoError(t, err)
	assert.Equal(t, 1, alice.ReferralsCount)
	assert.Equal(t, 0, carol.ReferralsCount)

	stats, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1), stats.TotalReferrals)
}

func TestCounterMatchesEdges(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	_, err = l.RegisterUser(300, "Carol", "carol", nil)
	require.NoError(t, err)

	registerInvitees(t, l, 100, 1000, 4)
	registerInvitees(t, l, 300, 2000, 2)

	for _, id := range []int64{100, 300} {
		user, err := l.GetUser(id)
		require.NoError(t, err)
		referrals, err := l.ListReferrals(id)
		require.NoError(t, err)
		assert.Equal(t, len(referrals), user.ReferralsCount)
	}
}

func TestListReferralsInsertionOrder(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, 5)

	referrals, err := l.ListReferrals(100)
	require.NoError(t, err)
	require.Len(t, referrals, 5)
	for i, entry := range referrals {
		assert.Equal(t, int64(1000+i), entry.ReferredID)
	}
}

func TestEligibilityReasons(t *testing.T) {
	l := newTestLedger(t)

	eligible, reason, err := l.CanClaimCertificate(999)
	require.NoError(t, err)
	assert.False(t, eligible)
	assert.Equal(t, "user not found", reason)

	_, err = l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, 7)

	eligible, reason, err = l.CanClaimCertificate(100)
	require.NoError(t, err)
	assert.False(t, eligible)
	assert.Contains(t, reason, "3")

	registerInvitees(t, l, 100, 2000, 3)

	eligible, _, err = l.CanClaimCertificate(100)
	require.NoError(t, err)
	assert.True(t, eligible)
}

func TestClaimCertificate(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, RequiredReferrals)

	certID, err := l.ClaimCertificate(100)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(certID, "CERT-"))

	alice, err := l.GetUser(100)
	require.NoError(t, err)
	assert.True(t, alice.CertificateClaimed)
	require.NotNil(t, alice.CertificateID)
	assert.Equal(t, certID, *alice.CertificateID)
	require.NotNil(t, alice.ClaimedDate)

	// The transition is one-way.
	_, err = l.ClaimCertificate(100)
	assert.ErrorIs(t, err, ErrAlreadyClaimed)

	eligible, reason, err := l.CanClaimCertificate(100)
	require.NoError(t, err)
	assert.False(t, eligible)
	assert.Equal(t, "certificate already claimed", reason)
}

func TestClaimedFlagMatchesCertificateID(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	_, err = l.RegisterUser(300, "Carol", "carol", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, RequiredReferrals)

	_, err = l.ClaimCertificate(100)
	require.NoError(t, err)

	var users []models.User
	require.NoError(t, l.db.Find(&users).Error)
	for _, u := range users {
		assert.Equal(t, u.CertificateClaimed, u.CertificateID != nil,
			"user %d: claimed flag and certificate id must agree", u.UserID)
	}
}

func TestClaimWithoutEnoughReferrals(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, RequiredReferrals-1)

	_, err = l.ClaimCertificate(100)
	assert.ErrorIs(t, err, ErrNotEnoughReferrals)

	alice, err := l.GetUser(100)
	require.NoError(t, err)
	assert.False(t, alice.CertificateClaimed)
	assert.Nil(t, alice.CertificateID)
}

func TestClaimUnknownUser(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.ClaimCertificate(999)
	assert.ErrorIs(t, err, ErrUserNotFound)
}

func TestConcurrentClaimsSingleWinner(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, RequiredReferrals)

	const callers = 100
	results := make(chan error, callers)
	certs := make(chan string, callers)

	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			certID, err := l.ClaimCertificate(100)
			results <- err
			if err == nil {
				certs <- certID
			}
		}()
	}
	wg.Wait()
	close(results)
	close(certs)

	var wins, losses int
	for err := range results {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, ErrAlreadyClaimed):
			losses++
		default:
			t.Fatalf("unexpected claim error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, callers-1, losses)

	winner := <-certs
	alice, err := l.GetUser(100)
	require.NoError(t, err)
	require.NotNil(t, alice.CertificateID)
	assert.Equal(t, winner, *alice.CertificateID)
}

func TestLeaderboardOrder(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	_, err = l.RegisterUser(300, "Carol", "carol", nil)
	require.NoError(t, err)

	registerInvitees(t, l, 100, 1000, 2)
	registerInvitees(t, l, 300, 2000, 5)

	top, err := l.Leaderboard(2)
	require.NoError(t, err)
	require.Len(t, top, 2)
	assert.Equal(t, int64(300), top[0].UserID)
	assert.Equal(t, int64(100), top[1].UserID)
}

func TestGetStats(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	registerInvitees(t, l, 100, 1000, RequiredReferrals)
	_, err = l.ClaimCertificate(100)
	require.NoError(t, err)

	stats, err := l.GetStats()
	require.NoError(t, err)
	assert.Equal(t, int64(1+RequiredReferrals), stats.TotalUsers)
	assert.Equal(t, int64(1), stats.TotalCertificates)
	assert.Equal(t, int64(RequiredReferrals), stats.TotalReferrals)
}

func TestListEligibleUnclaimed(t *testing.T) {
	l := newTestLedger(t)

	_, err := l.RegisterUser(100, "Alice", "alice", nil)
	require.NoError(t, err)
	_, err = l.RegisterUser(300, "Carol", "carol", nil)
	require.NoError(t, err)

	registerInvitees(t, l, 100, 1000, RequiredReferrals)
	registerInvitees(t, l, 300, 2000, RequiredReferrals-1)

	eligible, err := l.ListEligibleUnclaimed()
	require.NoError(t, err)
	require.Len(t, eligible, 1)
	assert.Equal(t, int64(100), eligible[0].UserID)

	_, err = l.ClaimCertificate(100)
	require.NoError(t, err)

	eligible, err = l.ListEligibleUnclaimed()
	require.NoError(t, err)
	assert.Empty(t, eligible)
}

func TestLookupMissesAreAbsentNotErrors(t *testing.T) {
	l := newTestLedger(t)

	user, err := l.GetUser(999)
	require.NoError(t, err)
	assert.Nil(t, user)

	user, err = l.GetUserByReferralCode("REF999XXXXX")
	require.NoError(t, err)
	assert.Nil(t, user)
}
