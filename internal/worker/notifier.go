package worker

import (
	"context"
	"fmt"
	"log"
	"time"

	"aileaders-bot/internal/ledger"

	"github.com/mymmrac/telego"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
)

// Notifier nudges users who crossed the referral threshold but have not
// claimed their certificate. Each user is nudged once; Redis keeps the
// "already notified" marker.
type Notifier struct {
	Ledger *ledger.Ledger
	Redis  *redis.Client
	Bot    *telego.Bot
}

func NewNotifier(lg *ledger.Ledger, rdb *redis.Client, bot *telego.Bot) *Notifier {
	return &Notifier{
		Ledger: lg,
		Redis:  rdb,
		Bot:    bot,
	}
}

func (n *Notifier) Start() {
	ticker := time.NewTicker(1 * time.Hour)
	log.Println("Background eligibility notifier started")

	// Run once at start
	n.notifyEligible()

	for range ticker.C {
		n.notifyEligible()
	}
}

func (n *Notifier) notifyEligible() {
	ctx := context.Background()

	eligible, err := n.Ledger.ListEligibleUnclaimed()
	if err != nil {
		log.Printf("Error querying eligible users: %v", err)
		return
	}

	for _, user := range eligible {
		key := fmt.Sprintf("claim_notified_%d", user.UserID)
		exists, _ := n.Redis.Exists(ctx, key).Result()
		if exists != 0 {
			continue
		}

		_, err := n.Bot.SendMessage(ctx, tu.Message(
			tu.ID(user.UserID),
			fmt.Sprintf("🎓 You have invited %d friends — your certificate is waiting! Press 'Claim certificate' in the menu.", user.ReferralsCount),
		))
		if err == nil {
			n.Redis.Set(ctx, key, "true", 0)
			log.Printf("Sent claim reminder to user %d", user.UserID)
		} else {
			log.Printf("Failed to send claim reminder to %d: %v", user.UserID, err)
		}
	}
}
