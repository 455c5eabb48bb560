package bot

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"aileaders-bot/internal/certificate"
	"aileaders-bot/internal/config"
	"aileaders-bot/internal/ledger"
	"aileaders-bot/internal/monitoring"

	"github.com/mymmrac/telego"
	th "github.com/mymmrac/telego/telegohandler"
	tu "github.com/mymmrac/telego/telegoutil"
	"github.com/redis/go-redis/v9"
)

const leaderboardCacheKey = "leaderboard_top10"

type Bot struct {
	Instance *telego.Bot
	Ledger   *ledger.Ledger
	Certs    *certificate.Generator
	Redis    *redis.Client
	Cfg      *config.Config
}

func NewBot(cfg *config.Config, lg *ledger.Ledger, certs *certificate.Generator, rdb *redis.Client) (*Bot, error) {
	tgBot, err := telego.NewBot(cfg.BotToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	return &Bot{
		Instance: tgBot,
		Ledger:   lg,
		Certs:    certs,
		Redis:    rdb,
		Cfg:      cfg,
	}, nil
}

func (b *Bot) Start() {
	updates, _ := b.Instance.UpdatesViaLongPolling(context.Background(), nil)

	handler, _ := th.NewBotHandler(b.Instance, updates)

	// /start command: register the user, attribute the referral if the
	// deep-link payload carries a known code, show the main menu.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		message := update.Message
		telegramID := message.From.ID

		args := ""
		if parts := strings.Split(message.Text, " "); len(parts) > 1 {
			args = parts[1]
		}

		var referredBy *int64
		if strings.HasPrefix(args, "REF") {
			referrer, err := b.Ledger.GetUserByReferralCode(args)
			if err != nil {
				log.Printf("Failed to resolve referral code %q: %v", args, err)
			} else if referrer != nil && referrer.UserID != telegramID {
				referredBy = &referrer.UserID
			}
		}

		existing, err := b.Ledger.GetUser(telegramID)
		if err != nil {
			log.Printf("Failed to look up user %d: %v", telegramID, err)
		}

		user, err := b.Ledger.RegisterUser(telegramID, message.From.FirstName, message.From.Username, referredBy)
		if err != nil {
			log.Printf("Failed to register user %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(message.Chat.ID), "❌ Something went wrong, please try again later."))
			return nil
		}
		if existing == nil {
			monitoring.RegistrationsTotal.Inc()
			if referredBy != nil {
				monitoring.ReferralCreditsTotal.Inc()
			}
		}

		_, claimMsg, err := b.Ledger.CanClaimCertificate(telegramID)
		if err != nil {
			log.Printf("Failed to evaluate eligibility for %d: %v", telegramID, err)
		}

		certStatus := "❌ Not yet"
		if user.CertificateClaimed {
			certStatus = "✅ Claimed"
		}

		text := fmt.Sprintf("👋 Hello, %s!\n\n"+
			"🎓 Invite %d friends to receive the *Five Million AI Leaders* certificate.\n\n"+
			"📊 *Your stats:*\n"+
			"• Invited: `%d/%d`\n"+
			"• Certificate: %s\n\n"+
			"🔗 *Your invite link:*\n`%s`\n\n%s",
			user.FirstName, ledger.RequiredReferrals,
			user.ReferralsCount, ledger.RequiredReferrals,
			certStatus, b.referralLink(ctx, user.ReferralCode), claimMsg)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(message.Chat.ID),
			text,
		).WithParseMode(telego.ModeMarkdown).WithReplyMarkup(b.mainMenuKeyboard(telegramID)))
		return nil
	}, th.CommandEqual("start"))

	// /referral command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID

		user, err := b.Ledger.GetUser(telegramID)
		if err != nil {
			log.Printf("Failed to look up user %d: %v", telegramID, err)
			return nil
		}
		if user == nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Press /start first!"))
			return nil
		}

		msg := fmt.Sprintf("🔗 *Your invite link:*\n`%s`\n\n"+
			"Share it with your friends. Every friend who joins brings you closer to the certificate!",
			b.referralLink(ctx, user.ReferralCode))

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		return nil
	}, th.CommandEqual("referral"))

	// /stats command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		telegramID := update.Message.From.ID

		user, err := b.Ledger.GetUser(telegramID)
		if err != nil {
			log.Printf("Failed to look up user %d: %v", telegramID, err)
			return nil
		}
		if user == nil {
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Press /start first!"))
			return nil
		}

		certStatus := "❌ Not claimed"
		if user.CertificateClaimed {
			certStatus = "✅ Claimed"
		}

		msg := fmt.Sprintf("📊 *Your stats*\n\n"+
			"🆔 ID: `%d`\n"+
			"👤 Name: %s\n"+
			"👥 Invited: `%d/%d`\n"+
			"🎓 Certificate: %s\n"+
			"📅 Joined: %s",
			user.UserID, user.DisplayName(),
			user.ReferralsCount, ledger.RequiredReferrals,
			certStatus, user.CreatedAt.Format("2006-01-02"))

		if user.CertificateID != nil {
			msg += fmt.Sprintf("\n📜 Certificate ID: `%s`", *user.CertificateID)
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		return nil
	}, th.CommandEqual("stats"))

	// /help command
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		msg := "🔰 *Help*\n\n" +
			"/start - Start the bot\n" +
			"/referral - Show your invite link\n" +
			"/stats - Personal statistics\n" +
			"/help - This message\n\n" +
			"*How to get the certificate:*\n" +
			"1. Invite 10 friends with your link\n" +
			"2. Each friend has to open the bot\n" +
			"3. Press 'Claim certificate'"

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(update.Message.Chat.ID), msg).WithParseMode(telego.ModeMarkdown))
		return nil
	}, th.CommandEqual("help"))

	// Callback: list of invited users
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		referrals, err := b.Ledger.ListReferrals(telegramID)
		if err != nil {
			log.Printf("Failed to list referrals of %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Something went wrong, please try again later."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		var msg string
		if len(referrals) == 0 {
			msg = "You have not invited anyone yet."
		} else {
			msg = "👥 *Invited by you:*\n\n"
			for i, ref := range referrals {
				name := ref.FirstName
				if name == "" {
					name = fmt.Sprintf("User %d", ref.ReferredID)
				}
				line := fmt.Sprintf("%d. %s", i+1, name)
				if ref.Username != "" {
					line += fmt.Sprintf(" (@%s)", ref.Username)
				}
				msg += line + " - " + ref.ReferredAt.Format("2006-01-02") + "\n"
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown).WithReplyMarkup(backKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("referrals"))

	// Callback: claim the certificate. Rendering happens strictly after
	// the claim commits.
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		certID, err := b.Ledger.ClaimCertificate(telegramID)
		switch {
		case errors.Is(err, ledger.ErrUserNotFound):
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Press /start first!"))
		case errors.Is(err, ledger.ErrAlreadyClaimed):
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ You have already claimed your certificate.").WithReplyMarkup(backKeyboard()))
		case errors.Is(err, ledger.ErrNotEnoughReferrals):
			_, reason, rerr := b.Ledger.CanClaimCertificate(telegramID)
			if rerr != nil {
				reason = "not enough referrals yet"
			}
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ "+reason).WithReplyMarkup(backKeyboard()))
		case err != nil:
			log.Printf("Failed to claim certificate for %d: %v", telegramID, err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Something went wrong, please try again later."))
		default:
			monitoring.CertificatesClaimedTotal.Inc()
			b.sendCertificate(ctx, telegramID, certID)
		}

		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("claim"))

	// Callback: leaderboard, cached in Redis for a minute
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		msg, err := b.Redis.Get(ctx.Context(), leaderboardCacheKey).Result()
		if err != nil {
			top, lerr := b.Ledger.Leaderboard(10)
			if lerr != nil {
				log.Printf("Failed to load leaderboard: %v", lerr)
				_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Something went wrong, please try again later."))
				_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
				return nil
			}

			msg = "🏆 *TOP 10 INVITERS* 🏆\n\n"
			for i, user := range top {
				msg += fmt.Sprintf("%d. %s: %d invited\n", i+1, user.DisplayName(), user.ReferralsCount)
			}
			if err := b.Redis.Set(ctx.Context(), leaderboardCacheKey, msg, time.Minute).Err(); err != nil {
				log.Printf("Failed to cache leaderboard: %v", err)
			}
		}

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown).WithReplyMarkup(backKeyboard()))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("leaderboard"))

	// Callback: admin panel, allow-list gated
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		if !b.Cfg.IsAdmin(telegramID) {
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID).WithText("Not allowed"))
			return nil
		}

		stats, err := b.Ledger.GetStats()
		if err != nil {
			log.Printf("Failed to load stats: %v", err)
			_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), "❌ Something went wrong, please try again later."))
			_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
			return nil
		}

		msg := fmt.Sprintf("📊 *Admin Panel*\n\n"+
			"👥 Total users: `%d`\n"+
			"🎓 Certificates claimed: `%d`\n"+
			"🔗 Total referrals: `%d`",
			stats.TotalUsers, stats.TotalCertificates, stats.TotalReferrals)

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), msg).WithParseMode(telego.ModeMarkdown))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("admin"))

	// Callback: back to the main menu
	handler.Handle(func(ctx *th.Context, update telego.Update) error {
		callback := update.CallbackQuery
		telegramID := callback.From.ID

		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(
			tu.ID(telegramID),
			"👋 Main menu. Invite friends and claim your certificate!",
		).WithReplyMarkup(b.mainMenuKeyboard(telegramID)))
		_ = ctx.Bot().AnswerCallbackQuery(ctx.Context(), tu.CallbackQuery(callback.ID))
		return nil
	}, th.CallbackDataEqual("back"))

	handler.Start()
}

// sendCertificate renders the image and delivers it, falling back to a
// plain text message with the id when rendering fails.
func (b *Bot) sendCertificate(ctx *th.Context, telegramID int64, certID string) {
	user, err := b.Ledger.GetUser(telegramID)
	if err != nil || user == nil {
		log.Printf("Failed to reload user %d after claim: %v", telegramID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), fmt.Sprintf("🎉 Certificate claimed!\nID: `%s`", certID)).WithParseMode(telego.ModeMarkdown))
		return
	}

	path, err := b.Certs.Generate(user, certID)
	if err != nil {
		log.Printf("Failed to render certificate %s: %v", certID, err)
		_, _ = ctx.Bot().SendMessage(ctx.Context(), tu.Message(tu.ID(telegramID), fmt.Sprintf("🎉 Certificate claimed!\nID: `%s`\n(The image will be sent later.)", certID)).WithParseMode(telego.ModeMarkdown))
		return
	}

	f, err := os.Open(path)
	if err != nil {
		log.Printf("Failed to open certificate %s: %v", path, err)
		return
	}
	defer f.Close()

	_, err = ctx.Bot().SendPhoto(ctx.Context(), tu.Photo(
		tu.ID(telegramID),
		tu.File(f),
	).WithCaption(fmt.Sprintf("🎉 Congratulations!\n\nYour certificate is ready!\nID: %s", certID)))
	if err != nil {
		log.Printf("Failed to send certificate to %d: %v", telegramID, err)
	}
}

func (b *Bot) referralLink(ctx *th.Context, code string) string {
	botUsername := "aileaders_bot"
	if info, err := b.Instance.GetMe(ctx.Context()); err == nil {
		botUsername = info.Username
	}
	return fmt.Sprintf("https://t.me/%s?start=%s", botUsername, code)
}

func (b *Bot) mainMenuKeyboard(telegramID int64) *telego.InlineKeyboardMarkup {
	rows := [][]telego.InlineKeyboardButton{
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("👥 Invited friends").WithCallbackData("referrals"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🎓 Claim certificate").WithCallbackData("claim"),
		),
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📊 Leaderboard").WithCallbackData("leaderboard"),
		),
	}
	if b.Cfg.IsAdmin(telegramID) {
		rows = append(rows, tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("📈 Admin panel").WithCallbackData("admin"),
		))
	}
	return tu.InlineKeyboard(rows...)
}

func backKeyboard() *telego.InlineKeyboardMarkup {
	return tu.InlineKeyboard(
		tu.InlineKeyboardRow(
			tu.InlineKeyboardButton("🔙 Back").WithCallbackData("back"),
		),
	)
}
