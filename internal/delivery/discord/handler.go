package discord

import (
	"context"
	"errors"
	"strings"

	"arcanum/internal/config"
	"arcanum/internal/costs"
	"arcanum/internal/craft"
	"arcanum/internal/models"
	"arcanum/internal/repository"
	"arcanum/internal/search"
	"arcanum/internal/selection"
	"arcanum/internal/sell"
	"arcanum/internal/session"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"
)

const (
	emojiPurchase  = "🛒"
	emojiSell      = "⚖️"
	emojiAccept    = "💰"
	emojiNegotiate = "💬"
)

type Handler struct {
	cfg       *config.Config
	sessions  *session.Store
	players   *repository.PlayerRepository
	items     *repository.ItemRepository
	txns      *repository.TransactionRepository
	searchEng *search.Engine
	sellEng   *sell.Engine
	craftEng  *craft.Engine
	selector  *selection.Engine
	tracker   *costs.Tracker
	log       zerolog.Logger
}

func NewHandler(
	cfg *config.Config,
	sessions *session.Store,
	players *repository.PlayerRepository,
	items *repository.ItemRepository,
	txns *repository.TransactionRepository,
	searchEng *search.Engine,
	sellEng *sell.Engine,
	craftEng *craft.Engine,
	selector *selection.Engine,
	tracker *costs.Tracker,
	log zerolog.Logger,
) *Handler {
	return &Handler{
		cfg:       cfg,
		sessions:  sessions,
		players:   players,
		items:     items,
		txns:      txns,
		searchEng: searchEng,
		sellEng:   sellEng,
		craftEng:  craftEng,
		selector:  selector,
		tracker:   tracker,
		log:       log.With().Str("component", "discord").Logger(),
	}
}

// Register attaches the gateway handlers. Each handler recovers its own
// panics so one bad event cannot take the dispatch loop down.
func (h *Handler) Register(s *discordgo.Session) {
	s.AddHandler(h.wrapMessage(h.onMessage))
	s.AddHandler(h.wrapReaction(h.onReactionAdd))
	s.AddHandler(h.wrapInteraction(h.onInteraction))
}

func (h *Handler) wrapMessage(fn func(*discordgo.Session, *discordgo.MessageCreate)) func(*discordgo.Session, *discordgo.MessageCreate) {
	return func(s *discordgo.Session, m *discordgo.MessageCreate) {
		defer h.recoverEvent("message")
		fn(s, m)
	}
}

func (h *Handler) wrapReaction(fn func(*discordgo.Session, *discordgo.MessageReactionAdd)) func(*discordgo.Session, *discordgo.MessageReactionAdd) {
	return func(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
		defer h.recoverEvent("reaction")
		fn(s, r)
	}
}

func (h *Handler) wrapInteraction(fn func(*discordgo.Session, *discordgo.InteractionCreate)) func(*discordgo.Session, *discordgo.InteractionCreate) {
	return func(s *discordgo.Session, i *discordgo.InteractionCreate) {
		defer h.recoverEvent("interaction")
		fn(s, i)
	}
}

func (h *Handler) recoverEvent(kind string) {
	if r := recover(); r != nil {
		h.log.Error().Str("event", kind).Interface("panic", r).Msg("handler panicked")
	}
}

func (h *Handler) send(s *discordgo.Session, channelID, msg string) {
	if _, err := s.ChannelMessageSend(channelID, msg); err != nil {
		h.log.Error().Err(err).Str("channel", channelID).Msg("send failed")
	}
}

// channel resolves a channel, preferring gateway state over REST.
func (h *Handler) channel(s *discordgo.Session, channelID string) *discordgo.Channel {
	if ch, err := s.State.Channel(channelID); err == nil {
		return ch
	}
	ch, err := s.Channel(channelID)
	if err != nil {
		h.log.Error().Err(err).Str("channel", channelID).Msg("channel lookup failed")
		return nil
	}
	return ch
}

func (h *Handler) player(ctx context.Context, discordID, username string) (*models.Player, error) {
	return h.players.GetOrCreate(ctx, discordID, username, h.cfg.StartingBalanceGp)
}

func (h *Handler) onMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}
	ctx := context.Background()
	content := strings.TrimSpace(m.Content)

	if strings.HasPrefix(content, "!") {
		h.handleCommand(ctx, s, m, content)
		return
	}

	ch := h.channel(s, m.ChannelID)
	if ch == nil {
		return
	}

	if ch.IsThread() {
		sess := h.sessions.Get(m.ChannelID)
		switch {
		case sess == nil:
			return
		case sess.Type == models.SessionSell && sess.Sale != nil && sess.Sale.ActiveBuyer != nil:
			h.handleNegotiationMessage(ctx, s, m, content)
		case sess.Type == models.SessionSearch:
			h.runSearch(ctx, s, m.ChannelID, m.Author, content)
		}
		return
	}

	if ch.Name == h.cfg.GameChannelName {
		thread, err := s.MessageThreadStartComplex(m.ChannelID, m.ID, &discordgo.ThreadStart{
			Name:                threadName(m.Author.Username, content),
			AutoArchiveDuration: 60,
		})
		if err != nil {
			h.log.Error().Err(err).Msg("thread start failed")
			return
		}
		h.runSearch(ctx, s, thread.ID, m.Author, content)
	}
}

func threadName(username, query string) string {
	return truncate(username+": "+query, 90)
}

func (h *Handler) handleCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	cmd := strings.ToLower(strings.Fields(content)[0])
	switch cmd {
	case "!cost":
		h.handleCost(s, m)
	case "!fast":
		h.handleTierSwitch(ctx, s, m, "haiku")
	case "!fancy":
		h.handleTierSwitch(ctx, s, m, "sonnet")
	case "!balance":
		h.handleBalance(ctx, s, m)
	case "!history":
		h.handleHistory(ctx, s, m)
	case "!craft":
		h.handleCraftCommand(ctx, s, m)
	case "!reset":
		h.handleReset(ctx, s, m)
	}
}

func (h *Handler) handleTierSwitch(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, tier string) {
	err := h.searchEng.SwitchTier(ctx, m.ChannelID, tier)
	switch {
	case errors.Is(err, search.ErrNoSession):
		h.send(s, m.ChannelID, "No conversation here to switch. Ask the shopkeeper something first.")
	case err != nil:
		h.send(s, m.ChannelID, "That model tier does not exist.")
	default:
		h.send(s, m.ChannelID, "Switched to the "+tier+" tier for this conversation.")
	}
}

func (h *Handler) handleCost(s *discordgo.Session, m *discordgo.MessageCreate) {
	spend := h.tracker.SessionCost(m.ChannelID)
	if spend == nil {
		h.send(s, m.ChannelID, "No tracked spend for this conversation yet.")
		return
	}
	embed := costEmbed(m.ChannelID, spend, h.tracker.TodaySpend())
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, embed); err != nil {
		h.log.Error().Err(err).Msg("cost embed send failed")
	}
}

func (h *Handler) handleBalance(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	p, err := h.player(ctx, m.Author.ID, m.Author.Username)
	if err != nil {
		h.log.Error().Err(err).Msg("player lookup failed")
		return
	}
	inventory, err := h.items.InventoryForPlayer(ctx, p.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("inventory lookup failed")
		return
	}
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, balanceEmbed(p, inventory)); err != nil {
		h.log.Error().Err(err).Msg("balance embed send failed")
	}
}

func (h *Handler) handleHistory(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	p, err := h.player(ctx, m.Author.ID, m.Author.Username)
	if err != nil {
		return
	}
	txns, err := h.txns.History(ctx, p.ID, 10)
	if err != nil {
		h.log.Error().Err(err).Msg("transaction history failed")
		return
	}
	if len(txns) == 0 {
		h.send(s, m.ChannelID, "No transactions yet.")
		return
	}
	if _, err := s.ChannelMessageSendEmbed(m.ChannelID, historyEmbed(txns)); err != nil {
		h.log.Error().Err(err).Msg("history embed send failed")
	}
}

func (h *Handler) handleReset(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	if h.cfg.AdminUserID == "" || m.Author.ID != h.cfg.AdminUserID {
		return
	}
	n, err := h.searchEng.Reset(ctx)
	if err != nil {
		h.log.Error().Err(err).Msg("reset failed")
		return
	}
	h.send(s, m.ChannelID, "Cleared "+itoa(n)+" active sessions.")
}

func (h *Handler) runSearch(ctx context.Context, s *discordgo.Session, threadID string, author *discordgo.User, query string) {
	p, err := h.player(ctx, author.ID, author.Username)
	if err != nil {
		h.log.Error().Err(err).Msg("player lookup failed")
		return
	}
	_ = h.players.Touch(ctx, p.ID)

	s.ChannelTyping(threadID)
	result, err := h.searchEng.Run(ctx, threadID, author.ID, author.Username, p.BalanceGp, query)
	switch {
	case errors.Is(err, costs.ErrBudgetExhausted):
		h.send(s, threadID, "The shop is closed for the day. The shopkeeper has talked himself hoarse; come back tomorrow.")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("search failed")
		h.send(s, threadID, "The shopkeeper rubs his temples. \"Come again? My mind wandered.\"")
		return
	}

	if result.Message != "" {
		h.send(s, threadID, result.Message)
	}
	if result.Plain {
		return
	}

	var msgs []models.ItemMessage
	for _, offer := range result.Offers {
		msg, err := s.ChannelMessageSendEmbed(threadID, itemEmbed(offer))
		if err != nil {
			h.log.Error().Err(err).Msg("item embed send failed")
			continue
		}
		if !offer.Price.Unpriced {
			if err := s.MessageReactionAdd(threadID, msg.ID, emojiPurchase); err != nil {
				h.log.Error().Err(err).Msg("purchase reaction failed")
			}
			msgs = append(msgs, models.ItemMessage{
				MessageID: msg.ID,
				Item:      models.PricedItem{GeneratedItem: offer.Item, PriceGp: offer.Price.Amount},
			})
		}
	}
	if result.FilteredOut > 0 {
		h.send(s, threadID, "The shopkeeper kept "+itoa(result.FilteredOut)+" pricier pieces under the counter, mindful of your purse.")
	}
	if len(msgs) > 0 {
		if err := h.searchEng.RecordItemMessages(ctx, threadID, msgs); err != nil {
			h.log.Error().Err(err).Msg("record item messages failed")
		}
	}
}
