package discord

import (
	"context"
	"errors"
	"strconv"
	"strings"

	"arcanum/internal/models"
	"arcanum/internal/repository"
	"arcanum/internal/search"
	"arcanum/internal/selection"
	"arcanum/internal/sell"

	"github.com/bwmarrin/discordgo"
)

func (h *Handler) onReactionAdd(s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	if s.State.User != nil && r.UserID == s.State.User.ID {
		return
	}
	ctx := context.Background()
	switch r.Emoji.Name {
	case emojiPurchase:
		h.handlePurchase(ctx, s, r)
	case emojiSell:
		h.handleSellStart(ctx, s, r)
	case emojiAccept:
		h.handleAccept(ctx, s, r)
	case emojiNegotiate:
		h.handleNegotiateStart(ctx, s, r)
	}
}

func (h *Handler) handlePurchase(ctx context.Context, s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	user, err := s.User(r.UserID)
	if err != nil || user.Bot {
		return
	}
	p, err := h.player(ctx, user.ID, user.Username)
	if err != nil {
		return
	}

	result, err := h.searchEng.Purchase(ctx, r.ChannelID, r.MessageID, p.ID)
	switch {
	case errors.Is(err, search.ErrNoSession), errors.Is(err, search.ErrUnknownItem):
		// The message belongs to an expired listing. Nothing to do.
		return
	case errors.Is(err, repository.ErrInsufficientFunds):
		h.send(s, r.ChannelID, user.Username+", your purse is too light for that one.")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("purchase failed")
		return
	}

	if err := s.MessageReactionsRemoveAll(r.ChannelID, r.MessageID); err != nil {
		h.log.Error().Err(err).Msg("clear purchase reactions failed")
	}
	// The sell affordance replaces the cart on the owned item.
	if err := s.MessageReactionAdd(r.ChannelID, r.MessageID, emojiSell); err != nil {
		h.log.Error().Err(err).Msg("sell reaction failed")
	}
	h.send(s, r.ChannelID, purchaseReceipt(user.Username, result))
}

func (h *Handler) handleSellStart(ctx context.Context, s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	user, err := s.User(r.UserID)
	if err != nil || user.Bot {
		return
	}
	item, err := h.items.GetByMessageID(ctx, r.MessageID)
	if err != nil || item.Sold {
		return
	}
	p, err := h.player(ctx, user.ID, user.Username)
	if err != nil || item.PlayerID != p.ID {
		return
	}

	thread, err := s.MessageThreadStartComplex(r.ChannelID, r.MessageID, &discordgo.ThreadStart{
		Name:                "Selling: " + item.Item.Name,
		AutoArchiveDuration: 60,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("sell thread start failed")
		return
	}

	h.sellEng.StartSale(ctx, thread.ID, user.ID, user.Username, h.cfg.DefaultTier, item)
	h.send(s, thread.ID, "Word goes out that **"+item.Item.Name+"** is for sale. Interested parties are on their way...")

	s.ChannelTyping(thread.ID)
	buyers, err := h.sellEng.GenerateBuyers(ctx, thread.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("buyer generation failed")
		h.send(s, thread.ID, "Nobody shows up today. Try again in a little while.")
		h.sellEng.AbandonSale(ctx, thread.ID)
		return
	}

	messageIDs := make([]string, len(buyers))
	for i, b := range buyers {
		msg, err := s.ChannelMessageSendEmbed(thread.ID, buyerEmbed(b))
		if err != nil {
			h.log.Error().Err(err).Msg("buyer embed send failed")
			continue
		}
		messageIDs[i] = msg.ID
		for _, emoji := range []string{emojiAccept, emojiNegotiate} {
			if err := s.MessageReactionAdd(thread.ID, msg.ID, emoji); err != nil {
				h.log.Error().Err(err).Msg("buyer reaction failed")
			}
		}
	}
	if err := h.sellEng.AttachBuyers(ctx, thread.ID, messageIDs); err != nil {
		h.log.Error().Err(err).Msg("attach buyers failed")
	}
}

func (h *Handler) handleAccept(ctx context.Context, s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	result, err := h.sellEng.AcceptOffer(ctx, r.ChannelID, r.MessageID, r.UserID)
	switch {
	case errors.Is(err, sell.ErrNoSale), errors.Is(err, sell.ErrStaleOffer), errors.Is(err, sell.ErrNotSeller):
		// Stale or foreign reactions are dropped without comment.
		return
	case err != nil:
		h.log.Error().Err(err).Msg("accept failed")
		h.send(s, r.ChannelID, "The deal falls through at the last moment. The item stays yours.")
		return
	}

	for _, msgID := range result.CleanupMessageIDs {
		if err := s.MessageReactionsRemoveAll(r.ChannelID, msgID); err != nil {
			h.log.Error().Err(err).Msg("clear offer reactions failed")
		}
	}
	h.send(s, r.ChannelID, saleReceipt(result))
	h.archiveThread(s, r.ChannelID)
}

func (h *Handler) handleNegotiateStart(ctx context.Context, s *discordgo.Session, r *discordgo.MessageReactionAdd) {
	start, err := h.sellEng.OpenNegotiation(ctx, r.ChannelID, r.MessageID, r.UserID)
	switch {
	case errors.Is(err, sell.ErrNoSale), errors.Is(err, sell.ErrStaleOffer), errors.Is(err, sell.ErrNotSeller):
		return
	case errors.Is(err, sell.ErrAlreadyNegotiating):
		h.send(s, r.ChannelID, "You are already at the table with one buyer. Finish with them first.")
		return
	case err != nil:
		h.log.Error().Err(err).Msg("negotiation open failed")
		return
	}

	for _, msgID := range start.RetractMessageIDs {
		if err := s.ChannelMessageDelete(r.ChannelID, msgID); err != nil {
			h.log.Error().Err(err).Msg("retract offer failed")
		}
	}
	// The chosen buyer's opening offer is off the table once talks
	// begin, so its accept reaction comes off too.
	if start.DetachMessageID != "" {
		if err := s.MessageReactionsRemoveAll(r.ChannelID, start.DetachMessageID); err != nil {
			h.log.Error().Err(err).Msg("clear opening offer reactions failed")
		}
	}
	h.send(s, r.ChannelID, "**"+start.Buyer.Name+"** leans in. \"So. Talk to me. What would it take?\"")
}

func (h *Handler) handleNegotiationMessage(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate, content string) {
	s.ChannelTyping(m.ChannelID)
	reply, err := h.sellEng.HandleMessage(ctx, m.ChannelID, m.Author.ID, content)
	switch {
	case errors.Is(err, sell.ErrNoSale), errors.Is(err, sell.ErrNotSeller):
		return
	case err != nil:
		h.log.Error().Err(err).Msg("negotiation message failed")
		h.send(s, m.ChannelID, "The buyer seems distracted. Try again.")
		return
	}

	h.send(s, m.ChannelID, "**"+reply.BuyerName+":** "+reply.Text)

	if reply.WalkedAway {
		for _, msgID := range reply.CleanupMessageIDs {
			if err := s.MessageReactionsRemoveAll(m.ChannelID, msgID); err != nil {
				h.log.Error().Err(err).Msg("clear offer reactions failed")
			}
		}
		h.send(s, m.ChannelID, "**"+reply.BuyerName+"** gathers their things and leaves. The sale is off.")
		h.archiveThread(s, m.ChannelID)
		return
	}
	if reply.NewOffer == nil {
		return
	}

	if reply.PreviousOfferMessageID != "" {
		if err := s.MessageReactionsRemoveAll(m.ChannelID, reply.PreviousOfferMessageID); err != nil {
			h.log.Error().Err(err).Msg("clear stale offer reactions failed")
		}
	}
	msg, err := s.ChannelMessageSend(m.ChannelID, offerMessage(reply.BuyerName, *reply.NewOffer))
	if err != nil {
		h.log.Error().Err(err).Msg("offer message send failed")
		return
	}
	if err := s.MessageReactionAdd(m.ChannelID, msg.ID, emojiAccept); err != nil {
		h.log.Error().Err(err).Msg("offer reaction failed")
	}
	if err := h.sellEng.RecordOfferMessage(ctx, m.ChannelID, msg.ID); err != nil {
		h.log.Error().Err(err).Msg("record offer message failed")
	}
}

func (h *Handler) archiveThread(s *discordgo.Session, threadID string) {
	archived := true
	if _, err := s.ChannelEditComplex(threadID, &discordgo.ChannelEdit{Archived: &archived}); err != nil {
		h.log.Error().Err(err).Msg("thread archive failed")
	}
}

func (h *Handler) handleCraftCommand(ctx context.Context, s *discordgo.Session, m *discordgo.MessageCreate) {
	p, err := h.player(ctx, m.Author.ID, m.Author.Username)
	if err != nil {
		return
	}
	inventory, err := h.items.InventoryForPlayer(ctx, p.ID)
	if err != nil {
		h.log.Error().Err(err).Msg("inventory lookup failed")
		return
	}
	if len(inventory) < 2 {
		h.send(s, m.ChannelID, "The workbench needs two items from your inventory, and you have "+strconv.Itoa(len(inventory))+".")
		return
	}

	threadID := m.ChannelID
	playerID := p.ID
	tier := h.cfg.DefaultTier
	if sess := h.sessions.Get(m.ChannelID); sess != nil && sess.ModelTier != "" {
		tier = sess.ModelTier
	}

	state, err := h.selector.StartFlow(threadID, m.Author.ID, "experimental_craft", inventory, nil,
		func(ctx context.Context, _ string, selections []models.InventoryItem, _ map[string]string) error {
			return h.executeCraft(ctx, s, threadID, playerID, tier, selections)
		})
	if err != nil {
		h.log.Error().Err(err).Msg("craft flow start failed")
		return
	}

	page, err := h.selector.PageItems(threadID)
	if err != nil {
		return
	}
	msg, err := s.ChannelMessageSendComplex(threadID, selectionMessage(state, page))
	if err != nil {
		h.log.Error().Err(err).Msg("selection message send failed")
		h.selector.HandleCancel(threadID)
		return
	}
	h.selector.SetMessageID(threadID, msg.ID)
}

func (h *Handler) executeCraft(ctx context.Context, s *discordgo.Session, threadID string, playerID int64, tier string, selections []models.InventoryItem) error {
	s.ChannelTyping(threadID)
	result, err := h.craftEng.Execute(ctx, playerID, selections, threadID, tier)
	if err != nil {
		h.send(s, threadID, "The fusion fizzles before it begins. Both items sit on the bench, unharmed.")
		return err
	}

	if _, err := s.ChannelMessageSendEmbed(threadID, synergyEmbed(result)); err != nil {
		h.log.Error().Err(err).Msg("synergy embed send failed")
	}
	if result.Narrative != "" {
		h.send(s, threadID, result.Narrative)
	}
	msg, err := s.ChannelMessageSendEmbed(threadID, craftedItemEmbed(result))
	if err != nil {
		h.log.Error().Err(err).Msg("crafted item embed send failed")
		return nil
	}
	if err := h.items.SetMessageID(ctx, result.Item.InventoryID, msg.ID); err != nil {
		h.log.Error().Err(err).Msg("crafted item message link failed")
	}
	if err := s.MessageReactionAdd(threadID, msg.ID, emojiSell); err != nil {
		h.log.Error().Err(err).Msg("crafted item reaction failed")
	}
	return nil
}

func (h *Handler) onInteraction(s *discordgo.Session, i *discordgo.InteractionCreate) {
	if i.Type != discordgo.InteractionMessageComponent {
		return
	}
	data := i.MessageComponentData()
	if !strings.HasPrefix(data.CustomID, "sel:") {
		return
	}
	ctx := context.Background()
	threadID := i.ChannelID

	state := h.selector.State(threadID)
	if state == nil || state.PlayerID != interactionUserID(i) {
		h.respondEphemeral(s, i, "This selection belongs to someone else, or has expired.")
		return
	}

	switch data.CustomID {
	case "sel:pick":
		if len(data.Values) != 1 {
			return
		}
		id, err := strconv.ParseInt(data.Values[0], 10, 64)
		if err != nil {
			return
		}
		if _, err := h.selector.HandleSelection(threadID, id); err != nil {
			return
		}
	case "sel:prev":
		if _, err := h.selector.HandlePagination(threadID, -1); err != nil {
			return
		}
	case "sel:next":
		if _, err := h.selector.HandlePagination(threadID, 1); err != nil {
			return
		}
	case "sel:cancel":
		h.selector.HandleCancel(threadID)
		h.respondUpdate(s, i, cancelledMessage())
		return
	case "sel:confirm":
		h.respondUpdate(s, i, executingMessage())
		if err := h.selector.HandleExecute(ctx, threadID); err != nil &&
			!errors.Is(err, selection.ErrNoFlow) && !errors.Is(err, selection.ErrNotReady) {
			h.log.Error().Err(err).Msg("selection execute failed")
		}
		return
	default:
		return
	}

	state = h.selector.State(threadID)
	if state == nil {
		return
	}
	if state.Phase == selection.PhaseConfirming {
		h.respondUpdate(s, i, confirmMessage(state))
		return
	}
	page, err := h.selector.PageItems(threadID)
	if err != nil {
		return
	}
	h.respondUpdate(s, i, selectionUpdate(state, page))
}

func interactionUserID(i *discordgo.InteractionCreate) string {
	if i.Member != nil && i.Member.User != nil {
		return i.Member.User.ID
	}
	if i.User != nil {
		return i.User.ID
	}
	return ""
}

func (h *Handler) respondUpdate(s *discordgo.Session, i *discordgo.InteractionCreate, data *discordgo.InteractionResponseData) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseUpdateMessage,
		Data: data,
	})
	if err != nil {
		h.log.Error().Err(err).Msg("interaction respond failed")
	}
}

func (h *Handler) respondEphemeral(s *discordgo.Session, i *discordgo.InteractionCreate, msg string) {
	err := s.InteractionRespond(i.Interaction, &discordgo.InteractionResponse{
		Type: discordgo.InteractionResponseChannelMessageWithSource,
		Data: &discordgo.InteractionResponseData{
			Content: msg,
			Flags:   discordgo.MessageFlagsEphemeral,
		},
	})
	if err != nil {
		h.log.Error().Err(err).Msg("ephemeral respond failed")
	}
}
