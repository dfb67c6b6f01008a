package discord

import (
	"fmt"
	"strconv"
	"strings"

	"arcanum/internal/costs"
	"arcanum/internal/craft"
	"arcanum/internal/models"
	"arcanum/internal/search"
	"arcanum/internal/selection"
	"arcanum/internal/sell"

	"github.com/bwmarrin/discordgo"
	"github.com/shopspring/decimal"
)

const (
	colorGold   = 0xC9A227
	colorGreen  = 0x2E8B57
	colorPurple = 0x7B4FAF
	colorSlate  = 0x5A6E7F
)

func itoa(n int) string {
	return strconv.Itoa(n)
}

func gp(amount int64) string {
	return strconv.FormatInt(amount, 10) + " gp"
}

func rarityLine(it models.GeneratedItem) string {
	parts := []string{it.ItemType, it.Rarity}
	if it.RequiresAttunement {
		att := "requires attunement"
		if it.AttunementRequirement != "" {
			att += " (" + it.AttunementRequirement + ")"
		}
		parts = append(parts, att)
	}
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			out = append(out, p)
		}
	}
	return strings.Join(out, ", ")
}

func itemEmbed(offer search.Offer) *discordgo.MessageEmbed {
	it := offer.Item
	embed := &discordgo.MessageEmbed{
		Title:       it.Name,
		Description: "*" + rarityLine(it) + "*\n\n" + it.Description,
		Color:       colorGold,
	}
	if it.Properties != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Properties", Value: it.Properties,
		})
	}
	if it.History != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "History", Value: it.History,
		})
	}
	if it.Complication != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Complication", Value: it.Complication,
		})
	}
	price := "price unavailable"
	footer := "This one cannot be bought today."
	if !offer.Price.Unpriced {
		price = gp(offer.Price.Amount)
		footer = "React with " + emojiPurchase + " to purchase."
	}
	embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
		Name: "Price", Value: price, Inline: true,
	})
	embed.Footer = &discordgo.MessageEmbedFooter{Text: footer}
	return embed
}

func buyerEmbed(b models.Buyer) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       b.Name + ", " + b.Title,
		Description: b.Description + "\n\n*" + b.Motivation + "*",
		Color:       colorPurple,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Offer", Value: gp(b.OfferGp), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{
			Text: emojiAccept + " accept the offer, or " + emojiNegotiate + " to haggle.",
		},
	}
}

func purchaseReceipt(username string, r *search.PurchaseResult) string {
	return fmt.Sprintf("**%s** bought **%s** for %s. Balance: %s. React with %s on the item to sell it later.",
		username, r.Item.Name, gp(r.Item.PriceGp), gp(r.Transaction.BalanceAfter), emojiSell)
}

func saleReceipt(r *sell.SaleResult) string {
	return fmt.Sprintf("Sold! **%s** takes **%s** for %s. Balance: %s.",
		r.BuyerName, r.ItemName, gp(r.AmountGp), gp(r.Transaction.BalanceAfter))
}

func offerMessage(buyerName string, amount int64) string {
	return fmt.Sprintf("**%s** puts %s on the table. React with %s to accept.", buyerName, gp(amount), emojiAccept)
}

func money(d decimal.Decimal) string {
	return "$" + d.StringFixed(4)
}

func costEmbed(threadID string, spend *costs.ThreadSpend, daily decimal.Decimal) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "Conversation cost",
		Color: colorSlate,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "This conversation", Value: money(spend.Total), Inline: true},
			{Name: "Messages", Value: itoa(spend.Messages), Inline: true},
			{Name: "Today, all conversations", Value: money(daily), Inline: true},
			{Name: "Cache reads", Value: itoa(spend.TotalCacheReads), Inline: true},
			{Name: "Cache writes", Value: itoa(spend.TotalCacheWrites), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "thread " + threadID},
	}
}

func balanceEmbed(p *models.Player, inventory []models.InventoryItem) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(inventory))
	for _, it := range inventory {
		lines = append(lines, "• "+it.Item.Name+" ("+gp(it.PurchasePriceGp)+")")
	}
	owned := "Nothing yet."
	if len(lines) > 0 {
		owned = strings.Join(lines, "\n")
	}
	return &discordgo.MessageEmbed{
		Title: p.Username + "'s purse",
		Color: colorGreen,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Balance", Value: gp(p.BalanceGp)},
			{Name: "Inventory", Value: owned},
		},
	}
}

func historyEmbed(txns []models.Transaction) *discordgo.MessageEmbed {
	lines := make([]string, 0, len(txns))
	for _, t := range txns {
		sign := "+"
		if t.AmountGp < 0 {
			sign = ""
		}
		lines = append(lines, fmt.Sprintf("%s%s - %s", sign, gp(t.AmountGp), t.Description))
	}
	return &discordgo.MessageEmbed{
		Title:       "Recent transactions",
		Description: strings.Join(lines, "\n"),
		Color:       colorSlate,
	}
}

func synergyEmbed(r *craft.Result) *discordgo.MessageEmbed {
	syn := r.Synergy
	rows := []struct {
		name  string
		score models.SynergyScore
	}{
		{"Physical compatibility", syn.Physical},
		{"Complication countering", syn.Complication},
		{"Thematic harmony", syn.Thematic},
		{"Power level matching", syn.Power},
		{"Historical synergy", syn.Historical},
	}
	fields := make([]*discordgo.MessageEmbedField, 0, len(rows)+1)
	for _, row := range rows {
		fields = append(fields, &discordgo.MessageEmbedField{
			Name:  fmt.Sprintf("%s: %d/5", row.name, row.score.Score),
			Value: row.score.Reason,
		})
	}
	fields = append(fields, &discordgo.MessageEmbedField{
		Name:  "Quality",
		Value: fmt.Sprintf("Roll %d + synergy %d = **%d**", r.BaseRoll, syn.TotalBonus, r.Quality),
	})
	return &discordgo.MessageEmbed{
		Title:       "Synergy assessment",
		Description: syn.Assessment,
		Color:       colorPurple,
		Fields:      fields,
	}
}

func craftedItemEmbed(r *craft.Result) *discordgo.MessageEmbed {
	it := r.Item.Item.GeneratedItem
	embed := &discordgo.MessageEmbed{
		Title:       it.Name,
		Description: "*" + rarityLine(it) + "*\n\n" + it.Description,
		Color:       colorGold,
		Fields: []*discordgo.MessageEmbedField{
			{Name: "Appraised value", Value: gp(r.PriceGp), Inline: true},
		},
		Footer: &discordgo.MessageEmbedFooter{Text: "React with " + emojiSell + " to sell it."},
	}
	if it.Properties != "" {
		embed.Fields = append(embed.Fields, &discordgo.MessageEmbedField{
			Name: "Properties", Value: it.Properties,
		})
	}
	return embed
}

func selectionComponents(page selection.Page) []discordgo.MessageComponent {
	options := make([]discordgo.SelectMenuOption, 0, len(page.Items))
	for _, it := range page.Items {
		options = append(options, discordgo.SelectMenuOption{
			Label:       truncate(it.Item.Name, 100),
			Value:       strconv.FormatInt(it.InventoryID, 10),
			Description: truncate(rarityLine(it.Item.GeneratedItem), 100),
		})
	}
	components := []discordgo.MessageComponent{
		discordgo.ActionsRow{
			Components: []discordgo.MessageComponent{
				discordgo.SelectMenu{
					CustomID:    "sel:pick",
					Placeholder: "Choose an item",
					Options:     options,
				},
			},
		},
	}
	row := discordgo.ActionsRow{}
	if page.TotalPages > 1 {
		row.Components = append(row.Components,
			discordgo.Button{CustomID: "sel:prev", Label: "Previous", Style: discordgo.SecondaryButton, Disabled: page.Current == 0},
			discordgo.Button{CustomID: "sel:next", Label: "Next", Style: discordgo.SecondaryButton, Disabled: page.Current >= page.TotalPages-1},
		)
	}
	row.Components = append(row.Components,
		discordgo.Button{CustomID: "sel:cancel", Label: "Cancel", Style: discordgo.DangerButton},
	)
	components = append(components, row)
	return components
}

func selectionPrompt(state *selection.State, page selection.Page) string {
	step := state.Flow.Steps[state.Step]
	prompt := "**" + state.Flow.Title + "**\n" + step.Prompt
	if page.TotalPages > 1 {
		prompt += fmt.Sprintf(" (page %d of %d)", page.Current+1, page.TotalPages)
	}
	return prompt
}

func selectionMessage(state *selection.State, page selection.Page) *discordgo.MessageSend {
	return &discordgo.MessageSend{
		Content:    selectionPrompt(state, page),
		Components: selectionComponents(page),
	}
}

func selectionUpdate(state *selection.State, page selection.Page) *discordgo.InteractionResponseData {
	content := selectionPrompt(state, page)
	components := selectionComponents(page)
	return &discordgo.InteractionResponseData{
		Content:    content,
		Components: components,
	}
}

func confirmMessage(state *selection.State) *discordgo.InteractionResponseData {
	names := make([]string, 0, len(state.Selections))
	for _, it := range state.Selections {
		names = append(names, "**"+it.Item.Name+"**")
	}
	content := state.Flow.ConfirmPrompt + "\n" + strings.Join(names, " + ")
	return &discordgo.InteractionResponseData{
		Content: content,
		Components: []discordgo.MessageComponent{
			discordgo.ActionsRow{
				Components: []discordgo.MessageComponent{
					discordgo.Button{CustomID: "sel:confirm", Label: state.Flow.ConfirmLabel, Style: discordgo.PrimaryButton},
					discordgo.Button{CustomID: "sel:cancel", Label: "Cancel", Style: discordgo.DangerButton},
				},
			},
		},
	}
}

func cancelledMessage() *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		Content:    "Selection cancelled.",
		Components: []discordgo.MessageComponent{},
	}
}

func executingMessage() *discordgo.InteractionResponseData {
	return &discordgo.InteractionResponseData{
		Content:    "The workbench hums to life...",
		Components: []discordgo.MessageComponent{},
	}
}

// truncate cuts s to at most n characters. Cutting happens on rune
// boundaries so multibyte text never ends in a mangled sequence.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
