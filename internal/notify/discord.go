// Package notify posts market announcements to a Discord channel.
package notify

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"

	"github.com/bwmarrin/discordgo"

	"phimarket/internal/exchange"
)

// Sender is the slice of *discordgo.Session the announcer needs.
type Sender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Source is satisfied by *exchange.Service.
type Source interface {
	Settings(ctx context.Context) (exchange.Settings, error)
	MarketCharacter(ctx context.Context, id string) (exchange.MarketView, error)
	Changes() *exchange.Changes
}

type Announcer struct {
	src       Source
	sender    Sender
	channelID string
	log       *slog.Logger
	last      exchange.Settings
}

// NewDiscord opens a bot session. The session is REST-only; no gateway
// connection is made.
func NewDiscord(token string) (*discordgo.Session, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return nil, fmt.Errorf("discord bot token is empty")
	}
	return discordgo.New("Bot " + token)
}

func NewAnnouncer(src Source, sender Sender, channelID string, logger *slog.Logger) *Announcer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Announcer{src: src, sender: sender, channelID: channelID, log: logger}
}

// Run announces settings transitions until ctx is cancelled.
func (a *Announcer) Run(ctx context.Context) error {
	st, err := a.src.Settings(ctx)
	if err != nil {
		return fmt.Errorf("load initial settings: %w", err)
	}
	a.last = st.Clone()

	changes := a.src.Changes().Subscribe(ctx, 64)
	a.log.Info("discord announcer started", "channel_id", a.channelID)
	for ch := range changes {
		if ch.Kind != exchange.ChangeSettings {
			continue
		}
		a.refresh(ctx)
	}
	return ctx.Err()
}

func (a *Announcer) refresh(ctx context.Context) {
	st, err := a.src.Settings(ctx)
	if err != nil {
		a.log.Warn("discord announcer settings read failed", "err", err)
		return
	}
	msgs := a.diff(ctx, a.last, st)
	a.last = st.Clone()
	for _, msg := range msgs {
		if _, err := a.sender.ChannelMessageSend(a.channelID, msg); err != nil {
			a.log.Warn("discord announcement failed", "err", err)
		}
	}
}

func (a *Announcer) diff(ctx context.Context, prev, next exchange.Settings) []string {
	var out []string
	if prev.TradingEnabled != next.TradingEnabled {
		if next.TradingEnabled {
			out = append(out, "🔔 The Phi Market is now **OPEN** for trading.")
		} else {
			out = append(out, "🔕 The Phi Market is now **CLOSED**.")
		}
	}
	if next.MarketMessage != "" && next.MarketMessage != prev.MarketMessage {
		out = append(out, "📣 "+next.MarketMessage)
	}

	switch {
	case next.Event.Active && (!prev.Event.Active || prev.Event.Name != next.Event.Name || prev.Event.PriceMultiplier != next.Event.PriceMultiplier):
		msg := fmt.Sprintf("⚡ Event started: **%s** (prices x%g)", next.Event.Name, next.Event.Multiplier())
		if next.Event.Description != "" {
			msg += "\n" + next.Event.Description
		}
		out = append(out, msg)
	case prev.Event.Active && !next.Event.Active:
		out = append(out, fmt.Sprintf("Event ended: **%s**. Prices are back to normal.", prev.Event.Name))
	}

	for _, id := range next.FrozenCharacterIDs {
		if !slices.Contains(prev.FrozenCharacterIDs, id) {
			out = append(out, fmt.Sprintf("🧊 %s is frozen. Trading is halted.", a.characterName(ctx, id)))
		}
	}
	for _, id := range prev.FrozenCharacterIDs {
		if !slices.Contains(next.FrozenCharacterIDs, id) {
			out = append(out, fmt.Sprintf("%s is unfrozen.", a.characterName(ctx, id)))
		}
	}
	return out
}

func (a *Announcer) characterName(ctx context.Context, id string) string {
	mv, err := a.src.MarketCharacter(ctx, id)
	if err != nil || mv.Name == "" {
		return id
	}
	return mv.Name
}
