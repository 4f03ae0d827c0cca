package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/fatih/color"
	"golang.org/x/term"

	"phimarket/internal/cli"
	"phimarket/internal/exchange"
)

var (
	stdinReader = bufio.NewReader(os.Stdin)
	accent      = color.New(color.FgCyan, color.Bold)
	success     = color.New(color.FgGreen, color.Bold)
	warn        = color.New(color.FgYellow, color.Bold)
	danger      = color.New(color.FgRed, color.Bold)
	neutral     = color.New(color.FgHiWhite)
)

func printSuccess(msg string) {
	success.Println(msg)
}

func printWarn(msg string) {
	warn.Println(msg)
}

func printError(msg string) {
	danger.Println(msg)
}

func printInfo(msg string) {
	neutral.Println(msg)
}

func promptRequired(label string) (string, error) {
	for {
		fmt.Printf("%s: ", label)
		text, err := stdinReader.ReadString('\n')
		if err != nil {
			return "", err
		}
		text = strings.TrimSpace(text)
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptOptional(label string) (string, error) {
	fmt.Printf("%s: ", label)
	text, err := stdinReader.ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

// promptPassword reads without echo when stdin is a terminal.
func promptPassword(label string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return promptRequired(label)
	}
	for {
		fmt.Printf("%s: ", label)
		raw, err := term.ReadPassword(fd)
		fmt.Println()
		if err != nil {
			return "", err
		}
		if text := strings.TrimSpace(string(raw)); text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func renderPortfolio(p exchange.Portfolio) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(p.Username))
	fmt.Printf("%-14s %s\n", "Cash", formatPhi(p.Cash))
	fmt.Printf("%-14s %s\n", "Holdings", formatPhi(p.HoldingsValue))
	fmt.Printf("%-14s %s\n", "Net worth", success.Sprint(formatPhi(p.NetWorth)))
	if p.Role != exchange.RoleNone {
		fmt.Printf("%-14s %s\n", "Role", string(p.Role))
	}
	if wait := time.Until(p.NextTradeAt); wait > 0 {
		fmt.Printf("%-14s %s\n", "Next trade in", warn.Sprint(wait.Round(time.Second)))
	}
	fmt.Println()
	if len(p.Positions) == 0 {
		printInfo("No positions yet. Try `phx market`.")
		return
	}
	fmt.Printf("%-22s %8s %10s %12s\n", "CHARACTER", "SHARES", "PRICE", "VALUE")
	for _, pos := range p.Positions {
		name := truncate(pos.Name, 22)
		if pos.Frozen {
			name = truncate(pos.Name, 18) + " [F]"
		}
		fmt.Printf("%-22s %8d %10s %12s\n", name, pos.Shares, formatPhi(pos.EffectivePrice), formatPhi(pos.Value))
	}
	fmt.Println()
}

func renderMarket(snap cli.MarketSnapshot) {
	st := snap.Settings
	status := success.Sprint("OPEN")
	if !st.TradingEnabled {
		status = danger.Sprint("CLOSED")
	}
	accent.Printf("\n== PHI MARKET ==  %s\n", status)
	if st.Event.Active {
		warn.Printf("Event: %s (x%g)\n", st.Event.Name, st.Event.Multiplier())
	}
	if st.MarketMessage != "" {
		printInfo(st.MarketMessage)
	}
	if st.TickerText != "" {
		neutral.Printf("» %s\n", st.TickerText)
	}
	fmt.Println()
	fmt.Printf("%-18s %-22s %-14s %-10s %10s\n", "ID", "NAME", "CREW", "RARITY", "PRICE")
	for _, c := range snap.Characters {
		price := formatPhi(c.EffectivePrice)
		if c.Frozen {
			price = danger.Sprint("FROZEN")
		}
		fmt.Printf("%-18s %-22s %-14s %-10s %10s\n",
			truncate(c.ID, 18), truncate(c.Name, 22), truncate(c.Crew, 14), truncate(c.Rarity, 10), price)
	}
	fmt.Println()
}

func renderCharacter(c exchange.MarketView) {
	accent.Printf("\n== %s ==\n", strings.ToUpper(c.Name))
	fmt.Printf("%-18s %s\n", "ID", c.ID)
	fmt.Printf("%-18s %s\n", "Crew", c.Crew)
	fmt.Printf("%-18s %s\n", "Rarity", c.Rarity)
	fmt.Printf("%-18s %s\n", "Base price", formatPhi(c.BasePrice))
	fmt.Printf("%-18s %s\n", "Effective price", formatPhi(c.EffectivePrice))
	fmt.Printf("%-18s %d (prev rank %s)\n", "Popularity votes", c.PopularityVotes, formatRank(c.PrevPopularityRank))
	fmt.Printf("%-18s %d (prev rank %s)\n", "Strength votes", c.StrengthVotes, formatRank(c.PrevStrengthRank))
	if c.Frozen {
		danger.Println("Trading is frozen for this character.")
	}
	fmt.Println()
}

func renderReceipt(r exchange.TradeReceipt) {
	verb := "Bought"
	if r.Side == exchange.SideSell {
		verb = "Sold"
	}
	printSuccess(fmt.Sprintf("%s %d %s @ %s for %s.", verb, r.Qty, r.CharacterID, formatPhi(r.Price), formatPhi(r.Total)))
	fmt.Printf("Cash %s, holding %d shares.\n", formatPhi(r.Cash), r.Shares)
}

func renderLeaderboard(rows []exchange.LeaderboardRow) {
	accent.Println("\n== LEADERBOARD ==")
	if len(rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return
	}
	fmt.Printf("%-6s %-20s %14s %14s\n", "RANK", "TRADER", "NET WORTH", "LIQUID")
	for _, row := range rows {
		fmt.Printf("%-6d %-20s %14s %14s\n", row.Rank, truncate(row.Username, 20), formatPhi(row.NetWorth), formatPhi(row.LiquidPhi))
	}
	fmt.Println()
}

func renderTrades(trades []exchange.Trade) {
	accent.Println("\n== TRADES ==")
	if len(trades) == 0 {
		printInfo("No trades yet.")
		return
	}
	fmt.Printf("%-17s %-14s %-4s %-20s %6s %10s %12s\n", "TIME", "TRADER", "SIDE", "CHARACTER", "QTY", "PRICE", "TOTAL")
	for _, t := range trades {
		side := success.Sprint("BUY ")
		if t.Side == exchange.SideSell {
			side = danger.Sprint("SELL")
		}
		fmt.Printf("%-17s %-14s %s %-20s %6d %10s %12s\n",
			t.CreatedAt.Local().Format("Jan 02 15:04:05"), truncate(t.Username, 14), side,
			truncate(t.CharacterName, 20), t.Qty, formatPhi(t.Price), formatPhi(t.Total))
	}
	fmt.Println()
}

func formatPhi(v int64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	return sign + "Φ" + comma(v)
}

func formatRank(r int64) string {
	if r <= 0 {
		return "-"
	}
	return "#" + strconv.FormatInt(r, 10)
}

func comma(v int64) string {
	s := strconv.FormatInt(v, 10)
	if len(s) <= 3 {
		return s
	}
	var b strings.Builder
	pre := len(s) % 3
	if pre > 0 {
		b.WriteString(s[:pre])
		if len(s) > pre {
			b.WriteByte(',')
		}
	}
	for i := pre; i < len(s); i += 3 {
		b.WriteString(s[i : i+3])
		if i+3 < len(s) {
			b.WriteByte(',')
		}
	}
	return b.String()
}

func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	r := []rune(s)
	if n <= 0 || len(r) <= n {
		return s
	}
	if n <= 3 {
		return string(r[:n])
	}
	return string(r[:n-3]) + "..."
}
