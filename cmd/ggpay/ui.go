package main

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"ggpay/internal/game"

	"github.com/fatih/color"
	"golang.org/x/term"
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

// promptSecret reads without echo when stdin is a terminal.
func promptSecret(label string) (string, error) {
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
		text := strings.TrimSpace(string(raw))
		if text != "" {
			return text, nil
		}
		printWarn(label + " is required.")
	}
}

func promptFloat(label string) (float64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseFloat(text, 64)
		if err != nil {
			printWarn("Enter a valid number.")
			continue
		}
		if v == 0 {
			printWarn("Value must not be zero.")
			continue
		}
		return v, nil
	}
}

func promptInt64(label string, min int64) (int64, error) {
	for {
		text, err := promptRequired(label)
		if err != nil {
			return 0, err
		}
		v, err := strconv.ParseInt(text, 10, 64)
		if err != nil {
			printWarn("Enter a whole number.")
			continue
		}
		if v < min {
			printWarn(fmt.Sprintf("Value must be >= %d", min))
			continue
		}
		return v, nil
	}
}

func renderPlayer(a game.Account) {
	accent.Printf("\n== PLAYER %d ==\n", a.ID)
	status := success.Sprint("active")
	if a.IsBanned {
		status = danger.Sprint("banned")
	}
	fmt.Printf("%-14s %s\n", "Status", status)
	fmt.Printf("%-14s %s\n", "Verification", string(a.VerificationStatus))
	fmt.Printf("%-14s %s GG\n", "Total", formatGG(a.TotalBalance))
	fmt.Printf("%-14s %.0f\n", "Energy", a.Energy)
	fmt.Printf("%-14s %s\n", "Last seen", a.LastSeen.Local().Format(time.RFC822))
	if len(a.Cards) > 0 {
		fmt.Printf("\n%-22s %-16s %14s\n", "CARD", "NAME", "BALANCE")
		for _, c := range a.Cards {
			fmt.Printf("%-22s %-16s %14s\n", game.FormatCardNumber(c.CardNumber), truncate(c.CardName, 16), formatGG(c.Balance))
		}
	}
	if len(a.Boosts) > 0 {
		fmt.Printf("\n%-22s %6s\n", "BOOST", "LEVEL")
		for id, lvl := range a.Boosts {
			fmt.Printf("%-22s %6d\n", id, lvl.Level)
		}
	}
	fmt.Println()
}

func renderLeaderboard(rows []game.LeaderboardRow, by game.LeaderboardSort) {
	accent.Printf("\n== LEADERBOARD (%s) ==\n", strings.ToUpper(string(by)))
	if len(rows) == 0 {
		printInfo("No leaderboard rows yet.")
		return
	}
	fmt.Printf("%-6s %-20s %14s %8s\n", "RANK", "PLAYER", "GG", "BOOSTS")
	for _, row := range rows {
		name := truncate(row.Name, 20)
		if row.IsVerified {
			name = truncate(row.Name, 18) + " *"
		}
		line := fmt.Sprintf("%-6d %-20s %14s %8d", row.Rank, name, formatGG(row.Balance), row.TotalBoostLevel)
		if row.IsCurrentUser {
			accent.Println(line)
			continue
		}
		fmt.Println(line)
	}
	fmt.Println()
}

func renderBoostConfigs(cfgs []game.BoostConfig) {
	accent.Println("\n== BOOSTS ==")
	fmt.Printf("%-20s %-18s %5s  %s\n", "ID", "NAME", "MAX", "COST")
	for _, c := range cfgs {
		fmt.Printf("%-20s %-18s %5d  %s\n", c.ID, truncate(c.Name, 18), c.MaxLevel, c.CostFormula)
	}
	fmt.Println()
}

func renderVerifications(reqs []game.VerificationRequest) {
	accent.Println("\n== PENDING VERIFICATIONS ==")
	if len(reqs) == 0 {
		printInfo("Nothing to review.")
		return
	}
	fmt.Printf("%-14s %-24s %s\n", "USER", "NAME", "REQUESTED")
	for _, r := range reqs {
		fmt.Printf("%-14d %-24s %s\n", r.UserID, truncate(r.Name, 24), r.RequestedAt.Local().Format(time.RFC822))
	}
	fmt.Println()
}

func renderSimpleOK(raw map[string]any, successMessage string) {
	if successMessage != "" {
		printSuccess(successMessage)
		return
	}
	if v, ok := raw["ok"].(bool); ok && v {
		printSuccess("OK")
		return
	}
	printInfo("Done.")
}

func formatGG(v float64) string {
	sign := ""
	if v < 0 {
		sign = "-"
		v = -v
	}
	cents := int64(v*100 + 0.5)
	return fmt.Sprintf("%s%s.%02d", sign, comma(cents/100), cents%100)
}

func colorizeGG(v float64) string {
	text := formatGG(v)
	switch {
	case v > 0:
		return success.Sprint("+" + text)
	case v < 0:
		return danger.Sprint(text)
	default:
		return neutral.Sprint(text)
	}
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
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 3 {
		return s[:n]
	}
	return s[:n-3] + "..."
}
