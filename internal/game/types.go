package game

import "sort"

type LeaderboardSort string

const (
	SortByBalance LeaderboardSort = "gg"
	SortByBoosts  LeaderboardSort = "boosts"
)

const LeaderboardSize = 50

type LeaderboardRow struct {
	Rank            int64   `json:"rank"`
	UserID          int64   `json:"user_id"`
	Name            string  `json:"name"`
	PhotoURL        string  `json:"photo_url,omitempty"`
	Balance         float64 `json:"balance"`
	TotalBoostLevel int     `json:"total_boost_level"`
	IsVerified      bool    `json:"is_verified"`
	IsCurrentUser   bool    `json:"is_current_user"`
}

// RankPlayers returns a new slice ordered by the requested field with ranks
// assigned from 1. Ties break on user id so the order is stable.
func RankPlayers(rows []LeaderboardRow, by LeaderboardSort, currentUser int64) []LeaderboardRow {
	out := append([]LeaderboardRow(nil), rows...)
	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if by == SortByBoosts && a.TotalBoostLevel != b.TotalBoostLevel {
			return a.TotalBoostLevel > b.TotalBoostLevel
		}
		if a.Balance != b.Balance {
			return a.Balance > b.Balance
		}
		return a.UserID < b.UserID
	})
	if len(out) > LeaderboardSize {
		out = out[:LeaderboardSize]
	}
	for i := range out {
		out[i].Rank = int64(i + 1)
		out[i].IsCurrentUser = out[i].UserID == currentUser
	}
	return out
}

func TotalBoostLevel(a *Account) int {
	total := 0
	for _, b := range a.Boosts {
		total += b.Level
	}
	return total
}

// StateView is what a client renders.
type StateView struct {
	Account   *Account    `json:"account"`
	Profile   Profile     `json:"profile"`
	Stats     Stats       `json:"stats"`
	Boosts    []BoostView `json:"boosts"`
	Accrual   *Accrual    `json:"offline_accrual,omitempty"`
	Settings  Settings    `json:"settings"`
	CanIssue  bool        `json:"can_issue_card"`
	Displayed string      `json:"primary_card_display"`
}

func NewStateView(a *Account, p Profile, c *Catalog, s Settings) StateView {
	v := StateView{
		Account:  a,
		Profile:  p,
		Stats:    StatsFor(a, s),
		Boosts:   c.Views(a),
		Settings: s,
		CanIssue: CanIssueCard(a, s) == nil,
	}
	if len(a.Cards) > 0 {
		v.Displayed = FormatCardNumber(a.Cards[0].CardNumber)
	}
	return v
}
