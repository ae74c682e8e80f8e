// Package auth verifies players and admins.
//
// Players are identified by the signed initData string a Telegram Mini App
// receives at launch. Admins log in with a shared key checked against a
// bcrypt hash and then carry a short-lived HS256 token.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"ggpay/internal/game"
)

var (
	ErrMissingInitData = errors.New("missing init data")
	ErrBadSignature    = errors.New("init data signature mismatch")
	ErrInitDataExpired = errors.New("init data expired")
	ErrNoUser          = errors.New("init data has no user")
)

type telegramUser struct {
	ID        int64  `json:"id"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	Username  string `json:"username"`
	PhotoURL  string `json:"photo_url"`
}

// VerifyInitData checks the hash of a Mini App initData query string against
// botToken and returns the player it names. A positive maxAge rejects data
// whose auth_date is older than that.
func VerifyInitData(initData, botToken string, maxAge time.Duration, now time.Time) (game.Identity, error) {
	initData = strings.TrimSpace(initData)
	if initData == "" {
		return game.Identity{}, ErrMissingInitData
	}
	vals, err := url.ParseQuery(initData)
	if err != nil {
		return game.Identity{}, ErrMissingInitData
	}
	provided := vals.Get("hash")
	if provided == "" {
		return game.Identity{}, ErrBadSignature
	}
	vals.Del("hash")

	if !hmac.Equal([]byte(SignInitData(vals, botToken)), []byte(provided)) {
		return game.Identity{}, ErrBadSignature
	}

	if maxAge > 0 {
		sec, err := strconv.ParseInt(vals.Get("auth_date"), 10, 64)
		if err != nil || now.Sub(time.Unix(sec, 0)) > maxAge {
			return game.Identity{}, ErrInitDataExpired
		}
	}

	raw := vals.Get("user")
	if raw == "" {
		return game.Identity{}, ErrNoUser
	}
	var u telegramUser
	if err := json.Unmarshal([]byte(raw), &u); err != nil || u.ID == 0 {
		return game.Identity{}, ErrNoUser
	}
	return game.Identity{
		ID:        u.ID,
		FirstName: strings.TrimSpace(u.FirstName),
		LastName:  strings.TrimSpace(u.LastName),
		Username:  strings.TrimSpace(u.Username),
		PhotoURL:  u.PhotoURL,
	}, nil
}

// SignInitData computes the hex hash Telegram attaches to initData. vals
// must not contain the hash itself.
func SignInitData(vals url.Values, botToken string) string {
	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+vals.Get(k))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))
	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(parts, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}
