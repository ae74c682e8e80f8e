package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"ggpay/internal/auth"
	cl "ggpay/internal/cli"
	"ggpay/internal/config"
	"ggpay/internal/game"
	"ggpay/internal/syncq"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

func main() {
	cfg := loadCLIConfig()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "ggpay",
		Short:        "GG Pay admin console",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "API base URL")

	root.AddCommand(
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newHashKeyCmd(),
		newPlayerCmd(&apiBase),
		newBanCmd(&apiBase, true),
		newBanCmd(&apiBase, false),
		newCreditCmd(&apiBase),
		newBoostsCmd(&apiBase),
		newSettingsCmd(&apiBase),
		newBroadcastCmd(&apiBase),
		newVerificationsCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newSyncCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func loadSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Exchange the admin key for a session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := promptSecret("Admin key")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Login(ctx, key)
			if err != nil {
				return err
			}
			exp, _ := time.Parse(time.RFC3339, out.ExpiresAt)
			if err := cl.SaveSession(cl.Session{AccessToken: out.AccessToken, ExpiresAt: exp, APIBase: *apiBase}); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Login successful. Token valid until %s.", exp.Local().Format(time.RFC822)))
			return nil
		},
	}
}

func newLogoutCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Clear local session token",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cl.ClearSession(); err != nil {
				return err
			}
			printSuccess("Logged out.")
			return nil
		},
	}
}

func newHashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key",
		Short: "Print the bcrypt hash to set as GGPAY_ADMIN_KEY_HASH",
		RunE: func(cmd *cobra.Command, args []string) error {
			key, err := promptSecret("New admin key")
			if err != nil {
				return err
			}
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func newPlayerCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "player [user-id]",
		Short: "Show a player's account",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id, err := int64FromArgOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			acct, err := newClient(apiBase).Player(ctx, sess.AccessToken, id)
			if err != nil {
				return err
			}
			renderPlayer(acct)
			return nil
		},
	}
}

func newBanCmd(apiBase *string, ban bool) *cobra.Command {
	use, short, action := "ban", "Ban a player and end their session", "ban"
	if !ban {
		use, short, action = "unban", "Lift a player's ban", "unban"
	}
	return &cobra.Command{
		Use:   use + " [user-id]",
		Short: short,
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id, err := int64FromArgOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			var out map[string]any
			if ban {
				out, err = client.Ban(ctx, sess.AccessToken, id, idem)
			} else {
				out, err = client.Unban(ctx, sess.AccessToken, id, idem)
			}
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         http.MethodPost,
					Path:           cl.PlayerPath(id, action),
					IdempotencyKey: idem,
				})
			}
			renderSimpleOK(out, fmt.Sprintf("Player %d %sned.", id, action))
			return nil
		},
	}
}

func newCreditCmd(apiBase *string) *cobra.Command {
	var key string
	cmd := &cobra.Command{
		Use:   "credit [user-id] [amount]",
		Short: "Add (or with a negative amount, remove) GG on a player's primary card",
		Args:  cobra.MaximumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id, err := int64FromArgOrPrompt(args, 0, "User ID")
			if err != nil {
				return err
			}
			var amount float64
			if len(args) > 1 {
				amount, err = strconv.ParseFloat(strings.TrimSpace(args[1]), 64)
				if err != nil {
					return fmt.Errorf("invalid amount: %w", err)
				}
			} else if amount, err = promptFloat("Amount"); err != nil {
				return err
			}
			if key == "" {
				key = uuid.NewString()
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			out, err := newClient(apiBase).Credit(ctx, sess.AccessToken, id, amount, key)
			if err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         http.MethodPost,
					Path:           cl.PlayerPath(id, "credit"),
					Body:           map[string]any{"amount": amount},
					IdempotencyKey: key,
				})
			}
			total, _ := out["total_balance"].(float64)
			printSuccess(fmt.Sprintf("Credited %s GG to player %d. Total now %s GG.", colorizeGG(amount), id, formatGG(total)))
			return nil
		},
	}
	cmd.Flags().StringVar(&key, "key", "", "idempotency key (a random one is used when empty)")
	return cmd
}

func newBoostsCmd(apiBase *string) *cobra.Command {
	boosts := &cobra.Command{
		Use:   "boosts",
		Short: "Inspect and edit the boost catalog",
	}
	boosts.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List boost definitions",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			cfgs, err := newClient(apiBase).Boosts(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderBoostConfigs(cfgs)
			return nil
		},
	})

	var formula string
	var maxLevel int
	set := &cobra.Command{
		Use:   "set <boost-id>",
		Short: "Change a boost's cost formula or max level",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			id := game.BoostID(strings.ToUpper(strings.TrimSpace(args[0])))
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			client := newClient(apiBase)
			cfgs, err := client.Boosts(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			found := false
			for i := range cfgs {
				if cfgs[i].ID != id {
					continue
				}
				found = true
				if formula != "" {
					cfgs[i].CostFormula = formula
				}
				if maxLevel > 0 {
					cfgs[i].MaxLevel = maxLevel
				}
			}
			if !found {
				return fmt.Errorf("unknown boost %s", id)
			}
			if err := client.UpdateBoosts(ctx, sess.AccessToken, cfgs); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Boost %s updated.", id))
			return nil
		},
	}
	set.Flags().StringVar(&formula, "formula", "", "cost formula, e.g. \"floor(10 * 2.5 ** level)\"")
	set.Flags().IntVar(&maxLevel, "max-level", 0, "maximum level")
	boosts.AddCommand(set)
	return boosts
}

func newSettingsCmd(apiBase *string) *cobra.Command {
	settings := &cobra.Command{
		Use:   "settings",
		Short: "Read or replace game settings",
	}
	settings.AddCommand(&cobra.Command{
		Use:   "get",
		Short: "Print settings as JSON",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			s, err := newClient(apiBase).Settings(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(s)
		},
	})
	settings.AddCommand(&cobra.Command{
		Use:   "put <file.json>",
		Short: "Replace settings from a JSON file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			raw, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			var s game.Settings
			if err := json.Unmarshal(raw, &s); err != nil {
				return fmt.Errorf("parse %s: %w", args[0], err)
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if err := newClient(apiBase).UpdateSettings(ctx, sess.AccessToken, s); err != nil {
				return err
			}
			printSuccess("Settings updated.")
			return nil
		},
	})
	return settings
}

func newBroadcastCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "broadcast [message]",
		Short: "Publish a notification to every player",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			message := strings.TrimSpace(strings.Join(args, " "))
			if message == "" {
				if message, err = promptRequired("Message"); err != nil {
					return err
				}
			}
			idem := uuid.NewString()
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			if _, err := newClient(apiBase).Broadcast(ctx, sess.AccessToken, message, idem); err != nil {
				return queueOnNetworkError(err, syncq.Command{
					Method:         http.MethodPost,
					Path:           "/v1/admin/notifications",
					Body:           map[string]any{"message": message},
					IdempotencyKey: idem,
				})
			}
			printSuccess("Notification sent.")
			return nil
		},
	}
}

func newVerificationsCmd(apiBase *string) *cobra.Command {
	verifications := &cobra.Command{
		Use:     "verifications",
		Short:   "Review verification requests",
		Aliases: []string{"verify"},
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			reqs, err := newClient(apiBase).Verifications(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderVerifications(reqs)
			return nil
		},
	}
	for _, approve := range []bool{true, false} {
		use, verb := "approve", "approved"
		if !approve {
			use, verb = "reject", "rejected"
		}
		verifications.AddCommand(&cobra.Command{
			Use:   use + " [user-id]",
			Short: strings.ToUpper(use[:1]) + use[1:] + " a pending request",
			Args:  cobra.MaximumNArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				sess, err := loadSession()
				if err != nil {
					return err
				}
				id, err := int64FromArgOrPrompt(args, 0, "User ID")
				if err != nil {
					return err
				}
				ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
				defer cancel()
				if _, err := newClient(apiBase).DecideVerification(ctx, sess.AccessToken, id, approve); err != nil {
					return err
				}
				printSuccess(fmt.Sprintf("Verification for %d %s.", id, verb))
				return nil
			},
		})
	}
	return verifications
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var sortBy string
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Show the player leaderboard (needs GGPAY_INIT_DATA)",
		RunE: func(cmd *cobra.Command, args []string) error {
			initData := strings.TrimSpace(os.Getenv("GGPAY_INIT_DATA"))
			if initData == "" {
				return fmt.Errorf("set GGPAY_INIT_DATA to a signed Telegram initData string")
			}
			by := game.LeaderboardSort(strings.ToLower(strings.TrimSpace(sortBy)))
			ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
			defer cancel()
			rows, err := newClient(apiBase).Leaderboard(ctx, initData, by)
			if err != nil {
				return err
			}
			renderLeaderboard(rows, by)
			return nil
		},
	}
	cmd.Flags().StringVar(&sortBy, "sort", string(game.SortByBalance), "gg or boosts")
	return cmd
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay locally queued admin writes",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadSession()
			if err != nil {
				return err
			}
			queue, err := syncq.Load()
			if err != nil {
				return err
			}
			if len(queue) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			client := newClient(apiBase)
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()

			res, err := syncq.Drain(ctx, func(ctx context.Context, q syncq.Command) error {
				_, err := client.Do(ctx, q.Method, q.Path, sess.AccessToken, q.Body, q.IdempotencyKey)
				return err
			}, func(err error) bool {
				// the server answered, so replaying the same request cannot help
				return !cl.IsAPIError(err)
			})
			if err != nil {
				return err
			}
			for _, f := range res.Dropped {
				printError(fmt.Sprintf("Dropped %s %s: %v", f.Command.Method, f.Command.Path, f.Err))
			}
			for _, f := range res.Kept {
				printWarn(fmt.Sprintf("Still queued %s %s: %v", f.Command.Method, f.Command.Path, f.Err))
			}
			printSuccess(fmt.Sprintf("Sync complete: replayed=%d remaining=%d", res.Replayed, res.Remaining))
			return nil
		},
	}
}

// loadCLIConfig keeps going on a broken .env; the console stays usable with
// flags and the environment.
func loadCLIConfig(envFiles ...string) config.CLIConfig {
	if err := config.LoadDotEnv(envFiles...); err != nil {
		printWarn("Ignoring .env: " + err.Error())
	}
	return config.LoadCLIFromEnv()
}

// queueOnNetworkError stores a write the server never saw so `ggpay sync`
// can send it later. Errors the server answered are returned as is.
func queueOnNetworkError(err error, cmd syncq.Command) error {
	if err == nil {
		return nil
	}
	if cl.IsAPIError(err) {
		return err
	}
	if qerr := syncq.Push(cmd); qerr != nil {
		return fmt.Errorf("request failed and could not be queued: %v (queue: %w)", err, qerr)
	}
	printWarn(fmt.Sprintf("Server unreachable, queued %s %s. Run `ggpay sync` later.", cmd.Method, cmd.Path))
	return nil
}

func int64FromArgOrPrompt(args []string, idx int, label string) (int64, error) {
	if len(args) > idx {
		v, err := strconv.ParseInt(strings.TrimSpace(args[idx]), 10, 64)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", strings.ToLower(label), err)
		}
		return v, nil
	}
	return promptInt64(label, 1)
}
