package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	cl "phimarket/internal/cli"
	"phimarket/internal/config"
	"phimarket/internal/syncq"
)

const requestTimeout = 30 * time.Second

func main() {
	cfg := config.LoadCLIFromEnv()
	apiBase := cfg.APIBaseURL

	root := &cobra.Command{
		Use:          "phx",
		Short:        "Phi Market terminal client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&apiBase, "api", apiBase, "Phi Market API base URL")

	root.AddCommand(
		newSignupCmd(&apiBase),
		newLoginCmd(&apiBase),
		newLogoutCmd(),
		newDashCmd(&apiBase),
		newUsernameCmd(&apiBase),
		newMarketCmd(&apiBase),
		newOrderCmd(&apiBase, "buy"),
		newOrderCmd(&apiBase, "sell"),
		newSyncCmd(&apiBase),
		newVoteCmd(&apiBase),
		newLeaderboardCmd(&apiBase),
		newTradesCmd(&apiBase),
		newWatchCmd(&apiBase),
		newAdminCmd(&apiBase),
	)

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newClient(apiBase *string) *cl.Client {
	return cl.NewClient(strings.TrimRight(strings.TrimSpace(*apiBase), "/"))
}

func requireSession() (cl.Session, error) {
	sess, err := cl.LoadSession()
	if err != nil {
		return cl.Session{}, fmt.Errorf("login required: %w", err)
	}
	return sess, nil
}

func openQueue() (*syncq.Queue, error) {
	dir, err := cl.BaseDir()
	if err != nil {
		return nil, err
	}
	return syncq.Open(dir)
}

func newSignupCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "signup",
		Short: "Create a Phi Market account",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			username, err := promptOptional("Username (optional)")
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := newClient(apiBase).Signup(ctx, email, password, username)
			if err != nil {
				return err
			}
			if strings.TrimSpace(session.AccessToken) == "" {
				printWarn("Signup created. Verify email, then run `phx login`.")
				return nil
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Signup complete. You start with Φ5,000.")
			return nil
		},
	}
}

func newLoginCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "login",
		Short: "Login to Phi Market",
		RunE: func(cmd *cobra.Command, args []string) error {
			email, err := promptRequired("Email")
			if err != nil {
				return err
			}
			password, err := promptPassword("Password")
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			session, err := newClient(apiBase).Login(ctx, email, password)
			if err != nil {
				return err
			}
			if err := cl.SaveSession(cl.Session{
				AccessToken:  session.AccessToken,
				RefreshToken: session.RefreshToken,
				Email:        session.User.Email,
				UserID:       session.User.ID,
			}); err != nil {
				return err
			}
			printSuccess("Login successful.")
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

func newDashCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dash",
		Short: "Show your portfolio and net worth",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).Portfolio(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderPortfolio(out)
			if queue, err := openQueue(); err == nil {
				if pending, err := queue.Load(); err == nil && len(pending) > 0 {
					printWarn(fmt.Sprintf("%d offline order(s) queued. Run `phx sync`.", len(pending)))
				}
			}
			return nil
		},
	}
}

func newUsernameCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "username NAME",
		Short: "Change your public username",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			acct, err := newClient(apiBase).SetUsername(ctx, sess.AccessToken, args[0])
			if err != nil {
				return err
			}
			printSuccess("Username set to " + acct.Username + ".")
			return nil
		},
	}
}

func newMarketCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "market [ID]",
		Short: "List the market or inspect one character",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			client := newClient(apiBase)
			if len(args) == 1 {
				out, err := client.MarketCharacter(ctx, sess.AccessToken, strings.ToLower(strings.TrimSpace(args[0])))
				if err != nil {
					return err
				}
				renderCharacter(out)
				return nil
			}
			out, err := client.Market(ctx, sess.AccessToken)
			if err != nil {
				return err
			}
			renderMarket(out)
			return nil
		},
	}
}

func newOrderCmd(apiBase *string, side string) *cobra.Command {
	return &cobra.Command{
		Use:   side + " ID QTY",
		Short: strings.ToUpper(side[:1]) + side[1:] + " whole shares of a character",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			qty, err := parseQty(args[1])
			if err != nil {
				return err
			}
			order := syncq.Order{
				IdempotencyKey: uuid.NewString(),
				CharacterID:    strings.ToLower(strings.TrimSpace(args[0])),
				Side:           strings.ToUpper(side),
				Qty:            qty,
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).PlaceOrder(ctx, sess.AccessToken, order.CharacterID, order.Side, order.IdempotencyKey, order.Qty)
			if err != nil {
				return queueOnNetworkError(err, order)
			}
			renderReceipt(out)
			return nil
		},
	}
}

func parseQty(raw string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || v <= 0 {
		return 0, fmt.Errorf("quantity must be a positive whole number")
	}
	return v, nil
}

// queueOnNetworkError keeps orders that may never have reached the server.
// The server answers a replay of an applied key with duplicate_request.
func queueOnNetworkError(err error, order syncq.Order) error {
	if !cl.IsTransport(err) {
		return err
	}
	queue, qerr := openQueue()
	if qerr != nil {
		return fmt.Errorf("request failed (%v) and queueing failed: %w", err, qerr)
	}
	order.QueuedAt = time.Now().UTC()
	if qerr := queue.Push(order); qerr != nil {
		return fmt.Errorf("request failed (%v) and queueing failed: %w", err, qerr)
	}
	printWarn(fmt.Sprintf("Network error: %v", err))
	printWarn("Order queued offline. Run `phx sync` when you are back online.")
	return nil
}

func newSyncCmd(apiBase *string) *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Replay offline orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			queue, err := openQueue()
			if err != nil {
				return err
			}
			pending, err := queue.Load()
			if err != nil {
				return err
			}
			if len(pending) == 0 {
				printInfo("Sync queue is empty.")
				return nil
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), 60*time.Second)
			defer cancel()
			results, err := newClient(apiBase).SyncReplay(ctx, sess.AccessToken, pending)
			if err != nil {
				return err
			}
			done, applied := settledKeys(results)
			for _, r := range results {
				if !r.Applied && r.Code != "duplicate_request" {
					printError(fmt.Sprintf("Order %s rejected: %s", r.IdempotencyKey, r.Error))
				}
			}
			if err := queue.Drop(done...); err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Sync complete: applied=%d settled=%d remaining=%d", applied, len(done), len(pending)-len(done)))
			return nil
		},
	}
}

// settledKeys lists the orders the server has given a final answer for.
// Only conflicts worth retrying stay queued.
func settledKeys(results []cl.ReplayResult) ([]string, int) {
	var keys []string
	applied := 0
	for _, r := range results {
		if r.Applied {
			applied++
		}
		if r.Code == "transaction_conflict" {
			continue
		}
		keys = append(keys, r.IdempotencyKey)
	}
	return keys, applied
}

func newVoteCmd(apiBase *string) *cobra.Command {
	var category string
	cmd := &cobra.Command{
		Use:   "vote ID",
		Short: "Cast your daily vote for a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).Vote(ctx, sess.AccessToken, strings.ToLower(strings.TrimSpace(args[0])), category)
			if err != nil {
				return err
			}
			printSuccess(fmt.Sprintf("Voted %s for %s (%s bucket). Total votes: %d.", out.Category, out.CharacterID, out.Bucket, out.Votes))
			return nil
		},
	}
	cmd.Flags().StringVarP(&category, "category", "c", "popularity", "popularity or strength")
	return cmd
}

func newLeaderboardCmd(apiBase *string) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "leaderboard",
		Short: "Top traders by net worth",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			rows, err := newClient(apiBase).Leaderboard(ctx, sess.AccessToken, limit)
			if err != nil {
				return err
			}
			renderLeaderboard(rows)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "rows to show")
	return cmd
}

func newTradesCmd(apiBase *string) *cobra.Command {
	var (
		character string
		market    bool
		limit     int
	)
	cmd := &cobra.Command{
		Use:   "trades",
		Short: "Show your trade history",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := requireSession()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
			defer cancel()
			out, err := newClient(apiBase).Trades(ctx, sess.AccessToken, character, market, limit)
			if err != nil {
				return err
			}
			renderTrades(out)
			return nil
		},
	}
	cmd.Flags().StringVar(&character, "character", "", "only trades for this character id")
	cmd.Flags().BoolVar(&market, "market", false, "show the whole market's recent trades")
	cmd.Flags().IntVarP(&limit, "limit", "n", 25, "rows to show")
	return cmd
}
