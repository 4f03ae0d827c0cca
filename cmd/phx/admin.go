package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
)

// adminCall is the shared body of every admin subcommand.
func adminCall(cmd *cobra.Command, apiBase *string, method, path string, body map[string]any) error {
	sess, err := requireSession()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
	defer cancel()
	out, err := newClient(apiBase).Admin(ctx, sess.AccessToken, method, path, body)
	if err != nil {
		return err
	}
	printAdminResult(out)
	return nil
}

func printAdminResult(out map[string]any) {
	if len(out) == 0 {
		printSuccess("Done.")
		return
	}
	raw, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		printInfo(fmt.Sprint(out))
		return
	}
	printInfo(string(raw))
}

func parseOnOff(raw string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "on", "true", "open", "enable", "enabled":
		return true, nil
	case "off", "false", "closed", "disable", "disabled":
		return false, nil
	}
	return false, fmt.Errorf("expected on or off, got %q", raw)
}

func parseInt(raw, what string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a whole number", what)
	}
	return v, nil
}

func newAdminCmd(apiBase *string) *cobra.Command {
	admin := &cobra.Command{
		Use:   "admin",
		Short: "Market administration",
	}
	admin.AddCommand(
		&cobra.Command{
			Use:   "trading on|off",
			Short: "Open or close the market",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[0])
				if err != nil {
					return err
				}
				return adminCall(cmd, apiBase, http.MethodPut, "/settings/trading", map[string]any{"enabled": on})
			},
		},
		adminTextCmd(apiBase, "message", "Set the market message", "/settings/message"),
		adminTextCmd(apiBase, "ticker", "Set the ticker text", "/settings/ticker"),
		adminTextCmd(apiBase, "banner", "Set the banner image URL", "/settings/banner"),
		adminNumberCmd(apiBase, "cooldown SECONDS", "Set the per-account order cooldown", "/settings/cooldown"),
		adminNumberCmd(apiBase, "limit SHARES", "Set the per-character position limit (0 disables)", "/settings/max-shares"),
		&cobra.Command{
			Use:   "voting popularity|strength on|off",
			Short: "Enable or disable a voting category",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				on, err := parseOnOff(args[1])
				if err != nil {
					return err
				}
				return adminCall(cmd, apiBase, http.MethodPut, "/settings/voting", map[string]any{"category": args[0], "enabled": on})
			},
		},
		&cobra.Command{
			Use:   "freeze ID",
			Short: "Toggle the trading halt on a character",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodPost, "/freeze/"+args[0], nil)
			},
		},
		newAdminPriceCmd(apiBase),
		newAdminEventCmd(apiBase),
		newAdminCharacterCmd(apiBase),
		newAdminResetCmd(apiBase),
		&cobra.Command{
			Use:   "snapshot popularity|strength",
			Short: "Record current vote ranks as the previous ranks",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodPost, "/jobs/snapshot-ranks", map[string]any{"category": args[0]})
			},
		},
		&cobra.Command{
			Use:   "revalue",
			Short: "Recompute every public profile",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodPost, "/profiles/revalue", nil)
			},
		},
		&cobra.Command{
			Use:   "accounts",
			Short: "List accounts",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodGet, "/accounts", nil)
			},
		},
		&cobra.Command{
			Use:   "account ID",
			Short: "Show one account with holdings",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodGet, "/accounts/"+args[0], nil)
			},
		},
		&cobra.Command{
			Use:   "cash ID DELTA",
			Short: "Credit or debit an account",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				delta, err := parseInt(args[1], "delta")
				if err != nil {
					return err
				}
				return adminCall(cmd, apiBase, http.MethodPost, "/accounts/"+args[0]+"/cash", map[string]any{"delta": delta})
			},
		},
		adminBanCmd(apiBase, "ban", true),
		adminBanCmd(apiBase, "unban", false),
		&cobra.Command{
			Use:   "role ID user|worker|admin",
			Short: "Change an account's role",
			Args:  cobra.ExactArgs(2),
			RunE: func(cmd *cobra.Command, args []string) error {
				return adminCall(cmd, apiBase, http.MethodPut, "/accounts/"+args[0]+"/role", map[string]any{"role": args[1]})
			},
		},
	)
	return admin
}

func adminTextCmd(apiBase *string, name, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " [TEXT]",
		Short: short + " (no text clears it)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPut, path, map[string]any{"value": strings.Join(args, " ")})
		},
	}
}

func adminNumberCmd(apiBase *string, use, short, path string) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			v, err := parseInt(args[0], "value")
			if err != nil {
				return err
			}
			return adminCall(cmd, apiBase, http.MethodPut, path, map[string]any{"value": v})
		},
	}
}

func adminBanCmd(apiBase *string, use string, banned bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " ID",
		Short: strings.ToUpper(use[:1]) + use[1:] + " an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPut, "/accounts/"+args[0]+"/ban", map[string]any{"banned": banned})
		},
	}
}

func newAdminPriceCmd(apiBase *string) *cobra.Command {
	var (
		set   int64
		delta int64
	)
	cmd := &cobra.Command{
		Use:   "price ID",
		Short: "Set or shift a character's base price",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			setChanged := cmd.Flags().Changed("set")
			deltaChanged := cmd.Flags().Changed("delta")
			if setChanged == deltaChanged {
				return fmt.Errorf("pass exactly one of --set or --delta")
			}
			body := map[string]any{"mode": "set", "value": set}
			if deltaChanged {
				body = map[string]any{"mode": "delta", "value": delta}
			}
			return adminCall(cmd, apiBase, http.MethodPut, "/characters/"+args[0]+"/price", body)
		},
	}
	cmd.Flags().Int64Var(&set, "set", 0, "new base price")
	cmd.Flags().Int64Var(&delta, "delta", 0, "amount to add to the base price")
	return cmd
}

func newAdminEventCmd(apiBase *string) *cobra.Command {
	event := &cobra.Command{
		Use:   "event",
		Short: "Start or stop a market event",
	}
	var (
		description string
		multiplier  float64
	)
	start := &cobra.Command{
		Use:   "start NAME",
		Short: "Start an event that scales every price",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPost, "/event", map[string]any{
				"name":        strings.Join(args, " "),
				"description": description,
				"multiplier":  multiplier,
			})
		},
	}
	start.Flags().StringVar(&description, "description", "", "event description")
	start.Flags().Float64Var(&multiplier, "multiplier", 1.5, "price multiplier")
	stop := &cobra.Command{
		Use:   "stop",
		Short: "End the active event",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodDelete, "/event", nil)
		},
	}
	event.AddCommand(start, stop)
	return event
}

func newAdminCharacterCmd(apiBase *string) *cobra.Command {
	character := &cobra.Command{
		Use:   "character",
		Short: "Manage the character catalog",
	}

	var in struct {
		price  int64
		crew   string
		rarity string
		gender string
		waifu  bool
		image  string
	}
	add := &cobra.Command{
		Use:   "add NAME",
		Short: "List a new character",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPost, "/characters", map[string]any{
				"name":       strings.Join(args, " "),
				"base_price": in.price,
				"crew":       in.crew,
				"rarity":     in.rarity,
				"gender":     in.gender,
				"is_waifu":   in.waifu,
				"image_url":  in.image,
			})
		},
	}
	add.Flags().Int64Var(&in.price, "price", 100, "base price")
	add.Flags().StringVar(&in.crew, "crew", "", "crew")
	add.Flags().StringVar(&in.rarity, "rarity", "", "rarity")
	add.Flags().StringVar(&in.gender, "gender", "male", "male or female")
	add.Flags().BoolVar(&in.waifu, "waifu", false, "votes in the waifu bucket")
	add.Flags().StringVar(&in.image, "image", "", "image URL")

	edit := &cobra.Command{
		Use:   "edit ID",
		Short: "Change character details",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body := map[string]any{}
			flags := cmd.Flags()
			for flag, field := range map[string]string{"name": "name", "crew": "crew", "rarity": "rarity", "gender": "gender", "image": "image_url"} {
				if flags.Changed(flag) {
					v, _ := flags.GetString(flag)
					body[field] = v
				}
			}
			if flags.Changed("waifu") {
				v, _ := flags.GetBool("waifu")
				body["is_waifu"] = v
			}
			if len(body) == 0 {
				return fmt.Errorf("nothing to change")
			}
			return adminCall(cmd, apiBase, http.MethodPatch, "/characters/"+args[0], body)
		},
	}
	edit.Flags().String("name", "", "display name")
	edit.Flags().String("crew", "", "crew")
	edit.Flags().String("rarity", "", "rarity")
	edit.Flags().String("gender", "", "male or female")
	edit.Flags().Bool("waifu", false, "votes in the waifu bucket")
	edit.Flags().String("image", "", "image URL")

	remove := &cobra.Command{
		Use:   "delete ID",
		Short: "Delist a character",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodDelete, "/characters/"+args[0], nil)
		},
	}

	seed := &cobra.Command{
		Use:   "seed",
		Short: "Seed an empty catalog with the default roster",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPost, "/catalog/seed", map[string]any{})
		},
	}

	character.AddCommand(add, edit, remove, seed)
	return character
}

func newAdminResetCmd(apiBase *string) *cobra.Command {
	reset := &cobra.Command{
		Use:   "reset",
		Short: "Zero vote counters",
	}
	popularity := &cobra.Command{
		Use:   "popularity male|female|waifu",
		Short: "Reset popularity votes in one bucket",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPost, "/jobs/reset-popularity", map[string]any{"bucket": args[0]})
		},
	}
	strength := &cobra.Command{
		Use:   "strength",
		Short: "Reset strength votes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return adminCall(cmd, apiBase, http.MethodPost, "/jobs/reset-strength", nil)
		},
	}
	reset.AddCommand(popularity, strength)
	return reset
}
