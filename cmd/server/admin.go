package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"roomcast/internal/ids"
	"roomcast/internal/model"
	"roomcast/internal/store"
)

func newMigrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Create or update the database schema",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()
			fmt.Fprintf(cmd.OutOrStdout(), "✅ Schema is up to date (%s)\n", a.store.Dialect())
			return nil
		},
	}
}

// newUserCmd manages the user directory. Accounts normally come from the
// upstream identity provider; these commands cover local setups and support.
func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}
	cmd.AddCommand(newUserAddCmd(), newUserListCmd(), newUserDisableCmd(true), newUserDisableCmd(false))
	return cmd
}

func newUserAddCmd() *cobra.Command {
	var (
		name   string
		admin  bool
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "add <email>",
		Short: "Add a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			email := strings.TrimSpace(args[0])
			if !strings.Contains(email, "@") {
				return fmt.Errorf("invalid email %q", email)
			}
			if name == "" {
				name, _, _ = strings.Cut(email, "@")
			}

			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			u := model.User{
				ID:          ids.NewID(),
				Email:       email,
				DisplayName: name,
				IsAdmin:     admin,
				CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
			}
			if err := a.store.CreateUser(cmd.Context(), u); err != nil {
				if errors.Is(err, store.ErrDuplicate) {
					return fmt.Errorf("a user with email %s already exists", email)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if asJSON {
				return json.NewEncoder(out).Encode(u)
			}
			fmt.Fprintf(out, "✅ Created user %s (%s) id=%s\n", u.DisplayName, u.Email, u.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "display name (defaults to the email local part)")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant global admin")
	cmd.Flags().BoolVar(&asJSON, "json", false, "output in JSON format")
	return cmd
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List users",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			users, err := a.store.ListUsers(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, u := range users {
				var flags []string
				if u.IsAdmin {
					flags = append(flags, "admin")
				}
				if u.IsDisabled {
					flags = append(flags, "disabled")
				}
				fmt.Fprintf(out, "%s  %-24s %-32s %s %s\n",
					u.ID, u.DisplayName, u.Email, humanize.Time(u.CreatedAt), strings.Join(flags, ","))
			}
			return nil
		},
	}
}

// newUserDisableCmd builds "disable" or, with disable unset, "enable".
func newUserDisableCmd(disable bool) *cobra.Command {
	use, verb := "enable <user-id>", "Enable"
	if disable {
		use, verb = "disable <user-id>", "Disable"
	}
	return &cobra.Command{
		Use:   use,
		Short: verb + " a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := bootstrap(cmd.Context())
			if err != nil {
				return err
			}
			defer a.close()

			if err := a.store.SetUserDisabled(cmd.Context(), args[0], disable); err != nil {
				if errors.Is(err, store.ErrNotFound) {
					return fmt.Errorf("user %s not found", args[0])
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "✅ %sd user %s\n", verb, args[0])
			return nil
		},
	}
}
