package main

import (
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/google/uuid"
	"github.com/remote-agent-terminal/gateway/internal/auth"
	"github.com/remote-agent-terminal/gateway/internal/db"
	"github.com/remote-agent-terminal/gateway/internal/model"
	"github.com/remote-agent-terminal/gateway/internal/repository"
	"github.com/spf13/cobra"
)

func newTargetCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "target",
		Short: "Manage execution targets",
	}

	var (
		name    string
		workdir string
		env     map[string]string
	)
	add := &cobra.Command{
		Use:   "add -- COMMAND [ARGS...]",
		Short: "Register a target",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := openDB(cfg); err != nil {
				return err
			}
			defer db.ResetDB()

			target := &model.Target{
				ID:        uuid.NewString(),
				Name:      name,
				Command:   strings.Join(args, " "),
				Workdir:   workdir,
				Env:       env,
				CreatedAt: time.Now().UTC(),
			}
			if err := repository.NewTargetRepository(db.GetDB()).Create(cmd.Context(), target); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "registered target %q\n", target.Command)
			fmt.Fprintln(cmd.OutOrStdout(), target.ID)
			return nil
		},
	}
	add.Flags().StringVar(&name, "name", "", "display name")
	add.Flags().StringVar(&workdir, "workdir", "", "working directory (~ expands to the home directory)")
	add.Flags().StringToStringVar(&env, "env", nil, "environment variables (KEY=VALUE, repeatable)")

	list := &cobra.Command{
		Use:   "list",
		Short: "List targets",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := openDB(cfg); err != nil {
				return err
			}
			defer db.ResetDB()

			targets, err := repository.NewTargetRepository(db.GetDB()).List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			if len(targets) == 0 {
				color.New(color.FgYellow).Fprintln(cmd.ErrOrStderr(), "no targets registered")
				return nil
			}
			fmt.Fprintln(w, "ID\tNAME\tCOMMAND\tWORKDIR")
			for _, t := range targets {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Name, t.Command, t.Workdir)
			}
			return w.Flush()
		},
	}

	cmd.AddCommand(add, list)
	return cmd
}

func newUserCmd(load configLoader) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage users",
	}

	var (
		email     string
		firstName string
		lastName  string
		teams     []string
	)
	add := &cobra.Command{
		Use:   "add ID",
		Short: "Register a user",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if err := openDB(cfg); err != nil {
				return err
			}
			defer db.ResetDB()

			user := &model.User{
				ID:        args[0],
				Email:     email,
				FirstName: firstName,
				LastName:  lastName,
				Teams:     teams,
				CreatedAt: time.Now().UTC(),
			}
			if err := repository.NewUserRepository(db.GetDB()).Create(cmd.Context(), user); err != nil {
				return err
			}
			color.New(color.FgGreen).Fprintf(cmd.ErrOrStderr(), "registered user %s\n", user.ID)
			fmt.Fprintln(cmd.OutOrStdout(), user.ID)
			return nil
		},
	}
	add.Flags().StringVar(&email, "email", "", "email address")
	add.Flags().StringVar(&firstName, "first-name", "", "first name")
	add.Flags().StringVar(&lastName, "last-name", "", "last name")
	add.Flags().StringSliceVar(&teams, "team", nil, "team ids (repeatable)")

	cmd.AddCommand(add)
	return cmd
}

func newTokenCmd(load configLoader) *cobra.Command {
	var ttl time.Duration
	cmd := &cobra.Command{
		Use:   "token USER_ID",
		Short: "Issue a bearer token signed with auth.secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load(cmd)
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return fmt.Errorf("auth.secret is not configured")
			}
			token, err := auth.IssueToken([]byte(cfg.Auth.Secret), args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().DurationVar(&ttl, "ttl", 24*time.Hour, "token lifetime; 0 never expires")
	return cmd
}
