package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"attendd/pkg/db"
	"attendd/services/token"
)

func main() {
	_ = godotenv.Load()

	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "attendctl",
		Short:         "Administrative tooling for the attendd service",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.SetOut(out)

	cmd.AddCommand(newTokenCommand())
	cmd.AddCommand(newDBCommand())
	cmd.AddCommand(newProfilesCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

func dsnFlag(cmd *cobra.Command, dsn *string) {
	cmd.Flags().StringVar(dsn, "dsn", os.Getenv("DB_DSN"), "Postgres DSN (defaults to $DB_DSN)")
}

func requireDSN(dsn string) error {
	if strings.TrimSpace(dsn) == "" {
		return errors.New("--dsn or DB_DSN is required")
	}
	return nil
}

func newTokenCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and mint session tokens",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newTokenDecodeCommand())
	cmd.AddCommand(newTokenMintCommand())
	return cmd
}

type decodedToken struct {
	ClassID          string    `json:"class_id"`
	SessionID        string    `json:"session_id"`
	SessionTimestamp time.Time `json:"session_timestamp"`
	Legacy           bool      `json:"legacy"`
	ExpiresAt        time.Time `json:"expires_at"`
	Expired          bool      `json:"expired"`
}

func newTokenDecodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "decode <token>",
		Short: "Decode a session token and report whether it is still redeemable",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			payload, err := token.Decode(args[0])
			if err != nil {
				return err
			}
			expiresAt := payload.SessionTimestamp.Add(token.TTL)
			out := decodedToken{
				ClassID:          payload.ClassID,
				SessionID:        payload.SessionID,
				SessionTimestamp: payload.SessionTimestamp,
				Legacy:           payload.Legacy,
				ExpiresAt:        expiresAt,
				Expired:          token.CheckExpiry(expiresAt, time.Now()) != nil,
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
}

func newTokenMintCommand() *cobra.Command {
	var (
		classID   string
		sessionID string
	)

	cmd := &cobra.Command{
		Use:   "mint",
		Short: "Mint a secure token for a session created now",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			tok, err := token.NewCodec(func() time.Time { return now }).Encode(token.Source{
				ClassID:   classID,
				SessionID: sessionID,
				CreatedAt: now,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\nexpires %s\n", tok.Value, tok.ExpiresAt.UTC().Format(time.RFC3339))
			return nil
		},
	}

	cmd.Flags().StringVar(&classID, "class", "", "Class identifier")
	cmd.Flags().StringVar(&sessionID, "session", "", "Session identifier")
	_ = cmd.MarkFlagRequired("class")
	_ = cmd.MarkFlagRequired("session")
	return cmd
}

func newDBCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "db",
		Short: "Database maintenance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	var dsn string
	migrate := &cobra.Command{
		Use:   "migrate",
		Short: "Apply pending schema migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDSN(dsn); err != nil {
				return err
			}
			ctx := commandContext(cmd)
			pool, err := db.Open(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer pool.Close()

			if err := db.Migrate(ctx, pool); err != nil {
				return fmt.Errorf("migrate: %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), "migrations applied")
			return nil
		},
	}
	dsnFlag(migrate, &dsn)
	cmd.AddCommand(migrate)
	return cmd
}
