package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"attendd/pkg/db"
	gos3 "attendd/pkg/s3"
	"attendd/services/profiles"
)

func newProfilesCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profiles",
		Short: "Encrypted face profile export and import",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.AddCommand(newProfilesExportCommand())
	cmd.AddCommand(newProfilesImportCommand())
	return cmd
}

func newProfilesExportCommand() *cobra.Command {
	var (
		dsn        string
		output     string
		recipients []string
		bucket     string
	)

	cmd := &cobra.Command{
		Use:   "export",
		Short: "Write every face profile to an age-encrypted archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDSN(dsn); err != nil {
				return err
			}
			ctx := commandContext(cmd)

			keys, err := profiles.ParseRecipients(recipients)
			if err != nil {
				return err
			}

			database, err := db.OpenGorm(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.CloseGorm(database)

			list, err := profiles.NewGormRepository(database).List(ctx)
			if err != nil {
				return fmt.Errorf("list profiles: %w", err)
			}

			var buf bytes.Buffer
			if err := profiles.Export(&buf, profiles.NewManifest(list, time.Now()), keys...); err != nil {
				return err
			}

			if dir := filepath.Dir(output); dir != "." {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return fmt.Errorf("create output dir: %w", err)
				}
			}
			if err := os.WriteFile(output, buf.Bytes(), 0o600); err != nil {
				return fmt.Errorf("write archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s (%d profiles)\n", output, len(list))

			if bucket == "" {
				return nil
			}
			s3Client, err := gos3.NewClientFromEnv(ctx)
			if err != nil {
				return fmt.Errorf("s3 client: %w", err)
			}
			key := "profile-archives/" + filepath.Base(output)
			if err := s3Client.PutObject(ctx, bucket, key, "application/age-encryption", buf.Bytes()); err != nil {
				return fmt.Errorf("upload archive: %w", err)
			}
			url, err := s3Client.PresignGet(ctx, bucket, key, time.Hour)
			if err != nil {
				return fmt.Errorf("presign archive: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded s3://%s/%s\n%s\n", bucket, key, url)
			return nil
		},
	}

	dsnFlag(cmd, &dsn)
	cmd.Flags().StringVar(&output, "output", "", "Destination archive file")
	cmd.Flags().StringArrayVar(&recipients, "recipient", nil, "age X25519 recipient (repeatable)")
	cmd.Flags().StringVar(&bucket, "bucket", "", "Optional bucket to upload the archive to")
	_ = cmd.MarkFlagRequired("output")
	_ = cmd.MarkFlagRequired("recipient")
	return cmd
}

func newProfilesImportCommand() *cobra.Command {
	var (
		dsn          string
		file         string
		identityFile string
	)

	cmd := &cobra.Command{
		Use:   "import",
		Short: "Restore face profiles from an archive, replacing existing ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireDSN(dsn); err != nil {
				return err
			}
			ctx := commandContext(cmd)

			keyFile, err := os.Open(identityFile)
			if err != nil {
				return fmt.Errorf("open identity file: %w", err)
			}
			identities, err := profiles.ParseIdentities(keyFile)
			keyFile.Close()
			if err != nil {
				return err
			}

			archive, err := os.Open(file)
			if err != nil {
				return fmt.Errorf("open archive: %w", err)
			}
			defer archive.Close()

			manifest, err := profiles.Import(archive, identities...)
			if err != nil {
				return err
			}

			database, err := db.OpenGorm(ctx, dsn)
			if err != nil {
				return fmt.Errorf("connect database: %w", err)
			}
			defer db.CloseGorm(database)

			n, err := profiles.Restore(ctx, profiles.NewGormRepository(database), manifest)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "restored %d profiles exported %s\n", n, manifest.ExportedAt.Format(time.RFC3339))
			return nil
		},
	}

	dsnFlag(cmd, &dsn)
	cmd.Flags().StringVar(&file, "file", "", "Archive to import")
	cmd.Flags().StringVar(&identityFile, "identity-file", "", "age identity file able to decrypt the archive")
	_ = cmd.MarkFlagRequired("file")
	_ = cmd.MarkFlagRequired("identity-file")
	return cmd
}
