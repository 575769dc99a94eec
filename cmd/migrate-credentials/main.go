// Command migrate-credentials encrypts stored login cookies that were saved
// in plaintext (encryption_version=0) before ENCRYPTION_KEY was configured.
//
// Usage:
//
//	migrate-credentials [--dry-run] [--account NAME]
//
// Environment Variables:
//
//	DB_DSN: Database connection string (required)
//	ENCRYPTION_KEY: Base64-encoded 32-byte encryption key (required)
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"log/slog"
	"os"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/onnwee/chzzk-bot/crypto"
)

type credentialRow struct {
	Account string
	NidAut  string
	NidSes  string
}

func main() {
	dryRun := flag.Bool("dry-run", false, "Show what would be migrated without making changes")
	account := flag.String("account", "", "Migrate a single account only (default: all)")
	flag.Parse()

	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})))

	dsn := os.Getenv("DB_DSN")
	if dsn == "" {
		slog.Error("DB_DSN environment variable is required")
		os.Exit(1)
	}
	enc, err := crypto.NewAESEncryptor(os.Getenv("ENCRYPTION_KEY"))
	if err != nil {
		slog.Error("failed to initialize encryptor (ENCRYPTION_KEY)", slog.Any("err", err))
		os.Exit(1)
	}

	database, err := sql.Open("pgx", dsn)
	if err != nil {
		slog.Error("failed to open database", slog.Any("err", err))
		os.Exit(1)
	}
	defer database.Close()

	ctx := context.Background()
	if err := database.PingContext(ctx); err != nil {
		slog.Error("failed to ping database", slog.Any("err", err))
		os.Exit(1)
	}
	n, err := migrateCredentials(ctx, database, enc, *dryRun, *account)
	if err != nil {
		slog.Error("migration failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("migration completed", slog.Int("migrated", n), slog.Bool("dry_run", *dryRun))
}

// migrateCredentials encrypts every plaintext row (optionally one account)
// and returns how many rows were, or in dry-run mode would be, migrated.
func migrateCredentials(ctx context.Context, database *sql.DB, enc crypto.Encryptor, dryRun bool, accountFilter string) (int, error) {
	query := `SELECT account, COALESCE(nid_aut, ''), COALESCE(nid_ses, '')
		FROM credentials WHERE COALESCE(encryption_version, 0) = 0`
	var args []any
	if accountFilter != "" {
		query += " AND account = $1"
		args = append(args, accountFilter)
	}
	query += " ORDER BY account"

	rows, err := database.QueryContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("query plaintext credentials: %w", err)
	}
	var pending []credentialRow
	for rows.Next() {
		var r credentialRow
		if err := rows.Scan(&r.Account, &r.NidAut, &r.NidSes); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan credential row: %w", err)
		}
		pending = append(pending, r)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("iterate credential rows: %w", err)
	}
	if len(pending) == 0 {
		slog.Info("no plaintext credentials found")
		return 0, nil
	}

	migrated, failed := 0, 0
	for _, r := range pending {
		log := slog.With(slog.String("account", r.Account))
		if dryRun {
			log.Info("would encrypt credentials (dry-run)")
			migrated++
			continue
		}
		if err := encryptRow(ctx, database, enc, r); err != nil {
			log.Error("failed to encrypt credentials", slog.Any("err", err))
			failed++
			continue
		}
		log.Info("credentials encrypted")
		migrated++
	}
	if failed > 0 {
		return migrated, fmt.Errorf("migration completed with %d errors", failed)
	}
	return migrated, nil
}

func encryptRow(ctx context.Context, database *sql.DB, enc crypto.Encryptor, r credentialRow) error {
	aut, err := crypto.EncryptString(enc, r.NidAut)
	if err != nil {
		return fmt.Errorf("encrypt NID_AUT: %w", err)
	}
	ses, err := crypto.EncryptString(enc, r.NidSes)
	if err != nil {
		return fmt.Errorf("encrypt NID_SES: %w", err)
	}

	tx, err := database.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck // no-op after commit

	res, err := tx.ExecContext(ctx, `UPDATE credentials
		SET nid_aut = $1, nid_ses = $2, encryption_version = 1, encryption_key_id = 'default', updated_at = NOW()
		WHERE account = $3 AND COALESCE(encryption_version, 0) = 0`, aut, ses, r.Account)
	if err != nil {
		return fmt.Errorf("update credentials: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n != 1 {
		return fmt.Errorf("expected 1 row updated, got %d (modified concurrently?)", n)
	}
	return tx.Commit()
}
