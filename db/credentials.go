package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/onnwee/chzzk-bot/crypto"
)

// Credentials is the stored login cookie pair of an account.
type Credentials struct {
	NidAut    string
	NidSes    string
	UpdatedAt time.Time
}

// UpsertCredentials stores or replaces the cookies for account.
// With a non-nil enc the values are encrypted (encryption_version=1);
// otherwise they are stored in plaintext (encryption_version=0).
func UpsertCredentials(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, account string, c Credentials) error {
	encVersion := 0
	encKeyID := ""
	autToStore, sesToStore := c.NidAut, c.NidSes

	if enc != nil {
		encVersion = 1
		encKeyID = "default"
		var err error
		if autToStore, err = crypto.EncryptString(enc, c.NidAut); err != nil {
			return fmt.Errorf("encrypt NID_AUT: %w", err)
		}
		if sesToStore, err = crypto.EncryptString(enc, c.NidSes); err != nil {
			return fmt.Errorf("encrypt NID_SES: %w", err)
		}
	}

	q := `INSERT INTO credentials(account, nid_aut, nid_ses, encryption_version, encryption_key_id, updated_at)
		  VALUES($1,$2,$3,$4,$5,NOW())
		  ON CONFLICT(account) DO UPDATE SET
		    nid_aut=EXCLUDED.nid_aut,
		    nid_ses=EXCLUDED.nid_ses,
		    encryption_version=EXCLUDED.encryption_version,
		    encryption_key_id=EXCLUDED.encryption_key_id,
		    updated_at=NOW()`
	_, err := dbx.ExecContext(ctx, q, account, autToStore, sesToStore, encVersion, encKeyID)
	return err
}

// GetCredentials returns the cookies stored for account; found is false when
// there is no row. Encrypted rows need enc.
func GetCredentials(ctx context.Context, dbx *sql.DB, enc crypto.Encryptor, account string) (c Credentials, found bool, err error) {
	var encVersion int
	var aut, ses sql.NullString
	var updated sql.NullTime

	row := dbx.QueryRowContext(ctx,
		`SELECT nid_aut, nid_ses, updated_at, COALESCE(encryption_version, 0)
		 FROM credentials WHERE account = $1`, account)
	err = row.Scan(&aut, &ses, &updated, &encVersion)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, false, nil
	}
	if err != nil {
		return Credentials{}, false, err
	}
	c = Credentials{NidAut: aut.String, NidSes: ses.String, UpdatedAt: updated.Time}

	if encVersion == 1 {
		if enc == nil {
			return Credentials{}, true, fmt.Errorf("credentials are encrypted but ENCRYPTION_KEY not configured")
		}
		if c.NidAut, err = crypto.DecryptString(enc, c.NidAut); err != nil {
			return Credentials{}, true, fmt.Errorf("decrypt NID_AUT: %w", err)
		}
		if c.NidSes, err = crypto.DecryptString(enc, c.NidSes); err != nil {
			return Credentials{}, true, fmt.Errorf("decrypt NID_SES: %w", err)
		}
	}
	return c, true, nil
}
