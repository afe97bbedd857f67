package database

import (
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionRow is the persisted form of an account session. The refresh token
// arrives here already sealed; this layer never sees it in the clear.
type SessionRow struct {
	AccessToken        string
	SealedRefreshToken string
	TokenType          string
	Expires            string
	AccountID          string
	ExternalID         string
	ClientKind         string
	CMSBucket          string
	CMSPolicy          string
	CMSSignature       string
	CMSKeyPairID       string
	UpdatedAt          time.Time
}

// SaveSession stores the single account session row, replacing any previous one.
func (db *DB) SaveSession(row *SessionRow) error {
	_, err := db.Exec(`
		INSERT INTO account_session (
			id, access_token, refresh_token, token_type, expires, account_id,
			external_id, client_kind, cms_bucket, cms_policy, cms_signature,
			cms_key_pair_id, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			access_token = excluded.access_token,
			refresh_token = excluded.refresh_token,
			token_type = excluded.token_type,
			expires = excluded.expires,
			account_id = excluded.account_id,
			external_id = excluded.external_id,
			client_kind = excluded.client_kind,
			cms_bucket = excluded.cms_bucket,
			cms_policy = excluded.cms_policy,
			cms_signature = excluded.cms_signature,
			cms_key_pair_id = excluded.cms_key_pair_id,
			updated_at = excluded.updated_at
	`, row.AccessToken, row.SealedRefreshToken, row.TokenType, row.Expires,
		row.AccountID, row.ExternalID, row.ClientKind, row.CMSBucket,
		row.CMSPolicy, row.CMSSignature, row.CMSKeyPairID, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// GetSession loads the persisted session, or nil when none is stored.
func (db *DB) GetSession() (*SessionRow, error) {
	row := &SessionRow{}
	err := db.QueryRow(`
		SELECT access_token, refresh_token, token_type, expires, account_id,
			external_id, client_kind, cms_bucket, cms_policy, cms_signature,
			cms_key_pair_id, updated_at
		FROM account_session WHERE id = 1
	`).Scan(&row.AccessToken, &row.SealedRefreshToken, &row.TokenType,
		&row.Expires, &row.AccountID, &row.ExternalID, &row.ClientKind,
		&row.CMSBucket, &row.CMSPolicy, &row.CMSSignature, &row.CMSKeyPairID,
		&row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	return row, nil
}

// DeleteSession removes the persisted session
func (db *DB) DeleteSession() error {
	_, err := db.Exec("DELETE FROM account_session WHERE id = 1")
	if err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// ProfileRow is the persisted active profile selection.
type ProfileRow struct {
	ProfileID        string
	ProfileName      string
	Username         string
	Avatar           string
	AudioLanguage    string
	SubtitleLanguage string
	MaturityRating   string
	UpdatedAt        time.Time
}

// SaveProfile stores the active profile selection, replacing any previous one.
func (db *DB) SaveProfile(row *ProfileRow) error {
	_, err := db.Exec(`
		INSERT INTO profile (
			id, profile_id, profile_name, username, avatar, audio_language,
			subtitle_language, maturity_rating, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			profile_id = excluded.profile_id,
			profile_name = excluded.profile_name,
			username = excluded.username,
			avatar = excluded.avatar,
			audio_language = excluded.audio_language,
			subtitle_language = excluded.subtitle_language,
			maturity_rating = excluded.maturity_rating,
			updated_at = excluded.updated_at
	`, row.ProfileID, row.ProfileName, row.Username, row.Avatar,
		row.AudioLanguage, row.SubtitleLanguage, row.MaturityRating, time.Now())
	if err != nil {
		return fmt.Errorf("failed to save profile: %w", err)
	}
	return nil
}

// GetProfile loads the persisted profile selection, or nil when none is stored.
func (db *DB) GetProfile() (*ProfileRow, error) {
	row := &ProfileRow{}
	err := db.QueryRow(`
		SELECT profile_id, profile_name, username, avatar, audio_language,
			subtitle_language, maturity_rating, updated_at
		FROM profile WHERE id = 1
	`).Scan(&row.ProfileID, &row.ProfileName, &row.Username, &row.Avatar,
		&row.AudioLanguage, &row.SubtitleLanguage, &row.MaturityRating,
		&row.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get profile: %w", err)
	}
	return row, nil
}

// DeleteProfile removes the persisted profile selection
func (db *DB) DeleteProfile() error {
	_, err := db.Exec("DELETE FROM profile WHERE id = 1")
	if err != nil {
		return fmt.Errorf("failed to delete profile: %w", err)
	}
	return nil
}
