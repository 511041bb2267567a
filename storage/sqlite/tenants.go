package sqlite

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/agentc2/mcp-auth/storage"
)

// ErrSlugTaken is returned by CreateOrganization when the slug is in use.
var ErrSlugTaken = errors.New("organization slug already exists")

// credentialBlob is the JSON document held (encrypted) in client_credentials.credentials
type credentialBlob struct {
	APIKey string `json:"apiKey"`
}

// CreateOrganization inserts a new tenant. Its slug becomes the OAuth client_id.
func (s *Store) CreateOrganization(ctx context.Context, slug, name string) (*storage.Organization, error) {
	if slug == "" {
		return nil, fmt.Errorf("organization slug is required")
	}

	org := &storage.Organization{
		ID:        uuid.NewString(),
		Slug:      slug,
		Name:      name,
		CreatedAt: time.Now().UTC(),
	}

	_, err := s.db.ExecContext(ctx,
		`INSERT INTO organizations (id, slug, name, created_at) VALUES (?, ?, ?, ?)`,
		org.ID, org.Slug, org.Name, org.CreatedAt.UnixNano(),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return nil, ErrSlugTaken
		}
		return nil, fmt.Errorf("inserting organization: %w", err)
	}

	s.logger.Info("Created organization", "organization_id", org.ID, "slug", org.Slug)
	return org, nil
}

// GetOrganization looks an organization up by slug or id.
func (s *Store) GetOrganization(ctx context.Context, slugOrID string) (*storage.Organization, error) {
	var (
		org       storage.Organization
		createdAt int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, slug, name, created_at FROM organizations
		WHERE slug = ? OR id = ?
		ORDER BY slug = ? DESC
		LIMIT 1`,
		slugOrID, slugOrID, slugOrID,
	).Scan(&org.ID, &org.Slug, &org.Name, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", storage.ErrOrganizationNotFound, slugOrID)
	}
	if err != nil {
		return nil, fmt.Errorf("querying organization: %w", err)
	}

	org.CreatedAt = time.Unix(0, createdAt).UTC()
	return &org, nil
}

// CreateCredential stores a new active credential for (organizationID, toolID),
// deactivating the previous one in the same transaction.
func (s *Store) CreateCredential(ctx context.Context, organizationID, toolID, apiKey string) (*storage.ClientCredential, error) {
	if organizationID == "" || toolID == "" || apiKey == "" {
		return nil, fmt.Errorf("organization, tool and api key are required")
	}

	blob, err := json.Marshal(credentialBlob{APIKey: apiKey})
	if err != nil {
		return nil, fmt.Errorf("encoding credential: %w", err)
	}
	sealed, err := s.encryptor.Encrypt(string(blob))
	if err != nil {
		return nil, fmt.Errorf("encrypting credential: %w", err)
	}

	cred := &storage.ClientCredential{
		ID:             uuid.NewString(),
		OrganizationID: organizationID,
		ToolID:         toolID,
		APIKey:         apiKey,
		IsActive:       true,
		CreatedAt:      time.Now().UTC(),
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer rollback(tx)

	if _, err := tx.ExecContext(ctx,
		`UPDATE client_credentials SET is_active = 0
		WHERE organization_id = ? AND tool_id = ? AND is_active = 1`,
		organizationID, toolID,
	); err != nil {
		return nil, fmt.Errorf("deactivating previous credential: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO client_credentials
			(id, organization_id, tool_id, credentials, api_key_fingerprint, is_active, created_at)
		VALUES (?, ?, ?, ?, ?, 1, ?)`,
		cred.ID, cred.OrganizationID, cred.ToolID, sealed, fingerprint(apiKey), cred.CreatedAt.UnixNano(),
	); err != nil {
		if isForeignKeyViolation(err) {
			return nil, fmt.Errorf("%w: %s", storage.ErrOrganizationNotFound, organizationID)
		}
		return nil, fmt.Errorf("inserting credential: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}

	s.logger.Info("Created credential",
		"credential_id", cred.ID,
		"organization_id", organizationID,
		"tool_id", toolID)
	return cred, nil
}

// GetActiveCredential returns the active credential for (organizationID, toolID).
func (s *Store) GetActiveCredential(ctx context.Context, organizationID, toolID string) (*storage.ClientCredential, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, tool_id, credentials, is_active, created_at
		FROM client_credentials
		WHERE organization_id = ? AND tool_id = ? AND is_active = 1`,
		organizationID, toolID,
	)
	return s.scanCredential(row)
}

// FindCredentialByAPIKey returns the active credential whose API key equals apiKey.
func (s *Store) FindCredentialByAPIKey(ctx context.Context, toolID, apiKey string) (*storage.ClientCredential, error) {
	if apiKey == "" {
		return nil, storage.ErrCredentialNotFound
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT id, organization_id, tool_id, credentials, is_active, created_at
		FROM client_credentials
		WHERE tool_id = ? AND api_key_fingerprint = ? AND is_active = 1
		LIMIT 1`,
		toolID, fingerprint(apiKey),
	)
	cred, err := s.scanCredential(row)
	if err != nil {
		return nil, err
	}

	if subtle.ConstantTimeCompare([]byte(cred.APIKey), []byte(apiKey)) != 1 {
		return nil, storage.ErrCredentialNotFound
	}
	return cred, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) scanCredential(row rowScanner) (*storage.ClientCredential, error) {
	var (
		cred      storage.ClientCredential
		sealed    string
		active    int
		createdAt int64
	)
	err := row.Scan(&cred.ID, &cred.OrganizationID, &cred.ToolID, &sealed, &active, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.ErrCredentialNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying credential: %w", err)
	}

	plain, err := s.encryptor.Decrypt(sealed)
	if err != nil {
		return nil, fmt.Errorf("decrypting credential: %w", err)
	}

	var blob credentialBlob
	if err := json.Unmarshal([]byte(plain), &blob); err != nil {
		return nil, fmt.Errorf("decoding credential: %w", err)
	}

	cred.APIKey = blob.APIKey
	cred.IsActive = active == 1
	cred.CreatedAt = time.Unix(0, createdAt).UTC()
	return &cred, nil
}

// fingerprint is the indexed lookup key for an API key
func fingerprint(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}
