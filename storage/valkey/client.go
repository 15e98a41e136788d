package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/raftworks/oauthd/storage"
)

// clientJSON is the stored representation of a registered client.
type clientJSON struct {
	ID               string   `json:"id,omitempty"`
	ClientID         string   `json:"client_id"`
	ClientSecretHash string   `json:"client_secret_hash,omitempty"`
	ClientType       string   `json:"client_type"`
	RedirectURIs     []string `json:"redirect_uris,omitempty"`
	GrantTypes       []string `json:"grant_types,omitempty"`
	ResponseTypes    []string `json:"response_types,omitempty"`
	Scopes           []string `json:"scopes,omitempty"`
	RequirePKCE      bool     `json:"require_pkce,omitempty"`
	AccessTokenTTL   int64    `json:"access_token_ttl,omitempty"`  // seconds
	RefreshTokenTTL  int64    `json:"refresh_token_ttl,omitempty"` // seconds
	ClientName       string   `json:"client_name,omitempty"`
	CreatedAt        int64    `json:"created_at,omitempty"`
}

func toClientJSON(client *storage.Client) *clientJSON {
	j := &clientJSON{
		ID:               client.ID,
		ClientID:         client.ClientID,
		ClientSecretHash: client.ClientSecretHash,
		ClientType:       client.ClientType,
		RedirectURIs:     client.RedirectURIs,
		GrantTypes:       client.GrantTypes,
		ResponseTypes:    client.ResponseTypes,
		Scopes:           client.Scopes,
		RequirePKCE:      client.RequirePKCE,
		AccessTokenTTL:   int64(client.AccessTokenTTL / time.Second),
		RefreshTokenTTL:  int64(client.RefreshTokenTTL / time.Second),
		ClientName:       client.ClientName,
	}
	if !client.CreatedAt.IsZero() {
		j.CreatedAt = client.CreatedAt.Unix()
	}
	return j
}

func fromClientJSON(j *clientJSON) *storage.Client {
	client := &storage.Client{
		ID:               j.ID,
		ClientID:         j.ClientID,
		ClientSecretHash: j.ClientSecretHash,
		ClientType:       j.ClientType,
		RedirectURIs:     j.RedirectURIs,
		GrantTypes:       j.GrantTypes,
		ResponseTypes:    j.ResponseTypes,
		Scopes:           j.Scopes,
		RequirePKCE:      j.RequirePKCE,
		AccessTokenTTL:   time.Duration(j.AccessTokenTTL) * time.Second,
		RefreshTokenTTL:  time.Duration(j.RefreshTokenTTL) * time.Second,
		ClientName:       j.ClientName,
	}
	if j.CreatedAt > 0 {
		client.CreatedAt = time.Unix(j.CreatedAt, 0)
	}
	return client
}

// SaveClient persists a registered client. Clients have no TTL.
func (s *Store) SaveClient(ctx context.Context, client *storage.Client) error {
	if client == nil || client.ClientID == "" {
		return fmt.Errorf("invalid client")
	}

	if err := s.setJSON(ctx, s.clientKey(client.ClientID), toClientJSON(client), time.Time{}); err != nil {
		return fmt.Errorf("failed to save client: %w", err)
	}

	s.logger.Debug("saved client",
		"client_id", client.ClientID,
		"client_type", client.ClientType)
	return nil
}

// FindByClientID retrieves a client by its public identifier.
func (s *Store) FindByClientID(ctx context.Context, clientID string) (*storage.Client, error) {
	j, err := getAndUnmarshal[clientJSON](ctx, s, s.clientKey(clientID), storage.ErrClientNotFound)
	if err != nil {
		return nil, err
	}
	return fromClientJSON(j), nil
}
