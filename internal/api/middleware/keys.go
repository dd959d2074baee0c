package middleware

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/gencoord/internal/store"
	"github.com/kiranshivaraju/gencoord/pkg/models"
	"golang.org/x/crypto/bcrypt"
)

// NewAPIKey mints a raw key for userID and the record to store for it.
// The raw key is returned once and never persisted.
func NewAPIKey(userID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", nil, fmt.Errorf("generating key: %w", err)
	}
	raw := KeyMarker + hex.EncodeToString(buf)

	hash, err := bcrypt.GenerateFromPassword([]byte(raw), bcrypt.DefaultCost)
	if err != nil {
		return "", nil, fmt.Errorf("hashing key: %w", err)
	}
	if scopes == nil {
		scopes = []string{}
	}

	now := time.Now().UTC()
	return raw, &models.APIKey{
		ID:        uuid.New(),
		UserID:    userID,
		Name:      name,
		KeyHash:   string(hash),
		KeyPrefix: raw[:KeyPrefixLen],
		Scopes:    scopes,
		CreatedAt: now,
		UpdatedAt: now,
	}, nil
}

// KeyCreator persists API keys.
type KeyCreator interface {
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
}

// IssueAPIKey mints and stores a key, drawing a fresh one when the lookup
// prefix collides with a live key.
func IssueAPIKey(ctx context.Context, s KeyCreator, userID uuid.UUID, name string, scopes []string) (string, *models.APIKey, error) {
	for attempt := 0; attempt < 3; attempt++ {
		raw, key, err := NewAPIKey(userID, name, scopes)
		if err != nil {
			return "", nil, err
		}
		err = s.CreateAPIKey(ctx, key)
		if errors.Is(err, store.ErrDuplicateKey) {
			continue
		}
		if err != nil {
			return "", nil, fmt.Errorf("storing key: %w", err)
		}
		return raw, key, nil
	}
	return "", nil, fmt.Errorf("storing key: %w", store.ErrDuplicateKey)
}
