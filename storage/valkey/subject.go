package valkey

import (
	"context"
	"fmt"
	"time"

	"github.com/raftworks/oauthd/storage"
)

// subjectJSON is the stored representation of subject claims. Name and
// email are ciphertext when an encryptor is configured.
type subjectJSON struct {
	ID            string `json:"id"`
	Name          string `json:"name,omitempty"`
	Email         string `json:"email,omitempty"`
	EmailVerified bool   `json:"email_verified,omitempty"`
	UpdatedAt     int64  `json:"updated_at,omitempty"`
}

// SaveSubject persists subject claims. Subjects have no TTL.
func (s *Store) SaveSubject(ctx context.Context, subject *storage.Subject) error {
	if subject == nil || subject.ID == "" {
		return fmt.Errorf("invalid subject")
	}

	j := &subjectJSON{
		ID:            subject.ID,
		Name:          subject.Name,
		Email:         subject.Email,
		EmailVerified: subject.EmailVerified,
		UpdatedAt:     time.Now().Unix(),
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		var err error
		if j.Name, err = enc.Encrypt(j.Name); err != nil {
			return fmt.Errorf("failed to encrypt subject name: %w", err)
		}
		if j.Email, err = enc.Encrypt(j.Email); err != nil {
			return fmt.Errorf("failed to encrypt subject email: %w", err)
		}
	}

	if err := s.setJSON(ctx, s.subjectKey(subject.ID), j, time.Time{}); err != nil {
		return fmt.Errorf("failed to save subject: %w", err)
	}
	return nil
}

// FindSubject retrieves subject claims by id.
func (s *Store) FindSubject(ctx context.Context, id string) (*storage.Subject, error) {
	j, err := getAndUnmarshal[subjectJSON](ctx, s, s.subjectKey(id), storage.ErrSubjectNotFound)
	if err != nil {
		return nil, err
	}

	subject := &storage.Subject{
		ID:            j.ID,
		Name:          j.Name,
		Email:         j.Email,
		EmailVerified: j.EmailVerified,
	}
	if j.UpdatedAt > 0 {
		subject.UpdatedAt = time.Unix(j.UpdatedAt, 0)
	}

	if enc := s.getEncryptor(); enc != nil && enc.IsEnabled() {
		if subject.Name, err = enc.Decrypt(subject.Name); err != nil {
			return nil, fmt.Errorf("failed to decrypt subject name: %w", err)
		}
		if subject.Email, err = enc.Decrypt(subject.Email); err != nil {
			return nil, fmt.Errorf("failed to decrypt subject email: %w", err)
		}
	}

	return subject, nil
}
