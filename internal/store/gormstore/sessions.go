package gormstore

import (
	"context"
	"errors"

	"github.com/MarkoPoloResearchLab/fairledger/pkg/fairness"
	"gorm.io/gorm"
)

func (store *Store) CreateSession(ctx context.Context, session fairness.Session) error {
	model := GameSession{
		SessionID:       session.ID.String(),
		UserID:          session.UserID.String(),
		ServerSeed:      session.ServerSeed.String(),
		Commitment:      session.Commitment.String(),
		ClientSeed:      session.ClientSeed.String(),
		NextNonce:       int64(session.NextNonce),
		Revealed:        session.Revealed,
		CreatedUnixUTC:  session.CreatedUnixUTC,
		RevealedUnixUTC: session.RevealedUnixUTC,
	}
	err := store.db.WithContext(ctx).Create(&model).Error
	if isUniqueViolation(err) {
		return wrapSessionError(errorCodeDuplicate, fairness.ErrSessionExists)
	}
	if err != nil {
		return wrapSessionError(errorCodeCreate, err)
	}
	return nil
}

func (store *Store) GetSession(ctx context.Context, sessionID fairness.SessionID) (fairness.Session, error) {
	return loadSession(store.db.WithContext(ctx), sessionID)
}

// ConsumeNonce increments next_nonce only while the session is unrevealed and returns the pre-increment value.
func (store *Store) ConsumeNonce(ctx context.Context, sessionID fairness.SessionID) (fairness.Session, error) {
	var consumed fairness.Session
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&GameSession{}).
			Where("session_id = ? AND revealed = ?", sessionID.String(), false).
			Update("next_nonce", gorm.Expr("next_nonce + 1"))
		if result.Error != nil {
			return wrapSessionError(errorCodeConsume, result.Error)
		}
		session, err := loadSession(transaction, sessionID)
		if err != nil {
			return err
		}
		if result.RowsAffected == 0 {
			return wrapSessionError(errorCodeConsume, fairness.ErrSessionRevealed)
		}
		session.NextNonce--
		consumed = session
		return nil
	})
	if err != nil {
		return fairness.Session{}, err
	}
	return consumed, nil
}

func (store *Store) UpdateClientSeed(ctx context.Context, sessionID fairness.SessionID, clientSeed fairness.ClientSeed) error {
	result := store.db.WithContext(ctx).
		Model(&GameSession{}).
		Where("session_id = ? AND revealed = ?", sessionID.String(), false).
		Update("client_seed", clientSeed.String())
	if result.Error != nil {
		return wrapSessionError(errorCodeUpdateStatus, result.Error)
	}
	if result.RowsAffected > 0 {
		return nil
	}
	if _, err := loadSession(store.db.WithContext(ctx), sessionID); err != nil {
		return err
	}
	return wrapSessionError(errorCodeUpdateStatus, fairness.ErrSessionRevealed)
}

// MarkRevealed keeps the first reveal time when called again.
func (store *Store) MarkRevealed(ctx context.Context, sessionID fairness.SessionID, atUnixUTC int64) (fairness.Session, error) {
	var revealed fairness.Session
	err := store.db.WithContext(ctx).Transaction(func(transaction *gorm.DB) error {
		result := transaction.
			Model(&GameSession{}).
			Where("session_id = ? AND revealed = ?", sessionID.String(), false).
			Updates(map[string]any{"revealed": true, "revealed_unix_utc": atUnixUTC})
		if result.Error != nil {
			return wrapSessionError(errorCodeReveal, result.Error)
		}
		session, err := loadSession(transaction, sessionID)
		if err != nil {
			return err
		}
		revealed = session
		return nil
	})
	if err != nil {
		return fairness.Session{}, err
	}
	return revealed, nil
}

func loadSession(db *gorm.DB, sessionID fairness.SessionID) (fairness.Session, error) {
	var model GameSession
	err := db.Where("session_id = ?", sessionID.String()).Take(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fairness.Session{}, wrapSessionError(errorCodeGet, fairness.ErrSessionNotFound)
		}
		return fairness.Session{}, wrapSessionError(errorCodeGet, err)
	}
	session, err := fairness.RestoreSession(
		model.SessionID,
		model.UserID,
		model.ServerSeed,
		model.ClientSeed,
		model.NextNonce,
		model.Revealed,
		model.CreatedUnixUTC,
		model.RevealedUnixUTC,
	)
	if err != nil {
		return fairness.Session{}, wrapSessionError(errorCodeInvalid, err)
	}
	return session, nil
}

func wrapSessionError(code string, err error) error {
	return fairness.WrapError(errorOperationStore, errorSubjectSession, code, err)
}
