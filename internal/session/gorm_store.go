package session

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	dbpkg "heavy.local/research-gateway/internal/db"
)

type GormStore struct {
	db *gorm.DB
}

func NewGormStore(driver, dsn string) (*GormStore, error) {
	gormDB, err := dbpkg.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open gorm store: %w", err)
	}

	store := &GormStore{db: gormDB}
	if err := store.migrate(); err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("migrate session tables: %w", err)
	}
	return store, nil
}

func (s *GormStore) migrate() error {
	return s.db.AutoMigrate(&sessionRow{}, &historyRow{})
}

func (s *GormStore) CreateSession(ctx context.Context, rec SessionRecord) (SessionRecord, error) {
	prepared, err := prepareCreate(rec, time.Now().UTC())
	if err != nil {
		return SessionRecord{}, err
	}
	row, err := sessionRowFromRecord(prepared)
	if err != nil {
		return SessionRecord{}, err
	}

	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&sessionRow{}).Where("session_id = ?", row.SessionID).Count(&count).Error; err != nil {
			return fmt.Errorf("check session: %w", err)
		}
		if count > 0 {
			return fmt.Errorf("%w: %s", ErrAlreadyExists, row.SessionID)
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create session: %w", err)
		}
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return prepared, nil
}

func (s *GormStore) UpdateSession(ctx context.Context, userID, sessionID string, patch SessionPatch) (SessionRecord, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return SessionRecord{}, err
	}

	var out SessionRecord
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := takeSession(tx, userID, sessionID)
		if err != nil {
			return err
		}
		merged, err := mergePatch(current, patch, time.Now().UTC())
		if err != nil {
			return err
		}
		row, err := sessionRowFromRecord(merged)
		if err != nil {
			return err
		}
		if err := tx.Save(&row).Error; err != nil {
			return fmt.Errorf("update session: %w", err)
		}
		out = merged
		return nil
	})
	if err != nil {
		return SessionRecord{}, err
	}
	return out, nil
}

func (s *GormStore) GetSession(ctx context.Context, userID, sessionID string) (SessionRecord, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return SessionRecord{}, err
	}
	return takeSession(s.db.WithContext(ctx), userID, sessionID)
}

func (s *GormStore) ListOngoing(ctx context.Context, userID string) ([]SessionRecord, error) {
	var rows []sessionRow
	err := s.db.WithContext(ctx).
		Where("user_id = ? AND status = ?", userID, string(StatusOngoing)).
		Order("start_time DESC").
		Find(&rows).Error
	if err != nil {
		return nil, fmt.Errorf("list ongoing sessions: %w", err)
	}
	return sessionRecords(rows)
}

func (s *GormStore) Archive(ctx context.Context, userID, sessionID string) (HistoryEntry, bool, error) {
	if err := validateSessionKeyFields(userID, sessionID); err != nil {
		return HistoryEntry{}, false, err
	}

	var (
		out     HistoryEntry
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := takeSession(tx, userID, sessionID)
		if err != nil {
			return err
		}

		var existing historyRow
		err = tx.Where("session_id = ?", sessionID).Take(&existing).Error
		if err == nil {
			out, err = existing.toEntry()
			return err
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("lookup history: %w", err)
		}

		now := time.Now().UTC()
		entry, err := newHistoryEntry(rec, now)
		if err != nil {
			return err
		}
		row, err := historyRowFromEntry(entry)
		if err != nil {
			return err
		}
		if err := tx.Create(&row).Error; err != nil {
			return fmt.Errorf("create history entry: %w", err)
		}
		if err := tx.Model(&sessionRow{}).
			Where("session_id = ?", sessionID).
			Update("archived_at", &now).Error; err != nil {
			return fmt.Errorf("mark session archived: %w", err)
		}
		out = entry
		created = true
		return nil
	})
	if err != nil {
		return HistoryEntry{}, false, err
	}
	return out, created, nil
}

func (s *GormStore) ListHistory(ctx context.Context, userID string, limit int) ([]HistoryEntry, error) {
	query := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []historyRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}
	out := make([]HistoryEntry, 0, len(rows))
	for _, row := range rows {
		entry, err := row.toEntry()
		if err != nil {
			return nil, err
		}
		out = append(out, entry)
	}
	return out, nil
}

func (s *GormStore) ListUnarchived(ctx context.Context, limit int) ([]SessionRecord, error) {
	query := s.db.WithContext(ctx).
		Where("status = ? AND archived_at IS NULL", string(StatusCompleted)).
		Order("last_updated ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var rows []sessionRow
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("list unarchived sessions: %w", err)
	}
	return sessionRecords(rows)
}

func (s *GormStore) FailOngoing(ctx context.Context, reason string) (int, error) {
	res := s.db.WithContext(ctx).
		Model(&sessionRow{}).
		Where("status = ?", string(StatusOngoing)).
		Updates(map[string]any{
			"status":        string(StatusFailed),
			"current_phase": string(PhaseError),
			"error":         reason,
			"last_updated":  time.Now().UTC(),
		})
	if res.Error != nil {
		return 0, fmt.Errorf("fail ongoing sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Prune(ctx context.Context, before time.Time) (int, error) {
	res := s.db.WithContext(ctx).
		Where("last_updated < ?", before.UTC()).
		Where("status = ? OR (status = ? AND archived_at IS NOT NULL)", string(StatusFailed), string(StatusCompleted)).
		Delete(&sessionRow{})
	if res.Error != nil {
		return 0, fmt.Errorf("prune sessions: %w", res.Error)
	}
	return int(res.RowsAffected), nil
}

func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	return sqlDB.Close()
}

func takeSession(tx *gorm.DB, userID, sessionID string) (SessionRecord, error) {
	var row sessionRow
	err := tx.Where("user_id = ? AND session_id = ?", userID, sessionID).Take(&row).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return SessionRecord{}, ErrNotFound
		}
		return SessionRecord{}, fmt.Errorf("get session: %w", err)
	}
	return row.toRecord()
}

func sessionRecords(rows []sessionRow) ([]SessionRecord, error) {
	out := make([]SessionRecord, 0, len(rows))
	for _, row := range rows {
		rec, err := row.toRecord()
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}
