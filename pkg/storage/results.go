package storage

import (
	"context"
	"encoding/json"

	"github.com/microsoft/Service-Fabric-POA/pkg/logging"
	"github.com/microsoft/Service-Fabric-POA/pkg/repair"

	"github.com/pkg/errors"
	"gorm.io/gorm"
)

// DefaultMaxResults bounds the result queue when no cap is configured.
const DefaultMaxResults = 3000

// ResultStore is the append-only queue of operation results. Appends and the
// FIFO trim run in one transaction so the bound holds after every enqueue.
type ResultStore struct {
	log logging.Logger
	db  *gorm.DB
	max int
}

// NewResultStore binds a result store to a registry database.
func NewResultStore(log logging.Logger, db *gorm.DB, maxResults int) *ResultStore {
	if maxResults <= 0 {
		maxResults = DefaultMaxResults
	}
	return &ResultStore{log: log, db: db, max: maxResults}
}

// Enqueue appends a result and evicts the oldest entries beyond the cap.
func (s *ResultStore) Enqueue(ctx context.Context, result *repair.OperationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return errors.WithMessage(err, "could not encode operation result")
	}
	rec := &resultRecord{
		NodeName:      result.NodeName,
		OperationType: string(result.OperationType),
		Payload:       string(payload),
		CreatedAt:     result.OperationTime,
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(rec).Error; err != nil {
			return errors.WithMessage(err, "could not enqueue result")
		}
		return trim(tx, s.max)
	})
}

// Trim enforces the cap outside of an enqueue; the coordinator runs this
// every tick so a lowered cap takes effect without new traffic.
func (s *ResultStore) Trim(ctx context.Context) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return trim(tx, s.max)
	})
}

func trim(tx *gorm.DB, max int) error {
	var count int64
	if err := tx.Model(&resultRecord{}).Count(&count).Error; err != nil {
		return errors.WithMessage(err, "could not count results")
	}
	excess := count - int64(max)
	if excess <= 0 {
		return nil
	}
	// FIFO eviction by insertion order.
	err := tx.Where("id IN (?)",
		tx.Model(&resultRecord{}).Select("id").Order("id asc").Limit(int(excess)),
	).Delete(&resultRecord{}).Error
	return errors.WithMessage(err, "could not trim results")
}

// Len reports the current queue length.
func (s *ResultStore) Len(ctx context.Context) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&resultRecord{}).Count(&count).Error
	return int(count), errors.WithMessage(err, "could not count results")
}

// ListByNode returns results of one operation type grouped by node name,
// oldest first within each node. This backs the read-only HTTP endpoint.
func (s *ResultStore) ListByNode(ctx context.Context, op repair.OperationType) (map[string][]*repair.OperationResult, error) {
	var recs []resultRecord
	err := s.db.WithContext(ctx).
		Where("operation_type = ?", string(op)).
		Order("id asc").
		Find(&recs).Error
	if err != nil {
		return nil, errors.WithMessage(err, "could not list results")
	}
	grouped := make(map[string][]*repair.OperationResult)
	for i := range recs {
		var result repair.OperationResult
		if err := json.Unmarshal([]byte(recs[i].Payload), &result); err != nil {
			s.log.WithError(err).WithField("id", recs[i].ID).Error("skipping corrupt result record")
			continue
		}
		grouped[result.NodeName] = append(grouped[result.NodeName], &result)
	}
	return grouped, nil
}
