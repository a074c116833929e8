package service

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/whalewallet/shardgate/internal/model"
)

// AuditService appends one record per authorization to a daily jsonl
// file and, when configured, to Postgres. Writes are asynchronous so the
// transaction path never waits on audit I/O.
type AuditService struct {
	logChan chan *model.AuditRecord
	logFile *os.File
	buffer  *auditBuffer
	repo    AuditRepo
}

type AuditRepo interface {
	Insert(ctx context.Context, record *model.AuditRecord) error
	List(ctx context.Context, accountID string, limit int, from, to *time.Time) ([]*model.AuditRecord, error)
}

func NewAuditService(logDir string, repo AuditRepo) (*AuditService, error) {
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, err
	}

	filename := filepath.Join(logDir, "audit-"+time.Now().Format("2006-01-02")+".jsonl")
	f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return nil, err
	}

	svc := &AuditService{
		logChan: make(chan *model.AuditRecord, 1000),
		logFile: f,
		buffer:  newAuditBuffer(1000),
		repo:    repo,
	}

	go svc.processRecords()

	return svc, nil
}

// Record enqueues one record. When the buffer is full the record is
// dropped rather than blocking the authorization path; the in-memory
// ring still keeps it for queries.
func (s *AuditService) Record(record *model.AuditRecord) {
	if s.buffer != nil {
		s.buffer.Add(record)
	}
	select {
	case s.logChan <- record:
	default:
		log.Println("audit buffer full, dropping record")
	}
}

func (s *AuditService) List(ctx context.Context, accountID string, limit int, from, to *time.Time) ([]*model.AuditRecord, error) {
	if s.repo != nil {
		records, err := s.repo.List(ctx, accountID, limit, from, to)
		if err == nil {
			return records, nil
		}
	}
	if s.buffer == nil {
		return nil, nil
	}
	return s.buffer.List(accountID, limit), nil
}

func (s *AuditService) processRecords() {
	encoder := json.NewEncoder(s.logFile)
	for record := range s.logChan {
		if s.repo != nil {
			if err := s.repo.Insert(context.Background(), record); err != nil {
				log.Printf("failed to write audit record to DB: %v", err)
			}
		}
		if err := encoder.Encode(record); err != nil {
			log.Printf("failed to write audit record: %v", err)
		}
	}
}

func (s *AuditService) Close() {
	close(s.logChan)
	s.logFile.Close()
}

// auditBuffer is a fixed-size ring over recent records, used when no
// database is configured.
type auditBuffer struct {
	mu        sync.Mutex
	maxSize   int
	records   []*model.AuditRecord
	nextIndex int
}

func newAuditBuffer(maxSize int) *auditBuffer {
	if maxSize <= 0 {
		maxSize = 1000
	}
	return &auditBuffer{
		maxSize: maxSize,
		records: make([]*model.AuditRecord, 0, maxSize),
	}
}

func (b *auditBuffer) Add(record *model.AuditRecord) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.records) < b.maxSize {
		b.records = append(b.records, record)
		return
	}
	b.records[b.nextIndex] = record
	b.nextIndex = (b.nextIndex + 1) % b.maxSize
}

func (b *auditBuffer) List(accountID string, limit int) []*model.AuditRecord {
	b.mu.Lock()
	defer b.mu.Unlock()
	if limit <= 0 || limit > b.maxSize {
		limit = b.maxSize
	}
	results := make([]*model.AuditRecord, 0, limit)
	total := len(b.records)
	for i := 0; i < total; i++ {
		idx := (b.nextIndex + total - 1 - i) % total
		record := b.records[idx]
		if record == nil {
			continue
		}
		if accountID != "" && record.AccountID != accountID {
			continue
		}
		results = append(results, record)
		if len(results) >= limit {
			break
		}
	}
	return results
}
