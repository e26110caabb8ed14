package store

import (
	"context"
	"errors"

	"github.com/seantiz/kiln/internal/model"
)

// ErrInvalidTransition is returned when a task status transition is not allowed.
var ErrInvalidTransition = errors.New("invalid status transition")

// ErrNotFound is returned when a record is not found.
var ErrNotFound = model.ErrNotFound

// TaskStats holds aggregate execution statistics.
type TaskStats struct {
	Total         int            `json:"total"`
	CountByStatus map[string]int `json:"count_by_status"`
	CountByTool   map[string]int `json:"count_by_tool"`
	AvgRunTime    float64        `json:"avg_run_time"`
}

// TaskStore persists tasks.
type TaskStore interface {
	CreateTask(ctx context.Context, t *model.Task) error
	GetTask(ctx context.Context, id string) (*model.Task, error)
	GetTaskByHandler(ctx context.Context, handler string) (*model.Task, error)
	ListTasks(ctx context.Context, user string, limit, offset int) ([]*model.Task, int, error)
	SetTaskHandler(ctx context.Context, id, handler string) error
	UpdateTask(ctx context.Context, t *model.Task) error
	GetTaskStats(ctx context.Context) (*TaskStats, error)
}

// LedgerStore persists balances. Every mutation is a single atomic
// increment or decrement; callers never read-modify-write.
type LedgerStore interface {
	GetLedger(ctx context.Context, user string) (*model.Ledger, error)
	CreditLedger(ctx context.Context, user string, balance, subscription float64) error
	DebitLedger(ctx context.Context, user string, amount float64) error
}

// LoraStore persists trained bundles.
type LoraStore interface {
	CreateLora(ctx context.Context, l *model.Lora) error
	GetLora(ctx context.Context, id string) (*model.Lora, error)
	ListLoras(ctx context.Context, user string) ([]*model.Lora, error)
}

// Store defines all persistence operations.
type Store interface {
	TaskStore
	LedgerStore
	LoraStore
	Close() error
}
