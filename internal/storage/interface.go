package storage

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// Interface defines the contract for position and trade data persistence.
//
// Implementations must be safe for concurrent use - callers can assume all methods
// are goroutine-safe and can safely call these methods from multiple goroutines.
//
// The provided JSONStorage implementation uses sync.RWMutex to serialize access,
// ensuring all Interface methods are protected for concurrent readers and writers.
type Interface interface {
	// Position management
	AddPosition(pos *models.Position) error
	ClosePosition(id string, reason models.CloseReason, exitCost decimal.Decimal,
		exitOrderID string, at time.Time) (*models.Position, error)
	GetPosition(id string) (*models.Position, bool)
	GetOpenPositions() []models.Position

	// Data persistence
	Save() error
	Load() error

	// Historical data and analytics
	GetHistory() []models.Position
	HasInHistory(id string) bool
	GetStatistics() *Statistics
	GetDailyPnL(date string) decimal.Decimal
}

// NewStorage creates a new storage implementation (currently JSON-based).
// An empty path keeps everything in memory.
func NewStorage(filepath string, multiplier int) (Interface, error) {
	return NewJSONStorage(filepath, multiplier)
}

// Ensure JSONStorage implements Interface
var _ Interface = (*JSONStorage)(nil)
