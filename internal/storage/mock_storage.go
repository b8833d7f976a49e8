package storage

import (
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/scranton_condor/internal/models"
)

// MockStorage is an in-memory Interface with injectable failures for tests.
type MockStorage struct {
	*JSONStorage
	addError      error
	closeError    error
	saveError     error
	loadError     error
	saveCallCount int
	loadCallCount int
	mu            sync.Mutex
}

// NewMockStorage creates a new mock storage for testing
func NewMockStorage() *MockStorage {
	inner, _ := NewJSONStorage("", models.DefaultMultiplier)
	return &MockStorage{JSONStorage: inner}
}

// AddPosition fails with the injected add error, if any.
func (m *MockStorage) AddPosition(pos *models.Position) error {
	m.mu.Lock()
	err := m.addError
	m.mu.Unlock()
	if err != nil {
		return err
	}
	return m.JSONStorage.AddPosition(pos)
}

// ClosePosition fails with the injected close error, if any.
func (m *MockStorage) ClosePosition(id string, reason models.CloseReason, exitCost decimal.Decimal,
	exitOrderID string, at time.Time) (*models.Position, error) {
	m.mu.Lock()
	err := m.closeError
	m.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return m.JSONStorage.ClosePosition(id, reason, exitCost, exitOrderID, at)
}

// Data persistence methods (mocked)
func (m *MockStorage) Save() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saveCallCount++
	return m.saveError
}

func (m *MockStorage) Load() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.loadCallCount++
	return m.loadError
}

// Mock control methods for testing
func (m *MockStorage) SetAddError(err error) {
	m.mu.Lock()
	m.addError = err
	m.mu.Unlock()
}

func (m *MockStorage) SetCloseError(err error) {
	m.mu.Lock()
	m.closeError = err
	m.mu.Unlock()
}

func (m *MockStorage) SetSaveError(err error) {
	m.mu.Lock()
	m.saveError = err
	m.mu.Unlock()
}

func (m *MockStorage) SetLoadError(err error) {
	m.mu.Lock()
	m.loadError = err
	m.mu.Unlock()
}

func (m *MockStorage) GetSaveCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.saveCallCount
}

func (m *MockStorage) GetLoadCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadCallCount
}

// Ensure MockStorage implements Interface
var _ Interface = (*MockStorage)(nil)
