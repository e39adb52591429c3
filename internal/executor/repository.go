package executor

import (
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/crypto-trading/funding/internal/domain"
)

// Repository stores strategy state. The map-backed default keeps
// everything in memory; the persistence recorder mirrors execution
// results and snapshots to durable storage off the bus.
type Repository interface {
	SaveStrategy(cfg domain.StrategyConfig) error
	GetStrategy(id uuid.UUID) (domain.StrategyConfig, error)
	ListStrategies() []domain.StrategyConfig
	DeleteStrategy(id uuid.UUID) error

	SavePosition(pos domain.StrategyPosition) error
	PositionsByStrategy(strategyID uuid.UUID) []domain.StrategyPosition
	ClearPositions(strategyID uuid.UUID)

	AppendResult(res domain.ExecutionResult)
	ResultsByStrategy(strategyID uuid.UUID) []domain.ExecutionResult
}

var ErrStrategyNotFound = fmt.Errorf("executor: strategy not found")

type MemoryRepository struct {
	mu         sync.RWMutex
	strategies map[uuid.UUID]domain.StrategyConfig
	positions  map[uuid.UUID]map[uuid.UUID]domain.StrategyPosition
	results    map[uuid.UUID][]domain.ExecutionResult
}

func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{
		strategies: make(map[uuid.UUID]domain.StrategyConfig),
		positions:  make(map[uuid.UUID]map[uuid.UUID]domain.StrategyPosition),
		results:    make(map[uuid.UUID][]domain.ExecutionResult),
	}
}

func (r *MemoryRepository) SaveStrategy(cfg domain.StrategyConfig) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.strategies[cfg.ID] = cfg
	return nil
}

func (r *MemoryRepository) GetStrategy(id uuid.UUID) (domain.StrategyConfig, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.strategies[id]
	if !ok {
		return domain.StrategyConfig{}, ErrStrategyNotFound
	}
	return cfg, nil
}

func (r *MemoryRepository) ListStrategies() []domain.StrategyConfig {
	r.mu.RLock()
	defer r.mu.RUnlock()
	list := make([]domain.StrategyConfig, 0, len(r.strategies))
	for _, cfg := range r.strategies {
		list = append(list, cfg)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
	return list
}

func (r *MemoryRepository) DeleteStrategy(id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.strategies[id]; !ok {
		return ErrStrategyNotFound
	}
	delete(r.strategies, id)
	delete(r.positions, id)
	delete(r.results, id)
	return nil
}

func (r *MemoryRepository) SavePosition(pos domain.StrategyPosition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	byID, ok := r.positions[pos.StrategyID]
	if !ok {
		byID = make(map[uuid.UUID]domain.StrategyPosition)
		r.positions[pos.StrategyID] = byID
	}
	byID[pos.ID] = pos
	return nil
}

func (r *MemoryRepository) PositionsByStrategy(strategyID uuid.UUID) []domain.StrategyPosition {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byID := r.positions[strategyID]
	list := make([]domain.StrategyPosition, 0, len(byID))
	for _, pos := range byID {
		list = append(list, pos)
	}
	sort.Slice(list, func(i, j int) bool {
		return list[i].OpenedAt.Before(list[j].OpenedAt)
	})
	return list
}

func (r *MemoryRepository) ClearPositions(strategyID uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.positions, strategyID)
}

func (r *MemoryRepository) AppendResult(res domain.ExecutionResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results[res.StrategyID] = append(r.results[res.StrategyID], res)
}

func (r *MemoryRepository) ResultsByStrategy(strategyID uuid.UUID) []domain.ExecutionResult {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src := r.results[strategyID]
	out := make([]domain.ExecutionResult, len(src))
	copy(out, src)
	return out
}
