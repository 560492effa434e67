package mock

import (
	"context"
	"fmt"
	"sync"

	"signal_trader/internal/core"
	apperrors "signal_trader/pkg/errors"
)

// OrderRecord is a row of the in-memory order book
type OrderRecord struct {
	ID      int64
	Attempt core.OrderAttempt
	Status  core.OrderStatus
	Update  core.OrderUpdate
}

// OrderRepository is an in-memory core.OrderRepository
type OrderRepository struct {
	mu     sync.Mutex
	nextID int64
	rows   map[int64]*OrderRecord
	byKey  map[string]int64
}

func NewOrderRepository() *OrderRepository {
	return &OrderRepository{
		rows:  make(map[int64]*OrderRecord),
		byKey: make(map[string]int64),
	}
}

func (r *OrderRepository) InsertAttempt(ctx context.Context, attempt core.OrderAttempt) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if id, ok := r.byKey[attempt.IdempotencyKey]; ok && attempt.IdempotencyKey != "" {
		return id, nil
	}
	r.nextID++
	r.rows[r.nextID] = &OrderRecord{ID: r.nextID, Attempt: attempt, Status: core.OrderStatusAttempted}
	if attempt.IdempotencyKey != "" {
		r.byKey[attempt.IdempotencyKey] = r.nextID
	}
	return r.nextID, nil
}

func (r *OrderRepository) FindAttempt(ctx context.Context, idempotencyKey string) (int64, *core.OrderAttempt, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	id, ok := r.byKey[idempotencyKey]
	if !ok {
		return 0, nil, nil
	}
	attempt := r.rows[id].Attempt
	return id, &attempt, nil
}

func (r *OrderRepository) UpdateStatus(ctx context.Context, orderID int64, update core.OrderUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	row, ok := r.rows[orderID]
	if !ok {
		return fmt.Errorf("order record %d not found", orderID)
	}
	if update.Status != "" {
		row.Status = update.Status
	}
	if update.StatusMessage != "" {
		row.Update.StatusMessage = update.StatusMessage
	}
	if update.ExitType != core.ExitNone {
		row.Update.ExitType = update.ExitType
	}
	if update.ExitPrice != nil {
		row.Update.ExitPrice = update.ExitPrice
	}
	if update.ProfitLoss != nil {
		row.Update.ProfitLoss = update.ProfitLoss
	}
	if update.EntryTime != nil {
		row.Update.EntryTime = update.EntryTime
	}
	if update.ExitTime != nil {
		row.Update.ExitTime = update.ExitTime
	}
	return nil
}

// Records returns a copy of every row in id order
func (r *OrderRepository) Records() []OrderRecord {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]OrderRecord, 0, len(r.rows))
	for id := int64(1); id <= r.nextID; id++ {
		if row, ok := r.rows[id]; ok {
			out = append(out, *row)
		}
	}
	return out
}

// InstrumentRegistry is an in-memory core.InstrumentRegistry
type InstrumentRegistry struct {
	mu          sync.Mutex
	precision   map[string]core.Precision
	deactivated map[string]string
}

func NewInstrumentRegistry() *InstrumentRegistry {
	return &InstrumentRegistry{
		precision:   make(map[string]core.Precision),
		deactivated: make(map[string]string),
	}
}

func (r *InstrumentRegistry) SetPrecision(symbol string, p core.Precision) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.precision[symbol] = p
}

func (r *InstrumentRegistry) Deactivate(ctx context.Context, symbol, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deactivated[symbol] = reason
	return nil
}

func (r *InstrumentRegistry) GetPrecision(ctx context.Context, symbol string) (core.Precision, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.precision[symbol]
	return p, ok, nil
}

// Deactivated returns the deactivation reason of a symbol
func (r *InstrumentRegistry) Deactivated(symbol string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.deactivated[symbol]
	return reason, ok
}

// SignalSource serves a fixed list of signals
type SignalSource struct {
	mu      sync.Mutex
	signals []core.Signal
	err     error
}

func NewSignalSource(signals ...core.Signal) *SignalSource {
	return &SignalSource{signals: signals}
}

func (s *SignalSource) SetSignals(signals ...core.Signal) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.signals = signals
}

// SetUnavailable makes the source fail until cleared with false
func (s *SignalSource) SetUnavailable(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if down {
		s.err = apperrors.ErrSourceUnavailable
	} else {
		s.err = nil
	}
}

func (s *SignalSource) ListActiveSignals(ctx context.Context) ([]core.Signal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	return append([]core.Signal(nil), s.signals...), nil
}

// MarketData serves z-scores set by the test
type MarketData struct {
	mu     sync.Mutex
	zscore map[string]float64
}

func NewMarketData() *MarketData {
	return &MarketData{zscore: make(map[string]float64)}
}

func (m *MarketData) SetZScore(symbol string, z float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.zscore[symbol] = z
}

func (m *MarketData) LatestZScore(ctx context.Context, symbol string) (float64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	z, ok := m.zscore[symbol]
	return z, ok, nil
}

// Alert is a recorded notification
type Alert struct {
	Subject  string
	Body     string
	Category core.AlertCategory
}

// AlertSink records notifications
type AlertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func NewAlertSink() *AlertSink {
	return &AlertSink{}
}

func (s *AlertSink) Notify(ctx context.Context, subject, body string, category core.AlertCategory) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, Alert{Subject: subject, Body: body, Category: category})
}

// Alerts returns the recorded notifications
func (s *AlertSink) Alerts() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// Categories returns the category of each recorded notification in order
func (s *AlertSink) Categories() []core.AlertCategory {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]core.AlertCategory, len(s.alerts))
	for i, a := range s.alerts {
		out[i] = a.Category
	}
	return out
}
