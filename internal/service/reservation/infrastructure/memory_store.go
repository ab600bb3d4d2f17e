package infrastructure

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"

	"stockhold/internal/pkg/lock"
	"stockhold/internal/service/reservation/domain"
)

// MemoryStore 是 domain.Store 的内存实现，用于单机演示与测试。
// 行锁语义与 MySQL 实现对齐：台账行是非阻塞的 SKIP LOCKED，预占行是阻塞的 FOR UPDATE。
// 事务内的写入先暂存，提交时才对外可见。
type MemoryStore struct {
	mu     sync.RWMutex
	nextID uint64
	ledger map[ledgerKey]int64
	rows   map[uint64]*domain.Reservation
	locks  *lock.LocalLocker
}

type ledgerKey struct {
	tenantID int64
	variant  bool
	targetID int64
	branchID int64
}

func (k ledgerKey) lockName() string {
	return fmt.Sprintf("ledger/%d/%t/%d/%d", k.tenantID, k.variant, k.targetID, k.branchID)
}

func rowLockName(id uint64) string {
	return fmt.Sprintf("reservation/%d", id)
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		ledger: make(map[ledgerKey]int64),
		rows:   make(map[uint64]*domain.Reservation),
		locks:  lock.NewLocalLocker(),
	}
}

// SetOnHand 设置某个门店的在手量，模拟收货/盘点流程对台账的维护
func (s *MemoryStore) SetOnHand(tenantID int64, target domain.Target, branchID int64, onHand int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledger[ledgerKey{tenantID: tenantID, variant: target.IsVariant(), targetID: target.ID(), branchID: branchID}] = onHand
}

func clone(r *domain.Reservation) *domain.Reservation {
	cp := *r
	return &cp
}

// ledgerRows 返回口径覆盖的台账行，调用方需持有读锁
func (s *MemoryStore) ledgerRows(tenantID int64, key domain.StockKey) []ledgerKey {
	var out []ledgerKey
	for k := range s.ledger {
		if k.tenantID != tenantID || k.variant != key.Variant || k.targetID != key.TargetID {
			continue
		}
		if key.BranchID != 0 && k.branchID != key.BranchID {
			continue
		}
		out = append(out, k)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].branchID < out[j].branchID })
	return out
}

func (s *MemoryStore) level(tenantID int64, key domain.StockKey, now time.Time) domain.StockLevel {
	var onHand, reserved, count int64
	for _, k := range s.ledgerRows(tenantID, key) {
		onHand += s.ledger[k]
	}
	for _, r := range s.rows {
		if r.TenantID == tenantID && key.MatchesKey(r) && r.IsActiveAt(now) {
			reserved += r.Quantity
			count++
		}
	}
	return domain.NewStockLevel(onHand, reserved, count)
}

func (s *MemoryStore) StockLevel(ctx context.Context, tenantID int64, key domain.StockKey, now time.Time) (domain.StockLevel, error) {
	if err := ctx.Err(); err != nil {
		return domain.StockLevel{}, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.level(tenantID, key, now), nil
}

func (s *MemoryStore) StockLevels(ctx context.Context, tenantID int64, keys []domain.StockKey, now time.Time) (map[domain.StockKey]domain.StockLevel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[domain.StockKey]domain.StockLevel, len(keys))
	for _, k := range keys {
		out[k] = s.level(tenantID, k, now)
	}
	return out, nil
}

func (s *MemoryStore) FindByID(ctx context.Context, tenantID int64, id uint64) (*domain.Reservation, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rows[id]
	if !ok || r.TenantID != tenantID {
		return nil, domain.ErrNotFound
	}
	return clone(r), nil
}

func (s *MemoryStore) List(ctx context.Context, tenantID int64, filter domain.ListFilter, now time.Time) ([]*domain.Reservation, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	filter = filter.Normalize()

	s.mu.RLock()
	var matched []*domain.Reservation
	for _, r := range s.rows {
		if r.TenantID == tenantID && filter.Matches(r, now) {
			matched = append(matched, clone(r))
		}
	}
	s.mu.RUnlock()

	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })
	total := int64(len(matched))
	if filter.Offset >= len(matched) {
		return []*domain.Reservation{}, total, nil
	}
	end := filter.Offset + filter.Limit
	if end > len(matched) {
		end = len(matched)
	}
	return matched[filter.Offset:end], total, nil
}

func (s *MemoryStore) SummarizeActive(ctx context.Context, tenantID int64, now time.Time) ([]domain.OriginSummary, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	byType := make(map[domain.OriginType]*domain.OriginSummary)
	origins := make(map[domain.OriginType]map[int64]struct{})
	for _, r := range s.rows {
		if r.TenantID != tenantID || !r.IsActiveAt(now) {
			continue
		}
		sum, ok := byType[r.OriginType]
		if !ok {
			sum = &domain.OriginSummary{OriginType: r.OriginType}
			byType[r.OriginType] = sum
			origins[r.OriginType] = make(map[int64]struct{})
		}
		sum.Reservations++
		sum.TotalQuantity += r.Quantity
		origins[r.OriginType][r.OriginID] = struct{}{}
	}

	out := make([]domain.OriginSummary, 0, len(byType))
	for t, sum := range byType {
		sum.Origins = int64(len(origins[t]))
		out = append(out, *sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].OriginType < out[j].OriginType })
	return out, nil
}

func (s *MemoryStore) WithinTx(ctx context.Context, tenantID int64, fn func(tx domain.Tx) error) error {
	tx := &memTx{
		store:    s,
		tenantID: tenantID,
		held:     make(map[string]func()),
		updates:  make(map[uint64]*domain.Reservation),
	}
	defer tx.releaseAll()

	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	tx.commit()
	return nil
}

// ExpireDue 跳过正被其他事务锁定的记录，下一轮清扫再处理
func (s *MemoryStore) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	s.mu.RLock()
	var due []*domain.Reservation
	for _, r := range s.rows {
		if r.State == domain.StateActive && !r.ExpiresAt.After(now) {
			due = append(due, r)
		}
	}
	s.mu.RUnlock()
	sort.Slice(due, func(i, j int) bool { return due[i].ExpiresAt.Before(due[j].ExpiresAt) })

	var out []*domain.Reservation
	for _, r := range due {
		if len(out) >= limit {
			break
		}
		unlock, err := s.locks.TryLock(ctx, rowLockName(r.ID))
		if err != nil {
			if errors.Is(err, lock.ErrContended) {
				continue
			}
			return out, err
		}
		s.mu.Lock()
		cur := s.rows[r.ID]
		if cur.Expire(now) == nil {
			out = append(out, clone(cur))
		}
		s.mu.Unlock()
		unlock()
	}
	return out, nil
}

type memTx struct {
	store    *MemoryStore
	tenantID int64
	held     map[string]func()
	inserts  []*domain.Reservation
	updates  map[uint64]*domain.Reservation
}

func (t *memTx) releaseAll() {
	for _, unlock := range t.held {
		unlock()
	}
}

func (t *memTx) commit() {
	s := t.store
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range t.inserts {
		s.rows[r.ID] = clone(r)
	}
	for id, r := range t.updates {
		s.rows[id] = clone(r)
	}
}

// tryHold 非阻塞获取锁，本事务已持有的锁可重入
func (t *memTx) tryHold(ctx context.Context, name string) error {
	if _, ok := t.held[name]; ok {
		return nil
	}
	unlock, err := t.store.locks.TryLock(ctx, name)
	if err != nil {
		return err
	}
	t.held[name] = unlock
	return nil
}

// hold 阻塞直到拿到锁或 ctx 结束，对应 SELECT ... FOR UPDATE
func (t *memTx) hold(ctx context.Context, name string) error {
	for {
		err := t.tryHold(ctx, name)
		if err == nil || !errors.Is(err, lock.ErrContended) {
			return err
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("%w: %v", domain.ErrLockContended, ctx.Err())
		case <-time.After(time.Millisecond):
		}
	}
}

func (t *memTx) LockStock(ctx context.Context, key domain.StockKey) (int64, error) {
	t.store.mu.RLock()
	rows := t.store.ledgerRows(t.tenantID, key)
	t.store.mu.RUnlock()

	acquired := make([]string, 0, len(rows))
	for _, k := range rows {
		name := k.lockName()
		_, already := t.held[name]
		if err := t.tryHold(ctx, name); err != nil {
			for _, n := range acquired {
				t.held[n]()
				delete(t.held, n)
			}
			if errors.Is(err, lock.ErrContended) {
				return 0, errors.Wrapf(domain.ErrLockContended, "%s", key)
			}
			return 0, err
		}
		if !already {
			acquired = append(acquired, name)
		}
	}

	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	var onHand int64
	for _, k := range rows {
		onHand += t.store.ledger[k]
	}
	return onHand, nil
}

// view 返回本事务看到的一条记录：优先取事务内的修改
func (t *memTx) view(r *domain.Reservation) *domain.Reservation {
	if u, ok := t.updates[r.ID]; ok {
		return u
	}
	return r
}

func (t *memTx) ReservedQuantity(ctx context.Context, key domain.StockKey, now time.Time) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()

	var total int64
	for _, r := range t.store.rows {
		r = t.view(r)
		if r.TenantID == t.tenantID && key.MatchesKey(r) && r.IsActiveAt(now) {
			total += r.Quantity
		}
	}
	for _, r := range t.inserts {
		if key.MatchesKey(r) && r.IsActiveAt(now) {
			total += r.Quantity
		}
	}
	return total, nil
}

func (t *memTx) Insert(ctx context.Context, r *domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t.store.mu.Lock()
	t.store.nextID++
	r.ID = t.store.nextID
	t.store.mu.Unlock()

	r.TenantID = t.tenantID
	t.inserts = append(t.inserts, clone(r))
	return nil
}

func (t *memTx) GetForUpdate(ctx context.Context, id uint64) (*domain.Reservation, error) {
	t.store.mu.RLock()
	r, ok := t.store.rows[id]
	t.store.mu.RUnlock()
	if !ok || r.TenantID != t.tenantID {
		return nil, domain.ErrNotFound
	}
	if err := t.hold(ctx, rowLockName(id)); err != nil {
		return nil, err
	}

	// 拿到锁后重新读取最新提交的版本
	t.store.mu.RLock()
	defer t.store.mu.RUnlock()
	return clone(t.view(t.store.rows[id])), nil
}

func (t *memTx) ActiveByOriginForUpdate(ctx context.Context, originType domain.OriginType, originID int64, now time.Time) ([]*domain.Reservation, error) {
	t.store.mu.RLock()
	var ids []uint64
	for id, r := range t.store.rows {
		if r.TenantID == t.tenantID && r.OriginType == originType && r.OriginID == originID {
			ids = append(ids, id)
		}
	}
	t.store.mu.RUnlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	var out []*domain.Reservation
	for _, id := range ids {
		if err := t.hold(ctx, rowLockName(id)); err != nil {
			return nil, err
		}
		t.store.mu.RLock()
		r := t.view(t.store.rows[id])
		t.store.mu.RUnlock()
		if r.IsActiveAt(now) {
			out = append(out, clone(r))
		}
	}
	return out, nil
}

func (t *memTx) SaveTransition(ctx context.Context, r *domain.Reservation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := t.held[rowLockName(r.ID)]; !ok {
		return errors.Errorf("reservation %d saved without row lock", r.ID)
	}
	t.updates[r.ID] = clone(r)
	return nil
}
