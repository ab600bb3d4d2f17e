package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/suite"
	"go.opentelemetry.io/otel/trace/noop"

	"stockhold/internal/pkg/lock"
	"stockhold/internal/service/reservation/domain"
	"stockhold/internal/service/reservation/infrastructure"
)

const tenant int64 = 1

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

type capturePublisher struct {
	mu     sync.Mutex
	events []domain.ReservationEvent
}

func (p *capturePublisher) Publish(_ context.Context, events ...domain.ReservationEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, events...)
	return nil
}

func (p *capturePublisher) ofType(t domain.EventType) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.Type == t {
			n++
		}
	}
	return n
}

func branch(id int64) *int64 { return &id }

var (
	hammer = domain.ProductTarget(100)
	nails  = domain.ProductTarget(200)
	glue   = domain.VariantTarget(300)
)

type ReservationServiceSuite struct {
	suite.Suite
	ctx     context.Context
	store   *infrastructure.MemoryStore
	clock   *fakeClock
	events  *capturePublisher
	metrics *Metrics
	svc     *ReservationService
}

func TestReservationServiceSuite(t *testing.T) {
	suite.Run(t, new(ReservationServiceSuite))
}

func (s *ReservationServiceSuite) SetupTest() {
	s.ctx = context.Background()
	s.store = infrastructure.NewMemoryStore()
	s.store.SetOnHand(tenant, hammer, 1, 10)
	s.store.SetOnHand(tenant, hammer, 2, 5)
	s.store.SetOnHand(tenant, nails, 1, 5)
	s.store.SetOnHand(tenant, glue, 1, 5)

	s.clock = &fakeClock{t: time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)}
	s.events = &capturePublisher{}
	s.metrics = NewMetrics(prometheus.NewRegistry())
	s.svc = NewReservationService(s.store, noop.NewTracerProvider().Tracer("test"),
		Config{MaxAttempts: 50, RetryBackoff: time.Millisecond},
		WithClock(s.clock.Now),
		WithPublisher(s.events),
		WithMetrics(s.metrics),
	)
}

func (s *ReservationServiceSuite) create(target domain.Target, b *int64, qty int64, origin domain.Origin, minutes int) *domain.Reservation {
	res, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: target, BranchID: b, Quantity: qty, Origin: origin, Minutes: minutes,
	})
	s.Require().NoError(err)
	return res.Reservation
}

func (s *ReservationServiceSuite) available(target domain.Target, b *int64) int64 {
	v, err := s.svc.GetAvailability(s.ctx, tenant, target, b)
	s.Require().NoError(err)
	return v
}

func sale(id int64) domain.Origin { return domain.Origin{Type: domain.OriginSale, ID: id} }

// ---- 分配 ----

func (s *ReservationServiceSuite) TestCreateReservationReducesAvailability() {
	res, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: 3, Origin: sale(1),
	})
	s.Require().NoError(err)
	s.Equal(int64(10), res.AvailableBefore)
	s.Equal(int64(7), res.AvailableAfter)
	s.Equal(domain.StateActive, res.Reservation.State)
	s.Equal(s.clock.Now().Add(domain.DefaultMinutes*time.Minute), res.Reservation.ExpiresAt)
	s.NotZero(res.Reservation.ID)

	s.Equal(int64(7), s.available(hammer, branch(1)))
	s.Equal(int64(5), s.available(hammer, branch(2)))
	// 全组织口径：两家门店合计 15，减去所有有效预占
	s.Equal(int64(12), s.available(hammer, nil))

	s.Equal(1, s.events.ofType(domain.EventCreated))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.allocations.WithLabelValues("single", "ok")))
}

func (s *ReservationServiceSuite) TestCreateReservationInsufficientStock() {
	_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: 11, Origin: sale(1),
	})
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)

	var insufficient *domain.InsufficientStockError
	s.Require().True(errors.As(err, &insufficient))
	s.Equal(int64(10), insufficient.Available)
	s.Equal(int64(11), insufficient.Requested)
	s.Equal(int64(1), insufficient.Shortfall())

	list, err := s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{})
	s.Require().NoError(err)
	s.Zero(list.Total)
	s.Zero(s.events.ofType(domain.EventCreated))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.allocations.WithLabelValues("single", "insufficient")))
}

func (s *ReservationServiceSuite) TestMissingLedgerRowMeansNoStock() {
	_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: domain.ProductTarget(999), Quantity: 1, Origin: sale(1),
	})
	var insufficient *domain.InsufficientStockError
	s.Require().True(errors.As(err, &insufficient))
	s.Zero(insufficient.Available)
}

func (s *ReservationServiceSuite) TestTargetMustBeExactlyOneOfProductOrVariant() {
	both := domain.Target{ProductID: hammer.ProductID, VariantID: glue.VariantID}
	for name, target := range map[string]domain.Target{"both": both, "neither": {}} {
		_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
			TenantID: tenant, Target: target, Quantity: 1, Origin: sale(1),
		})
		s.ErrorIs(err, domain.ErrInvalidTarget, name)
		s.True(domain.IsValidation(err), name)
	}
	s.Equal(float64(2), testutil.ToFloat64(s.metrics.allocations.WithLabelValues("single", "invalid")))
}

func (s *ReservationServiceSuite) TestCreateReservationValidation() {
	cases := map[string]struct {
		req  CreateReservationRequest
		want error
	}{
		"tenant":   {CreateReservationRequest{Target: hammer, Quantity: 1, Origin: sale(1)}, domain.ErrInvalidTenant},
		"quantity": {CreateReservationRequest{TenantID: tenant, Target: hammer, Quantity: 0, Origin: sale(1)}, domain.ErrInvalidQuantity},
		"origin":   {CreateReservationRequest{TenantID: tenant, Target: hammer, Quantity: 1, Origin: domain.Origin{Type: "venta_pos", ID: 1}}, domain.ErrInvalidOrigin},
		"minutes":  {CreateReservationRequest{TenantID: tenant, Target: hammer, Quantity: 1, Origin: sale(1), Minutes: -1}, domain.ErrInvalidMinutes},
		"branch":   {CreateReservationRequest{TenantID: tenant, Target: hammer, BranchID: branch(0), Quantity: 1, Origin: sale(1)}, domain.ErrInvalidTarget},
	}
	for name, tc := range cases {
		req := tc.req
		_, err := s.svc.CreateReservation(s.ctx, &req)
		s.ErrorIs(err, tc.want, name)
	}
}

func (s *ReservationServiceSuite) TestConcurrentAllocationsNeverOverAllocate() {
	const k = 20
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int64
		failures  []*domain.InsufficientStockError
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
				TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: 3, Origin: sale(int64(i + 1)),
			})
			mu.Lock()
			defer mu.Unlock()
			var insufficient *domain.InsufficientStockError
			switch {
			case err == nil:
				succeeded++
			case errors.As(err, &insufficient):
				failures = append(failures, insufficient)
			default:
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	s.Empty(others)
	s.Equal(int64(3), succeeded)
	s.Len(failures, k-3)
	for _, f := range failures {
		s.Equal(int64(1), f.Available)
		s.Equal(int64(2), f.Shortfall())
	}

	info, err := s.svc.GetStockInfo(s.ctx, tenant, hammer, branch(1))
	s.Require().NoError(err)
	s.Equal(int64(9), info.Reserved)
	s.LessOrEqual(info.Reserved, info.OnHand)
	s.Equal(int64(3), info.ActiveCount)
}

func (s *ReservationServiceSuite) TestSixVersusSevenOnTen() {
	type outcome struct {
		qty int64
		err error
	}
	results := make(chan outcome, 2)
	start := make(chan struct{})
	for _, qty := range []int64{6, 7} {
		go func(qty int64) {
			<-start
			_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
				TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: qty, Origin: sale(qty),
			})
			results <- outcome{qty: qty, err: err}
		}(qty)
	}
	close(start)

	var winner, loser outcome
	for i := 0; i < 2; i++ {
		o := <-results
		if o.err == nil {
			winner = o
		} else {
			loser = o
		}
	}
	s.Require().NotZero(winner.qty, "exactly one allocation must succeed")
	s.Require().ErrorIs(loser.err, domain.ErrInsufficientStock)

	var insufficient *domain.InsufficientStockError
	s.Require().True(errors.As(loser.err, &insufficient))
	s.Equal(10-winner.qty, insufficient.Available)

	suff, err := s.svc.CheckSufficiency(s.ctx, tenant, hammer, loser.qty, branch(1))
	s.Require().NoError(err)
	s.False(suff.Sufficient)
	s.Equal(10-winner.qty, suff.Available)
	s.Equal(loser.qty-(10-winner.qty), suff.Shortfall)
}

func (s *ReservationServiceSuite) TestOrganizationWideAndBranchHoldsShareStock() {
	// nails 只在门店 1 有 5 件
	org := s.create(nails, nil, 5, sale(1), 0)

	_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: nails, BranchID: branch(1), Quantity: 5, Origin: sale(2),
	})
	var insufficient *domain.InsufficientStockError
	s.Require().True(errors.As(err, &insufficient))
	s.Zero(insufficient.Available)

	info, err := s.svc.GetStockInfo(s.ctx, tenant, nails, nil)
	s.Require().NoError(err)
	s.Equal(domain.StockLevel{OnHand: 5, Reserved: 5, Available: 0, ActiveCount: 1}, info.StockLevel)
	s.Zero(s.available(nails, branch(1)))

	// 反过来，门店预占也会减少全组织可用量
	_, err = s.svc.ReleaseReservation(s.ctx, tenant, org.ID, "")
	s.Require().NoError(err)
	s.create(nails, branch(1), 4, sale(3), 0)
	_, err = s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
		TenantID: tenant, Target: nails, Quantity: 2, Origin: sale(4),
	})
	s.Require().True(errors.As(err, &insufficient))
	s.Equal(int64(1), insufficient.Available)
}

func (s *ReservationServiceSuite) TestMixedScopeConcurrentAllocationsNeverOverAllocate() {
	const k = 12
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		others    []error
	)
	start := make(chan struct{})
	for i := 0; i < k; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			var b *int64
			if i%2 == 0 {
				b = branch(1)
			}
			_, err := s.svc.CreateReservation(s.ctx, &CreateReservationRequest{
				TenantID: tenant, Target: nails, BranchID: b, Quantity: 1, Origin: sale(int64(i + 1)),
			})
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case !errors.Is(err, domain.ErrInsufficientStock):
				others = append(others, err)
			}
		}(i)
	}
	close(start)
	wg.Wait()

	s.Empty(others)
	s.Equal(5, succeeded)
	info, err := s.svc.GetStockInfo(s.ctx, tenant, nails, nil)
	s.Require().NoError(err)
	s.Equal(int64(5), info.Reserved)
	s.Zero(info.Available)
}

// lockHookStore 在某个台账口径加锁成功后回调一次，用来在事务中途插入并发提交
type lockHookStore struct {
	*infrastructure.MemoryStore
	onLock func(domain.StockKey)
}

func (s *lockHookStore) WithinTx(ctx context.Context, tenantID int64, fn func(tx domain.Tx) error) error {
	return s.MemoryStore.WithinTx(ctx, tenantID, func(tx domain.Tx) error {
		return fn(&lockHookTx{Tx: tx, onLock: s.onLock})
	})
}

type lockHookTx struct {
	domain.Tx
	onLock func(domain.StockKey)
}

func (t *lockHookTx) LockStock(ctx context.Context, key domain.StockKey) (int64, error) {
	onHand, err := t.Tx.LockStock(ctx, key)
	if err == nil {
		t.onLock(key)
	}
	return onHand, err
}

func (s *ReservationServiceSuite) TestBatchSeesAllocationCommittedAfterItStarted() {
	var once sync.Once
	hooked := &lockHookStore{MemoryStore: s.store}
	hooked.onLock = func(key domain.StockKey) {
		if key.TargetID != *hammer.ProductID {
			return
		}
		// 批量事务已锁住 hammer，此时另一个请求在 nails 上提交 3 件
		once.Do(func() { s.create(nails, branch(1), 3, sale(99), 0) })
	}
	svc := NewReservationService(hooked, noop.NewTracerProvider().Tracer("test"), Config{}, WithClock(s.clock.Now))

	_, err := svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		BranchID: branch(1),
		Origin:   domain.Origin{Type: domain.OriginOrder, ID: 1},
		Items:    []BatchItem{{Target: nails, Quantity: 3}, {Target: hammer, Quantity: 1}},
	})
	var batchErr *domain.BatchAllocationError
	s.Require().True(errors.As(err, &batchErr))
	s.Require().Len(batchErr.Lines, 1)
	s.Equal(0, batchErr.Lines[0].Index)
	s.Equal(int64(2), batchErr.Lines[0].Available)

	info, err := s.svc.GetStockInfo(s.ctx, tenant, nails, branch(1))
	s.Require().NoError(err)
	s.Equal(int64(3), info.Reserved)
	s.Equal(int64(10), s.available(hammer, branch(1)))
}

func (s *ReservationServiceSuite) TestExpirationPolicyAndExplicitMinutes() {
	svc := NewReservationService(s.store, noop.NewTracerProvider().Tracer("test"), Config{},
		WithClock(s.clock.Now), WithPolicy(infrastructure.StaticPolicy(30)))

	res, err := svc.CreateReservation(s.ctx, &CreateReservationRequest{TenantID: tenant, Target: nails, Quantity: 1, Origin: sale(1)})
	s.Require().NoError(err)
	s.Equal(s.clock.Now().Add(30*time.Minute), res.Reservation.ExpiresAt)

	res, err = svc.CreateReservation(s.ctx, &CreateReservationRequest{TenantID: tenant, Target: nails, Quantity: 1, Origin: sale(2), Minutes: 5})
	s.Require().NoError(err)
	s.Equal(s.clock.Now().Add(5*time.Minute), res.Reservation.ExpiresAt)
}

func (s *ReservationServiceSuite) TestGuardContentionIsRetriedThenSurfaced() {
	guard := lock.NewLocalLocker()
	metrics := NewMetrics(prometheus.NewRegistry())
	svc := NewReservationService(s.store, noop.NewTracerProvider().Tracer("test"),
		Config{MaxAttempts: 2, RetryBackoff: time.Millisecond},
		WithClock(s.clock.Now), WithGuard(guard), WithMetrics(metrics))

	key := domain.NewStockKey(hammer, branch(1)).LockKey(tenant)
	unlock, err := guard.TryLock(s.ctx, key)
	s.Require().NoError(err)

	_, err = svc.CreateReservation(s.ctx, &CreateReservationRequest{TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: 1, Origin: sale(1)})
	s.ErrorIs(err, domain.ErrLockContended)
	s.Equal(float64(2), testutil.ToFloat64(metrics.contention.WithLabelValues("create")))
	s.Equal(float64(1), testutil.ToFloat64(metrics.allocations.WithLabelValues("single", "contended")))

	// 锁只按 (租户, 目标) 区分，其他目标不受影响
	_, err = svc.CreateReservation(s.ctx, &CreateReservationRequest{TenantID: tenant, Target: nails, BranchID: branch(1), Quantity: 1, Origin: sale(1)})
	s.NoError(err)

	unlock()
	_, err = svc.CreateReservation(s.ctx, &CreateReservationRequest{TenantID: tenant, Target: hammer, BranchID: branch(1), Quantity: 1, Origin: sale(1)})
	s.NoError(err)
	s.False(guard.Held(key))
}

func (s *ReservationServiceSuite) TestCancelledContextLeavesNoRow() {
	ctx, cancel := context.WithCancel(s.ctx)
	cancel()
	_, err := s.svc.CreateReservation(ctx, &CreateReservationRequest{TenantID: tenant, Target: hammer, Quantity: 1, Origin: sale(1)})
	s.ErrorIs(err, context.Canceled)
	s.Equal(int64(15), s.available(hammer, nil))
}

// ---- 批量 ----

func (s *ReservationServiceSuite) TestBatchIsAllOrNothing() {
	_, err := s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		BranchID: branch(1),
		Origin:   domain.Origin{Type: domain.OriginOrder, ID: 7},
		Items: []BatchItem{
			{Target: hammer, Quantity: 2},
			{Target: nails, Quantity: 50},
			{Target: glue, Quantity: 1},
		},
	})
	s.Require().ErrorIs(err, domain.ErrInsufficientStock)

	var batchErr *domain.BatchAllocationError
	s.Require().True(errors.As(err, &batchErr))
	s.Require().Len(batchErr.Lines, 1)
	s.Equal(1, batchErr.Lines[0].Index)
	s.Equal(int64(50), batchErr.Lines[0].Requested)
	s.Equal(int64(5), batchErr.Lines[0].Available)

	// 第 1、3 行也没有留下任何预占
	list, err := s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{})
	s.Require().NoError(err)
	s.Zero(list.Total)
	s.Equal(int64(10), s.available(hammer, branch(1)))
	s.Equal(int64(5), s.available(glue, branch(1)))
	s.Zero(s.events.ofType(domain.EventCreated))
}

func (s *ReservationServiceSuite) TestBatchReportsEveryFailingLine() {
	_, err := s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		BranchID: branch(1),
		Origin:   domain.Origin{Type: domain.OriginOrder, ID: 7},
		Items: []BatchItem{
			{Target: glue, Quantity: 6},
			{Target: hammer, Quantity: 1},
			{Target: nails, Quantity: 9},
		},
	})
	var batchErr *domain.BatchAllocationError
	s.Require().True(errors.As(err, &batchErr))
	s.Require().Len(batchErr.Lines, 2)
	s.Equal(0, batchErr.Lines[0].Index)
	s.Equal(2, batchErr.Lines[1].Index)
	s.Contains(err.Error(), "2 line(s) failed")
}

func (s *ReservationServiceSuite) TestBatchKeepsInputOrderAndCountsEarlierLines() {
	out, err := s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		BranchID: branch(1),
		Origin:   domain.Origin{Type: domain.OriginOrder, ID: 8},
		Items: []BatchItem{
			{Target: glue, Quantity: 1},
			{Target: hammer, Quantity: 6},
			{Target: hammer, Quantity: 4},
		},
	})
	s.Require().NoError(err)
	s.Require().Len(out, 3)
	s.True(out[0].Target().IsVariant())
	s.Equal(int64(6), out[1].Quantity)
	s.Equal(int64(4), out[2].Quantity)
	s.Equal(int64(0), s.available(hammer, branch(1)))
	s.Equal(3, s.events.ofType(domain.EventCreated))

	// 同一批次中后面的行能看到前面行的占用
	_, err = s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		BranchID: branch(1),
		Origin:   domain.Origin{Type: domain.OriginOrder, ID: 9},
		Items:    []BatchItem{{Target: nails, Quantity: 3}, {Target: nails, Quantity: 3}},
	})
	var batchErr *domain.BatchAllocationError
	s.Require().True(errors.As(err, &batchErr))
	s.Equal(1, batchErr.Lines[0].Index)
	s.Equal(int64(2), batchErr.Lines[0].Available)
}

func (s *ReservationServiceSuite) TestBatchValidationNamesTheLine() {
	_, err := s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{
		TenantID: tenant,
		Origin:   sale(1),
		Items:    []BatchItem{{Target: hammer, Quantity: 1}, {Target: domain.Target{}, Quantity: 1}},
	})
	var v *domain.ValidationError
	s.Require().True(errors.As(err, &v))
	s.Equal("items[1].target", v.Field)

	_, err = s.svc.CreateReservationBatch(s.ctx, &CreateBatchRequest{TenantID: tenant, Origin: sale(1)})
	s.True(domain.IsValidation(err))
}

// ---- 过期 ----

func (s *ReservationServiceSuite) TestLazyExpirationBeforeSweep() {
	r := s.create(hammer, branch(1), 4, sale(1), 1)
	s.Equal(int64(6), s.available(hammer, branch(1)))

	s.clock.Advance(61 * time.Second)
	s.Equal(int64(10), s.available(hammer, branch(1)))

	active := domain.StateActive
	list, err := s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{State: &active})
	s.Require().NoError(err)
	s.Zero(list.Total)

	expired := domain.StateExpired
	list, err = s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{State: &expired})
	s.Require().NoError(err)
	s.Require().Len(list.Items, 1)
	s.Equal(domain.StateExpired, list.Items[0].State)

	got, err := s.svc.GetReservation(s.ctx, tenant, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateExpired, got.State)

	summary, err := s.svc.SummarizeActive(s.ctx, tenant)
	s.Require().NoError(err)
	s.Empty(summary)

	n, err := s.svc.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, n)
	s.Equal(1, s.events.ofType(domain.EventExpired))
	s.Equal(float64(1), testutil.ToFloat64(s.metrics.swept))

	n, err = s.svc.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Zero(n)
	s.Equal(int64(10), s.available(hammer, branch(1)))
}

func (s *ReservationServiceSuite) TestSweepProcessesAllBatches() {
	svc := NewReservationService(s.store, noop.NewTracerProvider().Tracer("test"),
		Config{SweepBatch: 2}, WithClock(s.clock.Now))
	for i := int64(1); i <= 5; i++ {
		s.create(glue, nil, 1, sale(i), 1)
	}
	s.clock.Advance(2 * time.Minute)

	n, err := svc.SweepExpired(s.ctx)
	s.Require().NoError(err)
	s.Equal(5, n)
}

func (s *ReservationServiceSuite) TestExpirerStopsWithContext() {
	svc := NewReservationService(s.store, noop.NewTracerProvider().Tracer("test"),
		Config{SweepInterval: 5 * time.Millisecond}, WithClock(s.clock.Now))
	r := s.create(glue, nil, 1, sale(1), 1)
	s.clock.Advance(2 * time.Minute)

	ctx, cancel := context.WithCancel(s.ctx)
	done := make(chan error, 1)
	go func() { done <- NewExpirer(svc).Run(ctx) }()

	s.Eventually(func() bool {
		stored, err := s.store.FindByID(s.ctx, tenant, r.ID)
		return err == nil && stored.State == domain.StateExpired
	}, time.Second, 5*time.Millisecond)

	cancel()
	s.NoError(<-done)
}

// ---- 生命周期 ----

func (s *ReservationServiceSuite) TestConfirmOnlyFromActive() {
	r := s.create(hammer, branch(1), 2, sale(1), 0)

	confirmed, err := s.svc.ConfirmReservation(s.ctx, tenant, r.ID, "cashier-7")
	s.Require().NoError(err)
	s.Equal(domain.StateConfirmed, confirmed.State)
	s.Equal("cashier-7", confirmed.ConfirmedBy)
	s.NotNil(confirmed.ConfirmedAt)

	_, err = s.svc.ConfirmReservation(s.ctx, tenant, r.ID, "cashier-7")
	s.ErrorIs(err, domain.ErrNotConfirmable)
	s.ErrorIs(err, domain.ErrInvalidState)

	_, err = s.svc.ConfirmReservation(s.ctx, tenant, 9999, "cashier-7")
	s.ErrorIs(err, domain.ErrNotFound)

	// 已确认的预占不再计入占用
	s.Equal(int64(10), s.available(hammer, branch(1)))
}

func (s *ReservationServiceSuite) TestConfirmLazilyExpiredPersistsExpiry() {
	r := s.create(hammer, branch(1), 2, sale(1), 1)
	s.clock.Advance(2 * time.Minute)

	_, err := s.svc.ConfirmReservation(s.ctx, tenant, r.ID, "cashier-7")
	s.ErrorIs(err, domain.ErrNotConfirmable)
	s.Equal(1, s.events.ofType(domain.EventExpired))

	stored, err := s.store.FindByID(s.ctx, tenant, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateExpired, stored.State)
}

func (s *ReservationServiceSuite) TestConfirmReservationsIsBestEffort() {
	a := s.create(hammer, branch(1), 1, sale(1), 0)
	b := s.create(hammer, branch(1), 1, sale(2), 0)

	res := s.svc.ConfirmReservations(s.ctx, tenant, []uint64{a.ID, 9999, b.ID, a.ID}, "u")
	s.Len(res.Confirmed, 2)
	s.Require().Len(res.Failed, 2)
	s.Equal(uint64(9999), res.Failed[0].ID)
	s.ErrorIs(res.Failed[0].Err, domain.ErrNotFound)
	s.Equal(a.ID, res.Failed[1].ID)
	s.ErrorIs(res.Failed[1].Err, domain.ErrNotConfirmable)
}

func (s *ReservationServiceSuite) TestReleaseIsIdempotent() {
	r := s.create(hammer, branch(1), 4, sale(1), 0)
	s.Equal(int64(6), s.available(hammer, branch(1)))

	ok, err := s.svc.ReleaseReservation(s.ctx, tenant, r.ID, "customer left")
	s.Require().NoError(err)
	s.True(ok)
	s.Equal(int64(10), s.available(hammer, branch(1)))

	ok, err = s.svc.ReleaseReservation(s.ctx, tenant, r.ID, "customer left")
	s.NoError(err)
	s.False(ok)
	s.Equal(int64(10), s.available(hammer, branch(1)))
	s.Equal(1, s.events.ofType(domain.EventReleased))

	got, err := s.svc.GetReservation(s.ctx, tenant, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateReleased, got.State)
	s.Equal("customer left", got.ReleaseReason)

	_, err = s.svc.ReleaseReservation(s.ctx, tenant, 9999, "")
	s.ErrorIs(err, domain.ErrNotFound)
}

func (s *ReservationServiceSuite) TestConfirmedCannotBeReleasedOrCancelled() {
	r := s.create(hammer, branch(1), 1, sale(1), 0)
	_, err := s.svc.ConfirmReservation(s.ctx, tenant, r.ID, "")
	s.Require().NoError(err)

	ok, err := s.svc.ReleaseReservation(s.ctx, tenant, r.ID, "late void")
	s.NoError(err)
	s.False(ok)

	ok, err = s.svc.CancelReservation(s.ctx, tenant, r.ID, "late void")
	s.NoError(err)
	s.False(ok)
}

func (s *ReservationServiceSuite) TestCancelSetsCancelledState() {
	r := s.create(glue, nil, 1, sale(1), 0)
	ok, err := s.svc.CancelReservation(s.ctx, tenant, r.ID, "duplicate")
	s.Require().NoError(err)
	s.True(ok)

	got, err := s.svc.GetReservation(s.ctx, tenant, r.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateCancelled, got.State)
	s.Equal(1, s.events.ofType(domain.EventCancelled))
}

func (s *ReservationServiceSuite) TestReleaseByOriginSkipsConfirmed() {
	origin := sale(42)
	for i := 0; i < 3; i++ {
		s.create(hammer, branch(1), 1, origin, 0)
	}
	confirmed := s.create(hammer, branch(1), 1, origin, 0)
	_, err := s.svc.ConfirmReservation(s.ctx, tenant, confirmed.ID, "pos")
	s.Require().NoError(err)
	other := s.create(hammer, branch(1), 1, sale(43), 0)

	n, err := s.svc.ReleaseByOrigin(s.ctx, tenant, domain.OriginSale, 42, "voided")
	s.Require().NoError(err)
	s.Equal(3, n)

	got, err := s.svc.GetReservation(s.ctx, tenant, confirmed.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateConfirmed, got.State)

	got, err = s.svc.GetReservation(s.ctx, tenant, other.ID)
	s.Require().NoError(err)
	s.Equal(domain.StateActive, got.State)

	n, err = s.svc.ReleaseByOrigin(s.ctx, tenant, domain.OriginSale, 42, "voided")
	s.Require().NoError(err)
	s.Zero(n)

	_, err = s.svc.ReleaseByOrigin(s.ctx, tenant, "venta_pos", 42, "voided")
	s.ErrorIs(err, domain.ErrInvalidOrigin)
}

func (s *ReservationServiceSuite) TestConfirmByOrigin() {
	origin := domain.Origin{Type: domain.OriginOrder, ID: 5}
	s.create(hammer, branch(1), 1, origin, 0)
	s.create(nails, branch(1), 2, origin, 0)
	s.create(glue, branch(1), 1, origin, 1)
	s.clock.Advance(2 * time.Minute)

	n, err := s.svc.ConfirmByOrigin(s.ctx, tenant, domain.OriginOrder, 5, "checkout")
	s.Require().NoError(err)
	s.Equal(2, n)
	s.Equal(2, s.events.ofType(domain.EventConfirmed))
}

func (s *ReservationServiceSuite) TestExtendOnlyWhileActive() {
	r := s.create(hammer, branch(1), 1, sale(1), 0)
	originalExpiry := r.ExpiresAt

	extended, err := s.svc.ExtendReservation(s.ctx, tenant, r.ID, 10)
	s.Require().NoError(err)
	s.Require().NotNil(extended)
	s.Equal(originalExpiry.Add(10*time.Minute), extended.ExpiresAt)

	_, err = s.svc.ExtendReservation(s.ctx, tenant, r.ID, 0)
	s.ErrorIs(err, domain.ErrInvalidMinutes)

	_, err = s.svc.ConfirmReservation(s.ctx, tenant, r.ID, "")
	s.Require().NoError(err)
	extended, err = s.svc.ExtendReservation(s.ctx, tenant, r.ID, 10)
	s.NoError(err)
	s.Nil(extended)

	got, err := s.svc.GetReservation(s.ctx, tenant, r.ID)
	s.Require().NoError(err)
	s.Equal(originalExpiry.Add(10*time.Minute), got.ExpiresAt)

	released := s.create(hammer, branch(1), 1, sale(2), 0)
	_, err = s.svc.ReleaseReservation(s.ctx, tenant, released.ID, "")
	s.Require().NoError(err)
	extended, err = s.svc.ExtendReservation(s.ctx, tenant, released.ID, 10)
	s.NoError(err)
	s.Nil(extended)

	got, err = s.svc.GetReservation(s.ctx, tenant, released.ID)
	s.Require().NoError(err)
	s.Equal(released.ExpiresAt, got.ExpiresAt)
}

func (s *ReservationServiceSuite) TestExtendKeepsHoldAliveAcrossOriginalExpiry() {
	r := s.create(hammer, branch(1), 3, sale(1), 1)
	_, err := s.svc.ExtendReservation(s.ctx, tenant, r.ID, 5)
	s.Require().NoError(err)

	s.clock.Advance(2 * time.Minute)
	s.Equal(int64(7), s.available(hammer, branch(1)))
}

// ---- 查询 ----

func (s *ReservationServiceSuite) TestStockInfoAndBatchAvailability() {
	s.create(hammer, branch(1), 2, sale(1), 0)
	s.create(hammer, branch(2), 1, sale(2), 0)
	s.create(glue, nil, 1, sale(3), 0)

	info, err := s.svc.GetStockInfo(s.ctx, tenant, hammer, nil)
	s.Require().NoError(err)
	s.Equal(domain.StockLevel{OnHand: 15, Reserved: 3, Available: 12, ActiveCount: 2}, info.StockLevel)

	keys := []domain.StockKey{
		domain.NewStockKey(hammer, branch(1)),
		domain.NewStockKey(hammer, nil),
		domain.NewStockKey(glue, nil),
	}
	levels, err := s.svc.GetAvailabilityBatch(s.ctx, tenant, keys)
	s.Require().NoError(err)
	s.Equal(int64(8), levels[keys[0]].Available)
	s.Equal(int64(12), levels[keys[1]].Available)
	s.Equal(int64(4), levels[keys[2]].Available)

	suff, err := s.svc.CheckSufficiency(s.ctx, tenant, glue, 4, nil)
	s.Require().NoError(err)
	s.True(suff.Sufficient)
	s.Zero(suff.Shortfall)

	_, err = s.svc.CheckSufficiency(s.ctx, tenant, glue, 0, nil)
	s.ErrorIs(err, domain.ErrInvalidQuantity)

	_, err = s.svc.GetAvailability(s.ctx, 0, glue, nil)
	s.ErrorIs(err, domain.ErrInvalidTenant)
}

func (s *ReservationServiceSuite) TestListFiltersAndSummary() {
	s.create(hammer, branch(1), 2, sale(1), 0)
	s.create(hammer, branch(2), 1, sale(1), 0)
	s.create(glue, branch(1), 1, domain.Origin{Type: domain.OriginQuote, ID: 9}, 0)

	list, err := s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{Target: &hammer})
	s.Require().NoError(err)
	s.Equal(int64(2), list.Total)
	s.Equal(domain.DefaultPageSize, list.Limit)

	list, err = s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{BranchID: branch(1), Limit: 1})
	s.Require().NoError(err)
	s.Equal(int64(2), list.Total)
	s.Len(list.Items, 1)

	quote := domain.OriginQuote
	list, err = s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{OriginType: &quote})
	s.Require().NoError(err)
	s.Equal(int64(1), list.Total)

	bogus := domain.State("lost")
	_, err = s.svc.ListReservations(s.ctx, tenant, domain.ListFilter{State: &bogus})
	s.True(domain.IsValidation(err))

	summary, err := s.svc.SummarizeActive(s.ctx, tenant)
	s.Require().NoError(err)
	s.Equal([]domain.OriginSummary{
		{OriginType: domain.OriginQuote, Reservations: 1, TotalQuantity: 1, Origins: 1},
		{OriginType: domain.OriginSale, Reservations: 2, TotalQuantity: 3, Origins: 1},
	}, summary)
}

func TestBackoffStaysWithinJitterWindow(t *testing.T) {
	for attempt := 1; attempt <= 5; attempt++ {
		d := backoff(10*time.Millisecond, attempt)
		full := time.Duration(attempt) * 10 * time.Millisecond
		assert.GreaterOrEqual(t, d, full/2)
		assert.LessOrEqual(t, d, full)
	}
}

func TestOutcomeOf(t *testing.T) {
	assert.Equal(t, "ok", outcomeOf(nil))
	assert.Equal(t, "invalid", outcomeOf(&domain.ValidationError{Field: "x", Err: domain.ErrInvalidQuantity}))
	assert.Equal(t, "insufficient", outcomeOf(&domain.BatchAllocationError{}))
	assert.Equal(t, "contended", outcomeOf(domain.ErrLockContended))
	assert.Equal(t, "error", outcomeOf(errors.New("connection reset")))
}
