package infrastructure

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	mysqldrv "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"
	gormmysql "gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	gormlogger "gorm.io/gorm/logger"

	"stockhold/internal/service/reservation/domain"
)

// StoreConfig 是存储层配置，driver 为 memory 时其余字段被忽略
type StoreConfig struct {
	Driver          string        `yaml:"driver"`
	DSN             string        `yaml:"dsn"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	SlowThreshold   time.Duration `yaml:"slow_threshold"`
	AutoMigrate     bool          `yaml:"auto_migrate"`
}

// MySQL 的锁等待超时、死锁、NOWAIT/SKIP LOCKED 冲突
const (
	mysqlLockWaitTimeout uint16 = 1205
	mysqlDeadlock        uint16 = 1213
	mysqlLockNowait      uint16 = 3572
)

// OpenMySQL 打开 GORM 连接。DSN 会被强制加上 parseTime 与 UTC 时区。
func OpenMySQL(cfg StoreConfig) (*gorm.DB, error) {
	dsnCfg, err := mysqldrv.ParseDSN(cfg.DSN)
	if err != nil {
		return nil, errors.Wrap(err, "parse mysql dsn")
	}
	dsnCfg.ParseTime = true
	dsnCfg.Loc = time.UTC

	db, err := gorm.Open(gormmysql.New(gormmysql.Config{DSN: dsnCfg.FormatDSN()}), &gorm.Config{
		Logger:  newGormLogger(gormlogger.Warn, cfg.SlowThreshold),
		NowFunc: func() time.Time { return time.Now().UTC() },
	})
	if err != nil {
		return nil, errors.Wrap(err, "open mysql")
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "get sql.DB")
	}
	if cfg.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	return db, nil
}

// GormStore 是 domain.Store 的 MySQL 实现
type GormStore struct {
	db *gorm.DB
}

// NewGormStore 创建一个新的 GORM 存储实例
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{db: db}
}

// AutoMigrate 建表，仅用于开发环境
func (s *GormStore) AutoMigrate(ctx context.Context) error {
	return errors.Wrap(s.db.WithContext(ctx).AutoMigrate(&ReservationModel{}, &StockLedgerModel{}), "auto migrate")
}

// ---- 查询作用域 ----

func tenantScope(tenantID int64) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("tenant_id = ?", tenantID)
	}
}

func targetScope(key domain.StockKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if key.Variant {
			return db.Where("variant_id = ?", key.TargetID)
		}
		return db.Where("product_id = ?", key.TargetID)
	}
}

// keyScope 把库存口径翻译成台账行的条件
func keyScope(key domain.StockKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = targetScope(key)(db)
		if key.BranchID != 0 {
			db = db.Where("branch_id = ?", key.BranchID)
		}
		return db
	}
}

// reservedScope 是占用口径可用量的预占条件，门店口径同时包含全组织预占
func reservedScope(key domain.StockKey) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = targetScope(key)(db)
		if key.BranchID != 0 {
			db = db.Where("(branch_id = ? OR branch_id IS NULL)", key.BranchID)
		}
		return db
	}
}

// activeAt 是惰性过期的核心条件：状态为 active 且尚未到期
func activeAt(now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		return db.Where("state = ? AND expires_at > ?", domain.StateActive, now)
	}
}

func filterScope(f domain.ListFilter, now time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		if f.ActiveOnly {
			db = db.Scopes(activeAt(now))
		}
		if f.State != nil {
			switch *f.State {
			case domain.StateExpired:
				db = db.Where("(state = ? OR (state = ? AND expires_at <= ?))", domain.StateExpired, domain.StateActive, now)
			default:
				db = db.Where("state = ?", *f.State)
			}
		}
		if f.Target != nil {
			if f.Target.ProductID != nil {
				db = db.Where("product_id = ?", *f.Target.ProductID)
			}
			if f.Target.VariantID != nil {
				db = db.Where("variant_id = ?", *f.Target.VariantID)
			}
		}
		if f.BranchID != nil {
			db = db.Where("branch_id = ?", *f.BranchID)
		}
		if f.OriginType != nil {
			db = db.Where("origin_type = ?", *f.OriginType)
		}
		if f.OriginID != nil {
			db = db.Where("origin_id = ?", *f.OriginID)
		}
		return db
	}
}

// ---- 读操作 ----

type quantityAgg struct {
	Quantity int64
	Count    int64
}

// StockLevel 不加锁，分别汇总台账与有效预占
func (s *GormStore) StockLevel(ctx context.Context, tenantID int64, key domain.StockKey, now time.Time) (domain.StockLevel, error) {
	db := s.db.WithContext(ctx)

	var onHand quantityAgg
	err := db.Model(&StockLedgerModel{}).
		Select("COALESCE(SUM(on_hand), 0) AS quantity, COUNT(*) AS count").
		Scopes(tenantScope(tenantID), keyScope(key)).
		Find(&onHand).Error
	if err != nil {
		return domain.StockLevel{}, storageErr(err, "sum on hand")
	}

	var reserved quantityAgg
	err = db.Model(&ReservationModel{}).
		Select("COALESCE(SUM(quantity), 0) AS quantity, COUNT(*) AS count").
		Scopes(tenantScope(tenantID), reservedScope(key), activeAt(now)).
		Find(&reserved).Error
	if err != nil {
		return domain.StockLevel{}, storageErr(err, "sum reserved")
	}
	return domain.NewStockLevel(onHand.Quantity, reserved.Quantity, reserved.Count), nil
}

type groupedRow struct {
	ProductID *int64
	VariantID *int64
	BranchID  *int64
	Quantity  int64
	Count     int64
}

// StockLevels 对台账和预占各做一次分组查询，再在内存中折算到每个口径
func (s *GormStore) StockLevels(ctx context.Context, tenantID int64, keys []domain.StockKey, now time.Time) (map[domain.StockKey]domain.StockLevel, error) {
	out := make(map[domain.StockKey]domain.StockLevel, len(keys))
	if len(keys) == 0 {
		return out, nil
	}
	targets := targetsScope(keys)
	db := s.db.WithContext(ctx)

	var ledger []groupedRow
	err := db.Model(&StockLedgerModel{}).
		Select("product_id, variant_id, branch_id, SUM(on_hand) AS quantity, COUNT(*) AS count").
		Scopes(tenantScope(tenantID), targets).
		Group("product_id, variant_id, branch_id").
		Find(&ledger).Error
	if err != nil {
		return nil, storageErr(err, "group on hand")
	}

	var reserved []groupedRow
	err = db.Model(&ReservationModel{}).
		Select("product_id, variant_id, branch_id, SUM(quantity) AS quantity, COUNT(*) AS count").
		Scopes(tenantScope(tenantID), targets, activeAt(now)).
		Group("product_id, variant_id, branch_id").
		Find(&reserved).Error
	if err != nil {
		return nil, storageErr(err, "group reserved")
	}

	for _, k := range keys {
		onHand, _ := foldRows(ledger, k, false)
		qty, count := foldRows(reserved, k, true)
		out[k] = domain.NewStockLevel(onHand, qty, count)
	}
	return out, nil
}

// targetsScope 用 IN 条件一次覆盖所有目标
func targetsScope(keys []domain.StockKey) func(*gorm.DB) *gorm.DB {
	var products, variants []int64
	for _, k := range keys {
		if k.Variant {
			variants = append(variants, k.TargetID)
		} else {
			products = append(products, k.TargetID)
		}
	}
	return func(db *gorm.DB) *gorm.DB {
		switch {
		case len(products) > 0 && len(variants) > 0:
			return db.Where("(product_id IN ? OR variant_id IN ?)", products, variants)
		case len(variants) > 0:
			return db.Where("variant_id IN ?", variants)
		default:
			return db.Where("product_id IN ?", products)
		}
	}
}

// foldRows 把分组结果折算到一个口径。orgWide 为 true 时，
// 门店口径也计入 branch_id 为空的行，与 reservedScope 一致。
func foldRows(rows []groupedRow, k domain.StockKey, orgWide bool) (quantity, count int64) {
	for _, row := range rows {
		id := row.ProductID
		if k.Variant {
			id = row.VariantID
		}
		if id == nil || *id != k.TargetID {
			continue
		}
		if k.BranchID != 0 {
			switch {
			case row.BranchID == nil:
				if !orgWide {
					continue
				}
			case *row.BranchID != k.BranchID:
				continue
			}
		}
		quantity += row.Quantity
		count += row.Count
	}
	return quantity, count
}

// FindByID 根据 ID 查找预占
func (s *GormStore) FindByID(ctx context.Context, tenantID int64, id uint64) (*domain.Reservation, error) {
	var model ReservationModel
	err := s.db.WithContext(ctx).Scopes(tenantScope(tenantID)).Where("id = ?", id).First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, storageErr(err, "find reservation")
	}
	return ToDomainReservation(&model), nil
}

// List 分页查询，最新的记录在前
func (s *GormStore) List(ctx context.Context, tenantID int64, filter domain.ListFilter, now time.Time) ([]*domain.Reservation, int64, error) {
	filter = filter.Normalize()
	base := s.db.WithContext(ctx).Model(&ReservationModel{}).Scopes(tenantScope(tenantID), filterScope(filter, now))

	var total int64
	if err := base.Session(&gorm.Session{}).Count(&total).Error; err != nil {
		return nil, 0, storageErr(err, "count reservations")
	}

	var models []ReservationModel
	err := base.Session(&gorm.Session{}).
		Order("id DESC").
		Limit(filter.Limit).
		Offset(filter.Offset).
		Find(&models).Error
	if err != nil {
		return nil, 0, storageErr(err, "list reservations")
	}
	return toDomainReservations(models), total, nil
}

type summaryRow struct {
	OriginType    string
	Reservations  int64
	TotalQuantity int64
	Origins       int64
}

// SummarizeActive 按来源类型分组统计有效预占
func (s *GormStore) SummarizeActive(ctx context.Context, tenantID int64, now time.Time) ([]domain.OriginSummary, error) {
	var rows []summaryRow
	err := s.db.WithContext(ctx).Model(&ReservationModel{}).
		Select("origin_type, COUNT(*) AS reservations, SUM(quantity) AS total_quantity, COUNT(DISTINCT origin_id) AS origins").
		Scopes(tenantScope(tenantID), activeAt(now)).
		Group("origin_type").
		Order("origin_type").
		Find(&rows).Error
	if err != nil {
		return nil, storageErr(err, "summarize active")
	}
	out := make([]domain.OriginSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, domain.OriginSummary{
			OriginType:    domain.OriginType(r.OriginType),
			Reservations:  r.Reservations,
			TotalQuantity: r.TotalQuantity,
			Origins:       r.Origins,
		})
	}
	return out, nil
}

// ---- 事务 ----

// allocationTxOptions 让每条语句都读取最新提交的数据。
// 在 REPEATABLE READ 下，批量预占锁定后面的台账行之后，汇总预占仍会读到
// 事务第一次读取时的快照，漏掉期间其他事务提交的预占。
var allocationTxOptions = &sql.TxOptions{Isolation: sql.LevelReadCommitted}

// WithinTx 以 READ COMMITTED 开启事务，fn 返回错误时回滚
func (s *GormStore) WithinTx(ctx context.Context, tenantID int64, fn func(tx domain.Tx) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&gormTx{db: tx, tenantID: tenantID})
	}, allocationTxOptions)
}

// ExpireDue 用 SKIP LOCKED 领取一批到期记录，多个实例可以同时清扫而不互相等待
func (s *GormStore) ExpireDue(ctx context.Context, now time.Time, limit int) ([]*domain.Reservation, error) {
	if limit <= 0 {
		limit = 500
	}
	var expired []*domain.Reservation
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var models []ReservationModel
		err := tx.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
			Where("state = ? AND expires_at <= ?", domain.StateActive, now).
			Order("expires_at").
			Limit(limit).
			Find(&models).Error
		if err != nil {
			return storageErr(err, "claim due reservations")
		}
		if len(models) == 0 {
			return nil
		}

		ids := make([]uint64, len(models))
		for i := range models {
			ids[i] = models[i].ID
		}
		err = tx.Model(&ReservationModel{}).
			Where("id IN ?", ids).
			Select("state", "updated_at").
			Updates(&ReservationModel{State: string(domain.StateExpired), UpdatedAt: now}).Error
		if err != nil {
			return storageErr(err, "mark expired")
		}

		expired = toDomainReservations(models)
		for _, r := range expired {
			_ = r.Expire(now)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return expired, nil
}

type gormTx struct {
	db       *gorm.DB
	tenantID int64
}

// LockStock 用 FOR UPDATE SKIP LOCKED 锁定口径下的台账行。
// 全组织口径会锁定该目标在所有门店的行，按 id 排序避免死锁。
// 被跳过的行说明有并发事务正在占用，此时直接返回 ErrLockContended。
func (t *gormTx) LockStock(ctx context.Context, key domain.StockKey) (int64, error) {
	db := t.db.WithContext(ctx)

	var rows []StockLedgerModel
	err := db.Clauses(clause.Locking{Strength: "UPDATE", Options: "SKIP LOCKED"}).
		Scopes(tenantScope(t.tenantID), keyScope(key)).
		Order("id").
		Find(&rows).Error
	if err != nil {
		return 0, storageErr(err, "lock stock")
	}

	// 一致性读，不会阻塞
	var total int64
	err = db.Model(&StockLedgerModel{}).
		Scopes(tenantScope(t.tenantID), keyScope(key)).
		Count(&total).Error
	if err != nil {
		return 0, storageErr(err, "count ledger rows")
	}
	if total > int64(len(rows)) {
		return 0, errors.Wrapf(domain.ErrLockContended, "%s: %d of %d ledger rows held", key, total-int64(len(rows)), total)
	}

	var onHand int64
	for _, r := range rows {
		onHand += r.OnHand
	}
	return onHand, nil
}

func (t *gormTx) ReservedQuantity(ctx context.Context, key domain.StockKey, now time.Time) (int64, error) {
	var agg quantityAgg
	err := t.db.WithContext(ctx).Model(&ReservationModel{}).
		Select("COALESCE(SUM(quantity), 0) AS quantity, COUNT(*) AS count").
		Scopes(tenantScope(t.tenantID), reservedScope(key), activeAt(now)).
		Find(&agg).Error
	if err != nil {
		return 0, storageErr(err, "sum reserved")
	}
	return agg.Quantity, nil
}

func (t *gormTx) Insert(ctx context.Context, r *domain.Reservation) error {
	model := FromDomainReservation(r)
	model.TenantID = t.tenantID
	if err := t.db.WithContext(ctx).Create(model).Error; err != nil {
		return storageErr(err, "insert reservation")
	}
	r.ID = model.ID
	return nil
}

// GetForUpdate 对单行加普通排他锁，与同一预占上的其他操作串行
func (t *gormTx) GetForUpdate(ctx context.Context, id uint64) (*domain.Reservation, error) {
	var model ReservationModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Scopes(tenantScope(t.tenantID)).
		Where("id = ?", id).
		First(&model).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, domain.ErrNotFound
		}
		return nil, storageErr(err, "lock reservation")
	}
	return ToDomainReservation(&model), nil
}

func (t *gormTx) ActiveByOriginForUpdate(ctx context.Context, originType domain.OriginType, originID int64, now time.Time) ([]*domain.Reservation, error) {
	var models []ReservationModel
	err := t.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		Scopes(tenantScope(t.tenantID), activeAt(now)).
		Where("origin_type = ? AND origin_id = ?", originType, originID).
		Order("id").
		Find(&models).Error
	if err != nil {
		return nil, storageErr(err, "lock reservations by origin")
	}
	return toDomainReservations(models), nil
}

// transitionColumns 是状态迁移允许写回的列
var transitionColumns = []interface{}{
	"expires_at", "updated_at", "confirmed_at", "confirmed_by", "released_at", "release_reason",
}

func (t *gormTx) SaveTransition(ctx context.Context, r *domain.Reservation) error {
	res := t.db.WithContext(ctx).
		Model(&ReservationModel{ID: r.ID}).
		Scopes(tenantScope(t.tenantID)).
		Select("state", transitionColumns...).
		Updates(FromDomainReservation(r))
	if res.Error != nil {
		return storageErr(res.Error, "save transition")
	}
	return nil
}

// storageErr 把 MySQL 的锁冲突归类为 ErrLockContended，其他错误附加上下文
func storageErr(err error, msg string) error {
	var myErr *mysqldrv.MySQLError
	if errors.As(err, &myErr) {
		switch myErr.Number {
		case mysqlLockWaitTimeout, mysqlDeadlock, mysqlLockNowait:
			return fmt.Errorf("%s: %w (mysql %d)", msg, domain.ErrLockContended, myErr.Number)
		}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return errors.Wrap(err, msg)
}
