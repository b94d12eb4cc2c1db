package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"go.uber.org/zap"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"spa_call_booking/internal/models"
)

const bookingColumns = `id, booking_reference, customer_name, customer_phone, booking_date,
	slot_start_time, slot_end_time, status, created_at, updated_at`

// SQLiteStore 基于嵌入式SQLite的预约台账
//
// 连接池只保留一个连接，所有事务天然串行，同一时段不会出现并发写入。
type SQLiteStore struct {
	db   *sqlx.DB
	opts Options
	log  *zap.Logger
}

type bookingRow struct {
	ID            int64          `db:"id"`
	Reference     sql.NullString `db:"booking_reference"`
	CustomerName  string         `db:"customer_name"`
	CustomerPhone string         `db:"customer_phone"`
	Date          string         `db:"booking_date"`
	StartTime     string         `db:"slot_start_time"`
	EndTime       string         `db:"slot_end_time"`
	Status        string         `db:"status"`
	CreatedAt     string         `db:"created_at"`
	UpdatedAt     string         `db:"updated_at"`
}

func (r bookingRow) toModel() models.Booking {
	b := models.Booking{
		ID:            r.ID,
		Reference:     r.Reference.String,
		CustomerName:  r.CustomerName,
		CustomerPhone: r.CustomerPhone,
		Date:          r.Date,
		StartTime:     r.StartTime,
		EndTime:       r.EndTime,
		Status:        models.Status(r.Status),
	}
	if b.Reference == "" {
		b.Reference = models.FormatReference(r.ID)
	}
	b.CreatedAt, _ = time.Parse(time.RFC3339Nano, r.CreatedAt)
	b.UpdatedAt, _ = time.Parse(time.RFC3339Nano, r.UpdatedAt)
	return b
}

// OpenSQLite 打开SQLite数据库并建表
func OpenSQLite(ctx context.Context, dsn string, opts Options) (*SQLiteStore, error) {
	opts = opts.withDefaults()
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("SQLite路径不能为空")
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("打开SQLite失败: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &SQLiteStore{
		db:   sqlx.NewDb(db, "sqlite"),
		opts: opts,
		log:  zap.L().Named("store.sqlite"),
	}
	if err := s.migrate(ctx, dsn); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context, dsn string) error {
	pragmas := []string{
		fmt.Sprintf("PRAGMA busy_timeout = %d", int(defaultBusyTimeout.Milliseconds())),
		"PRAGMA foreign_keys = ON",
	}
	if dsn != ":memory:" {
		pragmas = append(pragmas, "PRAGMA journal_mode = WAL", "PRAGMA synchronous = NORMAL")
	}
	for _, stmt := range append(pragmas, sqliteSchema...) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("初始化SQLite失败: %w", err)
		}
	}
	return nil
}

// Close 关闭数据库
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func isSQLiteUniqueViolation(err error) bool {
	var sqliteErr *sqlite.Error
	return errors.As(err, &sqliteErr) && sqliteErr.Code() == sqlite3.SQLITE_CONSTRAINT_UNIQUE
}

func (s *SQLiteStore) rollback(tx *sqlx.Tx) {
	if err := tx.Rollback(); err != nil && !errors.Is(err, sql.ErrTxDone) {
		s.log.Error("回滚事务失败", zap.Error(err))
	}
}

func (s *SQLiteStore) now() string {
	return s.opts.Now().UTC().Format(time.RFC3339Nano)
}

// CheckAvailability 查询时段余量
func (s *SQLiteStore) CheckAvailability(ctx context.Context, date, startTime string) (models.Availability, error) {
	if err := validateDate(date, s.opts.today()); err != nil {
		return models.Availability{}, err
	}
	start, err := slotStart(startTime)
	if err != nil {
		return models.Availability{}, err
	}
	date = strings.TrimSpace(date)

	var booked int
	err = s.db.GetContext(ctx, &booked,
		`SELECT COUNT(*) FROM spa_bookings WHERE booking_date = ? AND slot_start_time = ? AND status <> 'cancelled'`,
		date, start)
	if err != nil {
		return models.Availability{}, fmt.Errorf("查询时段余量失败: %w", err)
	}
	return models.NewAvailability(date, start, booked), nil
}

// Book 在单个事务内完成重复校验、容量校验与写入
func (s *SQLiteStore) Book(ctx context.Context, req models.BookingRequest) (models.Booking, error) {
	req, err := validateRequest(req, s.opts.today())
	if err != nil {
		return models.Booking{}, err
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(tx)

	var duplicates, booked int
	if err := tx.GetContext(ctx, &duplicates,
		`SELECT COUNT(*) FROM spa_bookings
		 WHERE customer_phone = ? AND booking_date = ? AND slot_start_time = ? AND status <> 'cancelled'`,
		req.CustomerPhone, req.Date, req.StartTime); err != nil {
		return models.Booking{}, fmt.Errorf("查询重复预约失败: %w", err)
	}
	if err := tx.GetContext(ctx, &booked,
		`SELECT COUNT(*) FROM spa_bookings WHERE booking_date = ? AND slot_start_time = ? AND status <> 'cancelled'`,
		req.Date, req.StartTime); err != nil {
		return models.Booking{}, fmt.Errorf("查询已预约人数失败: %w", err)
	}
	if err := checkCapacity(req, duplicates, booked); err != nil {
		return models.Booking{}, err
	}

	now := s.now()
	res, err := tx.ExecContext(ctx,
		`INSERT INTO spa_bookings (customer_name, customer_phone, booking_date, slot_start_time, slot_end_time, status, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, 'confirmed', ?, ?)`,
		req.CustomerName, req.CustomerPhone, req.Date, req.StartTime, req.EndTime, now, now)
	if err != nil {
		if isSQLiteUniqueViolation(err) {
			return models.Booking{}, duplicateError(req)
		}
		return models.Booking{}, fmt.Errorf("写入预约失败: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return models.Booking{}, fmt.Errorf("获取预约ID失败: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE spa_bookings SET booking_reference = ? WHERE id = ?`,
		models.FormatReference(id), id); err != nil {
		return models.Booking{}, fmt.Errorf("写入预约编号失败: %w", err)
	}

	b, err := s.get(ctx, tx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

// Cancel 取消预约
func (s *SQLiteStore) Cancel(ctx context.Context, phone, reference string) (models.Booking, error) {
	phone = models.NormalizePhone(phone)
	id, ok := models.ParseReference(reference)
	if !ok {
		return models.Booking{}, notFound(strings.TrimSpace(reference))
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(tx)

	b, err := s.get(ctx, tx, id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			return models.Booking{}, notFound(models.FormatReference(id))
		}
		return models.Booking{}, err
	}
	if err := checkCancel(b, phone, s.opts.today()); err != nil {
		return models.Booking{}, err
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE spa_bookings SET status = 'cancelled', updated_at = ? WHERE id = ?`, s.now(), id); err != nil {
		return models.Booking{}, fmt.Errorf("取消预约失败: %w", err)
	}
	b, err = s.get(ctx, tx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

// LatestForPhone 查询号码最近的预约
func (s *SQLiteStore) LatestForPhone(ctx context.Context, phone string) (models.Booking, error) {
	phone = models.NormalizePhone(phone)
	today := s.opts.today()

	var row bookingRow
	err := s.db.GetContext(ctx, &row,
		`SELECT `+bookingColumns+` FROM spa_bookings
		 WHERE customer_phone = ? AND status = 'confirmed' AND booking_date >= ?
		 ORDER BY booking_date ASC, slot_start_time ASC LIMIT 1`, phone, today)
	if err == nil {
		return row.toModel(), nil
	}
	if !errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, fmt.Errorf("查询未来预约失败: %w", err)
	}

	err = s.db.GetContext(ctx, &row,
		`SELECT `+bookingColumns+` FROM spa_bookings
		 WHERE customer_phone = ? AND status IN ('confirmed', 'completed') AND booking_date < ?
		 ORDER BY booking_date DESC, slot_start_time DESC LIMIT 1`, phone, today)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, notFound("")
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询历史预约失败: %w", err)
	}
	return row.toModel(), nil
}

// AllForPhone 查询号码的全部预约
func (s *SQLiteStore) AllForPhone(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error) {
	query := `SELECT ` + bookingColumns + ` FROM spa_bookings WHERE customer_phone = ?`
	if !includeCancelled {
		query += ` AND status <> 'cancelled'`
	}
	query += ` ORDER BY booking_date DESC, slot_start_time DESC, id DESC`

	var rows []bookingRow
	if err := s.db.SelectContext(ctx, &rows, query, models.NormalizePhone(phone)); err != nil {
		return nil, fmt.Errorf("查询预约列表失败: %w", err)
	}
	out := make([]models.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// ForDate 查询某天的全部预约，按开始时间排序
func (s *SQLiteStore) ForDate(ctx context.Context, date string) ([]models.Booking, error) {
	if _, err := models.ParseDate(date, time.UTC); err != nil {
		return nil, invalidDate(date)
	}

	var rows []bookingRow
	if err := s.db.SelectContext(ctx, &rows,
		`SELECT `+bookingColumns+` FROM spa_bookings WHERE booking_date = ? ORDER BY slot_start_time, id`,
		strings.TrimSpace(date)); err != nil {
		return nil, fmt.Errorf("查询当日预约失败: %w", err)
	}
	out := make([]models.Booking, 0, len(rows))
	for _, r := range rows {
		out = append(out, r.toModel())
	}
	return out, nil
}

// Get 按ID查询预约
func (s *SQLiteStore) Get(ctx context.Context, id int64) (models.Booking, error) {
	return s.get(ctx, s.db, id)
}

// UpdateStatus 修改预约状态
func (s *SQLiteStore) UpdateStatus(ctx context.Context, id int64, status models.Status) (models.Booking, error) {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(tx)

	b, err := s.get(ctx, tx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if err := checkStatusChange(b, status); err != nil {
		return models.Booking{}, err
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE spa_bookings SET status = ?, updated_at = ? WHERE id = ?`, string(status), s.now(), id); err != nil {
		return models.Booking{}, fmt.Errorf("更新预约状态失败: %w", err)
	}
	b, err = s.get(ctx, tx, id)
	if err != nil {
		return models.Booking{}, err
	}
	if err := tx.Commit(); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

func (s *SQLiteStore) get(ctx context.Context, q sqlx.QueryerContext, id int64) (models.Booking, error) {
	var row bookingRow
	err := sqlx.GetContext(ctx, q, &row, `SELECT `+bookingColumns+` FROM spa_bookings WHERE id = ?`, id)
	if errors.Is(err, sql.ErrNoRows) {
		return models.Booking{}, notFound(models.FormatReference(id))
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询预约失败: %w", err)
	}
	return row.toModel(), nil
}
