package store

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"spa_call_booking/internal/models"
)

const pgBookingColumns = `id, COALESCE(booking_reference, ''), customer_name, customer_phone,
	to_char(booking_date, 'YYYY-MM-DD'), to_char(slot_start_time, 'HH24:MI'), to_char(slot_end_time, 'HH24:MI'),
	status, created_at, updated_at`

// PostgresStore 基于Postgres的预约台账
//
// 预约事务先取得按(日期, 开始时间)划分的事务级咨询锁，同一时段的写入串行执行，
// 不同时段互不阻塞。
type PostgresStore struct {
	pool *pgxpool.Pool
	opts Options
	log  *zap.Logger
}

// OpenPostgres 连接Postgres并建表
func OpenPostgres(ctx context.Context, dsn string, opts Options) (*PostgresStore, error) {
	opts = opts.withDefaults()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("连接Postgres失败: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("Postgres不可用: %w", err)
	}

	s := &PostgresStore{pool: pool, opts: opts, log: zap.L().Named("store.postgres")}
	for _, stmt := range postgresSchema {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			pool.Close()
			return nil, fmt.Errorf("初始化Postgres失败: %w", err)
		}
	}
	return s, nil
}

// Close 关闭连接池
func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func isPgUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) rollback(ctx context.Context, tx pgx.Tx) {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		s.log.Error("回滚事务失败", zap.Error(err))
	}
}

func scanBooking(row pgx.Row) (models.Booking, error) {
	var b models.Booking
	var status string
	err := row.Scan(&b.ID, &b.Reference, &b.CustomerName, &b.CustomerPhone,
		&b.Date, &b.StartTime, &b.EndTime, &status, &b.CreatedAt, &b.UpdatedAt)
	if err != nil {
		return models.Booking{}, err
	}
	b.Status = models.Status(status)
	if b.Reference == "" {
		b.Reference = models.FormatReference(b.ID)
	}
	return b, nil
}

// CheckAvailability 查询时段余量
func (s *PostgresStore) CheckAvailability(ctx context.Context, date, startTime string) (models.Availability, error) {
	if err := validateDate(date, s.opts.today()); err != nil {
		return models.Availability{}, err
	}
	start, err := slotStart(startTime)
	if err != nil {
		return models.Availability{}, err
	}
	date = strings.TrimSpace(date)

	var booked int
	err = s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM spa_bookings WHERE booking_date = $1::date AND slot_start_time = $2::time AND status <> 'cancelled'`,
		date, start).Scan(&booked)
	if err != nil {
		return models.Availability{}, fmt.Errorf("查询时段余量失败: %w", err)
	}
	return models.NewAvailability(date, start, booked), nil
}

// Book 在咨询锁保护下校验容量并写入
func (s *PostgresStore) Book(ctx context.Context, req models.BookingRequest) (models.Booking, error) {
	req, err := validateRequest(req, s.opts.today())
	if err != nil {
		return models.Booking{}, err
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(ctx, tx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, req.Date+" "+req.StartTime); err != nil {
		return models.Booking{}, fmt.Errorf("获取时段锁失败: %w", err)
	}

	var duplicates, booked int
	err = tx.QueryRow(ctx,
		`SELECT
			COUNT(*) FILTER (WHERE customer_phone = $3),
			COUNT(*)
		 FROM spa_bookings
		 WHERE booking_date = $1::date AND slot_start_time = $2::time AND status <> 'cancelled'`,
		req.Date, req.StartTime, req.CustomerPhone).Scan(&duplicates, &booked)
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询已预约人数失败: %w", err)
	}
	if err := checkCapacity(req, duplicates, booked); err != nil {
		return models.Booking{}, err
	}

	var id int64
	err = tx.QueryRow(ctx,
		`INSERT INTO spa_bookings (customer_name, customer_phone, booking_date, slot_start_time, slot_end_time, status, created_at, updated_at)
		 VALUES ($1, $2, $3::date, $4::time, $5::time, 'confirmed', $6, $6)
		 RETURNING id`,
		req.CustomerName, req.CustomerPhone, req.Date, req.StartTime, req.EndTime, s.opts.Now().UTC()).Scan(&id)
	if err != nil {
		if isPgUniqueViolation(err) {
			return models.Booking{}, duplicateError(req)
		}
		return models.Booking{}, fmt.Errorf("写入预约失败: %w", err)
	}

	b, err := scanBooking(tx.QueryRow(ctx,
		`UPDATE spa_bookings SET booking_reference = $1 WHERE id = $2 RETURNING `+pgBookingColumns,
		models.FormatReference(id), id))
	if err != nil {
		return models.Booking{}, fmt.Errorf("写入预约编号失败: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

// Cancel 取消预约
func (s *PostgresStore) Cancel(ctx context.Context, phone, reference string) (models.Booking, error) {
	phone = models.NormalizePhone(phone)
	id, ok := models.ParseReference(reference)
	if !ok {
		return models.Booking{}, notFound(strings.TrimSpace(reference))
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(ctx, tx)

	b, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, notFound(models.FormatReference(id))
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询预约失败: %w", err)
	}
	if err := checkCancel(b, phone, s.opts.today()); err != nil {
		return models.Booking{}, err
	}

	b, err = scanBooking(tx.QueryRow(ctx,
		`UPDATE spa_bookings SET status = 'cancelled', updated_at = $2 WHERE id = $1 RETURNING `+pgBookingColumns,
		id, s.opts.Now().UTC()))
	if err != nil {
		return models.Booking{}, fmt.Errorf("取消预约失败: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}

// LatestForPhone 查询号码最近的预约
func (s *PostgresStore) LatestForPhone(ctx context.Context, phone string) (models.Booking, error) {
	phone = models.NormalizePhone(phone)
	today := s.opts.today()

	b, err := scanBooking(s.pool.QueryRow(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings
		 WHERE customer_phone = $1 AND status = 'confirmed' AND booking_date >= $2::date
		 ORDER BY booking_date ASC, slot_start_time ASC LIMIT 1`, phone, today))
	if err == nil {
		return b, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, fmt.Errorf("查询未来预约失败: %w", err)
	}

	b, err = scanBooking(s.pool.QueryRow(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings
		 WHERE customer_phone = $1 AND status IN ('confirmed', 'completed') AND booking_date < $2::date
		 ORDER BY booking_date DESC, slot_start_time DESC LIMIT 1`, phone, today))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, notFound("")
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询历史预约失败: %w", err)
	}
	return b, nil
}

// AllForPhone 查询号码的全部预约
func (s *PostgresStore) AllForPhone(ctx context.Context, phone string, includeCancelled bool) ([]models.Booking, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings
		 WHERE customer_phone = $1 AND ($2 OR status <> 'cancelled')
		 ORDER BY booking_date DESC, slot_start_time DESC, id DESC`,
		models.NormalizePhone(phone), includeCancelled)
	if err != nil {
		return nil, fmt.Errorf("查询预约列表失败: %w", err)
	}
	return collectBookings(rows)
}

// ForDate 查询某天的全部预约，按开始时间排序
func (s *PostgresStore) ForDate(ctx context.Context, date string) ([]models.Booking, error) {
	if _, err := models.ParseDate(date, time.UTC); err != nil {
		return nil, invalidDate(date)
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings
		 WHERE booking_date = $1::date
		 ORDER BY slot_start_time, id`, strings.TrimSpace(date))
	if err != nil {
		return nil, fmt.Errorf("查询当日预约失败: %w", err)
	}
	return collectBookings(rows)
}

func collectBookings(rows pgx.Rows) ([]models.Booking, error) {
	defer rows.Close()

	out := []models.Booking{}
	for rows.Next() {
		b, err := scanBooking(rows)
		if err != nil {
			return nil, fmt.Errorf("解析预约失败: %w", err)
		}
		out = append(out, b)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("读取预约列表失败: %w", err)
	}
	return out, nil
}

// Get 按ID查询预约
func (s *PostgresStore) Get(ctx context.Context, id int64) (models.Booking, error) {
	b, err := scanBooking(s.pool.QueryRow(ctx, `SELECT `+pgBookingColumns+` FROM spa_bookings WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, notFound(models.FormatReference(id))
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询预约失败: %w", err)
	}
	return b, nil
}

// UpdateStatus 修改预约状态
func (s *PostgresStore) UpdateStatus(ctx context.Context, id int64, status models.Status) (models.Booking, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return models.Booking{}, fmt.Errorf("开启事务失败: %w", err)
	}
	defer s.rollback(ctx, tx)

	b, err := scanBooking(tx.QueryRow(ctx,
		`SELECT `+pgBookingColumns+` FROM spa_bookings WHERE id = $1 FOR UPDATE`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Booking{}, notFound(models.FormatReference(id))
	}
	if err != nil {
		return models.Booking{}, fmt.Errorf("查询预约失败: %w", err)
	}
	if err := checkStatusChange(b, status); err != nil {
		return models.Booking{}, err
	}

	b, err = scanBooking(tx.QueryRow(ctx,
		`UPDATE spa_bookings SET status = $2, updated_at = $3 WHERE id = $1 RETURNING `+pgBookingColumns,
		id, string(status), s.opts.Now().UTC()))
	if err != nil {
		return models.Booking{}, fmt.Errorf("更新预约状态失败: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return models.Booking{}, fmt.Errorf("提交事务失败: %w", err)
	}
	return b, nil
}
