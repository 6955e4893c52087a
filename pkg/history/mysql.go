// 文件: pkg/history/mysql.go
// 历史数据 MySQL 存储实现
//
// 【设计】
// - 使用 GORM 作为 ORM
// - 记录需要实现 GORM 的 TableName() 方法
// - 所有操作带 context 支持超时控制

package history

import (
	"context"
	"strings"

	"gorm.io/driver/mysql"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ValueRecord 组合价值记录
type ValueRecord struct {
	ID          int64   `gorm:"primaryKey;autoIncrement"`
	PortfolioID string  `gorm:"type:varchar(36);index:idx_portfolio_ts"`
	Seq         uint64  `gorm:"not null"`
	Value       float64 `gorm:"not null"`
	Ts          int64   `gorm:"not null;index:idx_portfolio_ts"` // 毫秒
}

// TableName GORM 表名
func (ValueRecord) TableName() string {
	return "portfolio_values"
}

// PriceRecord 标的价格记录
type PriceRecord struct {
	ID     int64   `gorm:"primaryKey;autoIncrement"`
	Symbol string  `gorm:"type:varchar(32);index:idx_symbol_ts"`
	Price  float64 `gorm:"not null"`
	Ts     int64   `gorm:"not null;index:idx_symbol_ts"` // 毫秒
}

// TableName GORM 表名
func (PriceRecord) TableName() string {
	return "price_history"
}

// MySQLStore MySQL 实现
type MySQLStore struct {
	db          *gorm.DB
	portfolioID string
}

// OpenMySQL 连接数据库并建表
func OpenMySQL(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(mysql.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, err
	}
	if err := db.AutoMigrate(&ValueRecord{}, &PriceRecord{}); err != nil {
		return nil, err
	}
	return db, nil
}

// NewMySQLStore 创建 MySQL 存储，价值序列按组合 ID 隔离
func NewMySQLStore(db *gorm.DB, portfolioID string) *MySQLStore {
	return &MySQLStore{db: db, portfolioID: portfolioID}
}

// AppendValue 追加组合价值
func (s *MySQLStore) AppendValue(ctx context.Context, p ValuePoint) error {
	return s.db.WithContext(ctx).Create(&ValueRecord{
		PortfolioID: s.portfolioID,
		Seq:         p.Seq,
		Value:       p.Value,
		Ts:          p.Time.UnixMilli(),
	}).Error
}

// AppendPrice 追加标的价格
func (s *MySQLStore) AppendPrice(ctx context.Context, p PricePoint) error {
	return s.db.WithContext(ctx).Create(&PriceRecord{
		Symbol: strings.ToUpper(p.Symbol),
		Price:  p.Price,
		Ts:     p.Time.UnixMilli(),
	}).Error
}

// ValueSeries 组合价值序列 (旧 → 新)
func (s *MySQLStore) ValueSeries(ctx context.Context, limit int) ([]float64, error) {
	var records []ValueRecord
	q := s.db.WithContext(ctx).
		Where("portfolio_id = ?", s.portfolioID).
		Order("ts DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]float64, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r.Value
	}
	return out, nil
}

// PriceSeries 标的价格序列 (旧 → 新)
func (s *MySQLStore) PriceSeries(ctx context.Context, symbol string, limit int) ([]float64, error) {
	var records []PriceRecord
	q := s.db.WithContext(ctx).
		Where("symbol = ?", strings.ToUpper(symbol)).
		Order("ts DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&records).Error; err != nil {
		return nil, err
	}
	out := make([]float64, len(records))
	for i, r := range records {
		out[len(records)-1-i] = r.Price
	}
	return out, nil
}
