package ledger

import (
	"context"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm/clause"

	"main/internal/schema"
	"main/pkg/conn"
)

// archivedOrder is the cold-store row shape for trimmed ledger entries.
type archivedOrder struct {
	ID         string          `gorm:"primaryKey;size:64"`
	ExchangeID string          `gorm:"size:64;index"`
	Symbol     string          `gorm:"size:32;index"`
	Side       string          `gorm:"size:8"`
	Amount     decimal.Decimal `gorm:"type:numeric(32,8)"`
	Price      decimal.Decimal `gorm:"type:numeric(32,8)"`
	Profit     decimal.Decimal `gorm:"type:numeric(32,8)"`
	Status     string          `gorm:"size:16"`
	CreatedAt  time.Time
	UpdatedAt  time.Time       `gorm:"index"`
	ArchivedAt time.Time
}

func (archivedOrder) TableName() string { return "archived_orders" }

// PostgresArchive persists trimmed ledger entries into PostgreSQL.
type PostgresArchive struct {
	client *conn.Client
}

// OpenPostgresArchive connects and migrates the archive table.
func OpenPostgresArchive(option conn.Option) (*PostgresArchive, error) {
	client, err := conn.New(option)
	if err != nil {
		return nil, err
	}
	if err := client.DB().AutoMigrate(&archivedOrder{}); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &PostgresArchive{client: client}, nil
}

// SaveArchived writes rows idempotently. Re-archiving the same order after a
// crash replay is a no-op.
func (p *PostgresArchive) SaveArchived(ctx context.Context, orders []schema.Order) error {
	if len(orders) == 0 {
		return nil
	}
	rows := make([]archivedOrder, 0, len(orders))
	now := time.Now().UTC()
	for _, order := range orders {
		rows = append(rows, archivedOrder{
			ID:         order.ID,
			ExchangeID: order.ExchangeID,
			Symbol:     order.Symbol,
			Side:       order.Side.String(),
			Amount:     order.Amount,
			Price:      order.Price,
			Profit:     order.Profit,
			Status:     order.Status.String(),
			CreatedAt:  order.CreatedAt,
			UpdatedAt:  order.UpdatedAt,
			ArchivedAt: now,
		})
	}
	return p.client.DB().WithContext(ctx).
		Clauses(clause.OnConflict{DoNothing: true}).
		CreateInBatches(rows, 200).Error
}

// Count reports archived rows for one symbol, or all when symbol is empty.
func (p *PostgresArchive) Count(ctx context.Context, symbol string) (int64, error) {
	query := p.client.DB().WithContext(ctx).Model(&archivedOrder{})
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	var count int64
	err := query.Count(&count).Error
	return count, err
}

// Recent returns the newest archived rows for a symbol as ledger records.
func (p *PostgresArchive) Recent(ctx context.Context, symbol string, limit int) ([]schema.Order, error) {
	query := p.client.DB().WithContext(ctx).Model(&archivedOrder{}).
		Order("updated_at DESC").Limit(limit)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	var rows []archivedOrder
	if err := query.Find(&rows).Error; err != nil {
		return nil, err
	}

	out := make([]schema.Order, 0, len(rows))
	for _, row := range rows {
		side, _ := schema.ParseSide(row.Side)
		status, _ := schema.ParseOrderStatus(row.Status)
		out = append(out, schema.Order{
			ID:         row.ID,
			ExchangeID: row.ExchangeID,
			Symbol:     row.Symbol,
			Side:       side,
			Amount:     row.Amount,
			Price:      row.Price,
			Profit:     row.Profit,
			Status:     status,
			CreatedAt:  row.CreatedAt,
			UpdatedAt:  row.UpdatedAt,
		})
	}
	return out, nil
}

// Close releases the connection pool.
func (p *PostgresArchive) Close() error {
	if p == nil {
		return nil
	}
	return p.client.Close()
}

var _ ArchiveStore = (*PostgresArchive)(nil)
