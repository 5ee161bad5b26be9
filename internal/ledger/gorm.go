package ledger

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Rajchodisetti/alert-bridge/internal/domain"
)

// tradeRow is the persisted form of a trade. One table holds both modes;
// each GormLog only sees its own mode.
type tradeRow struct {
	ID              string          `gorm:"type:varchar(64);primaryKey"`
	Seq             int64           `gorm:"not null;index"`
	Mode            string          `gorm:"type:varchar(10);not null;index"`
	OrderID         string          `gorm:"type:varchar(64);index"`
	SecurityID      string          `gorm:"type:varchar(32);not null"`
	TradingSymbol   string          `gorm:"type:varchar(100)"`
	Underlying      string          `gorm:"type:varchar(50)"`
	Segment         string          `gorm:"type:varchar(20);not null"`
	LotSize         int64           `gorm:"not null"`
	Expiry          *time.Time      `gorm:"type:date"`
	Strike          decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0"`
	OptionType      string          `gorm:"type:varchar(4)"`
	Side            string          `gorm:"type:varchar(4);not null"`
	Quantity        int64           `gorm:"not null"`
	OrderQty        int64           `gorm:"not null;default:0"`
	Price           decimal.Decimal `gorm:"type:numeric(20,4);not null"`
	PriceSource     string          `gorm:"type:varchar(10)"`
	RoundTripCharge decimal.Decimal `gorm:"type:numeric(20,4);not null;default:0"`
	ExecutedAt      time.Time       `gorm:"type:timestamptz;not null;index"`
	CreatedAt       time.Time       `gorm:"type:timestamptz;autoCreateTime"`
}

func (tradeRow) TableName() string { return "trades" }

type GormLog struct {
	db   *gorm.DB
	mode domain.ExecMode
}

// OpenPostgres opens the trade database with gorm's SQL logging silenced.
func OpenPostgres(dsn string) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, errors.Wrap(err, "open postgres")
	}
	sqldb, err := db.DB()
	if err != nil {
		return nil, errors.Wrap(err, "postgres pool")
	}
	sqldb.SetMaxOpenConns(10)
	sqldb.SetMaxIdleConns(5)
	sqldb.SetConnMaxLifetime(30 * time.Minute)
	return db, nil
}

// NewGormLog migrates the trades table and returns a log scoped to mode.
func NewGormLog(db *gorm.DB, mode domain.ExecMode) (*GormLog, error) {
	if err := db.AutoMigrate(&tradeRow{}); err != nil {
		return nil, errors.Wrap(err, "migrate trades")
	}
	return &GormLog{db: db, mode: mode}, nil
}

func (g *GormLog) Append(ctx context.Context, t domain.Trade) error {
	row := toRow(t)
	row.Mode = string(g.mode)
	return errors.Wrap(g.db.WithContext(ctx).Create(&row).Error, "insert trade")
}

func (g *GormLog) Load(ctx context.Context) ([]domain.Trade, error) {
	var rows []tradeRow
	err := g.db.WithContext(ctx).
		Where("mode = ?", string(g.mode)).
		Order("seq asc").
		Find(&rows).Error
	if err != nil {
		return nil, errors.Wrap(err, "load trades")
	}
	out := make([]domain.Trade, len(rows))
	for i, r := range rows {
		out[i] = fromRow(r)
	}
	return out, nil
}

func (g *GormLog) Truncate(ctx context.Context) error {
	err := g.db.WithContext(ctx).Where("mode = ?", string(g.mode)).Delete(&tradeRow{}).Error
	return errors.Wrap(err, "clear trades")
}

func toRow(t domain.Trade) tradeRow {
	r := tradeRow{
		ID:              t.ID,
		Seq:             t.Seq,
		Mode:            string(t.Mode),
		OrderID:         t.OrderID,
		SecurityID:      t.Instrument.SecurityID,
		TradingSymbol:   t.Instrument.TradingSymbol,
		Underlying:      t.Instrument.Underlying,
		Segment:         t.Instrument.Segment,
		LotSize:         t.Instrument.LotSize,
		Strike:          t.Instrument.Strike,
		OptionType:      string(t.Instrument.OptionType),
		Side:            string(t.Side),
		Quantity:        t.Quantity,
		OrderQty:        t.OrderQty,
		Price:           t.Price,
		PriceSource:     string(t.PriceSource),
		RoundTripCharge: t.RoundTripCharge,
		ExecutedAt:      t.Timestamp,
	}
	if !t.Instrument.Expiry.IsZero() {
		exp := t.Instrument.Expiry
		r.Expiry = &exp
	}
	return r
}

func fromRow(r tradeRow) domain.Trade {
	t := domain.Trade{
		ID:      r.ID,
		Seq:     r.Seq,
		OrderID: r.OrderID,
		Instrument: domain.Instrument{
			SecurityID:    r.SecurityID,
			TradingSymbol: r.TradingSymbol,
			Underlying:    r.Underlying,
			Segment:       r.Segment,
			LotSize:       r.LotSize,
			Strike:        r.Strike,
			OptionType:    domain.OptionType(r.OptionType),
		},
		Side:            domain.Side(r.Side),
		Quantity:        r.Quantity,
		OrderQty:        r.OrderQty,
		Price:           r.Price,
		Timestamp:       r.ExecutedAt.UTC(),
		Mode:            domain.ExecMode(r.Mode),
		PriceSource:     domain.PriceSource(r.PriceSource),
		RoundTripCharge: r.RoundTripCharge,
	}
	if r.Expiry != nil {
		t.Instrument.Expiry = r.Expiry.UTC()
	}
	return t
}
