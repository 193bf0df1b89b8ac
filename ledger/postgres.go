package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/decred/slog"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	"github.com/Kaligetsagency/dama/match"
)

// These models map onto tables owned by the account service; this core only
// issues deltas against them and never migrates the schema.

type Account struct {
	ID          string `gorm:"primaryKey"`
	RealBalance int64
	DemoBalance int64
	Rating      int
}

type Transaction struct {
	ID        uint `gorm:"primaryKey;autoIncrement"`
	AccountID string
	Type      string
	Amount    int64
	Status    string
	CreatedAt time.Time
}

type PlatformWallet struct {
	ID      uint   `gorm:"primaryKey;autoIncrement"`
	Mode    string `gorm:"uniqueIndex"`
	Balance int64
}

// balanceColumn is the two-variant mode selector. Mode never reaches SQL as
// free text.
func balanceColumn(mode match.Mode) (string, error) {
	switch mode {
	case match.ModeReal:
		return "real_balance", nil
	case match.ModeDemo:
		return "demo_balance", nil
	}
	return "", fmt.Errorf("invalid balance mode %q", mode)
}

// PostgresGateway implements Gateway over the relational ledger. Each
// operation is one statement; the database serializes concurrent deltas on
// the same row, so the gateway holds no locks of its own.
type PostgresGateway struct {
	db  *gorm.DB
	log slog.Logger
}

var _ Gateway = (*PostgresGateway)(nil)

func NewPostgresGateway(dsn string, log slog.Logger) (*PostgresGateway, error) {
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open ledger database: %w", err)
	}
	return &PostgresGateway{db: db, log: log}, nil
}

func (g *PostgresGateway) Debit(ctx context.Context, accountID string, mode match.Mode, amount int64) error {
	col, err := balanceColumn(mode)
	if err != nil {
		return err
	}
	res := g.db.WithContext(ctx).Model(&Account{}).
		Where("id = ? AND "+col+" >= ?", accountID, amount).
		UpdateColumn(col, gorm.Expr(col+" - ?", amount))
	if res.Error != nil {
		return fmt.Errorf("debit %s from %s: %w", col, accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrInsufficientFunds
	}
	return nil
}

func (g *PostgresGateway) Credit(ctx context.Context, accountID string, mode match.Mode, amount int64) error {
	col, err := balanceColumn(mode)
	if err != nil {
		return err
	}
	res := g.db.WithContext(ctx).Model(&Account{}).
		Where("id = ?", accountID).
		UpdateColumn(col, gorm.Expr(col+" + ?", amount))
	if res.Error != nil {
		return fmt.Errorf("credit %s to %s: %w", col, accountID, res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrUnknownAccount
	}
	return nil
}

func (g *PostgresGateway) CreditPlatformFee(ctx context.Context, mode match.Mode, amount int64) error {
	res := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "mode"}},
		DoUpdates: clause.Assignments(map[string]interface{}{
			"balance": gorm.Expr("platform_wallets.balance + ?", amount),
		}),
	}).Create(&PlatformWallet{Mode: string(mode), Balance: amount})
	if res.Error != nil {
		return fmt.Errorf("accrue platform fee: %w", res.Error)
	}
	return nil
}

func (g *PostgresGateway) RecordTransaction(ctx context.Context, accountID string, typ TxType, amount int64, status TxStatus) error {
	tx := Transaction{
		AccountID: accountID,
		Type:      string(typ),
		Amount:    amount,
		Status:    string(status),
		CreatedAt: time.Now().UTC(),
	}
	if err := g.db.WithContext(ctx).Create(&tx).Error; err != nil {
		return fmt.Errorf("record transaction: %w", err)
	}
	return nil
}

func (g *PostgresGateway) UpdateRatings(ctx context.Context, winnerID string, winnerRating int, loserID string, loserRating int) error {
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Account{}).Where("id = ?", winnerID).
			UpdateColumn("rating", winnerRating).Error; err != nil {
			return fmt.Errorf("update winner rating: %w", err)
		}
		if err := tx.Model(&Account{}).Where("id = ?", loserID).
			UpdateColumn("rating", loserRating).Error; err != nil {
			return fmt.Errorf("update loser rating: %w", err)
		}
		return nil
	})
}

func (g *PostgresGateway) Rating(ctx context.Context, accountID string) (int, error) {
	var acct Account
	err := g.db.WithContext(ctx).Select("rating").First(&acct, "id = ?", accountID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return match.DefaultRating, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rating for %s: %w", accountID, err)
	}
	if acct.Rating == 0 {
		return match.DefaultRating, nil
	}
	return acct.Rating, nil
}

func (g *PostgresGateway) Close() error {
	sqlDB, err := g.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
