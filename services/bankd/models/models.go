package models

import (
	"time"

	"gorm.io/gorm"
)

// Transaction kinds. Lock debits the payer; release credits flow out of a
// resolved escrow; plain credits cover salary and direct grants.
const (
	KindCredit        = "credit"
	KindEscrowLock    = "escrow_lock"
	KindEscrowRelease = "escrow_release"
)

// Escrow statuses.
const (
	EscrowLocked   = "locked"
	EscrowReleased = "released"
	EscrowSplit    = "split"
)

// Account is one agent's balance row. The id equals the agent id.
type Account struct {
	ID        string `gorm:"primaryKey;size:48"`
	Balance   int64  `gorm:"not null;default:0"`
	CreatedAt time.Time
	UpdatedAt time.Time
}

func (Account) TableName() string { return "bank_accounts" }

// Transaction is one immutable ledger row. The resulting balance is recorded
// so the ledger doubles as an audit trail. The unique index over (account,
// kind, reference) makes replays of the same credit a no-op.
type Transaction struct {
	ID        string `gorm:"primaryKey;size:48"`
	AccountID string `gorm:"size:48;not null;index;uniqueIndex:idx_bank_tx_idem,priority:1"`
	Kind      string `gorm:"size:16;not null;uniqueIndex:idx_bank_tx_idem,priority:2"`
	Amount    int64  `gorm:"not null"`
	Balance   int64  `gorm:"not null"`
	Reference string `gorm:"size:96;not null;uniqueIndex:idx_bank_tx_idem,priority:3"`
	CreatedAt time.Time
}

func (Transaction) TableName() string { return "bank_transactions" }

// Escrow is funds locked from a payer for one task. The unique (payer, task)
// index is the storage-level mutual exclusion token for locking.
type Escrow struct {
	ID          string `gorm:"primaryKey;size:48"`
	PayerID     string `gorm:"size:48;not null;uniqueIndex:idx_bank_escrow_payer_task,priority:1"`
	TaskID      string `gorm:"size:48;not null;uniqueIndex:idx_bank_escrow_payer_task,priority:2"`
	Amount      int64  `gorm:"not null"`
	Status      string `gorm:"size:16;not null;index"`
	RecipientID string `gorm:"size:48"`
	WorkerPct   *int
	CreatedAt   time.Time
	ResolvedAt  *time.Time
}

func (Escrow) TableName() string { return "bank_escrows" }

// SalaryRound records one executed salary payment so re-invocation with the
// same round id is a no-op.
type SalaryRound struct {
	RoundID  int64 `gorm:"primaryKey;autoIncrement:false"`
	Amount   int64 `gorm:"not null"`
	Accounts int   `gorm:"not null"`
	PaidAt   time.Time
}

func (SalaryRound) TableName() string { return "bank_salary_rounds" }

// AutoMigrate performs the bank schema migration.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Account{}, &Transaction{}, &Escrow{}, &SalaryRound{})
}
