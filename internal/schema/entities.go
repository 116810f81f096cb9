package schema

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Monetary amounts are carried as canonical decimal strings, never as
// floats: binary floating point cannot represent common cents values
// exactly and repeated merges would drift balances. The TEXT columns in
// the local store hold the same canonical form the wire uses.

// Wallet is a typed constructor for rows in the wallets table.
type Wallet struct {
	Name           string
	Currency       string
	InitialBalance decimal.Decimal
	Color          string
	Icon           string
	IsVisible      bool
	IsPrimary      bool
	ParentWalletID string
}

// Record converts the wallet to its flat row form. Envelope fields are
// assigned by the store at insert time.
func (w Wallet) Record() Record {
	return Record{
		"name":             w.Name,
		"currency":         w.Currency,
		"initial_balance":  w.InitialBalance.String(),
		"color":            w.Color,
		"icon":             w.Icon,
		"is_visible":       boolFlag(w.IsVisible),
		"is_primary":       boolFlag(w.IsPrimary),
		"parent_wallet_id": nullable(w.ParentWalletID),
	}
}

// Validate checks the fields a wallet row must carry.
func (w Wallet) Validate() error {
	if w.Name == "" {
		return fmt.Errorf("wallet name is required")
	}
	if w.Currency == "" {
		return fmt.Errorf("wallet currency is required")
	}
	return nil
}

// Transaction is a typed constructor for rows in the transactions table.
type Transaction struct {
	Amount      decimal.Decimal
	Date        string // ISO 8601 date
	WalletID    string
	ChannelType string
	CategoryID  string
	Note        string
	Type        string // EXPENSE, INCOME, TRANSFER
	IsSplit     bool
}

// Record converts the transaction to its flat row form.
func (t Transaction) Record() Record {
	return Record{
		"amount":       t.Amount.String(),
		"date":         t.Date,
		"wallet_id":    nullable(t.WalletID),
		"channel_type": nullable(t.ChannelType),
		"category_id":  nullable(t.CategoryID),
		"note":         t.Note,
		"type":         t.Type,
		"is_split":     boolFlag(t.IsSplit),
	}
}

// Validate checks the fields a transaction row must carry.
func (t Transaction) Validate() error {
	if t.Date == "" {
		return fmt.Errorf("transaction date is required")
	}
	if t.Type == "" {
		return fmt.Errorf("transaction type is required")
	}
	return nil
}

// Commitment is a typed constructor for rows in the commitments table.
type Commitment struct {
	Name        string
	Amount      decimal.Decimal
	Frequency   string // MONTHLY, WEEKLY, YEARLY
	Type        string // BILL, SUBSCRIPTION, DEBT
	WalletID    string
	CategoryID  string
	NextDate    string
	IsRecurring bool
}

// Record converts the commitment to its flat row form.
func (c Commitment) Record() Record {
	return Record{
		"name":         c.Name,
		"amount":       c.Amount.String(),
		"frequency":    c.Frequency,
		"type":         c.Type,
		"wallet_id":    nullable(c.WalletID),
		"category_id":  nullable(c.CategoryID),
		"next_date":    c.NextDate,
		"status":       "ACTIVE",
		"is_recurring": boolFlag(c.IsRecurring),
	}
}

// Transfer is a typed constructor for rows in the transfers table.
type Transfer struct {
	FromWalletID string
	ToWalletID   string
	FromChannel  string
	ToChannel    string
	Amount       decimal.Decimal
	Date         string
	Note         string
}

// Record converts the transfer to its flat row form.
func (t Transfer) Record() Record {
	return Record{
		"from_wallet_id": t.FromWalletID,
		"to_wallet_id":   t.ToWalletID,
		"from_channel":   t.FromChannel,
		"to_channel":     t.ToChannel,
		"amount":         t.Amount.String(),
		"date":           t.Date,
		"note":           t.Note,
	}
}

// Amount parses a record's amount field back into a decimal. Rows that
// arrived from remote devices may legitimately omit the field.
func Amount(rec Record) (decimal.Decimal, error) {
	s := AsString(rec["amount"])
	if s == "" {
		return decimal.Zero, nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("invalid amount %q: %w", s, err)
	}
	return d, nil
}

func boolFlag(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
