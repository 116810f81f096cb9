package schema

// Operation identifies the kind of mutation a queue entry or change
// notification carries.
type Operation string

const (
	OpInsert Operation = "INSERT"
	OpUpdate Operation = "UPDATE"
	OpDelete Operation = "DELETE"
)

// Valid reports whether the operation is one of the known kinds.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	}
	return false
}

// Tables lists every syncable entity table in dependency order.
//
// Bootstrap and pull walk tables in this order so that parents land
// before the rows that reference them (wallets before channels, plans
// before their components). The remote endpoint tolerates foreign keys
// arriving slightly out of order, but honoring the order avoids most
// dangling references in the first place.
var Tables = []string{
	"profiles",
	"currencies",
	"channel_types",
	"categories",
	"wallets",
	"channels",
	"transactions",
	"transaction_splits",
	"commitments",
	"transfers",
	"budgets",
	"financial_plans",
	"financial_plan_components",
	"financial_plan_settlements",
}

// KnownTable reports whether name is a registered syncable table.
func KnownTable(name string) bool {
	for _, t := range Tables {
		if t == name {
			return true
		}
	}
	return false
}

// PrimaryKey returns the primary key column for a table. Currencies are
// keyed by ISO code; every other table uses the client-generated id.
func PrimaryKey(table string) string {
	if table == "currencies" {
		return "code"
	}
	return "id"
}
