package domain

// Synchronized table names. The local mirror and the remote store use the same identifiers.
const (
	TableTransactions       = "txns"
	TableVerticals          = "verticals"
	TableCategories         = "categories"
	TableContributors       = "contributors"
	TableRetreats           = "retreats"
	TableSettlementPayments = "settlement_payments"
)

// SyncedTables lists every synchronized table in pull order: reference data
// first so that transactions land after the rows they point at.
var SyncedTables = []string{
	TableVerticals,
	TableCategories,
	TableContributors,
	TableRetreats,
	TableTransactions,
	TableSettlementPayments,
}

// IsSyncedTable reports whether name is one of SyncedTables.
func IsSyncedTable(name string) bool {
	for _, t := range SyncedTables {
		if t == name {
			return true
		}
	}
	return false
}
