package domain

// EntryType classifies a ledger row. Debits carry negative amounts, credits
// positive ones, abort markers zero.
type EntryType int

const (
	EntryTypeDebit EntryType = iota + 1
	EntryTypeCredit
	EntryTypeAbortMarker
)

func (t EntryType) String() string {
	switch t {
	case EntryTypeDebit:
		return "debit"
	case EntryTypeCredit:
		return "credit"
	case EntryTypeAbortMarker:
		return "abort_marker"
	default:
		return "unknown"
	}
}
