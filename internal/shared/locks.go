package shared

import (
	"fmt"
	"sort"
)

// Lock key namespaces for reconciliation critical sections.
const (
	LockInvoice  = "invoice"
	LockPayment  = "payment"
	LockInstance = "approval"
	LockDocument = "document"
)

// FinanceLockKey builds redis keys for finance critical sections.
func FinanceLockKey(kind string, id any) string {
	return fmt.Sprintf("finance:%s:%v:lock", kind, id)
}

// SortedLockKeys de-duplicates and orders keys so that every caller acquires
// them in the same sequence.
func SortedLockKeys(keys ...string) []string {
	seen := make(map[string]struct{}, len(keys))
	out := make([]string, 0, len(keys))
	for _, k := range keys {
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
