package accounting

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Classification routes a distribution line to a ledger account.
type Classification string

const (
	ClassInventory Classification = "INVENTORY"
	ClassExpense   Classification = "EXPENSE"
	ClassTaxInput  Classification = "TAX_INPUT"
	ClassAPControl Classification = "AP_CONTROL"
	ClassCash      Classification = "CASH"
)

var classifications = []Classification{ClassInventory, ClassExpense, ClassTaxInput, ClassAPControl, ClassCash}

// ParseClassification normalizes a classification name.
func ParseClassification(raw string) (Classification, error) {
	c := Classification(strings.ToUpper(strings.TrimSpace(raw)))
	for _, known := range classifications {
		if c == known {
			return c, nil
		}
	}
	return "", fmt.Errorf("accounting: unknown classification %q", raw)
}

// AccountResolver maps classifications to account references.
type AccountResolver struct {
	accounts map[Classification]string
}

// NewAccountResolver validates and freezes a classification mapping.
func NewAccountResolver(mapping map[string]string) (*AccountResolver, error) {
	accounts := make(map[Classification]string, len(mapping))
	for raw, account := range mapping {
		c, err := ParseClassification(raw)
		if err != nil {
			return nil, err
		}
		account = strings.TrimSpace(account)
		if account == "" {
			return nil, fmt.Errorf("accounting: empty account for %s", c)
		}
		accounts[c] = account
	}
	return &AccountResolver{accounts: accounts}, nil
}

// Resolve returns the account mapped to c.
func (r *AccountResolver) Resolve(c Classification) (string, error) {
	if r != nil {
		if account, ok := r.accounts[c]; ok {
			return account, nil
		}
	}
	return "", fmt.Errorf("%w: %s", ErrMappingNotFound, c)
}

// Missing lists classifications without a mapping.
func (r *AccountResolver) Missing() []Classification {
	var out []Classification
	for _, c := range classifications {
		if _, err := r.Resolve(c); err != nil {
			out = append(out, c)
		}
	}
	return out
}

// MappingModule is the account_mappings module holding reconciliation routes.
const MappingModule = "RECONCILE"

// LoadAccountMappings reads classification routes from account_mappings.
func LoadAccountMappings(ctx context.Context, pool *pgxpool.Pool) (map[string]string, error) {
	rows, err := pool.Query(ctx, `SELECT key, account_code FROM account_mappings WHERE module=$1`, MappingModule)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]string)
	for rows.Next() {
		var key, code string
		if err := rows.Scan(&key, &code); err != nil {
			return nil, err
		}
		out[key] = code
	}
	return out, rows.Err()
}
