package accounting

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"github.com/odyssey-erp/reconciler/internal/fx"
)

// Charge is one invoice line routed to the ledger. Net excludes tax.
type Charge struct {
	Classification Classification
	Net            decimal.Decimal
	Tax            decimal.Decimal
	Description    string
}

// InvoicePosting describes a supplier invoice to distribute.
type InvoicePosting struct {
	Number   string
	Currency string
	Date     time.Time
	Charges  []Charge
}

// PaymentPosting describes an outgoing payment to distribute.
type PaymentPosting struct {
	Number   string
	Currency string
	Date     time.Time
	Amount   decimal.Decimal
}

// DistributionBuilder produces base-currency distributions for posting.
type DistributionBuilder struct {
	converter *fx.Converter
	accounts  *AccountResolver
}

// NewDistributionBuilder constructs a builder.
func NewDistributionBuilder(converter *fx.Converter, accounts *AccountResolver) *DistributionBuilder {
	return &DistributionBuilder{converter: converter, accounts: accounts}
}

// Invoice debits inventory or expense per line and tax input for the tax,
// crediting AP control with the sum of the converted debits. Invoices netting
// negative debit AP control instead.
func (b *DistributionBuilder) Invoice(ctx context.Context, in InvoicePosting) (Distribution, error) {
	apAccount, err := b.accounts.Resolve(ClassAPControl)
	if err != nil {
		return Distribution{}, err
	}
	base := b.converter.BaseCurrency()
	dist := Distribution{Currency: base}
	var taxTotal decimal.Decimal
	for idx, charge := range in.Charges {
		account, err := b.accounts.Resolve(charge.Classification)
		if err != nil {
			return Distribution{}, err
		}
		amount, err := b.converter.ToBase(ctx, charge.Net, in.Currency, in.Date)
		if err != nil {
			return Distribution{}, err
		}
		if !amount.BaseValue.IsZero() {
			dist.Lines = append(dist.Lines, sided(account, amount.BaseValue, describe(charge.Description, in.Number, idx)))
		}
		taxTotal = taxTotal.Add(charge.Tax)
	}
	if !taxTotal.IsZero() {
		taxAccount, err := b.accounts.Resolve(ClassTaxInput)
		if err != nil {
			return Distribution{}, err
		}
		tax, err := b.converter.ToBase(ctx, taxTotal, in.Currency, in.Date)
		if err != nil {
			return Distribution{}, err
		}
		dist.Lines = append(dist.Lines, sided(taxAccount, tax.BaseValue, fmt.Sprintf("Input tax %s", in.Number)))
	}
	debit, credit := dist.Totals()
	switch payable := debit.Sub(credit); {
	case payable.IsPositive():
		dist.Lines = append(dist.Lines, GLLine{Account: apAccount, Type: Credit, Amount: payable, Description: fmt.Sprintf("AP invoice %s", in.Number)})
	case payable.IsNegative():
		// a credit note reduces what is owed to the supplier
		dist.Lines = append(dist.Lines, GLLine{Account: apAccount, Type: Debit, Amount: payable.Neg(), Description: fmt.Sprintf("AP credit note %s", in.Number)})
	}
	return dist, nil
}

// Payment debits AP control and credits cash.
func (b *DistributionBuilder) Payment(ctx context.Context, in PaymentPosting) (Distribution, error) {
	apAccount, err := b.accounts.Resolve(ClassAPControl)
	if err != nil {
		return Distribution{}, err
	}
	cashAccount, err := b.accounts.Resolve(ClassCash)
	if err != nil {
		return Distribution{}, err
	}
	amount, err := b.converter.ToBase(ctx, in.Amount, in.Currency, in.Date)
	if err != nil {
		return Distribution{}, err
	}
	memo := fmt.Sprintf("AP payment %s", in.Number)
	return Distribution{Currency: b.converter.BaseCurrency(), Lines: []GLLine{
		{Account: apAccount, Type: Debit, Amount: amount.BaseValue, Description: memo},
		{Account: cashAccount, Type: Credit, Amount: amount.BaseValue, Description: memo},
	}}, nil
}

// sided books negative amounts (credit notes, discounts) on the credit side.
func sided(account string, amount decimal.Decimal, description string) GLLine {
	if amount.IsNegative() {
		return GLLine{Account: account, Type: Credit, Amount: amount.Neg(), Description: description}
	}
	return GLLine{Account: account, Type: Debit, Amount: amount, Description: description}
}

func describe(description, number string, idx int) string {
	if description != "" {
		return description
	}
	return fmt.Sprintf("%s line %d", number, idx+1)
}
