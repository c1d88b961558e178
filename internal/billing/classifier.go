package billing

import (
	"fmt"

	"seatsync/internal/types"
)

// VariantClassifier maps a provider price/variant identifier to the billing
// type it is sold under.
type VariantClassifier interface {
	// Classify returns BillingTypeLegacy for unknown variants.
	Classify(variantID string) types.BillingType
}

// staticClassifier is backed by the variant lists from configuration.
// Monthly variants are usage-based, yearly variants quantity-based.
type staticClassifier struct {
	byVariant map[string]types.BillingType
}

// NewStaticClassifier builds a classifier from the configured variant IDs. A
// variant listed in both lists is rejected.
func NewStaticClassifier(monthly, yearly []string) (VariantClassifier, error) {
	m := make(map[string]types.BillingType, len(monthly)+len(yearly))
	for _, id := range monthly {
		m[id] = types.BillingTypeUsageBased
	}
	for _, id := range yearly {
		if m[id] == types.BillingTypeUsageBased {
			return nil, fmt.Errorf("variant %q is configured as both monthly and yearly", id)
		}
		m[id] = types.BillingTypeQuantityBased
	}
	return &staticClassifier{byVariant: m}, nil
}

func (c *staticClassifier) Classify(variantID string) types.BillingType {
	if bt, ok := c.byVariant[variantID]; ok {
		return bt
	}
	return types.BillingTypeLegacy
}

// resolveBillingType decides the billing type of an existing row given a
// fresh classification. Legacy rows may be upgraded; a classified row never
// switches between the two known types.
func resolveBillingType(current, classified types.BillingType) (types.BillingType, error) {
	switch {
	case !current.Known():
		return classified, nil
	case !classified.Known(), classified == current:
		return current, nil
	default:
		return current, types.NewAppErrorWithDetails(
			types.ErrCodeBillingTypeReclassified,
			fmt.Sprintf("billing type cannot change from %s to %s", current, classified),
			nil,
			map[string]any{"current": string(current), "classified": string(classified)},
		)
	}
}
