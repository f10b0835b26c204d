// validate.go - Required-field validation for save
package session

import "strings"

// ValidateForSave checks the fields a transaction must have before it
// can be written to the durable store: a merchant, at least one line
// item, and a non-negative total. Returns nil when the draft is
// saveable.
func (d DraftData) ValidateForSave() *ValidationError {
	var verr ValidationError

	if strings.TrimSpace(d.Merchant) == "" {
		verr.Missing = append(verr.Missing, "merchant")
	}
	if len(d.LineItems) == 0 {
		verr.Missing = append(verr.Missing, "line_items")
	}
	if d.Total.IsNegative() {
		verr.Invalid = append(verr.Invalid, "total")
	}
	for _, li := range d.LineItems {
		if li.Amount.IsNegative() || li.Quantity < 0 {
			verr.Invalid = append(verr.Invalid, "line_items")
			break
		}
	}

	if len(verr.Missing) == 0 && len(verr.Invalid) == 0 {
		return nil
	}
	return &verr
}
