package count

// =============================================================================
// CONVERSION POLICY - Raw entry to base units
// =============================================================================

// Convert turns an entered quantity into base units. Boxes are multiplied by
// the conversion factor, units pass through unchanged. Zero is a valid
// quantity: it records "counted, none found".
func Convert(kind UnitKind, entered, factor Quantity) (Quantity, error) {
	if entered.IsNegative() {
		return Quantity{}, ErrNegativeQuantity
	}
	if !entered.IsWhole() {
		return Quantity{}, ErrFractionalQuantity
	}
	if !factor.IsWhole() || factor.LessThan(QuantityFromInt(1).Decimal) {
		return Quantity{}, ErrInvalidFactor
	}

	switch kind {
	case UnitBoxes:
		return entered.Mul(factor), nil
	case UnitUnits:
		return entered, nil
	default:
		return Quantity{}, ErrInvalidUnitKind
	}
}

// CheckConversion verifies the stored conversion invariant of an entry.
func CheckConversion(e Entry) error {
	want, err := Convert(e.UnitKind, e.EnteredQuantity, e.ConversionFactor)
	if err != nil {
		return err
	}
	if !want.Equal(e.ConvertedQuantity) {
		return ErrConversionMismatch
	}
	return nil
}
