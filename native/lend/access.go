package lend

// Category identifies one of the independently switchable operation groups.
type Category string

const (
	CategoryRepay     Category = "repay"
	CategoryWithdraw  Category = "withdraw"
	CategoryLiquidate Category = "liquidate"
	CategoryInterest  Category = "interest"
)

// Categories lists every switchable category in canonical order.
func Categories() []Category {
	return []Category{CategoryRepay, CategoryWithdraw, CategoryLiquidate, CategoryInterest}
}

// Valid reports whether the category is one the engine recognises.
func (c Category) Valid() bool {
	switch c {
	case CategoryRepay, CategoryWithdraw, CategoryLiquidate, CategoryInterest:
		return true
	}
	return false
}

// AccessFlags carries the pause and revocation switches for one category.
// Paused blocks the category's operations until it is lifted. Revoked freezes
// the category active permanently: once raised no pause transition is accepted
// again, from any caller. The two are never set together.
type AccessFlags struct {
	Paused  bool
	Revoked bool
}

// AccessControls holds the switch pairs for all four categories.
type AccessControls struct {
	Repay     AccessFlags
	Withdraw  AccessFlags
	Liquidate AccessFlags
	Interest  AccessFlags
}

func (a *AccessControls) flags(cat Category) *AccessFlags {
	switch cat {
	case CategoryRepay:
		return &a.Repay
	case CategoryWithdraw:
		return &a.Withdraw
	case CategoryLiquidate:
		return &a.Liquidate
	case CategoryInterest:
		return &a.Interest
	}
	return nil
}

// Flags returns the switch pair recorded for the category.
func (a AccessControls) Flags(cat Category) (AccessFlags, bool) {
	flags := a.flags(cat)
	if flags == nil {
		return AccessFlags{}, false
	}
	return *flags, true
}

// Paused reports whether the category is currently paused.
func (a AccessControls) Paused(cat Category) bool {
	flags := a.flags(cat)
	return flags != nil && flags.Paused
}

// Revoked reports whether the category's controls have been revoked.
func (a AccessControls) Revoked(cat Category) bool {
	flags := a.flags(cat)
	return flags != nil && flags.Revoked
}

// guard rejects operations belonging to a paused category.
func (a AccessControls) guard(cat Category) error {
	if a.Paused(cat) {
		return ErrCategoryPaused
	}
	return nil
}
