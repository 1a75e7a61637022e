// Package hook assembles the external hook contract and runs the hook
// scripts. The argument list is strictly positional: disabling a feature
// flag blanks its fields but never shifts the ones behind it.
package hook

// Flags selects which optional argument groups are populated. The set is
// built once at startup and passed around immutably.
type Flags struct {
	// Network exposes network name, token symbol and token decimals.
	Network bool
	// Nominators exposes projected APR, stake totals and the active
	// nominator lists.
	Nominators bool
	// AuthoredBlocks exposes the completed session's authored-block count.
	AuthoredBlocks bool
	// AllNominators exposes the full nominator stash list.
	AllNominators bool
	// ParaValidator exposes parachain duty fields.
	ParaValidator bool
	// EraPoints exposes the previous era's points fields.
	EraPoints bool
}

// AllEnabled returns a flag set with every optional group populated.
func AllEnabled() Flags {
	return Flags{
		Network:        true,
		Nominators:     true,
		AuthoredBlocks: true,
		AllNominators:  true,
		ParaValidator:  true,
		EraPoints:      true,
	}
}
