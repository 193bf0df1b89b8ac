package match

// The pot for a room is both stakes combined; the platform skims 10% of it
// on settlement. All amounts are minor currency units, so the floor in the
// fee and refund formulas is plain integer division.

// Pot returns the total escrowed amount for a room.
func Pot(stake int64) int64 {
	return 2 * stake
}

// Fee returns the platform cut for a given pot, floor(pot * 0.10).
func Fee(pot int64) int64 {
	return pot / 10
}

// WinnerTake returns the decisive-match payout: the pot minus the fee. The
// loser's stake is already inside the pot, so the loser sees no credit.
func WinnerTake(stake int64) int64 {
	pot := Pot(stake)
	return pot - Fee(pot)
}

// DrawRefund returns the per-player refund for a drawn match,
// floor((pot - fee) / 2). Rounding dust stays with the platform.
func DrawRefund(stake int64) int64 {
	pot := Pot(stake)
	return (pot - Fee(pot)) / 2
}
