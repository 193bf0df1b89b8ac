package match

import "math"

// DefaultRating is the rating assigned to accounts that have never played a
// decisive match.
const DefaultRating = 1200

// EloK is the update factor applied to both participants of a decisive match.
const EloK = 32

// EloExpected returns the logistic expected score of a player rated a
// against a player rated b.
func EloExpected(a, b int) float64 {
	return 1 / (1 + math.Pow(10, float64(b-a)/400))
}

// EloUpdate computes both players' post-match ratings for a decisive result.
// It is pure; draws leave ratings untouched and never reach this function.
func EloUpdate(winner, loser int) (newWinner, newLoser int) {
	newWinner = int(math.Round(float64(winner) + EloK*(1-EloExpected(winner, loser))))
	newLoser = int(math.Round(float64(loser) + EloK*(0-EloExpected(loser, winner))))
	return newWinner, newLoser
}
