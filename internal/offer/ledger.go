package offer

// Remaining is the stock still available given the quantities already
// reserved. It never goes negative, even if the limit was lowered after
// registrations were taken.
func Remaining(stockLimit, reserved int) int {
	if reserved >= stockLimit {
		return 0
	}
	return stockLimit - reserved
}

// Allowance is the highest total quantity a user may hold. The user's own
// registration is left out of the ledger sum, so its units count as
// available to them. The per-user limit caps the result when set.
func Allowance(remainingExcludingOwn int, perUserLimit *int) int {
	allowance := remainingExcludingOwn
	if perUserLimit != nil && *perUserLimit < allowance {
		allowance = *perUserLimit
	}
	return allowance
}

// Additional is how many more units a user holding prior may still add.
func Additional(allowance, prior int) int {
	if allowance <= prior {
		return 0
	}
	return allowance - prior
}
