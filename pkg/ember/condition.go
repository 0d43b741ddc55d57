package ember

// Condition mirrors the state exposed by the binary-outcome settlement
// program. The engine only ever reads it: resolution happens exogenously and
// flips the owning market into its terminal state.
type Condition struct {
	ID                  string     `json:"id"`
	Name                string     `json:"name"`
	Description         string     `json:"description"`
	Outcomes            [2]Outcome `json:"outcomes"`
	Active              bool       `json:"active"`
	TicketTokenMint     AssetID    `json:"ticketTokenMint"`
	CollateralToken     AssetID    `json:"collateralToken"`
	CollateralPerTicket uint64     `json:"collateralPerTicket"`
	ResolutionAuth      AccountID  `json:"resolutionAuth"`
	CollateralVault     AccountID  `json:"collateralVault"`
	EndedAt             uint64     `json:"endedAt"`
}

// Outcome is one of the two sides of a condition.
type Outcome struct {
	Name      string  `json:"name"`
	TokenMint AssetID `json:"tokenMint"`
	Winner    bool    `json:"winner"`
}

// Resolved reports whether the condition has settled.
func (c *Condition) Resolved() bool {
	return !c.Active
}

// WinningOutcome returns the index of the winning outcome once the condition
// has resolved.
func (c *Condition) WinningOutcome() (int, bool) {
	if !c.Resolved() {
		return 0, false
	}
	for i := range c.Outcomes {
		if c.Outcomes[i].Winner {
			return i, true
		}
	}
	return 0, false
}
