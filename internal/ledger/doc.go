// Package ledger owns balances, allowances, total supply and the vesting
// schedule store, and is the only place they change. Every mutation runs under
// one mutex: the call is validated, appended to the journal, applied to memory
// and only then announced to observers. Every debit path (transfer,
// delegated transfer, self transfer, batch and burn) goes through the same
// unlocked-balance gate.
package ledger
