// Package vesting holds the per-beneficiary vesting records and the two
// release formulas: the admin formula (one immediate tranche plus monthly
// tranches of the original allocation) and the locked-wallet formula (a cliff
// followed by monthly tranches clamped to the remainder). Calculators are pure;
// the ledger applies their quotes.
package vesting
