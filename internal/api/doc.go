// Package api exposes the ledger over HTTP: vesting configuration and
// release, transfers, and read-only views. Amounts travel as decimal strings.
// With authentication disabled the caller address is taken from the
// X-Vest-Caller header; otherwise it is the address bound to the token
// subject.
package api
