// Package chain connects the ledger to an EVM node. Its only consumer is the
// block clock: vesting time can follow the latest block timestamp of a
// configured chain instead of the local wall clock, so releases become due
// at the same instant for every replica that watches the same chain.
package chain
