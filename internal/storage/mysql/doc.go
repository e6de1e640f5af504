// Package mysql persists the ledger journal and the API user catalogue in
// MySQL. Schema changes are applied from the embedded migrations in
// deploy/migrations; the vesting_schedules table is a read projection kept in
// step with the journal inside the same transaction.
package mysql
