// Package events carries ledger notifications out of the process after a
// mutation has been committed. Each event has a unique id, a keccak topic
// derived from its signature, and a JSON wire form. Buses exist for an
// in-process channel, a Redis list and a RabbitMQ queue; all of them share the
// Publisher and Consumer contracts so the ledger never knows which is in use.
package events
