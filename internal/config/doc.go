// Package config loads the VestLedger service configuration from a JSON file
// (path taken from VESTLEDGER_CONFIG), fills defaults, applies secret
// overrides from the environment and validates driver selections. It also
// parses the YAML allocation plan applied at bootstrap.
package config
