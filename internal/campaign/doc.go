// Package campaign holds the campaign data model and the pure rules around it:
// configuration validation, the status state machine, the recurrence
// calculator and the send window policy.
//
// Nothing in this package performs I/O. The scheduler package drives these
// rules against the record store.
package campaign
