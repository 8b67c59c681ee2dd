// Package chat holds the domain records shared by the realtime gateway, the
// ephemeral state store, the session cache and reconciliation.
//
// The types here carry no behavior beyond validation; ownership of each record
// lives with the component that mutates it.
package chat
