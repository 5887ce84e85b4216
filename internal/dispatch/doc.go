// Package dispatch routes decoded tracker records.
// Every record is logged; position reports with valid coordinates are
// published to subscribers as gps_update events.
package dispatch
