// Package sensors holds the static presentation table for the keys an
// ADA-P1 meter is known to report.
//
// The table maps a reading key to a display name, unit, device class and
// icon, and decides whether the value is numeric, text or binary.
// [Render] pairs that table with a [p1status.Reading]. Keys the table does
// not know are still present in the Reading; they just have no
// presentation metadata.
package sensors
