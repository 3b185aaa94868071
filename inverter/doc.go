// Package inverter implements the binary protocol spoken by SmartESS compatible
// solar inverters (WiFi datalogger traffic on TCP port 8899).
//
// Wire format observed in traffic:
// - [0:2] transaction id
// - [2:4] type tag, 0x0925 status, 0x0001 command echo
// - [4:6] big-endian length of the remainder
// - payload, 16-bit fields are little-endian
//
// Out of scope:
// - encryption
// - checksums, none observed
package inverter
