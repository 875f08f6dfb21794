// Package contracts defines the interfaces application code implements to take
// part in broker messaging:
//   - Consumer: handles one decoded message type
//   - EventHandler: receives informational events and error reports
//
// Message types themselves are plain structs. Their simple Go type name is the
// root element name on the wire, so a Consumer[Invoice] receives payloads whose
// root element is <Invoice> (optionally namespace-prefixed).
package contracts
