// Package catalog loads the peripheral constructor schemas used to generate
// device firmware.
//
// Schemas are declared in YAML. A peripheral may inherit another one with
// `inherits: <name>`: the base parameter list is copied, parameters the child
// redeclares replace the base entry in place and new ones are appended.
//
// The default catalog is compiled into the binary; LoadFile replaces it with
// an operator-supplied document. Loading validates every invariant up front
// (known data types, range and allowed values never combined, defaults within
// their constraints, no inheritance cycles), so lookups never fail at runtime.
package catalog
