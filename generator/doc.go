// Package generator turns a device identity and an ordered peripheral
// selection into the two programs flashed onto the device: the primary
// program (main.py), which constructs every selected peripheral and serves
// commands over MQTT, and the boot program (boot.py).
//
// Constructor arguments are resolved per parameter schema: an explicit value
// must satisfy the data type and constraints, an omitted value falls back to
// the schema default, a required parameter with neither is an error, and an
// optional parameter without default is left to the firmware class.
package generator
