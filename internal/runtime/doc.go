// Package runtime wires cibot's components together from a configuration file.
//
// A Context owns the logger, the database and the engine built on top of
// them. Commands create one with NewContext and Close it when they finish.
package runtime
