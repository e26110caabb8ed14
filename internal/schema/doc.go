// Package schema describes the declared inputs of a tool and validates raw
// caller arguments against them, filling defaults and normalizing values.
package schema
