// Package schema validates capability parameters against declared schemas.
//
// A Schema is the JSON-Schema subset the gateway understands: an object
// with typed properties, a required list, array items and enums. The type
// vocabulary is closed to string, number, boolean, object and array.
//
// Validation is deterministic and fail-fast:
//  1. every name in Required must be present and non-null
//  2. declared properties present in the input are type checked in sorted
//     name order, recursing into arrays (items) and objects (properties)
//  3. in strict mode, undeclared input properties are rejected
//
// The first violation is reported with its field path (dotted for nested
// objects, indexed for arrays, e.g. "operations[1].type") and the expected
// and actual type names.
package schema
