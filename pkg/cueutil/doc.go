// SPDX-License-Identifier: MPL-2.0

// Package cueutil validates JSON and CUE documents against embedded CUE
// schemas.
//
// Every descriptor the runtime reads (package manifests, version tables,
// batch descriptors and the configuration file) goes through the same flow:
//
//  1. Compile the embedded schema
//  2. Compile the document and unify it with the schema definition
//  3. Validate and decode to a Go value
//
// # Usage
//
//	//go:embed schema.cue
//	var schema []byte
//
//	result, err := cueutil.ParseAndDecode[rawManifest](
//	    schema,
//	    data,
//	    "#Manifest",
//	    cueutil.WithFilename("package.json"),
//	)
//
// Errors carry the document name and the JSON path of the offending field.
package cueutil
