// SPDX-License-Identifier: MPL-2.0

// Package config loads pkghost settings with Viper, using CUE as the file
// format.
//
// The file is config.cue in the platform config directory (for example
// ~/.config/pkghost/config.cue), validated against the embedded
// config_schema.cue. Every key can be overridden by an environment variable
// with the PKGHOST_ prefix; list values are comma separated.
package config
