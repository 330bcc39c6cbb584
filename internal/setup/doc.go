// Package setup loads kforge's settings and checks that the host can build kernels.
//
// This package is a collection of start-up helpers, and is therefore the only package that is
// allowed to use a package-level logger.
package setup
