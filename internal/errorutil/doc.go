// Package errorutil provides the sentinel-error and error-wrapping
// conventions shared by every package in this module.
package errorutil
