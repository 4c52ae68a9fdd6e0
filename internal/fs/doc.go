// Package fs abstracts the file system operations needed by the page
// store and the backup path, so tests can substitute fakes.
package fs
