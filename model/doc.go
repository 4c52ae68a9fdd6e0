// Package model defines the shared identifier and reference types used
// across the vecpage storage and graph layers.
package model
