// Package registry persists the delivery state: which destinations a source
// feeds, which items have been fully processed, and where each item's
// transport messages live. It is the only resource shared across concurrent
// jobs.
package registry
