// Package product holds the shared domain model for the capture service: jobs,
// extraction candidates, merged records, the failure taxonomy, and the
// interfaces implemented by the storage, cache and notification layers.
package product
