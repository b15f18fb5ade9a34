package storage

import (
	"context"
	"fmt"
)

// HealthChecker reports S3/MinIO reachability for the pack bucket.
type HealthChecker struct {
	store *PackStore
}

// NewHealthChecker creates a health checker for the given pack store.
func NewHealthChecker(store *PackStore) *HealthChecker {
	return &HealthChecker{store: store}
}

// HealthCheck verifies connectivity by checking that the bucket exists.
func (h *HealthChecker) HealthCheck(ctx context.Context) error {
	exists, err := h.store.client.BucketExists(ctx, h.store.bucket)
	if err != nil {
		return fmt.Errorf("s3 bucket check: %w", err)
	}
	if !exists {
		return fmt.Errorf("s3 bucket %q does not exist", h.store.bucket)
	}
	return nil
}
