package memory

import "errors"

var (
	// ErrStorageUnavailable wraps every backend I/O or embedding failure.
	ErrStorageUnavailable = errors.New("memory: storage unavailable")

	// ErrSchemaConflict is returned when a partition is reopened with an
	// embedding configuration that differs from the one it was created with.
	ErrSchemaConflict = errors.New("memory: partition schema conflict")

	// ErrInvalidPartition is returned for partition names outside
	// [Partitions].
	ErrInvalidPartition = errors.New("memory: invalid partition")

	// ErrInvalidK is returned by Query when k is not positive.
	ErrInvalidK = errors.New("memory: k must be positive")
)
