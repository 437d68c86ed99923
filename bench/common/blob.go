package common

import (
	"crypto/rand"
	"fmt"
)

// PreparedBlob holds a pre-generated blob ready for storing.
type PreparedBlob struct {
	ID   string
	Data []byte
}

// PreGenerateBlobs creates all blobs upfront so that benchmarks measure the
// protocol without including data generation time. IDs are prefix-0,
// prefix-1 and so on.
func PreGenerateBlobs(prefix string, numBlobs, blobSize int) []PreparedBlob {
	blobs := make([]PreparedBlob, numBlobs)

	// Pre-generate the payload template once
	template := make([]byte, blobSize)
	rand.Read(template)

	for i := 0; i < numBlobs; i++ {
		blobs[i] = PreparedBlob{
			ID:   fmt.Sprintf("%s-%d", prefix, i),
			Data: generatePayload(blobSize, template),
		}
	}
	return blobs
}

// generatePayload creates a new payload by copying and slightly modifying the template.
// This is more efficient than calling crypto/rand for every blob.
func generatePayload(size int, template []byte) []byte {
	payload := make([]byte, size)
	copy(payload, template)
	// Add some variation by modifying a few bytes
	if size > 8 {
		rand.Read(payload[:8])
	}
	return payload
}

// TotalByteSize returns the total bytes across all blobs.
func TotalByteSize(blobs []PreparedBlob) int64 {
	var total int64
	for _, blob := range blobs {
		total += int64(len(blob.Data))
	}
	return total
}

// Partition splits blobs into n contiguous slices of near-equal length, the
// last one taking the remainder.
func Partition(blobs []PreparedBlob, n int) [][]PreparedBlob {
	if n <= 0 {
		n = 1
	}
	if n > len(blobs) {
		n = len(blobs)
	}
	parts := make([][]PreparedBlob, 0, n)
	per := 0
	if n > 0 {
		per = len(blobs) / n
	}
	for i := 0; i < n; i++ {
		start := i * per
		end := start + per
		if i == n-1 {
			end = len(blobs)
		}
		parts = append(parts, blobs[start:end])
	}
	return parts
}
