package esbind

import (
	"context"
	"fmt"
)

// SliceSource is an in-memory RecordSource.
type SliceSource []Record

// ForEachChunk implements RecordSource.
func (s SliceSource) ForEachChunk(ctx context.Context, chunkSize int, fn func(chunk []Record) error) error {
	if chunkSize <= 0 {
		return fmt.Errorf("chunk size must be positive, got %d", chunkSize)
	}
	for start := 0; start < len(s); start += chunkSize {
		if err := ctx.Err(); err != nil {
			return err
		}
		end := min(start+chunkSize, len(s))
		if err := fn(s[start:end]); err != nil {
			return err
		}
	}
	return nil
}

// ChunkIDs splits ids into consecutive chunks of at most size.
func ChunkIDs(ids []int64, size int) [][]int64 {
	if size <= 0 || len(ids) == 0 {
		return nil
	}
	chunks := make([][]int64, 0, (len(ids)+size-1)/size)
	for start := 0; start < len(ids); start += size {
		end := min(start+size, len(ids))
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}
