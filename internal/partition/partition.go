// Package partition splits a byte range into transfer blocks.
package partition

// Range is an inclusive byte range [Begin, End].
type Range struct {
	Begin int64
	End   int64
}

// Len returns the number of bytes covered by the range.
func (r Range) Len() int64 {
	return r.End - r.Begin + 1
}

// UploadRange is a Range with the stable id and length the remote store
// expects for the block.
type UploadRange struct {
	Range
	ID   int
	Size int64
}

// Partition splits [0, size) into contiguous blocks of blockSize bytes.
// Only the last block may be shorter. A size of zero yields no blocks.
func Partition(size, blockSize int64) []Range {
	if size <= 0 {
		return nil
	}
	if blockSize <= 0 || blockSize > size {
		blockSize = size
	}

	count := size / blockSize
	if size%blockSize != 0 {
		count++
	}

	ranges := make([]Range, 0, count)
	for begin := int64(0); begin < size; begin += blockSize {
		end := begin + blockSize - 1
		if end >= size {
			end = size - 1
		}
		ranges = append(ranges, Range{Begin: begin, End: end})
	}
	return ranges
}

// PartitionUpload is Partition with ids assigned in ascending order from 0.
func PartitionUpload(size, blockSize int64) []UploadRange {
	ranges := Partition(size, blockSize)
	out := make([]UploadRange, len(ranges))
	for i, r := range ranges {
		out[i] = UploadRange{Range: r, ID: i, Size: r.Len()}
	}
	return out
}
