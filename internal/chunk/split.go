// Package chunk fragments oversized content item payloads for transport and
// reassembles them on the consuming side.
package chunk

import "github.com/raphaelgruber/mediaflow/internal/models"

// Split partitions item's payload into fragments of at most maxSize bytes.
// An item whose payload fits, or a non-positive maxSize, is returned unchanged
// with no chunk metadata. Fragments share the original payload's backing array.
func Split(item models.ContentItem, maxSize int) []models.ContentItem {
	if maxSize <= 0 || len(item.Payload) <= maxSize {
		return []models.ContentItem{item}
	}

	total := (len(item.Payload) + maxSize - 1) / maxSize
	frags := make([]models.ContentItem, 0, total)
	for i := range total {
		start := i * maxSize
		end := min(start+maxSize, len(item.Payload))

		frag := item
		frag.Payload = item.Payload[start:end:end]
		frag.ChunkNumber = i + 1
		frag.TotalChunks = total
		frags = append(frags, frag)
	}
	return frags
}
