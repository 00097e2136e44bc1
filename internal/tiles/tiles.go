// Package tiles tracks which 64x64 regions of the display changed between
// captures. The bitmap is shared lock-free between the capture thread
// (setting bits) and per-client writers (draining them).
package tiles

import (
	"fmt"
	"sync/atomic"
)

// Size is the tile edge length in pixels.
const Size = 64

// maxTiles bounds the bitmap to a fixed 8-word representation.
const maxTiles = 512

// Rect is a dirty region in pixels, clipped to the display edge.
type Rect struct {
	X, Y uint16
	W, H uint16
}

// Bitmap is a lock-free accumulator of dirty tile indices, laid out
// row-major over a grid of ceil(W/64) x ceil(H/64).
//
// Ordering is intentionally relaxed throughout: the bits only feed a coarse
// repaint signal, and correctness relies on the subsequent frame read being
// self-consistent, not on causal ordering between producer and consumer.
type Bitmap struct {
	words  [maxTiles / 64]atomic.Uint64
	tilesX int
	tilesY int
	width  int
	height int
}

// New builds a bitmap for a width x height display. Displays needing more
// than 512 tiles are rejected.
func New(width, height int) (*Bitmap, error) {
	tx := (width + Size - 1) / Size
	ty := (height + Size - 1) / Size
	if tx*ty > maxTiles {
		return nil, fmt.Errorf("display %dx%d needs %dx%d tiles, max %d", width, height, tx, ty, maxTiles)
	}
	return &Bitmap{tilesX: tx, tilesY: ty, width: width, height: height}, nil
}

// TilesX returns the number of tile columns.
func (b *Bitmap) TilesX() int { return b.tilesX }

// TilesY returns the number of tile rows.
func (b *Bitmap) TilesY() int { return b.tilesY }

// Set marks one tile dirty by row-major index.
func (b *Bitmap) Set(idx int) {
	b.words[idx/64].Or(1 << (idx % 64))
}

// SetAll marks every tile of the grid dirty.
func (b *Bitmap) SetAll() {
	total := b.tilesX * b.tilesY
	for w := 0; w < total/64; w++ {
		b.words[w].Store(^uint64(0))
	}
	if rem := total % 64; rem > 0 {
		b.words[total/64].Or((1 << rem) - 1)
	}
}

// Drain atomically claims all accumulated bits and materializes them as
// rectangles. A bit set after Drain returns is seen by the next Drain.
func (b *Bitmap) Drain() []Rect {
	var words [maxTiles / 64]uint64
	for i := range words {
		words[i] = b.words[i].Swap(0)
	}

	var rects []Rect
	for ty := 0; ty < b.tilesY; ty++ {
		for tx := 0; tx < b.tilesX; tx++ {
			idx := ty*b.tilesX + tx
			if words[idx/64]&(1<<(idx%64)) == 0 {
				continue
			}
			x0 := tx * Size
			y0 := ty * Size
			rects = append(rects, Rect{
				X: uint16(x0),
				Y: uint16(y0),
				W: uint16(min(Size, b.width-x0)),
				H: uint16(min(Size, b.height-y0)),
			})
		}
	}
	return rects
}
