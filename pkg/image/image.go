// Package image provides program images, the channel catalog they are
// served from, and the loader that materializes image bytes from local
// directories or HTTP sources.
//
// Images are reference-counted: the loader hands out retained handles,
// connections cache the most recently delivered image to spare a reload
// across adjacent segment requests, and the backing buffer returns to
// the pool once the last reference drops.
package image

import (
	"sync/atomic"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/bufpool"
)

// ChannelType distinguishes how a channel stores its images.
type ChannelType string

const (
	// TypeRaw channels store bare program bytes; the adaptor frames
	// each segment itself.
	TypeRaw ChannelType = "raw"

	// TypePak channels store pre-framed segments; the adaptor only
	// rewrites the trailing CRC.
	TypePak ChannelType = "pak"
)

// Image is a numbered program or data blob. Data is shared and must be
// treated as read-only by all holders.
type Image struct {
	// Name is the printable identifier (file name or "TimeImage").
	Name string

	// Data holds the image bytes. Pooled; recycled when the last
	// reference drops.
	Data []byte

	// Number is the 24-bit image identifier.
	Number uint32

	// Channel is the channel that produced this image, nil for
	// synthetic images such as the time packet.
	Channel *Channel

	pooled bool
	refs   atomic.Int32
}

// newImage returns an image holding one reference for the caller.
func newImage(name string, data []byte, number uint32, chn *Channel, pooled bool) *Image {
	img := &Image{Name: name, Data: data, Number: number, Channel: chn, pooled: pooled}
	img.refs.Store(1)
	return img
}

// IsPak reports whether the image came from a pre-framed pak channel.
func (img *Image) IsPak() bool {
	return img.Channel != nil && img.Channel.Type == TypePak
}

// Retain acquires an additional reference.
func (img *Image) Retain() *Image {
	img.refs.Add(1)
	return img
}

// Release drops one reference. The backing buffer is recycled when the
// count reaches zero; the handle must not be used afterwards. Release
// of a nil image is a no-op so callers can release unconditionally.
func (img *Image) Release() {
	if img == nil {
		return
	}
	switch n := img.refs.Add(-1); {
	case n == 0:
		logger.Debug("Image released", logger.KeyImage, img.Name)
		if img.pooled {
			bufpool.Put(img.Data)
		}
		img.Data = nil
	case n < 0:
		panic("image: release of released image")
	}
}
