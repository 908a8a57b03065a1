package image

import (
	"fmt"
	"sort"
	"strings"
	"sync"
)

// Channel is a catalog entry for a set of images. The table owns all
// channels for the process lifetime; connections hold weak references
// into it.
type Channel struct {
	// Name is the human-readable channel name.
	Name string

	// Number is the channel code clients select with CHANGE_CHANNEL.
	Number int16

	// Type is raw or pak.
	Type ChannelType

	// Source is where images live: a local directory or an HTTP base
	// URL (detected by the scheme prefix).
	Source string

	// DefaultFile is the selection a connection falls back to when no
	// file has been explicitly selected.
	DefaultFile string

	// RetroNetEnabled allows the RetroNet sub-protocol on connections
	// tuned to this channel.
	RetroNetEnabled bool
}

// IsHTTP reports whether the channel source is fetched over HTTP.
func (c *Channel) IsHTTP() bool {
	return strings.HasPrefix(c.Source, "http://") || strings.HasPrefix(c.Source, "https://")
}

// Table is the channel catalog. It is populated once at configuration
// load and read-mostly afterwards; the lock only guards against a
// future reload path.
type Table struct {
	mu       sync.RWMutex
	byNumber map[int16]*Channel
}

// NewTable builds a catalog from the configured channels. Duplicate
// channel numbers are rejected.
func NewTable(channels []*Channel) (*Table, error) {
	t := &Table{byNumber: make(map[int16]*Channel, len(channels))}
	for _, c := range channels {
		if _, dup := t.byNumber[c.Number]; dup {
			return nil, fmt.Errorf("duplicate channel number %d (%s)", c.Number, c.Name)
		}
		t.byNumber[c.Number] = c
	}
	return t, nil
}

// Lookup returns the channel with the given code, or nil.
func (t *Table) Lookup(number int16) *Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.byNumber[number]
}

// List returns all channels ordered by number.
func (t *Table) List() []*Channel {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]*Channel, 0, len(t.byNumber))
	for _, c := range t.byNumber {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Number < out[j].Number })
	return out
}
