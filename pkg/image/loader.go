package image

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/nabunetwork/nabud/internal/logger"
	"github.com/nabunetwork/nabud/pkg/bufpool"
)

// Loader errors.
var (
	// ErrNoChannel means the connection has no selected channel.
	ErrNoChannel = errors.New("no channel selected")

	// ErrNotFound means the requested image does not exist on the
	// channel source.
	ErrNotFound = errors.New("image not found")

	// ErrTooLarge means the image exceeds the configured size cap.
	ErrTooLarge = errors.New("image exceeds size limit")
)

// Session is the loader's view of a connection: the selected channel,
// the effective file selection, and the last-image cache slot. All
// methods are safe for concurrent use; LastImage returns a retained
// reference the caller must release.
type Session interface {
	Name() string
	Channel() *Channel
	SetChannel(chn *Channel)
	SelectedFile() string
	LastImage() *Image
	SetLastImage(img *Image) *Image
	SetLastImageIf(match, img *Image) *Image
}

// DefaultMaxImageSize caps image loads when no limit is configured.
const DefaultMaxImageSize = 16 << 20

// bootImageNumber is the image id clients request to boot; the
// connection's selected file substitutes for its derived name.
const bootImageNumber = 1

// Loader resolves image ids against a connection's selected channel and
// materializes the bytes from the channel source.
type Loader struct {
	table   *Table
	maxSize int64
	client  *http.Client
}

// NewLoader creates a loader over the channel catalog. maxSize of 0
// selects DefaultMaxImageSize.
func NewLoader(table *Table, maxSize int64) *Loader {
	if maxSize <= 0 {
		maxSize = DefaultMaxImageSize
	}
	return &Loader{
		table:   table,
		maxSize: maxSize,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

// Table returns the channel catalog the loader serves from.
func (l *Loader) Table() *Table { return l.table }

// ChannelSelect installs the channel with the given code on the
// session. Selecting a channel clears the session's selected file.
func (l *Loader) ChannelSelect(sess Session, code int16) error {
	chn := l.table.Lookup(code)
	if chn == nil {
		return fmt.Errorf("unknown channel 0x%04x", uint16(code))
	}
	sess.SetChannel(chn)
	return nil
}

// Load returns a retained image for the given 24-bit id, consulting the
// session's last-image cache before touching the channel source. The
// caller must hand the reference back through Unload.
func (l *Loader) Load(ctx context.Context, sess Session, imageID uint32) (*Image, error) {
	chn := sess.Channel()
	if chn == nil {
		return nil, ErrNoChannel
	}

	if img := sess.LastImage(); img != nil {
		if img.Number == imageID && img.Channel == chn {
			logger.Debug("Image served from cache",
				logger.KeyConn, sess.Name(), logger.KeyImage, fmt.Sprintf("%06X", imageID))
			return img, nil
		}
		img.Release()
	}

	name := l.imageFileName(sess, chn, imageID)
	data, pooled, err := l.fetch(ctx, chn, name)
	if err != nil {
		return nil, err
	}
	logger.Debug("Image loaded",
		logger.KeyConn, sess.Name(),
		logger.KeyImage, fmt.Sprintf("%06X", imageID),
		logger.KeyFile, name,
		"bytes", len(data))
	return newImage(name, data, imageID, chn, pooled), nil
}

// Unload releases the caller's reference. Unless this was the final
// segment of the delivery, the image is parked in the session's
// last-image slot so the next request for an adjacent segment avoids a
// reload; on the final segment the parked reference is dropped too.
func (l *Loader) Unload(sess Session, img *Image, last bool) {
	if img == nil {
		return
	}
	if last {
		old := sess.SetLastImageIf(img, nil)
		old.Release()
		img.Release()
		return
	}
	old := sess.SetLastImage(img.Retain())
	old.Release()
	img.Release()
}

// imageFileName derives the file name for an image id on a channel.
// The boot image honors the session's selected file (which falls back
// to the channel default).
func (l *Loader) imageFileName(sess Session, chn *Channel, imageID uint32) string {
	if imageID == bootImageNumber {
		if sel := sess.SelectedFile(); sel != "" {
			return sel
		}
	}
	if chn.Type == TypePak {
		return fmt.Sprintf("%06X.pak", imageID)
	}
	return fmt.Sprintf("%06X.nabu", imageID)
}

// fetch reads the named file from the channel source. The returned
// bool reports whether the buffer came from the pool.
func (l *Loader) fetch(ctx context.Context, chn *Channel, name string) ([]byte, bool, error) {
	if chn.IsHTTP() {
		return l.fetchHTTP(ctx, chn.Source+"/"+name)
	}
	return l.fetchFile(filepath.Join(chn.Source, name))
}

func (l *Loader) fetchFile(path string) ([]byte, bool, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, ErrNotFound
		}
		return nil, false, fmt.Errorf("stat %s: %w", path, err)
	}
	if fi.Size() > l.maxSize {
		return nil, false, ErrTooLarge
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	buf := bufpool.Get(int(fi.Size()))
	if _, err := io.ReadFull(f, buf); err != nil {
		bufpool.Put(buf)
		return nil, false, fmt.Errorf("read %s: %w", path, err)
	}
	return buf, true, nil
}

func (l *Loader) fetchHTTP(ctx context.Context, url string) ([]byte, bool, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, false, fmt.Errorf("build request %s: %w", url, err)
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return nil, false, fmt.Errorf("fetch %s: %w", url, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return nil, false, ErrNotFound
	case resp.StatusCode != http.StatusOK:
		return nil, false, fmt.Errorf("fetch %s: status %s", url, resp.Status)
	}

	if resp.ContentLength > l.maxSize {
		return nil, false, ErrTooLarge
	}
	if resp.ContentLength > 0 {
		buf := bufpool.Get(int(resp.ContentLength))
		if _, err := io.ReadFull(resp.Body, buf); err != nil {
			bufpool.Put(buf)
			return nil, false, fmt.Errorf("read %s: %w", url, err)
		}
		return buf, true, nil
	}

	// Chunked response: length unknown until read.
	data, err := io.ReadAll(io.LimitReader(resp.Body, l.maxSize+1))
	if err != nil {
		return nil, false, fmt.Errorf("read %s: %w", url, err)
	}
	if int64(len(data)) > l.maxSize {
		return nil, false, ErrTooLarge
	}
	return data, false, nil
}
