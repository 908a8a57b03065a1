package image

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSession implements Session with the same locking discipline a
// real connection uses.
type fakeSession struct {
	mu           sync.Mutex
	name         string
	channel      *Channel
	selectedFile string
	lastImage    *Image
}

func (s *fakeSession) Name() string { return s.name }

func (s *fakeSession) Channel() *Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.channel
}

func (s *fakeSession) SetChannel(chn *Channel) {
	s.mu.Lock()
	s.channel = chn
	s.selectedFile = ""
	s.mu.Unlock()
}

func (s *fakeSession) SelectedFile() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.selectedFile != "" {
		return s.selectedFile
	}
	if s.channel != nil {
		return s.channel.DefaultFile
	}
	return ""
}

func (s *fakeSession) LastImage() *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastImage != nil {
		return s.lastImage.Retain()
	}
	return nil
}

func (s *fakeSession) SetLastImage(img *Image) *Image {
	s.mu.Lock()
	old := s.lastImage
	s.lastImage = img
	s.mu.Unlock()
	return old
}

func (s *fakeSession) SetLastImageIf(match, img *Image) *Image {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastImage != match {
		return nil
	}
	old := s.lastImage
	s.lastImage = img
	return old
}

func writeImageFile(t *testing.T, dir, name string, data []byte) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), data, 0o644))
}

func newTestLoader(t *testing.T, channels ...*Channel) *Loader {
	t.Helper()
	table, err := NewTable(channels)
	require.NoError(t, err)
	return NewLoader(table, 0)
}

func TestImageRefcount(t *testing.T) {
	img := newImage("test", []byte{1, 2, 3}, 1, nil, false)

	img.Retain()
	img.Release()
	assert.NotNil(t, img.Data)

	img.Release()
	assert.Nil(t, img.Data)

	assert.Panics(t, func() { img.Release() })
}

func TestReleaseNilImage(t *testing.T) {
	var img *Image
	assert.NotPanics(t, func() { img.Release() })
}

func TestChannelTable(t *testing.T) {
	t.Run("LookupAndList", func(t *testing.T) {
		table, err := NewTable([]*Channel{
			{Name: "b", Number: 2, Type: TypePak},
			{Name: "a", Number: 1, Type: TypeRaw},
		})
		require.NoError(t, err)

		assert.Equal(t, "a", table.Lookup(1).Name)
		assert.Nil(t, table.Lookup(9))

		list := table.List()
		require.Len(t, list, 2)
		assert.Equal(t, int16(1), list[0].Number)
		assert.Equal(t, int16(2), list[1].Number)
	})

	t.Run("RejectsDuplicateNumbers", func(t *testing.T) {
		_, err := NewTable([]*Channel{
			{Name: "a", Number: 1},
			{Name: "b", Number: 1},
		})
		assert.Error(t, err)
	})
}

func TestChannelSelect(t *testing.T) {
	chn := &Channel{Name: "cycle", Number: 7, Type: TypeRaw, DefaultFile: "menu.nabu"}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test"}

	require.NoError(t, loader.ChannelSelect(sess, 7))
	assert.Same(t, chn, sess.Channel())

	assert.Error(t, loader.ChannelSelect(sess, 42))
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("program bytes")
	writeImageFile(t, dir, "000002.nabu", payload)

	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	img, err := loader.Load(context.Background(), sess, 2)
	require.NoError(t, err)
	assert.Equal(t, payload, img.Data[:len(payload)])
	assert.Equal(t, uint32(2), img.Number)
	assert.Same(t, chn, img.Channel)
	loader.Unload(sess, img, true)
}

func TestLoadMissingImage(t *testing.T) {
	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: t.TempDir()}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	_, err := loader.Load(context.Background(), sess, 0x1234)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadWithoutChannel(t *testing.T) {
	loader := newTestLoader(t)
	_, err := loader.Load(context.Background(), &fakeSession{name: "test"}, 1)
	assert.ErrorIs(t, err, ErrNoChannel)
}

func TestBootImageUsesSelectedFile(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "game.nabu", []byte("selected"))
	writeImageFile(t, dir, "000001.nabu", []byte("derived"))

	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn, selectedFile: "game.nabu"}

	img, err := loader.Load(context.Background(), sess, 1)
	require.NoError(t, err)
	assert.Equal(t, "game.nabu", img.Name)
	loader.Unload(sess, img, true)

	// Without a selection the derived name is used.
	sess.selectedFile = ""
	img, err = loader.Load(context.Background(), sess, 1)
	require.NoError(t, err)
	assert.Equal(t, "000001.nabu", img.Name)
	loader.Unload(sess, img, true)
}

func TestPakFileNaming(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "0000AB.pak", []byte("pak bytes here"))

	chn := &Channel{Name: "paks", Number: 1, Type: TypePak, Source: dir}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	img, err := loader.Load(context.Background(), sess, 0xAB)
	require.NoError(t, err)
	assert.True(t, img.IsPak())
	loader.Unload(sess, img, true)
}

func TestUnloadCachesUntilLastSegment(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "000003.nabu", []byte("cache me"))

	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	img, err := loader.Load(context.Background(), sess, 3)
	require.NoError(t, err)
	loader.Unload(sess, img, false)

	// Second request hits the cache: same handle, no reload even after
	// the file disappears.
	require.NoError(t, os.Remove(filepath.Join(dir, "000003.nabu")))
	again, err := loader.Load(context.Background(), sess, 3)
	require.NoError(t, err)
	assert.Same(t, img, again)

	// Final segment drops the cache and the data.
	loader.Unload(sess, again, true)
	assert.Nil(t, sess.lastImage)
	assert.Nil(t, img.Data)
}

func TestLoadDifferentImageEvictsCache(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "000003.nabu", []byte("first"))
	writeImageFile(t, dir, "000004.nabu", []byte("second"))

	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	first, err := loader.Load(context.Background(), sess, 3)
	require.NoError(t, err)
	loader.Unload(sess, first, false)

	second, err := loader.Load(context.Background(), sess, 4)
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	loader.Unload(sess, second, false)

	// The replaced cache entry released its reference.
	assert.Nil(t, first.Data)
	loader.Unload(sess, second.Retain(), true)
}

func TestLoadOverHTTP(t *testing.T) {
	payload := []byte("remote program image")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/000005.nabu":
			_, _ = w.Write(payload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	chn := &Channel{Name: "remote", Number: 1, Type: TypeRaw, Source: srv.URL}
	loader := newTestLoader(t, chn)
	sess := &fakeSession{name: "test", channel: chn}

	img, err := loader.Load(context.Background(), sess, 5)
	require.NoError(t, err)
	assert.Equal(t, payload, img.Data[:len(payload)])
	loader.Unload(sess, img, true)

	_, err = loader.Load(context.Background(), sess, 6)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestLoadRespectsSizeLimit(t *testing.T) {
	dir := t.TempDir()
	writeImageFile(t, dir, "000002.nabu", make([]byte, 256))

	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	table, err := NewTable([]*Channel{chn})
	require.NoError(t, err)
	loader := NewLoader(table, 128)
	sess := &fakeSession{name: "test", channel: chn}

	_, err = loader.Load(context.Background(), sess, 2)
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestWatcherInvalidatesOnWrite(t *testing.T) {
	dir := t.TempDir()
	chn := &Channel{Name: "local", Number: 1, Type: TypeRaw, Source: dir}
	table, err := NewTable([]*Channel{chn})
	require.NoError(t, err)

	var mu sync.Mutex
	var hits []*Channel
	w, err := NewWatcher(table, func(c *Channel) {
		mu.Lock()
		hits = append(hits, c)
		mu.Unlock()
	})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan struct{})
	go func() {
		defer close(done)
		w.Run(ctx)
	}()

	writeImageFile(t, dir, fmt.Sprintf("%06X.nabu", 9), []byte("fresh"))

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(hits) > 0 && hits[0] == chn
	}, 5*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}
