package cache

import (
	"context"
	"errors"
	"io"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jhammerschmidt/dropboxfs/internal/remote"
)

// pausingBody lets a test control exactly when each chunk of a download
// becomes readable, so progressive-read behavior can be observed
// deterministically instead of racing a real network stream.
type pausingBody struct {
	mu     sync.Mutex
	chunks [][]byte
	failAt int // -1 means never fail
	closed bool
}

// Read blocks until a chunk has been pushed (or the body is closed), so the
// download only makes progress when the test says so.
func (b *pausingBody) Read(p []byte) (int, error) {
	for {
		b.mu.Lock()
		if b.failAt == 0 {
			b.mu.Unlock()
			return 0, errors.New("simulated transport failure")
		}
		if len(b.chunks) > 0 {
			if b.failAt > 0 {
				b.failAt--
			}
			chunk := b.chunks[0]
			b.chunks = b.chunks[1:]
			n := copy(p, chunk)
			b.mu.Unlock()
			return n, nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (b *pausingBody) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}

func (b *pausingBody) push(chunk []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = append(b.chunks, chunk)
}

// fakeClient is a minimal remote.Client double that only implements Download,
// the only method the cache package calls.
type fakeClient struct {
	remote.Client
	body    *pausingBody
	downErr error
}

func (c *fakeClient) Download(ctx context.Context, path string) (remote.Download, error) {
	if c.downErr != nil {
		return remote.Download{}, c.downErr
	}
	return remote.Download{Size: 0, Modified: time.Time{}, Body: c.body}, nil
}

func testLog() *logrus.Entry {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l.WithField("test", true)
}

func TestFileCache_ProgressiveReadUnblocksAsBytesArrive(t *testing.T) {
	dir := t.TempDir()
	body := &pausingBody{failAt: -1}
	client := &fakeClient{body: body}
	c := NewFileCache(dir, client, testLog())

	fh, err := c.Open(context.Background(), "/a.txt", "a.txt", "/a.txt")
	require.NoError(t, err)
	defer c.Close(fh)

	readDone := make(chan []byte, 1)
	readErr := make(chan error, 1)
	go func() {
		data, err := c.Read("/a.txt", 5, 0, fh)
		readErr <- err
		readDone <- data
	}()

	// The reader should still be blocked: nothing has been written yet.
	select {
	case <-readDone:
		t.Fatal("read returned before any bytes were downloaded")
	case <-time.After(50 * time.Millisecond):
	}

	body.push([]byte("hello"))

	select {
	case data := <-readDone:
		require.NoError(t, <-readErr)
		assert.Equal(t, "hello", string(data))
	case <-time.After(2 * time.Second):
		t.Fatal("read did not unblock after bytes were published")
	}
}

func TestFileCache_SecondOpenReusesInFlightDownloader(t *testing.T) {
	dir := t.TempDir()
	body := &pausingBody{failAt: -1}
	client := &fakeClient{body: body}
	c := NewFileCache(dir, client, testLog())

	fh1, err := c.Open(context.Background(), "/a.txt", "a.txt", "/a.txt")
	require.NoError(t, err)
	defer c.Close(fh1)

	c.mu.Lock()
	_, downloading := c.downloading["/a.txt"]
	n := len(c.downloading)
	c.mu.Unlock()
	require.True(t, downloading)
	require.Equal(t, 1, n)

	fh2, err := c.Open(context.Background(), "/a.txt", "a.txt", "/a.txt")
	require.NoError(t, err)
	defer c.Close(fh2)

	c.mu.Lock()
	n = len(c.downloading)
	c.mu.Unlock()
	assert.Equal(t, 1, n, "a second open of the same path must not start a second downloader")
}

func TestFileCache_ReadReportsDownloadFailure(t *testing.T) {
	dir := t.TempDir()
	body := &pausingBody{failAt: 0}
	client := &fakeClient{body: body}
	c := NewFileCache(dir, client, testLog())

	fh, err := c.Open(context.Background(), "/bad.txt", "bad.txt", "/bad.txt")
	require.NoError(t, err)
	defer c.Close(fh)

	_, err = c.Read("/bad.txt", 10, 0, fh)
	assert.Error(t, err)
}

func TestFileCache_FailedDownloadIsRetriedOnNextOpen(t *testing.T) {
	dir := t.TempDir()
	body := &pausingBody{failAt: 0}
	client := &fakeClient{body: body}
	c := NewFileCache(dir, client, testLog())

	fh, err := c.Open(context.Background(), "/bad.txt", "bad.txt", "/bad.txt")
	require.NoError(t, err)
	_, err = c.Read("/bad.txt", 1, 0, fh)
	require.Error(t, err)
	require.NoError(t, c.Close(fh))

	// Wait for finishedDownloading to run and remove the failed entry.
	require.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		_, ok := c.downloading["/bad.txt"]
		return !ok
	}, time.Second, time.Millisecond)

	body2 := &pausingBody{failAt: -1}
	body2.push([]byte("ok"))
	client.body = body2
	client.downErr = nil

	fh2, err := c.Open(context.Background(), "/bad.txt", "bad.txt", "/bad.txt")
	require.NoError(t, err)
	defer c.Close(fh2)
	data, err := c.Read("/bad.txt", 2, 0, fh2)
	require.NoError(t, err)
	assert.Equal(t, "ok", string(data))
}

func TestFileCache_ReadUnknownHandle(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(dir, &fakeClient{}, testLog())
	_, err := c.Read("/a.txt", 1, 0, 9999)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestFileCache_CloseUnknownHandle(t *testing.T) {
	dir := t.TempDir()
	c := NewFileCache(dir, &fakeClient{}, testLog())
	err := c.Close(9999)
	assert.ErrorIs(t, err, ErrUnknownHandle)
}

func TestDownloader_WaitForSizeReturnsFalseOnFailure(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "x")
	require.NoError(t, err)
	defer f.Close()
	d := newDownloader("/x", f.Name(), "/x", f, testLog())
	done := make(chan bool, 1)
	go func() {
		done <- d.WaitForSize(100)
	}()
	time.Sleep(20 * time.Millisecond)
	d.fail()
	select {
	case ok := <-done:
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("WaitForSize did not return after fail()")
	}
}

func TestDownloader_WaitForSizeReturnsTrueOnSuccessWhenThresholdMet(t *testing.T) {
	f, err := os.CreateTemp(t.TempDir(), "x")
	require.NoError(t, err)
	defer f.Close()
	d := newDownloader("/x", f.Name(), "/x", f, testLog())
	d.publish(10)
	d.succeed()
	ok := d.WaitForSize(5)
	assert.True(t, ok)
}
