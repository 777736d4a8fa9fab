package remote

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	sdk "github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/files"
	"github.com/dropbox/dropbox-sdk-go-unofficial/v6/dropbox/users"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"

	"github.com/jhammerschmidt/dropboxfs/internal/model"
	"github.com/jhammerschmidt/dropboxfs/internal/retry"
)

// DropboxClient implements Client against the real Dropbox HTTP API, the
// way backend/dropbox/dropbox.go builds f.srv/f.users off an
// oauth2-authenticated http.Client (dropbox_fs/crawler.py's connect()
// equivalent: self.dbx = dropbox.Dropbox(self._db_token)).
type DropboxClient struct {
	files files.Client
	users users.Client
	pacer *retry.Pacer
	log   *logrus.Entry
}

// NewDropboxClient connects to the Dropbox API with a bare OAuth access
// token, as init()/load_snapshot() do in the original.
func NewDropboxClient(token string, log *logrus.Entry) *DropboxClient {
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token}))
	cfg := sdk.Config{
		LogLevel: sdk.LogOff,
		Client:   httpClient,
	}
	return &DropboxClient{
		files: files.New(cfg),
		users: users.New(cfg),
		pacer: retry.NewPacer(),
		log:   log,
	}
}

func shouldRetry(err error) bool {
	if err == nil {
		return false
	}
	if netErr, ok := err.(net.Error); ok {
		return netErr.Timeout() || netErr.Temporary()
	}
	return false
}

func entriesFromDropbox(src []files.IsMetadata) []model.Entry {
	out := make([]model.Entry, 0, len(src))
	for _, e := range src {
		switch m := e.(type) {
		case *files.FileMetadata:
			out = append(out, model.Entry{
				Kind:           model.EntryFile,
				PathDisplay:    m.PathDisplay,
				Size:           m.Size,
				ServerModified: m.ServerModified,
			})
		case *files.FolderMetadata:
			out = append(out, model.Entry{
				Kind:        model.EntryFolder,
				PathDisplay: m.PathDisplay,
			})
		case *files.DeletedMetadata:
			out = append(out, model.Entry{
				Kind:        model.EntryDeleted,
				PathDisplay: m.PathDisplay,
			})
		}
	}
	return out
}

// List implements Client.
func (c *DropboxClient) List(ctx context.Context, path string, recursive bool) (ListResult, error) {
	arg := files.ListFolderArg{Path: path, Recursive: recursive}
	var res *files.ListFolderResult
	err := c.pacer.Call(ctx, func() (bool, error) {
		var callErr error
		res, callErr = c.files.ListFolder(&arg)
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return ListResult{}, wrapTransportErr(err)
	}
	return ListResult{Entries: entriesFromDropbox(res.Entries), Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

// ListContinue implements Client.
func (c *DropboxClient) ListContinue(ctx context.Context, cursor string) (ListResult, error) {
	arg := files.ListFolderContinueArg{Cursor: cursor}
	var res *files.ListFolderResult
	err := c.pacer.Call(ctx, func() (bool, error) {
		var callErr error
		res, callErr = c.files.ListFolderContinue(&arg)
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return ListResult{}, wrapTransportErr(err)
	}
	return ListResult{Entries: entriesFromDropbox(res.Entries), Cursor: res.Cursor, HasMore: res.HasMore}, nil
}

// GetLatestCursor implements Client.
func (c *DropboxClient) GetLatestCursor(ctx context.Context, path string, recursive, includeDeleted bool) (string, error) {
	arg := files.ListFolderArg{Path: path, Recursive: recursive, IncludeDeleted: includeDeleted}
	var res *files.ListFolderGetLatestCursorResult
	err := c.pacer.Call(ctx, func() (bool, error) {
		var callErr error
		res, callErr = c.files.ListFolderGetLatestCursor(&arg)
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return "", wrapTransportErr(err)
	}
	return res.Cursor, nil
}

// Longpoll implements Client. The Backoff field is surfaced to the caller
// (the crawler) rather than silently dropped, the way
// backend/dropbox/dropbox.go's changeNotifyRunner handles it.
func (c *DropboxClient) Longpoll(ctx context.Context, cursor string, timeout time.Duration) (LongpollResult, error) {
	secs := uint64(timeout / time.Second)
	if secs < 30 {
		secs = 30
	}
	if secs > 480 {
		secs = 480
	}
	arg := files.ListFolderLongpollArg{Cursor: cursor, Timeout: secs}
	var res *files.ListFolderLongpollResult
	err := c.pacer.Call(ctx, func() (bool, error) {
		var callErr error
		res, callErr = c.files.ListFolderLongpoll(&arg)
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return LongpollResult{}, wrapTransportErr(err)
	}
	return LongpollResult{Changes: res.Changes, Backoff: time.Duration(res.Backoff) * time.Second}, nil
}

// Download implements Client.
func (c *DropboxClient) Download(ctx context.Context, path string) (Download, error) {
	arg := files.DownloadArg{Path: path}
	var md *files.FileMetadata
	var body io.ReadCloser
	err := c.pacer.Call(ctx, func() (bool, error) {
		m, content, callErr := c.files.Download(&arg)
		if callErr == nil {
			md, body = m, content
		}
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return Download{}, wrapTransportErr(err)
	}
	return Download{Size: md.Size, Modified: md.ServerModified, Body: body}, nil
}

// SpaceUsage implements Client.
func (c *DropboxClient) SpaceUsage(ctx context.Context) (SpaceUsage, error) {
	var res *users.SpaceUsage
	err := c.pacer.Call(ctx, func() (bool, error) {
		var callErr error
		res, callErr = c.users.GetSpaceUsage()
		return shouldRetry(callErr), callErr
	})
	if err != nil {
		return SpaceUsage{}, wrapTransportErr(err)
	}
	allocated := uint64(0)
	if res.Allocation != nil && res.Allocation.Individual != nil {
		allocated = res.Allocation.Individual.Allocated
	}
	return SpaceUsage{Used: res.Used, Allocated: allocated}, nil
}

// CheckToken implements Client, matching the original's
// access_token_is_valid() preflight.
func (c *DropboxClient) CheckToken(ctx context.Context) error {
	_, err := c.users.GetCurrentAccount()
	if err != nil {
		return fmt.Errorf("%w: %v (try re-generating an access token from the app console on the web)", ErrAuth, err)
	}
	return nil
}

func wrapTransportErr(err error) error {
	if shouldRetry(err) {
		return fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return err
}
