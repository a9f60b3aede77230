package endpoints

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"forgecast/internal/store"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFeedStore struct {
	feed     *store.Feed
	deleted  []string
	override string
	newSlug  string
}

func (f *fakeFeedStore) GetFeed(ctx context.Context, id string) (*store.Feed, error) {
	if f.feed == nil || f.feed.ID != id {
		return nil, store.ErrNotFound
	}
	return f.feed, nil
}

func (f *fakeFeedStore) ListFeeds(ctx context.Context) ([]*store.Feed, error) {
	if f.feed == nil {
		return nil, nil
	}
	return []*store.Feed{f.feed}, nil
}

func (f *fakeFeedStore) DeleteFeed(ctx context.Context, id string) error {
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeFeedStore) SetFeedTitleOverride(ctx context.Context, id, override string) error {
	f.override = override
	return nil
}

func (f *fakeFeedStore) RenameFeedSlug(ctx context.Context, id, newSlug string) error {
	f.newSlug = newSlug
	return nil
}

type fakeLayout struct {
	trashed []string
	renamed [][2]string
}

func (f *fakeLayout) MoveToTrash(feedSlug, feedID string, ts time.Time) error {
	f.trashed = append(f.trashed, feedSlug)
	return nil
}

func (f *fakeLayout) RenameFeed(oldSlug, newSlug string) error {
	f.renamed = append(f.renamed, [2]string{oldSlug, newSlug})
	return nil
}

func newFeedRouter(s *fakeFeedStore, l *fakeLayout) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.DELETE("/api/feeds/:id", HandleDeleteFeed(s, l))
	r.PATCH("/api/feeds/:id", HandleRenameFeed(s, l))
	return r
}

func TestDeleteFeedTrashesFilesBeforeRow(t *testing.T) {
	s := &fakeFeedStore{feed: &store.Feed{ID: "f1", Slug: "my-show"}}
	l := &fakeLayout{}
	r := newFeedRouter(s, l)

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/feeds/f1", nil))

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, []string{"my-show"}, l.trashed)
	assert.Equal(t, []string{"f1"}, s.deleted)
}

func TestDeleteFeedUnknownID(t *testing.T) {
	r := newFeedRouter(&fakeFeedStore{}, &fakeLayout{})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodDelete, "/api/feeds/missing", nil))

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRenameFeedMovesDirectoryAndRecordsSlug(t *testing.T) {
	s := &fakeFeedStore{feed: &store.Feed{ID: "f1", Slug: "old-name"}}
	l := &fakeLayout{}
	r := newFeedRouter(s, l)

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPatch, "/api/feeds/f1",
		strings.NewReader(`{"title":"New Name!"}`))
	req.Header.Set("Content-Type", "application/json")
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	require.Len(t, l.renamed, 1)
	assert.Equal(t, [2]string{"old-name", "New-Name"}, l.renamed[0])
	assert.Equal(t, "New Name!", s.override)
	assert.Equal(t, "New-Name", s.newSlug)
}
