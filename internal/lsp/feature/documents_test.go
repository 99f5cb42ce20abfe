package feature

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dshills/lspclient/internal/lsp"
)

const goURI = lsp.DocumentURI("file:///ws/main.go")

var goDoc = Document{URI: goURI, LanguageID: "go"}

func decodeChange(t *testing.T, raw json.RawMessage) lsp.DidChangeTextDocumentParams {
	t.Helper()
	var p lsp.DidChangeTextDocumentParams
	require.NoError(t, json.Unmarshal(raw, &p))
	return p
}

func TestDocumentsOpenSendsDidOpen(t *testing.T) {
	client := newStubClient()
	docs := NewDocuments(client, WithChangeDebounce(0))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "package main\n"))
	assert.ErrorIs(t, docs.Open(ctx, goDoc, ""), ErrDocumentOpen)

	msgs := client.messages(lsp.MethodDidOpen)
	require.Len(t, msgs, 1)
	var p lsp.DidOpenTextDocumentParams
	require.NoError(t, json.Unmarshal(msgs[0], &p))
	assert.Equal(t, goURI, p.TextDocument.URI)
	assert.Equal(t, "go", p.TextDocument.LanguageID)
	assert.Equal(t, 1, p.TextDocument.Version)
	assert.Equal(t, "package main\n", p.TextDocument.Text)
}

func TestDocumentsReopenWhenRunning(t *testing.T) {
	client := newStubClient()
	client.state = lsp.StateStopped
	docs := NewDocuments(client, WithChangeDebounce(0))
	defer docs.Dispose()
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "package main\n"))
	require.NoError(t, docs.Replace(ctx, goURI, "package other\n"))
	assert.Empty(t, client.messages(lsp.MethodDidOpen))
	assert.Empty(t, client.messages(lsp.MethodDidChange))

	client.setState(lsp.StateRunning)

	msgs := client.messages(lsp.MethodDidOpen)
	require.Len(t, msgs, 1)
	var p lsp.DidOpenTextDocumentParams
	require.NoError(t, json.Unmarshal(msgs[0], &p))
	assert.Equal(t, "package other\n", p.TextDocument.Text)
	assert.Equal(t, 2, p.TextDocument.Version)

	docs.Dispose()
	client.setState(lsp.StateStopped)
	client.setState(lsp.StateRunning)
	assert.Len(t, client.messages(lsp.MethodDidOpen), 1)
}

func TestDocumentsChangeIsDebounced(t *testing.T) {
	mock := clock.NewMock()
	client := newStubClient()
	docs := NewDocuments(client, WithDocumentsClock(mock), WithChangeDebounce(200*time.Millisecond))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "a"))
	require.NoError(t, docs.Replace(ctx, goURI, "ab"))
	mock.Add(100 * time.Millisecond)
	require.NoError(t, docs.Replace(ctx, goURI, "abc"))
	mock.Add(100 * time.Millisecond)
	assert.Empty(t, client.messages(lsp.MethodDidChange))

	mock.Add(100 * time.Millisecond)
	msgs := client.waitFor(t, lsp.MethodDidChange, 1)
	require.Len(t, msgs, 1)

	p := decodeChange(t, msgs[0])
	assert.Equal(t, 3, p.TextDocument.Version)
	require.Len(t, p.ContentChanges, 1)
	assert.Nil(t, p.ContentChanges[0].Range)
	assert.Equal(t, "abc", p.ContentChanges[0].Text)
}

func TestDocumentsIncrementalSync(t *testing.T) {
	client := newStubClient()
	docs := NewDocuments(client, WithChangeDebounce(0))
	require.NoError(t, docs.Initialize(serverCaps(t, `{"textDocumentSync": 2}`), nil))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "hello world"))
	r := rng(0, 6, 0, 11)
	require.NoError(t, docs.Change(ctx, goURI, lsp.TextDocumentContentChangeEvent{Range: &r, Text: "gopher"}))

	od, ok := docs.Get(goURI)
	require.True(t, ok)
	assert.Equal(t, "hello gopher", od.Content)
	assert.True(t, od.Dirty)

	p := decodeChange(t, client.messages(lsp.MethodDidChange)[0])
	require.Len(t, p.ContentChanges, 1)
	require.NotNil(t, p.ContentChanges[0].Range)
	assert.Equal(t, r, *p.ContentChanges[0].Range)
	assert.Equal(t, "gopher", p.ContentChanges[0].Text)
}

func TestDocumentsFullSyncSendsWholeText(t *testing.T) {
	client := newStubClient()
	docs := NewDocuments(client, WithChangeDebounce(0))
	require.NoError(t, docs.Initialize(serverCaps(t, `{"textDocumentSync": {"openClose": true, "change": 1}}`), nil))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "hello world"))
	r := rng(0, 0, 0, 5)
	require.NoError(t, docs.Change(ctx, goURI, lsp.TextDocumentContentChangeEvent{Range: &r, Text: "howdy"}))

	p := decodeChange(t, client.messages(lsp.MethodDidChange)[0])
	require.Len(t, p.ContentChanges, 1)
	assert.Nil(t, p.ContentChanges[0].Range)
	assert.Equal(t, "howdy world", p.ContentChanges[0].Text)
}

func TestDocumentsSelectorGate(t *testing.T) {
	client := newStubClient()
	client.selector = goSelector
	docs := NewDocuments(client, WithChangeDebounce(0))
	ctx := context.Background()

	py := Document{URI: "file:///ws/tool.py", LanguageID: "python"}
	require.NoError(t, docs.Open(ctx, py, "print()"))
	require.NoError(t, docs.Replace(ctx, py.URI, "pass"))
	require.NoError(t, docs.Close(ctx, py.URI))
	assert.Empty(t, client.sent)

	require.NoError(t, docs.Open(ctx, goDoc, "package main"))
	assert.Len(t, client.messages(lsp.MethodDidOpen), 1)
}

func TestDocumentsSaveAndClose(t *testing.T) {
	client := newStubClient()
	docs := NewDocuments(client, WithChangeDebounce(time.Hour))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "a"))
	require.NoError(t, docs.Replace(ctx, goURI, "b"))
	require.NoError(t, docs.Save(ctx, goURI))

	// Save flushes the pending change first.
	require.Len(t, client.messages(lsp.MethodDidChange), 1)
	saves := client.messages(lsp.MethodDidSave)
	require.Len(t, saves, 1)
	var p lsp.DidSaveTextDocumentParams
	require.NoError(t, json.Unmarshal(saves[0], &p))
	assert.Equal(t, "b", p.Text)

	od, _ := docs.Get(goURI)
	assert.False(t, od.Dirty)

	require.NoError(t, docs.Close(ctx, goURI))
	assert.Len(t, client.messages(lsp.MethodDidClose), 1)
	_, ok := docs.Get(goURI)
	assert.False(t, ok)

	assert.ErrorIs(t, docs.Close(ctx, goURI), ErrDocumentNotOpen)
	assert.ErrorIs(t, docs.Save(ctx, goURI), ErrDocumentNotOpen)
	assert.ErrorIs(t, docs.Replace(ctx, goURI, "c"), ErrDocumentNotOpen)
}

func TestDocumentsClearDropsPendingChanges(t *testing.T) {
	mock := clock.NewMock()
	client := newStubClient()
	docs := NewDocuments(client, WithDocumentsClock(mock))
	ctx := context.Background()

	require.NoError(t, docs.Open(ctx, goDoc, "a"))
	require.NoError(t, docs.Replace(ctx, goURI, "ab"))
	docs.Clear()
	mock.Add(time.Second)

	assert.Never(t, func() bool {
		return len(client.messages(lsp.MethodDidChange)) > 0
	}, 50*time.Millisecond, 5*time.Millisecond)

	od, ok := docs.Get(goURI)
	require.True(t, ok)
	assert.Equal(t, "ab", od.Content)
	assert.Equal(t, []lsp.DocumentURI{goURI}, docs.URIs())
}

func TestDocumentsFlushAll(t *testing.T) {
	client := newStubClient()
	docs := NewDocuments(client, WithChangeDebounce(time.Hour))
	ctx := context.Background()

	other := Document{URI: "file:///ws/util.go", LanguageID: "go"}
	require.NoError(t, docs.Open(ctx, goDoc, "a"))
	require.NoError(t, docs.Open(ctx, other, "b"))
	require.NoError(t, docs.Replace(ctx, goURI, "aa"))
	require.NoError(t, docs.Replace(ctx, other.URI, "bb"))

	require.NoError(t, docs.FlushAll(ctx))
	msgs := client.messages(lsp.MethodDidChange)
	require.Len(t, msgs, 2)
	assert.Equal(t, goURI, decodeChange(t, msgs[0]).TextDocument.URI)
	assert.Equal(t, other.URI, decodeChange(t, msgs[1]).TextDocument.URI)
}
