package webdav

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/webdav-core/internal/config"
	"github.com/webdav-core/internal/sidecar"
	"github.com/webdav-core/internal/webdav/davxml"
)

// ========================================
// Test Setup and Utilities
// ========================================

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// newTestEngine 使用临时目录和文件旁路存储创建引擎
func newTestEngine(t *testing.T, mutate ...func(*config.Config)) *Engine {
	t.Helper()

	cfg := config.Default()
	cfg.Storage.RootPath = t.TempDir()
	cfg.Server.MountPrefix = "/webdav"
	for _, m := range mutate {
		m(cfg)
	}

	logger := newTestLogger()
	store, err := sidecar.NewFileStore(cfg.Storage.RootPath, logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	e, err := NewEngine(cfg, store, nil, logger)
	require.NoError(t, err)
	return e
}

// serve 发送请求，headers 为键值对
func serve(t *testing.T, e *Engine, method, path, body string, headers ...string) *Response {
	t.Helper()
	req := &Request{Method: method, Path: path, Header: http.Header{}, Body: []byte(body)}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	return e.Serve(context.Background(), req)
}

func lockinfo(scope string) string {
	return `<?xml version="1.0" encoding="utf-8"?>
<D:lockinfo xmlns:D="DAV:">
  <D:lockscope><D:` + scope + `/></D:lockscope>
  <D:locktype><D:write/></D:locktype>
  <D:owner><D:href>mailto:alice@example.com</D:href></D:owner>
</D:lockinfo>`
}

func lockTokenOf(resp *Response) string {
	return strings.Trim(resp.Header.Get("Lock-Token"), "<>")
}

// findAll 递归查找所有同名元素
func findAll(root *davxml.Element, space, local string) []*davxml.Element {
	var out []*davxml.Element
	if root.Is(space, local) {
		out = append(out, root)
	}
	for _, c := range root.Children() {
		out = append(out, findAll(c, space, local)...)
	}
	return out
}

func parseBody(t *testing.T, resp *Response) *davxml.Element {
	t.Helper()
	root, err := davxml.Parse(resp.Body)
	require.NoError(t, err, string(resp.Body))
	return root
}

// ========================================
// Dispatch
// ========================================

func TestEngine_VerbAllowList(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.DAV.AllowedMethods = []string{"options", "get", "propfind"}
	})

	resp := serve(t, e, "PUT", "/webdav/a.txt", "data")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)
	assert.Equal(t, "OPTIONS, GET, HEAD, PROPFIND", resp.Header.Get("Allow"))

	resp = serve(t, e, "BREW", "/webdav/a.txt", "")
	assert.Equal(t, http.StatusMethodNotAllowed, resp.Status)

	resp = serve(t, e, "HEAD", "/webdav/a.txt", "")
	assert.Equal(t, http.StatusNotFound, resp.Status)
}

func TestEngine_PathHygiene(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, http.StatusForbidden, serve(t, e, "GET", "/webdav/../etc/passwd", "").Status)
	assert.Equal(t, http.StatusForbidden, serve(t, e, "GET", "/webdav/./a", "").Status)
	assert.Equal(t, http.StatusForbidden, serve(t, e, "PUT", "/webdav/a.txt"+sidecar.Suffix, "x").Status)
}

func TestEngine_MalformedIfHeader(t *testing.T) {
	e := newTestEngine(t)
	resp := serve(t, e, "PUT", "/webdav/a.txt", "x", "If", "(<urn:uuid:a>")
	assert.Equal(t, http.StatusBadRequest, resp.Status)
}

func TestEngine_PreconditionFailedShortCircuits(t *testing.T) {
	e := newTestEngine(t)
	resp := serve(t, e, "PUT", "/webdav/a.txt", "x", "If", "(<urn:uuid:not-held>)")
	assert.Equal(t, http.StatusPreconditionFailed, resp.Status)

	_, err := os.Stat(filepath.Join(e.fs.Root(), "a.txt"))
	assert.True(t, os.IsNotExist(err))
}

func TestEngine_Options(t *testing.T) {
	e := newTestEngine(t, func(cfg *config.Config) {
		cfg.DAV.EnableAccessControl = true
	})

	resp := serve(t, e, "OPTIONS", "/webdav/", "")
	assert.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "1, 2, 3, access-control, extended-mkcol", resp.Header.Get("DAV"))
	assert.Equal(t, "DAV", resp.Header.Get("MS-Author-Via"))
	assert.Contains(t, resp.Header.Get("Allow"), "PROPPATCH")
	assert.Contains(t, resp.Header.Get("Allow"), "HEAD")
}

// ========================================
// GET / PUT / DELETE
// ========================================

func TestEngine_PutGetHead(t *testing.T) {
	e := newTestEngine(t)

	resp := serve(t, e, "PUT", "/webdav/notes.html", "hello world")
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "hello world", string(resp.Body))

	resp = serve(t, e, "GET", "/webdav/notes.html", "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "hello world", string(resp.Body))
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("Content-Type"), "text/html"))
	assert.True(t, strings.HasPrefix(resp.Header.Get("ETag"), `W/"`))
	assert.NotEmpty(t, resp.Header.Get("Last-Modified"))

	resp = serve(t, e, "HEAD", "/webdav/notes.html", "")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Empty(t, resp.Body)
	assert.Equal(t, "11", resp.Header.Get("Content-Length"))
}

func TestEngine_GetNotReadable(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)

	assert.Equal(t, http.StatusNotFound, serve(t, e, "GET", "/webdav/missing.txt", "").Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "GET", "/webdav/dir", "").Status)
}

func TestEngine_PutEdgeCases(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, e, "PUT", "/webdav/dir", "x").Status)
	assert.Equal(t, http.StatusConflict, serve(t, e, "PUT", "/webdav/nope/a.txt", "x").Status)
}

func TestEngine_Delete(t *testing.T) {
	e := newTestEngine(t)

	assert.Equal(t, http.StatusNotFound, serve(t, e, "DELETE", "/webdav/missing.txt", "").Status)

	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)
	assert.Equal(t, http.StatusNoContent, serve(t, e, "DELETE", "/webdav/a.txt", "").Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "GET", "/webdav/a.txt", "").Status)

	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir/sub", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dir/sub/b.txt", "b").Status)
	assert.Equal(t, http.StatusNoContent, serve(t, e, "DELETE", "/webdav/dir", "").Status)

	_, err := os.Stat(filepath.Join(e.fs.Root(), "dir"))
	assert.True(t, os.IsNotExist(err))
}

// ========================================
// MKCOL
// ========================================

func TestEngine_MkcolTwice(t *testing.T) {
	e := newTestEngine(t)

	resp := serve(t, e, "MKCOL", "/webdav/photos", "")
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "/webdav/photos/", resp.Header.Get("Content-Location"))

	assert.Equal(t, http.StatusMethodNotAllowed, serve(t, e, "MKCOL", "/webdav/photos", "").Status)
}

func TestEngine_MkcolMissingParent(t *testing.T) {
	e := newTestEngine(t)
	assert.Equal(t, http.StatusConflict, serve(t, e, "MKCOL", "/webdav/a/b", "").Status)
}

func TestEngine_MkcolBody(t *testing.T) {
	plain := newTestEngine(t, func(cfg *config.Config) { cfg.DAV.EnableExtendedMkcol = false })
	assert.Equal(t, http.StatusUnsupportedMediaType, serve(t, plain, "MKCOL", "/webdav/x", "<D:mkcol xmlns:D=\"DAV:\"/>").Status)

	e := newTestEngine(t)
	assert.Equal(t, http.StatusUnsupportedMediaType, serve(t, e, "MKCOL", "/webdav/x", "<foo xmlns=\"urn:x\"/>").Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "MKCOL", "/webdav/x", "<D:mkcol").Status)
}

func TestEngine_ExtendedMkcol(t *testing.T) {
	e := newTestEngine(t)

	body := `<?xml version="1.0" encoding="utf-8"?>
<D:mkcol xmlns:D="DAV:" xmlns:X="urn:x">
  <D:set><D:prop>
    <D:resourcetype><D:collection/></D:resourcetype>
    <D:displayname>Holiday</D:displayname>
    <X:color>blue</X:color>
  </D:prop></D:set>
</D:mkcol>`
	resp := serve(t, e, "MKCOL", "/webdav/holiday", body)
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "/webdav/holiday/", resp.Header.Get("Content-Location"))

	resp = serve(t, e, "PROPFIND", "/webdav/holiday", propfindBody(`<D:displayname/><X:color xmlns:X="urn:x"/>`), "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	root := parseBody(t, resp)
	assert.Equal(t, "Holiday", findAll(root, "DAV:", "displayname")[0].Text())
	assert.Equal(t, "blue", findAll(root, "urn:x", "color")[0].Text())
}

func TestEngine_ExtendedMkcolInvalidResourceType(t *testing.T) {
	e := newTestEngine(t)

	body := `<D:mkcol xmlns:D="DAV:" xmlns:C="urn:ietf:params:xml:ns:caldav">
  <D:set><D:prop>
    <D:resourcetype><D:collection/><C:calendar/></D:resourcetype>
    <D:displayname>Cal</D:displayname>
  </D:prop></D:set>
</D:mkcol>`
	resp := serve(t, e, "MKCOL", "/webdav/cal", body)
	require.Equal(t, http.StatusForbidden, resp.Status)

	root := parseBody(t, resp)
	assert.True(t, root.IsDAV("mkcol-response"))
	assert.Len(t, findAll(root, "DAV:", "valid-resourcetype"), 1)
	assert.Len(t, findAll(root, "DAV:", "resourcetype"), 1)
	assert.Len(t, findAll(root, "DAV:", "displayname"), 1)

	statuses := findAll(root, "DAV:", "status")
	require.Len(t, statuses, 2)
	assert.Equal(t, "HTTP/1.1 403 Forbidden", statuses[0].Text())
	assert.Equal(t, "HTTP/1.1 424 Failed Dependency", statuses[1].Text())

	_, err := os.Stat(filepath.Join(e.fs.Root(), "cal"))
	assert.True(t, os.IsNotExist(err))
}

// ========================================
// COPY / MOVE
// ========================================

func TestEngine_CopyOverwrite(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "source").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dst.txt", "destination").Status)

	resp := serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "http://host/webdav/dst.txt", "Overwrite", "F")
	assert.Equal(t, http.StatusPreconditionFailed, resp.Status)

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/src.txt", proppatchSet(`<X:tag xmlns:X="urn:x">red</X:tag>`)).Status)
	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/dst.txt", proppatchSet(`<X:old xmlns:X="urn:x">blue</X:old>`)).Status)

	resp = serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "http://host/webdav/dst.txt", "Overwrite", "T")
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, "source", string(serve(t, e, "GET", "/webdav/dst.txt", "").Body))

	// 覆盖复制不携带源的死属性，目标原有的死属性也被丢弃
	assert.Empty(t, deadPropText(t, e, "/webdav/dst.txt", "urn:x", "tag"))
	assert.Empty(t, deadPropText(t, e, "/webdav/dst.txt", "urn:x", "old"))
	assert.Equal(t, "red", deadPropText(t, e, "/webdav/src.txt", "urn:x", "tag"))
}

// deadPropText PROPFIND单个属性，返回所有同名元素的文本拼接
func deadPropText(t *testing.T, e *Engine, path, space, local string) string {
	t.Helper()
	resp := serve(t, e, "PROPFIND", path, propfindBody(`<X:`+local+` xmlns:X="`+space+`"/>`), "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	var text string
	for _, el := range findAll(parseBody(t, resp), space, local) {
		text += el.Text()
	}
	return text
}

func TestEngine_CopyCreated(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "source").Status)

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/src.txt", proppatchSet(`<X:tag xmlns:X="urn:x">red</X:tag>`)).Status)

	resp := serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "http://host/webdav/new.txt")
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "source", string(serve(t, e, "GET", "/webdav/src.txt", "").Body))
	assert.Equal(t, "source", string(serve(t, e, "GET", "/webdav/new.txt", "").Body))
	assert.Empty(t, deadPropText(t, e, "/webdav/new.txt", "urn:x", "tag"))

	resp = serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "http://host/webdav/kept.txt", "Overwrite", "F")
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "red", deadPropText(t, e, "/webdav/kept.txt", "urn:x", "tag"))
}

func TestEngine_CopyErrors(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "s").Status)

	tests := []struct {
		name    string
		path    string
		headers []string
		want    int
	}{
		{"缺少Destination", "/webdav/src.txt", nil, http.StatusBadRequest},
		{"源不存在", "/webdav/missing.txt", []string{"Destination", "/webdav/x.txt"}, http.StatusNotFound},
		{"目标父集合不存在", "/webdav/src.txt", []string{"Destination", "/webdav/nope/x.txt"}, http.StatusConflict},
		{"目标含点段", "/webdav/src.txt", []string{"Destination", "/webdav/../x.txt"}, http.StatusForbidden},
		{"复制到自身", "/webdav/src.txt", []string{"Destination", "/webdav/src.txt"}, http.StatusForbidden},
		{"复制到子树", "/webdav/dir", []string{"Destination", "/webdav/dir/inner"}, http.StatusForbidden},
		{"Depth 1", "/webdav/dir", []string{"Destination", "/webdav/dir2", "Depth", "1"}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, serve(t, e, "COPY", tt.path, "", tt.headers...).Status)
		})
	}
}

func TestEngine_CopyCollection(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir/sub", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dir/sub/a.txt", "a").Status)
	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/dir/sub/a.txt", proppatchSet(`<X:tag xmlns:X="urn:x">red</X:tag>`)).Status)

	resp := serve(t, e, "COPY", "/webdav/dir", "", "Destination", "/webdav/copy", "Overwrite", "F")
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "a", string(serve(t, e, "GET", "/webdav/copy/sub/a.txt", "").Body))
	assert.Equal(t, "red", deadPropText(t, e, "/webdav/copy/sub/a.txt", "urn:x", "tag"))

	resp = serve(t, e, "COPY", "/webdav/dir", "", "Destination", "/webdav/plain")
	require.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "a", string(serve(t, e, "GET", "/webdav/plain/sub/a.txt", "").Body))
	assert.Empty(t, deadPropText(t, e, "/webdav/plain/sub/a.txt", "urn:x", "tag"))

	resp = serve(t, e, "COPY", "/webdav/dir", "", "Destination", "/webdav/shallow", "Depth", "0")
	require.Equal(t, http.StatusCreated, resp.Status)
	entries, err := os.ReadDir(filepath.Join(e.fs.Root(), "shallow"))
	require.NoError(t, err)
	for _, entry := range entries {
		assert.True(t, e.fs.store.Reserved(entry.Name()), entry.Name())
	}
}

func TestEngine_CopyDoesNotCarryLocks(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "s").Status)
	require.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/src.txt", lockinfo("exclusive")).Status)

	require.Equal(t, http.StatusCreated, serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "/webdav/dst.txt", "Overwrite", "F").Status)
	assert.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dst.txt", "free").Status)
}

func TestEngine_CopyToLockedDestination(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "s").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)
	token := lockTokenOf(serve(t, e, "LOCK", "/webdav/dir", lockinfo("exclusive")))

	resp := serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "/webdav/dir/dst.txt")
	assert.Equal(t, http.StatusLocked, resp.Status)

	resp = serve(t, e, "COPY", "/webdav/src.txt", "", "Destination", "/webdav/dir/dst.txt", "If", "</webdav/dir> (<"+token+">)")
	assert.Equal(t, http.StatusCreated, resp.Status)
}

func TestEngine_MoveOverwrite(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "source").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dst.txt", "destination").Status)

	resp := serve(t, e, "MOVE", "/webdav/src.txt", "", "Destination", "http://host/webdav/dst.txt", "Overwrite", "T")
	assert.Equal(t, http.StatusNoContent, resp.Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "GET", "/webdav/src.txt", "").Status)
	assert.Equal(t, "source", string(serve(t, e, "GET", "/webdav/dst.txt", "").Body))
}

func TestEngine_MoveCreated(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "source").Status)
	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/src.txt", proppatchSet(`<X:tag xmlns:X="urn:x">red</X:tag>`)).Status)

	resp := serve(t, e, "MOVE", "/webdav/src.txt", "", "Destination", "/webdav/moved.txt")
	assert.Equal(t, http.StatusCreated, resp.Status)
	assert.Equal(t, "/webdav/moved.txt", resp.Header.Get("Location"))
	assert.Equal(t, http.StatusNotFound, serve(t, e, "GET", "/webdav/src.txt", "").Status)

	resp = serve(t, e, "PROPFIND", "/webdav/moved.txt", propfindBody(`<X:tag xmlns:X="urn:x"/>`), "Depth", "0")
	assert.Equal(t, "red", findAll(parseBody(t, resp), "urn:x", "tag")[0].Text())
}

func TestEngine_MoveRefusals(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/src.txt", "source").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dst.txt", "destination").Status)

	resp := serve(t, e, "MOVE", "/webdav/src.txt", "", "Destination", "/webdav/dst.txt", "Overwrite", "F")
	assert.Equal(t, http.StatusPreconditionFailed, resp.Status)
	assert.Equal(t, "source", string(serve(t, e, "GET", "/webdav/src.txt", "").Body))

	resp = serve(t, e, "MOVE", "/webdav/src.txt", "", "Destination", "/webdav/nope/dst.txt")
	assert.Equal(t, http.StatusConflict, resp.Status)

	require.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/src.txt", lockinfo("exclusive")).Status)
	resp = serve(t, e, "MOVE", "/webdav/src.txt", "", "Destination", "/webdav/other.txt")
	assert.Equal(t, http.StatusLocked, resp.Status)
}

// ========================================
// PROPFIND / PROPPATCH
// ========================================

func propfindBody(props string) string {
	return `<?xml version="1.0" encoding="utf-8"?><D:propfind xmlns:D="DAV:"><D:prop>` + props + `</D:prop></D:propfind>`
}

func proppatchSet(props string) string {
	return `<?xml version="1.0" encoding="utf-8"?><D:propertyupdate xmlns:D="DAV:"><D:set><D:prop>` + props + `</D:prop></D:set></D:propertyupdate>`
}

func proppatchRemove(props string) string {
	return `<?xml version="1.0" encoding="utf-8"?><D:propertyupdate xmlns:D="DAV:"><D:remove><D:prop>` + props + `</D:prop></D:remove></D:propertyupdate>`
}

func TestEngine_PropertyRoundTrip(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	resp := serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<Z:author xmlns:Z="urn:z">Alice <Z:b>Bold</Z:b></Z:author>`))
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	root := parseBody(t, resp)
	assert.Equal(t, "HTTP/1.1 200 OK", findAll(root, "DAV:", "status")[0].Text())
	assert.Len(t, findAll(root, "urn:z", "author"), 1)

	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<Z:author xmlns:Z="urn:z"/><Z:missing xmlns:Z="urn:z"/>`), "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	root = parseBody(t, resp)
	author := findAll(root, "urn:z", "author")
	require.Len(t, author, 1)
	assert.Equal(t, "Alice Bold", author[0].Text())
	assert.Len(t, findAll(author[0], "urn:z", "b"), 1)

	propstats := findAll(root, "DAV:", "propstat")
	require.Len(t, propstats, 2)
	assert.Len(t, findAll(propstats[1], "urn:z", "missing"), 1)
	assert.Equal(t, "HTTP/1.1 404 Not Found", findAll(propstats[1], "DAV:", "status")[0].Text())

	resp = serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<Z:author xmlns:Z="urn:z">Bob</Z:author>`))
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<Z:author xmlns:Z="urn:z"/>`), "Depth", "0")
	assert.Equal(t, "Bob", findAll(parseBody(t, resp), "urn:z", "author")[0].Text())

	resp = serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchRemove(`<Z:author xmlns:Z="urn:z"/>`))
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<Z:author xmlns:Z="urn:z"/>`), "Depth", "0")
	root = parseBody(t, resp)
	assert.Equal(t, "HTTP/1.1 404 Not Found", findAll(root, "DAV:", "status")[0].Text())
}

func TestEngine_PropertyNamespacePromotion(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<A:title xmlns:A="urn:a">first</A:title>`)).Status)
	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<B:title xmlns:B="urn:b">second</B:title>`)).Status)

	resp := serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<A:title xmlns:A="urn:a"/><B:title xmlns:B="urn:b"/>`), "Depth", "0")
	root := parseBody(t, resp)
	assert.Equal(t, "first", findAll(root, "urn:a", "title")[0].Text())
	assert.Equal(t, "second", findAll(root, "urn:b", "title")[0].Text())

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchRemove(`<A:title xmlns:A="urn:a"/>`)).Status)
	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<B:title xmlns:B="urn:b"/>`), "Depth", "0")
	assert.Equal(t, "second", findAll(parseBody(t, resp), "urn:b", "title")[0].Text())
}

func TestEngine_ProppatchProtectedProperty(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	resp := serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<D:getetag>"x"</D:getetag><Z:note xmlns:Z="urn:z">n</Z:note>`))
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	root := parseBody(t, resp)

	propstats := findAll(root, "DAV:", "propstat")
	require.Len(t, propstats, 2)
	assert.Len(t, findAll(propstats[0], "DAV:", "getetag"), 1)
	assert.Equal(t, "HTTP/1.1 403 Forbidden", findAll(propstats[0], "DAV:", "status")[0].Text())
	assert.Len(t, findAll(propstats[1], "urn:z", "note"), 1)
	assert.Equal(t, "HTTP/1.1 424 Failed Dependency", findAll(propstats[1], "DAV:", "status")[0].Text())

	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<Z:note xmlns:Z="urn:z"/>`), "Depth", "0")
	assert.Equal(t, "HTTP/1.1 404 Not Found", findAll(parseBody(t, resp), "DAV:", "status")[0].Text())
}

func TestEngine_ProppatchBadRequests(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	assert.Equal(t, http.StatusBadRequest, serve(t, e, "PROPPATCH", "/webdav/a.txt", "<D:propertyupdate").Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "PROPPATCH", "/webdav/a.txt", `<D:propfind xmlns:D="DAV:"/>`).Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "PROPPATCH", "/webdav/a.txt", "").Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "PROPPATCH", "/webdav/missing.txt", proppatchSet(`<Z:a xmlns:Z="urn:z"/>`)).Status)
}

func TestEngine_PropfindLiveProperties(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "abc").Status)

	resp := serve(t, e, "PROPFIND", "/webdav/a.txt", "", "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	assert.Equal(t, "application/xml; charset=utf-8", resp.Header.Get("Content-Type"))
	root := parseBody(t, resp)

	assert.Equal(t, "/webdav/a.txt", findAll(root, "DAV:", "href")[0].Text())
	assert.Equal(t, "3", findAll(root, "DAV:", "getcontentlength")[0].Text())
	assert.Equal(t, "a.txt", findAll(root, "DAV:", "displayname")[0].Text())
	assert.True(t, strings.HasPrefix(findAll(root, "DAV:", "getetag")[0].Text(), `W/"`))
	assert.Len(t, findAll(root, "DAV:", "supportedlock"), 1)
	assert.Len(t, findAll(root, "DAV:", "lockentry"), 2)
	assert.Empty(t, findAll(root, "DAV:", "collection"))

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<D:displayname>Shown</D:displayname>`)).Status)
	resp = serve(t, e, "PROPFIND", "/webdav/a.txt", propfindBody(`<D:displayname/>`), "Depth", "0")
	assert.Equal(t, "Shown", findAll(parseBody(t, resp), "DAV:", "displayname")[0].Text())
}

func TestEngine_PropfindDepth(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/dir/sub", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dir/a.txt", "a").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/dir/sub/b.txt", "b").Status)
	require.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/dir/sub", lockinfo("shared")).Status)

	count := func(depth string) int {
		resp := serve(t, e, "PROPFIND", "/webdav/dir", propfindBody("<D:resourcetype/>"), "Depth", depth)
		require.Equal(t, http.StatusMultiStatus, resp.Status)
		return len(findAll(parseBody(t, resp), "DAV:", "response"))
	}
	assert.Equal(t, 1, count("0"))
	assert.Equal(t, 3, count("1"))
	assert.Equal(t, 4, count("infinity"))

	assert.Equal(t, http.StatusBadRequest, serve(t, e, "PROPFIND", "/webdav/dir", "", "Depth", "2").Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "PROPFIND", "/webdav/dir", "<D:propfind").Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "PROPFIND", "/webdav/none", "").Status)
}

func TestEngine_PropfindPropname(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)
	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/a.txt", proppatchSet(`<Z:x xmlns:Z="urn:z">v</Z:x>`)).Status)

	resp := serve(t, e, "PROPFIND", "/webdav/a.txt", `<D:propfind xmlns:D="DAV:"><D:propname/></D:propfind>`, "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	root := parseBody(t, resp)
	x := findAll(root, "urn:z", "x")
	require.Len(t, x, 1)
	assert.Empty(t, x[0].Text())
	assert.Len(t, findAll(root, "DAV:", "getetag"), 1)
}

// ========================================
// LOCK / UNLOCK
// ========================================

func TestEngine_LockCreatesResource(t *testing.T) {
	e := newTestEngine(t)

	resp := serve(t, e, "LOCK", "/webdav/new.txt", lockinfo("exclusive"), "Timeout", "Second-600")
	require.Equal(t, http.StatusCreated, resp.Status)
	token := lockTokenOf(resp)
	assert.True(t, strings.HasPrefix(token, "urn:uuid:"))

	root := parseBody(t, resp)
	assert.True(t, root.IsDAV("prop"))
	assert.Equal(t, token, findAll(root, "DAV:", "locktoken")[0].Text())
	assert.Equal(t, "Second-600", findAll(root, "DAV:", "timeout")[0].Text())
	assert.Equal(t, "infinity", findAll(root, "DAV:", "depth")[0].Text())
	assert.Equal(t, "mailto:alice@example.com", findAll(root, "DAV:", "owner")[0].Text())

	assert.Equal(t, http.StatusOK, serve(t, e, "GET", "/webdav/new.txt", "").Status)
}

func TestEngine_LockExclusivity(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	require.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("exclusive")).Status)
	assert.Equal(t, http.StatusLocked, serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("exclusive")).Status)
	assert.Equal(t, http.StatusLocked, serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("shared")).Status)

	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/b.txt", "b").Status)
	require.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/b.txt", lockinfo("shared")).Status)
	assert.Equal(t, http.StatusOK, serve(t, e, "LOCK", "/webdav/b.txt", lockinfo("shared")).Status)
	assert.Equal(t, http.StatusLocked, serve(t, e, "LOCK", "/webdav/b.txt", lockinfo("exclusive")).Status)

	locks, err := e.fs.Locks().Discovery(context.Background(), "/b.txt")
	require.NoError(t, err)
	assert.Len(t, locks, 2)
}

func TestEngine_LockBadRequests(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	assert.Equal(t, http.StatusBadRequest, serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("exclusive"), "Depth", "1").Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "LOCK", "/webdav/a.txt", "<D:lockinfo").Status)
	assert.Equal(t, http.StatusBadRequest, serve(t, e, "LOCK", "/webdav/a.txt", `<D:lockinfo xmlns:D="DAV:"/>`).Status)
	assert.Equal(t, http.StatusConflict, serve(t, e, "LOCK", "/webdav/no/a.txt", lockinfo("exclusive")).Status)
}

func TestEngine_LockAncestorPropagation(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/docs", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/docs/deep", "").Status)

	resp := serve(t, e, "LOCK", "/webdav/docs", lockinfo("exclusive"))
	require.Equal(t, http.StatusOK, resp.Status)
	token := lockTokenOf(resp)

	resp = serve(t, e, "PUT", "/webdav/docs/deep/file.txt", "x")
	assert.Equal(t, http.StatusLocked, resp.Status)
	root := parseBody(t, resp)
	assert.True(t, root.IsDAV("error"))
	assert.Equal(t, "/webdav/docs", findAll(root, "DAV:", "href")[0].Text())

	assert.Equal(t, http.StatusLocked, serve(t, e, "MKCOL", "/webdav/docs/other", "").Status)
	assert.Equal(t, http.StatusLocked, serve(t, e, "DELETE", "/webdav/docs/deep", "").Status)

	resp = serve(t, e, "PUT", "/webdav/docs/deep/file.txt", "x", "If", "(<"+token+">)")
	assert.Equal(t, http.StatusCreated, resp.Status)

	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/outside.txt", "x").Status)
}

// 成员与父集合同名时，锁和属性互不串扰
func TestEngine_MemberNamedLikeCollection(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/x", "").Status)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/x/x", "m").Status)

	resp := serve(t, e, "LOCK", "/webdav/x/x", lockinfo("exclusive"))
	require.Equal(t, http.StatusOK, resp.Status)
	token := lockTokenOf(resp)

	assert.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/x/sibling.txt", "s").Status)
	assert.Equal(t, http.StatusCreated, serve(t, e, "MKCOL", "/webdav/x/sub", "").Status)
	assert.Equal(t, http.StatusLocked, serve(t, e, "PUT", "/webdav/x/x", "again").Status)

	require.Equal(t, http.StatusMultiStatus, serve(t, e, "PROPPATCH", "/webdav/x/x", proppatchSet(`<X:tag xmlns:X="urn:x">member</X:tag>`), "If", "(<"+token+">)").Status)
	assert.Empty(t, deadPropText(t, e, "/webdav/x", "urn:x", "tag"))
	assert.Equal(t, "member", deadPropText(t, e, "/webdav/x/x", "urn:x", "tag"))

	resp = serve(t, e, "PROPFIND", "/webdav/x", propfindBody(`<D:lockdiscovery/>`), "Depth", "0")
	require.Equal(t, http.StatusMultiStatus, resp.Status)
	assert.Empty(t, findAll(parseBody(t, resp), "DAV:", "activelock"))
}

func TestEngine_LockRefresh(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)

	assert.Equal(t, http.StatusPreconditionFailed, serve(t, e, "LOCK", "/webdav/a.txt", "").Status)

	token := lockTokenOf(serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("exclusive"), "Timeout", "Second-60"))

	assert.Equal(t, http.StatusLocked, serve(t, e, "LOCK", "/webdav/a.txt", "").Status)

	resp := serve(t, e, "LOCK", "/webdav/a.txt", "", "If", "(<"+token+">)", "Timeout", "Second-120")
	require.Equal(t, http.StatusOK, resp.Status)
	assert.Equal(t, "Second-120", findAll(parseBody(t, resp), "DAV:", "timeout")[0].Text())
}

func TestEngine_Unlock(t *testing.T) {
	e := newTestEngine(t)
	require.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "a").Status)
	token := lockTokenOf(serve(t, e, "LOCK", "/webdav/a.txt", lockinfo("exclusive")))

	assert.Equal(t, http.StatusBadRequest, serve(t, e, "UNLOCK", "/webdav/a.txt", "").Status)
	assert.Equal(t, http.StatusForbidden, serve(t, e, "UNLOCK", "/webdav/a.txt", "", "Lock-Token", "<urn:uuid:wrong>").Status)
	assert.Equal(t, http.StatusNotFound, serve(t, e, "UNLOCK", "/webdav/missing.txt", "", "Lock-Token", "<"+token+">").Status)

	assert.Equal(t, http.StatusLocked, serve(t, e, "PUT", "/webdav/a.txt", "b").Status)
	assert.Equal(t, http.StatusNoContent, serve(t, e, "UNLOCK", "/webdav/a.txt", "", "Lock-Token", "<"+token+">").Status)
	assert.Equal(t, http.StatusCreated, serve(t, e, "PUT", "/webdav/a.txt", "b").Status)

	exists, err := e.fs.Store().Exists(context.Background(), "/a.txt")
	require.NoError(t, err)
	assert.False(t, exists)
}
