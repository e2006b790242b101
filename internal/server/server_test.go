// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package server

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fileshare/internal/auth"
	"fileshare/internal/diskspace"
	"fileshare/internal/fileio"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
	"fileshare/internal/ratelimit"
	"fileshare/internal/stats"
	"fileshare/internal/streamer"
	"fileshare/internal/uploads"
)

type testEnv struct {
	srv     *Server
	handler http.Handler
	root    string
	users   *auth.Store
	limiter *ratelimit.Limiter
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	if err != nil {
		t.Fatal(err)
	}
	log := logging.New("http-test")
	users, err := auth.New(guard.Root(), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { users.Shutdown() })

	st := stats.New()
	disk := diskspace.New(guard.Root())
	limiter := ratelimit.New(nil)
	files := &fileio.Service{Guard: guard, Blocked: users.Blocked, DownloadCount: st.DownloadCount}
	ing := uploads.New(guard, disk)
	str := streamer.New(guard, guard.Root(), streamer.DefaultConfig(), log)

	srv := New(Config{Port: 0}, Deps{
		Guard:    guard,
		Files:    files,
		Uploads:  ing,
		Streamer: str,
		Users:    users,
		Stats:    st,
		Limiter:  limiter,
		Disk:     disk,
		UploadConfig: func() uploads.Config {
			return uploads.Config{MaxFileSizeBytes: 1 << 20}
		},
		Log: log,
	})
	return &testEnv{srv: srv, handler: srv.Handler(), root: root, users: users, limiter: limiter}
}

func (e *testEnv) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) approvedToken(t *testing.T, name string, level auth.OpLevel) string {
	t.Helper()
	u, err := e.users.Register(name, "password1", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := e.users.Approve(u.ID); err != nil {
		t.Fatal(err)
	}
	if level != auth.OpLevelNormal {
		if err := e.users.SetOpLevel(u.ID, level); err != nil {
			t.Fatal(err)
		}
	}
	sess, err := e.users.Login(name, "password1", "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	return "Bearer " + sess.Token
}

func decodeJSON(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var m map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &m); err != nil {
		t.Fatalf("bad JSON %q: %v", rec.Body.String(), err)
	}
	return m
}

func TestHealthAndCORS(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(httptest.NewRequest("GET", "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("health = %d", rec.Code)
	}
	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "*" {
		t.Errorf("CORS origin = %q", got)
	}
	if got := rec.Header().Get("Access-Control-Expose-Headers"); got != "Content-Range,Content-Length,Accept-Ranges" {
		t.Errorf("CORS expose = %q", got)
	}

	rec = e.do(httptest.NewRequest("OPTIONS", "/api/upload", nil))
	if rec.Code != http.StatusNoContent {
		t.Errorf("preflight = %d", rec.Code)
	}
}

func TestFileRangeRequest(t *testing.T) {
	e := newTestEnv(t)
	if err := os.MkdirAll(filepath.Join(e.root, "a"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.root, "a", "b.bin"), []byte("0123456789"), 0o644); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest("GET", "/api/file?path=a/b.bin", nil)
	req.Header.Set("Range", "bytes=2-5")
	rec := e.do(req)

	if rec.Code != http.StatusPartialContent {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}
	if cr := rec.Header().Get("Content-Range"); cr != "bytes 2-5/10" {
		t.Errorf("Content-Range = %q", cr)
	}
	if cl := rec.Header().Get("Content-Length"); cl != "4" {
		t.Errorf("Content-Length = %q", cl)
	}
	if rec.Body.String() != "2345" {
		t.Errorf("body = %q", rec.Body.String())
	}
}

func TestTraversalDenied(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest("GET", "/api/file?path=../../etc/passwd", nil))
	if rec.Code != http.StatusForbidden && rec.Code != http.StatusNotFound {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decodeJSON(t, rec); m["error"] != "Not found or access denied" {
		t.Errorf("error = %v", m["error"])
	}
}

func TestStateDirUnreachable(t *testing.T) {
	e := newTestEnv(t)
	for _, p := range []string{".fileshare/users.json", ".fileshare", "x/../.fileshare/settings.json"} {
		rec := e.do(httptest.NewRequest("GET", "/api/file?path="+p, nil))
		if rec.Code != http.StatusForbidden {
			t.Errorf("%q: status = %d", p, rec.Code)
		}
	}
}

func multipartBody(t *testing.T, field, filename, dir string, content []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if dir != "" {
		mw.WriteField("path", dir)
	}
	fw, err := mw.CreateFormFile(field, filename)
	if err != nil {
		t.Fatal(err)
	}
	fw.Write(content)
	mw.Close()
	return &buf, mw.FormDataContentType()
}

func TestUploadAllocatesUniqueName(t *testing.T) {
	e := newTestEnv(t)
	token := e.approvedToken(t, "uploader", auth.OpLevelNormal)

	if err := os.MkdirAll(filepath.Join(e.root, "docs"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(e.root, "docs", "b.txt"), []byte("old"), 0o644); err != nil {
		t.Fatal(err)
	}

	body, ct := multipartBody(t, "file", "a/b.txt", "docs", []byte("new"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	req.Header.Set("Authorization", token)
	rec := e.do(req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d body %s", rec.Code, rec.Body.String())
	}
	m := decodeJSON(t, rec)
	file := m["file"].(map[string]any)
	if file["path"] != "docs/b (1).txt" {
		t.Errorf("path = %v", file["path"])
	}
	got, err := os.ReadFile(filepath.Join(e.root, "docs", "b (1).txt"))
	if err != nil || string(got) != "new" {
		t.Errorf("stored bytes = %q err %v", got, err)
	}
}

func TestUploadRequiresAuth(t *testing.T) {
	e := newTestEnv(t)
	body, ct := multipartBody(t, "file", "x.txt", "", []byte("x"))
	req := httptest.NewRequest("POST", "/api/upload", body)
	req.Header.Set("Content-Type", ct)
	rec := e.do(req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestLoginFlow(t *testing.T) {
	e := newTestEnv(t)

	// Register leaves the account pending.
	reg := `{"username":"dana","password":"secret99"}`
	rec := e.do(httptest.NewRequest("POST", "/api/auth/register", strings.NewReader(reg)))
	if rec.Code != http.StatusOK {
		t.Fatalf("register = %d body %s", rec.Code, rec.Body.String())
	}
	userID := decodeJSON(t, rec)["user"].(map[string]any)["id"].(string)

	// Pending login is refused.
	rec = e.do(httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(reg)))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("pending login = %d", rec.Code)
	}
	if m := decodeJSON(t, rec); m["ok"] != false {
		t.Errorf("ok = %v", m["ok"])
	}

	// Approval unlocks the same credentials.
	if err := e.users.Approve(userID); err != nil {
		t.Fatal(err)
	}
	rec = e.do(httptest.NewRequest("POST", "/api/auth/login", strings.NewReader(reg)))
	if rec.Code != http.StatusOK {
		t.Fatalf("approved login = %d body %s", rec.Code, rec.Body.String())
	}
	token := decodeJSON(t, rec)["token"].(string)

	req := httptest.NewRequest("GET", "/api/auth/status", nil)
	req.Header.Set("Authorization", "Bearer "+token)
	rec = e.do(req)
	m := decodeJSON(t, rec)
	if m["authenticated"] != true || m["username"] != "dana" || m["oplevel"] != float64(1) {
		t.Errorf("status = %v", m)
	}

	// No token: not authenticated, still 200.
	rec = e.do(httptest.NewRequest("GET", "/api/auth/status", nil))
	if m := decodeJSON(t, rec); m["authenticated"] != false {
		t.Errorf("anonymous status = %v", m)
	}
}

func TestDeleteRequiresOpLevel2(t *testing.T) {
	e := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.root, "victim.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	normal := e.approvedToken(t, "normal", auth.OpLevelNormal)
	req := httptest.NewRequest("POST", "/api/delete", strings.NewReader(`{"path":"victim.txt"}`))
	req.Header.Set("Authorization", normal)
	if rec := e.do(req); rec.Code != http.StatusForbidden {
		t.Fatalf("normal delete = %d", rec.Code)
	}

	advanced := e.approvedToken(t, "advanced", auth.OpLevelAdvanced)
	req = httptest.NewRequest("POST", "/api/delete", strings.NewReader(`{"path":"victim.txt"}`))
	req.Header.Set("Authorization", advanced)
	if rec := e.do(req); rec.Code != http.StatusOK {
		t.Fatalf("advanced delete = %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(e.root, "victim.txt")); !os.IsNotExist(err) {
		t.Error("file survived delete")
	}
}

func TestMkdirAndRename(t *testing.T) {
	e := newTestEnv(t)
	token := e.approvedToken(t, "worker", auth.OpLevelNormal)

	req := httptest.NewRequest("POST", "/api/mkdir", strings.NewReader(`{"path":"new/nested"}`))
	req.Header.Set("Authorization", token)
	if rec := e.do(req); rec.Code != http.StatusOK {
		t.Fatalf("mkdir = %d", rec.Code)
	}
	if fi, err := os.Stat(filepath.Join(e.root, "new", "nested")); err != nil || !fi.IsDir() {
		t.Fatal("directory not created")
	}

	if err := os.WriteFile(filepath.Join(e.root, "move-me.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	req = httptest.NewRequest("POST", "/api/rename",
		strings.NewReader(`{"from":"move-me.txt","to":"new/nested/moved.txt"}`))
	req.Header.Set("Authorization", token)
	if rec := e.do(req); rec.Code != http.StatusOK {
		t.Fatalf("rename = %d", rec.Code)
	}
	if _, err := os.Stat(filepath.Join(e.root, "new", "nested", "moved.txt")); err != nil {
		t.Error("rename target missing")
	}
}

func TestRateLimitSurfacesRetryAfter(t *testing.T) {
	e := newTestEnv(t)
	e.limiter.SetRule(ratelimit.TargetList, ratelimit.Rule{
		Enabled: true, MaxRequests: 2, Window: time.Minute,
	})

	for i := 0; i < 2; i++ {
		if rec := e.do(httptest.NewRequest("GET", "/api/list?path=", nil)); rec.Code != http.StatusOK {
			t.Fatalf("request %d = %d", i, rec.Code)
		}
	}
	rec := e.do(httptest.NewRequest("GET", "/api/list?path=", nil))
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	if ra := rec.Header().Get("Retry-After"); ra == "" || ra == "0" {
		t.Errorf("Retry-After = %q", ra)
	}
}

func TestListAndDownloadCount(t *testing.T) {
	e := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.root, "z.txt"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.Mkdir(filepath.Join(e.root, "sub"), 0o755); err != nil {
		t.Fatal(err)
	}

	rec := e.do(httptest.NewRequest("GET", "/api/list?path=", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("list = %d", rec.Code)
	}
	entries := decodeJSON(t, rec)["entries"].([]any)
	if len(entries) != 2 {
		t.Fatalf("entries = %d (%v)", len(entries), entries)
	}
	// Directories sort first.
	if entries[0].(map[string]any)["name"] != "sub" {
		t.Errorf("first entry = %v", entries[0])
	}

	// Download bumps the per-file tally surfaced in /api/status.
	if rec := e.do(httptest.NewRequest("GET", "/api/file?path=z.txt", nil)); rec.Code != http.StatusOK {
		t.Fatalf("file = %d", rec.Code)
	}
	rec = e.do(httptest.NewRequest("GET", "/api/status", nil))
	m := decodeJSON(t, rec)
	if m["totalDownloads"] != float64(1) || m["totalDownloadBytes"] != float64(3) {
		t.Errorf("status = %v", m)
	}
}

func TestSpeedtestDownloadSize(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest("GET", "/api/speedtest/download?size=1024", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if rec.Body.Len() != 1024 {
		t.Errorf("body = %d bytes", rec.Body.Len())
	}
}

func TestSpeedtestUpload(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest("POST", "/api/speedtest/upload", bytes.NewReader(make([]byte, 2048))))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if m := decodeJSON(t, rec); m["received"] != float64(2048) {
		t.Errorf("received = %v", m["received"])
	}
}

func TestSPAFallbackAndBundle(t *testing.T) {
	e := newTestEnv(t)

	rec := e.do(httptest.NewRequest("GET", "/some/client/route", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "text/html") {
		t.Errorf("SPA fallback: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}

	rec = e.do(httptest.NewRequest("GET", "/index.js", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Header().Get("Content-Type"), "javascript") {
		t.Errorf("bundle: %d %q", rec.Code, rec.Header().Get("Content-Type"))
	}
}

func TestDiskEndpoint(t *testing.T) {
	e := newTestEnv(t)
	rec := e.do(httptest.NewRequest("GET", "/api/disk", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("disk = %d body %s", rec.Code, rec.Body.String())
	}
	m := decodeJSON(t, rec)
	if m["scope"] != "disk" {
		t.Errorf("scope = %v", m["scope"])
	}
}

func TestStreamEndpointsRejectBadInput(t *testing.T) {
	e := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.root, "v.txt"), []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	rec := e.do(httptest.NewRequest("GET", "/api/stream/playlist?path=v.txt", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("playlist for non-video = %d", rec.Code)
	}
	rec = e.do(httptest.NewRequest("GET", "/api/stream/file?path=v.txt&file=..%2Fescape.ts", nil))
	if rec.Code != http.StatusBadRequest {
		t.Errorf("segment with bad name = %d", rec.Code)
	}
}

func TestUnfurlPageForBots(t *testing.T) {
	e := newTestEnv(t)
	if err := os.WriteFile(filepath.Join(e.root, "song.mp3"), []byte("ID3"), 0o644); err != nil {
		t.Fatal(err)
	}
	req := httptest.NewRequest("GET", "/api/file?path=song.mp3&download=1", nil)
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; Discordbot/2.0)")
	rec := e.do(req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "og:title") || !strings.Contains(body, "twitter:card") {
		t.Errorf("unfurl page missing metadata:\n%s", body)
	}
}
