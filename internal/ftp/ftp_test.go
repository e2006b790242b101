// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package ftp

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"testing"
	"time"

	"fileshare/internal/auth"
	"fileshare/internal/logging"
	"fileshare/internal/pathguard"
	"fileshare/internal/stats"
)

// testClient wraps a control connection with line-oriented helpers.
type testClient struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func dialTestServer(t *testing.T, cfg Config, seed func(root string, users *auth.Store)) *testClient {
	t.Helper()
	root := t.TempDir()
	guard, err := pathguard.New(root)
	if err != nil {
		t.Fatal(err)
	}
	log := logging.New("ftp-test")
	users, err := auth.New(guard.Root(), log)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { users.Shutdown() })
	if seed != nil {
		seed(guard.Root(), users)
	}

	if cfg.PasvPortMin == 0 {
		cfg.PasvPortMin = 21500
		cfg.PasvPortMax = 21599
	}
	srv := New(guard, users, users.Blocked, stats.New(), cfg, log)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go srv.Serve(ctx, ln)

	conn, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { conn.Close() })
	conn.SetDeadline(time.Now().Add(10 * time.Second))

	c := &testClient{t: t, conn: conn, r: bufio.NewReader(conn)}
	c.expect(220)
	return c
}

// expect reads one (possibly multi-line) reply and asserts its code.
func (c *testClient) expect(code int) string {
	c.t.Helper()
	line, err := c.r.ReadString('\n')
	if err != nil {
		c.t.Fatalf("read reply: %v", err)
	}
	if len(line) < 4 {
		c.t.Fatalf("short reply: %q", line)
	}
	got, _ := strconv.Atoi(line[:3])
	full := line
	if line[3] == '-' {
		// Multi-line: read until the terminating "NNN " line.
		for {
			l, err := c.r.ReadString('\n')
			if err != nil {
				c.t.Fatalf("read multi-line reply: %v", err)
			}
			full += l
			if strings.HasPrefix(l, line[:3]+" ") {
				break
			}
		}
	}
	if got != code {
		c.t.Fatalf("reply = %q, want code %d", full, code)
	}
	return strings.TrimSpace(full)
}

func (c *testClient) send(line string) {
	c.t.Helper()
	if _, err := fmt.Fprintf(c.conn, "%s\r\n", line); err != nil {
		c.t.Fatalf("send %q: %v", line, err)
	}
}

func (c *testClient) cmd(line string, code int) string {
	c.send(line)
	return c.expect(code)
}

var pasvReply = regexp.MustCompile(`\((\d+),(\d+),(\d+),(\d+),(\d+),(\d+)\)`)

// pasv issues PASV and dials the advertised data port.
func (c *testClient) pasv() net.Conn {
	c.t.Helper()
	reply := c.cmd("PASV", 227)
	m := pasvReply.FindStringSubmatch(reply)
	if m == nil {
		c.t.Fatalf("unparseable PASV reply: %q", reply)
	}
	host := strings.Join(m[1:5], ".")
	p1, _ := strconv.Atoi(m[5])
	p2, _ := strconv.Atoi(m[6])
	conn, err := net.Dial("tcp", fmt.Sprintf("%s:%d", host, p1*256+p2))
	if err != nil {
		c.t.Fatalf("dial data port: %v", err)
	}
	return conn
}

func seedApprovedUser(t *testing.T, users *auth.Store, name, pass string) {
	t.Helper()
	u, err := users.Register(name, pass, "127.0.0.1")
	if err != nil {
		t.Fatal(err)
	}
	if err := users.Approve(u.ID); err != nil {
		t.Fatal(err)
	}
}

func TestAnonymousListSession(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, func(root string, _ *auth.Store) {
		os.WriteFile(filepath.Join(root, "hello.txt"), []byte("hi"), 0o644)
		os.Mkdir(filepath.Join(root, "docs"), 0o755)
	})

	c.cmd("USER anon", 230)
	c.cmd("TYPE I", 200)

	data := c.pasv()
	c.cmd("LIST", 150)
	lines, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)

	listing := string(lines)
	if !strings.Contains(listing, "hello.txt") || !strings.Contains(listing, "docs") {
		t.Errorf("listing missing entries:\n%s", listing)
	}
	if strings.Contains(listing, ".fileshare") {
		t.Errorf("listing leaks .fileshare:\n%s", listing)
	}
}

func TestAnonymousWritesDenied(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, nil)
	c.cmd("USER anonymous", 230)
	for _, cmd := range []string{"STOR x.txt", "MKD newdir", "RMD docs", "DELE x.txt", "RNFR x.txt"} {
		c.cmd(cmd, 550)
	}
}

func TestPreAuthGating(t *testing.T) {
	c := dialTestServer(t, Config{}, nil)
	c.cmd("PWD", 530)
	c.cmd("LIST", 530)
	c.cmd("AUTH TLS", 504)
	c.cmd("FEAT", 211)
	c.cmd("OPTS UTF8 ON", 200)
	c.cmd("NOOP", 530)
	c.cmd("QUIT", 221)
}

func TestLoginStorRetr(t *testing.T) {
	c := dialTestServer(t, Config{}, func(_ string, users *auth.Store) {
		seedApprovedUser(t, users, "alice", "secret")
	})

	c.cmd("USER alice", 331)
	c.cmd("PASS wrong", 530)
	c.cmd("USER alice", 331)
	c.cmd("PASS secret", 230)
	c.cmd("SYST", 215)

	// Upload.
	data := c.pasv()
	c.cmd("STOR report.txt", 150)
	if _, err := data.Write([]byte("quarterly numbers")); err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)

	// Download the same bytes back.
	data = c.pasv()
	c.cmd("RETR report.txt", 150)
	got, err := io.ReadAll(data)
	if err != nil {
		t.Fatal(err)
	}
	data.Close()
	c.expect(226)
	if string(got) != "quarterly numbers" {
		t.Errorf("RETR body = %q", got)
	}

	c.cmd("SIZE report.txt", 213)
	c.cmd("MDTM report.txt", 213)
}

func TestRenameTwoPhase(t *testing.T) {
	c := dialTestServer(t, Config{}, func(root string, users *auth.Store) {
		seedApprovedUser(t, users, "bob", "hunter22")
		os.WriteFile(filepath.Join(root, "old.txt"), []byte("x"), 0o644)
	})
	c.cmd("USER bob", 331)
	c.cmd("PASS hunter22", 230)

	c.cmd("RNTO new.txt", 503)
	c.cmd("RNFR missing.txt", 550)
	c.cmd("RNFR old.txt", 350)
	c.cmd("RNTO new.txt", 250)
	c.cmd("SIZE new.txt", 213)
	c.cmd("SIZE old.txt", 550)
}

func TestDirectoryCommands(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, func(root string, users *auth.Store) {
		seedApprovedUser(t, users, "carol", "pass1234")
		os.MkdirAll(filepath.Join(root, "media/video"), 0o755)
	})
	c.cmd("USER carol", 331)
	c.cmd("PASS pass1234", 230)

	c.cmd("PWD", 257)
	c.cmd("CWD media/video", 250)
	if reply := c.cmd("PWD", 257); !strings.Contains(reply, "media/video") {
		t.Errorf("PWD after CWD = %q", reply)
	}
	c.cmd("CDUP", 250)
	if reply := c.cmd("PWD", 257); strings.Contains(reply, "video") {
		t.Errorf("PWD after CDUP = %q", reply)
	}
	c.cmd("MKD incoming", 257)
	c.cmd("CWD /media/incoming", 250)
	c.cmd("CDUP", 250)
	c.cmd("RMD incoming", 250)
}

func TestTraversalAndStateDirDenied(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, nil)
	c.cmd("USER anonymous", 230)

	c.cmd("RETR /.fileshare/users.json", 550)
	c.cmd("CWD .fileshare", 550)
	c.cmd("RETR ../../../etc/passwd", 550)
}

func TestPortDeclinedEpsvAccepted(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, nil)
	c.cmd("USER anonymous", 230)
	c.cmd("PORT 127,0,0,1,4,1", 502)
	reply := c.cmd("EPSV", 229)
	if !strings.Contains(reply, "(|||") {
		t.Errorf("EPSV reply = %q", reply)
	}
	c.cmd("ABOR", 226)
}

func TestTypeAndRest(t *testing.T) {
	c := dialTestServer(t, Config{AnonymousRead: true}, nil)
	c.cmd("USER ftp", 230)
	c.cmd("TYPE A", 200)
	c.cmd("TYPE I", 200)
	c.cmd("TYPE X", 504)
	c.cmd("REST 100", 350)
	c.cmd("NOSUCH", 502)
}
