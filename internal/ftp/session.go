// Copyright 2025
// SPDX-License-Identifier: Apache-2.0

package ftp

import (
	"bufio"
	"fmt"
	"net"
	"path"
	"strings"

	"fileshare/internal/pathguard"
)

// session is the per-control-connection state machine.
type session struct {
	srv  *Server
	ctrl net.Conn
	r    *bufio.Reader
	w    *bufio.Writer

	authed    bool
	anonymous bool
	username  string

	cwd          string // root-relative, forward-slash, "" is the root
	transferType byte   // 'I' or 'A'
	utf8         bool
	renameFrom   string // absolute source captured by RNFR

	data *dataChannel // at most one per session
}

func newSession(srv *Server, conn net.Conn) *session {
	return &session{
		srv:          srv,
		ctrl:         conn,
		r:            bufio.NewReader(conn),
		w:            bufio.NewWriter(conn),
		transferType: 'I',
	}
}

func (s *session) reply(code int, msg string) {
	fmt.Fprintf(s.w, "%d %s\r\n", code, msg)
	s.w.Flush()
}

func (s *session) replyMulti(code int, lines []string, tail string) {
	fmt.Fprintf(s.w, "%d-%s\r\n", code, lines[0])
	for _, l := range lines[1:] {
		fmt.Fprintf(s.w, " %s\r\n", l)
	}
	fmt.Fprintf(s.w, "%d %s\r\n", code, tail)
	s.w.Flush()
}

func (s *session) run() {
	defer s.ctrl.Close()
	defer s.closeData()

	s.reply(220, "fileshare FTP service ready")

	for {
		line, err := s.r.ReadString('\n')
		if err != nil {
			return
		}
		line = strings.TrimRight(line, "\r\n")
		if line == "" {
			continue
		}
		cmd, arg := splitCommand(line)
		if quit := s.dispatch(cmd, arg); quit {
			return
		}
	}
}

func splitCommand(line string) (string, string) {
	if i := strings.IndexByte(line, ' '); i >= 0 {
		return strings.ToUpper(line[:i]), strings.TrimSpace(line[i+1:])
	}
	return strings.ToUpper(line), ""
}

// dispatch runs one command and reports whether the session should end.
func (s *session) dispatch(cmd, arg string) bool {
	switch cmd {
	case "QUIT":
		s.reply(221, "Goodbye")
		return true
	case "USER":
		s.cmdUser(arg)
		return false
	case "PASS":
		s.cmdPass(arg)
		return false
	case "FEAT":
		s.replyMulti(211, []string{"Features:", "UTF8", "SIZE", "MDTM", "MLSD", "EPSV", "PASV"}, "End")
		return false
	case "OPTS":
		s.cmdOpts(arg)
		return false
	case "AUTH":
		s.reply(504, "AUTH not supported")
		return false
	}

	if !s.authed {
		s.reply(530, "Please login with USER and PASS")
		return false
	}

	switch cmd {
	case "NOOP":
		s.reply(200, "OK")
	case "SYST":
		s.reply(215, "UNIX Type: L8")
	case "TYPE":
		s.cmdType(arg)
	case "PWD", "XPWD":
		s.reply(257, fmt.Sprintf("%q is the current directory", "/"+s.cwd))
	case "CWD", "XCWD":
		s.cmdCwd(arg)
	case "CDUP", "XCUP":
		s.cmdCwd("..")
	case "PASV":
		s.cmdPasv()
	case "EPSV":
		s.cmdEpsv()
	case "PORT":
		s.reply(502, "Active mode not supported")
	case "LIST":
		s.cmdList(arg, listLong)
	case "MLSD":
		s.cmdList(arg, listMachine)
	case "NLST":
		s.cmdList(arg, listNames)
	case "RETR":
		s.cmdRetr(arg)
	case "STOR":
		s.cmdStor(arg)
	case "SIZE":
		s.cmdSize(arg)
	case "MDTM":
		s.cmdMdtm(arg)
	case "MKD", "XMKD":
		s.cmdMkd(arg)
	case "RMD", "XRMD":
		s.cmdRmd(arg)
	case "DELE":
		s.cmdDele(arg)
	case "RNFR":
		s.cmdRnfr(arg)
	case "RNTO":
		s.cmdRnto(arg)
	case "ABOR":
		s.closeData()
		s.reply(226, "Transfer aborted")
	case "REST":
		// Accepted for client compatibility; transfers always start at 0.
		s.reply(350, "Restart position noted")
	case "STAT":
		s.replyMulti(211, []string{"Status:", "Connected", "Logged in as " + s.username}, "End of status")
	case "HELP":
		s.reply(214, "Commands: USER PASS QUIT FEAT OPTS SYST TYPE PWD CWD CDUP PASV EPSV LIST MLSD NLST RETR STOR SIZE MDTM MKD RMD DELE RNFR RNTO NOOP ABOR REST STAT")
	default:
		s.reply(502, "Command not implemented")
	}
	return false
}

func (s *session) cmdUser(arg string) {
	name := strings.ToLower(strings.TrimSpace(arg))
	if name == "" {
		s.reply(501, "Username required")
		return
	}
	if s.srv.cfg.AnonymousRead && (name == "anonymous" || name == "anon" || name == "ftp") {
		s.authed = true
		s.anonymous = true
		s.username = "anonymous"
		s.reply(230, "Anonymous access granted, read only")
		return
	}
	s.username = name
	s.reply(331, "Password required")
}

func (s *session) cmdPass(arg string) {
	if s.authed {
		s.reply(230, "Already logged in")
		return
	}
	if s.username == "" {
		s.reply(503, "Send USER first")
		return
	}
	if _, err := s.srv.users.VerifyCredentials(s.username, arg); err != nil {
		s.reply(530, "Login incorrect")
		return
	}
	s.authed = true
	s.reply(230, "User logged in")
}

func (s *session) cmdOpts(arg string) {
	if strings.EqualFold(arg, "UTF8 ON") {
		s.utf8 = true
		s.reply(200, "UTF8 enabled")
		return
	}
	s.reply(501, "Option not understood")
}

func (s *session) cmdType(arg string) {
	switch strings.ToUpper(arg) {
	case "I":
		s.transferType = 'I'
		s.reply(200, "Type set to I")
	case "A":
		s.transferType = 'A'
		s.reply(200, "Type set to A")
	default:
		s.reply(504, "Type not supported")
	}
}

// relTarget maps a client-supplied path to a root-relative one: a
// leading slash anchors at the share root, anything else is relative to
// the session's working directory.
func (s *session) relTarget(arg string) string {
	arg = strings.ReplaceAll(arg, "\\", "/")
	var rel string
	if strings.HasPrefix(arg, "/") {
		rel = path.Clean(arg)
	} else {
		rel = path.Clean("/" + s.cwd + "/" + arg)
	}
	return strings.TrimPrefix(rel, "/")
}

// resolve routes a client path through the shared guard and block list.
// The persisted-state directory is never reachable over FTP.
func (s *session) resolve(arg string, write bool) (abs, rel string, err error) {
	rel = s.relTarget(arg)
	if rel == ".fileshare" || strings.HasPrefix(rel, ".fileshare/") {
		return "", "", pathguard.ErrDenied
	}
	if s.srv.blocked != nil && s.srv.blocked.IsBlocked(rel) {
		return "", "", pathguard.ErrDenied
	}
	if write {
		abs, err = s.srv.guard.ResolveForWrite(rel)
	} else {
		abs, err = s.srv.guard.Resolve(rel)
	}
	return abs, rel, err
}

// requireWrite gates mutating commands: anonymous sessions are read
// only.
func (s *session) requireWrite() bool {
	if s.anonymous {
		s.reply(550, "Permission denied")
		return false
	}
	return true
}
