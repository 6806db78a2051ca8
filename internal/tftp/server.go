// Package tftp runs the optional transfer accelerator: a TFTP server
// rooted at the dump directory, reachable only from the configured device
// address and only in the directions it was told to allow.
package tftp

import (
	"fmt"
	"io"
	"log"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pin/tftp/v3"
)

// blockSizeLimit caps the negotiated block size. Larger blocks get
// fragmented on VPN links.
const blockSizeLimit = 1024

// Server is a read/write-gated TFTP server for one client.
type Server struct {
	baseDir    string
	authIP     net.IP
	allowRead  bool
	allowWrite bool
	srv        *tftp.Server
}

// NewServer serves files under dir. With a non-nil ip, requests from any
// other address are refused.
func NewServer(dir string, ip net.IP, allowRead, allowWrite bool) *Server {
	s := &Server{
		baseDir:    dir,
		authIP:     ip,
		allowRead:  allowRead,
		allowWrite: allowWrite,
	}
	s.srv = tftp.NewServer(s.readHandler, s.writeHandler)
	s.srv.SetTimeout(5 * time.Second)
	s.srv.SetBlockSize(blockSizeLimit)
	return s
}

// ListenAndServe binds to addr (usually <server-ip>:69) and serves until
// Shutdown.
func (s *Server) ListenAndServe(addr string) error {
	log.Printf("tftp server listening on %s, root %s", addr, s.baseDir)
	return s.srv.ListenAndServe(addr)
}

// Shutdown stops the server.
func (s *Server) Shutdown() {
	s.srv.Shutdown()
}

func (s *Server) authorize(remote net.UDPAddr, allowed bool) error {
	if s.authIP != nil && !s.authIP.Equal(remote.IP) {
		return fmt.Errorf("permission denied")
	}
	if !allowed {
		return fmt.Errorf("permission denied")
	}
	return nil
}

// path resolves a request filename inside the base directory.
func (s *Server) path(filename string) (string, error) {
	path := filepath.Join(s.baseDir, filepath.Clean("/"+filename))
	if !strings.HasPrefix(path, filepath.Clean(s.baseDir)+string(os.PathSeparator)) {
		return "", fmt.Errorf("permission denied")
	}
	return path, nil
}

func (s *Server) readHandler(filename string, rf io.ReaderFrom) error {
	if err := s.authorize(rf.(tftp.OutgoingTransfer).RemoteAddr(), s.allowRead); err != nil {
		return err
	}
	path, err := s.path(filename)
	if err != nil {
		return err
	}
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("file not found")
	}
	defer file.Close()
	if _, err := rf.ReadFrom(file); err != nil {
		return err
	}
	return nil
}

func (s *Server) writeHandler(filename string, wt io.WriterTo) error {
	if err := s.authorize(wt.(tftp.IncomingTransfer).RemoteAddr(), s.allowWrite); err != nil {
		return err
	}
	path, err := s.path(filename)
	if err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("file not found")
	}
	defer file.Close()
	if _, err := wt.WriteTo(file); err != nil {
		os.Remove(path)
		return err
	}
	return nil
}
