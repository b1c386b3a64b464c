package xfr

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"net"
	"time"

	"github.com/miekg/dns"
	"github.com/quic-go/quic-go"
)

// DoQServer is the optional DNS-over-QUIC listener (RFC 9250), wired to
// the same handler a Server uses for UDP/TCP. Grounded on the teacher's
// DnsDoQEngine/handleDoQConnection/handleDoQStream (tdns/doq.go);
// generalized so the caller supplies the cert/key pair directly instead
// of reading them from viper, and the listener is a value the daemon
// owns and shuts down rather than a bare fire-and-forget goroutine.
type DoQServer struct {
	addr     string
	tlsConf  *tls.Config
	handler  func(w dns.ResponseWriter, r *dns.Msg)
	listener *quic.Listener
	debug    bool
}

// NewDoQServer loads certFile/keyFile and prepares a listener for addr.
// It does not start listening until ListenAndServe is called.
func NewDoQServer(addr, certFile, keyFile string, handler func(w dns.ResponseWriter, r *dns.Msg), debug bool) (*DoQServer, error) {
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("xfr: DoQ: load certificate: %w", err)
	}
	tlsConf := &tls.Config{
		MinVersion:   tls.VersionTLS13,
		NextProtos:   []string{"doq"},
		Certificates: []tls.Certificate{cert},
	}
	return &DoQServer{addr: addr, tlsConf: tlsConf, handler: handler, debug: debug}, nil
}

// ListenAndServe blocks, accepting QUIC connections and dispatching each
// stream's DNS message through handler until the listener is closed.
func (s *DoQServer) ListenAndServe() error {
	ln, err := quic.ListenAddr(s.addr, s.tlsConf, &quic.Config{
		MaxIdleTimeout:  30 * time.Second,
		KeepAlivePeriod: 15 * time.Second,
	})
	if err != nil {
		return fmt.Errorf("xfr: DoQ listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	log.Printf("xfr: serving on %s (DoQ)", s.addr)
	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			return err
		}
		go s.handleConnection(conn)
	}
}

func (s *DoQServer) Shutdown() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *DoQServer) handleConnection(conn quic.Connection) {
	defer conn.CloseWithError(0, "")

	for {
		stream, err := conn.AcceptStream(context.Background())
		if err != nil {
			if s.debug {
				log.Printf("xfr: DoQ: client %v closed connection: %v", conn.RemoteAddr(), err)
			}
			return
		}
		go s.handleStream(stream, conn)
	}
}

func (s *DoQServer) handleStream(stream quic.Stream, conn quic.Connection) {
	lenBuf := make([]byte, 2)
	if _, err := io.ReadFull(stream, lenBuf); err != nil {
		log.Printf("xfr: DoQ: read message length: %v", err)
		stream.Close()
		return
	}
	msgLen := binary.BigEndian.Uint16(lenBuf)

	msgBuf := make([]byte, msgLen)
	if _, err := io.ReadFull(stream, msgBuf); err != nil {
		log.Printf("xfr: DoQ: read message: %v", err)
		stream.Close()
		return
	}

	msg := new(dns.Msg)
	if err := msg.Unpack(msgBuf); err != nil {
		log.Printf("xfr: DoQ: unpack message: %v", err)
		stream.Close()
		return
	}

	rw := &doqResponseWriter{stream: stream, conn: conn}
	s.handler(rw, msg)
}

// doqResponseWriter adapts a quic.Stream to dns.ResponseWriter: a single
// length-prefixed message out, then the stream is closed (DoQ is
// one-message-per-stream).
type doqResponseWriter struct {
	stream quic.Stream
	conn   quic.Connection
	wrote  bool
}

func (w *doqResponseWriter) WriteMsg(m *dns.Msg) error {
	if w.wrote {
		return fmt.Errorf("xfr: DoQ: response already written")
	}
	w.wrote = true

	packed, err := m.Pack()
	if err != nil {
		return err
	}

	lenBuf := make([]byte, 2)
	binary.BigEndian.PutUint16(lenBuf, uint16(len(packed)))
	if _, err := w.stream.Write(lenBuf); err != nil {
		return err
	}
	if _, err := w.stream.Write(packed); err != nil {
		return err
	}
	return w.stream.Close()
}

func (w *doqResponseWriter) Close() error              { return w.stream.Close() }
func (w *doqResponseWriter) TsigStatus() error         { return nil }
func (w *doqResponseWriter) TsigTimersOnly(bool)       {}
func (w *doqResponseWriter) Hijack()                   {}
func (w *doqResponseWriter) LocalAddr() net.Addr       { return w.conn.LocalAddr() }
func (w *doqResponseWriter) RemoteAddr() net.Addr      { return w.conn.RemoteAddr() }
func (w *doqResponseWriter) Write([]byte) (int, error) { return 0, fmt.Errorf("xfr: DoQ: raw Write not implemented") }
func (w *doqResponseWriter) WriteMsgWithTsig(*dns.Msg, string, bool) error {
	return fmt.Errorf("xfr: DoQ: TSIG not implemented")
}
