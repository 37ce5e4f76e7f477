package remote

import (
	"bufio"
	"errors"
	"fmt"
	"log"
	"net"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/librescoot/lifecycle-service/internal/fsm"
	"github.com/librescoot/lifecycle-service/internal/power"
)

// Registration bytes sent by a client right after connecting
const (
	KindPlain      byte = 'P'
	KindCompletion byte = 'C'
	MsgFinished    byte = 'F'
)

const (
	handshakeTimeout = 5 * time.Second
	writeTimeout     = 2 * time.Second
)

// ErrClosed is returned when writing to a client that already disconnected.
var ErrClosed = errors.New("remote listener closed")

// Registrar is the part of the controller remote clients talk to.
type Registrar interface {
	Register(l power.Listener)
	RegisterWithCompletion(l power.Listener)
	Finished(l power.Listener)
	ListenerDied(token string)
}

// client is a connected remote listener. The connection lifetime is the
// registration.
type client struct {
	token      string
	conn       net.Conn
	completion bool

	mutex  sync.Mutex
	closed bool
}

func (c *client) Token() string { return c.token }

func (c *client) OnStateChanged(phase fsm.ListenerPhase) error {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.closed {
		return ErrClosed
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if _, err := c.conn.Write([]byte(string(phase) + "\n")); err != nil {
		return fmt.Errorf("failed to send %s: %w", phase, err)
	}
	return nil
}

func (c *client) close() {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	if !c.closed {
		c.closed = true
		c.conn.Close()
	}
}

// Server accepts remote listeners on a Unix socket
type Server struct {
	logger          *log.Logger
	socketPath      string
	listener        net.Listener
	registrar       Registrar
	allowCompletion bool

	mutex   sync.RWMutex
	clients map[string]*client
}

// NewServer listens on socketPath, replacing a stale socket file. Completion
// registrations are honoured only when allowCompletion is set; otherwise
// they are downgraded to plain listeners.
func NewServer(logger *log.Logger, socketPath string, registrar Registrar, allowCompletion bool) (*Server, error) {
	if _, err := os.Stat(socketPath); err == nil {
		if err := os.Remove(socketPath); err != nil {
			return nil, fmt.Errorf("failed to remove existing socket: %w", err)
		}
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create socket: %w", err)
	}

	s := &Server{
		logger:          logger,
		socketPath:      socketPath,
		listener:        listener,
		registrar:       registrar,
		allowCompletion: allowCompletion,
		clients:         make(map[string]*client),
	}

	go s.acceptConnections()

	return s, nil
}

func (s *Server) acceptConnections() {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			s.logger.Printf("Failed to accept connection: %v", err)
			continue
		}

		go s.handleConnection(conn)
	}
}

func (s *Server) handleConnection(conn net.Conn) {
	reader := bufio.NewReader(conn)

	conn.SetReadDeadline(time.Now().Add(handshakeTimeout))
	kind, err := reader.ReadByte()
	if err != nil {
		s.logger.Printf("Remote listener sent no registration: %v", err)
		conn.Close()
		return
	}
	conn.SetReadDeadline(time.Time{})

	c := &client{token: uuid.NewString(), conn: conn}
	switch kind {
	case KindPlain:
	case KindCompletion:
		if s.allowCompletion {
			c.completion = true
		} else {
			s.logger.Printf("Completion registration not allowed on this socket, registering %s as plain", c.token)
		}
	default:
		s.logger.Printf("Invalid registration byte %q", kind)
		conn.Close()
		return
	}

	if _, err := conn.Write([]byte{0}); err != nil {
		s.logger.Printf("Failed to send acknowledgment: %v", err)
		conn.Close()
		return
	}

	s.mutex.Lock()
	s.clients[c.token] = c
	s.mutex.Unlock()

	if c.completion {
		s.registrar.RegisterWithCompletion(c)
	} else {
		s.registrar.Register(c)
	}
	s.logger.Printf("Remote listener connected: token=%s, completion=%v", c.token, c.completion)

	for {
		b, err := reader.ReadByte()
		if err != nil {
			break
		}
		switch b {
		case MsgFinished:
			if c.completion {
				s.registrar.Finished(c)
			}
		case '\n', '\r':
		default:
			s.logger.Printf("Ignoring unknown message %q from %s", b, c.token)
		}
	}

	s.mutex.Lock()
	delete(s.clients, c.token)
	s.mutex.Unlock()

	c.close()
	s.logger.Printf("Remote listener disconnected: token=%s", c.token)
	s.registrar.ListenerDied(c.token)
}

// Count returns the number of connected clients.
func (s *Server) Count() int {
	s.mutex.RLock()
	defer s.mutex.RUnlock()
	return len(s.clients)
}

// Close stops accepting, drops every client and removes the socket file.
func (s *Server) Close() error {
	if err := s.listener.Close(); err != nil {
		return fmt.Errorf("failed to close listener: %w", err)
	}

	s.mutex.Lock()
	for _, c := range s.clients {
		c.close()
	}
	s.mutex.Unlock()

	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove socket file: %w", err)
	}

	return nil
}
