package cachefake

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// Memcached is a loopback server speaking the subset of the memcached text
// protocol the store uses: get, set and delete.
type Memcached struct {
	ln net.Listener

	mu    sync.Mutex
	data  map[string][]byte
	conns int
}

// NewMemcached starts a fake memcached that is closed when t finishes.
func NewMemcached(t testing.TB) *Memcached {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	m := &Memcached{ln: ln, data: make(map[string][]byte)}
	go m.accept()
	t.Cleanup(func() { _ = ln.Close() })
	return m
}

// Addr is the host:port the server listens on.
func (m *Memcached) Addr() string { return m.ln.Addr().String() }

// Keys returns how many items the server holds.
func (m *Memcached) Keys() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.data)
}

// Conns returns how many connections were accepted.
func (m *Memcached) Conns() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.conns
}

func (m *Memcached) accept() {
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns++
		m.mu.Unlock()
		go m.serve(conn)
	}
}

func (m *Memcached) serve(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)
	for {
		line, err := r.ReadString('\n')
		if err != nil {
			return
		}
		parts := strings.Fields(line)
		if len(parts) == 0 {
			continue
		}
		switch parts[0] {
		case "get":
			if len(parts) < 2 {
				w.WriteString("ERROR\r\n")
				break
			}
			m.mu.Lock()
			v, ok := m.data[parts[1]]
			m.mu.Unlock()
			if ok {
				fmt.Fprintf(w, "VALUE %s 0 %d\r\n", parts[1], len(v))
				w.Write(v)
				w.WriteString("\r\n")
			}
			w.WriteString("END\r\n")
		case "set":
			// set <key> <flags> <exptime> <bytes>
			if len(parts) < 5 {
				w.WriteString("ERROR\r\n")
				break
			}
			n, err := strconv.Atoi(parts[4])
			if err != nil {
				w.WriteString("CLIENT_ERROR bad data chunk\r\n")
				break
			}
			buf := make([]byte, n+2)
			if _, err := io.ReadFull(r, buf); err != nil {
				return
			}
			m.mu.Lock()
			m.data[parts[1]] = buf[:n]
			m.mu.Unlock()
			w.WriteString("STORED\r\n")
		case "delete":
			if len(parts) < 2 {
				w.WriteString("ERROR\r\n")
				break
			}
			m.mu.Lock()
			_, ok := m.data[parts[1]]
			delete(m.data, parts[1])
			m.mu.Unlock()
			if ok {
				w.WriteString("DELETED\r\n")
			} else {
				w.WriteString("NOT_FOUND\r\n")
			}
		default:
			w.WriteString("ERROR\r\n")
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}
