package sitecache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

const (
	defaultMemcachedAddr = "127.0.0.1:11211"
	memcachedIOTimeout   = 3 * time.Second
	memcachedMaxKeyLen   = 250
)

var dialMemcached = func(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: 3 * time.Second}
	return d.DialContext(ctx, network, addr)
}

// memcachedStore speaks the memcached text protocol. Items are written with
// exptime 0 so the server only drops them under memory pressure; Cache
// decides expiry from the serialized Entry.
type memcachedStore struct {
	addrs  []string
	prefix string
	pools  map[string]chan *memcachedConn
	rr     uint32

	closeOnce sync.Once
}

type memcachedConn struct {
	addr   string
	conn   net.Conn
	reader *bufio.Reader
}

func newMemcachedStore(addrs []string, prefix string) Store {
	if len(addrs) == 0 {
		addrs = []string{defaultMemcachedAddr}
	}
	if prefix == "" {
		prefix = defaultCachePrefix
	}
	pools := make(map[string]chan *memcachedConn, len(addrs))
	for _, addr := range addrs {
		pools[addr] = make(chan *memcachedConn, 16)
	}
	return &memcachedStore{addrs: addrs, prefix: prefix, pools: pools}
}

func (s *memcachedStore) Driver() Driver { return DriverMemcached }

func (s *memcachedStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	mc, err := s.acquire(ctx)
	if err != nil {
		return nil, false, err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	full := s.cacheKey(key)
	if _, err := fmt.Fprintf(mc.conn, "get %s\r\n", full); err != nil {
		bad = true
		return nil, false, err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return nil, false, err
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "END" {
		return nil, false, nil
	}
	// VALUE <key> <flags> <bytes>
	parts := strings.Fields(line)
	if len(parts) < 4 || parts[0] != "VALUE" {
		bad = true
		return nil, false, fmt.Errorf("memcached get: unexpected reply %q", line)
	}
	n, err := strconv.Atoi(parts[3])
	if err != nil || n < 0 {
		bad = true
		return nil, false, fmt.Errorf("memcached get: bad length %q", parts[3])
	}
	buf := make([]byte, n+2)
	if _, err := io.ReadFull(mc.reader, buf); err != nil {
		bad = true
		return nil, false, err
	}
	end, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return nil, false, err
	}
	if strings.TrimRight(end, "\r\n") != "END" {
		bad = true
		return nil, false, fmt.Errorf("memcached get: missing END, got %q", end)
	}
	return buf[:n], true, nil
}

func (s *memcachedStore) Set(ctx context.Context, key string, value []byte) error {
	mc, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	full := s.cacheKey(key)
	if _, err := fmt.Fprintf(mc.conn, "set %s 0 0 %d\r\n", full, len(value)); err != nil {
		bad = true
		return err
	}
	if _, err := mc.conn.Write(append(cloneBytes(value), '\r', '\n')); err != nil {
		bad = true
		return err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return err
	}
	if !strings.HasPrefix(line, "STORED") {
		return fmt.Errorf("memcached set failed: %s", strings.TrimSpace(line))
	}
	return nil
}

func (s *memcachedStore) Delete(ctx context.Context, key string) error {
	mc, err := s.acquire(ctx)
	if err != nil {
		return err
	}
	bad := false
	defer func() { s.release(mc, bad) }()

	full := s.cacheKey(key)
	if _, err := fmt.Fprintf(mc.conn, "delete %s\r\n", full); err != nil {
		bad = true
		return err
	}
	line, err := mc.reader.ReadString('\n')
	if err != nil {
		bad = true
		return err
	}
	switch strings.TrimSpace(line) {
	case "DELETED", "NOT_FOUND":
		return nil
	default:
		return fmt.Errorf("memcached delete failed: %s", strings.TrimSpace(line))
	}
}

func (s *memcachedStore) DeleteMany(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := s.Delete(ctx, key); err != nil {
			return err
		}
	}
	return nil
}

// Close drops every pooled connection.
func (s *memcachedStore) Close() error {
	s.closeOnce.Do(func() {
		for _, pool := range s.pools {
		drain:
			for {
				select {
				case mc := <-pool:
					_ = mc.conn.Close()
				default:
					break drain
				}
			}
		}
	})
	return nil
}

func (s *memcachedStore) acquire(ctx context.Context) (*memcachedConn, error) {
	if len(s.addrs) == 0 {
		return nil, errors.New("memcached: no addresses configured")
	}
	deadline := time.Now().Add(memcachedIOTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	var errs bytes.Buffer
	start := int(atomic.AddUint32(&s.rr, 1)-1) % len(s.addrs)
	for i := 0; i < len(s.addrs); i++ {
		addr := s.addrs[(start+i)%len(s.addrs)]
		var mc *memcachedConn
		select {
		case mc = <-s.pools[addr]:
		default:
			conn, err := dialMemcached(ctx, "tcp", addr)
			if err != nil {
				fmt.Fprintf(&errs, "%s: %v; ", addr, err)
				continue
			}
			mc = &memcachedConn{addr: addr, conn: conn, reader: bufio.NewReader(conn)}
		}
		if err := mc.conn.SetDeadline(deadline); err != nil {
			_ = mc.conn.Close()
			fmt.Fprintf(&errs, "%s: %v; ", addr, err)
			continue
		}
		return mc, nil
	}
	return nil, fmt.Errorf("memcached dial failed: %s", errs.String())
}

func (s *memcachedStore) release(mc *memcachedConn, bad bool) {
	if mc == nil || mc.conn == nil {
		return
	}
	if bad {
		_ = mc.conn.Close()
		return
	}
	pool, ok := s.pools[mc.addr]
	if !ok {
		_ = mc.conn.Close()
		return
	}
	select {
	case pool <- mc:
	default:
		_ = mc.conn.Close()
	}
}

// cacheKey hashes keys memcached would reject: longer than 250 bytes or
// containing whitespace or control characters.
func (s *memcachedStore) cacheKey(key string) string {
	full := s.prefix + ":" + key
	if len(full) <= memcachedMaxKeyLen && validMemcachedKey(full) {
		return full
	}
	sum := sha256.Sum256([]byte(key))
	return s.prefix + ":h:" + hex.EncodeToString(sum[:])
}

func validMemcachedKey(key string) bool {
	for i := 0; i < len(key); i++ {
		if c := key[i]; c <= ' ' || c == 0x7f {
			return false
		}
	}
	return true
}
