// Package redisx is a minimal RESP client shared by the coordination
// backends (leases, advisory status, work queue, worker presence). It speaks
// just enough of the protocol for the commands those backends issue and
// dials a fresh connection per call sequence, which keeps it safe to share
// across goroutines without pooling.
package redisx

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	Timeout  time.Duration
}

type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	return &Client{cfg: cfg}
}

// Conn is a single dialed connection. Callers that need several commands on
// one round trip (queue claim bookkeeping) hold a Conn; one-shot callers use
// Client.Do.
type Conn struct {
	nc net.Conn
	rw *bufio.ReadWriter
}

func (c *Client) Dial(ctx context.Context) (*Conn, error) {
	dialer := net.Dialer{Timeout: c.cfg.Timeout}
	nc, err := dialer.DialContext(ctx, "tcp", c.cfg.Addr)
	if err != nil {
		return nil, err
	}
	conn := &Conn{nc: nc, rw: bufio.NewReadWriter(bufio.NewReader(nc), bufio.NewWriter(nc))}
	if c.cfg.Password != "" {
		if _, err := conn.Do("AUTH", c.cfg.Password); err != nil {
			_ = nc.Close()
			return nil, err
		}
	}
	if c.cfg.DB > 0 {
		if _, err := conn.Do("SELECT", strconv.Itoa(c.cfg.DB)); err != nil {
			_ = nc.Close()
			return nil, err
		}
	}
	return conn, nil
}

func (cn *Conn) Close() error {
	return cn.nc.Close()
}

func (cn *Conn) Do(args ...string) (any, error) {
	if err := writeRESP(cn.rw, args...); err != nil {
		return nil, err
	}
	return readRESP(cn.rw)
}

func (c *Client) Do(ctx context.Context, args ...string) (any, error) {
	conn, err := c.Dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	return conn.Do(args...)
}

func (c *Client) Ping(ctx context.Context) error {
	resp, err := c.Do(ctx, "PING")
	if err != nil {
		return err
	}
	if s, _ := resp.(string); s != "PONG" {
		return fmt.Errorf("unexpected ping reply %v", resp)
	}
	return nil
}

func writeRESP(rw *bufio.ReadWriter, parts ...string) error {
	if _, err := fmt.Fprintf(rw, "*%d\r\n", len(parts)); err != nil {
		return err
	}
	for _, p := range parts {
		if _, err := fmt.Fprintf(rw, "$%d\r\n%s\r\n", len(p), p); err != nil {
			return err
		}
	}
	return rw.Flush()
}

func readRESP(rw *bufio.ReadWriter) (any, error) {
	prefix, err := rw.ReadByte()
	if err != nil {
		return nil, err
	}
	line, err := rw.ReadString('\n')
	if err != nil {
		return nil, err
	}
	line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")

	switch prefix {
	case '+', ':':
		return line, nil
	case '-':
		return nil, fmt.Errorf("redis error: %s", line)
	case '$':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		buf := make([]byte, n+2)
		if _, err := io.ReadFull(rw, buf); err != nil {
			return nil, err
		}
		return string(buf[:n]), nil
	case '*':
		n, err := strconv.Atoi(line)
		if err != nil {
			return nil, err
		}
		if n == -1 {
			return nil, nil
		}
		arr := make([]string, 0, n)
		for i := 0; i < n; i++ {
			v, err := readRESP(rw)
			if err != nil {
				return nil, err
			}
			if v == nil {
				arr = append(arr, "")
				continue
			}
			s, ok := v.(string)
			if !ok {
				return nil, errors.New("unexpected redis array element")
			}
			arr = append(arr, s)
		}
		return arr, nil
	default:
		return nil, fmt.Errorf("unsupported redis response prefix %q", prefix)
	}
}

// Strings coerces an array reply. A nil reply is an empty result, not an
// error.
func Strings(v any) ([]string, error) {
	if v == nil {
		return nil, nil
	}
	arr, ok := v.([]string)
	if !ok {
		return nil, errors.New("unexpected redis array response type")
	}
	return arr, nil
}

func Int(v any) (int, error) {
	if v == nil {
		return 0, nil
	}
	s, ok := v.(string)
	if !ok {
		return 0, errors.New("unexpected redis integer response type")
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, err
	}
	return n, nil
}
