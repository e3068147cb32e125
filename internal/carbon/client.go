// Package carbon writes metric points to a Graphite carbon receiver.
//
// Two carbon protocols are supported:
//   - pickle: a batch of points serialized as a protocol 2 pickle of
//     [(path, (timestamp, value)), ...], prefixed with its length as a
//     4-byte big-endian unsigned integer
//   - plaintext: one "path value timestamp\n" line per point
//
// Every call opens a fresh TCP connection, writes, and closes it. There is
// no pooling and no retry; a failed write is reported as ErrTransport.
package carbon

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"net"
	"time"

	ogórek "github.com/kisielk/og-rek"
	"github.com/sirupsen/logrus"

	"github.com/tejusbharadwaj/solarsync/internal/models"
)

const pickleProtocol = 2

var (
	ErrTransport = errors.New("carbon transport failure")
	ErrEncode    = errors.New("carbon encoding failure")
)

// Client sends points to one carbon endpoint.
type Client struct {
	addr    string
	timeout time.Duration
	logger  *logrus.Logger
}

// NewClient returns a client for the receiver at addr (host:port). timeout
// bounds both the dial and the write; zero disables it.
func NewClient(addr string, timeout time.Duration, logger *logrus.Logger) *Client {
	return &Client{
		addr:    addr,
		timeout: timeout,
		logger:  logger,
	}
}

// EncodePickle serializes points into a carbon pickle payload without the
// length header.
func EncodePickle(points []models.MetricPoint) ([]byte, error) {
	batch := make([]interface{}, len(points))
	for i, p := range points {
		batch[i] = ogórek.Tuple{p.Path, ogórek.Tuple{p.Timestamp, p.Value}}
	}

	var buf bytes.Buffer
	enc := ogórek.NewEncoderWithConfig(&buf, &ogórek.EncoderConfig{Protocol: pickleProtocol})
	if err := enc.Encode(batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncode, err)
	}
	return buf.Bytes(), nil
}

// Frame prefixes payload with its length as carbon's pickle receiver expects.
func Frame(payload []byte) ([]byte, error) {
	if uint64(len(payload)) > math.MaxUint32 {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame limit", ErrEncode, len(payload))
	}
	msg := make([]byte, 4+len(payload))
	binary.BigEndian.PutUint32(msg, uint32(len(payload)))
	copy(msg[4:], payload)
	return msg, nil
}

// SendBatch writes points to carbon as a single pickle frame.
func (c *Client) SendBatch(ctx context.Context, points []models.MetricPoint) error {
	payload, err := EncodePickle(points)
	if err != nil {
		return err
	}
	msg, err := Frame(payload)
	if err != nil {
		return err
	}

	if err := c.write(ctx, msg); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"addr":   c.addr,
		"points": len(points),
		"bytes":  len(msg),
	}).Debug("Sent pickle batch to carbon")
	return nil
}

// SendPlaintext writes a single point using the plaintext line protocol.
func (c *Client) SendPlaintext(ctx context.Context, point models.MetricPoint) error {
	line := fmt.Sprintf("%s %f %d\n", point.Path, point.Value, point.Timestamp)
	if err := c.write(ctx, []byte(line)); err != nil {
		return err
	}

	c.logger.WithFields(logrus.Fields{
		"addr": c.addr,
		"path": point.Path,
	}).Debug("Sent plaintext point to carbon")
	return nil
}

func (c *Client) write(ctx context.Context, msg []byte) error {
	dialer := net.Dialer{Timeout: c.timeout}
	conn, err := dialer.DialContext(ctx, "tcp", c.addr)
	if err != nil {
		return fmt.Errorf("%w: could not open socket %s: %v", ErrTransport, c.addr, err)
	}
	defer conn.Close()

	if c.timeout > 0 {
		if err := conn.SetWriteDeadline(time.Now().Add(c.timeout)); err != nil {
			return fmt.Errorf("%w: %v", ErrTransport, err)
		}
	}

	if _, err := conn.Write(msg); err != nil {
		return fmt.Errorf("%w: write to %s: %v", ErrTransport, c.addr, err)
	}
	if err := conn.Close(); err != nil {
		return fmt.Errorf("%w: close %s: %v", ErrTransport, c.addr, err)
	}
	return nil
}
