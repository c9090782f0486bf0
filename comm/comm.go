/*Package comm provides an embeddable type for line-oriented communication with
hardware over TCP or a serial port.

Most usages of this package will boil down to:
 1. embed RemoteDevice in a type that represents your hardware.
 2. set TxTerminator and RxTerminator if the device does not use carriage returns
 3. write methods on top of Query, which opens the connection on demand and
    drops it after an error so the next call reconnects.

A minimal example for a sensor that responds to "RD?" with a temperature:

	type MySensor struct {
		*comm.RemoteDevice
	}

	func (ms *MySensor) ReadTemp(ctx context.Context) (float64, error) {
		resp, err := ms.Query(ctx, []byte("RD?"))
		if err != nil {
			return 0, err
		}
		return strconv.ParseFloat(string(resp), 64)
	}
*/
package comm

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/tarm/serial"
)

const defaultTimeout = 3 * time.Second

var (
	// ErrNotConnected is generated when the connection is closed and Send or Recv is called
	ErrNotConnected = errors.New("not connected to remote")

	// ErrTerminatorNotFound is generated when the termination byte is not found in a response
	ErrTerminatorNotFound = errors.New("termination byte not found")
)

// RemoteDevice is a device reached over TCP at Addr, or over a serial port
// when Serial is set.  It is concurrent-safe; one exchange runs at a time.
type RemoteDevice struct {
	Addr   string
	Serial *serial.Config

	// Timeout bounds connecting and every exchange without a context deadline
	Timeout time.Duration

	TxTerminator byte
	RxTerminator byte

	mu   sync.Mutex
	conn io.ReadWriteCloser
	rd   *bufio.Reader
}

// NewRemoteDevice creates a TCP device with carriage return terminators
func NewRemoteDevice(addr string) *RemoteDevice {
	return &RemoteDevice{Addr: addr, Timeout: defaultTimeout, TxTerminator: '\r', RxTerminator: '\r'}
}

// NewSerialDevice creates a serial device with carriage return terminators
func NewSerialDevice(conf *serial.Config) *RemoteDevice {
	return &RemoteDevice{Addr: conf.Name, Serial: conf, Timeout: defaultTimeout, TxTerminator: '\r', RxTerminator: '\r'}
}

func (rd *RemoteDevice) timeout() time.Duration {
	if rd.Timeout <= 0 {
		return defaultTimeout
	}
	return rd.Timeout
}

// Open the connection.  A refused connection is retried with an exponential
// backoff for up to the timeout; other errors are returned at once.
func (rd *RemoteDevice) Open() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.open()
}

func (rd *RemoteDevice) open() error {
	if rd.conn != nil {
		return nil
	}
	var fatal error
	op := func() error {
		conn, err := rd.dial()
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "refused") {
				return err
			}
			fatal = err
			return nil
		}
		rd.conn = conn
		rd.rd = bufio.NewReader(conn)
		return nil
	}
	err := backoff.Retry(op, &backoff.ExponentialBackOff{
		InitialInterval:     25 * time.Millisecond,
		RandomizationFactor: 0.,
		Multiplier:          2.,
		MaxInterval:         1 * time.Second,
		MaxElapsedTime:      rd.timeout(),
		Clock:               backoff.SystemClock})
	if fatal != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, fatal)
	}
	if err != nil {
		return fmt.Errorf("connecting to %s: %w", rd.Addr, err)
	}
	return nil
}

func (rd *RemoteDevice) dial() (io.ReadWriteCloser, error) {
	if rd.Serial != nil {
		conf := *rd.Serial
		if conf.ReadTimeout == 0 {
			conf.ReadTimeout = rd.timeout()
		}
		return serial.OpenPort(&conf)
	}
	return net.DialTimeout("tcp", rd.Addr, rd.timeout())
}

// Close the connection
func (rd *RemoteDevice) Close() error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.close()
}

func (rd *RemoteDevice) close() error {
	if rd.conn == nil {
		return nil
	}
	err := rd.conn.Close()
	rd.conn, rd.rd = nil, nil
	return err
}

// Send writes b and the Tx terminator to the remote
func (rd *RemoteDevice) Send(b []byte) error {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.send(b)
}

func (rd *RemoteDevice) send(b []byte) error {
	if rd.conn == nil {
		return ErrNotConnected
	}
	buf := make([]byte, 0, len(b)+1)
	buf = append(append(buf, b...), rd.TxTerminator)
	_, err := rd.conn.Write(buf)
	return err
}

// Recv reads one response from the remote and strips the Rx terminator
func (rd *RemoteDevice) Recv() ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	return rd.recv()
}

func (rd *RemoteDevice) recv() ([]byte, error) {
	if rd.conn == nil {
		return nil, ErrNotConnected
	}
	buf, err := rd.rd.ReadBytes(rd.RxTerminator)
	if err != nil {
		if err == io.EOF && len(buf) > 0 {
			return buf, ErrTerminatorNotFound
		}
		return nil, err
	}
	return bytes.TrimSuffix(buf, []byte{rd.RxTerminator}), nil
}

// SendRecv sends b, then returns the response with the Rx terminator stripped
func (rd *RemoteDevice) SendRecv(b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.send(b); err != nil {
		return nil, err
	}
	return rd.recv()
}

// begin opens the connection, sets the deadline of the exchange and sends b
func (rd *RemoteDevice) begin(ctx context.Context, b []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := rd.open(); err != nil {
		return err
	}
	if nc, ok := rd.conn.(net.Conn); ok {
		deadline, ok := ctx.Deadline()
		if !ok {
			deadline = time.Now().Add(rd.timeout())
		}
		nc.SetDeadline(deadline)
	}
	if err := rd.send(b); err != nil {
		rd.close()
		return err
	}
	return nil
}

// Query opens the connection if needed and performs one exchange, bounded by
// the deadline of ctx or the timeout.  After an error the connection is closed.
func (rd *RemoteDevice) Query(ctx context.Context, b []byte) ([]byte, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.begin(ctx, b); err != nil {
		return nil, err
	}
	resp, err := rd.recv()
	if err != nil {
		rd.close()
		return nil, err
	}
	return resp, nil
}

// Lines performs an exchange whose reply spans several terminated lines,
// reading until a line is empty or n lines have arrived
func (rd *RemoteDevice) Lines(ctx context.Context, b []byte, n int) ([]string, error) {
	rd.mu.Lock()
	defer rd.mu.Unlock()
	if err := rd.begin(ctx, b); err != nil {
		return nil, err
	}
	var out []string
	for len(out) < n {
		line, err := rd.recv()
		if err != nil {
			rd.close()
			return out, err
		}
		s := strings.TrimSpace(string(line))
		if s == "" {
			break
		}
		out = append(out, s)
	}
	return out, nil
}
