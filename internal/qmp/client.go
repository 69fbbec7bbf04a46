// Package qmp implements a minimal client for the QEMU machine protocol:
// newline-delimited JSON requests and responses over a per-machine
// control socket.
//
// The client is deliberately connection-less: every command opens a new
// connection, performs the capabilities handshake and runs exactly one
// command. This keeps the one-in-flight-command contract trivially true
// and is cheap enough for low-frequency migration polling.
package qmp

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/vmhive/vmhive/internal/version"

	log "github.com/sirupsen/logrus"
)

// Command represents a single control-socket request.
type Command struct {
	Name      string      `json:"execute"`
	Arguments interface{} `json:"arguments,omitempty"`
}

// ProtocolError is returned when the server answers with an error object
// or when the response stream cannot be interpreted.
type ProtocolError struct {
	Class string
	Desc  string
}

func (e *ProtocolError) Error() string {
	if len(e.Class) == 0 {
		return fmt.Sprintf("qmp protocol error: %s", e.Desc)
	}

	return fmt.Sprintf("qmp error: %s: %s", e.Class, e.Desc)
}

func IsProtocolError(err error) bool {
	var e *ProtocolError

	return errors.As(err, &e)
}

type serverError struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

type serverResponse struct {
	Return json.RawMessage `json:"return"`
	Error  *serverError    `json:"error"`
	Event  string          `json:"event"`
}

// Client talks to a single machine control socket.
type Client struct {
	path    string
	timeout time.Duration

	logger *log.Entry
}

func NewClient(socketPath string, timeout time.Duration) *Client {
	return &Client{
		path:    socketPath,
		timeout: timeout,
		logger:  log.WithField("qmp-socket", socketPath),
	}
}

// Run opens a new control connection, performs the greeting/capabilities
// handshake, executes cmd and decodes its "return" payload into res
// (when res is non-nil).
func (c *Client) Run(cmd Command, res interface{}) error {
	conn, err := net.DialTimeout("unix", c.path, c.timeout)
	if err != nil {
		return &ProtocolError{Desc: fmt.Sprintf("connect to %s: %s", c.path, err)}
	}
	defer conn.Close()

	conn.SetDeadline(time.Now().Add(c.timeout))

	r := bufio.NewReader(conn)

	// The server talks first: one unsolicited greeting line
	greeting, err := r.ReadBytes('\n')
	if err != nil {
		return &ProtocolError{Desc: fmt.Sprintf("read greeting: %s", err)}
	}

	if !bytes.Contains(greeting, []byte(`"QMP"`)) {
		return &ProtocolError{Desc: "unexpected greeting: not a QMP control socket"}
	}

	// No other command is accepted until capabilities are negotiated
	if err := c.roundTrip(conn, r, Command{Name: "qmp_capabilities"}, nil); err != nil {
		return err
	}

	return c.roundTrip(conn, r, cmd, res)
}

func (c *Client) roundTrip(w io.Writer, r *bufio.Reader, cmd Command, res interface{}) error {
	b, err := json.Marshal(&cmd)
	if err != nil {
		return err
	}

	if _, err := w.Write(append(b, '\n')); err != nil {
		return &ProtocolError{Desc: fmt.Sprintf("send %s: %s", cmd.Name, err)}
	}

	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			return &ProtocolError{Desc: fmt.Sprintf("read %s response: %s", cmd.Name, err)}
		}

		resp := serverResponse{}

		if err := json.Unmarshal(line, &resp); err != nil {
			return &ProtocolError{Desc: fmt.Sprintf("malformed %s response: %s", cmd.Name, err)}
		}

		// Asynchronous event lines may interleave with the response.
		// They are not part of the request/response contract -- skip
		if len(resp.Event) > 0 {
			c.logger.Debugf("Skipping event line: %s", resp.Event)

			continue
		}

		if resp.Error != nil {
			return &ProtocolError{Class: resp.Error.Class, Desc: resp.Error.Desc}
		}

		if res != nil && len(resp.Return) > 0 {
			return json.Unmarshal(resp.Return, res)
		}

		return nil
	}
}

// QueryMigrate fetches and converts the current migration state.
// An unknown status string is logged and mapped to MigrationNone,
// it is never an error.
func (c *Client) QueryMigrate() (*MigrationStats, error) {
	mi := migrationInfo{}

	if err := c.Run(Command{Name: "query-migrate"}, &mi); err != nil {
		return nil, err
	}

	st, ok := ParseMigrationStatus(mi.Status)
	if !ok {
		c.logger.Warnf("Unknown migration status %q, treating as none", mi.Status)
	}

	return newMigrationStats(st, &mi), nil
}

// QueryVersion fetches the hypervisor version.
func (c *Client) QueryVersion() (version.Version, error) {
	vi := struct {
		Qemu    version.Version `json:"qemu"`
		Package string          `json:"package"`
	}{}

	if err := c.Run(Command{Name: "query-version"}, &vi); err != nil {
		return version.Version{}, err
	}

	return vi.Qemu, nil
}

// QueryStatus fetches the guest running status.
func (c *Client) QueryStatus() (*StatusInfo, error) {
	si := StatusInfo{}

	if err := c.Run(Command{Name: "query-status"}, &si); err != nil {
		return nil, err
	}

	return &si, nil
}

// Migrate starts an outgoing migration to the given URI.
func (c *Client) Migrate(uri string, inc, blk, detach bool) error {
	args := struct {
		URI    string `json:"uri"`
		Inc    bool   `json:"inc"`
		Blk    bool   `json:"blk"`
		Detach bool   `json:"detach"`
	}{
		URI:    uri,
		Inc:    inc,
		Blk:    blk,
		Detach: detach,
	}

	return c.Run(Command{Name: "migrate", Arguments: &args}, nil)
}

// MigrateCancel aborts the current outgoing migration.
func (c *Client) MigrateCancel() error {
	return c.Run(Command{Name: "migrate_cancel"}, nil)
}

// MigrateSetDowntime sets the maximum tolerated downtime (in seconds)
// for the final stop-and-copy phase.
func (c *Client) MigrateSetDowntime(seconds float64) error {
	args := struct {
		DowntimeLimit int64 `json:"downtime-limit"`
	}{
		DowntimeLimit: int64(seconds * 1000),
	}

	return c.Run(Command{Name: "migrate-set-parameters", Arguments: &args}, nil)
}

// MigrateSetSpeed limits the migration bandwidth in bytes per second.
func (c *Client) MigrateSetSpeed(bytesPerSec uint64) error {
	args := struct {
		Value uint64 `json:"value"`
	}{
		Value: bytesPerSec,
	}

	return c.Run(Command{Name: "migrate_set_speed", Arguments: &args}, nil)
}
