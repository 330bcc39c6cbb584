package daemon

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/cochaviz/kforge/internal/build"
	"github.com/cochaviz/kforge/internal/ledger"
	"github.com/cochaviz/kforge/internal/removal"
)

// DaemonClient is the front-end side of the IPC protocol.
type DaemonClient interface {
	Start(req StartRequest) (string, error)
	Cancel(id string) error
	Status(id string) (build.Snapshot, error)
	List() ([]build.Snapshot, error)
	Events(id string, since int) (EventPage, error)
	History() ([]ledger.Entry, error)
	Remove(version string) (removal.Result, error)
}

type Client struct {
	socketPath string
	timeout    time.Duration
}

var _ DaemonClient = (*Client)(nil)

func NewClient(socketPath string) *Client {
	socketPath = strings.TrimSpace(socketPath)
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	return &Client{
		socketPath: socketPath,
		timeout:    30 * time.Second,
	}
}

func (c *Client) send(request IPCRequest, response any) error {
	conn, err := net.DialTimeout("unix", c.socketPath, c.timeout)
	if err != nil {
		return fmt.Errorf("connect to daemon: %w", err)
	}
	defer conn.Close()

	if err := json.NewEncoder(conn).Encode(request); err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	var resp IPCResponse
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	if !resp.OK {
		if sentinel := codeError(resp.Code); sentinel != nil {
			return &remoteError{msg: resp.Error, sentinel: sentinel}
		}
		if resp.Error != "" {
			return errors.New(resp.Error)
		}
		return fmt.Errorf("daemon request failed")
	}
	if response != nil && resp.Data != nil {
		data, err := json.Marshal(resp.Data)
		if err != nil {
			return fmt.Errorf("marshal response payload: %w", err)
		}
		if err := json.Unmarshal(data, response); err != nil {
			return fmt.Errorf("unmarshal response payload: %w", err)
		}
	}
	return nil
}

// remoteError keeps the daemon's message and matches the sentinel it was coded with.
type remoteError struct {
	msg      string
	sentinel error
}

func (e *remoteError) Error() string { return e.msg }

func (e *remoteError) Unwrap() error { return e.sentinel }

func (c *Client) Start(req StartRequest) (string, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}
	var result struct {
		ID string `json:"id"`
	}
	if err := c.send(IPCRequest{Command: CommandStart, Payload: payload}, &result); err != nil {
		return "", err
	}
	return result.ID, nil
}

func (c *Client) Cancel(id string) error {
	return c.send(IPCRequest{Command: CommandCancel, ID: id}, nil)
}

func (c *Client) Status(id string) (build.Snapshot, error) {
	var snap build.Snapshot
	if err := c.send(IPCRequest{Command: CommandStatus, ID: id}, &snap); err != nil {
		return build.Snapshot{}, err
	}
	return snap, nil
}

func (c *Client) List() ([]build.Snapshot, error) {
	var snaps []build.Snapshot
	if err := c.send(IPCRequest{Command: CommandList}, &snaps); err != nil {
		return nil, err
	}
	return snaps, nil
}

func (c *Client) Events(id string, since int) (EventPage, error) {
	var page EventPage
	if err := c.send(IPCRequest{Command: CommandEvents, ID: id, Since: since}, &page); err != nil {
		return EventPage{}, err
	}
	return page, nil
}

func (c *Client) History() ([]ledger.Entry, error) {
	var entries []ledger.Entry
	if err := c.send(IPCRequest{Command: CommandHistory}, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Remove returns an error wrapping removal.ErrRemovalPartial alongside the result when the
// daemon reports a partial removal.
func (c *Client) Remove(version string) (removal.Result, error) {
	var out RemoveResult
	if err := c.send(IPCRequest{Command: CommandRemove, Version: version}, &out); err != nil {
		return removal.Result{}, err
	}
	if out.Error != "" {
		return out.Result, fmt.Errorf("%w: %s", removal.ErrRemovalPartial, out.Error)
	}
	return out.Result, nil
}

// Follow polls the events of job id from since on and passes each to fn until the terminal event
// was delivered or ctx is done.
func Follow(ctx context.Context, client DaemonClient, id string, since int, interval time.Duration, fn func(build.Event)) error {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	for {
		page, err := client.Events(id, since)
		if err != nil {
			return err
		}
		for _, e := range page.Events {
			fn(e)
		}
		since = page.Next
		if page.Done {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}
