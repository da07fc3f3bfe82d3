package backup

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"

	jsoniter "github.com/json-iterator/go"

	"github.com/abbbi/qmpbackup-go/internal/config"
)

var agentJSON = jsoniter.ConfigCompatibleWithStandardLibrary

// GuestAgentClient implements GuestAgent over the guest-agent socket (spec
// §6 "a second local stream socket; the only operations used are
// guest-fsfreeze-freeze and guest-fsfreeze-thaw"). Unlike internal/monitor's
// Client it has no greeting, capability handshake, or event stream to
// manage, so it is a plain dial-execute-read client rather than a
// generalization of monitor.Client.
type GuestAgentClient struct {
	conn net.Conn
	r    *bufio.Reader
}

// DialGuestAgent connects to the guest-agent socket at path.
func DialGuestAgent(ctx context.Context, path string) (*GuestAgentClient, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		return nil, fmt.Errorf("dialing guest-agent socket %s: %w", path, err)
	}
	return &GuestAgentClient{conn: conn, r: bufio.NewReader(conn)}, nil
}

func (a *GuestAgentClient) Close() error { return a.conn.Close() }

func (a *GuestAgentClient) execute(ctx context.Context, cmd string) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(config.GuestAgentTimeout)
	}
	if err := a.conn.SetDeadline(deadline); err != nil {
		return err
	}

	line, err := agentJSON.Marshal(map[string]string{"execute": cmd})
	if err != nil {
		return err
	}
	if _, err := a.conn.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("writing %s: %w", cmd, err)
	}

	raw, err := a.r.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("reading %s response: %w", cmd, err)
	}
	var resp struct {
		Error *struct {
			Desc string `json:"desc"`
		} `json:"error"`
	}
	if err := agentJSON.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("decoding %s response: %w", cmd, err)
	}
	if resp.Error != nil {
		return fmt.Errorf("%s rejected: %s", cmd, resp.Error.Desc)
	}
	return nil
}

// Freeze issues guest-fsfreeze-freeze. Best-effort by contract (spec §6):
// the caller logs a warning on failure rather than aborting the run.
func (a *GuestAgentClient) Freeze(ctx context.Context) error {
	return a.execute(ctx, "guest-fsfreeze-freeze")
}

// Thaw issues guest-fsfreeze-thaw. Always attempted during teardown
// regardless of whether Freeze succeeded (spec §6).
func (a *GuestAgentClient) Thaw(ctx context.Context) error {
	return a.execute(ctx, "guest-fsfreeze-thaw")
}
