// Package stream provides a WebSocket client for mission event
// subscriptions. It reconnects on connection loss, resuming from the
// last delivered sequence, and deduplicates frames by event_id so that
// catch-up re-replays never surface an event twice.
package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	v1 "github.com/missionctl/missionctl/pkg/api/v1"
)

// Options configures a subscription.
type Options struct {
	// MissionID selects a single mission's timeline. Empty with All set
	// subscribes to the global live stream instead.
	MissionID string

	// All subscribes to live events across every mission. No history is
	// replayed and SinceSequence must be zero.
	All bool

	// SinceSequence replays stored events with sequence > *SinceSequence
	// before cutting over to live delivery. Zero replays everything; nil
	// subscribes live-only.
	SinceSequence *int64

	// Types filters delivery to the named event types. Empty means all.
	Types []string

	// ReconnectDelay is the wait between reconnection attempts.
	// Defaults to 2s.
	ReconnectDelay time.Duration

	// DedupWindow bounds the number of remembered event IDs.
	// Defaults to 4096.
	DedupWindow int
}

// Client consumes a mission event stream.
type Client struct {
	baseURL string
	opts    Options
	dialer  *websocket.Dialer

	events chan v1.MissionEvent
	errs   chan error
	done   chan struct{}
	cancel context.CancelFunc

	lastSeq int64
	seen    *dedupSet
}

// ErrClosed is returned by Err after Close.
var ErrClosed = errors.New("stream: client closed")

// Subscribe connects to the server at baseURL (e.g. "ws://localhost:8080")
// and starts delivering events on Events. The client runs until ctx is
// cancelled or Close is called.
func Subscribe(ctx context.Context, baseURL string, opts Options) (*Client, error) {
	if opts.All && opts.SinceSequence != nil {
		return nil, errors.New("stream: since_sequence is not valid for the global stream")
	}
	if !opts.All && opts.MissionID == "" {
		return nil, errors.New("stream: mission id is required")
	}
	if opts.ReconnectDelay <= 0 {
		opts.ReconnectDelay = 2 * time.Second
	}
	if opts.DedupWindow <= 0 {
		opts.DedupWindow = 4096
	}

	// lastSeq < 0 means no cursor yet: connect live-only until the first
	// event establishes a resume point.
	lastSeq := int64(-1)
	if opts.SinceSequence != nil {
		lastSeq = *opts.SinceSequence
	}

	ctx, cancel := context.WithCancel(ctx)
	c := &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		opts:    opts,
		dialer:  websocket.DefaultDialer,
		events:  make(chan v1.MissionEvent, 64),
		errs:    make(chan error, 1),
		done:    make(chan struct{}),
		cancel:  cancel,
		lastSeq: lastSeq,
		seen:    newDedupSet(opts.DedupWindow),
	}
	go c.run(ctx)
	return c, nil
}

// Events is the stream of deduplicated mission events, in sequence order
// per mission.
func (c *Client) Events() <-chan v1.MissionEvent {
	return c.events
}

// Err reports the terminal error after Events is closed, if any.
func (c *Client) Err() error {
	select {
	case err := <-c.errs:
		return err
	default:
		return nil
	}
}

// Close stops the client and closes Events.
func (c *Client) Close() {
	c.cancel()
	<-c.done
}

// endpoint builds the subscribe URL, resuming from the last delivered
// sequence on reconnect.
func (c *Client) endpoint() (string, error) {
	var path string
	if c.opts.All {
		path = "/api/v1/events/subscribe"
	} else {
		path = "/api/v1/missions/" + url.PathEscape(c.opts.MissionID) + "/subscribe"
	}

	u, err := url.Parse(c.baseURL + path)
	if err != nil {
		return "", fmt.Errorf("stream: invalid base url: %w", err)
	}
	q := u.Query()
	if !c.opts.All && c.lastSeq >= 0 {
		q.Set("since_sequence", strconv.FormatInt(c.lastSeq, 10))
	}
	if len(c.opts.Types) > 0 {
		q.Set("types", strings.Join(c.opts.Types, ","))
	}
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)
	defer close(c.events)

	for {
		if err := c.consume(ctx); err != nil {
			if ctx.Err() != nil {
				c.fail(ErrClosed)
				return
			}
			select {
			case <-time.After(c.opts.ReconnectDelay):
			case <-ctx.Done():
				c.fail(ErrClosed)
				return
			}
			continue
		}
		// Server closed the stream cleanly.
		return
	}
}

// consume runs one connection until it drops or the server closes it.
func (c *Client) consume(ctx context.Context) error {
	target, err := c.endpoint()
	if err != nil {
		c.fail(err)
		return nil
	}

	conn, _, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		return fmt.Errorf("stream: dial %s: %w", target, err)
	}
	defer func() { _ = conn.Close() }()

	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return nil
			}
			return err
		}

		var frame v1.StreamFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			return fmt.Errorf("stream: bad frame: %w", err)
		}

		switch frame.Kind {
		case "keepalive":
			continue
		case "error":
			c.fail(fmt.Errorf("stream: server error: %s", frame.Error))
			return nil
		case "event":
			if frame.Event == nil {
				continue
			}
			if !c.seen.Add(frame.Event.EventID) {
				continue
			}
			if frame.Event.Sequence > c.lastSeq {
				c.lastSeq = frame.Event.Sequence
			}
			select {
			case c.events <- *frame.Event:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func (c *Client) fail(err error) {
	select {
	case c.errs <- err:
	default:
	}
}
