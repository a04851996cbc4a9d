package server

import (
	"context"
	"crypto/tls"
	"encoding/binary"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/danmuck/btpmux/internal/logging"
	"github.com/danmuck/btpmux/internal/protocol/btp"
	"github.com/danmuck/btpmux/internal/protocol/session"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// RequestFunc answers a request the server sends to a Client. A nil
// RequestFunc refuses every request with NotAcceptedError.
type RequestFunc func(ctx context.Context, p btp.Packet) (btp.ProtocolData, error)

// Client is a minimal BTP websocket client.
type Client struct {
	ws         *websocket.Conn
	correlator *session.Correlator
	handle     RequestFunc
	log        zerolog.Logger

	writeMu sync.Mutex
	done    chan struct{}
	errMu   sync.Mutex
	err     error
}

// ClientOptions configures DialClient.
type ClientOptions struct {
	Header  http.Header
	Timeout time.Duration
	Handle  RequestFunc
	// TLS is used for wss:// urls.
	TLS *tls.Config
}

// DialClient connects to a btpmux websocket endpoint such as ws://host:7768/.
func DialClient(ctx context.Context, url string, opts ClientOptions) (*Client, error) {
	dialer := *websocket.DefaultDialer
	dialer.TLSClientConfig = opts.TLS
	ws, _, err := dialer.DialContext(ctx, url, opts.Header)
	if err != nil {
		return nil, fmt.Errorf("server: dial %s: %w", url, err)
	}
	c := &Client{
		ws:         ws,
		correlator: session.NewCorrelator(opts.Timeout),
		handle:     opts.Handle,
		log:        logging.Component("client"),
		done:       make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.fail(err)
			return
		}
		pkt, err := btp.Decode(data)
		if err != nil {
			c.fail(err)
			return
		}
		if pkt.Type.IsReply() {
			_, _ = c.correlator.Resolve(pkt)
			continue
		}
		go c.answer(pkt)
	}
}

func (c *Client) answer(pkt btp.Packet) {
	var (
		pd  btp.ProtocolData
		err error
	)
	if c.handle == nil {
		err = btp.Errorf(btp.NameNotAccepted, "client does not accept requests")
	} else {
		pd, err = c.handle(context.Background(), pkt)
	}
	reply := btp.NewResponse(pkt.RequestID, pd)
	if err != nil {
		reply = btp.NewErrorPacket(pkt.RequestID, err, time.Now())
	}
	if err := c.write(reply); err != nil {
		c.log.Debug().Err(err).Uint32("request_id", pkt.RequestID).Msg("server.Client reply failed")
	}
}

func (c *Client) fail(err error) {
	c.errMu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.errMu.Unlock()
	c.correlator.CancelAll(err)
}

// Err is the error that stopped the read loop, if any.
func (c *Client) Err() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.err
}

// Done is closed when the read loop ends.
func (c *Client) Done() <-chan struct{} { return c.done }

func (c *Client) write(p btp.Packet) error {
	raw, err := btp.Encode(p)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.ws.WriteMessage(websocket.BinaryMessage, raw)
}

// Call sends pkt with a fresh request id and waits for the reply. ERROR
// replies come back as *btp.RemoteError.
func (c *Client) Call(ctx context.Context, pkt btp.Packet) (btp.Packet, error) {
	return c.correlator.Call(ctx, func(id uint32) error {
		pkt.RequestID = id
		return c.write(pkt)
	})
}

// Authenticate sends the auth handshake. An empty username authenticates as
// the hash of token.
func (c *Client) Authenticate(ctx context.Context, username, token string) error {
	pd := btp.ProtocolData{{Name: btp.ProtocolAuth, ContentType: btp.ContentOctetStream, Data: []byte{}}}
	if username != "" {
		pd = append(pd, btp.SubProtocol{Name: btp.ProtocolAuthUsername, ContentType: btp.ContentTextPlain, Data: []byte(username)})
	}
	pd = append(pd, btp.SubProtocol{Name: btp.ProtocolAuthToken, ContentType: btp.ContentTextPlain, Data: []byte(token)})
	_, err := c.Call(ctx, btp.NewMessage(0, pd))
	return err
}

// Request sends a MESSAGE and returns the reply's protocol data.
func (c *Client) Request(ctx context.Context, pd btp.ProtocolData) (btp.ProtocolData, error) {
	resp, err := c.Call(ctx, btp.NewMessage(0, pd))
	if err != nil {
		return nil, err
	}
	return resp.Data.ProtocolData, nil
}

// Balance asks the server for this account's balance.
func (c *Client) Balance(ctx context.Context) (int64, error) {
	pd, err := c.Request(ctx, btp.ProtocolData{{Name: btp.ProtocolBalance, ContentType: btp.ContentOctetStream}})
	if err != nil {
		return 0, err
	}
	entry, ok := pd.Get(btp.ProtocolBalance)
	if !ok || len(entry.Data) != 8 {
		return 0, errors.New("server: malformed balance response")
	}
	return int64(binary.BigEndian.Uint64(entry.Data)), nil
}

// Info returns the server's own account address.
func (c *Client) Info(ctx context.Context) (string, error) {
	pd, err := c.Request(ctx, btp.ProtocolData{{Name: btp.ProtocolInfo, ContentType: btp.ContentOctetStream}})
	if err != nil {
		return "", err
	}
	entry, ok := pd.Get(btp.ProtocolInfo)
	if !ok {
		return "", errors.New("server: malformed info response")
	}
	return string(entry.Data), nil
}

// Close sends a close frame and closes the connection.
func (c *Client) Close() error {
	c.writeMu.Lock()
	_ = c.ws.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	c.writeMu.Unlock()
	err := c.ws.Close()
	<-c.done
	return err
}
