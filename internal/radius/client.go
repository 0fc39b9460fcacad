package radius

import (
	"context"
	"encoding/binary"
	"math/rand/v2"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/SirClappington/wifipay/internal/metrics"
)

const (
	DefaultPort    = 3799
	DefaultTimeout = 5 * time.Second
)

// Response is the NAS's verdict on one request.
type Response struct {
	Accepted bool
	Code     Code
	// Message is the NAK reason when the NAS offered one.
	Message string
}

// Client sends dynamic-authorization requests to a single NAS. Each request
// is one UDP exchange; there is no retransmission.
type Client struct {
	nasIP   string
	port    int
	secret  []byte
	timeout time.Duration
	metrics *metrics.Metrics
	logger  *zap.Logger
}

type Option func(*Client)

func WithPort(port int) Option { return func(c *Client) { c.port = port } }

func WithTimeout(d time.Duration) Option { return func(c *Client) { c.timeout = d } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithLogger(l *zap.Logger) Option { return func(c *Client) { c.logger = l } }

func NewClient(nasIP, secret string, opts ...Option) *Client {
	c := &Client{
		nasIP:   nasIP,
		port:    DefaultPort,
		secret:  []byte(secret),
		timeout: DefaultTimeout,
		logger:  zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.Named("radius").With(zap.String("nas", c.addr()))
	return c
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.nasIP, strconv.Itoa(c.port))
}

// SendCoA asks the NAS to re-authorize a live session, applying rateLimit
// when it is non-empty.
func (c *Client) SendCoA(ctx context.Context, sessionID, rateLimit string) (*Response, error) {
	p := &Packet{Code: CoARequest}
	p.AddString(AcctSessionID, sessionID)
	if err := c.addNASIP(p); err != nil {
		return nil, err
	}
	if rateLimit != "" {
		vsa, err := VSA(VendorMikrotik, MikrotikRateLimit, []byte(rateLimit))
		if err != nil {
			return nil, err
		}
		p.Attributes = append(p.Attributes, vsa)
	}
	return c.exchange(ctx, p, CoAACK, CoANAK)
}

// DisconnectUser asks the NAS to end a session.
func (c *Client) DisconnectUser(ctx context.Context, sessionID, username string) (*Response, error) {
	p := &Packet{Code: DisconnectRequest}
	p.AddString(AcctSessionID, sessionID)
	if username != "" {
		p.AddString(UserName, username)
	}
	if err := c.addNASIP(p); err != nil {
		return nil, err
	}
	return c.exchange(ctx, p, DisconnectACK, DisconnectNAK)
}

func (c *Client) addNASIP(p *Packet) error {
	ip, err := IPv4(c.nasIP)
	if err != nil {
		return err
	}
	p.Add(NASIPAddress, ip)
	return nil
}

func (c *Client) exchange(ctx context.Context, req *Packet, ack, nak Code) (resp *Response, err error) {
	kind := "coa"
	if req.Code == DisconnectRequest {
		kind = "disconnect"
	}
	defer func() {
		if c.metrics == nil {
			return
		}
		outcome := "error"
		if err == nil {
			outcome = "nak"
			if resp.Accepted {
				outcome = "ack"
			}
		}
		c.metrics.RadiusReplies.WithLabelValues(kind, outcome).Inc()
	}()

	req.Identifier = uint8(rand.UintN(256))
	raw, err := req.EncodeRequest(c.secret)
	if err != nil {
		return nil, err
	}

	var d net.Dialer
	conn, err := d.DialContext(ctx, "udp", c.addr())
	if err != nil {
		return nil, errors.Wrapf(err, "radius: dial %s", c.addr())
	}
	defer conn.Close()

	deadline := time.Now().Add(c.timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := conn.SetDeadline(deadline); err != nil {
		return nil, errors.Wrap(err, "radius: set deadline")
	}

	if _, err := conn.Write(raw); err != nil {
		return nil, errors.Wrapf(err, "radius: send %s", req.Code)
	}

	buf := make([]byte, MaxPacketLen)
	n, err := conn.Read(buf)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil, errors.Errorf("radius: no reply to %s from %s within %s", req.Code, c.addr(), c.timeout)
		}
		return nil, errors.Wrapf(err, "radius: read reply to %s", req.Code)
	}

	reply, err := Decode(buf[:n])
	if err != nil {
		return nil, err
	}
	if reply.Identifier != req.Identifier {
		return nil, errors.Wrapf(ErrMalformedPacket, "reply identifier %d does not match request %d", reply.Identifier, req.Identifier)
	}
	// Bytes past the declared length are padding and outside the hash.
	if !VerifyResponse(buf[:binary.BigEndian.Uint16(buf[2:4])], req.Authenticator, c.secret) {
		return nil, ErrAuthenticatorMismatch
	}

	switch reply.Code {
	case ack:
		c.logger.Debug("request acknowledged", zap.Stringer("code", reply.Code))
		return &Response{Accepted: true, Code: reply.Code}, nil
	case nak:
		msg := nakReason(reply)
		c.logger.Info("request rejected", zap.Stringer("code", reply.Code), zap.String("reason", msg))
		return &Response{Code: reply.Code, Message: msg}, nil
	default:
		return nil, errors.Wrapf(ErrUnexpectedCode, "%s in reply to %s", reply.Code, req.Code)
	}
}

// nakReason prefers Reply-Message and falls back to the numeric Error-Cause.
func nakReason(p *Packet) string {
	if v, ok := p.Get(ReplyMessage); ok && len(v) > 0 {
		return string(v)
	}
	if v, ok := p.Get(ErrorCause); ok && len(v) == 4 {
		return "error-cause " + strconv.FormatUint(uint64(binary.BigEndian.Uint32(v)), 10)
	}
	return ""
}
