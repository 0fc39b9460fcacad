// Package radius implements the dynamic-authorization half of RADIUS
// (RFC 5176): packet encoding and a UDP client for CoA and Disconnect
// requests sent to a NAS.
package radius

import (
	"bytes"
	"crypto/md5" //nolint:gosec // RADIUS authenticators are defined over MD5
	"encoding/binary"
	"net"
	"strconv"

	"github.com/pkg/errors"
)

type Code uint8

const (
	AccessRequest      Code = 1
	AccessAccept       Code = 2
	AccessReject       Code = 3
	AccountingRequest  Code = 4
	AccountingResponse Code = 5
	AccessChallenge    Code = 11
	DisconnectRequest  Code = 40
	DisconnectACK      Code = 41
	DisconnectNAK      Code = 42
	CoARequest         Code = 43
	CoAACK             Code = 44
	CoANAK             Code = 45
)

func (c Code) String() string {
	switch c {
	case AccessRequest:
		return "Access-Request"
	case AccessAccept:
		return "Access-Accept"
	case AccessReject:
		return "Access-Reject"
	case AccountingRequest:
		return "Accounting-Request"
	case AccountingResponse:
		return "Accounting-Response"
	case AccessChallenge:
		return "Access-Challenge"
	case DisconnectRequest:
		return "Disconnect-Request"
	case DisconnectACK:
		return "Disconnect-ACK"
	case DisconnectNAK:
		return "Disconnect-NAK"
	case CoARequest:
		return "CoA-Request"
	case CoAACK:
		return "CoA-ACK"
	case CoANAK:
		return "CoA-NAK"
	}
	return "Code(" + strconv.Itoa(int(c)) + ")"
}

type AttributeType uint8

const (
	UserName       AttributeType = 1
	NASIPAddress   AttributeType = 4
	ReplyMessage   AttributeType = 18
	VendorSpecific AttributeType = 26
	AcctSessionID  AttributeType = 44
	ErrorCause     AttributeType = 101
)

// MikroTik vendor-specific attributes.
const (
	VendorMikrotik    uint32 = 14988
	MikrotikRateLimit uint8  = 8
)

const (
	HeaderLen    = 20
	MaxPacketLen = 4096
	maxValueLen  = 253
)

var (
	ErrMalformedPacket       = errors.New("radius: malformed packet")
	ErrAuthenticatorMismatch = errors.New("radius: response authenticator mismatch")
	ErrUnexpectedCode        = errors.New("radius: unexpected response code")
)

type Attribute struct {
	Type  AttributeType
	Value []byte
}

type Packet struct {
	Code          Code
	Identifier    uint8
	Authenticator [16]byte
	Attributes    []Attribute
}

func (p *Packet) Add(t AttributeType, value []byte) {
	p.Attributes = append(p.Attributes, Attribute{Type: t, Value: value})
}

func (p *Packet) AddString(t AttributeType, value string) {
	p.Add(t, []byte(value))
}

// Get returns the first attribute of type t.
func (p *Packet) Get(t AttributeType) ([]byte, bool) {
	for _, a := range p.Attributes {
		if a.Type == t {
			return a.Value, true
		}
	}
	return nil, false
}

// Encode serializes the packet with its current authenticator.
func (p *Packet) Encode() ([]byte, error) {
	size := HeaderLen
	for _, a := range p.Attributes {
		if len(a.Value) > maxValueLen {
			return nil, errors.Errorf("radius: attribute %d value too long (%d bytes)", a.Type, len(a.Value))
		}
		size += 2 + len(a.Value)
	}
	if size > MaxPacketLen {
		return nil, errors.Errorf("radius: packet too long (%d bytes)", size)
	}

	b := make([]byte, HeaderLen, size)
	b[0] = byte(p.Code)
	b[1] = p.Identifier
	binary.BigEndian.PutUint16(b[2:4], uint16(size))
	copy(b[4:20], p.Authenticator[:])
	for _, a := range p.Attributes {
		b = append(b, byte(a.Type), byte(2+len(a.Value)))
		b = append(b, a.Value...)
	}
	return b, nil
}

// EncodeRequest computes the request authenticator used by Accounting, CoA
// and Disconnect requests, MD5(header with zero authenticator | attributes |
// secret), stores it on the packet and returns the wire bytes.
func (p *Packet) EncodeRequest(secret []byte) ([]byte, error) {
	p.Authenticator = [16]byte{}
	b, err := p.Encode()
	if err != nil {
		return nil, err
	}
	p.Authenticator = md5Sum(b, secret)
	copy(b[4:20], p.Authenticator[:])
	return b, nil
}

// VerifyResponse checks a reply's authenticator,
// MD5(code | id | length | request authenticator | attributes | secret).
func VerifyResponse(raw []byte, requestAuth [16]byte, secret []byte) bool {
	if len(raw) < HeaderLen {
		return false
	}
	buf := make([]byte, len(raw))
	copy(buf, raw)
	copy(buf[4:20], requestAuth[:])
	want := md5Sum(buf, secret)
	return bytes.Equal(want[:], raw[4:20])
}

func md5Sum(b, secret []byte) [16]byte {
	h := md5.New() //nolint:gosec
	h.Write(b)
	h.Write(secret)
	var out [16]byte
	copy(out[:], h.Sum(nil))
	return out
}

// Decode parses wire bytes. Anything after the declared length is ignored.
func Decode(b []byte) (*Packet, error) {
	if len(b) < HeaderLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "%d bytes is shorter than the header", len(b))
	}
	length := int(binary.BigEndian.Uint16(b[2:4]))
	if length < HeaderLen || length > len(b) || length > MaxPacketLen {
		return nil, errors.Wrapf(ErrMalformedPacket, "declared length %d, received %d", length, len(b))
	}

	p := &Packet{Code: Code(b[0]), Identifier: b[1]}
	copy(p.Authenticator[:], b[4:20])

	for rest := b[HeaderLen:length]; len(rest) > 0; {
		if len(rest) < 2 {
			return nil, errors.Wrap(ErrMalformedPacket, "truncated attribute header")
		}
		n := int(rest[1])
		if n < 2 || n > len(rest) {
			return nil, errors.Wrapf(ErrMalformedPacket, "attribute %d has bad length %d", rest[0], n)
		}
		value := make([]byte, n-2)
		copy(value, rest[2:n])
		p.Attributes = append(p.Attributes, Attribute{Type: AttributeType(rest[0]), Value: value})
		rest = rest[n:]
	}
	return p, nil
}

// VSA builds a Vendor-Specific attribute carrying one sub-attribute:
// vendor id (4 bytes, big-endian), sub-type, sub-length, sub-value.
func VSA(vendorID uint32, subType uint8, value []byte) (Attribute, error) {
	if len(value) > maxValueLen-6 {
		return Attribute{}, errors.Errorf("radius: vendor attribute value too long (%d bytes)", len(value))
	}
	v := make([]byte, 6, 6+len(value))
	binary.BigEndian.PutUint32(v[0:4], vendorID)
	v[4] = subType
	v[5] = byte(2 + len(value))
	v = append(v, value...)
	return Attribute{Type: VendorSpecific, Value: v}, nil
}

// IPv4 returns the four raw bytes of a dotted-quad address.
func IPv4(addr string) ([]byte, error) {
	ip := net.ParseIP(addr).To4()
	if ip == nil {
		return nil, errors.Errorf("radius: %q is not an IPv4 address", addr)
	}
	return []byte(ip), nil
}
