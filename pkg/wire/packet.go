package wire

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Action is the first token of a frame header.
type Action string

const (
	ActionData      Action = "DATA"
	ActionClose     Action = "CLOSE"
	ActionAuth      Action = "AUTH"
	ActionAuthTry   Action = "AUTHTRY"
	ActionHeartbeat Action = "HEARTBEAT"
)

func parseAction(s string) (Action, bool) {
	switch Action(strings.ToUpper(s)) {
	case ActionData:
		return ActionData, true
	case ActionClose:
		return ActionClose, true
	case ActionAuth:
		return ActionAuth, true
	case ActionAuthTry:
		return ActionAuthTry, true
	case ActionHeartbeat:
		return ActionHeartbeat, true
	default:
		return "", false
	}
}

// ClientDataFrame is a DATA frame built by the client and parsed by the
// server: it carries no port, since the server already knows which slave
// (and thus which external socket) the UUID belongs to.
type ClientDataFrame struct {
	ID     uuid.UUID
	SHA1   string
	SHA512 string
	Body   []byte
}

// ServerDataFrame is a DATA frame built by the server and parsed by the
// client: it carries the slave's listening port, which the client uses to
// look up the local target for a previously-unseen UUID.
type ServerDataFrame struct {
	ID     uuid.UUID
	Port   uint16
	SHA1   string
	SHA512 string
	Body   []byte
}

// CloseFrame tears down the bridge for ID. Identical on both sides.
type CloseFrame struct {
	ID uuid.UUID
}

// AuthFrame is sent once by the client at the start of a session.
type AuthFrame struct {
	Ports  []uint16
	Secret []byte
}

// AuthTryFrame is the server's reply to AUTH.
type AuthTryFrame struct {
	Success bool
}

// HeartbeatFrame carries an opaque nonce that the receiver must echo back
// immediately on the same side's HEARTBEAT frame.
type HeartbeatFrame struct {
	Nonce []byte
}

// BuildClientData builds the bytes for a client->server DATA frame.
func BuildClientData(id uuid.UUID, sep []byte, body []byte) []byte {
	header := string(ActionData) + " " + id.String() + " " + HashSHA1(body) + " " + HashSHA512(body)
	return appendFrame(header, sep, body)
}

// BuildServerData builds the bytes for a server->client DATA frame.
func BuildServerData(id uuid.UUID, port uint16, sep []byte, body []byte) []byte {
	header := string(ActionData) + " " + id.String() + " " + strconv.FormatUint(uint64(port), 10) + " " + HashSHA1(body) + " " + HashSHA512(body)
	return appendFrame(header, sep, body)
}

// BuildClose builds the bytes for a CLOSE frame, identical on both sides.
func BuildClose(id uuid.UUID, sep []byte) []byte {
	header := string(ActionClose) + " " + id.String()
	return appendFrame(header, sep, nil)
}

// BuildAuth builds the bytes for a client->server AUTH frame. secret becomes
// the frame body.
func BuildAuth(secret []byte, ports []uint16, sep []byte) []byte {
	ss := make([]string, len(ports))
	for i, p := range ports {
		ss[i] = strconv.FormatUint(uint64(p), 10)
	}
	header := string(ActionAuth) + " " + strings.Join(ss, ",")
	return appendFrame(header, sep, secret)
}

// BuildAuthTry builds the bytes for a server->client AUTHTRY frame.
func BuildAuthTry(success bool, sep []byte) []byte {
	status := "forbidden"
	if success {
		status = "success"
	}
	return appendFrame(string(ActionAuthTry), sep, []byte(status))
}

// BuildHeartbeat builds the bytes for a HEARTBEAT frame, identical on both
// sides. nonce becomes the frame body verbatim.
func BuildHeartbeat(nonce []byte, sep []byte) []byte {
	return appendFrame(string(ActionHeartbeat), sep, nonce)
}

func appendFrame(header string, sep []byte, body []byte) []byte {
	out := make([]byte, 0, len(header)+len(sep)+len(body))
	out = append(out, header...)
	out = append(out, sep...)
	out = append(out, body...)
	return out
}

// FrameKind identifies which concrete frame a ServerFrame or ClientFrame
// carries.
type FrameKind int

const (
	KindData FrameKind = iota
	KindClose
	KindAuth
	KindAuthTry
	KindHeartbeat
)

// ServerFrame is a frame as parsed by the server: one of the kinds a client
// (controller) may legally send.
type ServerFrame struct {
	Kind      FrameKind
	Data      *ClientDataFrame
	Close     *CloseFrame
	Auth      *AuthFrame
	Heartbeat *HeartbeatFrame
}

// ClientFrame is a frame as parsed by the client: one of the kinds a server
// (master) may legally send.
type ClientFrame struct {
	Kind      FrameKind
	Data      *ServerDataFrame
	Close     *CloseFrame
	AuthTry   *AuthTryFrame
	Heartbeat *HeartbeatFrame
}

func parseUUID(b []byte) (uuid.UUID, error) {
	return uuid.Parse(string(b))
}

func parsePort(b []byte) (uint16, error) {
	v, err := strconv.ParseUint(string(b), 10, 16)
	return uint16(v), err
}

// ParseServerFrame parses a frame sent by a client to the server: AUTH,
// DATA (without port), CLOSE, or HEARTBEAT. AUTHTRY is not valid here.
func ParseServerFrame(packet []byte, sep []byte) (ServerFrame, error) {
	header, body, ok := Split(packet, sep)
	if !ok {
		return ServerFrame{}, perr(HeaderMissing, nil)
	}

	actionTok, rest, hasRest := splitSpace(header)
	if !hasRest {
		actionTok, rest = header, nil
	}

	action, ok := parseAction(string(actionTok))
	if !ok {
		return ServerFrame{}, perr(BadAction, nil)
	}

	switch action {
	case ActionData:
		idTok, rest, ok := splitSpace(rest)
		if !ok {
			return ServerFrame{}, perr(HeaderMissing, nil)
		}
		id, err := parseUUID(idTok)
		if err != nil {
			return ServerFrame{}, perr(BadId, err)
		}
		sha1Tok, sha512Tok, ok := splitSpace(rest)
		if !ok {
			return ServerFrame{}, perr(HeaderMissing, nil)
		}
		if len(sha1Tok) == 0 || len(sha512Tok) == 0 {
			return ServerFrame{}, perr(BadHash, nil)
		}
		return ServerFrame{Kind: KindData, Data: &ClientDataFrame{
			ID:     id,
			SHA1:   string(sha1Tok),
			SHA512: string(sha512Tok),
			Body:   body,
		}}, nil

	case ActionClose:
		if len(rest) == 0 {
			return ServerFrame{}, perr(BadId, nil)
		}
		id, err := parseUUID(rest)
		if err != nil {
			return ServerFrame{}, perr(BadId, err)
		}
		return ServerFrame{Kind: KindClose, Close: &CloseFrame{ID: id}}, nil

	case ActionAuth:
		if len(rest) == 0 {
			return ServerFrame{}, perr(BadPorts, nil)
		}
		var ports []uint16
		for _, s := range strings.Split(string(rest), ",") {
			v, err := strconv.ParseUint(s, 10, 16)
			if err != nil {
				return ServerFrame{}, perr(BadPorts, err)
			}
			ports = append(ports, uint16(v))
		}
		return ServerFrame{Kind: KindAuth, Auth: &AuthFrame{Ports: ports, Secret: body}}, nil

	case ActionHeartbeat:
		return ServerFrame{Kind: KindHeartbeat, Heartbeat: &HeartbeatFrame{Nonce: body}}, nil

	default: // ActionAuthTry
		return ServerFrame{}, perr(BadAction, nil)
	}
}

// ParseClientFrame parses a frame sent by the server to the client: AUTHTRY,
// DATA (with port), CLOSE, or HEARTBEAT. AUTH is not valid here.
func ParseClientFrame(packet []byte, sep []byte) (ClientFrame, error) {
	header, body, ok := Split(packet, sep)
	if !ok {
		return ClientFrame{}, perr(HeaderMissing, nil)
	}

	actionTok, rest, hasRest := splitSpace(header)
	if !hasRest {
		actionTok, rest = header, nil
	}

	action, ok := parseAction(string(actionTok))
	if !ok {
		return ClientFrame{}, perr(BadAction, nil)
	}

	switch action {
	case ActionData:
		idTok, rest, ok := splitSpace(rest)
		if !ok {
			return ClientFrame{}, perr(HeaderMissing, nil)
		}
		id, err := parseUUID(idTok)
		if err != nil {
			return ClientFrame{}, perr(BadId, err)
		}
		portTok, rest, ok := splitSpace(rest)
		if !ok {
			return ClientFrame{}, perr(HeaderMissing, nil)
		}
		port, err := parsePort(portTok)
		if err != nil {
			return ClientFrame{}, perr(BadPort, err)
		}
		sha1Tok, sha512Tok, ok := splitSpace(rest)
		if !ok {
			return ClientFrame{}, perr(HeaderMissing, nil)
		}
		if len(sha1Tok) == 0 || len(sha512Tok) == 0 {
			return ClientFrame{}, perr(BadHash, nil)
		}
		return ClientFrame{Kind: KindData, Data: &ServerDataFrame{
			ID:     id,
			Port:   port,
			SHA1:   string(sha1Tok),
			SHA512: string(sha512Tok),
			Body:   body,
		}}, nil

	case ActionClose:
		if len(rest) == 0 {
			return ClientFrame{}, perr(BadId, nil)
		}
		id, err := parseUUID(rest)
		if err != nil {
			return ClientFrame{}, perr(BadId, err)
		}
		return ClientFrame{Kind: KindClose, Close: &CloseFrame{ID: id}}, nil

	case ActionAuthTry:
		return ClientFrame{Kind: KindAuthTry, AuthTry: &AuthTryFrame{Success: string(body) == "success"}}, nil

	case ActionHeartbeat:
		return ClientFrame{Kind: KindHeartbeat, Heartbeat: &HeartbeatFrame{Nonce: body}}, nil

	default: // ActionAuth
		return ClientFrame{}, perr(BadAction, nil)
	}
}
