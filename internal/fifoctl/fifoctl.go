// Package fifoctl implements the control protocol a stepinit client
// (the stepinitctl tool, or any script) uses to issue commands over
// the control FIFO: a fixed 16-byte binary header (magic, version,
// command code, flags, payload length) followed by an opaque binary
// payload, length-prefixed exactly the way
// ingest.StreamConfiguration.Write/Read frame their own block: fixed
// fields written with encoding/binary ahead of a raw byte block.
package fifoctl

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"

	"github.com/google/uuid"
)

const (
	headerMagic   uint32 = 0x53544550 // "STEP"
	headerVersion uint32 = 1

	// maxPayload guards against a corrupt or malicious length prefix
	// asking for an absurd allocation.
	maxPayload uint32 = 1 << 20
)

var (
	ErrBadMagic   = errors.New("fifoctl: bad frame magic")
	ErrBadVersion = errors.New("fifoctl: unsupported frame version")
	ErrTooLarge   = errors.New("fifoctl: payload exceeds maximum frame size")
	ErrBadCommand = errors.New("fifoctl: unknown command code")
	ErrTruncated  = errors.New("fifoctl: truncated frame payload")
)

// Command is the verb a control frame carries.
type Command string

const (
	CmdStart          Command = "start"
	CmdStop           Command = "stop"
	CmdRestart        Command = "restart"
	CmdSetRunlevel    Command = "set-runlevel"
	CmdSetCondition   Command = "set-condition"
	CmdClearCondition Command = "clear-condition"
	CmdStatus         Command = "status"
	CmdReload         Command = "reload"
)

// commandCode maps the protocol's symbolic commands onto the 16-bit
// command code carried in the frame header, and codeCommand back.
var commandCode = map[Command]uint16{
	CmdStart:          1,
	CmdStop:           2,
	CmdRestart:        3,
	CmdSetRunlevel:    4,
	CmdSetCondition:   5,
	CmdClearCondition: 6,
	CmdStatus:         7,
	CmdReload:         8,
}

var codeCommand = func() map[uint16]Command {
	m := make(map[uint16]Command, len(commandCode))
	for c, code := range commandCode {
		m[code] = c
	}
	return m
}()

// flagOK marks a reply frame's command-succeeded bit in the header's
// flags field; request frames leave flags reserved at zero.
const flagOK uint16 = 1 << 0

// Request is the decoded payload of one control frame.
type Request struct {
	ID       string
	Command  Command
	Target   string
	Runlevel string
}

// Response is the decoded payload of one reply frame.
type Response struct {
	ID     string
	OK     bool
	Error  string
	Detail string
}

// NewRequest stamps req with a fresh correlation ID, following the
// same approach google/uuid is used for elsewhere in the corpus to
// correlate an asynchronous request with its eventual reply.
func NewRequest(cmd Command, target string) Request {
	return Request{ID: uuid.NewString(), Command: cmd, Target: target}
}

// headerSize is the fixed frame header: magic(4) + version(4) +
// command(2) + flags(2) + payload length(4) -- 16 bytes total.
const headerSize = 4 + 4 + 2 + 2 + 4

type header struct {
	command uint16
	flags   uint16
}

func writeFrame(w io.Writer, hdr header, payload []byte) error {
	if uint32(len(payload)) > maxPayload {
		return ErrTooLarge
	}
	buf := make([]byte, headerSize+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], headerMagic)
	binary.LittleEndian.PutUint32(buf[4:8], headerVersion)
	binary.LittleEndian.PutUint16(buf[8:10], hdr.command)
	binary.LittleEndian.PutUint16(buf[10:12], hdr.flags)
	binary.LittleEndian.PutUint32(buf[12:16], uint32(len(payload)))
	copy(buf[headerSize:], payload)
	n, err := w.Write(buf)
	if err != nil {
		return err
	}
	if n != len(buf) {
		return io.ErrShortWrite
	}
	return nil
}

func readFrame(r io.Reader) (header, []byte, error) {
	raw := make([]byte, headerSize)
	if _, err := io.ReadFull(r, raw); err != nil {
		return header{}, nil, err
	}
	magic := binary.LittleEndian.Uint32(raw[0:4])
	if magic != headerMagic {
		return header{}, nil, ErrBadMagic
	}
	version := binary.LittleEndian.Uint32(raw[4:8])
	if version != headerVersion {
		return header{}, nil, ErrBadVersion
	}
	hdr := header{
		command: binary.LittleEndian.Uint16(raw[8:10]),
		flags:   binary.LittleEndian.Uint16(raw[10:12]),
	}
	length := binary.LittleEndian.Uint32(raw[12:16])
	if length > maxPayload {
		return header{}, nil, ErrTooLarge
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return header{}, nil, err
	}
	return hdr, payload, nil
}

// putUUID and putString give the opaque payload a small, fixed TLV
// shape: a 16-byte binary UUID followed by uint16-length-prefixed
// strings, the same length-prefixed-field discipline the teacher's
// own frame bodies use instead of a self-describing format.
func putUUID(buf *bytes.Buffer, id string) error {
	u := uuid.Nil
	if id != "" {
		parsed, err := uuid.Parse(id)
		if err != nil {
			return err
		}
		u = parsed
	}
	_, err := buf.Write(u[:])
	return err
}

func putString(buf *bytes.Buffer, s string) {
	var lenBuf [2]byte
	binary.LittleEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf.Write(lenBuf[:])
	buf.WriteString(s)
}

func takeUUID(b []byte) (string, []byte, error) {
	if len(b) < 16 {
		return "", nil, ErrTruncated
	}
	u := uuid.UUID(b[:16])
	rest := b[16:]
	if u == uuid.Nil {
		return "", rest, nil
	}
	return u.String(), rest, nil
}

func takeString(b []byte) (string, []byte, error) {
	if len(b) < 2 {
		return "", nil, ErrTruncated
	}
	n := int(binary.LittleEndian.Uint16(b[0:2]))
	b = b[2:]
	if len(b) < n {
		return "", nil, ErrTruncated
	}
	return string(b[:n]), b[n:], nil
}

// WriteRequest frames and writes req to w as a 16-byte header plus an
// opaque binary payload: correlation UUID, target, runlevel.
func WriteRequest(w io.Writer, req Request) error {
	code, ok := commandCode[req.Command]
	if !ok {
		return ErrBadCommand
	}
	var buf bytes.Buffer
	if err := putUUID(&buf, req.ID); err != nil {
		return err
	}
	putString(&buf, req.Target)
	putString(&buf, req.Runlevel)
	return writeFrame(w, header{command: code}, buf.Bytes())
}

// ReadRequest reads and decodes one request frame from r.
func ReadRequest(r io.Reader) (Request, error) {
	var req Request
	hdr, payload, err := readFrame(r)
	if err != nil {
		return req, err
	}
	cmd, ok := codeCommand[hdr.command]
	if !ok {
		return req, ErrBadCommand
	}
	id, payload, err := takeUUID(payload)
	if err != nil {
		return req, err
	}
	target, payload, err := takeString(payload)
	if err != nil {
		return req, err
	}
	runlevel, _, err := takeString(payload)
	if err != nil {
		return req, err
	}
	req.ID, req.Command, req.Target, req.Runlevel = id, cmd, target, runlevel
	return req, nil
}

// WriteResponse frames and writes resp to w; the OK bit rides the
// header's flags field instead of the opaque payload.
func WriteResponse(w io.Writer, resp Response) error {
	var buf bytes.Buffer
	if err := putUUID(&buf, resp.ID); err != nil {
		return err
	}
	putString(&buf, resp.Error)
	putString(&buf, resp.Detail)
	var flags uint16
	if resp.OK {
		flags = flagOK
	}
	return writeFrame(w, header{flags: flags}, buf.Bytes())
}

// ReadResponse reads and decodes one response frame from r.
func ReadResponse(r io.Reader) (Response, error) {
	var resp Response
	hdr, payload, err := readFrame(r)
	if err != nil {
		return resp, err
	}
	id, payload, err := takeUUID(payload)
	if err != nil {
		return resp, err
	}
	errStr, payload, err := takeString(payload)
	if err != nil {
		return resp, err
	}
	detail, _, err := takeString(payload)
	if err != nil {
		return resp, err
	}
	resp.ID = id
	resp.OK = hdr.flags&flagOK != 0
	resp.Error = errStr
	resp.Detail = detail
	return resp, nil
}
