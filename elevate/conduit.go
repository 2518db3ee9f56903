package elevate

import (
	"bufio"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// FrameType names the kind of a conduit frame.
type FrameType string

const (
	// FrameResult carries the terminal JSON result document.
	FrameResult FrameType = "Result"
	// FrameStatus reports that the child accepted the payload and started.
	FrameStatus FrameType = "Status"
	// FrameFault carries a bootstrap failure before any result exists.
	FrameFault FrameType = "Fault"
)

// Frame is one parsed conduit message.
type Frame struct {
	Type    FrameType
	JobID   uuid.UUID
	Payload []byte
}

// Conduit frames result and control traffic over a byte stream, one XML
// element per line with base64 content. Lines that are not frames are
// forwarded to the raw writer so ordinary child output survives.
type Conduit struct {
	reader *bufio.Reader
	writer io.Writer
	raw    io.Writer
	mu     sync.Mutex
}

// NewConduit builds a conduit. raw receives non-frame lines on the receive
// side; nil discards them.
func NewConduit(r io.Reader, w io.Writer, raw io.Writer) *Conduit {
	if raw == nil {
		raw = io.Discard
	}
	return &Conduit{
		reader: bufio.NewReader(r),
		writer: w,
		raw:    raw,
	}
}

// SendResult sends the terminal result document.
func (c *Conduit) SendResult(jobID uuid.UUID, data []byte) error {
	return c.send(FrameResult, jobID, data)
}

// SendStatus reports startup acceptance.
func (c *Conduit) SendStatus(jobID uuid.UUID) error {
	return c.send(FrameStatus, jobID, nil)
}

// SendFault reports a bootstrap failure.
func (c *Conduit) SendFault(jobID uuid.UUID, data []byte) error {
	return c.send(FrameFault, jobID, data)
}

func (c *Conduit) send(ft FrameType, jobID uuid.UUID, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	var line string
	if data == nil {
		line = fmt.Sprintf("<%s JobId='%s' />\n", ft, jobID)
	} else {
		line = fmt.Sprintf("<%s JobId='%s'>%s</%s>\n",
			ft, jobID, base64.StdEncoding.EncodeToString(data), ft)
	}
	_, err := io.WriteString(c.writer, line)
	return err
}

// Receive blocks until the next frame. Non-frame lines are relayed to the
// raw writer in arrival order, so interleaved console output keeps its
// position relative to nothing but itself.
func (c *Conduit) Receive() (*Frame, error) {
	for {
		line, err := c.reader.ReadString('\n')
		if err != nil {
			if err == io.EOF && line != "" {
				// Trailing unterminated console output still passes through.
				io.WriteString(c.raw, line)
			}
			return nil, err
		}

		trimmed := strings.TrimPrefix(strings.TrimSpace(line), "\xEF\xBB\xBF")
		if !isFrameLine(trimmed) {
			io.WriteString(c.raw, line)
			continue
		}

		frame, err := parseFrame(trimmed)
		if err != nil {
			return nil, fmt.Errorf("parse frame: %w", err)
		}
		return frame, nil
	}
}

func isFrameLine(line string) bool {
	for _, ft := range []FrameType{FrameResult, FrameStatus, FrameFault} {
		if strings.HasPrefix(line, "<"+string(ft)+" ") {
			return true
		}
	}
	return false
}

func parseFrame(line string) (*Frame, error) {
	decoder := xml.NewDecoder(strings.NewReader(line))

	token, err := decoder.Token()
	if err != nil {
		return nil, err
	}
	start, ok := token.(xml.StartElement)
	if !ok {
		return nil, fmt.Errorf("expected element, got %T", token)
	}

	frame := &Frame{Type: FrameType(start.Name.Local)}
	switch frame.Type {
	case FrameResult, FrameStatus, FrameFault:
	default:
		return nil, fmt.Errorf("unknown frame type %q", start.Name.Local)
	}

	for _, attr := range start.Attr {
		if attr.Name.Local == "JobId" {
			id, err := uuid.Parse(attr.Value)
			if err != nil {
				return nil, fmt.Errorf("parse JobId %q: %w", attr.Value, err)
			}
			frame.JobID = id
		}
	}

	token, err = decoder.Token()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return frame, nil
		}
		return nil, err
	}
	if cdata, ok := token.(xml.CharData); ok {
		decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(cdata)))
		if err != nil {
			return nil, fmt.Errorf("decode frame payload: %w", err)
		}
		frame.Payload = decoded
	}
	return frame, nil
}
