package clixml

import (
	"encoding/xml"
	"errors"
	"fmt"
	"strings"
)

// Namespace and version of the serialization format.
const (
	Namespace = "http://schemas.microsoft.com/powershell/2004/04"
	Version   = "1.1.0.1"
)

// Header is the line that precedes a CLIXML document on a stderr stream.
const Header = "#< CLIXML"

// ErrNotCLIXML is returned when the input does not carry a CLIXML document.
var ErrNotCLIXML = errors.New("input is not a CLIXML stream")

// Stream identifies which output stream a record belongs to.
type Stream string

const (
	StreamError   Stream = "Error"
	StreamWarning Stream = "Warning"
	StreamVerbose Stream = "Verbose"
	StreamDebug   Stream = "Debug"
	StreamInfo    Stream = "Info"
)

// Record is one classified line from a CLIXML stream.
type Record struct {
	Stream Stream
	Text   string
}

type xmlObjs struct {
	XMLName xml.Name    `xml:"Objs"`
	Version string      `xml:"Version,attr"`
	Xmlns   string      `xml:"xmlns,attr"`
	Strings []xmlString `xml:"S"`
}

type xmlString struct {
	Stream string `xml:"S,attr"`
	Value  string `xml:",chardata"`
}

// Encode renders records as a CLIXML document, header line included. The
// record text is escaped with the _xHHHH_ convention before XML encoding.
func Encode(records []Record) (string, error) {
	objs := xmlObjs{
		Version: Version,
		Xmlns:   Namespace,
	}
	for _, rec := range records {
		stream := rec.Stream
		if stream == "" {
			stream = StreamError
		}
		objs.Strings = append(objs.Strings, xmlString{
			Stream: string(stream),
			Value:  escapeString(rec.Text),
		})
	}

	body, err := xml.Marshal(objs)
	if err != nil {
		return "", fmt.Errorf("encode clixml: %w", err)
	}
	return Header + "\n" + string(body), nil
}

// Decode parses a CLIXML stderr capture into classified records. Content
// before the header line (a console banner, stray writes) is returned as
// leading Error records so nothing is dropped. ErrNotCLIXML is returned when
// no header is present; callers then treat the input as plain text.
func Decode(input string) ([]Record, error) {
	idx := strings.Index(input, Header)
	if idx < 0 {
		return nil, ErrNotCLIXML
	}

	var records []Record
	if lead := strings.TrimSpace(input[:idx]); lead != "" {
		for line := range strings.Lines(lead) {
			records = append(records, Record{Stream: StreamError, Text: strings.TrimRight(line, "\r\n")})
		}
	}

	body := input[idx+len(Header):]
	var objs xmlObjs
	if err := xml.Unmarshal([]byte(strings.TrimSpace(body)), &objs); err != nil {
		return nil, fmt.Errorf("parse clixml body: %w", err)
	}

	for _, s := range objs.Strings {
		stream := Stream(s.Stream)
		switch stream {
		case StreamError, StreamWarning, StreamVerbose, StreamDebug, StreamInfo:
		default:
			stream = StreamError
		}
		text := unescapeString(s.Value)
		text = strings.TrimRight(text, "\r\n")
		records = append(records, Record{Stream: stream, Text: text})
	}
	return records, nil
}

// TryDecode decodes when possible and reports whether it did. This is the
// decode-or-passthrough entry point for stderr relays: a false return means
// the caller must forward the raw text unchanged.
func TryDecode(input string) ([]Record, bool) {
	records, err := Decode(input)
	if err != nil {
		return nil, false
	}
	return records, true
}
