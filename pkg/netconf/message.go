// Package netconf implements the subset of NETCONF (RFC 6241) and its SSH
// transport (RFC 6242) needed to read and edit device configuration:
// hello exchange, end-of-message and chunked framing, message-id
// correlation and <rpc-error> decoding.
package netconf

import (
	"bytes"
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// BaseNamespace is the NETCONF base XML namespace.
const BaseNamespace = "urn:ietf:params:xml:ns:netconf:base:1.0"

// Well-known capabilities.
const (
	CapBase10          = "urn:ietf:params:netconf:base:1.0"
	CapBase11          = "urn:ietf:params:netconf:base:1.1"
	CapCandidate       = "urn:ietf:params:netconf:capability:candidate:1.0"
	CapConfirmedCommit = "urn:ietf:params:netconf:capability:confirmed-commit:1.1"
)

// Hello is the capability advertisement exchanged when a session opens.
type Hello struct {
	XMLName      xml.Name `xml:"urn:ietf:params:xml:ns:netconf:base:1.0 hello"`
	Capabilities []string `xml:"capabilities>capability"`
	SessionID    uint64   `xml:"session-id,omitempty"`
}

// RPCError is a single <rpc-error> element reported by the device.
type RPCError struct {
	Type     string `xml:"error-type" json:"type,omitempty"`
	Tag      string `xml:"error-tag" json:"tag,omitempty"`
	Severity string `xml:"error-severity" json:"severity,omitempty"`
	AppTag   string `xml:"error-app-tag" json:"app_tag,omitempty"`
	Path     string `xml:"error-path" json:"path,omitempty"`
	Message  string `xml:"error-message" json:"message,omitempty"`
	Info     struct {
		Inner string `xml:",innerxml"`
	} `xml:"error-info" json:"-"`
}

func (e RPCError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = e.Tag
	}
	if p := strings.TrimSpace(e.Path); p != "" {
		return fmt.Sprintf("netconf rpc-error (%s/%s) at %s: %s", e.Type, e.Tag, p, msg)
	}
	return fmt.Sprintf("netconf rpc-error (%s/%s): %s", e.Type, e.Tag, msg)
}

// Reply is a decoded <rpc-reply>.
type Reply struct {
	XMLName   xml.Name   `xml:"rpc-reply"`
	MessageID string     `xml:"message-id,attr"`
	Errors    []RPCError `xml:"rpc-error"`
	OK        *struct{}  `xml:"ok"`
	Data      *struct {
		Inner string `xml:",innerxml"`
	} `xml:"data"`
	Body string `xml:",innerxml"`
	Raw  []byte `xml:"-"`
}

// Err returns the first error-severity rpc-error in the reply, or nil.
// Warnings do not fail an operation.
func (r *Reply) Err() error {
	for _, e := range r.Errors {
		if e.Severity == "" || strings.EqualFold(e.Severity, "error") {
			return e
		}
	}
	return nil
}

// DataXML returns the contents of <data>, or the whole reply body when
// the reply carries no <data> element.
func (r *Reply) DataXML() string {
	if r.Data != nil {
		return strings.TrimSpace(r.Data.Inner)
	}
	return strings.TrimSpace(r.Body)
}

// ParseReply decodes a raw <rpc-reply> message.
func ParseReply(raw []byte) (*Reply, error) {
	var rep Reply
	if err := xml.Unmarshal(raw, &rep); err != nil {
		return nil, fmt.Errorf("netconf: decode rpc-reply: %w", err)
	}
	rep.Raw = raw
	return &rep, nil
}

// FormatRPC wraps an operation body in an <rpc> envelope with the given message-id.
func FormatRPC(messageID uint64, body []byte) []byte {
	var b bytes.Buffer
	b.WriteString(`<rpc message-id="`)
	b.WriteString(strconv.FormatUint(messageID, 10))
	b.WriteString(`" xmlns="` + BaseNamespace + `">`)
	b.Write(bytes.TrimSpace(body))
	b.WriteString(`</rpc>`)
	return b.Bytes()
}

// WellFormed reports whether s is a well-formed XML fragment with at least one element.
func WellFormed(s string) error {
	dec := xml.NewDecoder(strings.NewReader(s))
	elements := 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			elements++
		}
	}
	if elements == 0 {
		return fmt.Errorf("no XML element found")
	}
	return nil
}

// RootElement returns the local name of the first element in s.
func RootElement(s string) string {
	dec := xml.NewDecoder(strings.NewReader(s))
	for {
		tok, err := dec.Token()
		if err != nil {
			return ""
		}
		if se, ok := tok.(xml.StartElement); ok {
			return se.Name.Local
		}
	}
}

func escape(s string) string {
	var b bytes.Buffer
	_ = xml.EscapeText(&b, []byte(s))
	return b.String()
}
