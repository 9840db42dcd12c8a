// Package link builds VLESS+Reality connection URIs that standard clients import directly.
package link

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"
)

const (
	SecurityReality    = "reality"
	FlowVision         = "xtls-rprx-vision"
	DefaultFingerprint = "chrome"
)

var ErrInvalidStreamSettings = errors.New("invalid stream settings")

// StreamSettings is the part of an inbound's Reality configuration a client needs.
type StreamSettings struct {
	Network     string
	Security    string
	PublicKey   string
	ShortIDs    []string
	ServerNames []string
	Fingerprint string
}

func (s StreamSettings) Validate() error {
	if s.Security != SecurityReality {
		return fmt.Errorf("%w: security %q is not reality", ErrInvalidStreamSettings, s.Security)
	}
	if s.Network != "" && s.Network != "tcp" {
		return fmt.Errorf("%w: network %q is not tcp", ErrInvalidStreamSettings, s.Network)
	}
	if s.PublicKey == "" {
		return fmt.Errorf("%w: missing public key", ErrInvalidStreamSettings)
	}
	if len(s.ShortIDs) == 0 || s.ShortIDs[0] == "" {
		return fmt.Errorf("%w: missing short id", ErrInvalidStreamSettings)
	}
	if len(s.ServerNames) == 0 || s.ServerNames[0] == "" {
		return fmt.Errorf("%w: missing server name", ErrInvalidStreamSettings)
	}
	return nil
}

// ConnectionLink is a ready-to-import vless:// URI.
type ConnectionLink string

func (l ConnectionLink) String() string {
	return string(l)
}

// QRCode renders the link as a PNG of the given size in pixels.
func (l ConnectionLink) QRCode(size int) ([]byte, error) {
	return qrcode.Encode(string(l), qrcode.Medium, size)
}

// Build returns the URI for client uuid on host:port. Query parameters are written in a fixed order.
func Build(s StreamSettings, uuid, host string, port int, label string) (ConnectionLink, error) {
	if err := s.Validate(); err != nil {
		return "", err
	}
	if uuid == "" || host == "" || port <= 0 || port > 65535 {
		return "", fmt.Errorf("%w: bad endpoint %s@%s:%d", ErrInvalidStreamSettings, uuid, host, port)
	}
	fp := s.Fingerprint
	if fp == "" {
		fp = DefaultFingerprint
	}

	params := [][2]string{
		{"type", "tcp"},
		{"security", SecurityReality},
		{"encryption", "none"},
		{"flow", FlowVision},
		{"fp", fp},
		{"sni", s.ServerNames[0]},
		{"pbk", s.PublicKey},
		{"sid", s.ShortIDs[0]},
	}
	var b strings.Builder
	b.WriteString("vless://")
	b.WriteString(uuid)
	b.WriteByte('@')
	b.WriteString(net.JoinHostPort(host, strconv.Itoa(port)))
	for i, p := range params {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p[0])
		b.WriteByte('=')
		b.WriteString(url.QueryEscape(p[1]))
	}
	b.WriteByte('#')
	b.WriteString(url.PathEscape(label))
	return ConnectionLink(b.String()), nil
}

// Label names a client on the panel and in the user's app, e.g. "tg42-1b4e28ba".
func Label(prefix string, userID int64, uuid string) string {
	short := uuid
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("%s%d-%s", prefix, userID, short)
}
