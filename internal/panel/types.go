package panel

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"

	"golang.org/x/crypto/curve25519"

	"xui-vpn-bot/internal/link"
)

// Inbound as returned by /panel/api/inbounds. Settings and StreamSettings are JSON documents
// encoded as strings.
type Inbound struct {
	ID             int    `json:"id"`
	Remark         string `json:"remark"`
	Enable         bool   `json:"enable"`
	Listen         string `json:"listen"`
	Port           int    `json:"port"`
	Protocol       string `json:"protocol"`
	Tag            string `json:"tag"`
	Settings       string `json:"settings"`
	StreamSettings string `json:"streamSettings"`
}

type InboundSettings struct {
	Clients    []Client `json:"clients"`
	Decryption string   `json:"decryption,omitempty"`
}

// Client is one VLESS user of an inbound.
type Client struct {
	ID         string `json:"id"`
	Email      string `json:"email"`
	Flow       string `json:"flow,omitempty"`
	LimitIP    int    `json:"limitIp"`
	TotalGB    int64  `json:"totalGB"`
	ExpiryTime int64  `json:"expiryTime"`
	Enable     bool   `json:"enable"`
	TgID       int64  `json:"tgId,omitempty"`
	SubID      string `json:"subId,omitempty"`
}

// Selector picks the inbound new clients go to: by ID, else by Remark, else the first inbound of Protocol.
type Selector struct {
	ID       int
	Remark   string
	Protocol string
}

func (in *Inbound) Clients() ([]Client, error) {
	if strings.TrimSpace(in.Settings) == "" {
		return nil, nil
	}
	var s InboundSettings
	if err := json.Unmarshal([]byte(in.Settings), &s); err != nil {
		return nil, fmt.Errorf("%w: inbound %d settings: %v", ErrProtocol, in.ID, err)
	}
	return s.Clients, nil
}

func (in *Inbound) HasClient(uuid string) (bool, error) {
	clients, err := in.Clients()
	if err != nil {
		return false, err
	}
	for _, c := range clients {
		if c.ID == uuid {
			return true, nil
		}
	}
	return false, nil
}

type streamSettings struct {
	Network         string           `json:"network"`
	Security        string           `json:"security"`
	RealitySettings *realitySettings `json:"realitySettings"`
}

type realitySettings struct {
	ServerNames []string `json:"serverNames"`
	ShortIDs    []string `json:"shortIds"`
	PrivateKey  string   `json:"privateKey"`
	PublicKey   string   `json:"publicKey"`
	Fingerprint string   `json:"fingerprint"`
	Settings    struct {
		PublicKey   string `json:"publicKey"`
		Fingerprint string `json:"fingerprint"`
	} `json:"settings"`
}

// Stream extracts what a client link needs from the inbound's Reality settings.
func (in *Inbound) Stream() (link.StreamSettings, error) {
	var ss streamSettings
	if err := json.Unmarshal([]byte(in.StreamSettings), &ss); err != nil {
		return link.StreamSettings{}, fmt.Errorf("%w: inbound %d stream settings: %v", link.ErrInvalidStreamSettings, in.ID, err)
	}
	if ss.RealitySettings == nil {
		return link.StreamSettings{}, fmt.Errorf("%w: inbound %d has no realitySettings", link.ErrInvalidStreamSettings, in.ID)
	}
	rs := ss.RealitySettings

	pbk := firstNonEmpty(rs.PublicKey, rs.Settings.PublicKey)
	if pbk == "" && rs.PrivateKey != "" {
		derived, err := PublicKey(rs.PrivateKey)
		if err != nil {
			return link.StreamSettings{}, fmt.Errorf("%w: inbound %d: %v", link.ErrInvalidStreamSettings, in.ID, err)
		}
		pbk = derived
	}
	out := link.StreamSettings{
		Network:     ss.Network,
		Security:    ss.Security,
		PublicKey:   pbk,
		ShortIDs:    rs.ShortIDs,
		ServerNames: rs.ServerNames,
		Fingerprint: firstNonEmpty(rs.Settings.Fingerprint, rs.Fingerprint),
	}
	if err := out.Validate(); err != nil {
		return link.StreamSettings{}, fmt.Errorf("inbound %d: %w", in.ID, err)
	}
	return out, nil
}

// PublicKey derives the X25519 public key from a Reality private key, both in xray's
// unpadded base64url form.
func PublicKey(privateKey string) (string, error) {
	priv, err := base64.RawURLEncoding.DecodeString(privateKey)
	if err != nil {
		return "", fmt.Errorf("decode private key: %w", err)
	}
	if len(priv) != curve25519.ScalarSize {
		return "", fmt.Errorf("private key is %d bytes, want %d", len(priv), curve25519.ScalarSize)
	}
	pub, err := curve25519.X25519(priv, curve25519.Basepoint)
	if err != nil {
		return "", fmt.Errorf("derive public key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(pub), nil
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
