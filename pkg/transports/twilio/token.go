package twilio

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/harunnryd/tutorcall/pkg/errorsx"
	"github.com/twilio/twilio-go/client/jwt"
)

const (
	DefaultChannel  = "default_channel"
	DefaultTokenTTL = time.Hour
)

var ErrInvalidUID = errors.New("uid must be an unsigned 32-bit integer")

// TokenConfig holds the API key used to sign room access tokens.
type TokenConfig struct {
	AccountSID     string `mapstructure:"account_sid"`
	APIKeySID      string `mapstructure:"api_key_sid"`
	APIKeySecret   string `mapstructure:"api_key_secret"`
	AppID          string `mapstructure:"app_id"`
	DefaultChannel string `mapstructure:"default_channel"`
	TTLSeconds     int    `mapstructure:"token_ttl_seconds"`
}

func (c TokenConfig) withDefaults() TokenConfig {
	if c.DefaultChannel == "" {
		c.DefaultChannel = DefaultChannel
	}
	if c.TTLSeconds <= 0 {
		c.TTLSeconds = int(DefaultTokenTTL / time.Second)
	}
	if c.AppID == "" {
		c.AppID = c.AccountSID
	}
	return c
}

func (c TokenConfig) missing() []string {
	var out []string
	if strings.TrimSpace(c.AccountSID) == "" {
		out = append(out, "rtc.account_sid")
	}
	if strings.TrimSpace(c.APIKeySID) == "" {
		out = append(out, "rtc.api_key_sid")
	}
	if strings.TrimSpace(c.APIKeySecret) == "" {
		out = append(out, "rtc.api_key_secret")
	}
	return out
}

// Token is the response of the token relay.
type Token struct {
	Token       string `json:"token"`
	AppID       string `json:"appId"`
	ChannelName string `json:"channelName"`
	UID         uint32 `json:"uid"`
	ExpiresIn   int    `json:"expiresIn"`
}

// Minter signs short-lived Video room tokens. The uid becomes the token
// identity and the channel the room.
type Minter struct {
	cfg TokenConfig
}

func NewMinter(cfg TokenConfig) *Minter {
	return &Minter{cfg: cfg.withDefaults()}
}

// ParseUID accepts an empty string as uid 0.
func ParseUID(raw string) (uint32, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	v, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, ErrInvalidUID
	}
	return uint32(v), nil
}

// Mint signs a token for uid in channel; an empty channel uses the default.
func (m *Minter) Mint(channel string, uid uint32) (Token, error) {
	if missing := m.cfg.missing(); len(missing) > 0 {
		return Token{}, errorsx.NewNotConfigured(missing...)
	}
	channel = strings.TrimSpace(channel)
	if channel == "" {
		channel = m.cfg.DefaultChannel
	}
	token := jwt.CreateAccessToken(jwt.AccessTokenParams{
		AccountSid:    m.cfg.AccountSID,
		SigningKeySid: m.cfg.APIKeySID,
		Secret:        m.cfg.APIKeySecret,
		Identity:      strconv.FormatUint(uint64(uid), 10),
		Ttl:           float64(m.cfg.TTLSeconds),
	})
	token.AddGrant(&jwt.VideoGrant{Room: channel})
	signed, err := token.ToJwt()
	if err != nil {
		return Token{}, errorsx.Wrap(fmt.Errorf("sign token: %w", err), errorsx.ReasonTokenMint)
	}
	return Token{
		Token:       signed,
		AppID:       m.cfg.AppID,
		ChannelName: channel,
		UID:         uid,
		ExpiresIn:   m.cfg.TTLSeconds,
	}, nil
}
