package verify

import (
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/park285/colordrop-pool/internal/ledger"
)

const universalLinkBase = "https://redirect.self.xyz"

// LinkConfig describes the verifier app request.
type LinkConfig struct {
	AppName          string
	Scope            string
	Endpoint         string
	DeeplinkCallback string
	LogoURL          string
	MinimumAge       int
	DevMode          bool
}

// LinkBuilder renders the verifier app request for an identity.
type LinkBuilder struct {
	cfg       LinkConfig
	sessionID func() string
}

func NewLinkBuilder(cfg LinkConfig) (*LinkBuilder, error) {
	if strings.TrimSpace(cfg.Scope) == "" {
		return nil, fmt.Errorf("verification scope is required")
	}
	if _, err := url.ParseRequestURI(cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("verification endpoint: %w", err)
	}
	if cfg.MinimumAge == 0 {
		cfg.MinimumAge = 18
	}
	return &LinkBuilder{cfg: cfg, sessionID: func() string { return uuid.NewString() }}, nil
}

type disclosures struct {
	MinimumAge        int      `json:"minimumAge"`
	ExcludedCountries []string `json:"excludedCountries"`
	OFAC              bool     `json:"ofac"`
}

type appRequest struct {
	Version          int         `json:"version"`
	AppName          string      `json:"appName"`
	Scope            string      `json:"scope"`
	Endpoint         string      `json:"endpoint"`
	EndpointType     string      `json:"endpointType"`
	DeeplinkCallback string      `json:"deeplinkCallback,omitempty"`
	Logo             string      `json:"logoBase64,omitempty"`
	UserID           string      `json:"userId"`
	UserIDType       string      `json:"userIdType"`
	SessionID        string      `json:"sessionId"`
	DevMode          bool        `json:"devMode"`
	Disclosures      disclosures `json:"disclosures"`
}

func (b *LinkBuilder) request(who ledger.Identity) appRequest {
	endpointType := "https"
	if b.cfg.DevMode {
		endpointType = "staging_https"
	}
	return appRequest{
		Version:          2,
		AppName:          b.cfg.AppName,
		Scope:            b.cfg.Scope,
		Endpoint:         b.cfg.Endpoint,
		EndpointType:     endpointType,
		DeeplinkCallback: b.cfg.DeeplinkCallback,
		Logo:             b.cfg.LogoURL,
		UserID:           strings.ToLower(who.Hex()),
		UserIDType:       "hex",
		SessionID:        b.sessionID(),
		DevMode:          b.cfg.DevMode,
		Disclosures:      disclosures{MinimumAge: b.cfg.MinimumAge, ExcludedCountries: []string{}},
	}
}

// QRPayload is the JSON request encoded into the scannable code.
func (b *LinkBuilder) QRPayload(who ledger.Identity) (string, error) {
	raw, err := json.Marshal(b.request(who))
	if err != nil {
		return "", fmt.Errorf("marshal verifier request: %w", err)
	}
	return string(raw), nil
}

// UniversalLink opens the verifier app on mobile.
func (b *LinkBuilder) UniversalLink(who ledger.Identity) (string, error) {
	payload, err := b.QRPayload(who)
	if err != nil {
		return "", err
	}
	return universalLinkBase + "?selfApp=" + url.QueryEscape(payload), nil
}
