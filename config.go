package sgx_ra

import (
	"crypto/ecdsa"
	"crypto/x509"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/kwonalbert/sgx_ra/enclave"
	"github.com/kwonalbert/sgx_ra/ias"
	"github.com/kwonalbert/sgx_ra/kex"
	"github.com/kwonalbert/sgx_ra/messages"
)

const (
	DefaultMaxSessions      = 1024
	DefaultHandshakeTimeout = 60 * time.Second
	DefaultResultPoll       = time.Second
)

// DefaultSecret is released to enclaves that pass attestation when no
// secret is configured.
var DefaultSecret = []byte{0, 1}

type Configuration struct {
	// If true, the session manager will start in release mode,
	// meaning it will connect to the production version of IAS
	// and refuse enclaves built in debug mode.
	Release bool

	// The subscription key for IAS API. This can be found at
	// https://api.portal.trustedservices.intel.com
	Subscription string

	// IASURL overrides the IAS endpoint picked by Release.
	IASURL string

	// IASRootCA is a PEM file with the report signing root. If
	// empty, report signatures are not checked.
	IASRootCA string

	// IASTimeout bounds every IAS request, in seconds.
	IASTimeout int

	// Simulation replaces IAS with an in-process authority that
	// accepts every quote. Only for testing.
	Simulation bool

	// The directory that contains all the MREnclave files
	// that are acceptable for this session manager. If empty,
	// any MREnclave is accepted.
	Mrenclaves string

	// Hex encoded SPID for IAS API.
	Spid string

	// Linkable requests linkable quotes.
	Linkable bool

	// The file that contains a PEM encoded long-term ECDSA P-256
	// (SECP256R1) private key for establishing the session. The
	// public key component of this key should be built-in to the
	// client enclave.
	LongTermKey string

	// AllowedAdvisories maps a degraded quote status to the
	// advisories we are allowed to ignore for it. Current valid
	// keys are: ["CONFIGURATION_NEEDED", "GROUP_OUT_OF_DATE"]. An
	// empty list accepts the status regardless of advisories.
	// Be careful to not set this too liberally.
	AllowedAdvisories map[string][]string

	// The maximum number of concurrent sessions the session
	// manager will keep alive. If MaxSessions is -1, then we
	// allow unlimited number of sessions.
	MaxSessions int

	// A session times out after Timeout minutes without activity.
	// If Timeout is -1, then a session will never expire, except
	// if there are more than MaxSessions sessions.
	Timeout int

	// HandshakeTimeout is the read deadline per frame, in seconds.
	HandshakeTimeout int

	// HandshakeRate limits new connections per second. 0 means
	// unlimited.
	HandshakeRate float64

	// MaxFrameSize bounds the body of one frame, in bytes.
	MaxFrameSize int

	// Secret is the hex encoded secret released to trusted
	// enclaves.
	Secret string
}

// Internal configuration used to create a session manager.
type configuration struct {
	release           bool
	iasURL            string
	subscription      string
	iasRootCA         *x509.Certificate
	iasTimeout        time.Duration
	simulation        bool
	mrenclaves        [][enclave.MeasurementSize]byte
	spid              [messages.SPIDSize]byte
	quoteType         uint16
	longTermKey       *ecdsa.PrivateKey
	allowedAdvisories map[ias.QuoteStatus][]string
	maxSessions       int
	timeout           time.Duration
	handshakeTimeout  time.Duration
	handshakeRate     float64
	maxFrameSize      int
	secret            []byte
}

func parseConfiguration(config *Configuration) (*configuration, error) {
	c := &configuration{
		release:          config.Release,
		iasURL:           config.IASURL,
		subscription:     strings.TrimSpace(config.Subscription),
		iasTimeout:       time.Duration(config.IASTimeout) * time.Second,
		simulation:       config.Simulation,
		quoteType:        messages.QuoteUnlinkable,
		maxSessions:      config.MaxSessions,
		handshakeTimeout: time.Duration(config.HandshakeTimeout) * time.Second,
		handshakeRate:    config.HandshakeRate,
		maxFrameSize:     config.MaxFrameSize,
		secret:           DefaultSecret,
	}

	if c.iasURL == "" {
		c.iasURL = ias.DevelopmentURL
		if c.release {
			c.iasURL = ias.ProductionURL
		}
	}
	if c.iasTimeout <= 0 {
		c.iasTimeout = ias.DefaultTimeout
	}
	if config.Linkable {
		c.quoteType = messages.QuoteLinkable
	}
	if c.maxSessions == 0 {
		c.maxSessions = DefaultMaxSessions
	}
	if c.maxSessions < -1 {
		return nil, fmt.Errorf("max sessions must be -1 (unbounded) or positive, got %d", c.maxSessions)
	}
	if c.handshakeTimeout <= 0 {
		c.handshakeTimeout = DefaultHandshakeTimeout
	}
	if c.handshakeRate < 0 {
		return nil, fmt.Errorf("handshake rate must not be negative, got %v", c.handshakeRate)
	}
	if config.Timeout > 0 {
		c.timeout = time.Duration(config.Timeout) * time.Minute
	}

	var err error
	if config.IASRootCA != "" {
		pemCert, err := os.ReadFile(config.IASRootCA)
		if err != nil {
			return nil, fmt.Errorf("reading IAS root CA: %w", err)
		}
		if c.iasRootCA, err = ias.LoadRootCA(pemCert); err != nil {
			return nil, err
		}
	}
	if config.Mrenclaves != "" {
		if c.mrenclaves, err = ReadMREnclaves(config.Mrenclaves); err != nil {
			return nil, err
		}
	}
	if config.Spid != "" {
		if c.spid, err = ParseSPID(config.Spid); err != nil {
			return nil, err
		}
	}
	if config.LongTermKey != "" {
		if c.longTermKey, err = kex.LoadPrivateKey(config.LongTermKey); err != nil {
			return nil, err
		}
	}
	if config.Secret != "" {
		if c.secret, err = hex.DecodeString(strings.TrimSpace(config.Secret)); err != nil {
			return nil, fmt.Errorf("parsing hex secret: %w", err)
		}
	}

	c.allowedAdvisories = make(map[ias.QuoteStatus][]string)
	if config.AllowedAdvisories == nil {
		c.allowedAdvisories[ias.QuoteGroupOutOfDate] = nil
		c.allowedAdvisories[ias.QuoteConfigurationNeeded] = nil
	}
	for status, advisories := range config.AllowedAdvisories {
		switch qs := ias.QuoteStatus(status); qs {
		case ias.QuoteGroupOutOfDate, ias.QuoteConfigurationNeeded,
			ias.QuoteSWHardeningNeeded, ias.QuoteConfigurationAndSWHardeningNeeded:
			c.allowedAdvisories[qs] = advisories
		default:
			return nil, fmt.Errorf("quote status %q cannot be allowed", status)
		}
	}

	return c, nil
}

// ReadConfiguration parses the configuration file. Files ending in
// .toml are read as TOML, everything else as JSON.
func ReadConfiguration(fileName string) (*Configuration, error) {
	data, err := os.ReadFile(fileName)
	if err != nil {
		return nil, fmt.Errorf("reading configuration file: %w", err)
	}

	config := &Configuration{}
	switch strings.ToLower(filepath.Ext(fileName)) {
	case ".toml":
		if _, err := toml.Decode(string(data), config); err != nil {
			return nil, fmt.Errorf("decoding TOML configuration: %w", err)
		}
	default:
		if err := json.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("decoding JSON configuration: %w", err)
		}
	}
	return config, nil
}
