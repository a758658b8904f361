// Package config materializes the daemon's static configuration: peer
// definitions, default proposals and traffic selectors, resource ceilings,
// and the CredentialStore trait the auth task consults for identities and
// shared keys. Grounded on egorse-ike's config.go (DefaultConfig, the
// ProposalIke/ProposalEsp fields, CheckProposals) but reshaped: proposal
// matching itself now lives in internal/selector, so this package only
// supplies the data selector.Select needs.
package config

import (
	"encoding/hex"
	"net"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	"github.com/ikecore/charon/internal/proto"
	"github.com/ikecore/charon/internal/selector"
)

// Limits are the resource ceilings handed to the manager and scheduler. The
// manager refuses new half-open IKE_SAs once MaxHalfOpenSAs are open (and per
// source address at BlockThreshold); MaxQueuedJobs is the scheduler's FIFO
// depth warning threshold, not a cap. MaxEstablishedSAs is parsed and
// carried but not enforced.
type Limits struct {
	MaxHalfOpenSAs    int
	MaxEstablishedSAs int
	MaxQueuedJobs     int
	CookieThreshold   int
	BlockThreshold    int
	CookieSecretTTL   int // seconds; previous secret honored for one rotation
}

// DefaultLimits mirrors the kind of ceilings a small-to-medium gateway runs
// with; operators override via the daemon's config file.
var DefaultLimits = Limits{
	MaxHalfOpenSAs:    4096,
	MaxEstablishedSAs: 16384,
	MaxQueuedJobs:     65536,
	CookieThreshold:   1024,
	BlockThreshold:    8192,
	CookieSecretTTL:   120,
}

// Config is the top-level daemon configuration: every configured peer, the
// resource ceilings, and the local listen address. Grounded on config.go's
// single-peer Config struct, widened to a peer list since a gateway
// manages many peers, not one session at a time.
type Config struct {
	Peers  []PeerConfig
	Limits Limits
	Listen string
}

// PeerConfig is one configured peer: its IKE/ESP proposals, traffic
// selectors, authentication method and identities.
type PeerConfig struct {
	Name       string
	Remote     string // address or FQDN
	IKEProposals []selector.Proposal
	ESPProposals []selector.Proposal
	TSi, TSr   []selector.Selector
	AuthMethod proto.AuthMethod
	LocalID    Identity
	RemoteID   Identity
	Mode       proto.Mode
	DPDDelaySeconds int
	EnableMobike    bool
	RequestVirtualIP bool

	// LocalCert, if set, is offered in response to the peer's CERTREQ (RFC
	// 7296 §3.7), DER-encoded. CAHash, if set, is sent as our own CERTREQ
	// naming the CA we want the peer's certificate to chain to.
	LocalCert []byte
	CAHash    []byte
}

// Identity names one side of an AUTH exchange: an RFC 7296 §3.5 ID type plus
// its encoded body.
type Identity struct {
	Type proto.IDType
	Data []byte
}

// CredentialStore is the open-for-extension trait the auth task consults.
// A PSK-backed implementation satisfies every method by table lookup; a
// PKI-backed implementation would sign/verify instead — callers only depend
// on this interface, never a concrete credential backend.
type CredentialStore interface {
	// SharedSecret returns the PSK associated with a peer identity, or
	// ok=false if none is configured (forcing AUTH to fail).
	SharedSecret(id Identity) (secret []byte, ok bool)
}

// PSKStore is a CredentialStore backed by an in-memory identity→secret map.
type PSKStore struct {
	secrets map[string][]byte
}

func NewPSKStore() *PSKStore { return &PSKStore{secrets: make(map[string][]byte)} }

func (s *PSKStore) Add(id Identity, secret []byte) {
	s.secrets[identityKey(id)] = secret
}

func (s *PSKStore) SharedSecret(id Identity) ([]byte, bool) {
	secret, ok := s.secrets[identityKey(id)]
	return secret, ok
}

func identityKey(id Identity) string {
	return string([]byte{byte(id.Type)}) + string(id.Data)
}

// DefaultIKEProposal is AES-CBC-128/HMAC-SHA2-256-128/PRF-HMAC-SHA2-256/
// MODP_2048 — a conservative, widely interoperable default, grounded on the
// teacher's DefaultConfig commented-out alternatives (AES_GCM/MODP3072).
func DefaultIKEProposal() []selector.Proposal {
	return []selector.Proposal{{
		Number:   1,
		Protocol: proto.ProtoIKE,
		Transforms: []selector.Transform{
			{Type: proto.TransformEncr, ID: uint16(proto.ENCR_AES_CBC), KeyLen: 128},
			{Type: proto.TransformInteg, ID: uint16(proto.AUTH_HMAC_SHA2_256_128)},
			{Type: proto.TransformPRF, ID: uint16(proto.PRF_HMAC_SHA2_256)},
			{Type: proto.TransformDH, ID: uint16(proto.MODP_2048)},
		},
	}}
}

// DefaultESPProposal mirrors DefaultIKEProposal for CHILD_SA negotiation,
// with ESN disabled by default (single 32-bit sequence space).
func DefaultESPProposal() []selector.Proposal {
	return []selector.Proposal{{
		Number:   1,
		Protocol: proto.ProtoESP,
		Transforms: []selector.Transform{
			{Type: proto.TransformEncr, ID: uint16(proto.ENCR_AES_CBC), KeyLen: 128},
			{Type: proto.TransformInteg, ID: uint16(proto.AUTH_HMAC_SHA2_256_128)},
			{Type: proto.TransformESN, ID: uint16(proto.ESN_NONE)},
		},
	}}
}

// HostSelectors builds a host-to-host (/32 or /128) traffic selector pair,
// grounded on egorse-ike's AddHostBasedSelectors.
func HostSelectors(local, remote net.IP) (localSel, remoteSel selector.Selector) {
	mk := func(ip net.IP) selector.Selector {
		return selector.Selector{
			Type:         selTypeFor(ip),
			StartPort:    0,
			EndPort:      65535,
			StartAddress: ip,
			EndAddress:   ip,
		}
	}
	return mk(local), mk(remote)
}

func selTypeFor(ip net.IP) proto.SelectorType {
	if ip.To4() != nil {
		return proto.TS_IPV4_ADDR_RANGE
	}
	return proto.TS_IPV6_ADDR_RANGE
}

// fileConfig is the on-disk shape cmd/charond loads: a flat YAML document,
// the format the rest of this corpus reaches for over an ini/gcfg dialect
// when the config has no legacy on-disk format to stay compatible with.
type fileConfig struct {
	Listen string           `yaml:"listen"`
	Limits *fileLimits      `yaml:"limits"`
	Peers  []filePeerConfig `yaml:"peers"`
}

type fileLimits struct {
	MaxHalfOpenSAs    int `yaml:"max_half_open_sas"`
	MaxEstablishedSAs int `yaml:"max_established_sas"`
	MaxQueuedJobs     int `yaml:"max_queued_jobs"`
	CookieThreshold   int `yaml:"cookie_threshold"`
	BlockThreshold    int `yaml:"block_threshold"`
	CookieSecretTTL   int `yaml:"cookie_secret_ttl_seconds"`
}

type filePeerConfig struct {
	Name             string `yaml:"name"`
	Remote           string `yaml:"remote"`
	LocalIDType      string `yaml:"local_id_type"`
	LocalID          string `yaml:"local_id"`
	RemoteIDType     string `yaml:"remote_id_type"`
	RemoteID         string `yaml:"remote_id"`
	PSKHex           string `yaml:"psk_hex"`
	LocalSelector    string `yaml:"local_selector"`  // CIDR
	RemoteSelector   string `yaml:"remote_selector"` // CIDR
	DPDDelaySeconds  int    `yaml:"dpd_delay_seconds"`
	EnableMobike     bool   `yaml:"enable_mobike"`
	RequestVirtualIP bool   `yaml:"request_virtual_ip"`
	LocalCertHex     string `yaml:"local_cert_hex"`
	CAHashHex        string `yaml:"ca_hash_hex"`
}

// LoadFile reads and validates a YAML daemon configuration, returning the
// parsed Config alongside a PSKStore seeded from each peer's psk_hex. A peer
// missing psk_hex is still loaded — its CHILD_SA negotiations simply fail
// AUTH, the same outcome an unconfigured peer name produces at runtime.
func LoadFile(path string) (*Config, *PSKStore, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, nil, errors.Wrap(err, "reading config file")
	}
	var fc fileConfig
	if err := yaml.Unmarshal(raw, &fc); err != nil {
		return nil, nil, errors.Wrap(err, "parsing config file")
	}

	limits := DefaultLimits
	if fc.Limits != nil {
		if fc.Limits.MaxHalfOpenSAs > 0 {
			limits.MaxHalfOpenSAs = fc.Limits.MaxHalfOpenSAs
		}
		if fc.Limits.MaxEstablishedSAs > 0 {
			limits.MaxEstablishedSAs = fc.Limits.MaxEstablishedSAs
		}
		if fc.Limits.MaxQueuedJobs > 0 {
			limits.MaxQueuedJobs = fc.Limits.MaxQueuedJobs
		}
		if fc.Limits.CookieThreshold > 0 {
			limits.CookieThreshold = fc.Limits.CookieThreshold
		}
		if fc.Limits.BlockThreshold > 0 {
			limits.BlockThreshold = fc.Limits.BlockThreshold
		}
		if fc.Limits.CookieSecretTTL > 0 {
			limits.CookieSecretTTL = fc.Limits.CookieSecretTTL
		}
	}

	store := NewPSKStore()
	cfg := &Config{Listen: fc.Listen, Limits: limits}
	if cfg.Listen == "" {
		cfg.Listen = "0.0.0.0:500"
	}

	for _, fp := range fc.Peers {
		if fp.Name == "" || fp.Remote == "" {
			return nil, nil, errors.Errorf("peer entry missing name or remote address")
		}
		localID := Identity{Type: idTypeFromString(fp.LocalIDType), Data: []byte(fp.LocalID)}
		remoteID := Identity{Type: idTypeFromString(fp.RemoteIDType), Data: []byte(fp.RemoteID)}

		var tsi, tsr []selector.Selector
		if fp.LocalSelector != "" && fp.RemoteSelector != "" {
			l, err := selectorFromCIDR(fp.LocalSelector)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "peer %s local_selector", fp.Name)
			}
			r, err := selectorFromCIDR(fp.RemoteSelector)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "peer %s remote_selector", fp.Name)
			}
			tsi, tsr = []selector.Selector{l}, []selector.Selector{r}
		}

		var localCert, caHash []byte
		if fp.LocalCertHex != "" {
			decoded, err := hex.DecodeString(fp.LocalCertHex)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "peer %s local_cert_hex", fp.Name)
			}
			localCert = decoded
		}
		if fp.CAHashHex != "" {
			decoded, err := hex.DecodeString(fp.CAHashHex)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "peer %s ca_hash_hex", fp.Name)
			}
			caHash = decoded
		}

		cfg.Peers = append(cfg.Peers, PeerConfig{
			Name:             fp.Name,
			Remote:           fp.Remote,
			IKEProposals:     DefaultIKEProposal(),
			ESPProposals:     DefaultESPProposal(),
			TSi:              tsi,
			TSr:              tsr,
			AuthMethod:       proto.AuthSharedKeyMIC,
			LocalID:          localID,
			RemoteID:         remoteID,
			DPDDelaySeconds:  fp.DPDDelaySeconds,
			EnableMobike:     fp.EnableMobike,
			RequestVirtualIP: fp.RequestVirtualIP,
			LocalCert:        localCert,
			CAHash:           caHash,
		})

		if fp.PSKHex != "" {
			psk, err := hex.DecodeString(fp.PSKHex)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "peer %s psk_hex", fp.Name)
			}
			store.Add(localID, psk)
			store.Add(remoteID, psk)
		}
	}
	return cfg, store, nil
}

func idTypeFromString(s string) proto.IDType {
	switch s {
	case "fqdn":
		return proto.ID_FQDN
	case "rfc822", "email":
		return proto.ID_RFC822_ADDR
	case "ipv4":
		return proto.ID_IPV4_ADDR
	case "ipv6":
		return proto.ID_IPV6_ADDR
	case "key_id":
		return proto.ID_KEY_ID
	default:
		return proto.ID_KEY_ID
	}
}

func selectorFromCIDR(cidr string) (selector.Selector, error) {
	_, ipnet, err := net.ParseCIDR(cidr)
	if err != nil {
		return selector.Selector{}, err
	}
	first := ipnet.IP
	last := make(net.IP, len(first))
	for i := range first {
		last[i] = first[i] | ^ipnet.Mask[i]
	}
	return selector.Selector{
		Type:         selTypeFor(first),
		StartPort:    0,
		EndPort:      65535,
		StartAddress: first,
		EndAddress:   last,
	}, nil
}
