// Package snmp reads the UPS output source and battery charge over SNMP
// using the standard UPS-MIB (RFC 1628).
package snmp

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gosnmp/gosnmp"

	"ups_failsafe/internal/failsafe"
	"ups_failsafe/internal/models"
)

const (
	OIDOutputSource    = ".1.3.6.1.2.1.33.1.4.1.0" // upsOutputSource
	OIDChargeRemaining = ".1.3.6.1.2.1.33.1.2.4.0" // upsEstimatedChargeRemaining

	DefaultPort      = 161
	DefaultCommunity = "public"
	DefaultTimeout   = time.Second
)

var ErrNoAddress = errors.New("snmp device address must be configured")

// Config describes the polled device.
type Config struct {
	Address   string
	Port      uint16
	Community string
	Version   string // "1" | "2c"
	Timeout   time.Duration
	Retries   int
}

// Source polls one UPS. A new UDP session is opened per sample so a device
// reboot never leaves a stale socket behind.
type Source struct {
	cfg     Config
	version gosnmp.SnmpVersion
	dial    func(ctx context.Context) (client, error)
}

type client interface {
	Get(oids []string) (*gosnmp.SnmpPacket, error)
	Close() error
}

var _ failsafe.SampleSource = (*Source)(nil)

func NewSource(cfg Config) (*Source, error) {
	if strings.TrimSpace(cfg.Address) == "" {
		return nil, ErrNoAddress
	}
	if cfg.Port == 0 {
		cfg.Port = DefaultPort
	}
	if cfg.Community == "" {
		cfg.Community = DefaultCommunity
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	version, err := parseVersion(cfg.Version)
	if err != nil {
		return nil, err
	}
	s := &Source{cfg: cfg, version: version}
	s.dial = s.dialUDP
	return s, nil
}

func parseVersion(v string) (gosnmp.SnmpVersion, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "", "2c", "v2c", "2":
		return gosnmp.Version2c, nil
	case "1", "v1":
		return gosnmp.Version1, nil
	default:
		return 0, fmt.Errorf("unsupported snmp version %q", v)
	}
}

type udpClient struct{ g *gosnmp.GoSNMP }

func (c udpClient) Get(oids []string) (*gosnmp.SnmpPacket, error) { return c.g.Get(oids) }
func (c udpClient) Close() error                                  { return c.g.Conn.Close() }

func (s *Source) dialUDP(ctx context.Context) (client, error) {
	g := &gosnmp.GoSNMP{
		Target:    s.cfg.Address,
		Port:      s.cfg.Port,
		Community: s.cfg.Community,
		Version:   s.version,
		Timeout:   s.cfg.Timeout,
		Retries:   s.cfg.Retries,
		Context:   ctx,
	}
	if err := g.Connect(); err != nil {
		return nil, err
	}
	return udpClient{g: g}, nil
}

// Sample reads both OIDs in one request.
func (s *Source) Sample(ctx context.Context) (models.PowerSample, error) {
	c, err := s.dial(ctx)
	if err != nil {
		return models.PowerSample{}, fmt.Errorf("snmp connect %s:%d: %w: %v", s.cfg.Address, s.cfg.Port, failsafe.ErrTransport, err)
	}
	defer func() { _ = c.Close() }()

	pkt, err := c.Get([]string{OIDOutputSource, OIDChargeRemaining})
	if err != nil {
		return models.PowerSample{}, fmt.Errorf("snmp get %s: %w: %v", s.cfg.Address, failsafe.ErrTransport, err)
	}
	return decodeSample(pkt.Variables)
}

// decodeSample maps the response PDUs onto a sample. The output source is
// mandatory; a missing or non-numeric charge becomes BatteryUnknown.
func decodeSample(vars []gosnmp.SnmpPDU) (models.PowerSample, error) {
	sample := models.PowerSample{BatteryPercent: models.BatteryUnknown}
	haveStatus := false
	for _, v := range vars {
		n, ok := intValue(v)
		switch normalizeOID(v.Name) {
		case OIDOutputSource:
			if !ok {
				return models.PowerSample{}, fmt.Errorf("%w: upsOutputSource has type %v", failsafe.ErrTransport, v.Type)
			}
			sample.Status = models.PowerStatus(n)
			haveStatus = true
		case OIDChargeRemaining:
			if ok && n >= 0 && n <= 100 {
				sample.BatteryPercent = int(n)
			}
		}
	}
	if !haveStatus {
		return models.PowerSample{}, fmt.Errorf("%w: upsOutputSource missing from response", failsafe.ErrTransport)
	}
	return sample, nil
}

func intValue(v gosnmp.SnmpPDU) (int64, bool) {
	switch v.Type {
	case gosnmp.Integer, gosnmp.Gauge32, gosnmp.Counter32, gosnmp.Uinteger32, gosnmp.TimeTicks, gosnmp.Counter64:
		return gosnmp.ToBigInt(v.Value).Int64(), true
	default:
		return 0, false
	}
}

func normalizeOID(oid string) string {
	if !strings.HasPrefix(oid, ".") {
		return "." + oid
	}
	return oid
}
